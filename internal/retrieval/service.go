// Package retrieval implements the tiered record lookup behind every read
// endpoint: tiers are tried in order, the first hit wins, and the record is
// written back into every writable tier that missed.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/stampstore/stampstore/internal/alert"
	stamperr "github.com/stampstore/stampstore/internal/errors"
	"github.com/stampstore/stampstore/internal/logging"
	"github.com/stampstore/stampstore/internal/metrics"
	"github.com/stampstore/stampstore/internal/storage"
)

// DefaultSurvey is used when a request names no survey.
const DefaultSurvey = "ztf"

// Tier is one entry of the lookup order.
type Tier struct {
	// Name labels the tier in logs and metrics.
	Name string
	// Fetcher reads records. It must report a miss as errors.ErrNotFound.
	Fetcher storage.Fetcher
	// Storer receives write-backs. Nil for read-only tiers.
	Storer storage.Storer
	// Surveys restricts the tier to the listed surveys. Nil means every survey.
	Surveys map[string]bool
	// MissOnError turns every fetch failure into a miss.
	MissOnError bool
}

func (t Tier) serves(survey string) bool {
	return t.Surveys == nil || t.Surveys[survey]
}

// Renderer converts a cutout to PNG.
type Renderer interface {
	Render(stamp []byte, t alert.CutoutType) ([]byte, error)
}

// Service answers record and stamp requests from an ordered list of tiers.
// The first tier is the upload target for PutAvro.
type Service struct {
	tiers    []Tier
	surveys  map[string]bool
	renderer Renderer
}

// New creates a Service for the given surveys. Tiers are consulted in the
// order given.
func New(surveys []string, renderer Renderer, tiers ...Tier) (*Service, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("retrieval: at least one tier is required")
	}
	for _, t := range tiers {
		if t.Fetcher == nil {
			return nil, fmt.Errorf("retrieval: tier %q has no fetcher", t.Name)
		}
	}
	if tiers[0].Storer == nil {
		return nil, fmt.Errorf("retrieval: first tier %q must be writable", tiers[0].Name)
	}
	s := &Service{
		tiers:    tiers,
		surveys:  make(map[string]bool, len(surveys)),
		renderer: renderer,
	}
	for _, name := range surveys {
		s.surveys[name] = true
	}
	return s, nil
}

// Surveys returns the known survey ids in sorted order.
func (s *Service) Surveys() []string {
	out := make([]string, 0, len(s.surveys))
	for name := range s.surveys {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// TierNames returns the tier names in lookup order.
func (s *Service) TierNames() []string {
	out := make([]string, len(s.tiers))
	for i, t := range s.tiers {
		out[i] = t.Name
	}
	return out
}

// key validates the request identifiers. It never touches a tier.
func (s *Service) key(survey, oid, candid string) (alert.Key, error) {
	if survey == "" {
		survey = DefaultSurvey
	}
	if !s.surveys[survey] {
		return alert.Key{}, fmt.Errorf("survey %q: %w", survey, stamperr.ErrUnknownSurvey)
	}
	if candid == "" {
		return alert.Key{}, fmt.Errorf("candid: %w", stamperr.ErrMissingParameter)
	}
	return alert.NewKey(survey, oid, candid)
}

// lookup walks the tiers for key. On a hit in tier i the record is written
// back into every earlier writable tier that serves the survey. When every
// tier misses the result is ErrRecordNotFound; the individual causes are
// only logged.
func (s *Service) lookup(ctx context.Context, key alert.Key) ([]byte, error) {
	log := logging.FromContext(ctx).With("survey", key.Survey, "candid", key.Candid)
	var missed []Tier

	for _, tier := range s.tiers {
		if !tier.serves(key.Survey) {
			continue
		}
		data, err := tier.Fetcher.Fetch(ctx, key)
		switch {
		case err == nil:
			metrics.TierLookupsTotal.WithLabelValues(tier.Name, "hit").Inc()
			log.Info("[HIT] record found", "tier", tier.Name)
			s.writeBack(ctx, log, key, data, missed)
			return data, nil
		case stamperr.Is(err, stamperr.ErrNotFound):
			metrics.TierLookupsTotal.WithLabelValues(tier.Name, "miss").Inc()
			log.Info("[MISS] record not found", "tier", tier.Name)
		case tier.MissOnError:
			metrics.TierLookupsTotal.WithLabelValues(tier.Name, "miss").Inc()
			if stamperr.IsOriginFailure(err) {
				log.Info("[MISS] record could not be retrieved", "tier", tier.Name, "error", err)
			} else {
				log.Warn("[MISS] unexpected tier failure", "tier", tier.Name, "error", err)
			}
		default:
			metrics.TierLookupsTotal.WithLabelValues(tier.Name, "error").Inc()
			return nil, fmt.Errorf("%s tier: %w", tier.Name, err)
		}
		missed = append(missed, tier)
	}
	return nil, fmt.Errorf("%s: %w", key, stamperr.ErrRecordNotFound)
}

// writeBack copies data into the writable tiers in missed. Failures are
// logged and counted but never fail the request; a tier that cannot place
// the key is counted as skipped. The writes outlive a
// cancelled request.
func (s *Service) writeBack(ctx context.Context, log *slog.Logger, key alert.Key, data []byte, missed []Tier) {
	ctx = context.WithoutCancel(ctx)
	for _, tier := range missed {
		if tier.Storer == nil {
			continue
		}
		err := tier.Storer.Store(ctx, key, data)
		if stamperr.Is(err, stamperr.ErrNotPlaced) {
			metrics.WritebacksTotal.WithLabelValues(tier.Name, "skipped").Inc()
			log.Debug("Write-back skipped", "tier", tier.Name, "reason", err)
			continue
		}
		if err != nil {
			metrics.WritebacksTotal.WithLabelValues(tier.Name, "error").Inc()
			log.Warn("Write-back failed", "tier", tier.Name, "error", err)
			continue
		}
		metrics.WritebacksTotal.WithLabelValues(tier.Name, "ok").Inc()
		log.Info("Record written back", "tier", tier.Name, "size", len(data))
	}
}

// GetAvro returns the raw record bytes.
func (s *Service) GetAvro(ctx context.Context, req RecordRequest) (*Avro, error) {
	key, err := s.key(req.Survey, req.Oid, req.Candid)
	if err != nil {
		return nil, err
	}
	data, err := s.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	return &Avro{
		Data:        data,
		ContentType: AvroContentType,
		Filename:    key.Candid + ".avro",
	}, nil
}

// GetAvroInfo returns the record metadata without cutouts.
func (s *Service) GetAvroInfo(ctx context.Context, req RecordRequest) (alert.Record, error) {
	key, err := s.key(req.Survey, req.Oid, req.Candid)
	if err != nil {
		return nil, err
	}
	data, err := s.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	rec, err := alert.Decode(data)
	if err != nil {
		return nil, err
	}
	return rec.Metadata(), nil
}

// GetStamp returns one cutout, either as stored or rendered to PNG. All
// parameters are validated before any tier is consulted.
func (s *Service) GetStamp(ctx context.Context, req StampRequest) (*Stamp, error) {
	key, err := s.key(req.Survey, req.Oid, req.Candid)
	if err != nil {
		return nil, err
	}
	if req.Type == "" {
		return nil, fmt.Errorf("type: %w", stamperr.ErrMissingParameter)
	}
	typ, err := alert.ParseCutoutType(req.Type)
	if err != nil {
		return nil, err
	}
	format, err := ParseFormat(req.Format)
	if err != nil {
		return nil, err
	}

	data, err := s.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	rec, err := alert.Decode(data)
	if err != nil {
		return nil, err
	}
	cutout, err := rec.Cutout(typ)
	if err != nil {
		return nil, err
	}
	return s.formatStamp(cutout, format, key, typ)
}

// PutAvro stores a record in the first tier under its reversed-candid name.
func (s *Service) PutAvro(ctx context.Context, survey, candid string, data []byte) error {
	if survey == "" {
		return fmt.Errorf("survey_id: %w", stamperr.ErrMissingParameter)
	}
	key, err := s.key(survey, "", candid)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("avro: %w", stamperr.ErrMissingParameter)
	}

	primary := s.tiers[0]
	if err := primary.Storer.Store(ctx, key, data); err != nil {
		metrics.UploadsTotal.WithLabelValues(key.Survey, "error").Inc()
		return fmt.Errorf("storing %s in %s tier: %w", key, primary.Name, err)
	}
	metrics.UploadsTotal.WithLabelValues(key.Survey, "ok").Inc()
	logging.FromContext(ctx).Info("Record uploaded",
		"survey", key.Survey, "candid", key.Candid, "tier", primary.Name, "size", len(data))
	return nil
}
