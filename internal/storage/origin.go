package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/stampstore/stampstore/internal/alert"
	stamperr "github.com/stampstore/stampstore/internal/errors"
)

// maxOriginBody caps how much of a broker response is read.
const maxOriginBody = 64 << 20

// Origin is the remote alert-broker tier. It is read-only.
type Origin struct {
	base    *url.URL
	client  *http.Client
	limiter *rate.Limiter
	maxBody int64
}

// OriginOption configures an Origin.
type OriginOption func(*Origin)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) OriginOption {
	return func(o *Origin) {
		if c != nil {
			o.client = c
		}
	}
}

// WithRateLimit limits requests toward the broker to perSecond with the
// given burst. A non-positive rate disables limiting.
func WithRateLimit(perSecond float64, burst int) OriginOption {
	return func(o *Origin) {
		if perSecond <= 0 {
			o.limiter = nil
			return
		}
		o.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// NewOrigin creates an Origin querying baseURL.
func NewOrigin(baseURL string, timeout time.Duration, opts ...OriginOption) (*Origin, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing origin url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("origin url %q: scheme must be http or https", baseURL)
	}
	o := &Origin{
		base:    u,
		client:  &http.Client{Timeout: timeout},
		maxBody: maxOriginBody,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// originResult is one entry of the broker's search response.
type originResult struct {
	ObjectID string      `json:"objectId"`
	Candid   json.Number `json:"candid"`
	Avro     string      `json:"avro"`
}

// Fetch looks key.Candid up on the broker and downloads the referenced
// record. The object id is cross-checked only when the key carries one.
func (o *Origin) Fetch(ctx context.Context, key alert.Key) ([]byte, error) {
	ref, err := o.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	data, err := o.get(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", ref, err)
	}
	slog.Debug("Record downloaded from origin", "candid", key.Candid, "size", len(data))
	return data, nil
}

func (o *Origin) lookup(ctx context.Context, key alert.Key) (*url.URL, error) {
	u := *o.base
	q := u.Query()
	q.Set("candid", key.Candid)
	q.Set("format", "json")
	u.RawQuery = q.Encode()

	body, err := o.get(ctx, &u)
	if err != nil {
		return nil, fmt.Errorf("searching origin: %w", err)
	}

	var resp struct {
		Results *[]originResult `json:"results"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decoding search response: %w", stamperr.ErrOriginMalformed, err)
	}
	if resp.Results == nil {
		return nil, fmt.Errorf("%w: no results field", stamperr.ErrOriginMalformed)
	}
	results := *resp.Results
	if len(results) != 1 {
		return nil, fmt.Errorf("%w: %d results for candid %s", stamperr.ErrOriginMismatch, len(results), key.Candid)
	}
	r := results[0]
	if r.Candid.String() != key.Candid {
		return nil, fmt.Errorf("%w: candid %q, want %q", stamperr.ErrOriginMismatch, r.Candid, key.Candid)
	}
	if key.Oid != "" && r.ObjectID != key.Oid {
		return nil, fmt.Errorf("%w: objectId %q, want %q", stamperr.ErrOriginMismatch, r.ObjectID, key.Oid)
	}
	if r.Avro == "" {
		return nil, fmt.Errorf("%w: result has no avro reference", stamperr.ErrOriginMalformed)
	}
	ref, err := url.Parse(r.Avro)
	if err != nil {
		return nil, fmt.Errorf("%w: avro reference %q: %w", stamperr.ErrOriginMalformed, r.Avro, err)
	}
	return o.base.ResolveReference(ref), nil
}

// get performs one rate-limited GET. Transport failures and non-2xx statuses
// are reported as ErrOriginUnavailable; a body over the size cap is
// ErrOriginMalformed, never a truncated success.
func (o *Origin) get(ctx context.Context, u *url.URL) ([]byte, error) {
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limiter: %w", stamperr.ErrOriginUnavailable, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %w", stamperr.ErrOriginUnavailable, err)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", stamperr.ErrOriginUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d", stamperr.ErrOriginUnavailable, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, o.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %w", stamperr.ErrOriginUnavailable, err)
	}
	if int64(len(body)) > o.maxBody {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", stamperr.ErrOriginMalformed, o.maxBody)
	}
	return body, nil
}

var _ Fetcher = (*Origin)(nil)
