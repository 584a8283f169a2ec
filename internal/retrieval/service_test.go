package retrieval

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/stampstore/stampstore/internal/alert"
	"github.com/stampstore/stampstore/internal/config"
	stamperr "github.com/stampstore/stampstore/internal/errors"
	"github.com/stampstore/stampstore/internal/metrics"
	"github.com/stampstore/stampstore/internal/render"
	"github.com/stampstore/stampstore/internal/storage"
	"github.com/stampstore/stampstore/internal/testutil"
)

// fakeTier is an in-memory tier that counts calls.
type fakeTier struct {
	mu       sync.Mutex
	records  map[string][]byte
	fetches  int
	stores   int
	fetchErr error
	storeErr error
}

func newFakeTier() *fakeTier {
	return &fakeTier{records: make(map[string][]byte)}
}

func (f *fakeTier) Fetch(_ context.Context, key alert.Key) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	data, ok := f.records[key.Survey+"/"+key.Candid]
	if !ok {
		return nil, stamperr.ErrNotFound
	}
	return data, nil
}

func (f *fakeTier) Store(_ context.Context, key alert.Key, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stores++
	if f.storeErr != nil {
		return f.storeErr
	}
	f.records[key.Survey+"/"+key.Candid] = data
	return nil
}

func (f *fakeTier) put(survey, candid string, data []byte) {
	f.records[survey+"/"+candid] = data
}

type fixture struct {
	svc    *Service
	store  *fakeTier
	origin *fakeTier
}

// newFixture wires a writable object-store tier and a read-only origin that
// only serves ztf.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: newFakeTier(), origin: newFakeTier()}
	svc, err := New([]string{"ztf", "atlas"}, render.New(),
		Tier{Name: "object_store", Fetcher: f.store, Storer: f.store},
		Tier{Name: "origin", Fetcher: f.origin, Surveys: map[string]bool{"ztf": true}, MissOnError: true},
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.svc = svc
	return f
}

func sampleAlert(t *testing.T, oid string, candid int64) []byte {
	t.Helper()
	stamp := testutil.Gzip(t, testutil.FITS(t, 8, 8, testutil.Ramp(8, 8), nil))
	return testutil.AlertAVRO(t, testutil.Alert{
		Oid:        oid,
		Candid:     candid,
		MagPSF:     18.5,
		Science:    stamp,
		Template:   stamp,
		Difference: stamp,
	})
}

func TestOriginHitWritesBackOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	record := sampleAlert(t, "ZTF18abc", 123456)
	f.origin.put("ztf", "123456", record)

	req := RecordRequest{Survey: "ztf", Oid: "ZTF18abc", Candid: "123456"}
	got, err := f.svc.GetAvro(ctx, req)
	if err != nil {
		t.Fatalf("GetAvro: %v", err)
	}
	if !bytes.Equal(got.Data, record) {
		t.Error("GetAvro returned different bytes")
	}
	if f.store.stores != 1 {
		t.Errorf("object store writes = %d, want 1", f.store.stores)
	}

	if _, err := f.svc.GetAvro(ctx, req); err != nil {
		t.Fatalf("second GetAvro: %v", err)
	}
	if f.origin.fetches != 1 {
		t.Errorf("origin fetches = %d, want 1", f.origin.fetches)
	}
	if f.store.stores != 1 {
		t.Errorf("object store writes after second fetch = %d, want 1", f.store.stores)
	}
}

func TestTotalMissIsNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetAvro(context.Background(), RecordRequest{Survey: "ztf", Candid: "999"})
	if !stamperr.Is(err, stamperr.ErrRecordNotFound) {
		t.Fatalf("GetAvro error = %v, want ErrRecordNotFound", err)
	}
	if f.store.fetches != 1 || f.origin.fetches != 1 {
		t.Errorf("fetches = %d/%d, want every tier once", f.store.fetches, f.origin.fetches)
	}
	if f.store.stores != 0 {
		t.Errorf("writes = %d, want 0", f.store.stores)
	}
}

func TestOriginFailureIsNotFound(t *testing.T) {
	f := newFixture(t)
	f.origin.fetchErr = stamperr.ErrOriginUnavailable
	_, err := f.svc.GetAvro(context.Background(), RecordRequest{Candid: "1"})
	if !stamperr.Is(err, stamperr.ErrRecordNotFound) {
		t.Errorf("GetAvro error = %v, want ErrRecordNotFound", err)
	}
}

func TestStoreFailurePropagates(t *testing.T) {
	f := newFixture(t)
	f.store.fetchErr = errors.New("access denied")
	_, err := f.svc.GetAvro(context.Background(), RecordRequest{Candid: "1"})
	if err == nil || stamperr.Is(err, stamperr.ErrRecordNotFound) {
		t.Fatalf("GetAvro error = %v, want a server failure", err)
	}
	if f.origin.fetches != 0 {
		t.Errorf("origin consulted after a failing tier")
	}
}

func TestSurveyWithoutOriginSkipsIt(t *testing.T) {
	f := newFixture(t)
	f.origin.put("atlas", "5", []byte("atlas-record"))
	_, err := f.svc.GetAvro(context.Background(), RecordRequest{Survey: "atlas", Candid: "5"})
	if !stamperr.Is(err, stamperr.ErrRecordNotFound) {
		t.Errorf("GetAvro error = %v, want ErrRecordNotFound", err)
	}
	if f.origin.fetches != 0 {
		t.Errorf("origin fetches = %d, want 0", f.origin.fetches)
	}
}

func TestWriteBackFailureIsNonFatal(t *testing.T) {
	f := newFixture(t)
	f.store.storeErr = errors.New("bucket is read-only")
	f.origin.put("ztf", "77", []byte("origin-record"))

	got, err := f.svc.GetAvro(context.Background(), RecordRequest{Candid: "77"})
	if err != nil {
		t.Fatalf("GetAvro: %v", err)
	}
	if string(got.Data) != "origin-record" {
		t.Errorf("GetAvro = %q", got.Data)
	}
	if f.store.stores != 1 {
		t.Errorf("write attempts = %d, want 1", f.store.stores)
	}
}

func TestBackfillsEverySkippedTier(t *testing.T) {
	ctx := context.Background()
	store := storage.NewObjectStore(storage.NewMemoryBlobs(), map[string]string{"ztf": "ztf-avro"})
	disk, err := storage.NewDisk(config.DiskConfig{Enabled: true, RootDir: t.TempDir(), Shards: 8, PrefixLen: 5})
	if err != nil {
		t.Fatal(err)
	}
	origin := newFakeTier()
	origin.put("ztf", "42", []byte("from-origin"))

	svc, err := New([]string{"ztf"}, nil,
		Tier{Name: "object_store", Fetcher: store, Storer: store},
		Tier{Name: "disk", Fetcher: disk, Storer: disk},
		Tier{Name: "origin", Fetcher: origin, MissOnError: true},
	)
	if err != nil {
		t.Fatal(err)
	}
	key := alert.Key{Survey: "ztf", Oid: "ZTF20xyz", Candid: "42"}
	if _, err := svc.GetAvro(ctx, RecordRequest{Survey: "ztf", Oid: key.Oid, Candid: "42"}); err != nil {
		t.Fatalf("GetAvro: %v", err)
	}
	for name, tier := range map[string]storage.Fetcher{"object store": store, "disk": disk} {
		got, err := tier.Fetch(ctx, key)
		if err != nil || string(got) != "from-origin" {
			t.Errorf("%s after backfill = %q, %v", name, got, err)
		}
	}
}

func TestBackfillSkipsDiskWithoutOid(t *testing.T) {
	ctx := context.Background()
	store := newFakeTier()
	disk, err := storage.NewDisk(config.DiskConfig{Enabled: true, RootDir: t.TempDir(), Shards: 8, PrefixLen: 5})
	if err != nil {
		t.Fatal(err)
	}
	origin := newFakeTier()
	origin.put("ztf", "77", []byte("from-origin"))

	svc, err := New([]string{"ztf"}, nil,
		Tier{Name: "object_store", Fetcher: store, Storer: store},
		Tier{Name: "disk_no_oid", Fetcher: disk, Storer: disk},
		Tier{Name: "origin", Fetcher: origin, MissOnError: true},
	)
	if err != nil {
		t.Fatal(err)
	}

	skipped := metrics.WritebacksTotal.WithLabelValues("disk_no_oid", "skipped")
	ok := metrics.WritebacksTotal.WithLabelValues("disk_no_oid", "ok")
	failed := metrics.WritebacksTotal.WithLabelValues("disk_no_oid", "error")
	skippedBefore, okBefore, failedBefore := promtest.ToFloat64(skipped), promtest.ToFloat64(ok), promtest.ToFloat64(failed)

	if _, err := svc.GetAvro(ctx, RecordRequest{Survey: "ztf", Candid: "77"}); err != nil {
		t.Fatalf("GetAvro: %v", err)
	}
	if store.stores != 1 {
		t.Errorf("object store writes = %d, want 1", store.stores)
	}
	if d := promtest.ToFloat64(skipped) - skippedBefore; d != 1 {
		t.Errorf("skipped write-backs = %v, want 1", d)
	}
	if d := promtest.ToFloat64(ok) - okBefore; d != 0 {
		t.Errorf("ok write-backs = %v, want 0", d)
	}
	if d := promtest.ToFloat64(failed) - failedBefore; d != 0 {
		t.Errorf("failed write-backs = %v, want 0", d)
	}
}

func TestDiskHitWritesBackToObjectStore(t *testing.T) {
	f := newFakeTier()
	disk := newFakeTier()
	disk.put("ztf", "8", []byte("disk-record"))
	svc, err := New([]string{"ztf"}, nil,
		Tier{Name: "object_store", Fetcher: f, Storer: f},
		Tier{Name: "disk", Fetcher: disk, Storer: disk},
	)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.GetAvro(context.Background(), RecordRequest{Candid: "8"}); err != nil {
		t.Fatalf("GetAvro: %v", err)
	}
	if f.stores != 1 || disk.stores != 0 {
		t.Errorf("stores = object store %d, disk %d; want 1, 0", f.stores, disk.stores)
	}
}

func TestGetStamp(t *testing.T) {
	f := newFixture(t)
	f.store.put("ztf", "123456", sampleAlert(t, "ZTF18abc", 123456))
	ctx := context.Background()

	fits, err := f.svc.GetStamp(ctx, StampRequest{Oid: "ZTF18abc", Candid: "123456", Type: "science", Format: "fits"})
	if err != nil {
		t.Fatalf("GetStamp fits: %v", err)
	}
	if fits.ContentType != FITSContentType || fits.Filename != "ZTF18abc_123456_science.fits.gz" {
		t.Errorf("fits stamp = %q %q", fits.ContentType, fits.Filename)
	}

	png, err := f.svc.GetStamp(ctx, StampRequest{Candid: "123456", Type: "difference", Format: "png"})
	if err != nil {
		t.Fatalf("GetStamp png: %v", err)
	}
	if png.ContentType != PNGContentType || png.Filename != "123456_difference.png" {
		t.Errorf("png stamp = %q %q", png.ContentType, png.Filename)
	}
	if !bytes.HasPrefix(png.Data, []byte("\x89PNG")) {
		t.Error("png stamp is not a PNG")
	}
}

func TestGetStampValidatesBeforeLookup(t *testing.T) {
	tests := []struct {
		name string
		req  StampRequest
		want error
	}{
		{"unknown type", StampRequest{Candid: "1", Type: "noise", Format: "png"}, stamperr.ErrUnknownCutoutType},
		{"missing type", StampRequest{Candid: "1", Format: "png"}, stamperr.ErrMissingParameter},
		{"bad format", StampRequest{Candid: "1", Type: "science", Format: "jpeg"}, stamperr.ErrInvalidFormat},
		{"missing candid", StampRequest{Type: "science", Format: "png"}, stamperr.ErrMissingParameter},
		{"bad candid", StampRequest{Candid: "12a", Type: "science", Format: "png"}, stamperr.ErrInvalidKey},
		{"unknown survey", StampRequest{Survey: "lsst", Candid: "1", Type: "science", Format: "png"}, stamperr.ErrUnknownSurvey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.origin.put("ztf", "1", []byte("record"))
			_, err := f.svc.GetStamp(context.Background(), tt.req)
			if !stamperr.Is(err, tt.want) {
				t.Errorf("GetStamp error = %v, want %v", err, tt.want)
			}
			if f.store.fetches+f.origin.fetches != 0 || f.store.stores != 0 {
				t.Errorf("tiers touched: %d fetches, %d stores", f.store.fetches+f.origin.fetches, f.store.stores)
			}
		})
	}
}

func TestGetStampDecodeFailure(t *testing.T) {
	f := newFixture(t)
	f.store.put("ztf", "3", []byte("not an avro container"))
	_, err := f.svc.GetStamp(context.Background(), StampRequest{Candid: "3", Type: "science", Format: "fits"})
	if !stamperr.Is(err, stamperr.ErrDecode) {
		t.Errorf("GetStamp error = %v, want ErrDecode", err)
	}
}

func TestGetAvroInfoStripsCutouts(t *testing.T) {
	f := newFixture(t)
	f.store.put("ztf", "123456", sampleAlert(t, "ZTF18abc", 123456))

	meta, err := f.svc.GetAvroInfo(context.Background(), RecordRequest{Candid: "123456"})
	if err != nil {
		t.Fatalf("GetAvroInfo: %v", err)
	}
	for _, field := range []string{"cutoutScience", "cutoutTemplate", "cutoutDifference"} {
		if _, ok := meta[field]; ok {
			t.Errorf("metadata still carries %s", field)
		}
	}
	cand, _ := meta["candidate"].(map[string]any)
	if cand["candid"] != "123456" {
		t.Errorf("candidate.candid = %#v, want string", cand["candid"])
	}
}

func TestPutThenGetRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	record := []byte("opaque record bytes")

	if err := f.svc.PutAvro(ctx, "atlas", "1000", record); err != nil {
		t.Fatalf("PutAvro: %v", err)
	}
	got, err := f.svc.GetAvro(ctx, RecordRequest{Survey: "atlas", Oid: "A1", Candid: "1000"})
	if err != nil {
		t.Fatalf("GetAvro: %v", err)
	}
	if !bytes.Equal(got.Data, record) {
		t.Errorf("round trip = %q, want %q", got.Data, record)
	}
	if got.Filename != "1000.avro" || got.ContentType != AvroContentType {
		t.Errorf("avro attachment = %q %q", got.Filename, got.ContentType)
	}
}

func TestPutAvroErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.svc.PutAvro(ctx, "", "1", []byte("x")); !stamperr.Is(err, stamperr.ErrMissingParameter) {
		t.Errorf("missing survey error = %v", err)
	}
	if err := f.svc.PutAvro(ctx, "ztf", "1", nil); !stamperr.Is(err, stamperr.ErrMissingParameter) {
		t.Errorf("empty body error = %v", err)
	}
	f.store.storeErr = errors.New("disk full")
	err := f.svc.PutAvro(ctx, "ztf", "1", []byte("x"))
	if err == nil || stamperr.Classify(err).HTTPStatus != 500 {
		t.Errorf("storage failure error = %v", err)
	}
}

func TestNewRejectsBadTiers(t *testing.T) {
	ro := newFakeTier()
	if _, err := New(nil, nil); err == nil {
		t.Error("expected error without tiers")
	}
	if _, err := New(nil, nil, Tier{Name: "origin", Fetcher: ro}); err == nil {
		t.Error("expected error for read-only first tier")
	}
}
