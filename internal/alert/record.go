package alert

import (
	"bytes"
	"fmt"
	"math"
	"strconv"

	"github.com/hamba/avro/v2/ocf"

	stamperr "github.com/stampstore/stampstore/internal/errors"
)

// CutoutType selects one of the three stamps carried by an alert.
type CutoutType string

const (
	Science    CutoutType = "science"
	Template   CutoutType = "template"
	Difference CutoutType = "difference"
)

// cutoutFields maps each cutout type to its record field.
var cutoutFields = map[CutoutType]string{
	Science:    "cutoutScience",
	Template:   "cutoutTemplate",
	Difference: "cutoutDifference",
}

// ParseCutoutType validates a stamp type tag.
func ParseCutoutType(s string) (CutoutType, error) {
	t := CutoutType(s)
	if _, ok := cutoutFields[t]; !ok {
		return "", fmt.Errorf("stamp type %q: %w", s, stamperr.ErrUnknownCutoutType)
	}
	return t, nil
}

// Record is a decoded alert. Only the cutout sub-records and
// candidate.candid are interpreted; everything else is passed through.
type Record map[string]any

// Decode reads the first record of an AVRO object container. Alerts are
// stored one per container, so anything after the first record is ignored.
func Decode(data []byte) (Record, error) {
	dec, err := ocf.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: opening container: %w", stamperr.ErrDecode, err)
	}
	if !dec.HasNext() {
		if err := dec.Error(); err != nil {
			return nil, fmt.Errorf("%w: reading block: %w", stamperr.ErrDecode, err)
		}
		return nil, fmt.Errorf("%w: container holds no records", stamperr.ErrDecode)
	}
	var rec map[string]any
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("%w: decoding record: %w", stamperr.ErrDecode, err)
	}
	return Record(rec), nil
}

// Cutout returns the compressed stamp bytes of type t.
func (r Record) Cutout(t CutoutType) ([]byte, error) {
	field, ok := cutoutFields[t]
	if !ok {
		return nil, fmt.Errorf("stamp type %q: %w", t, stamperr.ErrUnknownCutoutType)
	}
	sub, ok := unwrapRecord(r[field])
	if !ok {
		return nil, fmt.Errorf("%s: %w", field, stamperr.ErrMissingCutout)
	}
	data, ok := sub["stampData"].([]byte)
	if !ok || len(data) == 0 {
		return nil, fmt.Errorf("%s.stampData: %w", field, stamperr.ErrMissingCutout)
	}
	return data, nil
}

// Candid returns candidate.candid as a decimal string, or "" when absent.
func (r Record) Candid() string {
	cand, ok := unwrapRecord(r["candidate"])
	if !ok {
		return ""
	}
	return candidString(cand["candid"])
}

// Metadata returns a copy of the record without the cutouts, with
// candidate.candid rendered as a string and non-finite floats replaced by
// nil so the result is safe to encode as JSON. The receiver is not modified.
func (r Record) Metadata() Record {
	out := make(Record, len(r))
	for k, v := range r {
		if isCutoutField(k) {
			continue
		}
		out[k] = sanitize(v)
	}
	if cand, ok := unwrapRecord(out["candidate"]); ok {
		if s := candidString(cand["candid"]); s != "" {
			cand["candid"] = s
		}
	}
	return out
}

func isCutoutField(name string) bool {
	for _, f := range cutoutFields {
		if f == name {
			return true
		}
	}
	return false
}

// unwrapRecord returns v as a record map. The decoder represents a union
// holding a named record as a single-entry map keyed by the type name;
// that wrapper is removed.
func unwrapRecord(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	if !ok || m == nil {
		return nil, false
	}
	if _, direct := m["stampData"]; direct || len(m) != 1 {
		return m, true
	}
	for _, inner := range m {
		if im, ok := inner.(map[string]any); ok {
			return im, true
		}
	}
	return m, true
}

func candidString(v any) string {
	switch c := v.(type) {
	case int64:
		return strconv.FormatInt(c, 10)
	case int32:
		return strconv.FormatInt(int64(c), 10)
	case int:
		return strconv.Itoa(c)
	case float64:
		return strconv.FormatFloat(c, 'f', -1, 64)
	case string:
		return c
	default:
		return ""
	}
}

func sanitize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = sanitize(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = sanitize(e)
		}
		return s
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil
		}
	case float32:
		if math.IsNaN(float64(t)) || math.IsInf(float64(t), 0) {
			return nil
		}
	}
	return v
}
