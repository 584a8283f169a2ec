// Package testutil builds AVRO alert containers and FITS cutouts for tests.
package testutil

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/hamba/avro/v2/ocf"
)

// AlertSchema is a trimmed-down alert schema with the fields the service
// interprets.
const AlertSchema = `{
  "type": "record",
  "name": "alert",
  "namespace": "stampstore.test",
  "fields": [
    {"name": "objectId", "type": "string"},
    {"name": "candidate", "type": {
      "type": "record",
      "name": "candidate",
      "fields": [
        {"name": "candid", "type": "long"},
        {"name": "magpsf", "type": "double"}
      ]
    }},
    {"name": "cutoutScience", "type": {
      "type": "record",
      "name": "cutout",
      "fields": [
        {"name": "fileName", "type": "string"},
        {"name": "stampData", "type": "bytes"}
      ]
    }},
    {"name": "cutoutTemplate", "type": "cutout"},
    {"name": "cutoutDifference", "type": "cutout"}
  ]
}`

// Alert describes one record written by AlertAVRO.
type Alert struct {
	Oid        string
	Candid     int64
	MagPSF     float64
	Science    []byte
	Template   []byte
	Difference []byte
}

// AlertAVRO encodes alerts into a single object container.
func AlertAVRO(tb testing.TB, alerts ...Alert) []byte {
	tb.Helper()
	var buf bytes.Buffer
	enc, err := ocf.NewEncoder(AlertSchema, &buf)
	if err != nil {
		tb.Fatalf("creating OCF encoder: %v", err)
	}
	for _, a := range alerts {
		rec := map[string]any{
			"objectId": a.Oid,
			"candidate": map[string]any{
				"candid": a.Candid,
				"magpsf": a.MagPSF,
			},
			"cutoutScience":    cutout(a.Candid, "science", a.Science),
			"cutoutTemplate":   cutout(a.Candid, "template", a.Template),
			"cutoutDifference": cutout(a.Candid, "difference", a.Difference),
		}
		if err := enc.Encode(rec); err != nil {
			tb.Fatalf("encoding alert %d: %v", a.Candid, err)
		}
	}
	if err := enc.Close(); err != nil {
		tb.Fatalf("closing OCF encoder: %v", err)
	}
	return buf.Bytes()
}

func cutout(candid int64, kind string, data []byte) map[string]any {
	if data == nil {
		data = []byte{}
	}
	return map[string]any{
		"fileName":  fmt.Sprintf("candid%d_%s.fits.gz", candid, kind),
		"stampData": data,
	}
}

const fitsBlock = 2880

// FITS encodes a single-HDU BITPIX=-32 image. data is row-major with
// height rows of width values; extra holds additional numeric header cards.
func FITS(tb testing.TB, width, height int, data []float32, extra map[string]float64) []byte {
	tb.Helper()
	if len(data) != width*height {
		tb.Fatalf("FITS: %d values for %dx%d image", len(data), width, height)
	}
	var hdr strings.Builder
	card := func(key, value string) {
		fmt.Fprintf(&hdr, "%-8s= %20s%50s", key, value, "")
	}
	card("SIMPLE", "T")
	card("BITPIX", "-32")
	card("NAXIS", "2")
	card("NAXIS1", fmt.Sprint(width))
	card("NAXIS2", fmt.Sprint(height))
	for k, v := range extra {
		card(k, fmt.Sprintf("%.6f", v))
	}
	fmt.Fprintf(&hdr, "%-80s", "END")

	var out bytes.Buffer
	out.WriteString(hdr.String())
	pad(&out, ' ')
	for _, v := range data {
		binary.Write(&out, binary.BigEndian, math.Float32bits(v))
	}
	pad(&out, 0)
	return out.Bytes()
}

func pad(buf *bytes.Buffer, c byte) {
	if rem := buf.Len() % fitsBlock; rem != 0 {
		buf.Write(bytes.Repeat([]byte{c}, fitsBlock-rem))
	}
}

// Gzip compresses b.
func Gzip(tb testing.TB, b []byte) []byte {
	tb.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		tb.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		tb.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

// Ramp returns a width*height image whose values increase along rows.
func Ramp(width, height int) []float32 {
	data := make([]float32, width*height)
	for i := range data {
		data[i] = float32(i)
	}
	return data
}
