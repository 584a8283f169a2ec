package retrieval

import (
	"fmt"

	"github.com/stampstore/stampstore/internal/alert"
	stamperr "github.com/stampstore/stampstore/internal/errors"
)

// Response content types.
const (
	FITSContentType = "application/fits+gzip"
	PNGContentType  = "image/png"
	AvroContentType = "application/avro+binary"
)

// Format selects how a stamp is returned.
type Format string

const (
	FormatFITS Format = "fits"
	FormatPNG  Format = "png"
)

// ParseFormat validates a format tag.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatFITS, FormatPNG:
		return f, nil
	case "":
		return "", fmt.Errorf("format: %w", stamperr.ErrMissingParameter)
	default:
		return "", fmt.Errorf("format %q: %w", s, stamperr.ErrInvalidFormat)
	}
}

// RecordRequest identifies a record. Oid is optional.
type RecordRequest struct {
	Survey string
	Oid    string
	Candid string
}

// StampRequest identifies one cutout of a record and its output format.
type StampRequest struct {
	Survey string
	Oid    string
	Candid string
	Type   string
	Format string
}

// Stamp is a cutout ready to be sent as an attachment.
type Stamp struct {
	Data        []byte
	ContentType string
	Filename    string
}

// Avro is a raw record ready to be sent as an attachment.
type Avro = Stamp

func (s *Service) formatStamp(cutout []byte, format Format, key alert.Key, typ alert.CutoutType) (*Stamp, error) {
	base := fmt.Sprintf("%s_%s", key.Candid, typ)
	if key.Oid != "" {
		base = key.Oid + "_" + base
	}
	if format == FormatFITS {
		return &Stamp{Data: cutout, ContentType: FITSContentType, Filename: base + ".fits.gz"}, nil
	}
	if s.renderer == nil {
		return nil, fmt.Errorf("png rendering is disabled: %w", stamperr.ErrInvalidFormat)
	}
	png, err := s.renderer.Render(cutout, typ)
	if err != nil {
		return nil, fmt.Errorf("rendering %s stamp of %s: %w", typ, key, err)
	}
	return &Stamp{Data: png, ContentType: PNGContentType, Filename: base + ".png"}, nil
}
