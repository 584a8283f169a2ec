// Package render turns compressed FITS cutouts into PNG previews.
package render

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"image"
	"image/png"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/astrogo/fitsio"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/stampstore/stampstore/internal/alert"
	stamperr "github.com/stampstore/stampstore/internal/errors"
	"github.com/stampstore/stampstore/internal/metrics"
)

const (
	defaultWindow   = 2
	defaultScale    = 4
	defaultAngleKey = "PA"
)

// Renderer converts cutouts to PNG. The zero value is not usable; construct
// with New.
type Renderer struct {
	window   int
	scale    int
	angleKey string
	rangeFn  RangeFunc
	encoder  png.Encoder
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithWindow sets the half-size of the centered window used for the display
// ceiling.
func WithWindow(n int) Option {
	return func(r *Renderer) {
		if n > 0 {
			r.window = n
		}
	}
}

// WithScale sets the integer upscale factor applied to the output.
func WithScale(n int) Option {
	return func(r *Renderer) {
		if n > 0 {
			r.scale = n
		}
	}
}

// WithAngleKey sets the header card holding the position angle in degrees.
func WithAngleKey(key string) Option {
	return func(r *Renderer) {
		if key != "" {
			r.angleKey = strings.ToUpper(key)
		}
	}
}

// WithRangeFunc replaces DisplayRange.
func WithRangeFunc(fn RangeFunc) Option {
	return func(r *Renderer) {
		if fn != nil {
			r.rangeFn = fn
		}
	}
}

// New creates a Renderer.
func New(opts ...Option) *Renderer {
	r := &Renderer{
		window:   defaultWindow,
		scale:    defaultScale,
		angleKey: defaultAngleKey,
		rangeFn:  DisplayRange,
		encoder: png.Encoder{
			CompressionLevel: png.BestSpeed,
			BufferPool:       &encoderPool{},
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// frame is a decoded FITS image in row-major order, first row first.
type frame struct {
	width, height int
	pix           []float64
	angle         float64
	hasAngle      bool
}

// Render decodes a possibly gzip-compressed FITS cutout and returns a PNG.
// Difference images are stretched over their full range; the other types
// use the range function.
func (r *Renderer) Render(stamp []byte, t alert.CutoutType) ([]byte, error) {
	start := time.Now()
	defer func() {
		metrics.RenderDuration.WithLabelValues(string(t)).Observe(time.Since(start).Seconds())
	}()

	raw, err := decompress(stamp)
	if err != nil {
		return nil, err
	}
	fr, err := r.readFITS(raw)
	if err != nil {
		return nil, err
	}

	var lo, hi float64
	if t == alert.Difference {
		lo, hi = minMax(finiteValues(fr.pix))
	} else {
		hi, lo = r.rangeFn(fr.pix, fr.width, fr.height, r.window)
	}
	lo, hi = clampRange(lo, hi)

	var cv canvas
	defer cv.Close()

	src := cv.surface(fr.width, fr.height)
	paint(src, fr, lo, hi)
	dst := r.transform(&cv, src, fr)

	return r.encode(dst)
}

func (r *Renderer) encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := r.encoder.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// decompress inflates gzip-framed input. Input that is not gzip-framed is
// returned unchanged.
func decompress(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return data, nil
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: inflating cutout: %w", stamperr.ErrDecode, err)
	}
	return out, nil
}

func (r *Renderer) readFITS(raw []byte) (fr *frame, err error) {
	defer func() {
		// fitsio panics on some truncated inputs.
		if p := recover(); p != nil {
			fr, err = nil, fmt.Errorf("%w: reading FITS: %v", stamperr.ErrDecode, p)
		}
	}()

	f, err := fitsio.Open(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: opening FITS: %w", stamperr.ErrDecode, err)
	}
	defer f.Close()

	if len(f.HDUs()) == 0 {
		return nil, fmt.Errorf("%w: FITS has no HDU", stamperr.ErrDecode)
	}
	img, ok := f.HDU(0).(fitsio.Image)
	if !ok {
		return nil, fmt.Errorf("%w: primary HDU is not an image", stamperr.ErrDecode)
	}
	hdr := img.Header()
	axes := hdr.Axes()
	if len(axes) < 2 || axes[0] <= 0 || axes[1] <= 0 {
		return nil, fmt.Errorf("%w: image axes %v", stamperr.ErrDecode, axes)
	}
	total := 1
	for _, n := range axes {
		total *= n
	}

	pix, err := readPixels(img, hdr.Bitpix(), total)
	if err != nil {
		return nil, err
	}
	if hdr.Bitpix() > 0 {
		scale, zero := cardFloat(hdr, "BSCALE", 1), cardFloat(hdr, "BZERO", 0)
		if scale != 1 || zero != 0 {
			for i, v := range pix {
				pix[i] = v*scale + zero
			}
		}
	}

	fr = &frame{width: axes[0], height: axes[1], pix: pix[:axes[0]*axes[1]]}
	if c := hdr.Get(r.angleKey); c != nil {
		if a, ok := numeric(c.Value); ok && !math.IsNaN(a) {
			fr.angle, fr.hasAngle = a, true
		}
	}
	return fr, nil
}

func readPixels(img fitsio.Image, bitpix, n int) ([]float64, error) {
	out := make([]float64, n)
	var err error
	switch bitpix {
	case 8:
		buf := make([]uint8, n)
		if err = img.Read(&buf); err == nil {
			for i, v := range buf {
				out[i] = float64(v)
			}
		}
	case 16:
		buf := make([]int16, n)
		if err = img.Read(&buf); err == nil {
			for i, v := range buf {
				out[i] = float64(v)
			}
		}
	case 32:
		buf := make([]int32, n)
		if err = img.Read(&buf); err == nil {
			for i, v := range buf {
				out[i] = float64(v)
			}
		}
	case 64:
		buf := make([]int64, n)
		if err = img.Read(&buf); err == nil {
			for i, v := range buf {
				out[i] = float64(v)
			}
		}
	case -32:
		buf := make([]float32, n)
		if err = img.Read(&buf); err == nil {
			for i, v := range buf {
				out[i] = float64(v)
			}
		}
	case -64:
		buf := make([]float64, n)
		if err = img.Read(&buf); err == nil {
			copy(out, buf)
		}
	default:
		err = fmt.Errorf("unsupported BITPIX %d", bitpix)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading pixels: %w", stamperr.ErrDecode, err)
	}
	return out, nil
}

func cardFloat(hdr *fitsio.Header, key string, def float64) float64 {
	c := hdr.Get(key)
	if c == nil {
		return def
	}
	if v, ok := numeric(c.Value); ok {
		return v
	}
	return def
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// paint maps pixel values to grey levels, low to black and high to white.
// NaN pixels stay transparent. Rotated frames are drawn with the first row at
// the bottom.
func paint(dst *image.NRGBA, fr *frame, lo, hi float64) {
	span := hi - lo
	for y := 0; y < fr.height; y++ {
		row := y
		if fr.hasAngle {
			row = fr.height - 1 - y
		}
		for x := 0; x < fr.width; x++ {
			v := fr.pix[row*fr.width+x]
			if math.IsNaN(v) {
				continue
			}
			g := uint8(math.Round(255 * math.Min(1, math.Max(0, (v-lo)/span))))
			i := dst.PixOffset(x, y)
			dst.Pix[i+0] = g
			dst.Pix[i+1] = g
			dst.Pix[i+2] = g
			dst.Pix[i+3] = 0xff
		}
	}
}

// transform scales src by the configured factor, rotating counterclockwise by
// the position angle when the frame carries one.
func (r *Renderer) transform(cv *canvas, src *image.NRGBA, fr *frame) *image.NRGBA {
	s := float64(r.scale)
	w, h := float64(fr.width), float64(fr.height)
	if !fr.hasAngle {
		dst := cv.surface(fr.width*r.scale, fr.height*r.scale)
		draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
		return dst
	}

	theta := fr.angle * math.Pi / 180
	sin, cos := math.Sin(theta), math.Cos(theta)
	dw := ceil(s * (w*math.Abs(cos) + h*math.Abs(sin)))
	dh := ceil(s * (w*math.Abs(sin) + h*math.Abs(cos)))
	dst := cv.surface(max(dw, 1), max(dh, 1))

	cx, cy := w/2, h/2
	dcx, dcy := float64(dst.Bounds().Dx())/2, float64(dst.Bounds().Dy())/2
	a, b := s*cos, s*sin
	d, e := -s*sin, s*cos
	m := f64.Aff3{
		a, b, dcx - (a*cx + b*cy),
		d, e, dcy - (d*cx + e*cy),
	}
	draw.NearestNeighbor.Transform(dst, m, src, src.Bounds(), draw.Over, nil)
	return dst
}

// ceil rounds up, ignoring floating-point noise from the trigonometry.
func ceil(v float64) int {
	return int(math.Ceil(v - 1e-9))
}
