package render

import (
	"image"
	"image/png"
	"sync"
)

// surfacePool recycles pixel buffers between renders.
var surfacePool = sync.Pool{
	New: func() any { return new([]byte) },
}

// canvas owns the drawing surfaces of one render. Close must be called once
// the encoded bytes have been copied out; surfaces are invalid afterwards.
type canvas struct {
	bufs []*[]byte
}

// surface returns a fully transparent w×h image backed by a pooled buffer.
func (c *canvas) surface(w, h int) *image.NRGBA {
	n := 4 * w * h
	bp := surfacePool.Get().(*[]byte)
	if cap(*bp) < n {
		*bp = make([]byte, n)
	}
	buf := (*bp)[:n]
	clear(buf)
	*bp = buf
	c.bufs = append(c.bufs, bp)
	return &image.NRGBA{Pix: buf, Stride: 4 * w, Rect: image.Rect(0, 0, w, h)}
}

// Close returns every surface to the pool.
func (c *canvas) Close() {
	for _, bp := range c.bufs {
		surfacePool.Put(bp)
	}
	c.bufs = nil
}

// encoderPool implements png.EncoderBufferPool.
type encoderPool struct {
	pool sync.Pool
}

func (p *encoderPool) Get() *png.EncoderBuffer {
	b, _ := p.pool.Get().(*png.EncoderBuffer)
	return b
}

func (p *encoderPool) Put(b *png.EncoderBuffer) {
	p.pool.Put(b)
}
