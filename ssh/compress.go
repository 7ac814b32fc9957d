package ssh

import (
	"bytes"
	"compress/zlib"
	"io"
)

// compressor/decompressor implement the optional zlib payload transform
// (RFC 4253 §6.2). The "none" algorithm is the identity transform and is
// the default (see DefaultCompressionOrder).

type compressor interface {
	compress(payload []byte) ([]byte, error)
}

type decompressor interface {
	decompress(payload []byte) ([]byte, error)
}

type noneCompressor struct{}

func (noneCompressor) compress(p []byte) ([]byte, error)   { return p, nil }
func (noneCompressor) decompress(p []byte) ([]byte, error) { return p, nil }

// zlibCompressor wraps a persistent zlib.Writer: RFC 1950 compressors are
// stateful across packets within a session (the deflate dictionary
// carries over), matching zlib@openssh.com and stock zlib semantics alike
// once a NEWKEYS barrier has not reset them.
type zlibCompressor struct {
	buf bytes.Buffer
	w   *zlib.Writer
}

func newZlibCompressor() *zlibCompressor {
	c := &zlibCompressor{}
	c.w = zlib.NewWriter(&c.buf)
	return c
}

func (c *zlibCompressor) compress(payload []byte) ([]byte, error) {
	c.buf.Reset()
	if _, err := c.w.Write(payload); err != nil {
		return nil, err
	}
	if err := c.w.Flush(); err != nil {
		return nil, err
	}
	out := make([]byte, c.buf.Len())
	copy(out, c.buf.Bytes())
	return out, nil
}

// lazyZlibDecompressor lazily constructs its zlib.Reader on first use,
// since zlib.NewReader requires reading the 2-byte header up front and we
// don't have input bytes until decompress is first called.
type lazyZlibDecompressor struct {
	zr  io.ReadCloser
	buf bytes.Buffer
}

func newZlibDecompressor() *lazyZlibDecompressor {
	return &lazyZlibDecompressor{}
}

func (d *lazyZlibDecompressor) decompress(payload []byte) ([]byte, error) {
	d.buf.Write(payload)
	if d.zr == nil {
		zr, err := zlib.NewReader(&d.buf)
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				// Not enough header bytes yet; wait for more (shouldn't
				// happen in practice since SSH packets carry full zlib
				// blocks, but handled defensively).
				return nil, nil
			}
			return nil, err
		}
		d.zr = zr
	}
	var out bytes.Buffer
	tmp := make([]byte, 4096)
	for {
		n, err := d.zr.Read(tmp)
		if n > 0 {
			out.Write(tmp[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if err == io.ErrUnexpectedEOF {
				break
			}
			return nil, err
		}
		if n == 0 {
			break
		}
	}
	return out.Bytes(), nil
}

func newCompressor(algo string) (compressor, error) {
	switch algo {
	case compressionNone:
		return noneCompressor{}, nil
	case compressionZlib, compressionZlibOpenSSH:
		return newZlibCompressor(), nil
	default:
		return nil, &NegotiationError{Category: "compression"}
	}
}

func newDecompressor(algo string) (decompressor, error) {
	switch algo {
	case compressionNone:
		return noneCompressor{}, nil
	case compressionZlib, compressionZlibOpenSSH:
		return newZlibDecompressor(), nil
	default:
		return nil, &NegotiationError{Category: "compression"}
	}
}
