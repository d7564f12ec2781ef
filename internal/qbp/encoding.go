package qbp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

const (
	EncodingZstd  = "zstd"
	EncodingZlib  = "zlib"
	EncodingGzip  = "gzip"
	EncodingPlain = "plain"
)

// Encoding compresses serialized payloads
type Encoding interface {
	Name() string
	Encode(data []byte) ([]byte, error)
	// Decode fails with ErrFrameTooLarge when the output would exceed limit
	Decode(data []byte, limit int64) ([]byte, error)
}

var encodings = map[string]Encoding{
	EncodingZstd:  zstdEncoding{},
	EncodingZlib:  zlibEncoding{},
	EncodingGzip:  gzipEncoding{},
	EncodingPlain: plainEncoding{},
}

var defaultEncodings = []string{EncodingZstd, EncodingGzip, EncodingZlib, EncodingPlain}

func LookupEncoding(name string) (Encoding, error) {
	enc, ok := encodings[name]
	if !ok {
		return nil, fmt.Errorf("%w: encoding %q", ErrUnsupported, name)
	}
	return enc, nil
}

// EncodeAll and DecodeAll are safe for concurrent use
var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	// decoders keyed by output limit; connections share a handful of limits
	zstdDecoders sync.Map
)

func zstdDecoder(limit int64) (*zstd.Decoder, error) {
	if d, ok := zstdDecoders.Load(limit); ok {
		return d.(*zstd.Decoder), nil
	}
	d, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(limit)))
	if err != nil {
		return nil, err
	}
	if prev, loaded := zstdDecoders.LoadOrStore(limit, d); loaded {
		d.Close()
		return prev.(*zstd.Decoder), nil
	}
	return d, nil
}

type zstdEncoding struct{}

func (zstdEncoding) Name() string { return EncodingZstd }

func (zstdEncoding) Encode(data []byte) ([]byte, error) {
	return zstdEncoder.EncodeAll(data, nil), nil
}

func (zstdEncoding) Decode(data []byte, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultMaxFrameSize
	}
	dec, err := zstdDecoder(limit)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	out, err := dec.DecodeAll(data, nil)
	switch {
	case errors.Is(err, zstd.ErrDecoderSizeExceeded), errors.Is(err, zstd.ErrWindowSizeExceeded):
		return nil, ErrFrameTooLarge
	case err != nil:
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	if int64(len(out)) > limit {
		return nil, ErrFrameTooLarge
	}
	return out, nil
}

type zlibEncoding struct{}

func (zlibEncoding) Name() string { return EncodingZlib }

func (zlibEncoding) Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (zlibEncoding) Decode(data []byte, limit int64) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("zlib decode: %w", err)
	}
	defer r.Close()
	return readLimited(r, limit)
}

type gzipEncoding struct{}

func (gzipEncoding) Name() string { return EncodingGzip }

func (gzipEncoding) Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipEncoding) Decode(data []byte, limit int64) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip decode: %w", err)
	}
	defer r.Close()
	return readLimited(r, limit)
}

type plainEncoding struct{}

func (plainEncoding) Name() string { return EncodingPlain }

func (plainEncoding) Encode(data []byte) ([]byte, error) { return data, nil }

func (plainEncoding) Decode(data []byte, limit int64) ([]byte, error) {
	if int64(len(data)) > limit {
		return nil, ErrFrameTooLarge
	}
	return data, nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > limit {
		return nil, ErrFrameTooLarge
	}
	return out, nil
}
