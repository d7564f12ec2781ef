// Package qbp implements the qbsync negotiation protocol. Both peers send a
// header with their ordered content type and encoding preferences in the same
// round, reduce them to one session, and then exchange length-prefixed frames
// serialized with the agreed type and compressed with the agreed encoding.
package qbp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"
)

const DefaultTimeout = 10 * time.Second

type Options struct {
	// ContentTypes in order of preference
	ContentTypes []string
	// Encodings in order of preference
	Encodings    []string
	Timeout      time.Duration
	MaxFrameSize int64
}

func DefaultOptions() Options {
	return Options{
		ContentTypes: slices.Clone(defaultContentTypes),
		Encodings:    slices.Clone(defaultEncodings),
		Timeout:      DefaultTimeout,
		MaxFrameSize: DefaultMaxFrameSize,
	}
}

func (o *Options) normalize() error {
	def := DefaultOptions()
	if len(o.ContentTypes) == 0 {
		o.ContentTypes = def.ContentTypes
	}
	if len(o.Encodings) == 0 {
		o.Encodings = def.Encodings
	}
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = def.MaxFrameSize
	}

	for _, name := range o.ContentTypes {
		if _, err := LookupWireContentType(name); err != nil {
			return err
		}
	}
	for _, name := range o.Encodings {
		if _, err := LookupEncoding(name); err != nil {
			return err
		}
	}
	return nil
}

// Conn is a negotiated connection. Send and Recv may be used from different
// goroutines; concurrent Sends are serialized.
type Conn struct {
	rw       io.ReadWriter
	session  Session
	remote   Header
	ct       ContentType
	enc      Encoding
	maxFrame int64

	rmu sync.Mutex
	wmu sync.Mutex
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// Open runs the handshake over rw. The local header is written while the
// peer's header is read, so synchronous transports like net.Pipe cannot
// deadlock. On error the caller should close rw.
func Open(ctx context.Context, rw io.ReadWriter, opts Options) (*Conn, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	local := NewHeader(opts.ContentTypes, opts.Encodings)
	data, err := local.MarshalBinary()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	type readResult struct {
		header Header
		err    error
	}
	writeDone := make(chan error, 1)
	readDone := make(chan readResult, 1)

	go func() {
		writeDone <- WriteFrame(rw, data)
	}()
	go func() {
		frame, err := ReadFrame(rw, opts.MaxFrameSize)
		if err != nil {
			readDone <- readResult{err: err}
			return
		}
		var h Header
		err = h.UnmarshalBinary(frame)
		readDone <- readResult{header: h, err: err}
	}()

	var remote Header
	for pending := 2; pending > 0; pending-- {
		select {
		case err := <-writeDone:
			if err != nil {
				return nil, fmt.Errorf("send header: %w", err)
			}
		case res := <-readDone:
			if res.err != nil {
				return nil, fmt.Errorf("receive header: %w", res.err)
			}
			remote = res.header
		case <-ctx.Done():
			// unblock the header goroutines
			if d, ok := rw.(deadliner); ok {
				_ = d.SetDeadline(time.Now())
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w after %s", ErrTimeout, opts.Timeout)
			}
			return nil, ctx.Err()
		}
	}

	session, err := Negotiate(local, remote)
	if err != nil {
		return nil, err
	}

	ct, _ := LookupContentType(session.ContentType)
	enc, _ := LookupEncoding(session.Encoding)
	return &Conn{
		rw:       rw,
		session:  session,
		remote:   remote,
		ct:       ct,
		enc:      enc,
		maxFrame: opts.MaxFrameSize,
	}, nil
}

func (c *Conn) Session() Session {
	return c.session
}

// Remote returns the header the peer sent
func (c *Conn) Remote() Header {
	return c.remote
}

// Send serializes v and writes it as one frame
func (c *Conn) Send(v any) error {
	data, err := c.ct.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", c.ct.Name(), err)
	}
	data, err = c.enc.Encode(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", c.enc.Name(), err)
	}
	if int64(len(data)) > c.maxFrame {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(data), c.maxFrame)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	return WriteFrame(c.rw, data)
}

// Recv reads the next frame into v. It returns ErrClosed once the peer is gone.
func (c *Conn) Recv(v any) error {
	c.rmu.Lock()
	frame, err := ReadFrame(c.rw, c.maxFrame)
	c.rmu.Unlock()
	if err != nil {
		return err
	}

	data, err := c.enc.Decode(frame, c.maxFrame)
	if err != nil {
		return err
	}
	if err := c.ct.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", c.ct.Name(), err)
	}
	return nil
}

func (c *Conn) Close() error {
	if closer, ok := c.rw.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
