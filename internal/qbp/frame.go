package qbp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameSize bounds a single frame payload
const DefaultMaxFrameSize = 64 << 20

// WriteFrame writes an 8 byte big-endian length followed by payload
func WriteFrame(w io.Writer, payload []byte) error {
	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], uint64(len(payload)))

	// one write keeps the frame contiguous on message-oriented transports
	buf := make([]byte, 0, len(prefix)+len(payload))
	buf = append(buf, prefix[:]...)
	buf = append(buf, payload...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame. A clean EOF before the prefix yields ErrClosed.
func ReadFrame(r io.Reader, maxSize int64) ([]byte, error) {
	var prefix [8]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	size := binary.BigEndian.Uint64(prefix[:])
	if size > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, maxSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}
