package change

import (
	"errors"
	"fmt"
)

var ErrInvalidRecord = errors.New("invalid change record")

type Op uint8

const (
	OpWrite Op = iota
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpWrite:
		return "write"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("Op(%d)", o)
	}
}

func (o Op) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Op) UnmarshalText(text []byte) error {
	switch string(text) {
	case "write":
		*o = OpWrite
	case "delete":
		*o = OpDelete
	default:
		return fmt.Errorf("unknown change op %q", text)
	}
	return nil
}

// Record describes one observed mutation of a Resource. Records are
// immutable once stamped.
type Record struct {
	Origin   DeviceID `json:"origin"`
	Stamp    uint64   `json:"stamp"`
	Op       Op       `json:"op"`
	Resource Resource `json:"resource"`
	// Base is the version of the resource the origin had observed before
	// this change
	Base Vector `json:"base,omitempty"`
	// Content of a file write; empty for deletes and directories
	Content []byte `json:"content,omitempty"`
}

func (r Record) Hash() string {
	return r.Resource.Hash
}

// Version is the version of the resource after this change
func (r Record) Version() Vector {
	return r.Base.With(r.Origin, r.Stamp)
}

// Key identifies the record across devices
func (r Record) Key() string {
	return fmt.Sprintf("%s:%d", r.Origin, r.Stamp)
}

func (r Record) Validate() error {
	if r.Origin.IsZero() {
		return fmt.Errorf("%w: missing origin", ErrInvalidRecord)
	}
	if r.Stamp == 0 {
		return fmt.Errorf("%w: stamp must be positive", ErrInvalidRecord)
	}
	if _, err := CleanPath(r.Resource.Path); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	if r.Op == OpWrite && r.Resource.Kind == KindFile && r.Resource.Hash == "" {
		return fmt.Errorf("%w: file write without hash", ErrInvalidRecord)
	}
	return nil
}

func (r Record) String() string {
	return fmt.Sprintf("%s %s %s", r.Key(), r.Op, r.Resource.Path)
}
