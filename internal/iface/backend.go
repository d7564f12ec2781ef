// Package iface defines the contract every storage backend satisfies, the
// interface lifecycle, and the worker that drives a backend on behalf of
// the master.
package iface

import (
	"context"
	"iter"
	"log/slog"

	"github.com/openmined/qbsync/internal/change"
	"github.com/openmined/qbsync/internal/qbp"
)

type PushResult int

const (
	Ack PushResult = iota
	Rejected
)

func (r PushResult) String() string {
	if r == Rejected {
		return "rejected"
	}
	return "ack"
}

// Backend is a session with one storage service
type Backend interface {
	// Device is the id the backend originates changes under
	Device() change.DeviceID

	// Pull yields the backend's changes with a stamp greater than after.
	// The sequence is lazy; a new call restarts it.
	Pull(ctx context.Context, after uint64) iter.Seq2[change.Record, error]

	// Push applies a change that originated elsewhere
	Push(ctx context.Context, rec change.Record) (PushResult, error)

	// Notify fires when the backend has new changes ahead of the next poll.
	// A nil channel means the backend only supports polling.
	Notify() <-chan struct{}

	Close() error
}

// Env is what a backend gets from the daemon at setup
type Env struct {
	ID      string
	Name    string
	DataDir string
	Host    change.DeviceID
	Logger  *slog.Logger
}

// Kind is the setup contract of one backend type
type Kind interface {
	Name() string

	// Validate checks a config blob and returns the canonical JSON config
	// that is persisted and later handed to Open
	Validate(blob qbp.Blob) ([]byte, error)

	Open(ctx context.Context, env Env, config []byte) (Backend, error)
}

// Router hands records pulled from a backend to the master
type Router interface {
	Route(ctx context.Context, from string, rec change.Record) error
}

// RouterFunc adapts a function to Router
type RouterFunc func(ctx context.Context, from string, rec change.Record) error

func (f RouterFunc) Route(ctx context.Context, from string, rec change.Record) error {
	return f(ctx, from, rec)
}
