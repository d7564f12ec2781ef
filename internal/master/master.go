// Package master owns the interface registry and the device table. Every
// command, routed record and worker report is handled on one coordination
// goroutine, so registry and table mutations never interleave.
package master

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/openmined/qbsync/internal/change"
	"github.com/openmined/qbsync/internal/control"
	"github.com/openmined/qbsync/internal/devtable"
	"github.com/openmined/qbsync/internal/iface"
)

var ErrNotRunning = errors.New("master is not running")

type Config struct {
	// DataDir holds interfaces.json; empty keeps the registry in memory
	DataDir string
	Kinds   *iface.Kinds
	Table   *devtable.Table
	Policy  change.ConflictPolicy
	// Host is the device id of this daemon, handed to backends
	Host         change.DeviceID
	PollInterval time.Duration
	Backoff      iface.Backoff
	Logger       *slog.Logger
	// Publish receives status and conflict events
	Publish func(control.Event)
}

type routeReq struct {
	from  string
	rec   change.Record
	reply chan error
}

type Master struct {
	cfg      Config
	log      *slog.Logger
	table    *devtable.Table
	policy   change.ConflictPolicy
	registry *Registry

	cmds     chan func()
	routes   chan routeReq
	statuses chan iface.Status
	started  chan struct{}
	done     chan struct{}

	// owned by the coordination goroutine
	ctx     context.Context
	entries map[string]*entry
	removed map[string]struct{}
}

func New(cfg Config) *Master {
	if cfg.Kinds == nil {
		cfg.Kinds = iface.NewKinds()
	}
	if cfg.Table == nil {
		cfg.Table = devtable.New()
	}
	if cfg.Policy == nil {
		cfg.Policy = change.Surface{}
	}
	if cfg.Publish == nil {
		cfg.Publish = func(control.Event) {}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	m := &Master{
		cfg:      cfg,
		log:      log,
		table:    cfg.Table,
		policy:   cfg.Policy,
		cmds:     make(chan func()),
		routes:   make(chan routeReq),
		statuses: make(chan iface.Status),
		started:  make(chan struct{}),
		done:     make(chan struct{}),
		entries:  make(map[string]*entry),
		removed:  make(map[string]struct{}),
	}
	if cfg.DataDir != "" {
		m.registry = NewRegistry(cfg.DataDir)
	}
	return m
}

func (m *Master) Table() *devtable.Table {
	return m.table
}

// Done is closed once Run has stopped every worker
func (m *Master) Done() <-chan struct{} {
	return m.done
}

// Run restores the registry, starts the interfaces that were running and
// serves until ctx ends. All workers are stopped before it returns.
func (m *Master) Run(ctx context.Context) error {
	m.ctx = ctx
	if err := m.restore(); err != nil {
		close(m.done)
		return err
	}
	close(m.started)
	m.log.Info("master running", "interfaces", len(m.entries), "policy", m.policy.Name())

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case fn := <-m.cmds:
			fn()
		case r := <-m.routes:
			r.reply <- m.route(r.from, r.rec)
		case s := <-m.statuses:
			m.onStatus(s)
		}
	}
}

// shutdown stops every worker and waits for their final reports
func (m *Master) shutdown() {
	for _, e := range m.entries {
		if e.state.Active() {
			m.log.Info("master stop", "id", e.id, "name", e.name, "reason", "shutdown")
			e.cancel()
			e.state = iface.StateStopping
		}
	}

	for m.active() > 0 {
		select {
		case s := <-m.statuses:
			m.onStatus(s)
		case r := <-m.routes:
			r.reply <- context.Canceled
		}
	}
	close(m.done)
	m.log.Info("master stopped")
}

func (m *Master) active() int {
	n := 0
	for _, e := range m.entries {
		if e.state.Active() {
			n++
		}
	}
	return n
}

// submit runs fn on the coordination goroutine
func (m *Master) submit(ctx context.Context, fn func()) error {
	select {
	case <-m.started:
	case <-m.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case m.cmds <- fn:
		return nil
	case <-m.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call submits fn and waits for its reply
func call[T any](ctx context.Context, m *Master, fn func(reply chan<- T)) (T, error) {
	var zero T
	reply := make(chan T, 1)
	if err := m.submit(ctx, func() { fn(reply) }); err != nil {
		return zero, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-m.done:
		return zero, ErrNotRunning
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Route is the handle workers feed pulled records through
func (m *Master) Route(ctx context.Context, from string, rec change.Record) error {
	reply := make(chan error, 1)
	select {
	case m.routes <- routeReq{from: from, rec: rec, reply: reply}:
	case <-m.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Master) report(s iface.Status) {
	select {
	case m.statuses <- s:
	case <-m.done:
	}
}

var _ control.Handler = (*Master)(nil)
var _ iface.Router = (*Master)(nil)
