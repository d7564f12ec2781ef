package iface

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openmined/qbsync/internal/change"
	"golang.org/x/sync/errgroup"
)

const DefaultPollInterval = 30 * time.Second

// Status is what a worker reports about itself
type Status struct {
	ID     string
	State  State
	Device change.DeviceID
	Err    error
}

type WorkerConfig struct {
	ID     string
	Kind   Kind
	Config []byte
	Env    Env
	Router Router
	Outbox *Outbox
	// Cursor returns the last stamp recorded for a device, pulls resume after it
	Cursor       func(change.DeviceID) uint64
	PollInterval time.Duration
	Backoff      Backoff
	Report       func(Status)
}

// Worker drives one backend: a pull loop feeding the router and a delivery
// loop draining the outbox
type Worker struct {
	cfg     WorkerConfig
	log     *slog.Logger
	backend Backend
	cursor  uint64
}

func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Outbox == nil {
		cfg.Outbox = NewOutbox()
	}
	if cfg.Report == nil {
		cfg.Report = func(Status) {}
	}
	if cfg.Cursor == nil {
		cfg.Cursor = func(change.DeviceID) uint64 { return 0 }
	}
	log := cfg.Env.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		cfg: cfg,
		log: log.With("iface", cfg.ID, "kind", cfg.Kind.Name()),
	}
}

// Run blocks until ctx ends or the backend fails fatally. The final status
// is always reported before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	backend, err := w.cfg.Kind.Open(ctx, w.cfg.Env, w.cfg.Config)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrSetupFailed, err)
		w.log.Error("worker setup", "error", err)
		w.cfg.Report(Status{ID: w.cfg.ID, State: StateStopped, Err: err})
		return err
	}

	w.backend = backend
	w.cursor = w.cfg.Cursor(backend.Device())
	w.log.Info("worker running", "device", backend.Device(), "cursor", w.cursor)
	w.cfg.Report(Status{ID: w.cfg.ID, State: StateRunning, Device: backend.Device()})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.pullLoop(gctx) })
	g.Go(func() error { return w.deliverLoop(gctx) })
	err = g.Wait()

	if cerr := backend.Close(); cerr != nil {
		w.log.Warn("worker close backend", "error", cerr)
	}
	if err != nil {
		w.log.Error("worker stopped", "error", err)
	} else {
		w.log.Info("worker stopped")
	}
	w.cfg.Report(Status{ID: w.cfg.ID, State: StateStopped, Device: backend.Device(), Err: err})
	return err
}

func (w *Worker) pullLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		err := Retry(ctx, w.cfg.Backoff, func() error { return w.pullOnce(ctx) }, w.onRetry("pull"))
		switch {
		case ctx.Err() != nil:
			return nil
		case IsFatal(err):
			return err
		case err != nil:
			w.log.Warn("worker pull", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-w.backend.Notify():
		}
	}
}

func (w *Worker) pullOnce(ctx context.Context) error {
	device := w.backend.Device()
	for rec, err := range w.backend.Pull(ctx, w.cursor) {
		if err != nil {
			return err
		}
		if err := w.cfg.Router.Route(ctx, w.cfg.ID, rec); err != nil {
			return err
		}
		if rec.Origin == device && rec.Stamp > w.cursor {
			w.cursor = rec.Stamp
		}
	}
	return nil
}

// deliverLoop pushes in acceptance order. Parked records are retried on
// every poll tick.
func (w *Worker) deliverLoop(ctx context.Context) error {
	outbox := w.cfg.Outbox
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if item, ok := outbox.TryNext(); ok {
			if err := w.deliver(ctx, item); err != nil || ctx.Err() != nil {
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-outbox.Ready():
		case <-ticker.C:
			for _, item := range outbox.Parked() {
				if err := w.deliver(ctx, item); err != nil || ctx.Err() != nil {
					return err
				}
			}
		}
	}
}

// deliver pushes one item and settles or parks it. Only a fatal error is
// returned.
func (w *Worker) deliver(ctx context.Context, item Item) error {
	rec := item.Record
	var result PushResult
	err := Retry(ctx, w.cfg.Backoff, func() error {
		var err error
		result, err = w.backend.Push(ctx, rec)
		return err
	}, w.onRetry("push"))

	switch {
	case err == nil && result == Rejected:
		w.log.Warn("worker push rejected", "record", rec.Key(), "path", rec.Resource.Path)
		w.cfg.Outbox.Done(item)
	case err == nil:
		w.log.Debug("worker push", "record", rec.Key(), "path", rec.Resource.Path)
		w.cfg.Outbox.Done(item)
	case ctx.Err() != nil:
		// in flight, the next run delivers it again
	case IsFatal(err):
		return err
	default:
		w.log.Error("worker push parked", "record", rec.Key(), "path", rec.Resource.Path, "error", err)
		w.cfg.Outbox.Park(item)
	}
	return nil
}

func (w *Worker) onRetry(op string) func(int, error, time.Duration) {
	return func(attempt int, err error, wait time.Duration) {
		w.log.Warn("worker retry", "op", op, "attempt", attempt, "wait", wait, "error", err)
	}
}
