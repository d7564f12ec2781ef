package iface_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openmined/qbsync/internal/change"
	"github.com/openmined/qbsync/internal/iface"
	"github.com/openmined/qbsync/internal/iface/ifacetest"
	"github.com/openmined/qbsync/internal/qbp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type routed struct {
	from string
	rec  change.Record
}

type harness struct {
	kind     *ifacetest.Kind
	outbox   *iface.Outbox
	routes   chan routed
	statuses chan iface.Status
	worker   *iface.Worker
}

func newHarness(t *testing.T, cfg ifacetest.Config, cursor uint64, opts ...func(*iface.WorkerConfig)) *harness {
	t.Helper()
	kind := ifacetest.NewKind()
	blob, err := qbp.NewBlob(qbp.ContentTypeJSON, cfg)
	require.NoError(t, err)
	config, err := kind.Validate(blob)
	require.NoError(t, err)

	h := &harness{
		kind:     kind,
		outbox:   iface.NewOutbox(),
		routes:   make(chan routed, 64),
		statuses: make(chan iface.Status, 16),
	}
	wcfg := iface.WorkerConfig{
		ID:     "w1",
		Kind:   kind,
		Config: config,
		Env:    iface.Env{ID: "w1", Name: "memory-w1"},
		Router: iface.RouterFunc(func(ctx context.Context, from string, rec change.Record) error {
			h.routes <- routed{from, rec}
			return nil
		}),
		Outbox:       h.outbox,
		Cursor:       func(change.DeviceID) uint64 { return cursor },
		PollInterval: time.Hour,
		Backoff:      iface.Backoff{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		Report:       func(s iface.Status) { h.statuses <- s },
	}
	for _, opt := range opts {
		opt(&wcfg)
	}
	h.worker = iface.NewWorker(wcfg)
	return h
}

func (h *harness) status(t *testing.T) iface.Status {
	t.Helper()
	select {
	case s := <-h.statuses:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("no status reported")
		return iface.Status{}
	}
}

func (h *harness) route(t *testing.T) routed {
	t.Helper()
	select {
	case r := <-h.routes:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("nothing routed")
		return routed{}
	}
}

func runWorker(t *testing.T, h *harness) (context.CancelFunc, <-chan error) {
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestWorker_PullsAndPushes(t *testing.T) {
	h := newHarness(t, ifacetest.Config{Path: "/a"}, 0)
	cancel, done := runWorker(t, h)

	s := h.status(t)
	require.Equal(t, iface.StateRunning, s.State)
	backend := h.kind.Backend("w1")
	require.NotNil(t, backend)

	written := backend.Write("x.txt", "hello")
	r := h.route(t)
	assert.Equal(t, "w1", r.from)
	assert.Equal(t, written.Key(), r.rec.Key())

	incoming := change.Record{Origin: change.DeviceID(99), Stamp: 1, Resource: change.Resource{Path: "y.txt", Hash: "h"}}
	h.outbox.Put(1, incoming)
	pushed, ok := backend.WaitPushed(5 * time.Second)
	require.True(t, ok)
	assert.Equal(t, incoming.Key(), pushed.Key())
	require.Eventually(t, func() bool { return h.outbox.Cursor() == 1 }, 5*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	s = h.status(t)
	assert.Equal(t, iface.StateStopped, s.State)
	assert.NoError(t, s.Err)
	assert.True(t, backend.Closed())
}

func TestWorker_SetupFailure(t *testing.T) {
	h := newHarness(t, ifacetest.Config{Path: "/a", FailSetup: true}, 0)
	_, done := runWorker(t, h)

	err := <-done
	assert.ErrorIs(t, err, iface.ErrSetupFailed)
	s := h.status(t)
	assert.Equal(t, iface.StateStopped, s.State)
	assert.ErrorIs(t, s.Err, iface.ErrSetupFailed)
}

func TestWorker_TransientPushRetriedInOrder(t *testing.T) {
	h := newHarness(t, ifacetest.Config{Path: "/a"}, 0)
	runWorker(t, h)
	require.Equal(t, iface.StateRunning, h.status(t).State)

	backend := h.kind.Backend("w1")
	backend.FailPush(iface.Transient(errors.New("busy")), iface.Transient(errors.New("busy")))

	for seq := uint64(1); seq <= 3; seq++ {
		h.outbox.Put(seq, change.Record{Origin: change.DeviceID(7), Stamp: seq, Resource: change.Resource{Path: "f", Hash: "h"}})
	}

	for want := uint64(1); want <= 3; want++ {
		rec, ok := backend.WaitPushed(5 * time.Second)
		require.True(t, ok)
		assert.Equal(t, want, rec.Stamp)
	}
}

func TestWorker_FatalPullStops(t *testing.T) {
	h := newHarness(t, ifacetest.Config{Path: "/a"}, 0)
	_, done := runWorker(t, h)
	require.Equal(t, iface.StateRunning, h.status(t).State)

	fatal := iface.Fatal(errors.New("credentials revoked"))
	h.kind.Backend("w1").FailPull(fatal)

	err := <-done
	assert.ErrorIs(t, err, fatal)
	s := h.status(t)
	assert.Equal(t, iface.StateStopped, s.State)
	assert.True(t, iface.IsFatal(s.Err))
}

func TestWorker_ResumesFromCursor(t *testing.T) {
	h := newHarness(t, ifacetest.Config{Path: "/a"}, 1)
	runWorker(t, h)
	require.Equal(t, iface.StateRunning, h.status(t).State)

	backend := h.kind.Backend("w1")
	backend.Write("a", "1") // stamp 1, already recorded
	backend.Write("b", "2")

	r := h.route(t)
	assert.Equal(t, "b", r.rec.Resource.Path)
	assert.Equal(t, uint64(2), r.rec.Stamp)

	select {
	case extra := <-h.routes:
		t.Fatalf("unexpected route %s", extra.rec)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWorker_FailingPushIsParked(t *testing.T) {
	h := newHarness(t, ifacetest.Config{Path: "/a"}, 0, func(c *iface.WorkerConfig) {
		c.PollInterval = 20 * time.Millisecond
		c.Backoff.MaxAttempts = 3
	})
	runWorker(t, h)
	require.Equal(t, iface.StateRunning, h.status(t).State)

	backend := h.kind.Backend("w1")
	backend.FailPushPath("bad.txt", iface.Transient(errors.New("disk full")))

	bad := change.Record{Origin: change.DeviceID(7), Stamp: 1, Resource: change.Resource{Path: "bad.txt", Hash: "h1"}}
	good := change.Record{Origin: change.DeviceID(7), Stamp: 2, Resource: change.Resource{Path: "good.txt", Hash: "h2"}}
	h.outbox.Put(1, bad)
	h.outbox.Put(2, good)

	rec, ok := backend.WaitPushed(5 * time.Second)
	require.True(t, ok)
	assert.Equal(t, good.Key(), rec.Key())

	require.Eventually(t, func() bool { return len(h.outbox.Parked()) == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, uint64(0), h.outbox.Cursor(), "parked record holds the cursor back")

	// retried on the next tick once the backend recovers
	backend.FailPushPath("bad.txt", nil)
	rec, ok = backend.WaitPushed(5 * time.Second)
	require.True(t, ok)
	assert.Equal(t, bad.Key(), rec.Key())
	require.Eventually(t, func() bool { return h.outbox.Cursor() == 2 }, 5*time.Second, time.Millisecond)
	assert.Empty(t, h.outbox.Parked())
}

func TestWorker_LaterRecordSupersedesParked(t *testing.T) {
	h := newHarness(t, ifacetest.Config{Path: "/a"}, 0, func(c *iface.WorkerConfig) {
		c.Backoff.MaxAttempts = 2
	})
	runWorker(t, h)
	require.Equal(t, iface.StateRunning, h.status(t).State)

	backend := h.kind.Backend("w1")
	backend.FailPush(iface.Transient(errors.New("busy")), iface.Transient(errors.New("busy")))

	h.outbox.Put(1, change.Record{Origin: change.DeviceID(7), Stamp: 1, Resource: change.Resource{Path: "f", Hash: "h1"}})
	h.outbox.Put(2, change.Record{Origin: change.DeviceID(7), Stamp: 2, Resource: change.Resource{Path: "f", Hash: "h2"}})

	rec, ok := backend.WaitPushed(5 * time.Second)
	require.True(t, ok)
	assert.Equal(t, uint64(2), rec.Stamp)
	require.Eventually(t, func() bool { return h.outbox.Cursor() == 2 }, 5*time.Second, time.Millisecond)
	assert.Empty(t, h.outbox.Parked())
}
