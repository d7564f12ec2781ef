package control

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/openmined/qbsync/internal/iface"
	"github.com/openmined/qbsync/internal/qbp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	mu      sync.Mutex
	started []string
	// gates holds Start calls for an id until closed
	gates     map[string]chan struct{}
	entered   chan string
	cancelled chan string
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{
		gates:     make(map[string]chan struct{}),
		entered:   make(chan string, 8),
		cancelled: make(chan string, 8),
	}
}

func (h *fakeHandler) List(ctx context.Context) ([]Summary, error) {
	return []Summary{{ID: "0000000000000001", Name: "local-a", Kind: "local", State: iface.StateRunning}}, nil
}

func (h *fakeHandler) Add(ctx context.Context, name, kind string, config qbp.Blob) (string, error) {
	if config.ContentType != qbp.ContentTypeJSON {
		return "", Errorf(CodeInvalidConfig, "want json, got %s", config.ContentType)
	}
	return "00000000000000aa", nil
}

func (h *fakeHandler) Start(ctx context.Context, id string) error {
	h.mu.Lock()
	gate := h.gates[id]
	h.mu.Unlock()
	if gate != nil {
		h.entered <- id
		select {
		case <-gate:
		case <-ctx.Done():
			h.cancelled <- id
			return ctx.Err()
		}
	}
	h.mu.Lock()
	h.started = append(h.started, id)
	h.mu.Unlock()
	return nil
}

func (h *fakeHandler) Stop(ctx context.Context, id string) error {
	return nil
}

func (h *fakeHandler) Remove(ctx context.Context, id string) error {
	switch id {
	case "busy":
		return Errorf(CodeInterfaceBusy, "interface %s is running", id)
	case "boom":
		return errors.New("disk on fire")
	}
	return nil
}

func (h *fakeHandler) gate(id string) chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan struct{})
	h.gates[id] = ch
	return ch
}

func connect(t *testing.T, s *Server, opts ...ClientOption) *Client {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	go s.ServeConn(t.Context(), serverSide)

	c, err := NewClient(t.Context(), clientSide, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestControl_Commands(t *testing.T) {
	c := connect(t, NewServer(newFakeHandler()))
	ctx := t.Context()

	list, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "local-a", list[0].Name)
	assert.Equal(t, iface.StateRunning, list[0].State)

	blob, err := qbp.NewBlob(qbp.ContentTypeJSON, map[string]string{"path": "/a"})
	require.NoError(t, err)
	id, err := c.Add(ctx, "local-a", "", blob)
	require.NoError(t, err)
	assert.Equal(t, "00000000000000aa", id)

	require.NoError(t, c.Start(ctx, "x"))
	require.NoError(t, c.Stop(ctx, "x"))
	require.NoError(t, c.Remove(ctx, "x"))
}

func TestControl_Errors(t *testing.T) {
	c := connect(t, NewServer(newFakeHandler()))
	ctx := t.Context()

	blob, err := qbp.NewBlob(qbp.ContentTypeYAML, map[string]string{"path": "/a"})
	require.NoError(t, err)
	_, err = c.Add(ctx, "local-a", "", blob)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = c.Do(ctx, Request{Command: CmdAdd, Name: "local-a"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	err = c.Remove(ctx, "busy")
	assert.ErrorIs(t, err, ErrInterfaceBusy)
	assert.NotErrorIs(t, err, ErrInterfaceRemoved)

	err = c.Remove(ctx, "boom")
	assert.ErrorIs(t, err, ErrInternal)
	assert.Contains(t, err.Error(), "disk on fire")

	_, err = c.Do(ctx, Request{Command: "reboot"})
	assert.ErrorIs(t, err, ErrInternal)
}

func TestControl_Token(t *testing.T) {
	s := NewServer(newFakeHandler(), WithToken("s3cret"))

	anon := connect(t, s)
	_, err := anon.List(t.Context())
	assert.ErrorIs(t, err, ErrUnauthorized)

	wrong := connect(t, s, WithClientToken("guess"))
	_, err = wrong.List(t.Context())
	assert.ErrorIs(t, err, ErrUnauthorized)

	authed := connect(t, s, WithClientToken("s3cret"))
	_, err = authed.List(t.Context())
	assert.NoError(t, err)
}

func TestControl_PipelinedOutOfOrder(t *testing.T) {
	h := newFakeHandler()
	gate := h.gate("slow")
	c := connect(t, NewServer(h))

	slowDone := make(chan error, 1)
	go func() { slowDone <- c.Start(t.Context(), "slow") }()

	// the fast task overtakes the slow one on the same connection
	assert.Equal(t, "slow", <-h.entered)
	require.NoError(t, c.Start(t.Context(), "fast"))

	select {
	case <-slowDone:
		t.Fatal("slow task finished before its gate opened")
	default:
	}

	close(gate)
	require.NoError(t, <-slowDone)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []string{"fast", "slow"}, h.started)
}

func TestControl_CloseCancelsTasks(t *testing.T) {
	h := newFakeHandler()
	h.gate("stuck")
	c := connect(t, NewServer(h))

	errc := make(chan error, 1)
	go func() { errc <- c.Start(context.Background(), "stuck") }()

	assert.Equal(t, "stuck", <-h.entered)
	require.NoError(t, c.Close())

	assert.ErrorIs(t, <-errc, ErrClientClosed)
	select {
	case id := <-h.cancelled:
		assert.Equal(t, "stuck", id)
	case <-time.After(5 * time.Second):
		t.Fatal("task was not cancelled")
	}
}

func TestControl_Events(t *testing.T) {
	s := NewServer(newFakeHandler())
	a := connect(t, s)
	b := connect(t, s)
	require.Eventually(t, func() bool { return s.Clients() == 2 }, time.Second, time.Millisecond)

	s.Publish(Event{Type: EventStatus, Status: &Summary{ID: "1", State: iface.StateStopped, Error: "gone"}})

	for _, c := range []*Client{a, b} {
		select {
		case ev := <-c.Events():
			assert.Equal(t, EventStatus, ev.Type)
			require.NotNil(t, ev.Status)
			assert.Equal(t, iface.StateStopped, ev.Status.State)
			assert.Equal(t, "gone", ev.Status.Error)
		case <-time.After(5 * time.Second):
			t.Fatal("no event")
		}
	}

	// events do not disturb task responses
	_, err := a.List(t.Context())
	assert.NoError(t, err)
}

func TestControl_UnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qbd.sock")

	ln, err := Listen(path)
	require.NoError(t, err)

	_, err = Listen(path)
	assert.ErrorIs(t, err, ErrSocketInUse)

	ctx, cancel := context.WithCancel(t.Context())
	served := make(chan error, 1)
	go func() { served <- NewServer(newFakeHandler()).Serve(ctx, ln) }()

	c, err := Dial(t.Context(), path)
	require.NoError(t, err)
	_, err = c.List(t.Context())
	require.NoError(t, err)
	require.NoError(t, c.Close())

	cancel()
	require.NoError(t, <-served)
}

func TestControl_StaleSocketRemoved(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qbd.sock")

	// a listener that goes away without unlinking its socket
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, ln.Close())

	ln, err = Listen(path)
	require.NoError(t, err)
	ln.Close()
}

func TestControl_Stdio(t *testing.T) {
	serverIn, clientOut := net.Pipe()
	clientIn, serverOut := net.Pipe()

	go NewServer(newFakeHandler()).ServeConn(t.Context(), StdioConn(serverIn, serverOut))

	c, err := NewClient(t.Context(), StdioConn(clientIn, clientOut))
	require.NoError(t, err)
	defer c.Close()

	list, err := c.List(t.Context())
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
