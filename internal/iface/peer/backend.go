package peer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/openmined/qbsync/internal/change"
	"github.com/openmined/qbsync/internal/iface"
	"github.com/openmined/qbsync/internal/qbp"
	"github.com/openmined/qbsync/internal/version"
)

const (
	seenCacheSize = 16384
	connectWait   = 5 * time.Second
	ackTimeout    = 30 * time.Second
)

var (
	ErrNotConnected = errors.New("peer not connected")
	ErrDisconnected = errors.New("peer disconnected")
	ErrAckTimeout   = errors.New("peer ack timeout")
)

// Backend relays records to and from one remote daemon
type Backend struct {
	cfg     Config
	opts    qbp.Options
	log     *slog.Logger
	host    change.DeviceID
	backoff iface.Backoff
	// keys of records received from the peer, never sent back
	seen *lru.Cache[string, struct{}]
	wake chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	listener net.Listener
	server   *http.Server

	mu      sync.Mutex
	closed  bool
	fatal   error
	inbox   []change.Record
	current *session
	changed chan struct{}
}

func Open(cfg Config, env iface.Env) (*Backend, error) {
	if cfg.DeviceID.IsZero() {
		return nil, errors.New("device id is required")
	}
	opts := qbp.DefaultOptions()
	if len(cfg.ContentTypes) > 0 {
		opts.ContentTypes = cfg.ContentTypes
	}
	if len(cfg.Encodings) > 0 {
		opts.Encodings = cfg.Encodings
	}

	seen, err := lru.New[string, struct{}](seenCacheSize)
	if err != nil {
		return nil, err
	}

	log := env.Logger
	if log == nil {
		log = slog.Default()
	}
	host := env.Host
	if host.IsZero() {
		host = cfg.DeviceID
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Backend{
		cfg:     cfg,
		opts:    opts,
		log:     log.With("peer", cfg.endpoint()),
		host:    host,
		backoff: iface.DefaultBackoff(),
		seen:    seen,
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		changed: make(chan struct{}),
	}

	if cfg.Listen != "" {
		if err := b.listen(); err != nil {
			cancel()
			return nil, err
		}
	} else {
		b.wg.Add(1)
		go b.dialLoop()
	}
	return b, nil
}

func (b *Backend) listen() error {
	handler, err := b.router()
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", b.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", b.cfg.Listen, err)
	}
	b.listener = ln
	b.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.log.Error("peer server", "error", err)
		}
	}()
	b.log.Info("peer listening", "addr", ln.Addr().String())
	return nil
}

// Addr is the bound listen address, empty when dialing
func (b *Backend) Addr() string {
	if b.listener == nil {
		return ""
	}
	return b.listener.Addr().String()
}

func (b *Backend) dialLoop() {
	defer b.wg.Done()

	header := http.Header{}
	header.Set("User-Agent", version.Agent())

	for attempt := 1; b.ctx.Err() == nil; attempt++ {
		ws, _, err := websocket.Dial(b.ctx, b.cfg.URL, &websocket.DialOptions{HTTPHeader: header})
		if err == nil {
			var s *session
			s, err = handshake(b.ctx, ws, b.opts, b.host)
			if err == nil {
				attempt = 0
				b.serve(s)
				continue
			}
			ws.Close(websocket.StatusProtocolError, "handshake failed")
			if qbp.IsNegotiationError(err) {
				b.fail(err)
				return
			}
		}
		if b.ctx.Err() != nil {
			return
		}

		wait := b.backoff.Delay(attempt)
		b.log.Debug("peer dial", "attempt", attempt, "wait", wait, "error", err)
		select {
		case <-b.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// serve reads from s until the connection ends
func (b *Backend) serve(s *session) {
	b.attach(s)
	defer b.detach(s)

	for {
		var msg message
		if err := s.conn.Recv(&msg); err != nil {
			if b.ctx.Err() == nil && !errors.Is(err, qbp.ErrClosed) {
				b.log.Warn("peer recv", "remote", s.remote, "error", err)
			}
			return
		}

		switch msg.Type {
		case msgRecord:
			if msg.Record == nil {
				continue
			}
			accepted := b.receive(*msg.Record)
			ack := message{Type: msgAck, Key: msg.Record.Key(), Rejected: !accepted}
			if err := s.conn.Send(ack); err != nil {
				b.log.Warn("peer send ack", "remote", s.remote, "error", err)
				return
			}
		case msgAck:
			s.resolve(msg.Key, !msg.Rejected)
		default:
			b.log.Debug("peer unknown message", "type", msg.Type)
		}
	}
}

// receive queues a record for the next pull
func (b *Backend) receive(rec change.Record) bool {
	if err := rec.Validate(); err != nil {
		b.log.Warn("peer invalid record", "error", err)
		return false
	}
	if found, _ := b.seen.ContainsOrAdd(rec.Key(), struct{}{}); found {
		return true
	}

	b.mu.Lock()
	b.inbox = append(b.inbox, rec)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return true
}

func (b *Backend) attach(s *session) {
	b.mu.Lock()
	old := b.current
	b.current = s
	close(b.changed)
	b.changed = make(chan struct{})
	b.mu.Unlock()

	if old != nil {
		old.close()
	}
	b.log.Info("peer connected", "remote", s.remote, "agent", s.agent, "session", s.conn.Session().String())
}

func (b *Backend) detach(s *session) {
	s.close()

	b.mu.Lock()
	if b.current == s {
		b.current = nil
		close(b.changed)
		b.changed = make(chan struct{})
	}
	b.mu.Unlock()
	b.log.Info("peer disconnected", "remote", s.remote)
}

func (b *Backend) fail(err error) {
	b.mu.Lock()
	b.fatal = err
	b.mu.Unlock()
	b.log.Error("peer negotiation", "error", err)

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// track registers a connection handler unless the backend is closing
func (b *Backend) track() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.wg.Add(1)
	return true
}

func (b *Backend) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current != nil
}

// Remote is the host device of the connected peer
func (b *Backend) Remote() (change.DeviceID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return 0, false
	}
	return b.current.remote, true
}

// waitSession returns the current session, waiting a bounded time for one
func (b *Backend) waitSession(ctx context.Context) (*session, error) {
	timer := time.NewTimer(connectWait)
	defer timer.Stop()

	for {
		b.mu.Lock()
		s, changed := b.current, b.changed
		b.mu.Unlock()
		if s != nil {
			return s, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.ctx.Done():
			return nil, ErrNotConnected
		case <-timer.C:
			return nil, ErrNotConnected
		}
	}
}

func (b *Backend) Device() change.DeviceID {
	return b.cfg.DeviceID
}

func (b *Backend) Notify() <-chan struct{} {
	return b.wake
}

// Pull drains the records received since the last pull. after is ignored:
// records keep their own origin and the device table drops repeats.
func (b *Backend) Pull(ctx context.Context, after uint64) iter.Seq2[change.Record, error] {
	return func(yield func(change.Record, error) bool) {
		b.mu.Lock()
		fatal := b.fatal
		b.mu.Unlock()
		if fatal != nil {
			yield(change.Record{}, iface.Fatal(fatal))
			return
		}

		for ctx.Err() == nil {
			b.mu.Lock()
			if len(b.inbox) == 0 {
				b.mu.Unlock()
				return
			}
			rec := b.inbox[0]
			b.inbox = b.inbox[1:]
			b.mu.Unlock()

			if !yield(rec, nil) {
				// not routed, keep it for the next pull
				b.mu.Lock()
				b.inbox = append([]change.Record{rec}, b.inbox...)
				b.mu.Unlock()
				return
			}
		}
	}
}

// Push sends rec and waits for the peer's ack
func (b *Backend) Push(ctx context.Context, rec change.Record) (iface.PushResult, error) {
	key := rec.Key()
	if b.seen.Contains(key) {
		return iface.Ack, nil
	}

	s, err := b.waitSession(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return iface.Rejected, err
		}
		return iface.Rejected, iface.Offline(err)
	}

	ack := s.expect(key)
	if err := s.conn.Send(message{Type: msgRecord, Record: &rec}); err != nil {
		s.forget(key)
		return iface.Rejected, iface.Transient(fmt.Errorf("send %s: %w", key, err))
	}

	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()
	select {
	case accepted := <-ack:
		if !accepted {
			return iface.Rejected, nil
		}
		return iface.Ack, nil
	case <-s.done:
		return iface.Rejected, iface.Transient(ErrDisconnected)
	case <-ctx.Done():
		s.forget(key)
		return iface.Rejected, ctx.Err()
	case <-timer.C:
		s.forget(key)
		return iface.Rejected, iface.Transient(ErrAckTimeout)
	}
}

func (b *Backend) Close() error {
	b.mu.Lock()
	b.closed = true
	s := b.current
	b.mu.Unlock()

	b.cancel()
	var err error
	if b.server != nil {
		err = b.server.Close()
	}
	if s != nil {
		s.close()
	}
	b.wg.Wait()
	return err
}

var _ iface.Backend = (*Backend)(nil)
