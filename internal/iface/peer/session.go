package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/openmined/qbsync/internal/change"
	"github.com/openmined/qbsync/internal/qbp"
	"github.com/openmined/qbsync/internal/version"
)

const (
	msgHello  = "hello"
	msgRecord = "record"
	msgAck    = "ack"
)

var errBadHello = errors.New("peer did not say hello")

// message is the one frame type exchanged after negotiation
type message struct {
	Type     string          `json:"type"`
	Device   change.DeviceID `json:"device,omitempty"`
	Agent    string          `json:"agent,omitempty"`
	Record   *change.Record  `json:"record,omitempty"`
	Key      string          `json:"key,omitempty"`
	Rejected bool            `json:"rejected,omitempty"`
}

// session is one negotiated websocket connection
type session struct {
	ws     *websocket.Conn
	conn   *qbp.Conn
	remote change.DeviceID
	agent  string
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex
	acks map[string]chan bool
}

// handshake negotiates QBP over ws and exchanges hellos
func handshake(ctx context.Context, ws *websocket.Conn, opts qbp.Options, host change.DeviceID) (*session, error) {
	ws.SetReadLimit(opts.MaxFrameSize + 64)
	nc := websocket.NetConn(ctx, ws, websocket.MessageBinary)

	conn, err := qbp.Open(ctx, nc, opts)
	if err != nil {
		return nil, err
	}

	if err := conn.Send(message{Type: msgHello, Device: host, Agent: version.Agent()}); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}
	_ = nc.SetReadDeadline(time.Now().Add(opts.Timeout))
	var hello message
	if err := conn.Recv(&hello); err != nil {
		return nil, fmt.Errorf("receive hello: %w", err)
	}
	_ = nc.SetReadDeadline(time.Time{})
	if hello.Type != msgHello {
		return nil, errBadHello
	}

	return &session{
		ws:     ws,
		conn:   conn,
		remote: hello.Device,
		agent:  hello.Agent,
		done:   make(chan struct{}),
		acks:   make(map[string]chan bool),
	}, nil
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.ws.CloseNow()
	})
}

// expect registers interest in the ack for key. The channel receives true
// when the peer took the record.
func (s *session) expect(key string) chan bool {
	ch := make(chan bool, 1)
	s.mu.Lock()
	s.acks[key] = ch
	s.mu.Unlock()
	return ch
}

func (s *session) forget(key string) {
	s.mu.Lock()
	delete(s.acks, key)
	s.mu.Unlock()
}

func (s *session) resolve(key string, accepted bool) {
	s.mu.Lock()
	ch, ok := s.acks[key]
	delete(s.acks, key)
	s.mu.Unlock()
	if ok {
		ch <- accepted
	}
}
