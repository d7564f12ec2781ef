package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/openmined/qbsync/internal/qbp"
)

const eventBufferSize = 64

var ErrClientClosed = errors.New("control client closed")

type ClientOption func(*Client)

func WithClientToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func WithClientProtocol(opts qbp.Options) ClientOption {
	return func(c *Client) { c.opts = opts }
}

// Client issues tasks to a daemon. Do may be called from many goroutines;
// responses are matched to their task whatever order they arrive in.
type Client struct {
	rwc    io.ReadWriteCloser
	conn   *qbp.Conn
	token  string
	opts   qbp.Options
	events chan Event
	done   chan struct{}

	mu      sync.Mutex
	err     error
	pending map[string]chan Response
}

// Dial connects to the daemon listening on the unix socket at path
func Dial(ctx context.Context, path string, opts ...ClientOption) (*Client, error) {
	nc, err := DialSocket(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	c, err := NewClient(ctx, nc, opts...)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// NewClient negotiates over rwc and starts reading responses
func NewClient(ctx context.Context, rwc io.ReadWriteCloser, opts ...ClientOption) (*Client, error) {
	c := &Client{
		rwc:     rwc,
		opts:    qbp.DefaultOptions(),
		events:  make(chan Event, eventBufferSize),
		done:    make(chan struct{}),
		pending: make(map[string]chan Response),
	}
	for _, opt := range opts {
		opt(c)
	}

	conn, err := qbp.Open(ctx, rwc, c.opts)
	if err != nil {
		return nil, fmt.Errorf("negotiate: %w", err)
	}
	c.conn = conn

	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	var err error
	defer func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		close(c.events)
	}()

	for {
		var resp Response
		if err = c.conn.Recv(&resp); err != nil {
			return
		}

		if resp.IsEvent() {
			select {
			case c.events <- *resp.Event:
			default:
				slog.Debug("control client event dropped", "type", resp.Event.Type)
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.Task]
		delete(c.pending, resp.Task)
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// Events delivers asynchronous reports. It is closed with the connection.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Session is the negotiated protocol of the connection
func (c *Client) Session() qbp.Session {
	return c.conn.Session()
}

// Do sends req and waits for its response. A task failure is returned as
// an *Error alongside the response.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	if req.Task == "" {
		req.Task = uuid.NewString()
	}
	if req.Token == "" {
		req.Token = c.token
	}

	ch := make(chan Response, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return Response{}, ErrClientClosed
	}
	c.pending[req.Task] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, req.Task)
		c.mu.Unlock()
	}

	if err := c.conn.Send(req); err != nil {
		forget()
		return Response{}, fmt.Errorf("send %s: %w", req.Command, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp, resp.Error
		}
		return resp, nil
	case <-c.done:
		return Response{}, ErrClientClosed
	case <-ctx.Done():
		forget()
		return Response{}, ctx.Err()
	}
}

func (c *Client) List(ctx context.Context) ([]Summary, error) {
	resp, err := c.Do(ctx, Request{Command: CmdList})
	return resp.List, err
}

func (c *Client) Add(ctx context.Context, name, kind string, config qbp.Blob) (string, error) {
	resp, err := c.Do(ctx, Request{Command: CmdAdd, Name: name, Kind: kind, Config: &config})
	return resp.ID, err
}

func (c *Client) Start(ctx context.Context, id string) error {
	_, err := c.Do(ctx, Request{Command: CmdStart, ID: id})
	return err
}

func (c *Client) Stop(ctx context.Context, id string) error {
	_, err := c.Do(ctx, Request{Command: CmdStop, ID: id})
	return err
}

func (c *Client) Remove(ctx context.Context, id string) error {
	_, err := c.Do(ctx, Request{Command: CmdRemove, ID: id})
	return err
}

func (c *Client) Close() error {
	err := c.rwc.Close()
	<-c.done
	return err
}
