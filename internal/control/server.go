package control

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/qbsync/internal/qbp"
	"github.com/openmined/qbsync/internal/utils"
)

const outboundBufferSize = 64

// Handler executes tasks. Errors that are not *Error are reported as internal.
type Handler interface {
	List(ctx context.Context) ([]Summary, error)
	Add(ctx context.Context, name, kind string, config qbp.Blob) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
}

type ServerOption func(*Server)

// WithToken requires every request to carry token
func WithToken(token string) ServerOption {
	return func(s *Server) { s.token = token }
}

func WithServerLogger(log *slog.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

func WithServerProtocol(opts qbp.Options) ServerOption {
	return func(s *Server) { s.opts = opts }
}

type Server struct {
	handler Handler
	token   string
	opts    qbp.Options
	log     *slog.Logger
	conns   mapset.Set[*serverConn]
	wg      sync.WaitGroup
}

func NewServer(handler Handler, opts ...ServerOption) *Server {
	s := &Server{
		handler: handler,
		opts:    qbp.DefaultOptions(),
		log:     slog.Default(),
		conns:   mapset.NewSet[*serverConn](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// serverConn is one control client
type serverConn struct {
	id  string
	out chan Response
}

// Serve accepts control connections on ln until ctx ends
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.ServeConn(ctx, nc); err != nil {
				s.log.Warn("control conn", "error", err)
			}
		}()
	}
}

// ServeConn runs one control connection until the client leaves or ctx ends.
// Tasks still running when it returns are cancelled.
func (s *Server) ServeConn(ctx context.Context, rwc io.ReadWriteCloser) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer rwc.Close()

	conn, err := qbp.Open(ctx, rwc, s.opts)
	if err != nil {
		return fmt.Errorf("negotiate: %w", err)
	}

	c := &serverConn{id: utils.TokenHex(4), out: make(chan Response, outboundBufferSize)}
	log := s.log.With("conn", c.id)
	log.Debug("control conn open", "session", conn.Session().String())

	s.conns.Add(c)
	defer s.conns.Remove(c)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case resp := <-c.out:
				if err := conn.Send(resp); err != nil {
					log.Warn("control send", "task", resp.Task, "error", err)
					cancel()
					return
				}
			}
		}
	}()

	// unblock the reader when the context ends
	go func() {
		<-ctx.Done()
		rwc.Close()
	}()

	var tasks sync.WaitGroup
	for {
		var req Request
		if err := conn.Recv(&req); err != nil {
			if ctx.Err() == nil && !errors.Is(err, qbp.ErrClosed) && !errors.Is(err, net.ErrClosed) {
				log.Warn("control recv", "error", err)
			}
			break
		}
		if req.Task == "" {
			log.Warn("control request without task id", "command", req.Command)
			continue
		}

		tasks.Add(1)
		go func() {
			defer tasks.Done()
			resp := s.dispatch(ctx, req)
			resp.Task = req.Task
			select {
			case c.out <- resp:
			case <-ctx.Done():
			}
		}()
	}

	cancel()
	tasks.Wait()
	<-writerDone
	log.Debug("control conn closed")
	return nil
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	if s.token != "" && subtle.ConstantTimeCompare([]byte(s.token), []byte(req.Token)) != 1 {
		s.log.Warn("control unauthorized", "task", req.Task, "command", req.Command)
		return Response{Error: ErrUnauthorized}
	}

	s.log.Debug("control task", "task", req.Task, "request", req.String())

	var resp Response
	var err error
	switch req.Command {
	case CmdList:
		resp.List, err = s.handler.List(ctx)
	case CmdAdd:
		if req.Config == nil {
			err = Errorf(CodeInvalidConfig, "missing config")
			break
		}
		resp.ID, err = s.handler.Add(ctx, req.Name, req.Kind, *req.Config)
	case CmdStart:
		err = s.handler.Start(ctx, req.ID)
	case CmdStop:
		err = s.handler.Stop(ctx, req.ID)
	case CmdRemove:
		err = s.handler.Remove(ctx, req.ID)
	default:
		err = Errorf(CodeInternal, "unknown command %q", req.Command)
	}

	if err != nil {
		s.log.Info("control task failed", "task", req.Task, "command", req.Command, "error", err)
		return Response{Error: AsError(err)}
	}
	return resp
}

// Publish sends ev to every connected client. Slow clients miss events.
func (s *Server) Publish(ev Event) {
	resp := Response{Event: &ev}
	for c := range s.conns.Iter() {
		select {
		case c.out <- resp:
		default:
			s.log.Warn("control event dropped", "conn", c.id, "type", ev.Type)
		}
	}
}

// Clients is the number of connected control clients
func (s *Server) Clients() int {
	return s.conns.Cardinality()
}
