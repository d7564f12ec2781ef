package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/openmined/qbsync/internal/utils"
)

var ErrSocketInUse = errors.New("control socket in use")

// Listen binds the unix socket at path. A socket left behind by a dead
// daemon is removed; one with a live listener is an error.
func Listen(path string) (net.Listener, error) {
	if err := utils.EnsureParent(path); err != nil {
		return nil, err
	}

	if _, err := os.Stat(path); err == nil {
		nc, err := net.DialTimeout("unix", path, time.Second)
		if err == nil {
			nc.Close()
			return nil, fmt.Errorf("%w: %s", ErrSocketInUse, path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, err
	}
	return ln, nil
}

// DialSocket connects to the daemon's unix socket
func DialSocket(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", path)
}

type stdio struct {
	io.Reader
	io.Writer
	closers []io.Closer
	once    sync.Once
}

func (s *stdio) Close() error {
	var errs []error
	s.once.Do(func() {
		for _, c := range s.closers {
			errs = append(errs, c.Close())
		}
	})
	return errors.Join(errs...)
}

// StdioConn joins a reader and a writer into one control connection.
// Close closes whichever of them are closers.
func StdioConn(in io.Reader, out io.Writer) io.ReadWriteCloser {
	s := &stdio{Reader: in, Writer: out}
	if c, ok := in.(io.Closer); ok {
		s.closers = append(s.closers, c)
	}
	if c, ok := out.(io.Closer); ok {
		s.closers = append(s.closers, c)
	}
	return s
}
