// Package daemon wires the device table, the master and the control server
// into one qbd process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/openmined/qbsync/internal/change"
	"github.com/openmined/qbsync/internal/control"
	"github.com/openmined/qbsync/internal/devtable"
	"github.com/openmined/qbsync/internal/iface"
	"github.com/openmined/qbsync/internal/iface/local"
	"github.com/openmined/qbsync/internal/iface/peer"
	"github.com/openmined/qbsync/internal/master"
	"github.com/openmined/qbsync/internal/utils"
	"golang.org/x/sync/errgroup"
)

const (
	appID           = "qbsync"
	shutdownTimeout = 10 * time.Second
)

var ErrShutdownTimeout = errors.New("daemon shutdown timed out")

type Option func(*Daemon)

// WithKinds registers interface kinds next to local and peer
func WithKinds(kinds ...iface.Kind) Option {
	return func(d *Daemon) { d.extraKinds = append(d.extraKinds, kinds...) }
}

// WithStdio replaces os.Stdin/os.Stdout when the config asks for stdio
func WithStdio(rwc io.ReadWriteCloser) Option {
	return func(d *Daemon) { d.stdio = rwc }
}

func WithLogger(log *slog.Logger) Option {
	return func(d *Daemon) { d.log = log }
}

type Daemon struct {
	cfg     *Config
	log     *slog.Logger
	lock    *dataDirLock
	store   *devtable.SQLStore
	master  *master.Master
	control *control.Server
	ln      net.Listener
	stdio   io.ReadWriteCloser

	extraKinds []iface.Kind
}

func New(cfg *Config, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Daemon{cfg: cfg, log: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}

	d.lock = newDataDirLock(cfg.DataDir, lockFile)
	if err := d.lock.Lock(); err != nil {
		return nil, err
	}

	if err := d.setup(); err != nil {
		d.release()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) setup() error {
	store, err := devtable.OpenSQLStore(d.cfg.StatePath())
	if err != nil {
		return err
	}
	d.store = store

	table, err := devtable.Open(context.Background(), store)
	if err != nil {
		return fmt.Errorf("failed to restore device table: %w", err)
	}

	policy, err := change.ParsePolicy(d.cfg.Policy)
	if err != nil {
		return err
	}

	kinds := iface.NewKinds(local.Kind{}, peer.Kind{})
	for _, k := range d.extraKinds {
		if err := kinds.Register(k); err != nil {
			return err
		}
	}

	d.master = master.New(master.Config{
		DataDir:      d.cfg.DataDir,
		Kinds:        kinds,
		Table:        table,
		Policy:       policy,
		Host:         hostDevice(d.log),
		PollInterval: d.cfg.PollInterval,
		Logger:       d.log.With("component", "master"),
		Publish:      d.publish,
	})

	d.control = control.NewServer(d.master,
		control.WithToken(d.cfg.Token),
		control.WithServerLogger(d.log.With("component", "control")),
	)

	if d.cfg.Stdio {
		if d.stdio == nil {
			d.stdio = control.StdioConn(os.Stdin, os.Stdout)
		}
		return nil
	}

	ln, err := control.Listen(d.cfg.Socket)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.cfg.Socket, err)
	}
	d.ln = ln
	return nil
}

// publish forwards master events to every control client
func (d *Daemon) publish(ev control.Event) {
	if d.control != nil {
		d.control.Publish(ev)
	}
}

// hostDevice falls back to the hostname where no machine id is available
func hostDevice(log *slog.Logger) change.DeviceID {
	id, err := change.HostDeviceID(appID)
	if err == nil {
		return id
	}
	hostname, _ := os.Hostname()
	log.Warn("host device id from hostname", "hostname", hostname, "error", err)
	return change.DeviceIDFromName(appID + ":" + hostname)
}

func (d *Daemon) Master() *master.Master {
	return d.master
}

func (d *Daemon) Config() *Config {
	return d.cfg
}

// Start serves until ctx ends. In stdio mode the daemon also stops when the
// managing client closes its end.
func (d *Daemon) Start(ctx context.Context) error {
	d.log.Info("qbd start",
		"data_dir", d.cfg.DataDir,
		"control", d.controlAddr(),
		"token", utils.MaskSecret(d.cfg.Token),
		"policy", d.cfg.Policy,
	)
	defer d.release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		if err := d.master.Run(egCtx); err != nil {
			return fmt.Errorf("failed to run master: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		if d.stdio != nil {
			defer cancel()
			if err := d.control.ServeConn(egCtx, d.stdio); err != nil {
				return fmt.Errorf("failed to serve stdio: %w", err)
			}
			d.log.Info("qbd stdio client left")
			return nil
		}
		if err := d.control.Serve(egCtx, d.ln); err != nil {
			return fmt.Errorf("failed to serve control socket: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		d.log.Info("qbd stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return d.Stop(shutdownCtx)
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		d.log.Error("qbd failure", "error", err)
		return err
	}
	d.log.Info("qbd stopped")
	return nil
}

// Stop waits for the master to release every interface
func (d *Daemon) Stop(ctx context.Context) error {
	if d.ln != nil {
		d.ln.Close()
	}
	select {
	case <-d.master.Done():
		return nil
	case <-ctx.Done():
		return ErrShutdownTimeout
	}
}

func (d *Daemon) controlAddr() string {
	if d.cfg.Stdio {
		return "stdio"
	}
	return "unix://" + d.cfg.Socket
}

func (d *Daemon) release() {
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.log.Warn("qbd close state", "error", err)
		}
		d.store = nil
	}
	if err := d.lock.Unlock(); err != nil {
		d.log.Warn("qbd unlock", "error", err)
	}
}
