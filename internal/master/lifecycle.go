package master

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/openmined/qbsync/internal/change"
	"github.com/openmined/qbsync/internal/control"
	"github.com/openmined/qbsync/internal/iface"
	"github.com/openmined/qbsync/internal/qbp"
	"github.com/openmined/qbsync/internal/utils"
)

var errStoppedBeforeRunning = errors.New("interface stopped before it was running")

// entry is one interface in the registry
type entry struct {
	id        string
	name      string
	kind      string
	config    []byte
	device    change.DeviceID
	state     iface.State
	autostart bool
	lastErr   error
	// delivered is the table sequence settled by this interface; catchUp
	// replays what came after
	delivered uint64

	outbox *iface.Outbox
	cancel context.CancelFunc
	// stopping is set when the stop was asked for, not caused by a failure
	stopping     bool
	startWaiters []chan<- error
	stopWaiters  []chan<- error
}

func (e *entry) summary() control.Summary {
	s := control.Summary{
		ID:        e.id,
		Name:      e.name,
		Kind:      e.kind,
		State:     e.state,
		Device:    e.device,
		Autostart: e.autostart,
	}
	if e.lastErr != nil {
		s.Error = e.lastErr.Error()
	}
	return s
}

func (m *Master) List(ctx context.Context) ([]control.Summary, error) {
	return call(ctx, m, func(reply chan<- []control.Summary) {
		list := make([]control.Summary, 0, len(m.entries))
		for _, e := range m.entries {
			list = append(list, e.summary())
		}
		slices.SortFunc(list, func(a, b control.Summary) int {
			return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
		})
		reply <- list
	})
}

// Add validates config with the interface's kind and registers it as Created
func (m *Master) Add(ctx context.Context, name, kind string, blob qbp.Blob) (string, error) {
	if name == "" {
		return "", control.Errorf(control.CodeInvalidConfig, "name is required")
	}
	kind = iface.KindOf(name, kind)
	k, err := m.cfg.Kinds.Lookup(kind)
	if err != nil {
		return "", control.Errorf(control.CodeInvalidConfig, "%v", err)
	}
	config, err := k.Validate(blob)
	if err != nil {
		return "", control.Errorf(control.CodeInvalidConfig, "%v", err)
	}

	type result struct {
		id  string
		err error
	}
	res, err := call(ctx, m, func(reply chan<- result) {
		for _, e := range m.entries {
			if e.name == name {
				reply <- result{err: control.Errorf(control.CodeInvalidConfig, "name %q is taken by %s", name, e.id)}
				return
			}
		}

		id := m.newID()
		m.entries[id] = &entry{id: id, name: name, kind: kind, config: config, state: iface.StateCreated}
		if err := m.save(); err != nil {
			delete(m.entries, id)
			reply <- result{err: err}
			return
		}
		m.log.Info("master add", "id", id, "name", name, "kind", kind)
		m.publishStatus(m.entries[id])
		reply <- result{id: id}
	})
	if err != nil {
		return "", err
	}
	return res.id, res.err
}

func (m *Master) newID() string {
	for {
		id := utils.TokenHex(8)
		_, taken := m.entries[id]
		_, gone := m.removed[id]
		if !taken && !gone {
			return id
		}
	}
}

// lookup finds id, or the error a task naming it resolves with
func (m *Master) lookup(id string) (*entry, error) {
	if _, gone := m.removed[id]; gone {
		return nil, control.Errorf(control.CodeInterfaceRemoved, "interface %s was removed", id)
	}
	e, ok := m.entries[id]
	if !ok {
		return nil, control.Errorf(control.CodeNotFound, "no interface %s", id)
	}
	return e, nil
}

// Start replies once the worker runs or its setup failed. Starting a running
// interface is a no-op.
func (m *Master) Start(ctx context.Context, id string) error {
	err, cerr := call(ctx, m, func(reply chan<- error) {
		e, err := m.lookup(id)
		if err != nil {
			reply <- err
			return
		}
		switch e.state {
		case iface.StateRunning:
			reply <- nil
		case iface.StateStarting:
			e.startWaiters = append(e.startWaiters, reply)
		case iface.StateStopping:
			reply <- control.Errorf(control.CodeInterfaceBusy, "interface %s is stopping", id)
		default:
			if err := m.spawn(e); err != nil {
				reply <- err
				return
			}
			e.startWaiters = append(e.startWaiters, reply)
		}
	})
	if cerr != nil {
		return cerr
	}
	return err
}

// Stop replies once the worker has exited. Stopping a stopped interface is
// a no-op.
func (m *Master) Stop(ctx context.Context, id string) error {
	err, cerr := call(ctx, m, func(reply chan<- error) {
		e, err := m.lookup(id)
		if err != nil {
			reply <- err
			return
		}
		switch e.state {
		case iface.StateStarting, iface.StateRunning:
			m.log.Info("master stop", "id", id, "name", e.name)
			e.stopping = true
			e.cancel()
			m.transition(e, iface.StateStopping)
			e.stopWaiters = append(e.stopWaiters, reply)
		case iface.StateStopping:
			e.stopWaiters = append(e.stopWaiters, reply)
		default:
			reply <- nil
		}
	})
	if cerr != nil {
		return cerr
	}
	return err
}

// Remove forgets a stopped interface for good
func (m *Master) Remove(ctx context.Context, id string) error {
	err, cerr := call(ctx, m, func(reply chan<- error) {
		e, err := m.lookup(id)
		if err != nil {
			reply <- err
			return
		}
		if !iface.CanTransition(e.state, iface.StateRemoved) {
			reply <- control.Errorf(control.CodeInterfaceBusy, "interface %s is %s", id, e.state)
			return
		}

		delete(m.entries, id)
		if err := m.save(); err != nil {
			m.entries[id] = e
			reply <- err
			return
		}
		m.removed[id] = struct{}{}
		e.state = iface.StateRemoved
		m.log.Info("master remove", "id", id, "name", e.name)
		m.publishStatus(e)
		reply <- nil
	})
	if cerr != nil {
		return cerr
	}
	return err
}

// spawn starts a worker for e
func (m *Master) spawn(e *entry) error {
	kind, err := m.cfg.Kinds.Lookup(e.kind)
	if err != nil {
		return control.Errorf(control.CodeInvalidConfig, "%v", err)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	e.cancel = cancel
	e.stopping = false
	e.lastErr = nil
	e.outbox = iface.NewOutbox()

	dataDir := ""
	if m.cfg.DataDir != "" {
		dataDir = filepath.Join(m.cfg.DataDir, "interfaces", e.id)
	}
	w := iface.NewWorker(iface.WorkerConfig{
		ID:     e.id,
		Kind:   kind,
		Config: e.config,
		Env: iface.Env{
			ID:      e.id,
			Name:    e.name,
			DataDir: dataDir,
			Host:    m.cfg.Host,
			Logger:  m.log.With("name", e.name),
		},
		Router:       m,
		Outbox:       e.outbox,
		Cursor:       m.table.Stamp,
		PollInterval: m.cfg.PollInterval,
		Backoff:      m.cfg.Backoff,
		Report:       m.report,
	})

	m.log.Info("master start", "id", e.id, "name", e.name, "kind", e.kind)
	m.transition(e, iface.StateStarting)
	go w.Run(ctx)
	return nil
}

// onStatus applies a worker report
func (m *Master) onStatus(s iface.Status) {
	e, ok := m.entries[s.ID]
	if !ok {
		return
	}

	switch s.State {
	case iface.StateRunning:
		if e.state != iface.StateStarting {
			// stop already requested, the stopped report follows
			return
		}
		e.device = s.Device
		e.autostart = true
		m.transition(e, iface.StateRunning)
		m.catchUp(e)
		m.persist()
		for _, w := range e.startWaiters {
			w <- nil
		}
		e.startWaiters = nil

	case iface.StateStopped:
		if !iface.CanTransition(e.state, iface.StateStopped) {
			return
		}
		e.cancel()
		e.lastErr = s.Err
		if !s.Device.IsZero() {
			e.device = s.Device
		}
		if e.stopping {
			e.autostart = false
		}
		e.delivered = max(e.delivered, e.outbox.Cursor())
		if pending := e.outbox.Drain(); len(pending) > 0 {
			m.log.Info("master undelivered", "id", e.id, "name", e.name, "records", len(pending), "delivered", e.delivered)
		}
		m.transition(e, iface.StateStopped)
		m.persist()

		if s.Err != nil && !e.stopping {
			m.log.Error("master interface failed", "id", e.id, "name", e.name, "error", s.Err)
		}
		startErr := s.Err
		if startErr == nil {
			startErr = errStoppedBeforeRunning
		}
		for _, w := range e.startWaiters {
			w <- fmt.Errorf("start %s: %w", e.id, startErr)
		}
		e.startWaiters = nil
		for _, w := range e.stopWaiters {
			w <- nil
		}
		e.stopWaiters = nil
	}
}

// catchUp queues the current version of every resource accepted after the
// interface's cursor. Changes the interface originated itself are skipped.
func (m *Master) catchUp(e *entry) {
	changes, err := m.table.Since(m.ctx, e.delivered)
	if err != nil {
		m.log.Error("master catch up", "id", e.id, "name", e.name, "error", err)
		return
	}

	queued := 0
	for _, c := range changes {
		if c.Record.Origin == e.device {
			continue
		}
		e.outbox.Put(c.Seq, c.Record)
		queued++
	}
	if queued > 0 {
		m.log.Info("master catch up", "id", e.id, "name", e.name, "after", e.delivered, "records", queued)
	}
}

func (m *Master) transition(e *entry, to iface.State) {
	if !iface.CanTransition(e.state, to) {
		m.log.Warn("master bad transition", "id", e.id, "from", e.state, "to", to)
		return
	}
	m.log.Debug("master transition", "id", e.id, "name", e.name, "from", e.state, "to", to)
	e.state = to
	m.publishStatus(e)
}

func (m *Master) publishStatus(e *entry) {
	s := e.summary()
	m.cfg.Publish(control.Event{Type: control.EventStatus, Status: &s})
}

// restore loads the registry and starts what was running
func (m *Master) restore() error {
	if m.registry == nil {
		return nil
	}
	saved, err := m.registry.Load()
	if err != nil {
		return err
	}

	for _, s := range saved {
		e := &entry{
			id:        s.ID,
			name:      s.Name,
			kind:      s.Kind,
			config:    []byte(s.Config),
			device:    s.Device,
			state:     iface.StateStopped,
			autostart: s.Autostart,
			delivered: s.Delivered,
		}
		if e.delivered > m.table.Seq() {
			// the table was reset, replay all of it
			e.delivered = 0
		}
		m.entries[e.id] = e
	}
	for _, e := range m.entries {
		if !e.autostart {
			continue
		}
		if err := m.spawn(e); err != nil {
			m.log.Error("master autostart", "id", e.id, "name", e.name, "error", err)
		}
	}
	return nil
}

func (m *Master) save() error {
	if m.registry == nil {
		return nil
	}
	saved := make([]savedInterface, 0, len(m.entries))
	for _, e := range m.entries {
		saved = append(saved, savedInterface{
			ID:        e.id,
			Name:      e.name,
			Kind:      e.kind,
			Config:    json.RawMessage(e.config),
			Device:    e.device,
			Autostart: e.autostart,
			Delivered: e.delivered,
		})
	}
	slices.SortFunc(saved, func(a, b savedInterface) int { return cmp.Compare(a.ID, b.ID) })
	if err := m.registry.Save(saved); err != nil {
		return control.Errorf(control.CodeInternal, "save registry: %v", err)
	}
	return nil
}

// persist saves after a worker report; there is no caller to fail
func (m *Master) persist() {
	if err := m.save(); err != nil {
		m.log.Error("master registry", "error", err)
	}
}
