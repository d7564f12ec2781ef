// Package ifacetest provides an in-memory backend for exercising workers and
// the master without touching real storage.
package ifacetest

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/openmined/qbsync/internal/change"
	"github.com/openmined/qbsync/internal/iface"
	"github.com/openmined/qbsync/internal/qbp"
	"github.com/openmined/qbsync/internal/utils"
)

const KindName = "memory"

type Config struct {
	DeviceID  change.DeviceID `json:"device_id" yaml:"device_id"`
	Path      string          `json:"path" yaml:"path"`
	FailSetup bool            `json:"fail_setup,omitempty" yaml:"fail_setup"`
}

// Kind opens Memory backends and remembers them by interface id
type Kind struct {
	mu       sync.Mutex
	backends map[string]*Memory
	opens    map[string]int
}

func NewKind() *Kind {
	return &Kind{
		backends: make(map[string]*Memory),
		opens:    make(map[string]int),
	}
}

func (k *Kind) Name() string { return KindName }

func (k *Kind) Validate(blob qbp.Blob) ([]byte, error) {
	var cfg Config
	if err := blob.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", iface.ErrInvalidConfig, err)
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: path is required", iface.ErrInvalidConfig)
	}
	if cfg.DeviceID.IsZero() {
		cfg.DeviceID = change.DeviceIDFromName(cfg.Path)
	}
	return json.Marshal(cfg)
}

func (k *Kind) Open(ctx context.Context, env iface.Env, config []byte) (iface.Backend, error) {
	var cfg Config
	if err := json.Unmarshal(config, &cfg); err != nil {
		return nil, err
	}
	if cfg.FailSetup {
		return nil, fmt.Errorf("backend %s refused to start", env.Name)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	k.opens[env.ID]++
	m, ok := k.backends[env.ID]
	if !ok {
		m = New(cfg.DeviceID)
		k.backends[env.ID] = m
	}
	m.reopen()
	return m, nil
}

// Backend returns the backend last opened for id
func (k *Kind) Backend(id string) *Memory {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.backends[id]
}

// Opens counts how often id was opened
func (k *Kind) Opens(id string) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.opens[id]
}

// Memory keeps its own change log and the records pushed to it
type Memory struct {
	clock  *change.Clock
	notify chan struct{}

	mu       sync.Mutex
	log      []change.Record
	pushed   []change.Record
	closed   bool
	pullErr  error
	pushErrs []error
	pathErrs map[string]error
	pushedCh chan change.Record
}

func New(device change.DeviceID) *Memory {
	return &Memory{
		clock:    change.NewClock(device, 0),
		notify:   make(chan struct{}, 1),
		pushedCh: make(chan change.Record, 256),
	}
}

func (m *Memory) reopen() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = false
}

func (m *Memory) Device() change.DeviceID {
	return m.clock.Device()
}

// Write originates a change on this backend and signals Notify
func (m *Memory) Write(path, content string) change.Record {
	rec := m.clock.Stamp(change.OpWrite, change.Resource{
		Path:    path,
		Kind:    change.KindFile,
		Hash:    utils.BytesHash([]byte(content)),
		Size:    int64(len(content)),
		ModTime: time.Now(),
	}, nil, []byte(content))

	m.mu.Lock()
	m.log = append(m.log, rec)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return rec
}

// FailPull makes every following pull fail with err until cleared with nil
func (m *Memory) FailPull(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pullErr = err
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// FailPush queues errors returned by the next pushes, one per call
func (m *Memory) FailPush(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushErrs = append(m.pushErrs, errs...)
}

// FailPushPath makes every push to path fail with err until cleared with nil
func (m *Memory) FailPushPath(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pathErrs == nil {
		m.pathErrs = make(map[string]error)
	}
	if err == nil {
		delete(m.pathErrs, path)
		return
	}
	m.pathErrs[path] = err
}

func (m *Memory) Pull(ctx context.Context, after uint64) iter.Seq2[change.Record, error] {
	return func(yield func(change.Record, error) bool) {
		m.mu.Lock()
		if m.pullErr != nil {
			err := m.pullErr
			m.mu.Unlock()
			yield(change.Record{}, err)
			return
		}
		var pending []change.Record
		for _, rec := range m.log {
			if rec.Stamp > after {
				pending = append(pending, rec)
			}
		}
		m.mu.Unlock()

		for _, rec := range pending {
			if ctx.Err() != nil {
				yield(change.Record{}, ctx.Err())
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (m *Memory) Push(ctx context.Context, rec change.Record) (iface.PushResult, error) {
	m.mu.Lock()
	if len(m.pushErrs) > 0 {
		err := m.pushErrs[0]
		m.pushErrs = m.pushErrs[1:]
		m.mu.Unlock()
		return iface.Rejected, err
	}
	if err := m.pathErrs[rec.Resource.Path]; err != nil {
		m.mu.Unlock()
		return iface.Rejected, err
	}
	m.pushed = append(m.pushed, rec)
	m.mu.Unlock()

	select {
	case m.pushedCh <- rec:
	default:
	}
	return iface.Ack, nil
}

func (m *Memory) Notify() <-chan struct{} {
	return m.notify
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Pushed returns every record pushed so far
func (m *Memory) Pushed() []change.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]change.Record(nil), m.pushed...)
}

// WaitPushed blocks until a record is pushed or the timeout passes
func (m *Memory) WaitPushed(timeout time.Duration) (change.Record, bool) {
	select {
	case rec := <-m.pushedCh:
		return rec, true
	case <-time.After(timeout):
		return change.Record{}, false
	}
}
