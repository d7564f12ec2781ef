package local

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rjeczalik/notify"
)

const (
	defaultIgnoreTimeout   = time.Second
	defaultDebounceTimeout = 50 * time.Millisecond
	eventBufferSize        = 64
)

// watcher turns bursts of filesystem events under root into single wakeups.
// Paths the backend writes itself are suppressed with IgnoreOnce.
type watcher struct {
	root     string
	raw      chan notify.EventInfo
	wake     chan struct{}
	debounce time.Duration
	accept   func(path string) bool
	done     chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	ignore  map[string]time.Time
	pending map[string]*time.Timer
}

func newWatcher(root string, debounce time.Duration, accept func(string) bool) *watcher {
	if debounce <= 0 {
		debounce = defaultDebounceTimeout
	}
	return &watcher{
		root:     root,
		wake:     make(chan struct{}, 1),
		debounce: debounce,
		accept:   accept,
		done:     make(chan struct{}),
		ignore:   make(map[string]time.Time),
		pending:  make(map[string]*time.Timer),
	}
}

func (w *watcher) Start() error {
	w.raw = make(chan notify.EventInfo, eventBufferSize)
	if err := notify.Watch(w.root+"/...", w.raw, notify.All); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.loop()
	slog.Debug("local watcher start", "dir", w.root)
	return nil
}

func (w *watcher) Stop() {
	if w.raw == nil {
		return
	}
	notify.Stop(w.raw)
	close(w.done)
	w.wg.Wait()

	w.mu.Lock()
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
	slog.Debug("local watcher stopped", "dir", w.root)
}

// Wake fires at most once per debounced burst
func (w *watcher) Wake() <-chan struct{} {
	return w.wake
}

// IgnoreOnce suppresses the next event for an absolute path
func (w *watcher) IgnoreOnce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ignore[path] = time.Now().Add(defaultIgnoreTimeout)
}

func (w *watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev := <-w.raw:
			if w.accept != nil && !w.accept(ev.Path()) {
				continue
			}
			w.schedule(ev.Path())
		}
	}
}

func (w *watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.pending[path]; ok {
		timer.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() { w.flush(path) })
}

func (w *watcher) flush(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	expiry, ignored := w.ignore[path]
	if ignored {
		delete(w.ignore, path)
	}
	// drop expired entries while holding the lock
	now := time.Now()
	for p, exp := range w.ignore {
		if now.After(exp) {
			delete(w.ignore, p)
		}
	}
	w.mu.Unlock()

	if ignored && now.Before(expiry) {
		return
	}

	select {
	case w.wake <- struct{}{}:
		slog.Debug("local watcher", "path", path)
	default:
	}
}
