package policy

import (
	"bytes"
	"os"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Store holds the current snapshot. Readers get the snapshot once per
// request, and see either the old or the new one during a reload.
type Store struct {
	current atomic.Pointer[Snapshot]
}

// NewStore creates a store with the initial snapshot. Nil means an
// empty snapshot.
func NewStore(initial *Snapshot) *Store {
	s := &Store{}
	s.Swap(initial)
	return s
}

// Get returns the current snapshot, never nil.
func (s *Store) Get() *Snapshot {
	if c := s.current.Load(); c != nil {
		return c
	}

	return Empty()
}

// Swap replaces the current snapshot, and returns the previous one.
func (s *Store) Swap(next *Snapshot) *Snapshot {
	if next == nil {
		next = Empty()
	}

	return s.current.Swap(next)
}

// Watcher polls a configuration file and swaps the snapshot of a store
// when the content of the file changes.
type Watcher struct {
	store    *Store
	fileName string
	interval time.Duration
	last     []byte
	quit     chan struct{}
	once     sync.Once
	done     chan struct{}
}

// Watch starts polling the file every interval. Parse errors and
// missing files are logged, and the last good snapshot is kept.
func Watch(store *Store, fileName string, interval time.Duration) *Watcher {
	w := newWatcher(store, fileName, interval)
	go w.watch()
	return w
}

func newWatcher(store *Store, fileName string, interval time.Duration) *Watcher {
	w := &Watcher{
		store:    store,
		fileName: fileName,
		interval: interval,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	// the file loaded at startup is the baseline
	if data, err := os.ReadFile(fileName); err == nil {
		w.last = data
	}

	return w
}

// poll returns true when the snapshot was replaced.
func (w *Watcher) poll() bool {
	data, err := os.ReadFile(w.fileName)
	if err != nil {
		log.Errorf("Failed to read policy file %s: %v", w.fileName, err)
		return false
	}

	if bytes.Equal(data, w.last) {
		return false
	}

	s, err := Parse(data)
	if err != nil {
		log.Errorf("Failed to parse policy file %s, keeping the current policy: %v", w.fileName, err)
		w.last = data
		return false
	}

	w.last = data
	w.store.Swap(s)
	log.Infof("Policy reloaded from %s: %d routes", w.fileName, len(s.Routes.Routes()))
	return true
}

func (w *Watcher) watch() {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.poll()
		case <-w.quit:
			return
		}
	}
}

// Close stops polling.
func (w *Watcher) Close() {
	w.once.Do(func() {
		close(w.quit)
		<-w.done
	})
}
