package binaryid

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DriftEvent is emitted when a registered binary's on-disk bytes no
// longer hash to the registered checksum.
type DriftEvent struct {
	Identity Identity
	Current  [ChecksumSize]byte
	At       time.Time
}

// Watcher re-hashes registered binaries when their files change on disk
// and reports checksum drift. Drift does not update the registry; the
// registry only changes through an explicit re-register.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	registry  *Registry

	// path -> registry key, for event dispatch
	tracked map[string]string
	mu      sync.Mutex

	drift  chan DriftEvent
	errors chan error

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher creates a drift watcher over the given registry.
func NewWatcher(registry *Registry) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		fsWatcher: fsWatcher,
		registry:  registry,
		tracked:   make(map[string]string),
		drift:     make(chan DriftEvent, 16),
		errors:    make(chan error, 4),
		done:      make(chan struct{}),
	}, nil
}

// Drift returns the channel of drift events.
func (w *Watcher) Drift() <-chan DriftEvent {
	return w.drift
}

// Errors returns the channel of watch errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Track starts watching the binary behind an identity. The parent
// directory is watched so replace-by-rename is seen.
func (w *Watcher) Track(id Identity) error {
	if id.Path == "" {
		return nil
	}

	dir := filepath.Dir(id.Path)
	if err := w.fsWatcher.Add(dir); err != nil {
		return err
	}

	w.mu.Lock()
	w.tracked[id.Path] = id.Key()
	w.mu.Unlock()
	return nil
}

// Start begins the event loop.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.eventLoop()
}

// Stop shuts down the watcher.
func (w *Watcher) Stop() error {
	close(w.done)
	w.wg.Wait()
	close(w.drift)
	close(w.errors)
	return w.fsWatcher.Close()
}

// eventLoop handles fsnotify events.
func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.checkPath(event.Name)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
			}
		}
	}
}

// checkPath re-hashes a tracked binary and emits drift if the checksum
// no longer matches the registry.
func (w *Watcher) checkPath(path string) {
	w.mu.Lock()
	key, ok := w.tracked[path]
	w.mu.Unlock()
	if !ok {
		return
	}

	w.registry.mu.RLock()
	id, ok := w.registry.entries[key]
	w.registry.mu.RUnlock()
	if !ok {
		return
	}

	current, _, err := HashFile(path)
	if err != nil {
		select {
		case w.errors <- err:
		default:
		}
		return
	}

	if current != id.Checksum {
		select {
		case w.drift <- DriftEvent{Identity: id, Current: current, At: time.Now()}:
		default:
		}
	}
}
