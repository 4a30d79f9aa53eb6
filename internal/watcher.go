package internal

import (
	"sync"

	"github.com/andydunstall/bucketgossip/bucket"
)

// Watcher watches external handles for termination.
type Watcher interface {
	// Watch registers interest in the handle terminating. Watching a handle
	// that has already terminated notifies immediately.
	Watch(h bucket.Handle)

	// Unwatch removes a registration added with Watch.
	Unwatch(h bucket.Handle)

	// Terminated returns a channel that receives watched handles that
	// terminated.
	Terminated() <-chan bucket.Handle
}

// LocalWatcher is a Watcher for handles owned by the local process, where
// the owner calls Terminate when the entity behind the handle goes away.
//
// This is thread safe.
type LocalWatcher struct {
	watched    map[bucket.Handle]struct{}
	terminated map[bucket.Handle]struct{}
	// mu protects the above fields.
	mu sync.Mutex

	terminatedCh chan bucket.Handle
	done         chan struct{}
	closeOnce    sync.Once
}

func NewLocalWatcher() *LocalWatcher {
	return &LocalWatcher{
		watched:      make(map[bucket.Handle]struct{}),
		terminated:   make(map[bucket.Handle]struct{}),
		terminatedCh: make(chan bucket.Handle, 64),
		done:         make(chan struct{}),
	}
}

func (w *LocalWatcher) Watch(h bucket.Handle) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.terminated[h]; ok {
		w.notify(h)
		return
	}
	w.watched[h] = struct{}{}
}

func (w *LocalWatcher) Unwatch(h bucket.Handle) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.watched, h)
}

// Terminate marks the handle as terminated, notifying if it is watched.
func (w *LocalWatcher) Terminate(h bucket.Handle) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.terminated[h] = struct{}{}
	if _, ok := w.watched[h]; ok {
		delete(w.watched, h)
		w.notify(h)
	}
}

// Watched returns whether the handle is currently watched.
func (w *LocalWatcher) Watched(h bucket.Handle) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, ok := w.watched[h]
	return ok
}

func (w *LocalWatcher) Terminated() <-chan bucket.Handle {
	return w.terminatedCh
}

func (w *LocalWatcher) Close() {
	w.closeOnce.Do(func() {
		close(w.done)
	})
}

// notify delivers the notification without blocking, since Watch is called
// from the goroutine that reads Terminated.
func (w *LocalWatcher) notify(h bucket.Handle) {
	select {
	case w.terminatedCh <- h:
	default:
		go func() {
			select {
			case w.terminatedCh <- h:
			case <-w.done:
			}
		}()
	}
}
