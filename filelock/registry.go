// Package filelock implements the per-file lock registry used to
// serialize materialization: at most one goroutine fetches a given
// file's remote content at a time, while others wait for it to finish.
//
// Grounded on original_source/Driver/LazyCopyDriver/FileLocks.c: a
// global table of {name, event, refcount} entries, an auto-reset event
// that starts signaled, and acquire/release semantics where a
// zero-timeout try-acquire distinguishes the fetcher from an observer.
package filelock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/aleksk/LazyCopy/lazyerr"
)

// entry is one path's lock state. event has capacity 1: a pending value
// means "signaled" (available), matching the auto-reset kernel event in
// FileLocks.c that starts signaled and is cleared by whoever acquires it.
type entry struct {
	event    chan struct{}
	refcount int
}

func newEntry() *entry {
	e := &entry{event: make(chan struct{}, 1)}
	e.event <- struct{}{}
	return e
}

// Registry is the path-keyed table of file-lock entries. Construct it
// with NewRegistry: the zero value has a nil table, and Acquire or
// TryAcquire on it panics.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// normalize applies the case-insensitive comparison FileLocks.c performs
// via RtlCompareUnicodeString(..., TRUE); POSIX paths are otherwise used
// verbatim.
func normalize(path string) string {
	return strings.ToLower(path)
}

// Handle is returned by Acquire; it must be passed to Release exactly
// once. Acquired reports whether the zero-timeout try-acquire actually
// took the lock (true: caller is the fetcher) or merely registered
// interest while someone else holds it (false: caller is an observer
// who must wait, which Acquire has already done by the time it returns
// successfully).
type Handle struct {
	registry *Registry
	path     string
	entry    *entry
	Acquired bool
}

// Acquire attaches to (creating if necessary) the lock entry for path,
// then waits for it to become available, honoring ctx's deadline. The
// first caller to actually take the signal — as opposed to one that
// finds it already taken and must wait — gets Acquired == true and is
// responsible for performing the materialization; later callers get
// Acquired == false once woken and should treat the file as already
// materialized.
func Acquire(ctx context.Context, r *Registry, path string) (*Handle, error) {
	key := normalize(path)

	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		e = newEntry()
		r.entries[key] = e
	}
	e.refcount++
	r.mu.Unlock()

	// Zero-timeout try-acquire first, matching LcGetFileLock's caller
	// pattern of probing with a zero timeout before committing to an
	// unbounded wait.
	select {
	case <-e.event:
		return &Handle{registry: r, path: key, entry: e, Acquired: true}, nil
	default:
	}

	select {
	case <-e.event:
		return &Handle{registry: r, path: key, entry: e, Acquired: false}, nil
	case <-ctx.Done():
		release(r, key, e)
		return nil, lazyerr.Wrap(lazyerr.Timeout, "filelock.Acquire", ctx.Err())
	}
}

// TryAcquire is the non-blocking form: it never waits past a zero
// timeout, mirroring the first probe LcGetFileLock's callers use to
// decide whether to become the fetcher.
func TryAcquire(r *Registry, path string) (*Handle, bool) {
	key := normalize(path)

	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		e = newEntry()
		r.entries[key] = e
	}
	e.refcount++
	r.mu.Unlock()

	select {
	case <-e.event:
		return &Handle{registry: r, path: key, entry: e, Acquired: true}, true
	default:
		release(r, key, e)
		return nil, false
	}
}

// Release signals the entry (waking one waiter) and decrements its
// refcount, removing the entry from the table once no one references
// it, matching LcReleaseFileLock.
func (h *Handle) Release() {
	h.entry.event <- struct{}{}
	release(h.registry, h.path, h.entry)
}

func release(r *Registry, key string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e.refcount--
	if e.refcount <= 0 {
		delete(r.entries, key)
	}
}

// WaitTimeout is the zero timeout of the non-blocking probe that
// TryAcquire and the first step of Acquire perform. Nothing in this
// repository passes it to another function.
const WaitTimeout = 0 * time.Second
