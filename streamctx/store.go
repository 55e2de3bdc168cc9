// Package streamctx implements the per-open-file context store: a
// record of {remote_size, remote_path, delegate_to_helper} attached to
// a file the first time it is opened, with "keep if exists" semantics
// so that a race between two openers converges on a single shared
// record rather than one winning and the other's copy silently
// shadowing it.
//
// Grounded on original_source/Driver/LazyCopyDriver/Context.c:
// LcFindOrCreateStreamContext builds a candidate context, tries to
// install it, and on STATUS_FLT_CONTEXT_ALREADY_DEFINED discards its
// own candidate and adopts the one already there — identity matters
// more than which goroutine created the record.
package streamctx

import (
	"sync"
)

// Context is the per-open-file record. Immutable after creation: all
// three fields are fixed at materialization-classification time in the
// original driver, so this type carries no mutex of its own.
type Context struct {
	RemoteSize       int64
	RemotePath       string
	DelegateToHelper bool

	refcount int32
}

// Store is a path-keyed table of Contexts with keep-if-exists creation.
type Store struct {
	mu    sync.Mutex
	byKey map[string]*Context
}

// NewStore returns an empty context store.
func NewStore() *Store {
	return &Store{byKey: make(map[string]*Context)}
}

// Get returns the existing context for key, if any, without creating one.
func (s *Store) Get(key string) (*Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byKey[key]
	return c, ok
}

// FindOrCreate returns the context already installed for key, or installs
// candidate and returns it if none exists yet. The boolean result
// reports whether candidate was the one installed (true) or whether an
// existing context already present for key won the race and was
// returned instead (false) — the losing candidate is simply discarded,
// exactly as LcFindOrCreateStreamContext releases its own allocation
// and adopts oldContext.
func (s *Store) FindOrCreate(key string, candidate *Context) (*Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byKey[key]; ok {
		existing.refcount++
		return existing, false
	}

	candidate.refcount = 1
	s.byKey[key] = candidate
	return candidate, true
}

// Release drops a reference acquired via FindOrCreate (Get takes none) and removes
// the entry once no one references it.
func (s *Store) Release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byKey[key]
	if !ok {
		return
	}
	c.refcount--
	if c.refcount <= 0 {
		delete(s.byKey, key)
	}
}

// Delete removes key unconditionally, used once a file's mark has been
// cleared and its context is no longer needed (LcDeleteContext's
// call site in PreReadWriteOperationCallback after a successful fetch).
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byKey, key)
}
