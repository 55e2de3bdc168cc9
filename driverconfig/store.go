// Package driverconfig implements the runtime configuration store: the
// operation-mode bitset, file-access report rate, watched-path prefix
// set and trusted-pid set, all guarded by a single RWMutex so reads
// never observe a torn update.
//
// Grounded on original_source/Driver/LazyCopyDriver/Configuration.c:
// DRIVER_CONFIGURATION_DATA holds exactly these fields behind one lock,
// with set_* operations taking it exclusively and everything else
// (the hot path, on every create/read/write) taking it shared.
package driverconfig

import (
	"strings"
	"sync"
)

// Mode bits, named identically to OPERATION_MODE's values in
// CommunicationData.h / spec section 4.5.
type Mode uint32

const (
	FetchEnabled Mode = 1 << 0
	WatchEnabled Mode = 1 << 1
)

// Store is the guarded configuration. Construct it with NewStore: the
// zero value has no mode bits set and a nil trusted-pid map, so
// AddTrustedPID on a zero Store panics.
type Store struct {
	mu           sync.RWMutex
	mode         Mode
	reportRate   uint32 // 0..10000, ten-thousandths
	watchedPaths []string
	trustedPIDs  map[uint32]struct{}
}

// NewStore returns a Store with fetch enabled and everything else
// empty, the driver's documented default.
func NewStore() *Store {
	return &Store{mode: FetchEnabled, trustedPIDs: make(map[uint32]struct{})}
}

// Snapshot is an immutable copy of the store's state, safe to read
// without holding any lock — the mechanism by which a reader avoids
// re-entering the store's RWMutex for every field it needs.
type Snapshot struct {
	Mode         Mode
	ReportRate   uint32
	WatchedPaths []string
	TrustedPIDs  map[uint32]struct{}
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	paths := make([]string, len(s.watchedPaths))
	copy(paths, s.watchedPaths)
	pids := make(map[uint32]struct{}, len(s.trustedPIDs))
	for pid := range s.trustedPIDs {
		pids[pid] = struct{}{}
	}

	return Snapshot{
		Mode:         s.mode,
		ReportRate:   s.reportRate,
		WatchedPaths: paths,
		TrustedPIDs:  pids,
	}
}

// FetchEnabled reports whether lazy materialization should run at all.
func (s *Store) FetchEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode&FetchEnabled != 0
}

// IsTrusted reports whether pid bypasses materialization entirely
// (spec section 4.1's trusted-process fast path).
func (s *Store) IsTrusted(pid uint32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.trustedPIDs[pid]
	return ok
}

// ShouldReport reports whether a file access under path should emit an
// observation event, given the current report rate and watch set. A
// watched path match is required; the report rate is then applied as a
// probability in ten-thousandths via roll, matching the driver's
// LcShouldReportFileAccess semantics.
func (s *Store) ShouldReport(path string, roll uint32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.mode&WatchEnabled == 0 {
		return false
	}
	if !s.isWatchedLocked(path) {
		return false
	}
	return roll%10000 < s.reportRate
}

func (s *Store) isWatchedLocked(path string) bool {
	lower := strings.ToLower(path)
	for _, p := range s.watchedPaths {
		if strings.HasPrefix(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// SetMode replaces the operation-mode bitset.
func (s *Store) SetMode(mode Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
}

// SetReportRate replaces the report rate. Values above 10000 are
// clamped, mirroring the registry reader's validation.
func (s *Store) SetReportRate(rate uint32) {
	if rate > 10000 {
		rate = 10000
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reportRate = rate
}

// SetWatchPaths replaces the watched-path prefix set wholesale.
func (s *Store) SetWatchPaths(paths []string) {
	cp := make([]string, len(paths))
	copy(cp, paths)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchedPaths = cp
}

// SetTrustedPIDs replaces the trusted-process set wholesale.
func (s *Store) SetTrustedPIDs(pids []uint32) {
	m := make(map[uint32]struct{}, len(pids))
	for _, pid := range pids {
		m[pid] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.trustedPIDs = m
}

// AddTrustedPID adds a single pid to the trusted set, used when a
// helper session connects (section 4.4's connect handshake).
func (s *Store) AddTrustedPID(pid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trustedPIDs[pid] = struct{}{}
}

// RemoveTrustedPID removes a single pid from the trusted set, used when
// a helper session disconnects (section 4.4's "reverse all of the
// above" on disconnect).
func (s *Store) RemoveTrustedPID(pid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.trustedPIDs, pid)
}

// Reload replaces mode, reportRate and watchedPaths atomically under a
// single lock acquisition, matching the reload_config command's
// "re-read config from the opaque config source under the global lock"
// effect. The trusted-pid set is untouched: it is owned by the helper
// connect/disconnect handshake, not by the config source.
func (s *Store) Reload(mode Mode, reportRate uint32, watchPaths []string) {
	if reportRate > 10000 {
		reportRate = 10000
	}
	paths := make([]string, len(watchPaths))
	copy(paths, watchPaths)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
	s.reportRate = reportRate
	s.watchedPaths = paths
}
