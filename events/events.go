// Package events emits file-access observation events for watched
// paths, gated by the config store's report rate. Grounded on
// Operations.c's LcShouldReportFileAccess call sites in the create
// callback, which sample file opens under watched directories at a
// configurable probability rather than logging every access.
package events

import (
	"math/rand"
	"time"

	"github.com/aleksk/LazyCopy/driverconfig"
	"github.com/aleksk/LazyCopy/logger"
)

// Access describes one observed file access.
type Access struct {
	Path      string
	PID       uint32
	Timestamp time.Time
}

// Sink receives observation events. Emitter's default Sink logs them;
// a test or a richer deployment can supply one that forwards to a
// message queue instead.
type Sink interface {
	Observe(Access)
}

// LogSink logs each access through the package-wide logger.
type LogSink struct{}

func (LogSink) Observe(a Access) {
	logger.Infof("file access observed: path=%s pid=%d", a.Path, a.PID)
}

// Emitter samples file accesses against the config store's watch set
// and report rate, forwarding the ones that pass to Sink.
type Emitter struct {
	Config *driverconfig.Store
	Sink   Sink
	Now    func() time.Time
}

// NewEmitter returns an Emitter that logs to Sink using the real clock.
func NewEmitter(cfg *driverconfig.Store) *Emitter {
	return &Emitter{Config: cfg, Sink: LogSink{}, Now: time.Now}
}

// Report samples path/pid and, if selected, forwards it to the sink.
func (e *Emitter) Report(path string, pid uint32) {
	//nolint:gosec // sampling probability, not a security boundary
	roll := uint32(rand.Intn(10000))
	if !e.Config.ShouldReport(path, roll) {
		return
	}

	now := e.Now
	if now == nil {
		now = time.Now
	}
	e.Sink.Observe(Access{Path: path, PID: pid, Timestamp: now()})
}
