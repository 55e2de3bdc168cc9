package events

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aleksk/LazyCopy/driverconfig"
)

type recordingSink struct {
	accesses []Access
}

func (r *recordingSink) Observe(a Access) { r.accesses = append(r.accesses, a) }

func TestReport_SkipsWhenWatchDisabled(t *testing.T) {
	cfg := driverconfig.NewStore()
	sink := &recordingSink{}
	e := &Emitter{Config: cfg, Sink: sink}

	e.Report("/mnt/share/x", 1)
	assert.Empty(t, sink.accesses)
}

func TestReport_EmitsWhenRateIsMax(t *testing.T) {
	cfg := driverconfig.NewStore()
	cfg.SetMode(driverconfig.FetchEnabled | driverconfig.WatchEnabled)
	cfg.SetWatchPaths([]string{"/mnt/share/"})
	cfg.SetReportRate(10000)

	sink := &recordingSink{}
	e := &Emitter{Config: cfg, Sink: sink}

	e.Report("/mnt/share/x", 7)
	assert.Len(t, sink.accesses, 1)
	assert.EqualValues(t, 7, sink.accesses[0].PID)
}
