package driverconfig

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewStore_DefaultsFetchEnabled(t *testing.T) {
	s := NewStore()
	assert.True(t, s.FetchEnabled())
	assert.False(t, s.IsTrusted(123))
}

func TestIsTrusted(t *testing.T) {
	s := NewStore()
	s.SetTrustedPIDs([]uint32{4, 8, 15})
	assert.True(t, s.IsTrusted(8))
	assert.False(t, s.IsTrusted(9))
}

func TestShouldReport_RequiresWatchEnabledAndPathMatch(t *testing.T) {
	s := NewStore()
	s.SetMode(FetchEnabled | WatchEnabled)
	s.SetWatchPaths([]string{`/mnt/Share/`})
	s.SetReportRate(10000)

	assert.True(t, s.ShouldReport(`/mnt/share/sub/file.txt`, 0))
	assert.False(t, s.ShouldReport(`/other/file.txt`, 0))
}

func TestShouldReport_RespectsReportRate(t *testing.T) {
	s := NewStore()
	s.SetMode(FetchEnabled | WatchEnabled)
	s.SetWatchPaths([]string{"/mnt/share/"})
	s.SetReportRate(0)

	assert.False(t, s.ShouldReport("/mnt/share/x", 0))
}

func TestSetReportRate_Clamps(t *testing.T) {
	s := NewStore()
	s.SetReportRate(999999)
	assert.EqualValues(t, 10000, s.Snapshot().ReportRate)
}

func TestReload_ReplacesModeRateAndPathsAtomically(t *testing.T) {
	s := NewStore()
	s.SetTrustedPIDs([]uint32{42})

	s.Reload(WatchEnabled, 500, []string{"/mnt/share/"})

	snap := s.Snapshot()
	assert.Equal(t, WatchEnabled, snap.Mode)
	assert.EqualValues(t, 500, snap.ReportRate)
	assert.Equal(t, []string{"/mnt/share/"}, snap.WatchedPaths)
	// Reload must not touch the trusted-pid set; that's owned by the
	// helper connect/disconnect handshake.
	assert.True(t, s.IsTrusted(42))
}

func TestReload_ClampsReportRate(t *testing.T) {
	s := NewStore()
	s.Reload(FetchEnabled, 999999, nil)
	assert.EqualValues(t, 10000, s.Snapshot().ReportRate)
}

func TestAddRemoveTrustedPID(t *testing.T) {
	s := NewStore()
	s.AddTrustedPID(7)
	assert.True(t, s.IsTrusted(7))
	s.RemoveTrustedPID(7)
	assert.False(t, s.IsTrusted(7))
}

func TestStore_ConcurrentReadsDuringWrite_NoTornState(t *testing.T) {
	s := NewStore()
	s.SetMode(FetchEnabled | WatchEnabled)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			s.SetWatchPaths([]string{"/a/", "/b/"})
			s.SetReportRate(uint32(i % 10001))
		}
	}()

	for i := 0; i < 1000; i++ {
		snap := s.Snapshot()
		assert.LessOrEqual(t, len(snap.WatchedPaths), 2)
	}
	close(stop)
	wg.Wait()
}
