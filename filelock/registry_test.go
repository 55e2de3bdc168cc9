package filelock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_FirstCallerIsFetcher(t *testing.T) {
	r := NewRegistry()

	h, err := Acquire(context.Background(), r, "/mnt/share/a.txt")
	require.NoError(t, err)
	assert.True(t, h.Acquired)
	h.Release()
}

func TestAcquire_CaseInsensitivePath(t *testing.T) {
	r := NewRegistry()

	h1, err := Acquire(context.Background(), r, "/mnt/Share/A.txt")
	require.NoError(t, err)
	assert.True(t, h1.Acquired)

	var sawSecond int32
	done := make(chan struct{})
	go func() {
		h2, err := Acquire(context.Background(), r, "/mnt/share/a.txt")
		require.NoError(t, err)
		assert.False(t, h2.Acquired)
		atomic.StoreInt32(&sawSecond, 1)
		h2.Release()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&sawSecond))
	h1.Release()
	<-done
}

func TestAcquire_AtMostOneFetcher(t *testing.T) {
	r := NewRegistry()
	const n = 20

	var fetchers int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			h, err := Acquire(context.Background(), r, "/mnt/share/contended.bin")
			require.NoError(t, err)
			if h.Acquired {
				atomic.AddInt32(&fetchers, 1)
			}
			h.Release()
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, fetchers)
}

func TestAcquire_TimesOutWithoutHangingEntry(t *testing.T) {
	r := NewRegistry()

	h1, err := Acquire(context.Background(), r, "/mnt/share/busy.bin")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = Acquire(ctx, r, "/mnt/share/busy.bin")
	assert.Error(t, err)

	h1.Release()

	h2, err := Acquire(context.Background(), r, "/mnt/share/busy.bin")
	require.NoError(t, err)
	assert.True(t, h2.Acquired)
	h2.Release()
}

func TestTryAcquire_NonBlocking(t *testing.T) {
	r := NewRegistry()

	h1, ok := TryAcquire(r, "/mnt/share/x.bin")
	require.True(t, ok)

	_, ok = TryAcquire(r, "/mnt/share/x.bin")
	assert.False(t, ok)

	h1.Release()

	h2, ok := TryAcquire(r, "/mnt/share/x.bin")
	require.True(t, ok)
	h2.Release()
}
