package lens

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStripedMutexSameKeyExclusive(t *testing.T) {
	if testing.Short() {
		t.Skip("skip in short mode")
	}
	t.Parallel()

	sm := newStripedMutex(8)

	var mu sync.Mutex
	var running, maxRunning int
	const goroutines = 20
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			l := sm.Lock("key")

			mu.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			running--
			mu.Unlock()

			l.Unlock()
			wg.Done()
		}()
	}
	wg.Wait()

	require.Equal(t, 1, maxRunning)
}

func TestStripedMutexDifferentKeysConcurrent(t *testing.T) {
	if testing.Short() {
		t.Skip("skip in short mode")
	}
	t.Parallel()

	sm := newStripedMutex(8)

	var mu sync.Mutex
	var running, maxRunning int
	const goroutines = 20
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		key := "a"
		if i%2 == 0 {
			key = "b"
		}
		go func(k string) {
			l := sm.Lock(k)

			mu.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			running--
			mu.Unlock()

			l.Unlock()
			wg.Done()
		}(key)
	}
	wg.Wait()

	require.Greater(t, maxRunning, 1)
}

func TestErrGroupLimitCPU(t *testing.T) {
	t.Parallel()

	errGroup := ErrGroupLimitCPU()
	var count int
	var mu sync.Mutex
	for i := 0; i < 32; i++ {
		errGroup.Go(func() error {
			mu.Lock()
			count++
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, errGroup.Wait())
	require.Equal(t, 32, count)
}
