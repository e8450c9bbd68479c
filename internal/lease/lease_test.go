package lease

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySerializesSameKey(t *testing.T) {
	t.Parallel()

	locker := NewMemory()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := With(context.Background(), locker, DomainKey("api.example.com"), time.Minute, func() error {
				n := atomic.AddInt32(&inside, 1)
				for {
					old := atomic.LoadInt32(&maxInside)
					if n <= old || atomic.CompareAndSwapInt32(&maxInside, old, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
}

func TestMemoryIndependentKeys(t *testing.T) {
	t.Parallel()

	locker := NewMemory()
	release, err := locker.Acquire(context.Background(), CertificateKey("a"), time.Minute)
	require.NoError(t, err)
	defer release()

	other, err := locker.Acquire(context.Background(), CertificateKey("b"), time.Minute)
	require.NoError(t, err)
	other()
}

func TestMemoryAcquireHonoursContext(t *testing.T) {
	t.Parallel()

	locker := NewMemory()
	release, err := locker.Acquire(context.Background(), SlotKey("d1", 443), time.Minute)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = locker.Acquire(ctx, SlotKey("d1", 443), time.Minute)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	locker := NewMemory()
	release, err := locker.Acquire(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	release()
	release()

	again, err := locker.Acquire(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	again()
}
