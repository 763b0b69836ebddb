package runlock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "fwdbot/pkg/logx"
)

func TestOpenDrivers(t *testing.T) {
	l, err := Open(Config{}, logx.Nop())
	require.NoError(t, err)
	assert.IsType(t, &Local{}, l)

	_, err = Open(Config{Driver: "redis"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(Config{Driver: "zookeeper"}, logx.Nop())
	assert.ErrorIs(t, err, ErrUnknownDriver)

	r, err := Open(Config{Driver: "redis", RedisAddr: "127.0.0.1:6379"}, logx.Nop())
	require.NoError(t, err)
	assert.NoError(t, r.Close())
}

func TestLocalSerializesSameKey(t *testing.T) {
	l := NewLocal()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "us")
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxInside.Load())
	assert.Empty(t, l.locks)
}

func TestLocalKeysAreIndependent(t *testing.T) {
	l := NewLocal()
	unlockUS, err := l.Lock(context.Background(), "us")
	require.NoError(t, err)
	defer unlockUS()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockIOS, err := l.Lock(ctx, "ios")
	require.NoError(t, err)
	unlockIOS()
}

func TestLocalHonorsContext(t *testing.T) {
	l := NewLocal()
	unlock, err := l.Lock(context.Background(), "us")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "us")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()

	again, err := l.Lock(context.Background(), "us")
	require.NoError(t, err)
	again()
}
