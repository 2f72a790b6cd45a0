package services

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/provault/backend/internal/megacli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLockSerializesHolders(t *testing.T) {
	runner := &fakeRunner{}
	lock := NewSessionLock(newTestClient(testConfig(), runner))

	var inside int32
	var maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := lock.WithExclusiveSession("worker", func(client *megacli.Client) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					cur := atomic.LoadInt32(&maxInside)
					if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInside), "holders overlapped")
}

func TestSessionLockPropagatesError(t *testing.T) {
	runner := &fakeRunner{}
	lock := NewSessionLock(newTestClient(testConfig(), runner))

	sentinel := assert.AnError
	err := lock.WithExclusiveSession("failing", func(client *megacli.Client) error {
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	// Lock must be usable again after a failed holder.
	err = lock.WithExclusiveSession("next", func(client *megacli.Client) error {
		return nil
	})
	assert.NoError(t, err)
}

func TestSessionLockIdleLogout(t *testing.T) {
	runner := &fakeRunner{}
	lock := NewSessionLock(newTestClient(testConfig(), runner))

	require.NoError(t, lock.WithExclusiveSession("short", func(client *megacli.Client) error {
		return nil
	}))

	// After the grace period with no new holder the lock logs the
	// session out on its own.
	waitFor(t, logoutGrace+2*time.Second, func() bool {
		return runner.commandCalls("logout") >= 1
	})
}

func TestSessionLockReacquireCancelsIdleLogout(t *testing.T) {
	runner := &fakeRunner{}
	lock := NewSessionLock(newTestClient(testConfig(), runner))

	require.NoError(t, lock.WithExclusiveSession("first", func(client *megacli.Client) error {
		return nil
	}))
	// Re-acquire well inside the grace window.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, lock.WithExclusiveSession("second", func(client *megacli.Client) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	}))

	// Only the final release should eventually trigger a logout, never two.
	waitFor(t, logoutGrace+2*time.Second, func() bool {
		return runner.commandCalls("logout") >= 1
	})
	assert.Equal(t, 1, runner.commandCalls("logout"))
}

func TestSessionLockIdleLogoutBlocksNewHolders(t *testing.T) {
	runner := &fakeRunner{delay: 100 * time.Millisecond}
	var logoutDone atomic.Bool
	runner.handler = func(command string, args []string) (megacli.Result, error) {
		if command == "logout" {
			logoutDone.Store(true)
		}
		return megacli.Result{ExitCode: 0}, nil
	}
	lock := NewSessionLock(newTestClient(testConfig(), runner))

	// The idle logout holds the lock like any other holder; a caller
	// arriving mid-logout queues behind it.
	go lock.idleLogout()
	time.Sleep(20 * time.Millisecond)

	err := lock.WithExclusiveSession("arrival", func(client *megacli.Client) error {
		assert.True(t, logoutDone.Load(), "holder admitted while the idle logout was still running")
		return nil
	})
	require.NoError(t, err)
}

func TestSessionLockIdleLogoutYieldsToHolder(t *testing.T) {
	runner := &fakeRunner{}
	lock := NewSessionLock(newTestClient(testConfig(), runner))

	require.NoError(t, lock.WithExclusiveSession("holder", func(client *megacli.Client) error {
		lock.idleLogout()
		return nil
	}))
	assert.Zero(t, runner.commandCalls("logout"), "idle logout must back off while the lock is held")
}
