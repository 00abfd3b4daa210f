package offload

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLivenessMonitor(t *testing.T) {
	t.Run("exits with orphan code when disconnected", func(t *testing.T) {
		var connected atomic.Bool
		connected.Store(true)
		codes := make(chan int, 1)

		log, logs := newObservedLogger()
		m := &LivenessMonitor{
			Interval:  5 * time.Millisecond,
			Connected: connected.Load,
			Exit:      func(code int) { codes <- code },
			Log:       log,
		}
		done := make(chan struct{})
		go func() {
			m.Run(context.Background())
			close(done)
		}()

		time.Sleep(20 * time.Millisecond)
		assert.Empty(t, codes)

		connected.Store(false)
		select {
		case code := <-codes:
			assert.Equal(t, OrphanExitCode, code)
		case <-time.After(time.Second):
			t.Fatal("monitor did not exit")
		}
		waitClosed(t, done)
		assert.Equal(t, 1, logs.FilterMessage("lost connection to supervisor, exiting").Len())
	})

	t.Run("stops with context", func(t *testing.T) {
		exited := false
		m := &LivenessMonitor{
			Interval:  time.Millisecond,
			Connected: func() bool { return true },
			Exit:      func(int) { exited = true },
		}
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			m.Run(ctx)
			close(done)
		}()
		cancel()
		waitClosed(t, done)
		assert.False(t, exited)
	})
}

func TestSupervisorAlive(t *testing.T) {
	t.Run("probes the supervisor pid", func(t *testing.T) {
		assert.True(t, supervisorAlive(os.Getpid())())
	})

	t.Run("dead supervisor", func(t *testing.T) {
		// pid_max on linux is at most 2^22
		assert.False(t, supervisorAlive(1<<23)())
	})

	t.Run("falls back to parent pid", func(t *testing.T) {
		if os.Getppid() <= 1 {
			t.Skip("test process has no parent to watch")
		}
		assert.True(t, supervisorAlive(0)())
	})
}
