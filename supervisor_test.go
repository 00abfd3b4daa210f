package offload

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeProcess struct {
	pid  int
	exit chan int

	// exitOnTerm makes SIGTERM end the process with code 0.
	exitOnTerm bool
	signals    chan os.Signal
	killed     atomic.Bool
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{
		pid:        pid,
		exit:       make(chan int, 1),
		exitOnTerm: true,
		signals:    make(chan os.Signal, 8),
	}
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Wait() (int, error) {
	return <-p.exit, nil
}

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.signals <- sig
	if p.exitOnTerm && sig == syscall.SIGTERM {
		p.exitWith(0)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.exitWith(-1)
	return nil
}

func (p *fakeProcess) exitWith(code int) {
	select {
	case p.exit <- code:
	default:
	}
}

type fakeLauncher struct {
	mu       sync.Mutex
	specs    []LaunchSpec
	fail     func(spec LaunchSpec) error
	prepare  func(p *fakeProcess)
	launched chan *fakeProcess
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{launched: make(chan *fakeProcess, 16)}
}

func (l *fakeLauncher) Launch(spec LaunchSpec) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.specs = append(l.specs, spec)
	if l.fail != nil {
		if err := l.fail(spec); err != nil {
			return nil, err
		}
	}
	p := newFakeProcess(1000 + len(l.specs))
	if l.prepare != nil {
		l.prepare(p)
	}
	l.launched <- p
	return p, nil
}

func (l *fakeLauncher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.specs)
}

func (l *fakeLauncher) next(t *testing.T) *fakeProcess {
	t.Helper()
	select {
	case p := <-l.launched:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("worker was not launched")
		return nil
	}
}

func notFound(spec LaunchSpec) error {
	return &fs.PathError{Op: "fork/exec", Path: spec.Executable(), Err: syscall.ENOENT}
}

func newObservedLogger() (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core).Sugar(), logs
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("channel was not closed")
	}
}

func TestSupervisor_Restart(t *testing.T) {
	for _, code := range []int{0, 1, OrphanExitCode} {
		code := code
		t.Run("exit code "+strconv.Itoa(code)+" restarts", func(t *testing.T) {
			launcher := newFakeLauncher()
			m := NewMetrics(0)
			var spawnIDs []string
			var restarts []bool
			var mu sync.Mutex
			sup := NewSupervisor(SupervisorConfig{
				Launcher: launcher,
				Metrics:  m,
				OnSpawn: func(spawnID string, p Process, restart bool) {
					mu.Lock()
					spawnIDs = append(spawnIDs, spawnID)
					restarts = append(restarts, restart)
					mu.Unlock()
				},
			})

			require.NoError(t, sup.Start("worker"))
			first := launcher.next(t)
			first.exitWith(code)

			second := launcher.next(t)
			assert.NotEqual(t, first.Pid(), second.Pid())
			require.Eventually(t, func() bool { return sup.Pid() == second.Pid() }, time.Second, 5*time.Millisecond)
			assert.Equal(t, StateRunning, sup.State())

			snap := m.Snapshot()
			assert.Equal(t, 2, snap.Spawns)
			assert.Equal(t, 1, snap.Restarts)

			require.Eventually(t, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(spawnIDs) == 2
			}, time.Second, 5*time.Millisecond)
			mu.Lock()
			assert.NotEqual(t, spawnIDs[0], spawnIDs[1])
			assert.Equal(t, []bool{false, true}, restarts)
			mu.Unlock()

			waitClosed(t, sup.Stop())
		})
	}

	t.Run("restart after delay", func(t *testing.T) {
		launcher := newFakeLauncher()
		sup := NewSupervisor(SupervisorConfig{Launcher: launcher, RestartDelay: 30 * time.Millisecond})

		require.NoError(t, sup.Start("worker"))
		launcher.next(t).exitWith(1)

		require.Eventually(t, func() bool { return sup.State() == StateRestartPending }, time.Second, time.Millisecond)
		launcher.next(t)
		require.Eventually(t, func() bool { return sup.State() == StateRunning }, time.Second, time.Millisecond)
		waitClosed(t, sup.Stop())
	})

	t.Run("stop cancels a pending restart", func(t *testing.T) {
		launcher := newFakeLauncher()
		sup := NewSupervisor(SupervisorConfig{Launcher: launcher, RestartDelay: 50 * time.Millisecond})

		require.NoError(t, sup.Start("worker"))
		launcher.next(t).exitWith(1)
		require.Eventually(t, func() bool { return sup.State() == StateRestartPending }, time.Second, time.Millisecond)

		waitClosed(t, sup.Stop())
		assert.Equal(t, StateTerminated, sup.State())

		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, 1, launcher.Launches())
	})
}

func TestSupervisor_ExecutableNotFound(t *testing.T) {
	t.Run("no restart and one callback", func(t *testing.T) {
		launcher := newFakeLauncher()
		launcher.fail = notFound
		var terminal []error
		sup := NewSupervisor(SupervisorConfig{
			Launcher:   launcher,
			OnTerminal: func(err error) { terminal = append(terminal, err) },
		})

		err := sup.Start("missing-worker")
		require.ErrorIs(t, err, ErrExecutableNotFound)
		assert.Equal(t, StateTerminalFailure, sup.State())
		assert.False(t, sup.Running())

		err = sup.Start("missing-worker")
		require.ErrorIs(t, err, ErrExecutableNotFound)

		assert.Equal(t, 1, launcher.Launches())
		require.Len(t, terminal, 1)
		assert.ErrorIs(t, terminal[0], ErrExecutableNotFound)
	})

	t.Run("missing runtime", func(t *testing.T) {
		launcher := newFakeLauncher()
		launcher.fail = func(spec LaunchSpec) error {
			return &fs.PathError{Op: "exec", Path: spec.Executable(), Err: fs.ErrNotExist}
		}
		sup := NewSupervisor(SupervisorConfig{Launcher: launcher, Runtime: "no-such-runtime"})
		assert.ErrorIs(t, sup.Start("worker.go"), ErrExecutableNotFound)
	})

	t.Run("real launcher", func(t *testing.T) {
		calls := 0
		sup := NewSupervisor(SupervisorConfig{
			OnTerminal: func(error) { calls++ },
		})
		path := filepath.Join(t.TempDir(), "does-not-exist")
		assert.ErrorIs(t, sup.Start(path), ErrExecutableNotFound)
		assert.Equal(t, 1, calls)
	})

	t.Run("other spawn errors are not sticky", func(t *testing.T) {
		launcher := newFakeLauncher()
		launcher.fail = func(LaunchSpec) error { return syscall.EAGAIN }
		calls := 0
		sup := NewSupervisor(SupervisorConfig{
			Launcher:   launcher,
			OnTerminal: func(error) { calls++ },
		})

		err := sup.Start("worker")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrExecutableNotFound)
		assert.Equal(t, StateTerminalFailure, sup.State())
		assert.Equal(t, 1, calls)

		launcher.mu.Lock()
		launcher.fail = nil
		launcher.mu.Unlock()
		require.NoError(t, sup.Start("worker"))
		launcher.next(t)
		assert.Equal(t, StateRunning, sup.State())
		waitClosed(t, sup.Stop())
	})
}

func TestSupervisor_Stop(t *testing.T) {
	t.Run("start stop exit spawns once", func(t *testing.T) {
		launcher := newFakeLauncher()
		sup := NewSupervisor(SupervisorConfig{Launcher: launcher})

		require.NoError(t, sup.Start("worker"))
		p := launcher.next(t)

		done := sup.Stop()
		waitClosed(t, done)
		assert.Equal(t, syscall.SIGTERM, <-p.signals)

		require.Eventually(t, func() bool { return sup.State() == StateTerminated }, time.Second, time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 1, launcher.Launches())
		assert.False(t, sup.Running())
	})

	t.Run("stop without worker", func(t *testing.T) {
		sup := NewSupervisor(SupervisorConfig{Launcher: newFakeLauncher()})
		waitClosed(t, sup.Stop())
		waitClosed(t, sup.Stop())
		assert.Equal(t, StateUnstarted, sup.State())
	})

	t.Run("kill after grace period", func(t *testing.T) {
		launcher := newFakeLauncher()
		launcher.prepare = func(p *fakeProcess) { p.exitOnTerm = false }
		sup := NewSupervisor(SupervisorConfig{Launcher: launcher, StopGracePeriod: 20 * time.Millisecond})

		require.NoError(t, sup.Start("worker"))
		p := launcher.next(t)

		waitClosed(t, sup.Stop())
		assert.True(t, p.killed.Load())
	})

	t.Run("exit of a replaced worker is ignored", func(t *testing.T) {
		launcher := newFakeLauncher()
		launcher.prepare = func(p *fakeProcess) { p.exitOnTerm = false }
		sup := NewSupervisor(SupervisorConfig{Launcher: launcher})

		require.NoError(t, sup.Start("worker"))
		old := launcher.next(t)
		sup.Stop()

		require.NoError(t, sup.Start("worker"))
		current := launcher.next(t)

		old.exitWith(0)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, StateRunning, sup.State())
		assert.Equal(t, current.Pid(), sup.Pid())
		assert.Equal(t, 2, launcher.Launches())

		sup.Stop()
		current.exitWith(0)
	})

	t.Run("start while running", func(t *testing.T) {
		launcher := newFakeLauncher()
		sup := NewSupervisor(SupervisorConfig{Launcher: launcher})

		require.NoError(t, sup.Start("worker"))
		launcher.next(t)
		assert.ErrorIs(t, sup.Start("worker"), ErrAlreadyRunning)
		waitClosed(t, sup.Stop())
	})
}

func TestSupervisor_LaunchSpec(t *testing.T) {
	launcher := newFakeLauncher()
	sup := NewSupervisor(SupervisorConfig{
		Launcher:    launcher,
		Runtime:     "go",
		RuntimeArgs: []string{"run"},
		WorkerArgs:  []string{"--verbose"},
		Env:         []string{EnvPort + "=4000"},
	})

	dir := t.TempDir()
	require.NoError(t, sup.Start(filepath.Join(dir, "worker.go")))
	launcher.next(t)
	defer sup.Stop()

	launcher.mu.Lock()
	spec := launcher.specs[0]
	launcher.mu.Unlock()

	assert.Equal(t, "go", spec.Executable())
	assert.Equal(t, []string{"run", filepath.Join(dir, "worker.go"), "--verbose"}, spec.Argv())
	assert.Equal(t, dir, spec.Dir)
	assert.Contains(t, spec.Env, EnvWorkerMode+"=1")
	assert.Contains(t, spec.Env, EnvPort+"=4000")
	assert.Contains(t, spec.Env, EnvSupervisor+"="+strconv.Itoa(os.Getpid()))

	var spawnID string
	for _, kv := range spec.Env {
		if strings.HasPrefix(kv, EnvSpawnID+"=") {
			spawnID = strings.TrimPrefix(kv, EnvSpawnID+"=")
		}
	}
	assert.NotEmpty(t, spawnID)
}

func TestLaunchSpec_Direct(t *testing.T) {
	spec := LaunchSpec{Path: "/opt/worker", Args: []string{"a"}}
	assert.Equal(t, "/opt/worker", spec.Executable())
	assert.Equal(t, []string{"a"}, spec.Argv())
}

func TestIsExecutableNotFound(t *testing.T) {
	assert.True(t, isExecutableNotFound(notFound(LaunchSpec{Path: "/x"}), "/x"))
	assert.False(t, isExecutableNotFound(&fs.PathError{Path: "/other", Err: syscall.ENOENT}, "/x"))
	assert.False(t, isExecutableNotFound(errors.New("boom"), "/x"))
}

func TestLogWriter(t *testing.T) {
	core, logs := newObservedLogger()
	w := newLogWriter(core)

	_, err := w.Write([]byte("first line\nsecond "))
	require.NoError(t, err)
	_, err = w.Write([]byte("part\r\n\n"))
	require.NoError(t, err)

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	assert.Equal(t, "first line", entries[0].Message)
	assert.Equal(t, "second part", entries[1].Message)
}

func TestLogWriter_PartialLines(t *testing.T) {
	t.Run("flush logs the trailing line", func(t *testing.T) {
		core, logs := newObservedLogger()
		w := newLogWriter(core)

		_, err := w.Write([]byte("done\nno newline"))
		require.NoError(t, err)
		require.Equal(t, 1, logs.Len())

		w.Flush()
		entries := logs.AllUntimed()
		require.Len(t, entries, 2)
		assert.Equal(t, "no newline", entries[1].Message)

		w.Flush()
		assert.Equal(t, 2, logs.Len())
	})

	t.Run("long output without newlines is split", func(t *testing.T) {
		core, logs := newObservedLogger()
		w := newLogWriter(core)

		_, err := w.Write(bytes.Repeat([]byte("x"), 2*maxLogLine+10))
		require.NoError(t, err)
		assert.Equal(t, 2, logs.Len())
		assert.Len(t, w.buf, 10)
	})

	t.Run("supervisor flushes on exit", func(t *testing.T) {
		core, logs := newObservedLogger()
		launcher := newFakeLauncher()
		sup := NewSupervisor(SupervisorConfig{Launcher: launcher, Log: core})
		require.NoError(t, sup.Start("worker"))
		p := launcher.next(t)

		launcher.mu.Lock()
		stdout := launcher.specs[0].Stdout
		launcher.mu.Unlock()
		_, err := stdout.Write([]byte("last words"))
		require.NoError(t, err)

		done := sup.Stop()
		p.exitWith(0)
		waitClosed(t, done)
		assert.Equal(t, 1, logs.FilterMessage("last words").Len())
	})
}
