package offload

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func workerConfig(port, supervisorPID int) *Config {
	return &Config{
		WorkerMode:       true,
		SpawnID:          "spawn-test",
		SupervisorPID:    supervisorPID,
		Host:             "127.0.0.1",
		Port:             port,
		Codec:            CodecMsgpack,
		ReadyTimeout:     time.Second,
		LivenessInterval: time.Hour,
	}
}

// listenForWorker opens the host end of a link and reports hellos.
func listenForWorker(t *testing.T) (*socketLink, int, chan string, chan *Envelope) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping socket test in short mode")
	}
	port, err := findFreePort("127.0.0.1")
	require.NoError(t, err)

	codec, _ := NewCodec(CodecMsgpack)
	link, err := listenLink("tcp://"+net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), codec, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = link.Close() })

	hellos := make(chan string, 4)
	envs := make(chan *Envelope, 16)
	go link.serve(func(env *Envelope) { envs <- env }, func(id string) { hellos <- id })
	return link, port, hellos, envs
}

func TestChildWorker_Setup(t *testing.T) {
	t.Run("refuses to start outside worker mode", func(t *testing.T) {
		cfg := workerConfig(5000, 0)
		cfg.WorkerMode = false
		w, err := NewChildWorker(cfg, nil)
		require.NoError(t, err)
		assert.ErrorContains(t, w.Start(), EnvWorkerMode)
		assert.False(t, w.IsRunning())
	})

	t.Run("unknown codec", func(t *testing.T) {
		cfg := workerConfig(5000, 0)
		cfg.Codec = "bson"
		_, err := NewChildWorker(cfg, nil)
		assert.Error(t, err)
	})

	t.Run("calls before start are rejected", func(t *testing.T) {
		w, err := NewChildWorker(workerConfig(5000, os.Getpid()), nil)
		require.NoError(t, err)
		assert.False(t, w.Connected())
		_, err = w.Call("progress", nil).Result()
		assert.ErrorIs(t, err, ErrNoPeer)
	})

	t.Run("registrations", func(t *testing.T) {
		w, err := NewChildWorker(workerConfig(5000, 0), nil, workerFunctions()...)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"add", "fail", "echo", "channel"}, w.Engine().Responders())
	})
}

func TestChildWorker_Link(t *testing.T) {
	link, port, hellos, envs := listenForWorker(t)

	w, err := NewChildWorker(workerConfig(port, os.Getpid()), nil, workerFunctions()...)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	select {
	case id := <-hellos:
		assert.Equal(t, "spawn-test", id)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not say hello")
	}
	assert.True(t, w.Connected())
	assert.ErrorIs(t, w.Start(), ErrAlreadyRunning)

	require.NoError(t, link.sendEnvelope(NewRequest("add", "call-1", map[string]any{"a": 4, "b": 5})))
	select {
	case env := <-envs:
		assert.False(t, env.Request)
		assert.Equal(t, "add", env.Message)
		assert.Equal(t, "call-1", env.ID)
		var res addResult
		require.NoError(t, Convert(msgpackCodec{}, env.Data, &res))
		assert.Equal(t, 9, res.Sum)
	case <-time.After(2 * time.Second):
		t.Fatal("no reply from worker")
	}

	w.Stop()
	assert.False(t, w.Connected())
	assert.False(t, w.IsRunning())
	waitClosed(t, w.Done())
}

func TestChildWorker_Orphan(t *testing.T) {
	_, port, hellos, _ := listenForWorker(t)

	// a supervisor pid that cannot exist
	cfg := workerConfig(port, 1<<23)
	cfg.LivenessInterval = 10 * time.Millisecond
	w, err := NewChildWorker(cfg, nil)
	require.NoError(t, err)

	codes := make(chan int, 1)
	w.exit = func(code int) { codes <- code }
	require.NoError(t, w.Start())
	defer w.Stop()
	<-hellos

	assert.False(t, w.Connected())
	select {
	case code := <-codes:
		assert.Equal(t, OrphanExitCode, code)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit as orphan")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = w.Call("progress", nil).Await(ctx)
	assert.ErrorIs(t, err, ErrNoPeer)
}
