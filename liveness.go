package offload

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"
)

// DefaultLivenessInterval is how often a worker checks its supervisor.
const DefaultLivenessInterval = time.Second

// LivenessMonitor runs inside the worker and exits the process with
// OrphanExitCode once the connection to the supervisor is gone.
type LivenessMonitor struct {
	Interval  time.Duration
	Connected func() bool
	// Exit terminates the process; os.Exit when nil.
	Exit func(code int)
	Log  *zap.SugaredLogger
}

// Run checks the connection every Interval until ctx is done or the
// connection is lost.
func (m *LivenessMonitor) Run(ctx context.Context) {
	interval := m.Interval
	if interval <= 0 {
		interval = DefaultLivenessInterval
	}
	exit := m.Exit
	if exit == nil {
		exit = os.Exit
	}
	log := m.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !m.Connected() {
			log.Warnw("lost connection to supervisor, exiting", "code", OrphanExitCode)
			_ = log.Sync()
			exit(OrphanExitCode)
			return
		}
	}
}

// supervisorAlive returns a check that fails once the supervisor is gone.
// With a known supervisor pid it probes that process, which also works
// when a runtime wrapper sits between us. Otherwise it watches for this
// process being re-parented.
func supervisorAlive(supervisorPID int) func() bool {
	if supervisorPID > 0 {
		return func() bool {
			return processAlive(supervisorPID)
		}
	}
	ppid := os.Getppid()
	return func() bool {
		return ppid > 1 && os.Getppid() == ppid
	}
}
