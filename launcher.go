package offload

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"time"
)

// outputWaitDelay bounds how long Wait keeps reading a worker's output
// after it exits, in case a descendant still holds the pipes.
const outputWaitDelay = 2 * time.Second

// LaunchSpec describes one worker process to start.
type LaunchSpec struct {
	// Path is the worker entry point.
	Path string
	// Runtime, if set, is the program that runs Path (e.g. "go" with
	// RuntimeArgs ["run"]). Otherwise Path is executed directly.
	Runtime     string
	RuntimeArgs []string
	// Args are appended after Path.
	Args []string
	Dir  string
	Env  []string

	Stdout io.Writer
	Stderr io.Writer
}

// Executable returns the program that will actually be executed.
func (s LaunchSpec) Executable() string {
	if s.Runtime != "" {
		return s.Runtime
	}
	return s.Path
}

// Argv returns the arguments passed after the executable.
func (s LaunchSpec) Argv() []string {
	var args []string
	if s.Runtime != "" {
		args = append(args, s.RuntimeArgs...)
		args = append(args, s.Path)
	}
	return append(args, s.Args...)
}

// Process is a started worker process.
type Process interface {
	Pid() int
	// Wait blocks until the process exits and returns its exit code
	// (-1 when it was killed by a signal).
	Wait() (int, error)
	Signal(sig os.Signal) error
	Kill() error
}

// Launcher starts worker processes.
type Launcher interface {
	Launch(spec LaunchSpec) (Process, error)
}

// ExecLauncher starts workers as OS processes.
type ExecLauncher struct{}

func (ExecLauncher) Launch(spec LaunchSpec) (Process, error) {
	cmd := exec.Command(spec.Executable(), spec.Argv()...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.WaitDelay = outputWaitDelay
	// the worker leads its own process group so signals also reach
	// processes started by a runtime wrapper
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if p.cmd.ProcessState == nil {
		return -1, err
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return p.cmd.ProcessState.ExitCode(), err
	}
	return p.cmd.ProcessState.ExitCode(), nil
}

func (p *execProcess) Signal(sig os.Signal) error {
	return signalGroup(p.cmd.Process, sig)
}

func (p *execProcess) Kill() error {
	return signalGroup(p.cmd.Process, os.Kill)
}

// isExecutableNotFound reports whether err means the executable itself
// is missing, in which case restarting cannot help.
func isExecutableNotFound(err error, executable string) bool {
	if errors.Is(err, exec.ErrNotFound) {
		return true
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return pathErr.Path == executable && errors.Is(pathErr.Err, fs.ErrNotExist)
	}
	return false
}
