package offload

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

const RegistryFileName = "offload_workers.json"

var ErrWorkerNotFound = errors.New("worker not found")

// WorkerInfo holds registration data for one supervised worker
type WorkerInfo struct {
	Path          string    `json:"path"`
	PID           int       `json:"pid"`
	SupervisorPID int       `json:"supervisor_pid"`
	Port          int       `json:"port"`
	Codec         string    `json:"codec"`
	StartTime     time.Time `json:"start_time"`
	Restarts      int       `json:"restarts"`
}

// WorkerRegistry records live workers in a JSON file so tooling can list
// them. It is informational; nothing routes through it.
type WorkerRegistry struct {
	mu       sync.Mutex
	filePath string
}

// NewWorkerRegistry opens the registry at path, or at the default
// location in the temp directory when path is empty.
func NewWorkerRegistry(path string) *WorkerRegistry {
	if path == "" {
		path = DefaultRegistryPath()
	}
	return &WorkerRegistry{filePath: path}
}

// DefaultRegistryPath returns the registry file used when none is configured
func DefaultRegistryPath() string {
	return filepath.Join(os.TempDir(), RegistryFileName)
}

// Path returns the registry file path
func (r *WorkerRegistry) Path() string {
	return r.filePath
}

func (r *WorkerRegistry) load() (map[string]WorkerInfo, error) {
	workers := make(map[string]WorkerInfo)
	data, err := os.ReadFile(r.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return workers, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return workers, nil
	}
	if err := json.Unmarshal(data, &workers); err != nil {
		return nil, err
	}
	return workers, nil
}

func (r *WorkerRegistry) save(workers map[string]WorkerInfo) error {
	data, err := json.MarshalIndent(workers, "", "  ")
	if err != nil {
		return err
	}
	tmp := r.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, r.filePath)
}

// Put records or replaces the entry for name
func (r *WorkerRegistry) Put(name string, info WorkerInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	workers, err := r.load()
	if err != nil {
		return err
	}
	workers[name] = info
	return r.save(workers)
}

// Remove deletes the entry for name
func (r *WorkerRegistry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	workers, err := r.load()
	if err != nil {
		return err
	}
	if _, ok := workers[name]; !ok {
		return nil
	}
	delete(workers, name)
	return r.save(workers)
}

// Get returns the entry for name
func (r *WorkerRegistry) Get(name string) (WorkerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	workers, err := r.load()
	if err != nil {
		return WorkerInfo{}, err
	}
	info, ok := workers[name]
	if !ok {
		return WorkerInfo{}, ErrWorkerNotFound
	}
	return info, nil
}

// List returns all registered workers
func (r *WorkerRegistry) List() (map[string]WorkerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load()
}

// Prune removes entries whose supervisor is no longer running and
// returns their names.
func (r *WorkerRegistry) Prune() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	workers, err := r.load()
	if err != nil {
		return nil, err
	}
	var pruned []string
	for name, info := range workers {
		if !processAlive(info.SupervisorPID) {
			delete(workers, name)
			pruned = append(pruned, name)
		}
	}
	if len(pruned) == 0 {
		return nil, nil
	}
	return pruned, r.save(workers)
}

// processAlive checks if a process with the given PID is running
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 only checks that the process exists
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
