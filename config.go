package offload

import (
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment variable read by LoadConfig.
const EnvPrefix = "OFFLOAD"

// Environment variables the supervisor sets on the worker process.
const (
	EnvWorkerMode = EnvPrefix + "_WORKER_MODE"
	EnvSpawnID    = EnvPrefix + "_SPAWN_ID"
	EnvHost       = EnvPrefix + "_HOST"
	EnvPort       = EnvPrefix + "_PORT"
	EnvCodec      = EnvPrefix + "_CODEC"
	EnvSupervisor = EnvPrefix + "_SUPERVISOR_PID"
)

// Config holds offload configuration for both the host and the worker.
type Config struct {
	// Set by the supervisor when it launches a worker.
	WorkerMode    bool   `envconfig:"WORKER_MODE" toml:"-"`
	SpawnID       string `envconfig:"SPAWN_ID" toml:"-"`
	SupervisorPID int    `envconfig:"SUPERVISOR_PID" toml:"-"`

	// Link between host and worker. Port 0 picks a free port.
	Host  string `envconfig:"HOST" default:"127.0.0.1" toml:"host"`
	Port  int    `envconfig:"PORT" default:"0" toml:"port"`
	Codec string `envconfig:"CODEC" default:"msgpack" toml:"codec"`

	// Worker launch
	Runtime     string   `envconfig:"RUNTIME" toml:"runtime"`
	RuntimeArgs []string `envconfig:"RUNTIME_ARGS" toml:"runtime_args"`

	// Timeouts
	StopGracePeriod  time.Duration `envconfig:"STOP_GRACE_PERIOD" default:"2s" toml:"stop_grace_period"`
	RestartDelay     time.Duration `envconfig:"RESTART_DELAY" default:"0s" toml:"restart_delay"`
	ReadyTimeout     time.Duration `envconfig:"READY_TIMEOUT" default:"5s" toml:"ready_timeout"`
	LivenessInterval time.Duration `envconfig:"LIVENESS_INTERVAL" default:"1s" toml:"liveness_interval"`

	// RegistryFile records live workers; empty uses the temp directory.
	RegistryFile string `envconfig:"REGISTRY_FILE" toml:"registry_file"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info" toml:"log_level"`

	// ConfigFile is an optional TOML file. Environment variables win over it.
	ConfigFile string `envconfig:"CONFIG_FILE" toml:"-"`
}

// LoadConfig loads configuration from environment variables and, when
// OFFLOAD_CONFIG_FILE is set, from that TOML file.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process(EnvPrefix, &c); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	if c.ConfigFile != "" {
		if err := c.overlayFile(c.ConfigFile); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

// overlayFile copies the keys set in a TOML file into c, skipping fields
// whose environment variable is set.
func (c *Config) overlayFile(path string) error {
	var fileCfg Config
	md, err := toml.DecodeFile(path, &fileCfg)
	if err != nil {
		return fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown keys in %s: %v", path, undecoded)
	}

	dst := reflect.ValueOf(c).Elem()
	src := reflect.ValueOf(&fileCfg).Elem()
	t := dst.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		key := f.Tag.Get("toml")
		if key == "" || key == "-" || !md.IsDefined(key) {
			continue
		}
		if _, fromEnv := os.LookupEnv(EnvPrefix + "_" + f.Tag.Get("envconfig")); fromEnv {
			continue
		}
		dst.Field(i).Set(src.Field(i))
	}
	return nil
}

// Validate checks the configuration before it is used.
func (c *Config) Validate() error {
	if _, err := NewCodec(c.Codec); err != nil {
		return err
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range (0-65535)", c.Port)
	}
	if c.Host == "" {
		return fmt.Errorf("%s is required", EnvHost)
	}
	if c.StopGracePeriod < 0 {
		return fmt.Errorf("stop grace period must not be negative")
	}
	if c.RestartDelay < 0 {
		return fmt.Errorf("restart delay must not be negative")
	}
	if c.ReadyTimeout <= 0 {
		return fmt.Errorf("ready timeout must be positive")
	}
	if c.LivenessInterval <= 0 {
		return fmt.Errorf("liveness interval must be positive")
	}
	return nil
}

// ValidateForWorker checks the settings a worker process needs from its supervisor.
func (c *Config) ValidateForWorker() error {
	if !c.WorkerMode {
		return fmt.Errorf("%s is not set: workers must be launched by a supervisor", EnvWorkerMode)
	}
	if c.Port == 0 {
		return fmt.Errorf("%s is required in worker mode", EnvPort)
	}
	return c.Validate()
}
