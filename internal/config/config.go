// Package config loads and validates the team configuration document.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the team configuration.
type Config struct {
	BuildEngine     BuildEngine     `json:"build_engine" yaml:"build_engine"`
	Cache           Cache           `json:"cache" yaml:"cache"`
	RemoteExecution RemoteExecution `json:"remote_execution" yaml:"remote_execution"`
	Recursive       Recursive       `json:"recursive" yaml:"recursive"`
	Distribution    Distribution    `json:"distribution" yaml:"distribution"`
	Events          Events          `json:"events" yaml:"events"`
	// MaxAgents caps the host registry.
	MaxAgents int `json:"max_agents" yaml:"max_agents"`
}

// BuildEngine controls dispatch capacity and failure tolerance.
type BuildEngine struct {
	MaxParallelJobs JobLimit `json:"max_parallel_jobs" yaml:"max_parallel_jobs"`
	FailurePolicy   string   `json:"failure_policy" yaml:"failure_policy"`
	MaxFailedUnits  int      `json:"max_failed_units" yaml:"max_failed_units"`
	BuildDir        string   `json:"build_dir" yaml:"build_dir"`
	GracePeriodSec  int      `json:"grace_period" yaml:"grace_period"`
}

// Cache governs the artifact cache. CCLauncher names a compiler cache such
// as ccache that wraps compilers on hosts that have it; empty disables it.
type Cache struct {
	Enabled          bool        `json:"enabled" yaml:"enabled"`
	Dir              string      `json:"dir" yaml:"dir"`
	MaxSizeGB        float64     `json:"max_size_gb" yaml:"max_size_gb"`
	TTLDays          int         `json:"ttl_days" yaml:"ttl_days"`
	PruneStrategy    string      `json:"prune_strategy" yaml:"prune_strategy"`
	Compression      string      `json:"compression" yaml:"compression"`
	CompressionLevel int         `json:"compression_level" yaml:"compression_level"`
	CCLauncher       string      `json:"cc_launcher" yaml:"cc_launcher"`
	Remote           RemoteCache `json:"remote" yaml:"remote"`
}

// RemoteCache configures the shared object-store tier.
type RemoteCache struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Bucket    string `json:"bucket" yaml:"bucket"`
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	UseSSL    bool   `json:"use_ssl" yaml:"use_ssl"`
}

// RemoteExecution governs transports, probing and recovery.
type RemoteExecution struct {
	Protocol          string   `json:"protocol" yaml:"protocol"`
	TimeoutSec        int      `json:"timeout" yaml:"timeout"`
	ConnectTimeoutSec int      `json:"connect_timeout" yaml:"connect_timeout"`
	RetryAttempts     int      `json:"retry_attempts" yaml:"retry_attempts"`
	HeartbeatInterval int      `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	HeartbeatMisses   int      `json:"heartbeat_misses" yaml:"heartbeat_misses"`
	SSH               SSH      `json:"ssh" yaml:"ssh"`
	WorkDir           string   `json:"work_dir" yaml:"work_dir"`
	ParallelDeploy    bool     `json:"parallel_deploy" yaml:"parallel_deploy"`
	PersistAgents     bool     `json:"persist_agents" yaml:"persist_agents"`
	AllowedCommands   []string `json:"allowed_commands" yaml:"allowed_commands"`
}

// SSH holds SSH transport settings.
type SSH struct {
	User       string `json:"user" yaml:"user"`
	KeyFile    string `json:"key_file" yaml:"key_file"`
	Port       int    `json:"port" yaml:"port"`
	KnownHosts string `json:"known_hosts" yaml:"known_hosts"`
}

// Recursive governs nested sub-builds.
type Recursive struct {
	Enabled             bool   `json:"enabled" yaml:"enabled"`
	MaxDepth            int    `json:"max_depth" yaml:"max_depth"`
	FanOutLimit         int    `json:"fan_out_limit" yaml:"fan_out_limit"`
	NodeFailureHandling string `json:"node_failure_handling" yaml:"node_failure_handling"`
}

// Distribution selects the dispatch policy.
type Distribution struct {
	SchedulingAlgorithm string `json:"scheduling_algorithm" yaml:"scheduling_algorithm"`
	LoadBalancing       string `json:"load_balancing" yaml:"load_balancing"`
	TaskStealing        bool   `json:"task_stealing" yaml:"task_stealing"`
}

// Events configures build event publishing.
type Events struct {
	NATSURL string `json:"nats_url" yaml:"nats_url"`
	Subject string `json:"subject" yaml:"subject"`
}

// JobLimit is an integer job count or "auto" (host CPU count).
type JobLimit struct {
	Auto  bool
	Value int
}

// Resolve returns the effective job limit.
func (j JobLimit) Resolve() int {
	if j.Auto || j.Value <= 0 {
		return runtime.NumCPU()
	}
	return j.Value
}

// String renders the limit the way it is written in config.
func (j JobLimit) String() string {
	if j.Auto {
		return "auto"
	}
	return strconv.Itoa(j.Value)
}

// MarshalJSON encodes the limit back to its config form.
func (j JobLimit) MarshalJSON() ([]byte, error) {
	if j.Auto {
		return []byte(`"auto"`), nil
	}
	return []byte(strconv.Itoa(j.Value)), nil
}

// UnmarshalJSON accepts "auto", a number, or a numeric string.
func (j *JobLimit) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return j.set(raw)
}

// UnmarshalYAML accepts the same forms as UnmarshalJSON.
func (j *JobLimit) UnmarshalYAML(node *yaml.Node) error {
	var raw interface{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return j.set(raw)
}

func (j *JobLimit) set(raw interface{}) error {
	switch v := raw.(type) {
	case string:
		if strings.EqualFold(v, "auto") {
			*j = JobLimit{Auto: true}
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("max_parallel_jobs: %q is neither a number nor \"auto\"", v)
		}
		*j = JobLimit{Value: n}
	case float64:
		*j = JobLimit{Value: int(v)}
	case int:
		*j = JobLimit{Value: v}
	default:
		return fmt.Errorf("max_parallel_jobs: unsupported value %v", raw)
	}
	return nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		BuildEngine: BuildEngine{
			MaxParallelJobs: JobLimit{Auto: true},
			FailurePolicy:   FailFast,
			BuildDir:        "build",
			GracePeriodSec:  10,
		},
		Cache: Cache{
			Enabled:          true,
			Dir:              ".ninja_cache",
			MaxSizeGB:        10,
			TTLDays:          30,
			PruneStrategy:    "lru",
			Compression:      "zstd",
			CompressionLevel: 2,
			CCLauncher:       "ccache",
		},
		RemoteExecution: RemoteExecution{
			Protocol:          "ssh",
			TimeoutSec:        300,
			ConnectTimeoutSec: 5,
			RetryAttempts:     3,
			HeartbeatInterval: 5,
			HeartbeatMisses:   3,
			SSH:               SSH{Port: 22},
			WorkDir:           "~/.ninja-team",
			ParallelDeploy:    true,
		},
		Recursive: Recursive{
			MaxDepth:            3,
			FanOutLimit:         4,
			NodeFailureHandling: "redistribute",
		},
		Distribution: Distribution{
			SchedulingAlgorithm: "critical_path",
			LoadBalancing:       "least_completed",
			TaskStealing:        true,
		},
		Events: Events{
			Subject: "ninjateam.events",
		},
		MaxAgents: 64,
	}
}

// Failure policies.
const (
	FailFast = "fail_fast"
	Tolerate = "tolerate"
)

// ParseError reports a malformed configuration document.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Load reads path over the defaults. An empty path returns Default().
// Files ending in .yaml or .yml are YAML; everything else is JSON, which may
// carry comments and trailing commas.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	doc, err := normalize(path, data)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	if err := validateSchema(doc); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	if err := json.Unmarshal(doc, cfg); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	return cfg, nil
}

// normalize converts either supported syntax into plain JSON.
func normalize(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
		if doc == nil {
			doc = map[string]interface{}{}
		}
		out, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("convert yaml: %w", err)
		}
		return out, nil
	default:
		return stripJSONComments(data), nil
	}
}

// Validate checks cross-field constraints the schema cannot express.
func (c *Config) Validate() error {
	if c.BuildEngine.FailurePolicy != FailFast && c.BuildEngine.FailurePolicy != Tolerate {
		return fmt.Errorf("build_engine.failure_policy must be %q or %q", FailFast, Tolerate)
	}
	if c.Cache.Enabled && c.Cache.Dir == "" {
		return fmt.Errorf("cache.dir cannot be empty when the cache is enabled")
	}
	if c.Cache.Remote.Endpoint != "" && c.Cache.Remote.Bucket == "" {
		return fmt.Errorf("cache.remote.bucket is required with an endpoint")
	}
	if c.RemoteExecution.RetryAttempts < 1 {
		return fmt.Errorf("remote_execution.retry_attempts must be at least 1")
	}
	if c.RemoteExecution.HeartbeatInterval <= 0 {
		return fmt.Errorf("remote_execution.heartbeat_interval must be positive")
	}
	if c.Recursive.MaxDepth < 1 {
		return fmt.Errorf("recursive.max_depth must be at least 1")
	}
	if c.MaxAgents < 1 {
		return fmt.Errorf("max_agents must be at least 1")
	}
	return nil
}

// CacheBound returns the cache size bound in bytes.
func (c *Config) CacheBound() int64 {
	return int64(c.Cache.MaxSizeGB * (1 << 30))
}

// UnitTimeout is the allotted time for one dispatched unit.
func (c *Config) UnitTimeout() time.Duration {
	return time.Duration(c.RemoteExecution.TimeoutSec) * time.Second
}

// ConnectTimeout bounds a single connectivity probe.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.RemoteExecution.ConnectTimeoutSec) * time.Second
}

// HeartbeatEvery is the agent health-check interval.
func (c *Config) HeartbeatEvery() time.Duration {
	return time.Duration(c.RemoteExecution.HeartbeatInterval) * time.Second
}

// GracePeriod is how long in-flight units may run after an abort.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.BuildEngine.GracePeriodSec) * time.Second
}
