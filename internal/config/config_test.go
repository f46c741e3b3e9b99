package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.BuildEngine.MaxParallelJobs.Auto)
	assert.Equal(t, runtime.NumCPU(), cfg.BuildEngine.MaxParallelJobs.Resolve())
	assert.Equal(t, 3, cfg.RemoteExecution.RetryAttempts)
	assert.Equal(t, "lru", cfg.Cache.PruneStrategy)
	assert.Equal(t, int64(10)<<30, cfg.CacheBound())
	assert.Equal(t, "ccache", cfg.Cache.CCLauncher)
}

func TestLoad_JSONWithComments(t *testing.T) {
	path := writeFile(t, "team.json", `{
		// fleet sizing
		"build_engine": {"max_parallel_jobs": 12, "failure_policy": "tolerate", "max_failed_units": 2},
		"cache": {"max_size_gb": 0.5, "compression": "lz4", "cc_launcher": "sccache"},
		"remote_execution": {"protocol": "local", "retry_attempts": 5,},
		"recursive": {"enabled": true, "max_depth": 4},
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.BuildEngine.MaxParallelJobs.Resolve())
	assert.Equal(t, Tolerate, cfg.BuildEngine.FailurePolicy)
	assert.Equal(t, 2, cfg.BuildEngine.MaxFailedUnits)
	assert.Equal(t, "lz4", cfg.Cache.Compression)
	assert.Equal(t, "sccache", cfg.Cache.CCLauncher)
	assert.Equal(t, int64(1)<<29, cfg.CacheBound())
	assert.Equal(t, "local", cfg.RemoteExecution.Protocol)
	assert.Equal(t, 5, cfg.RemoteExecution.RetryAttempts)
	assert.True(t, cfg.Recursive.Enabled)
	assert.Equal(t, 4, cfg.Recursive.MaxDepth)
	// untouched sections keep defaults
	assert.Equal(t, "critical_path", cfg.Distribution.SchedulingAlgorithm)
	assert.True(t, cfg.Cache.Enabled)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "team.yaml", `
build_engine:
  max_parallel_jobs: auto
distribution:
  load_balancing: round_robin
  task_stealing: false
events:
  nats_url: nats://127.0.0.1:4222
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.BuildEngine.MaxParallelJobs.Auto)
	assert.Equal(t, "round_robin", cfg.Distribution.LoadBalancing)
	assert.False(t, cfg.Distribution.TaskStealing)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Events.NATSURL)
}

func TestLoad_SchemaRejections(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown section", `{"telemetry": {}}`},
		{"bad protocol", `{"remote_execution": {"protocol": "telnet"}}`},
		{"bad jobs string", `{"build_engine": {"max_parallel_jobs": "lots"}}`},
		{"zero retries", `{"remote_execution": {"retry_attempts": 0}}`},
		{"bad prune strategy", `{"cache": {"prune_strategy": "random"}}`},
		{"not json", `{"cache": `},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "team.json", tt.content))
			require.Error(t, err)
			var perr *ParseError
			assert.True(t, errors.As(err, &perr), "want *ParseError, got %T", err)
		})
	}
}

func TestLoad_CrossFieldValidation(t *testing.T) {
	_, err := Load(writeFile(t, "team.json", `{"cache": {"remote": {"endpoint": "minio:9000"}}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket")
}

func TestJobLimit_NumericString(t *testing.T) {
	var j JobLimit
	require.NoError(t, j.UnmarshalJSON([]byte(`"8"`)))
	assert.Equal(t, 8, j.Resolve())
	assert.Equal(t, "8", j.String())

	out, err := JobLimit{Auto: true}.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"auto"`, string(out))
}
