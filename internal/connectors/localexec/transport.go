package localexec

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fentz26/ninjateam/internal/connectors"
	"github.com/fentz26/ninjateam/internal/models"
)

// Transport treats every host as the current machine. It backs the "local"
// protocol, which runs several agents on one box on distinct ports.
type Transport struct {
	exec *LocalExec
}

// NewTransport creates a local transport. Deployment commands are not
// subject to the build command allowlist.
func NewTransport() *Transport {
	return &Transport{exec: New("", nil)}
}

// Name returns the protocol name.
func (t *Transport) Name() string { return "local" }

// Ping always succeeds; the local machine is reachable by definition.
func (t *Transport) Ping(ctx context.Context, host models.HostRecord) error {
	return ctx.Err()
}

// Mkdir ensures dir exists.
func (t *Transport) Mkdir(ctx context.Context, host models.HostRecord, dir string) error {
	if err := os.MkdirAll(hostDir(host, dir), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	return nil
}

// Push writes files under dir.
func (t *Transport) Push(ctx context.Context, host models.HostRecord, dir string, files []connectors.File) error {
	root := hostDir(host, dir)
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := filepath.Join(root, filepath.FromSlash(f.Name))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
		mode := os.FileMode(f.Mode)
		if mode == 0 {
			mode = 0644
		}
		if err := os.WriteFile(path, f.Data, mode); err != nil {
			return fmt.Errorf("write %s: %w", f.Name, err)
		}
	}
	return nil
}

// Execute runs cmd locally.
func (t *Transport) Execute(ctx context.Context, host models.HostRecord, cmd connectors.Command) (*connectors.ExecResult, error) {
	if cmd.Dir != "" {
		cmd.Dir = hostDir(host, cmd.Dir)
	}
	return t.exec.Execute(ctx, cmd)
}

// Start launches cmd in its own session so it outlives the caller.
func (t *Transport) Start(ctx context.Context, host models.HostRecord, dir string, cmd connectors.Command) error {
	root := hostDir(host, dir)
	logFile, err := os.OpenFile(filepath.Join(root, connectors.LogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open agent log: %w", err)
	}
	defer logFile.Close()

	var execCmd *exec.Cmd
	if cmd.Script != "" {
		execCmd = exec.Command("/bin/sh", "-c", cmd.Script)
	} else {
		execCmd = exec.Command(cmd.Name, cmd.Args...)
	}
	execCmd.Dir = root
	execCmd.Stdout = logFile
	execCmd.Stderr = logFile
	if len(cmd.Env) > 0 {
		execCmd.Env = append(os.Environ(), cmd.Env...)
	}
	configureDetached(execCmd)

	if err := execCmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", cmd.Program(), err)
	}
	pid := execCmd.Process.Pid
	if err := execCmd.Process.Release(); err != nil {
		return fmt.Errorf("release process: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, connectors.PIDFile), []byte(strconv.Itoa(pid)), 0644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// Stop terminates the process recorded in dir.
func (t *Transport) Stop(ctx context.Context, host models.HostRecord, dir string) error {
	pid, err := ReadPID(filepath.Join(hostDir(host, dir), connectors.PIDFile))
	if err != nil {
		return err
	}
	return terminate(pid)
}

// Close is a no-op.
func (t *Transport) Close() error { return nil }

// ReadPID parses a pid file.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %s", path)
	}
	return pid, nil
}

// hostDir keeps agents for different ports apart on one machine.
func hostDir(host models.HostRecord, dir string) string {
	dir = ExpandHome(dir)
	if host.Port == 0 || host.Port == models.DefaultPort {
		return dir
	}
	return filepath.Join(dir, "port-"+strconv.Itoa(host.Port))
}
