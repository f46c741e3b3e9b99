// Package containerexec implements the container transport: each host
// address names a running container reached through the docker CLI.
package containerexec

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/fentz26/ninjateam/internal/connectors"
	"github.com/fentz26/ninjateam/internal/models"
)

// Transport drives containers through a container CLI.
type Transport struct {
	runner connectors.Connector
	cli    string
}

// New creates a container transport. runner executes the CLI locally;
// cli is the binary name (docker, podman), docker when empty.
func New(runner connectors.Connector, cli string) *Transport {
	if cli == "" {
		cli = "docker"
	}
	return &Transport{runner: runner, cli: cli}
}

// Name returns the protocol name.
func (t *Transport) Name() string { return "container" }

func (t *Transport) docker(ctx context.Context, stdin []byte, args ...string) (*connectors.ExecResult, error) {
	cmd := connectors.Command{Name: t.cli, Args: args}
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	res, err := t.runner.Execute(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (t *Transport) check(res *connectors.ExecResult, err error) error {
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%s: exit %d: %s", res.Command, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (t *Transport) shell(ctx context.Context, host models.HostRecord, script string, stdin []byte) (*connectors.ExecResult, error) {
	args := []string{"exec"}
	if stdin != nil {
		args = append(args, "-i")
	}
	args = append(args, host.Address, "sh", "-c", script)
	return t.docker(ctx, stdin, args...)
}

// Ping checks that the container is running.
func (t *Transport) Ping(ctx context.Context, host models.HostRecord) error {
	res, err := t.docker(ctx, nil, "inspect", "-f", "{{.State.Running}}", host.Address)
	if err := t.check(res, err); err != nil {
		return err
	}
	if strings.TrimSpace(res.Stdout) != "true" {
		return fmt.Errorf("container %s is not running", host.Address)
	}
	return nil
}

// Mkdir ensures dir exists inside the container.
func (t *Transport) Mkdir(ctx context.Context, host models.HostRecord, dir string) error {
	return t.check(t.shell(ctx, host, "mkdir -p "+connectors.Quote(dir), nil))
}

// Push streams files as a tar archive into dir.
func (t *Transport) Push(ctx context.Context, host models.HostRecord, dir string, files []connectors.File) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, f := range files {
		mode := f.Mode
		if mode == 0 {
			mode = 0644
		}
		if err := tw.WriteHeader(&tar.Header{Name: f.Name, Mode: mode, Size: int64(len(f.Data)), ModTime: time.Now()}); err != nil {
			return fmt.Errorf("write tar header: %w", err)
		}
		if _, err := tw.Write(f.Data); err != nil {
			return fmt.Errorf("write tar entry: %w", err)
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	script := "mkdir -p " + connectors.Quote(dir) + " && tar -xf - -C " + connectors.Quote(dir)
	return t.check(t.shell(ctx, host, script, buf.Bytes()))
}

// Execute runs cmd inside the container.
func (t *Transport) Execute(ctx context.Context, host models.HostRecord, cmd connectors.Command) (*connectors.ExecResult, error) {
	return t.shell(ctx, host, connectors.CommandLine(cmd), nil)
}

// Start launches cmd detached inside the container.
func (t *Transport) Start(ctx context.Context, host models.HostRecord, dir string, cmd connectors.Command) error {
	cmd.Dir = ""
	line := connectors.CommandLine(cmd)
	if len(cmd.Env) > 0 {
		line = "env " + line
	}
	script := fmt.Sprintf("cd %s && (nohup %s > %s 2>&1 < /dev/null & echo $! > %s)",
		connectors.Quote(dir), line, connectors.LogFile, connectors.PIDFile)
	return t.check(t.docker(ctx, nil, "exec", "-d", host.Address, "sh", "-c", script))
}

// Stop signals the process recorded in dir.
func (t *Transport) Stop(ctx context.Context, host models.HostRecord, dir string) error {
	pidFile := connectors.Quote(path.Join(dir, connectors.PIDFile))
	return t.check(t.shell(ctx, host, "kill -TERM $(cat "+pidFile+") && rm -f "+pidFile, nil))
}

// Close is a no-op.
func (t *Transport) Close() error { return nil }
