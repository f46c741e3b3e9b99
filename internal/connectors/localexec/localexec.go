// Package localexec runs commands on the current machine, optionally
// restricted to an allowlist of programs.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/fentz26/ninjateam/internal/connectors"
)

const waitDelay = 2 * time.Second

// ErrNotAllowed is returned for commands outside the allowlist.
var ErrNotAllowed = errors.New("command not allowed")

// LocalExec implements the Connector interface for local command execution.
type LocalExec struct {
	workDir string
	allowed map[string]bool
	env     []string
}

// New creates a new LocalExec connector. An empty allowlist permits any
// program.
func New(workDir string, allowed []string) *LocalExec {
	l := &LocalExec{workDir: workDir}
	if len(allowed) > 0 {
		l.allowed = make(map[string]bool, len(allowed))
		for _, p := range allowed {
			l.allowed[p] = true
		}
	}
	return l
}

// SetEnv adds variables to every command this connector runs. Variables set
// on a Command take precedence. Call it before the connector is shared.
func (l *LocalExec) SetEnv(env []string) {
	l.env = append([]string(nil), env...)
}

// Name returns the connector identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// IsAllowed checks if the command's program is in the allowlist.
func (l *LocalExec) IsAllowed(cmd connectors.Command) bool {
	program := cmd.Program()
	if program == "" {
		return false
	}
	if l.allowed == nil {
		return true
	}
	return l.allowed[program] || l.allowed[filepath.Base(program)]
}

// Execute runs a command if it's in the allowlist.
func (l *LocalExec) Execute(ctx context.Context, cmd connectors.Command) (*connectors.ExecResult, error) {
	if !l.IsAllowed(cmd) {
		return nil, fmt.Errorf("%w: %s", ErrNotAllowed, cmd.String())
	}

	execCmd := l.command(ctx, cmd)

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr
	execCmd.Stdin = cmd.Stdin

	start := time.Now()
	err := execCmd.Run()

	exitCode := 0
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) && ctx.Err() == nil {
			exitCode = exitError.ExitCode()
		} else if ctx.Err() != nil {
			return nil, fmt.Errorf("exec %s: %w", cmd.Program(), ctx.Err())
		} else {
			return nil, fmt.Errorf("exec error: %w", err)
		}
	}

	return &connectors.ExecResult{
		Command:  cmd.String(),
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}, nil
}

func (l *LocalExec) command(ctx context.Context, cmd connectors.Command) *exec.Cmd {
	var execCmd *exec.Cmd
	if cmd.Script != "" {
		execCmd = exec.CommandContext(ctx, "/bin/sh", "-c", cmd.Script)
	} else {
		execCmd = exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	}
	switch {
	case cmd.Dir != "":
		execCmd.Dir = ExpandHome(cmd.Dir)
	case l.workDir != "":
		execCmd.Dir = l.workDir
	}
	if len(l.env) > 0 || len(cmd.Env) > 0 {
		env := append(os.Environ(), l.env...)
		execCmd.Env = append(env, cmd.Env...)
	}
	// Children holding stdout open must not outlive a cancelled context.
	execCmd.WaitDelay = waitDelay
	return execCmd
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && (len(path) < 2 || path[:2] != "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
