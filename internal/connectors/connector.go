// Package connectors defines how ninjateam runs commands: the Connector
// interface executes build commands on the current machine, and Transport
// reaches a build host to push the agent bundle and control its process.
package connectors

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/fentz26/ninjateam/internal/models"
)

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Command  string        `json:"command"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// Success reports whether the command exited zero.
func (r *ExecResult) Success() bool {
	return r != nil && r.ExitCode == 0
}

// Command describes one process invocation.
type Command struct {
	Name string
	Args []string
	// Script is run through /bin/sh -c when set; Name and Args are ignored.
	Script string
	Dir    string
	Env    []string
	Stdin  io.Reader
}

// Shell returns a Command running script in dir.
func Shell(script, dir string) Command {
	return Command{Script: script, Dir: dir}
}

// Program returns the executable the command starts.
func (c Command) Program() string {
	if c.Script != "" {
		fields := strings.Fields(c.Script)
		if len(fields) == 0 {
			return ""
		}
		return fields[0]
	}
	return c.Name
}

// String renders the command for logs and results.
func (c Command) String() string {
	if c.Script != "" {
		return c.Script
	}
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Connector executes commands on the current machine.
type Connector interface {
	// Name returns the connector identifier.
	Name() string

	// Execute runs a command and returns the result. A non-zero exit is
	// reported in the result, not as an error.
	Execute(ctx context.Context, cmd Command) (*ExecResult, error)

	// IsAllowed checks if a command is allowed to execute.
	IsAllowed(cmd Command) bool
}

// File is one file of an agent bundle.
type File struct {
	Name string
	Mode int64
	Data []byte
}

// Transport reaches a build host. One implementation exists per protocol
// (ssh, local, container); the protocol is selected by configuration.
type Transport interface {
	// Name returns the protocol name.
	Name() string

	// Ping performs a lightweight handshake with the host.
	Ping(ctx context.Context, host models.HostRecord) error

	// Mkdir ensures dir exists on the host.
	Mkdir(ctx context.Context, host models.HostRecord, dir string) error

	// Push writes files under dir on the host.
	Push(ctx context.Context, host models.HostRecord, dir string, files []File) error

	// Execute runs cmd on the host and waits for it.
	Execute(ctx context.Context, host models.HostRecord, cmd Command) (*ExecResult, error)

	// Start launches cmd in dir detached from the transport connection. The
	// process id is recorded in dir so Stop can find it.
	Start(ctx context.Context, host models.HostRecord, dir string, cmd Command) error

	// Stop terminates the process started in dir.
	Stop(ctx context.Context, host models.HostRecord, dir string) error

	// Close releases pooled connections.
	Close() error
}

// PIDFile is the name of the process id file written by Start.
const PIDFile = "agent.pid"

// LogFile receives the output of a started process.
const LogFile = "agent.log"

// Quote returns s quoted for a POSIX shell. A leading "~/" is left
// expandable.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.HasPrefix(s, "~/") {
		return `"$HOME"/` + Quote(s[2:])
	}
	if s == "~" {
		return `"$HOME"`
	}
	if strings.IndexFunc(s, needsQuote) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./=:,+@%", r)
}

// CommandLine renders cmd as a single shell command line.
func CommandLine(cmd Command) string {
	var b strings.Builder
	if cmd.Dir != "" {
		b.WriteString("cd ")
		b.WriteString(Quote(cmd.Dir))
		b.WriteString(" && ")
	}
	for _, e := range cmd.Env {
		b.WriteString(Quote(e))
		b.WriteByte(' ')
	}
	if cmd.Script != "" {
		b.WriteString("sh -c ")
		b.WriteString(Quote(cmd.Script))
		return b.String()
	}
	b.WriteString(Quote(cmd.Name))
	for _, a := range cmd.Args {
		b.WriteByte(' ')
		b.WriteString(Quote(a))
	}
	return b.String()
}
