package localexec

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/fentz26/ninjateam/internal/connectors"
	"github.com/fentz26/ninjateam/internal/models"
)

func TestIsAllowed(t *testing.T) {
	exec := New("", []string{"gcc", "ninja"})

	tests := []struct {
		name    string
		cmd     connectors.Command
		allowed bool
	}{
		{"script program", connectors.Shell("gcc -c a.c -o a.o", ""), true},
		{"absolute path", connectors.Command{Name: "/usr/bin/ninja", Args: []string{"-C", "build"}}, true},
		{"not in allowlist", connectors.Shell("rm -rf /", ""), false},
		{"empty script", connectors.Shell("  ", ""), false},
		{"unknown", connectors.Command{Name: "curl"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := exec.IsAllowed(tt.cmd)
			if got != tt.allowed {
				t.Errorf("IsAllowed(%s) = %v, want %v", tt.cmd, got, tt.allowed)
			}
		})
	}
}

func TestIsAllowed_EmptyAllowlist(t *testing.T) {
	exec := New("", nil)
	if !exec.IsAllowed(connectors.Shell("anything goes", "")) {
		t.Error("Expected empty allowlist to permit any program")
	}
}

func TestExecute_Script(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	dir := t.TempDir()
	exec := New(dir, nil)

	result, err := exec.Execute(context.Background(), connectors.Shell("echo hello > out.txt && echo done", ""))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("Expected exit 0, got %d", result.ExitCode)
	}
	if strings.TrimSpace(result.Stdout) != "done" {
		t.Errorf("Unexpected stdout %q", result.Stdout)
	}
	if data, _ := os.ReadFile(filepath.Join(dir, "out.txt")); strings.TrimSpace(string(data)) != "hello" {
		t.Errorf("Expected command to run in work dir, got %q", data)
	}
}

func TestExecute_NonZeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	exec := New("", nil)

	result, err := exec.Execute(context.Background(), connectors.Shell("echo oops >&2; exit 3", ""))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("Expected exit 3, got %d", result.ExitCode)
	}
	if strings.TrimSpace(result.Stderr) != "oops" {
		t.Errorf("Unexpected stderr %q", result.Stderr)
	}
}

func TestExecute_Timeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	exec := New("", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := exec.Execute(ctx, connectors.Shell("sleep 5", ""))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline error, got %v", err)
	}
}

func TestExecute_NotAllowed(t *testing.T) {
	exec := New("", []string{"gcc"})

	_, err := exec.Execute(context.Background(), connectors.Shell("rm -rf /", ""))
	if !errors.Is(err, ErrNotAllowed) {
		t.Errorf("Expected ErrNotAllowed, got %v", err)
	}
}

func TestName(t *testing.T) {
	exec := New("", nil)
	if exec.Name() != "localexec" {
		t.Errorf("Expected name 'localexec', got %s", exec.Name())
	}
}

func TestTransport_PushExecute(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	root := t.TempDir()
	tr := NewTransport()
	host := models.HostRecord{Address: "localhost", Port: 9001}
	ctx := context.Background()

	if err := tr.Ping(ctx, host); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if err := tr.Mkdir(ctx, host, root); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	files := []connectors.File{
		{Name: "setup.sh", Mode: 0755, Data: []byte("#!/bin/sh\necho ready\n")},
		{Name: "conf/team.json", Data: []byte("{}")},
	}
	if err := tr.Push(ctx, host, root, files); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	hostRoot := filepath.Join(root, "port-9001")
	if _, err := os.Stat(filepath.Join(hostRoot, "conf", "team.json")); err != nil {
		t.Errorf("Expected pushed file under port directory: %v", err)
	}

	result, err := tr.Execute(ctx, host, connectors.Command{Name: "sh", Args: []string{"setup.sh"}, Dir: root})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if strings.TrimSpace(result.Stdout) != "ready" {
		t.Errorf("Unexpected stdout %q", result.Stdout)
	}
}

func TestTransport_StartStop(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	root := t.TempDir()
	tr := NewTransport()
	host := models.HostRecord{Address: "localhost"}
	ctx := context.Background()

	if err := tr.Start(ctx, host, root, connectors.Shell("sleep 30", "")); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	pid, err := ReadPID(filepath.Join(root, connectors.PIDFile))
	if err != nil {
		t.Fatalf("ReadPID failed: %v", err)
	}
	if pid <= 0 {
		t.Errorf("Expected positive pid, got %d", pid)
	}
	if err := tr.Stop(ctx, host, root); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := ExpandHome("~/.ninja-team"); got != filepath.Join(home, ".ninja-team") {
		t.Errorf("ExpandHome = %s", got)
	}
	if got := ExpandHome("/abs/path"); got != "/abs/path" {
		t.Errorf("ExpandHome changed absolute path: %s", got)
	}
}

func TestExecute_ConnectorEnv(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	exec := New("", nil)
	exec.SetEnv([]string{"CC=ccache gcc", "CCACHE_DIR=/tmp/cc"})

	cmd := connectors.Shell(`echo "$CC|$CCACHE_DIR"`, "")
	cmd.Env = []string{"CCACHE_DIR=/override"}
	result, err := exec.Execute(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got := strings.TrimSpace(result.Stdout); got != "ccache gcc|/override" {
		t.Errorf("Expected connector env with command override, got %q", got)
	}
}
