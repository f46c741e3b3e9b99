package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fentz26/ninjateam/internal/connectors"
	"github.com/fentz26/ninjateam/internal/logging"
)

// CompilerLauncher wraps gcc and g++ in a compiler cache such as ccache.
type CompilerLauncher struct {
	Program string
	// Dir holds the launcher's own cache.
	Dir string
	// MaxSize is the launcher's size limit, e.g. "10G". Empty leaves it alone.
	MaxSize string
}

// NewCompilerLauncher returns a launcher for program when the host has it,
// or nil. Its cache lives in a directory named after the program under
// cacheDir.
func NewCompilerLauncher(program, cacheDir string, maxSizeGB float64, info HostInfo) *CompilerLauncher {
	if program == "" {
		return nil
	}
	tool := filepath.Base(program)
	if _, ok := info.Tools[tool]; !ok {
		return nil
	}
	dir := filepath.Join(cacheDir, tool)
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	l := &CompilerLauncher{Program: program, Dir: dir}
	if maxSizeGB > 0 {
		l.MaxSize = strconv.FormatFloat(maxSizeGB, 'f', -1, 64) + "G"
	}
	return l
}

func (l *CompilerLauncher) isCCache() bool {
	return filepath.Base(l.Program) == "ccache"
}

// Env returns the variables that route compiler invocations through the
// launcher.
func (l *CompilerLauncher) Env() []string {
	env := []string{
		"CC=" + l.Program + " gcc",
		"CXX=" + l.Program + " g++",
	}
	if l.isCCache() {
		env = append(env, "CCACHE_DIR="+l.Dir)
	}
	return env
}

// Setup creates the launcher's cache directory and applies the size limit.
// A limit the launcher rejects is logged, not returned.
func (l *CompilerLauncher) Setup(ctx context.Context, conn connectors.Connector, logger *slog.Logger) error {
	logger = logging.OrDiscard(logger)
	if err := os.MkdirAll(l.Dir, 0755); err != nil {
		return fmt.Errorf("create compiler cache: %w", err)
	}
	if l.MaxSize == "" || !l.isCCache() {
		return nil
	}
	res, err := conn.Execute(ctx, connectors.Command{Name: l.Program, Args: []string{"-M", l.MaxSize}, Env: l.Env()})
	switch {
	case err != nil:
		logger.Warn("compiler cache size not set", "launcher", l.Program, "error", err)
	case !res.Success():
		logger.Warn("compiler cache size not set", "launcher", l.Program, "exit_code", res.ExitCode, "stderr", res.Stderr)
	}
	return nil
}
