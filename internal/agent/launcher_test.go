package agent

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/ninjateam/internal/connectors"
)

type launcherConn struct {
	calls []connectors.Command
	exit  int
}

func (c *launcherConn) Name() string                      { return "launcher" }
func (c *launcherConn) IsAllowed(connectors.Command) bool { return true }
func (c *launcherConn) Execute(ctx context.Context, cmd connectors.Command) (*connectors.ExecResult, error) {
	c.calls = append(c.calls, cmd)
	return &connectors.ExecResult{Command: cmd.String(), ExitCode: c.exit}, nil
}

func TestNewCompilerLauncher_RequiresTool(t *testing.T) {
	without := HostInfo{Tools: map[string]string{"gcc": "gcc 13"}}
	assert.Nil(t, NewCompilerLauncher("ccache", t.TempDir(), 10, without))
	assert.Nil(t, NewCompilerLauncher("", t.TempDir(), 10, HostInfo{Tools: map[string]string{"ccache": "4.9"}}))
}

func TestCompilerLauncher_EnvAndSetup(t *testing.T) {
	cacheDir := t.TempDir()
	info := HostInfo{Tools: map[string]string{"ccache": "ccache 4.9", "gcc": "gcc 13"}}
	l := NewCompilerLauncher("ccache", cacheDir, 10, info)
	require.NotNil(t, l)
	assert.Equal(t, filepath.Join(cacheDir, "ccache"), l.Dir)
	assert.Equal(t, "10G", l.MaxSize)

	assert.Equal(t, []string{
		"CC=ccache gcc",
		"CXX=ccache g++",
		"CCACHE_DIR=" + filepath.Join(cacheDir, "ccache"),
	}, l.Env())

	conn := &launcherConn{}
	require.NoError(t, l.Setup(context.Background(), conn, nil))
	assert.DirExists(t, l.Dir)
	require.Len(t, conn.calls, 1)
	assert.Equal(t, "ccache -M 10G", conn.calls[0].String())
	assert.Contains(t, conn.calls[0].Env, "CCACHE_DIR="+l.Dir)
}

func TestCompilerLauncher_SizeLimitFailureIsNotFatal(t *testing.T) {
	info := HostInfo{Tools: map[string]string{"ccache": "ccache 4.9"}}
	l := NewCompilerLauncher("ccache", t.TempDir(), 2.5, info)
	require.NotNil(t, l)
	assert.Equal(t, "2.5G", l.MaxSize)
	assert.NoError(t, l.Setup(context.Background(), &launcherConn{exit: 1}, nil))
}
