//go:build windows

package localexec

import (
	"fmt"
	"os"
	"os/exec"
)

func configureDetached(cmd *exec.Cmd) {
	// Windows doesn't use Setsid.
	// By default, started processes are independent enough.
}

func terminate(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	return proc.Kill()
}
