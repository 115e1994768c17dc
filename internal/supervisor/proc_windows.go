//go:build windows

package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"strconv"
)

func setProcessGroup(cmd *exec.Cmd) {}

// terminate asks the tree to close; Windows has no SIGTERM.
func terminate(cmd *exec.Cmd) error {
	return exec.Command("taskkill", "/PID", strconv.Itoa(cmd.Process.Pid), "/T").Run()
}

func forceKill(cmd *exec.Cmd) error {
	_ = exec.Command("taskkill", "/PID", strconv.Itoa(cmd.Process.Pid), "/T", "/F").Run()
	err := cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// descendants is empty on Windows: taskkill /T walks the tree itself.
func descendants(pid int) []int { return nil }

func reap(pgid int, pids []int) error {
	// taskkill fails with exit code 128 when the tree is already gone.
	_ = exec.Command("taskkill", "/PID", strconv.Itoa(pgid), "/T", "/F").Run()
	return nil
}
