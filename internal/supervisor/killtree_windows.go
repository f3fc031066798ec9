//go:build windows

package supervisor

import (
	"os/exec"
	"strconv"
	"syscall"
	"time"
)

// setSysProcAttr hides the console window the bundled interpreter would
// otherwise open.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
}

// killTree force-terminates the process and its children. taskkill /T walks
// the child tree, which plain Process.Kill does not.
func killTree(pid int, _ time.Duration) error {
	kill := exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid))
	kill.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
	if err := kill.Run(); err != nil {
		// taskkill exits non-zero when the process is already gone.
		if _, ok := err.(*exec.ExitError); ok {
			return nil
		}
		return err
	}
	return nil
}
