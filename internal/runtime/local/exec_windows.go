//go:build windows

package local

import (
	"os"
	"os/exec"
	"syscall"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// killGroup best-effort kills the process on Windows. Descendants started in
// the same group die with the console group; a full job-object implementation
// would be stricter.
func killGroup(pid int) {
	if p, err := os.FindProcess(pid); err == nil {
		_ = p.Kill()
	}
}

// shellInvocation ignores niceness on Windows.
func shellInvocation(command string, _ int) (string, []string) {
	return "cmd", []string{"/C", command}
}
