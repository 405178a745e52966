//go:build !windows

package local

import (
	"os/exec"
	"strconv"
	"syscall"
)

// setProcessGroup makes the child the leader of a new process group so the
// whole tree can be killed with one signal.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killGroup sends SIGKILL to the entire process group. ESRCH means the group
// is already gone, which is fine: cleanup is idempotent.
func killGroup(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

// shellInvocation builds the POSIX shell command line, wrapping with nice
// when a niceness level is requested.
func shellInvocation(command string, niceness int) (string, []string) {
	if niceness > 0 {
		return "nice", []string{"-n", strconv.Itoa(niceness), "/bin/sh", "-c", command}
	}
	return "/bin/sh", []string{"-c", command}
}
