package sshrt

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/muxhq/mux/internal/runtime"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// Exec runs command on the remote host through a POSIX shell. The remote
// process writes its pid to a scratch file so abort and timeout can kill the
// whole remote process group, mirroring the local runtime's group-kill
// semantics.
func (r *Runtime) Exec(ctx context.Context, command string, opts runtime.ExecOptions) (runtime.ExecStream, error) {
	if opts.Cwd == "" {
		return nil, runtime.NewExecError(fmt.Errorf("%w: no working directory given", runtime.ErrWorkingDirMissing))
	}
	if _, _, err := r.output("test -d " + shq(opts.Cwd)); err != nil {
		return nil, runtime.NewExecError(fmt.Errorf("%w: %s", runtime.ErrWorkingDirMissing, opts.Cwd))
	}

	session, err := r.client.NewSession()
	if err != nil {
		return nil, runtime.NewExecError(fmt.Errorf("ssh session: %w", err))
	}

	pidFile := "/tmp/.mux-exec-" + uuid.NewString() + ".pid"
	remote := buildRemoteCommand(command, opts, pidFile)

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, runtime.NewExecError(fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, runtime.NewExecError(fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, runtime.NewExecError(fmt.Errorf("stderr pipe: %w", err))
	}

	if err := session.Start(remote); err != nil {
		session.Close()
		return nil, runtime.NewExecError(fmt.Errorf("spawn: %w", err))
	}

	s := &execStream{
		rt:      r,
		session: session,
		pidFile: pidFile,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
		started: time.Now(),
		abortCh: make(chan struct{}),
		done:    make(chan struct{}),
	}

	r.log.Debug("spawned remote command", zap.String("cwd", opts.Cwd), zap.Int("timeout_secs", opts.TimeoutSecs))

	go s.supervise(ctx, time.Duration(opts.TimeoutSecs)*time.Second)
	return s, nil
}

// buildRemoteCommand assembles the remote shell line: cd into the working
// directory, record the shell pid, apply env overrides and niceness, then
// exec the user command so the recorded pid is the command's pid.
func buildRemoteCommand(command string, opts runtime.ExecOptions, pidFile string) string {
	var sb strings.Builder
	sb.WriteString("cd " + shq(opts.Cwd) + " && ")
	sb.WriteString("echo $$ > " + shq(pidFile) + " && ")
	for k, v := range opts.Env {
		sb.WriteString("export " + k + "=" + shq(v) + " && ")
	}
	sb.WriteString("exec ")
	if opts.Niceness > 0 {
		sb.WriteString("nice -n " + strconv.Itoa(opts.Niceness) + " ")
	}
	sb.WriteString("sh -c " + shq(command))
	return sb.String()
}

type execStream struct {
	rt      *Runtime
	session *ssh.Session
	pidFile string

	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader

	started time.Time

	abortOnce sync.Once
	abortCh   chan struct{}
	closeOnce sync.Once

	pidMu sync.Mutex
	pid   int

	exitCode int
	duration time.Duration
	done     chan struct{}
}

func (s *execStream) Stdout() io.Reader       { return s.stdout }
func (s *execStream) Stderr() io.Reader       { return s.stderr }
func (s *execStream) Stdin() io.WriteCloser   { return s.stdin }
func (s *execStream) Duration() time.Duration { return s.duration }

// Pid reads the pid the remote shell recorded at spawn. The scratch file is
// written asynchronously, so this returns 0 until it appears; a successful
// read is cached.
func (s *execStream) Pid() int {
	s.pidMu.Lock()
	defer s.pidMu.Unlock()
	if s.pid != 0 {
		return s.pid
	}
	out, _, err := s.rt.output("cat " + shq(s.pidFile) + " 2>/dev/null")
	if err != nil {
		return 0
	}
	if v, err := strconv.Atoi(strings.TrimSpace(out)); err == nil && v > 0 {
		s.pid = v
	}
	return s.pid
}

// Close tears the SSH session down, which releases the session's stdio
// channels. Idempotent.
func (s *execStream) Close() error {
	s.closeOnce.Do(func() {
		s.stdin.Close()
		s.session.Close()
	})
	return nil
}

func (s *execStream) Abort() {
	s.abortOnce.Do(func() { close(s.abortCh) })
}

func (s *execStream) Wait(ctx context.Context) (int, error) {
	select {
	case <-s.done:
		return s.exitCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (s *execStream) supervise(ctx context.Context, timeout time.Duration) {
	waitCh := make(chan error, 1)
	go func() { waitCh <- s.session.Wait() }()

	var timerCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerCh = timer.C
	}

	var waitErr error
	aborted, timedOut, exited := false, false, false

	select {
	case waitErr = <-waitCh:
		exited = true
	case <-ctx.Done():
		aborted = true
	case <-s.abortCh:
		aborted = true
	case <-timerCh:
		timedOut = true
	}

	// Kill the remote process group on every exit path so detached children
	// are reaped, then tear the session down.
	s.killRemoteGroup()
	if !exited {
		s.session.Close()
		select {
		case waitErr = <-waitCh:
		case <-time.After(5 * time.Second):
		}
	}
	s.session.Close()

	code := 0
	if exitErr, ok := waitErr.(*ssh.ExitError); ok {
		code = exitErr.ExitStatus()
	}
	switch {
	case aborted:
		code = runtime.ExitCodeAborted
	case timedOut:
		code = runtime.ExitCodeTimedOut
	}

	s.duration = time.Since(s.started)
	s.exitCode = code
	close(s.done)
}

// killRemoteGroup signals the recorded remote process group, falling back to
// the single pid, then removes the scratch pid file. Idempotent: a missing
// process or file is fine.
func (s *execStream) killRemoteGroup() {
	cmd := fmt.Sprintf(
		"pid=$(cat %s 2>/dev/null); if [ -n \"$pid\" ]; then kill -9 -- -\"$pid\" 2>/dev/null || kill -9 \"$pid\" 2>/dev/null; fi; rm -f %s",
		shq(s.pidFile), shq(s.pidFile))
	_, _, _ = s.rt.output(cmd)
}
