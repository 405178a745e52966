package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/muxhq/mux/internal/runtime"
	"go.uber.org/zap"
)

// Exec runs command through a POSIX shell as the leader of a new process
// group. Exit is detected by process exit, not by pipe closure, so scripts
// that leave detached children behind (`sleep 100 &`) never hang the call.
func (r *Runtime) Exec(ctx context.Context, command string, opts runtime.ExecOptions) (runtime.ExecStream, error) {
	if opts.Cwd == "" {
		return nil, runtime.NewExecError(fmt.Errorf("%w: no working directory given", runtime.ErrWorkingDirMissing))
	}
	// Checked before spawn to avoid an opaque ENOENT from the shell.
	info, err := os.Stat(opts.Cwd)
	if err != nil || !info.IsDir() {
		return nil, runtime.NewExecError(fmt.Errorf("%w: %s", runtime.ErrWorkingDirMissing, opts.Cwd))
	}

	name, args := shellInvocation(command, opts.Niceness)
	cmd := exec.Command(name, args...)
	cmd.Dir = opts.Cwd
	cmd.Env = mergedEnv(opts.Env)
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, runtime.NewExecError(fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, runtime.NewExecError(fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, runtime.NewExecError(fmt.Errorf("stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		return nil, runtime.NewExecError(fmt.Errorf("spawn: %w", err))
	}

	s := &execStream{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
		started: time.Now(),
		abortCh: make(chan struct{}),
		done:    make(chan struct{}),
	}

	r.log.Debug("spawned command",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("cwd", opts.Cwd),
		zap.Int("timeout_secs", opts.TimeoutSecs))

	go s.supervise(ctx, time.Duration(opts.TimeoutSecs)*time.Second)
	return s, nil
}

func mergedEnv(overrides map[string]string) []string {
	env := os.Environ()
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

// execStream supervises one spawned process group.
type execStream struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	started time.Time

	abortOnce sync.Once
	abortCh   chan struct{}
	closeOnce sync.Once

	// Written by supervise before done is closed, read only after.
	exitCode int
	duration time.Duration
	done     chan struct{}
}

func (s *execStream) Stdout() io.Reader       { return s.stdout }
func (s *execStream) Stderr() io.Reader       { return s.stderr }
func (s *execStream) Stdin() io.WriteCloser   { return s.stdin }
func (s *execStream) Pid() int                { return s.cmd.Process.Pid }
func (s *execStream) Duration() time.Duration { return s.duration }

// Close releases the parent-side pipe ends. Because exit detection goes
// through Process.Wait instead of cmd.Wait, nothing else ever closes them;
// without this call every Exec leaks three descriptors.
func (s *execStream) Close() error {
	s.closeOnce.Do(func() {
		s.stdin.Close()
		s.stdout.Close()
		s.stderr.Close()
	})
	return nil
}

// Abort triggers the shared disposal path. Idempotent.
func (s *execStream) Abort() {
	s.abortOnce.Do(func() { close(s.abortCh) })
}

// Wait blocks until the command reaches its terminal state. The exit code is
// produced exactly once by supervise; every Wait call observes that value.
func (s *execStream) Wait(ctx context.Context) (int, error) {
	select {
	case <-s.done:
		return s.exitCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// supervise owns the terminal-state decision. Abort, timeout and natural
// exit all converge on the same cleanup: the whole process group gets an
// unmaskable kill so detached children are always reaped.
func (s *execStream) supervise(ctx context.Context, timeout time.Duration) {
	pid := s.cmd.Process.Pid

	waitCh := make(chan *os.ProcessState, 1)
	go func() {
		// Process.Wait fires on process exit, unlike cmd.Wait which also
		// waits for the stdio pipes to drain.
		state, _ := s.cmd.Process.Wait()
		waitCh <- state
	}()

	var timerCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerCh = timer.C
	}

	var state *os.ProcessState
	aborted, timedOut := false, false

	select {
	case state = <-waitCh:
	case <-ctx.Done():
		aborted = true
	case <-s.abortCh:
		aborted = true
	case <-timerCh:
		timedOut = true
	}

	if state == nil {
		killGroup(pid)
		state = <-waitCh
	}
	// Group kill on every exit path, idempotent on "no such process".
	killGroup(pid)

	code := 0
	if state != nil {
		if c := state.ExitCode(); c >= 0 {
			code = c
		}
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
