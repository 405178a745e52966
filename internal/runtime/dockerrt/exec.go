package dockerrt

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"github.com/muxhq/mux/internal/runtime"
	"go.uber.org/zap"
)

// Exec runs command in the container through a POSIX shell. The in-container
// process records its pid to a scratch file so abort and timeout can kill
// the whole process group, mirroring the local runtime's semantics.
func (r *Runtime) Exec(ctx context.Context, command string, opts runtime.ExecOptions) (runtime.ExecStream, error) {
	if opts.Cwd == "" {
		return nil, runtime.NewExecError(fmt.Errorf("%w: no working directory given", runtime.ErrWorkingDirMissing))
	}
	if _, _, err := r.runQuick(ctx, "test -d "+shq(opts.Cwd)); err != nil {
		return nil, runtime.NewExecError(fmt.Errorf("%w: %s", runtime.ErrWorkingDirMissing, opts.Cwd))
	}

	pidFile := "/tmp/.mux-exec-" + uuid.NewString() + ".pid"
	wrapped := buildContainerCommand(command, opts, pidFile)

	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}

	createResp, err := r.cli.ContainerExecCreate(ctx, r.containerName, container.ExecOptions{
		Cmd:          []string{"sh", "-c", wrapped},
		WorkingDir:   opts.Cwd,
		Env:          env,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, runtime.NewExecError(fmt.Errorf("exec create: %w", err))
	}

	hijack, err := r.cli.ContainerExecAttach(ctx, createResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, runtime.NewExecError(fmt.Errorf("exec attach: %w", err))
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, hijack.Reader)
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
	}()

	s := &execStream{
		rt:        r,
		execID:    createResp.ID,
		pidFile:   pidFile,
		stdin:     &hijackWriter{conn: hijack.Conn, closeWrite: hijack.CloseWrite},
		stdout:    stdoutR,
		stderr:    stderrR,
		closeConn: hijack.Close,
		started:   time.Now(),
		abortCh:   make(chan struct{}),
		done:      make(chan struct{}),
	}

	r.log.Debug("spawned container command", zap.String("cwd", opts.Cwd), zap.Int("timeout_secs", opts.TimeoutSecs))

	go s.supervise(ctx, time.Duration(opts.TimeoutSecs)*time.Second)
	return s, nil
}

// buildContainerCommand records the shell pid then execs the user command so
// the recorded pid is the command's pid.
func buildContainerCommand(command string, opts runtime.ExecOptions, pidFile string) string {
	var sb strings.Builder
	sb.WriteString("echo $$ > " + shq(pidFile) + " && exec ")
	if opts.Niceness > 0 {
		sb.WriteString("nice -n " + strconv.Itoa(opts.Niceness) + " ")
	}
	sb.WriteString("sh -c " + shq(command))
	return sb.String()
}

// hijackWriter adapts the hijacked connection into the stdin WriteCloser,
// half-closing the write side on Close.
type hijackWriter struct {
	conn       io.Writer
	closeWrite func() error
}

func (h *hijackWriter) Write(p []byte) (int, error) {
	return h.conn.Write(p)
}

func (h *hijackWriter) Close() error {
	return h.closeWrite()
}

type execStream struct {
	rt      *Runtime
	execID  string
	pidFile string

	stdin     io.WriteCloser
	stdout    *io.PipeReader
	stderr    *io.PipeReader
	closeConn func()

	started time.Time

	abortOnce sync.Once
	abortCh   chan struct{}
	closeOnce sync.Once

	pidMu sync.Mutex
	pid   int

	exitCode int
	waitErr  error
	duration time.Duration
	done     chan struct{}
}

func (s *execStream) Stdout() io.Reader       { return s.stdout }
func (s *execStream) Stderr() io.Reader       { return s.stderr }
func (s *execStream) Stdin() io.WriteCloser   { return s.stdin }
func (s *execStream) Duration() time.Duration { return s.duration }

// Pid reads the pid the in-container shell recorded at spawn. Returns 0
// until the scratch file appears; a successful read is cached.
func (s *execStream) Pid() int {
	s.pidMu.Lock()
	defer s.pidMu.Unlock()
	if s.pid != 0 {
		return s.pid
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, _, err := s.rt.runQuick(ctx, "cat "+shq(s.pidFile)+" 2>/dev/null")
	if err != nil {
		return 0
	}
	if v, err := strconv.Atoi(strings.TrimSpace(out)); err == nil && v > 0 {
		s.pid = v
	}
	return s.pid
}

// Close drops the hijacked attach connection and the demux pipes.
// Idempotent.
func (s *execStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeConn()
		s.stdout.Close()
		s.stderr.Close()
	})
	return nil
}

func (s *execStream) Abort() {
	s.abortOnce.Do(func() { close(s.abortCh) })
}

func (s *execStream) Wait(ctx context.Context) (int, error) {
	select {
	case <-s.done:
		return s.exitCode, s.waitErr
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// maxInspectFailures bounds consecutive inspect errors tolerated while
// polling. Transient API hiccups ride through; a persistent failure is
// surfaced instead of being mistaken for a clean exit.
const maxInspectFailures = 5

type pollResult struct {
	code int
	err  error
}

type execInspector func(ctx context.Context) (container.ExecInspect, error)

// pollExit polls inspect until the exec leaves the running state. Reports
// false when cancelled before a terminal observation.
func pollExit(ctx context.Context, interval time.Duration, inspect execInspector) (pollResult, bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return pollResult{}, false
		case <-ticker.C:
			res, err := inspect(ctx)
			if err != nil {
				failures++
				if failures >= maxInspectFailures {
					return pollResult{err: fmt.Errorf("exec inspect: %w", err)}, true
				}
				continue
			}
			failures = 0
			if !res.Running {
				return pollResult{code: res.ExitCode}, true
			}
		}
	}
}

func (s *execStream) supervise(ctx context.Context, timeout time.Duration) {
	// The exec API has no wait endpoint; poll inspect for termination.
	waitCh := make(chan pollResult, 1)
	pollCtx, stopPolling := context.WithCancel(context.Background())
	defer stopPolling()
	go func() {
		res, ok := pollExit(pollCtx, 100*time.Millisecond, func(ctx context.Context) (container.ExecInspect, error) {
			return s.rt.cli.ContainerExecInspect(ctx, s.execID)
		})
		if ok {
			waitCh <- res
		}
	}()

	var timerCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerCh = timer.C
	}

	var res pollResult
	aborted, timedOut, exited := false, false, false

	select {
	case res = <-waitCh:
		exited = true
	case <-ctx.Done():
		aborted = true
	case <-s.abortCh:
		aborted = true
	case <-timerCh:
		timedOut = true
	}

	// Group kill on every exit path, idempotent in the container.
	s.killContainerGroup()
	if !exited {
		select {
		case <-waitCh:
		case <-time.After(5 * time.Second):
		}
	}

	code := res.code
	switch {
	case res.err != nil:
		// Unknown terminal state; report the abort sentinel together with
		// the inspect error rather than fabricating a success code.
		code = runtime.ExitCodeAborted
		s.waitErr = res.err
	case aborted:
		code = runtime.ExitCodeAborted
	case timedOut:
		code = runtime.ExitCodeTimedOut
	}

	s.duration = time.Since(s.started)
	s.exitCode = code
	close(s.done)
}

// killContainerGroup signals the recorded process group inside the
// container, then removes the scratch pid file.
func (s *execStream) killContainerGroup() {
	cmd := fmt.Sprintf(
		"pid=$(cat %s 2>/dev/null); if [ -n \"$pid\" ]; then kill -9 -- -\"$pid\" 2>/dev/null || kill -9 \"$pid\" 2>/dev/null; fi; rm -f %s",
		shq(s.pidFile), shq(s.pidFile))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _, _ = s.rt.runQuick(ctx, cmd)
}
