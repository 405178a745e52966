package local

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/muxhq/mux/internal/runtime"
	"golang.org/x/sync/errgroup"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	return New(t.TempDir(), nil)
}

func runCollect(t *testing.T, r *Runtime, command string, opts runtime.ExecOptions) (int, string, string) {
	t.Helper()
	stream, err := r.Exec(context.Background(), command, opts)
	if err != nil {
		t.Fatalf("Exec(%q) failed: %v", command, err)
	}

	var stdout, stderr string
	var g errgroup.Group
	g.Go(func() error {
		b, err := io.ReadAll(stream.Stdout())
		stdout = string(b)
		return err
	})
	g.Go(func() error {
		b, err := io.ReadAll(stream.Stderr())
		stderr = string(b)
		return err
	})

	code, err := stream.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("reading output failed: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	return code, stdout, stderr
}

func TestExec_ExitCode(t *testing.T) {
	r := newTestRuntime(t)
	code, _, _ := runCollect(t, r, "exit 7", runtime.ExecOptions{Cwd: t.TempDir()})
	if code != 7 {
		t.Errorf("exit code = %d, want 7", code)
	}
}

func TestExec_Output(t *testing.T) {
	r := newTestRuntime(t)
	code, stdout, stderr := runCollect(t, r, "echo out; echo err >&2", runtime.ExecOptions{Cwd: t.TempDir()})
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if strings.TrimSpace(stdout) != "out" {
		t.Errorf("stdout = %q", stdout)
	}
	if strings.TrimSpace(stderr) != "err" {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestExec_Env(t *testing.T) {
	r := newTestRuntime(t)
	_, stdout, _ := runCollect(t, r, "printf %s \"$MUX_TEST_VALUE\"", runtime.ExecOptions{
		Cwd: t.TempDir(),
		Env: map[string]string{"MUX_TEST_VALUE": "hello"},
	})
	if stdout != "hello" {
		t.Errorf("stdout = %q, want %q", stdout, "hello")
	}
}

func TestExec_Stdin(t *testing.T) {
	r := newTestRuntime(t)
	stream, err := r.Exec(context.Background(), "cat", runtime.ExecOptions{Cwd: t.TempDir()})
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	defer stream.Close()

	if stream.Pid() <= 0 {
		t.Errorf("Pid() = %d, want a real pid", stream.Pid())
	}

	outCh := make(chan string, 1)
	go func() {
		b, _ := io.ReadAll(stream.Stdout())
		outCh <- string(b)
	}()

	if _, err := stream.Stdin().Write([]byte("ping")); err != nil {
		t.Fatalf("stdin write failed: %v", err)
	}
	if err := stream.Stdin().Close(); err != nil {
		t.Fatalf("stdin close failed: %v", err)
	}

	code, err := stream.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if got := <-outCh; got != "ping" {
		t.Errorf("stdout = %q, want %q", got, "ping")
	}
}

func TestExec_Timeout(t *testing.T) {
	r := newTestRuntime(t)
	start := time.Now()
	code, _, _ := runCollect(t, r, "sleep 30", runtime.ExecOptions{Cwd: t.TempDir(), TimeoutSecs: 1})
	if code != runtime.ExitCodeTimedOut {
		t.Errorf("exit code = %d, want %d", code, runtime.ExitCodeTimedOut)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestExec_Abort(t *testing.T) {
	r := newTestRuntime(t)
	stream, err := r.Exec(context.Background(), "sleep 30", runtime.ExecOptions{Cwd: t.TempDir()})
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	defer stream.Close()

	go func() {
		time.Sleep(100 * time.Millisecond)
		stream.Abort()
		// A second abort must be harmless.
		stream.Abort()
	}()

	code, err := stream.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if code != runtime.ExitCodeAborted {
		t.Errorf("exit code = %d, want %d", code, runtime.ExitCodeAborted)
	}
}

func TestExec_ContextCancelAborts(t *testing.T) {
	r := newTestRuntime(t)
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := r.Exec(ctx, "sleep 30", runtime.ExecOptions{Cwd: t.TempDir()})
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	defer stream.Close()
	cancel()

	code, err := stream.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if code != runtime.ExitCodeAborted {
		t.Errorf("exit code = %d, want %d", code, runtime.ExitCodeAborted)
	}
}

// A script that leaves a detached child behind must still finish as soon as
// the script itself exits.
func TestExec_DetachedChildDoesNotBlockExit(t *testing.T) {
	r := newTestRuntime(t)
	start := time.Now()
	code, _, _ := runCollect(t, r, "sleep 60 & echo started", runtime.ExecOptions{Cwd: t.TempDir()})
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("exec blocked on detached child for %v", elapsed)
	}
}

func TestExec_MissingCwd(t *testing.T) {
	r := newTestRuntime(t)
	_, err := r.Exec(context.Background(), "true", runtime.ExecOptions{Cwd: "/does/not/exist"})
	if err == nil {
		t.Fatal("expected error for missing cwd")
	}
	var rtErr *runtime.Error
	if !errors.As(err, &rtErr) || rtErr.Op != runtime.OpExec {
		t.Errorf("expected exec-family runtime error, got %v", err)
	}
	if !errors.Is(err, runtime.ErrWorkingDirMissing) {
		t.Errorf("expected ErrWorkingDirMissing, got %v", err)
	}
}

// countOpenFDs reads the process's fd table; skipped on hosts without /proc.
func countOpenFDs(t *testing.T) int {
	t.Helper()
	ents, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skipf("cannot inspect fd table: %v", err)
	}
	return len(ents)
}

// Repeated executions must not accumulate descriptors once each stream is
// closed: the parent-side pipe ends are only released by Close.
func TestExec_CloseReleasesPipes(t *testing.T) {
	r := newTestRuntime(t)
	cwd := t.TempDir()

	before := countOpenFDs(t)
	for i := 0; i < 20; i++ {
		stream, err := r.Exec(context.Background(), "true", runtime.ExecOptions{Cwd: cwd})
		if err != nil {
			t.Fatalf("Exec failed: %v", err)
		}
		if _, err := stream.Wait(context.Background()); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
		if err := stream.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		// A second close is harmless.
		if err := stream.Close(); err != nil {
			t.Fatalf("second Close failed: %v", err)
		}
	}
	after := countOpenFDs(t)

	// Allow a little slack for runtime-internal descriptors.
	if after > before+5 {
		t.Errorf("fd count grew from %d to %d across closed executions", before, after)
	}
}

func TestExec_WaitRepeatable(t *testing.T) {
	r := newTestRuntime(t)
	stream, err := r.Exec(context.Background(), "exit 3", runtime.ExecOptions{Cwd: t.TempDir()})
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	defer stream.Close()
	first, err := stream.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	second, err := stream.Wait(context.Background())
	if err != nil {
		t.Fatalf("second Wait failed: %v", err)
	}
	if first != 3 || second != 3 {
		t.Errorf("Wait returned %d then %d, want 3 both times", first, second)
	}
	if stream.Duration() <= 0 {
		t.Error("expected positive duration after Wait")
	}
}
