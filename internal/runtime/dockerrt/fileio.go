package dockerrt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/muxhq/mux/internal/runtime"
)

// ReadFile streams the file out of the container through a `cat` exec.
func (r *Runtime) ReadFile(ctx context.Context, p string) (io.ReadCloser, error) {
	p = r.NormalizePath(p)

	createResp, err := r.cli.ContainerExecCreate(ctx, r.containerName, container.ExecOptions{
		Cmd:          []string{"sh", "-c", "cat -- " + shq(p)},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, runtime.NewFileIOError(fmt.Errorf("open %s: %w", p, err))
	}
	hijack, err := r.cli.ContainerExecAttach(ctx, createResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, runtime.NewFileIOError(fmt.Errorf("open %s: %w", p, err))
	}

	pr, pw := io.Pipe()
	go func() {
		var stderr strings.Builder
		_, copyErr := stdcopy.StdCopy(pw, &stderr, hijack.Reader)
		hijack.Close()

		inspect, err := r.cli.ContainerExecInspect(context.Background(), createResp.ID)
		switch {
		case copyErr != nil:
			pw.CloseWithError(runtime.NewFileIOError(copyErr))
		case err == nil && inspect.ExitCode != 0:
			pw.CloseWithError(runtime.NewFileIOError(fmt.Errorf("read %s: %s", p, strings.TrimSpace(stderr.String()))))
		default:
			pw.Close()
		}
	}()
	return pr, nil
}

// WriteFile streams into a temporary sibling inside the container and
// renames it into place on Close, preserving atomic-write semantics.
func (r *Runtime) WriteFile(ctx context.Context, p string) (runtime.FileWriter, error) {
	p = r.NormalizePath(p)

	if out, _, err := r.runQuick(ctx, "readlink -f -- "+shq(p)+" 2>/dev/null"); err == nil {
		if resolved := strings.TrimSpace(out); resolved != "" {
			p = resolved
		}
	}

	mode := ""
	if out, _, err := r.runQuick(ctx, "stat -c %a -- "+shq(p)+" 2>/dev/null"); err == nil {
		mode = strings.TrimSpace(out)
	}

	tmp := fmt.Sprintf("%s.tmp.%d", p, time.Now().UnixNano())
	script := "mkdir -p " + shq(path.Dir(p)) + " && cat > " + shq(tmp)
	if mode != "" {
		script += " && chmod " + mode + " " + shq(tmp)
	}
	script += " && mv -- " + shq(tmp) + " " + shq(p)

	createResp, err := r.cli.ContainerExecCreate(ctx, r.containerName, container.ExecOptions{
		Cmd:          []string{"sh", "-c", script},
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, runtime.NewFileIOError(fmt.Errorf("open temp for %s: %w", p, err))
	}
	hijack, err := r.cli.ContainerExecAttach(ctx, createResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, runtime.NewFileIOError(fmt.Errorf("open temp for %s: %w", p, err))
	}

	return &containerFileWriter{
		rt:         r,
		execID:     createResp.ID,
		conn:       hijack.Conn,
		closeWrite: hijack.CloseWrite,
		closeAll:   hijack.Close,
		tmp:        tmp,
		target:     p,
	}, nil
}

type containerFileWriter struct {
	rt         *Runtime
	execID     string
	conn       io.Writer
	closeWrite func() error
	closeAll   func()
	tmp        string
	target     string
	closed     bool
}

func (w *containerFileWriter) Write(p []byte) (int, error) {
	n, err := w.conn.Write(p)
	if err != nil {
		return n, runtime.NewFileIOError(err)
	}
	return n, nil
}

func (w *containerFileWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	w.closeWrite()
	defer w.closeAll()

	// Wait for the write script to finish and check its exit code.
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		inspect, err := w.rt.cli.ContainerExecInspect(context.Background(), w.execID)
		if err != nil {
			w.discard()
			return runtime.NewFileIOError(fmt.Errorf("write %s: %w", w.target, err))
		}
		if !inspect.Running {
			if inspect.ExitCode != 0 {
				w.discard()
				return runtime.NewFileIOError(fmt.Errorf("write %s: exit status %d", w.target, inspect.ExitCode))
			}
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	w.discard()
	return runtime.NewFileIOError(fmt.Errorf("write %s: timed out waiting for commit", w.target))
}

func (w *containerFileWriter) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.closeAll()
	w.discard()
	return runtime.NewFileIOError(errors.New("file write aborted"))
}

func (w *containerFileWriter) discard() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _, _ = w.rt.runQuick(ctx, "rm -f -- "+shq(w.tmp))
}
