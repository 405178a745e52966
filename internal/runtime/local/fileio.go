package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/muxhq/mux/internal/runtime"
)

// ReadFile opens path for streaming reads.
func (r *Runtime) ReadFile(_ context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(r.NormalizePath(path))
	if err != nil {
		return nil, runtime.NewFileIOError(fmt.Errorf("open %s: %w", path, err))
	}
	return f, nil
}

// Stat returns size, modification time and directory flag for path.
func (r *Runtime) Stat(_ context.Context, path string) (runtime.FileStat, error) {
	info, err := os.Stat(r.NormalizePath(path))
	if err != nil {
		return runtime.FileStat{}, runtime.NewFileIOError(fmt.Errorf("stat %s: %w", path, err))
	}
	return runtime.FileStat{
		Size:    info.Size(),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
	}, nil
}

// WriteFile opens an atomic writer for path. Symlinks are resolved first so
// the write goes through an existing link instead of replacing it, and the
// pre-existing permission bits are captured to be reapplied after the write.
func (r *Runtime) WriteFile(_ context.Context, path string) (runtime.FileWriter, error) {
	target := resolveWriteTarget(r.NormalizePath(path))

	mode := os.FileMode(0o644)
	preexisting := false
	if info, err := os.Stat(target); err == nil {
		if info.IsDir() {
			return nil, runtime.NewFileIOError(fmt.Errorf("write %s: is a directory", path))
		}
		mode = info.Mode().Perm()
		preexisting = true
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, runtime.NewFileIOError(fmt.Errorf("mkdir for %s: %w", path, err))
	}

	tmp := fmt.Sprintf("%s.tmp.%d", target, time.Now().UnixNano())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return nil, runtime.NewFileIOError(fmt.Errorf("open temp for %s: %w", path, err))
	}

	return &atomicWriter{
		file:        f,
		tmpPath:     tmp,
		target:      target,
		mode:        mode,
		preexisting: preexisting,
	}, nil
}

// resolveWriteTarget resolves symlinks along path. If the file itself does
// not exist yet, the deepest existing ancestor is resolved and the remainder
// rejoined, so writes into symlinked directories also land at the real
// location.
func resolveWriteTarget(path string) string {
	remainder := ""
	p := path
	for {
		if resolved, err := filepath.EvalSymlinks(p); err == nil {
			return filepath.Join(resolved, remainder)
		}
		parent := filepath.Dir(p)
		if parent == p {
			return path
		}
		remainder = filepath.Join(filepath.Base(p), remainder)
		p = parent
	}
}

// atomicWriter streams into a temporary sibling and renames it into place on
// Close. A reader never observes a partially written file.
type atomicWriter struct {
	file        *os.File
	tmpPath     string
	target      string
	mode        os.FileMode
	preexisting bool
	closed      bool
}

func (w *atomicWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	if err != nil {
		return n, runtime.NewFileIOError(err)
	}
	return n, nil
}

func (w *atomicWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.file.Sync(); err != nil {
		w.file.Close()
		w.discard()
		return runtime.NewFileIOError(fmt.Errorf("sync %s: %w", w.target, err))
	}
	if err := w.file.Close(); err != nil {
		w.discard()
		return runtime.NewFileIOError(fmt.Errorf("close %s: %w", w.target, err))
	}
	if w.preexisting {
		if err := os.Chmod(w.tmpPath, w.mode); err != nil {
			w.discard()
			return runtime.NewFileIOError(fmt.Errorf("chmod %s: %w", w.target, err))
		}
	}
	if err := os.Rename(w.tmpPath, w.target); err != nil {
		w.discard()
		return runtime.NewFileIOError(fmt.Errorf("rename into %s: %w", w.target, err))
	}
	return nil
}

// Abort deletes the temporary file and reports a file_io error.
func (w *atomicWriter) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.file.Close()
	w.discard()
	return runtime.NewFileIOError(errors.New("file write aborted"))
}

func (w *atomicWriter) discard() {
	_ = os.Remove(w.tmpPath)
}
