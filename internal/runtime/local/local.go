// Package local implements the Runtime contract against the host OS. The
// worktree runtime variant is this same implementation constructed with the
// shared worktree base directory.
package local

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/muxhq/mux/internal/common/logger"
	"github.com/muxhq/mux/internal/runtime"
	"github.com/muxhq/mux/internal/runtime/gitws"
	"go.uber.org/zap"
)

// Runtime executes commands and file I/O directly on the host.
type Runtime struct {
	baseDir string
	log     *logger.Logger
	lc      *gitws.Lifecycle

	homeOnce sync.Once
	home     string
	homeErr  error
}

var _ runtime.Runtime = (*Runtime)(nil)

// New returns a local Runtime anchored at srcBaseDir (tilde-expandable).
func New(srcBaseDir string, log *logger.Logger) *Runtime {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("runtime", "local"))
	return &Runtime{
		baseDir: srcBaseDir,
		log:     log,
		lc:      gitws.NewLifecycle(hostFS{}, log),
	}
}

// Git exposes the lifecycle helper for callers that need branch inspection
// (the fork orchestrator's trunk selection).
func (r *Runtime) Git() *gitws.Lifecycle {
	return r.lc
}

func (r *Runtime) homeDir() (string, error) {
	r.homeOnce.Do(func() {
		r.home, r.homeErr = os.UserHomeDir()
	})
	return r.home, r.homeErr
}

// NormalizePath expands a leading ~ and cleans the path. It never touches
// the filesystem beyond the cached home lookup.
func (r *Runtime) NormalizePath(path string) string {
	if path == "~" {
		if home, err := r.homeDir(); err == nil {
			return home
		}
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := r.homeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return filepath.Clean(path)
}

// ResolvePath normalizes path and makes it absolute.
func (r *Runtime) ResolvePath(_ context.Context, path string) (string, error) {
	abs, err := filepath.Abs(r.NormalizePath(path))
	if err != nil {
		return "", runtime.NewFileIOError(err)
	}
	return abs, nil
}

// WorkspacePath computes <srcBaseDir>/<projectName>/<workspaceName>.
func (r *Runtime) WorkspacePath(projectPath, workspaceName string) (string, error) {
	base := r.NormalizePath(r.baseDir)
	return filepath.Join(base, filepath.Base(projectPath), workspaceName), nil
}

// hostFS is the gitws.Workdir over the host OS.
type hostFS struct{}

func (hostFS) Run(ctx context.Context, dir, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func (hostFS) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (hostFS) MkdirAll(_ context.Context, path string) error {
	return os.MkdirAll(path, 0o755)
}

func (hostFS) RemoveAll(_ context.Context, path string) error {
	return os.RemoveAll(path)
}
