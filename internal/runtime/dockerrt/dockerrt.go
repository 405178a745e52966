// Package dockerrt implements the Runtime contract inside a Docker
// container using the Docker SDK's exec API. Observable semantics match the
// local runtime: same sentinel exit codes, same error taxonomy, same
// git-worktree lifecycle run through the shared gitws engine.
package dockerrt

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/muxhq/mux/internal/common/logger"
	"github.com/muxhq/mux/internal/runtime"
	"github.com/muxhq/mux/internal/runtime/gitws"
	"go.uber.org/zap"
)

// Runtime executes commands and file I/O inside one container.
type Runtime struct {
	cli           *client.Client
	containerName string
	baseDir       string
	log           *logger.Logger
	lc            *gitws.Lifecycle

	homeOnce sync.Once
	home     string
}

var _ runtime.Runtime = (*Runtime)(nil)

// New wraps an established Docker client targeting containerName. baseDir
// anchors workspace paths inside the container.
func New(cli *client.Client, containerName, baseDir string, log *logger.Logger) *Runtime {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("runtime", "docker"), zap.String("container", containerName))
	r := &Runtime{
		cli:           cli,
		containerName: containerName,
		baseDir:       baseDir,
		log:           log,
	}
	r.lc = gitws.NewLifecycle(&containerFS{rt: r}, log)
	return r
}

// Git exposes the lifecycle helper for branch inspection.
func (r *Runtime) Git() *gitws.Lifecycle {
	return r.lc
}

// shq single-quotes s for a POSIX shell.
func shq(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runQuick executes a short shell command in the container and collects its
// output. Used for probes and the git lifecycle, not for agent commands.
func (r *Runtime) runQuick(ctx context.Context, cmd string) (string, string, error) {
	createResp, err := r.cli.ContainerExecCreate(ctx, r.containerName, container.ExecOptions{
		Cmd:          []string{"sh", "-c", cmd},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", "", fmt.Errorf("exec create: %w", err)
	}

	hijack, err := r.cli.ContainerExecAttach(ctx, createResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", "", fmt.Errorf("exec attach: %w", err)
	}
	defer hijack.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, hijack.Reader); err != nil {
		return stdout.String(), stderr.String(), fmt.Errorf("exec read: %w", err)
	}

	inspect, err := r.cli.ContainerExecInspect(ctx, createResp.ID)
	if err != nil {
		return stdout.String(), stderr.String(), fmt.Errorf("exec inspect: %w", err)
	}
	if inspect.ExitCode != 0 {
		return stdout.String(), stderr.String(), fmt.Errorf("exit status %d", inspect.ExitCode)
	}
	return stdout.String(), stderr.String(), nil
}

func (r *Runtime) homeDir(ctx context.Context) string {
	r.homeOnce.Do(func() {
		out, _, err := r.runQuick(ctx, `printf %s "$HOME"`)
		if err == nil {
			r.home = strings.TrimSpace(out)
		}
		if r.home == "" {
			r.home = "/root"
		}
	})
	return r.home
}

// NormalizePath cleans p with POSIX semantics; ~ expansion happens against
// the container's home in ResolvePath.
func (r *Runtime) NormalizePath(p string) string {
	return path.Clean(p)
}

// ResolvePath expands ~ against the container home and makes p absolute.
func (r *Runtime) ResolvePath(ctx context.Context, p string) (string, error) {
	if p == "~" {
		return r.homeDir(ctx), nil
	}
	if strings.HasPrefix(p, "~/") {
		p = path.Join(r.homeDir(ctx), p[2:])
	}
	p = path.Clean(p)
	if !path.IsAbs(p) {
		p = path.Join(r.homeDir(ctx), p)
	}
	return p, nil
}

// WorkspacePath computes <baseDir>/<projectName>/<workspaceName> inside the
// container.
func (r *Runtime) WorkspacePath(projectPath, workspaceName string) (string, error) {
	return path.Join(r.baseDir, path.Base(projectPath), workspaceName), nil
}

// containerFS is the gitws.Workdir over docker exec.
type containerFS struct {
	rt *Runtime
}

func (f *containerFS) Run(ctx context.Context, dir, name string, args ...string) (string, string, error) {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shq(name))
	for _, a := range args {
		parts = append(parts, shq(a))
	}
	return f.rt.runQuick(ctx, fmt.Sprintf("cd %s && %s", shq(dir), strings.Join(parts, " ")))
}

func (f *containerFS) Exists(ctx context.Context, p string) (bool, error) {
	_, _, err := f.rt.runQuick(ctx, "test -e "+shq(p))
	if err == nil {
		return true, nil
	}
	if strings.Contains(err.Error(), "exit status") {
		return false, nil
	}
	return false, err
}

func (f *containerFS) MkdirAll(ctx context.Context, p string) error {
	_, stderr, err := f.rt.runQuick(ctx, "mkdir -p "+shq(p))
	if err != nil {
		return fmt.Errorf("mkdir -p: %v: %s", err, strings.TrimSpace(stderr))
	}
	return nil
}

func (f *containerFS) RemoveAll(ctx context.Context, p string) error {
	_, stderr, err := f.rt.runQuick(ctx, "rm -rf "+shq(p))
	if err != nil {
		return fmt.Errorf("rm -rf: %v: %s", err, strings.TrimSpace(stderr))
	}
	return nil
}

// Stat runs `stat` in the container.
func (r *Runtime) Stat(ctx context.Context, p string) (runtime.FileStat, error) {
	p = r.NormalizePath(p)
	out, stderr, err := r.runQuick(ctx, "stat -c '%s %Y %F' -- "+shq(p))
	if err != nil {
		return runtime.FileStat{}, runtime.NewFileIOError(fmt.Errorf("stat %s: %v: %s", p, err, strings.TrimSpace(stderr)))
	}
	return parseStatOutput(p, out)
}

// Workspace lifecycle: same engine as the local runtime, run in-container.

func (r *Runtime) CreateWorkspace(ctx context.Context, params runtime.CreateWorkspaceParams) (*runtime.WorkspaceInfo, error) {
	p, err := r.WorkspacePath(params.ProjectPath, params.WorkspaceName)
	if err != nil {
		return nil, err
	}
	return r.lc.CreateWorkspace(ctx, p, params)
}

func (r *Runtime) InitWorkspace(ctx context.Context, projectPath string) error {
	if err := (&containerFS{rt: r}).MkdirAll(ctx, r.baseDir); err != nil {
		return fmt.Errorf("creating workspace base directory: %w", err)
	}
	if !r.lc.IsGitRepo(ctx, projectPath) {
		return fmt.Errorf("%w: %s", runtime.ErrNotGitRepo, projectPath)
	}
	return nil
}

func (r *Runtime) RenameWorkspace(ctx context.Context, projectPath, oldName, newName string) (*runtime.RenameResult, error) {
	oldPath, err := r.WorkspacePath(projectPath, oldName)
	if err != nil {
		return nil, err
	}
	newPath, err := r.WorkspacePath(projectPath, newName)
	if err != nil {
		return nil, err
	}
	return r.lc.RenameWorkspace(ctx, projectPath, oldPath, newPath)
}

func (r *Runtime) DeleteWorkspace(ctx context.Context, params runtime.DeleteWorkspaceParams) error {
	p, err := r.WorkspacePath(params.ProjectPath, params.WorkspaceName)
	if err != nil {
		return err
	}
	return r.lc.DeleteWorkspace(ctx, p, params)
}

func (r *Runtime) ForkWorkspace(ctx context.Context, params runtime.ForkWorkspaceParams) (*runtime.WorkspaceInfo, error) {
	srcPath, err := r.WorkspacePath(params.ProjectPath, params.SourceWorkspaceName)
	if err != nil {
		return nil, err
	}
	newPath, err := r.WorkspacePath(params.ProjectPath, params.NewWorkspaceName)
	if err != nil {
		return nil, err
	}
	return r.lc.ForkWorkspace(ctx, srcPath, newPath, params)
}

func parseStatOutput(p, out string) (runtime.FileStat, error) {
	fields := strings.SplitN(strings.TrimSpace(out), " ", 3)
	if len(fields) < 3 {
		return runtime.FileStat{}, runtime.NewFileIOError(fmt.Errorf("stat %s: unexpected output %q", p, out))
	}
	var size, mtime int64
	fmt.Sscanf(fields[0], "%d", &size)
	fmt.Sscanf(fields[1], "%d", &mtime)
	return runtime.FileStat{
		Size:    size,
		ModTime: time.Unix(mtime, 0),
		IsDir:   strings.Contains(fields[2], "directory"),
	}, nil
}
