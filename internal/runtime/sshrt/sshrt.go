// Package sshrt implements the Runtime contract over an SSH connection. It
// preserves the local runtime's observable semantics: the same sentinel exit
// codes, the same error taxonomy, and the same git-worktree lifecycle (run
// remotely through the shared gitws engine).
package sshrt

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/muxhq/mux/internal/common/logger"
	"github.com/muxhq/mux/internal/runtime"
	"github.com/muxhq/mux/internal/runtime/gitws"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// Runtime executes commands and file I/O on a remote host over SSH.
type Runtime struct {
	client  *ssh.Client
	host    string
	baseDir string
	log     *logger.Logger
	lc      *gitws.Lifecycle

	homeOnce sync.Once
	home     string
}

var _ runtime.Runtime = (*Runtime)(nil)

// New wraps an established SSH client. baseDir anchors workspace paths on
// the remote host and may start with ~.
func New(client *ssh.Client, host, baseDir string, log *logger.Logger) *Runtime {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("runtime", "ssh"), zap.String("host", host))
	r := &Runtime{
		client:  client,
		host:    host,
		baseDir: baseDir,
		log:     log,
	}
	r.lc = gitws.NewLifecycle(&remoteFS{rt: r}, log)
	return r
}

// Dial connects to host and returns an SSH runtime over the connection.
func Dial(host string, cfg *ssh.ClientConfig, baseDir string, log *logger.Logger) (*Runtime, error) {
	addr := host
	if !strings.Contains(addr, ":") {
		addr += ":22"
	}
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", host, err)
	}
	return New(client, host, baseDir, log), nil
}

// Close shuts down the underlying SSH connection.
func (r *Runtime) Close() error {
	return r.client.Close()
}

// Git exposes the lifecycle helper for branch inspection.
func (r *Runtime) Git() *gitws.Lifecycle {
	return r.lc
}

// shq single-quotes s for a POSIX shell.
func shq(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// output runs command in a fresh session and returns its stdout.
func (r *Runtime) output(command string) (string, string, error) {
	session, err := r.client.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr strings.Builder
	session.Stdout = &stdout
	session.Stderr = &stderr
	err = session.Run(command)
	return stdout.String(), stderr.String(), err
}

func (r *Runtime) homeDir() string {
	r.homeOnce.Do(func() {
		out, _, err := r.output("printf %s \"$HOME\"")
		if err == nil {
			r.home = strings.TrimSpace(out)
		}
	})
	return r.home
}

// NormalizePath expands a leading ~ against the remote home directory and
// cleans the path with POSIX semantics.
func (r *Runtime) NormalizePath(p string) string {
	if p == "~" {
		if home := r.homeDir(); home != "" {
			return home
		}
	}
	if strings.HasPrefix(p, "~/") {
		if home := r.homeDir(); home != "" {
			p = path.Join(home, p[2:])
		}
	}
	return path.Clean(p)
}

// ResolvePath normalizes p and anchors relative paths at the remote home.
func (r *Runtime) ResolvePath(_ context.Context, p string) (string, error) {
	p = r.NormalizePath(p)
	if !path.IsAbs(p) {
		home := r.homeDir()
		if home == "" {
			return "", runtime.NewFileIOError(fmt.Errorf("cannot resolve relative path %s: remote home unknown", p))
		}
		p = path.Join(home, p)
	}
	return p, nil
}

// WorkspacePath computes <baseDir>/<projectName>/<workspaceName> on the
// remote host.
func (r *Runtime) WorkspacePath(projectPath, workspaceName string) (string, error) {
	base := r.NormalizePath(r.baseDir)
	return path.Join(base, path.Base(projectPath), workspaceName), nil
}

// remoteFS is the gitws.Workdir over SSH sessions.
type remoteFS struct {
	rt *Runtime
}

func (f *remoteFS) Run(_ context.Context, dir, name string, args ...string) (string, string, error) {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shq(name))
	for _, a := range args {
		parts = append(parts, shq(a))
	}
	cmd := fmt.Sprintf("cd %s && %s", shq(dir), strings.Join(parts, " "))
	return f.rt.output(cmd)
}

func (f *remoteFS) Exists(_ context.Context, p string) (bool, error) {
	_, _, err := f.rt.output("test -e " + shq(p))
	if err == nil {
		return true, nil
	}
	if exitErr, ok := err.(*ssh.ExitError); ok && exitErr.ExitStatus() == 1 {
		return false, nil
	}
	return false, err
}

func (f *remoteFS) MkdirAll(_ context.Context, p string) error {
	_, stderr, err := f.rt.output("mkdir -p " + shq(p))
	if err != nil {
		return fmt.Errorf("mkdir -p: %v: %s", err, strings.TrimSpace(stderr))
	}
	return nil
}

func (f *remoteFS) RemoveAll(_ context.Context, p string) error {
	_, stderr, err := f.rt.output("rm -rf " + shq(p))
	if err != nil {
		return fmt.Errorf("rm -rf: %v: %s", err, strings.TrimSpace(stderr))
	}
	return nil
}

// Workspace lifecycle: same engine as the local runtime, run remotely.

func (r *Runtime) CreateWorkspace(ctx context.Context, params runtime.CreateWorkspaceParams) (*runtime.WorkspaceInfo, error) {
	p, err := r.WorkspacePath(params.ProjectPath, params.WorkspaceName)
	if err != nil {
		return nil, err
	}
	return r.lc.CreateWorkspace(ctx, p, params)
}

func (r *Runtime) InitWorkspace(ctx context.Context, projectPath string) error {
	base := r.NormalizePath(r.baseDir)
	if err := (&remoteFS{rt: r}).MkdirAll(ctx, base); err != nil {
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
