// Package gitws implements the git-worktree workspace lifecycle shared by
// every runtime transport. Variants supply a Workdir that runs commands and
// touches the filesystem over their transport; the lifecycle semantics stay
// identical everywhere.
package gitws

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/muxhq/mux/internal/common/logger"
	"github.com/muxhq/mux/internal/runtime"
	"go.uber.org/zap"
)

// Workdir abstracts command execution and the handful of filesystem
// operations the lifecycle needs, so the same logic drives local, SSH and
// Docker workspaces.
type Workdir interface {
	// Run executes name with args in dir and returns stdout and stderr.
	Run(ctx context.Context, dir, name string, args ...string) (stdout, stderr string, err error)

	Exists(ctx context.Context, path string) (bool, error)
	MkdirAll(ctx context.Context, path string) error
	RemoveAll(ctx context.Context, path string) error
}

// Lifecycle drives workspace create/rename/delete/fork over a Workdir.
type Lifecycle struct {
	fs  Workdir
	log *logger.Logger
}

// NewLifecycle returns a Lifecycle over the given Workdir.
func NewLifecycle(fs Workdir, log *logger.Logger) *Lifecycle {
	if log == nil {
		log = logger.Default()
	}
	return &Lifecycle{fs: fs, log: log.WithFields(zap.String("component", "workspace-lifecycle"))}
}

func emit(sink runtime.LogSink, format string, args ...any) {
	if sink != nil {
		sink(fmt.Sprintf(format, args...))
	}
}

// IsGitRepo reports whether path hosts a git repository or worktree.
func (l *Lifecycle) IsGitRepo(ctx context.Context, path string) bool {
	_, _, err := l.fs.Run(ctx, path, "git", "rev-parse", "--git-dir")
	return err == nil
}

// CurrentBranch returns the branch checked out in dir.
func (l *Lifecycle) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, stderr, err := l.fs.Run(ctx, dir, "git", "branch", "--show-current")
	if err != nil {
		return "", fmt.Errorf("git branch --show-current: %v: %s", err, strings.TrimSpace(stderr))
	}
	branch := strings.TrimSpace(out)
	if branch == "" {
		return "", fmt.Errorf("detached HEAD in %s", dir)
	}
	return branch, nil
}

// LocalBranches lists the repository's local branch names.
func (l *Lifecycle) LocalBranches(ctx context.Context, repo string) ([]string, error) {
	out, stderr, err := l.fs.Run(ctx, repo, "git", "for-each-ref", "--format=%(refname:short)", "refs/heads")
	if err != nil {
		return nil, fmt.Errorf("git for-each-ref: %v: %s", err, strings.TrimSpace(stderr))
	}
	var branches []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			branches = append(branches, line)
		}
	}
	return branches, nil
}

// BranchExists reports whether branch exists locally in repo.
func (l *Lifecycle) BranchExists(ctx context.Context, repo, branch string) bool {
	_, _, err := l.fs.Run(ctx, repo, "git", "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// DefaultBranch detects the repository's default branch from the origin HEAD
// ref, falling back to init.defaultBranch.
func (l *Lifecycle) DefaultBranch(ctx context.Context, repo string) (string, error) {
	out, _, err := l.fs.Run(ctx, repo, "git", "symbolic-ref", "--short", "refs/remotes/origin/HEAD")
	if err == nil {
		ref := strings.TrimSpace(out)
		if cut, ok := strings.CutPrefix(ref, "origin/"); ok && cut != "" {
			return cut, nil
		}
		if ref != "" {
			return ref, nil
		}
	}
	out, _, err = l.fs.Run(ctx, repo, "git", "config", "init.defaultBranch")
	if err == nil {
		if branch := strings.TrimSpace(out); branch != "" {
			return branch, nil
		}
	}
	return "", fmt.Errorf("unable to detect default branch for %s", repo)
}

// AheadBehind returns how many commits left is ahead of and behind right.
func (l *Lifecycle) AheadBehind(ctx context.Context, dir, left, right string) (ahead, behind int, err error) {
	out, stderr, err := l.fs.Run(ctx, dir, "git", "rev-list", "--left-right", "--count", left+"..."+right)
	if err != nil {
		return 0, 0, fmt.Errorf("git rev-list: %v: %s", err, strings.TrimSpace(stderr))
	}
	parts := strings.Fields(out)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("unexpected rev-list output: %q", out)
	}
	ahead, _ = strconv.Atoi(parts[0])
	behind, _ = strconv.Atoi(parts[1])
	return ahead, behind, nil
}

// CreateWorkspace adds a worktree at path. If BranchName already exists
// locally the worktree points at it; otherwise the branch is created from
// TrunkBranch. Fetch and fast-forward of the trunk are best-effort and never
// fail the creation.
func (l *Lifecycle) CreateWorkspace(ctx context.Context, path string, p runtime.CreateWorkspaceParams) (*runtime.WorkspaceInfo, error) {
	exists, err := l.fs.Exists(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("checking workspace path: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", runtime.ErrWorkspaceExists, path)
	}

	if !l.IsGitRepo(ctx, p.ProjectPath) {
		return nil, fmt.Errorf("%w: %s", runtime.ErrNotGitRepo, p.ProjectPath)
	}

	if l.BranchExists(ctx, p.ProjectPath, p.BranchName) {
		emit(p.Log, "Checking out existing branch %s", p.BranchName)
		if _, stderr, err := l.fs.Run(ctx, p.ProjectPath, "git", "worktree", "add", path, p.BranchName); err != nil {
			return nil, fmt.Errorf("git worktree add: %v: %s", err, strings.TrimSpace(stderr))
		}
	} else {
		emit(p.Log, "Creating branch %s from %s", p.BranchName, p.TrunkBranch)
		if _, stderr, err := l.fs.Run(ctx, p.ProjectPath, "git", "worktree", "add", "-b", p.BranchName, path, p.TrunkBranch); err != nil {
			return nil, fmt.Errorf("git worktree add -b: %v: %s", err, strings.TrimSpace(stderr))
		}
	}

	l.freshenTrunk(ctx, path, p)

	l.log.Info("created workspace",
		zap.String("path", path),
		zap.String("branch", p.BranchName),
		zap.String("trunk", p.TrunkBranch))

	return &runtime.WorkspaceInfo{Path: path}, nil
}

// freshenTrunk fetches the trunk from origin and fast-forwards the new
// worktree onto it. Any failure here (no remote, diverged history) is logged
// and swallowed; the workspace is still usable.
func (l *Lifecycle) freshenTrunk(ctx context.Context, path string, p runtime.CreateWorkspaceParams) {
	if p.TrunkBranch == "" {
		return
	}
	if _, stderr, err := l.fs.Run(ctx, p.ProjectPath, "git", "fetch", "origin", p.TrunkBranch); err != nil {
		emit(p.Log, "Skipping trunk refresh: fetch failed (%s)", strings.TrimSpace(stderr))
		l.log.Debug("trunk fetch failed", zap.String("trunk", p.TrunkBranch), zap.Error(err))
		return
	}
	if ahead, behind, err := l.AheadBehind(ctx, path, "HEAD", "origin/"+p.TrunkBranch); err == nil {
		l.log.Debug("trunk position",
			zap.Int("ahead", ahead),
			zap.Int("behind", behind),
			zap.String("trunk", p.TrunkBranch))
	}
	if _, stderr, err := l.fs.Run(ctx, path, "git", "merge", "--ff-only", "origin/"+p.TrunkBranch); err != nil {
		emit(p.Log, "Skipping trunk refresh: fast-forward not possible (%s)", strings.TrimSpace(stderr))
		l.log.Debug("trunk fast-forward failed", zap.String("trunk", p.TrunkBranch), zap.Error(err))
		return
	}
	emit(p.Log, "Workspace fast-forwarded to origin/%s", p.TrunkBranch)
}

// RenameWorkspace moves the worktree with `git worktree move` so git's
// bookkeeping stays consistent.
func (l *Lifecycle) RenameWorkspace(ctx context.Context, projectPath, oldPath, newPath string) (*runtime.RenameResult, error) {
	if _, stderr, err := l.fs.Run(ctx, projectPath, "git", "worktree", "move", oldPath, newPath); err != nil {
		return nil, fmt.Errorf("git worktree move: %v: %s", err, strings.TrimSpace(stderr))
	}
	l.log.Info("renamed workspace", zap.String("old", oldPath), zap.String("new", newPath))
	return &runtime.RenameResult{OldPath: oldPath, NewPath: newPath}, nil
}

// DeleteWorkspace removes the worktree at path. Idempotent: an
// already-missing directory and stale worktree records both count as
// success. A workspace whose name equals its project path is an in-place
// workspace and is left untouched.
func (l *Lifecycle) DeleteWorkspace(ctx context.Context, path string, p runtime.DeleteWorkspaceParams) error {
	if p.WorkspaceName == p.ProjectPath {
		l.log.Debug("skipping delete of in-place workspace", zap.String("project", p.ProjectPath))
		return nil
	}

	exists, err := l.fs.Exists(ctx, path)
	if err != nil {
		return fmt.Errorf("checking workspace path: %w", err)
	}
	if !exists {
		l.prune(ctx, p.ProjectPath)
		return nil
	}

	args := []string{"worktree", "remove"}
	if p.Force {
		args = append(args, "--force")
	}
	args = append(args, path)

	_, stderr, err := l.fs.Run(ctx, p.ProjectPath, "git", args...)
	if err == nil {
		l.log.Info("removed workspace", zap.String("path", path))
		return nil
	}

	if isStaleWorktreeError(stderr) {
		l.prune(ctx, p.ProjectPath)
		return nil
	}

	if p.Force {
		// git refuses some forced removals (submodules). Prune and fall back
		// to a raw recursive delete.
		l.prune(ctx, p.ProjectPath)
		if rmErr := l.fs.RemoveAll(ctx, path); rmErr != nil {
			return fmt.Errorf("git worktree remove failed (%s) and raw delete failed: %w", strings.TrimSpace(stderr), rmErr)
		}
		l.prune(ctx, p.ProjectPath)
		l.log.Warn("removed workspace with raw delete", zap.String("path", path))
		return nil
	}

	return fmt.Errorf("git worktree remove: %s", strings.TrimSpace(stderr))
}

// ForkWorkspace creates newPath from the source workspace's current branch,
// so the fork inherits the source's exact state.
func (l *Lifecycle) ForkWorkspace(ctx context.Context, srcPath, newPath string, p runtime.ForkWorkspaceParams) (*runtime.WorkspaceInfo, error) {
	branch, err := l.CurrentBranch(ctx, srcPath)
	if err != nil {
		return nil, &runtime.ForkFailure{Fatal: false, Err: fmt.Errorf("reading source workspace branch: %w", err)}
	}

	info, err := l.CreateWorkspace(ctx, newPath, runtime.CreateWorkspaceParams{
		ProjectPath:   p.ProjectPath,
		WorkspaceName: p.NewWorkspaceName,
		BranchName:    p.BranchName,
		TrunkBranch:   branch,
		Log:           p.Log,
	})
	if err != nil {
		// A fork would land on the same path again, so an occupied path can
		// never be healed by falling back to plain creation.
		fatal := errors.Is(err, runtime.ErrWorkspaceExists)
		return nil, &runtime.ForkFailure{Fatal: fatal, Err: err}
	}

	info.SourceBranch = branch
	return info, nil
}

func (l *Lifecycle) prune(ctx context.Context, projectPath string) {
	if _, _, err := l.fs.Run(ctx, projectPath, "git", "worktree", "prune"); err != nil {
		l.log.Debug("git worktree prune failed", zap.Error(err))
	}
}

func isStaleWorktreeError(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "is not a working tree") ||
		strings.Contains(s, "not a valid path") ||
		strings.Contains(s, "no such file or directory")
}
