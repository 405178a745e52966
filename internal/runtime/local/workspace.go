package local

import (
	"context"
	"fmt"
	"os"

	"github.com/muxhq/mux/internal/runtime"
)

// CreateWorkspace adds a git worktree at the computed workspace path.
func (r *Runtime) CreateWorkspace(ctx context.Context, params runtime.CreateWorkspaceParams) (*runtime.WorkspaceInfo, error) {
	path, err := r.WorkspacePath(params.ProjectPath, params.WorkspaceName)
	if err != nil {
		return nil, err
	}
	return r.lc.CreateWorkspace(ctx, path, params)
}

// InitWorkspace ensures the base directory exists and the project is a git
// repository.
func (r *Runtime) InitWorkspace(ctx context.Context, projectPath string) error {
	base := r.NormalizePath(r.baseDir)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return fmt.Errorf("creating workspace base directory: %w", err)
	}
	if !r.lc.IsGitRepo(ctx, projectPath) {
		return fmt.Errorf("%w: %s", runtime.ErrNotGitRepo, projectPath)
	}
	return nil
}

// RenameWorkspace moves the worktree via git so bookkeeping stays consistent.
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

// DeleteWorkspace removes the worktree. Idempotent.
func (r *Runtime) DeleteWorkspace(ctx context.Context, params runtime.DeleteWorkspaceParams) error {
	path, err := r.WorkspacePath(params.ProjectPath, params.WorkspaceName)
	if err != nil {
		return err
	}
	return r.lc.DeleteWorkspace(ctx, path, params)
}

// ForkWorkspace creates a new workspace from the source workspace's current
// branch.
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
