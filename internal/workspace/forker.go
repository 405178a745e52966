package workspace

import (
	"context"

	"github.com/muxhq/mux/internal/common/logger"
	"github.com/muxhq/mux/internal/runtime"
	"github.com/muxhq/mux/internal/runtime/gitws"
	"go.uber.org/zap"
)

// ForkRequest asks for a new workspace seeded from an existing one.
type ForkRequest struct {
	ProjectPath         string
	SourceWorkspaceName string
	NewWorkspaceName    string
	BranchName          string

	// PreferredTrunk overrides trunk detection when the native fork falls
	// back to plain creation.
	PreferredTrunk string

	Log runtime.LogSink
}

// branchInspector is implemented by every runtime variant; the orchestrator
// uses it to pick a fallback trunk.
type branchInspector interface {
	Git() *gitws.Lifecycle
}

// Forker orchestrates workspace forking over any runtime. It first attempts
// the runtime's native fork, which inherits the source workspace's branch
// state. When the fork reports a non-fatal failure it degrades to a plain
// creation from the best trunk available. Fatal failures (the destination
// path is already occupied) are surfaced as-is, because creation would
// collide with the same path.
type Forker struct {
	log *logger.Logger
}

// NewForker returns a fork orchestrator.
func NewForker(log *logger.Logger) *Forker {
	if log == nil {
		log = logger.Default()
	}
	return &Forker{log: log}
}

// Fork runs the fork-with-fallback sequence on rt.
func (f *Forker) Fork(ctx context.Context, rt runtime.Runtime, req ForkRequest) (*runtime.WorkspaceInfo, error) {
	info, err := rt.ForkWorkspace(ctx, runtime.ForkWorkspaceParams{
		ProjectPath:         req.ProjectPath,
		SourceWorkspaceName: req.SourceWorkspaceName,
		NewWorkspaceName:    req.NewWorkspaceName,
		BranchName:          req.BranchName,
		Log:                 req.Log,
	})
	if err == nil {
		return info, nil
	}

	ff, ok := runtime.AsForkFailure(err)
	if !ok || ff.Fatal {
		return nil, err
	}

	trunk := f.fallbackTrunk(ctx, rt, req)
	f.log.Warn("native fork failed, creating from trunk",
		zap.String("workspace", req.NewWorkspaceName),
		zap.String("trunk", trunk),
		zap.Error(ff.Err))
	if req.Log != nil {
		req.Log("fork unavailable, creating workspace from " + trunk)
	}

	return rt.CreateWorkspace(ctx, runtime.CreateWorkspaceParams{
		ProjectPath:   req.ProjectPath,
		WorkspaceName: req.NewWorkspaceName,
		BranchName:    req.BranchName,
		TrunkBranch:   trunk,
		Log:           req.Log,
	})
}

// fallbackTrunk picks the branch a degraded fork creates from, in order of
// preference: the source workspace's branch when it exists in the project,
// the caller's preferred trunk, the project's detected default branch, and
// finally "main".
func (f *Forker) fallbackTrunk(ctx context.Context, rt runtime.Runtime, req ForkRequest) string {
	gi, ok := rt.(branchInspector)
	if ok {
		if srcPath, err := rt.WorkspacePath(req.ProjectPath, req.SourceWorkspaceName); err == nil {
			if branch, err := gi.Git().CurrentBranch(ctx, srcPath); err == nil && branch != "" {
				if gi.Git().BranchExists(ctx, req.ProjectPath, branch) {
					return branch
				}
			}
		}
	}
	if req.PreferredTrunk != "" {
		return req.PreferredTrunk
	}
	if ok {
		if def, err := gi.Git().DefaultBranch(ctx, req.ProjectPath); err == nil && def != "" {
			return def
		}
	}
	return "main"
}

// ForkConfig derives the fork's runtime configuration from the source's. The
// configuration is copied except for identity-bound fields: a docker fork
// must get its own container name derived from the destination workspace,
// never the source's.
func ForkConfig(src runtime.Config, projectPath, newWorkspaceName string) runtime.Config {
	cfg := src
	if cfg.Kind == runtime.KindDocker {
		cfg.ContainerName = runtime.ContainerName(projectPath, newWorkspaceName)
	}
	return cfg
}
