// Package workspace manages workspace records and orchestrates their
// lifecycle across runtime backends: creation, renaming, deletion, and
// fork-with-fallback.
package workspace

import (
	"context"
	"errors"
	"fmt"

	"github.com/muxhq/mux/internal/common/appctx"
	"github.com/muxhq/mux/internal/common/constants"
	"github.com/muxhq/mux/internal/common/logger"
	"github.com/muxhq/mux/internal/events/bus"
	"github.com/muxhq/mux/internal/runtime"
	"github.com/muxhq/mux/internal/runtime/factory"
	"go.uber.org/zap"
)

// Event subjects published by the service. Payloads are workspace Records.
const (
	EventCreated = "workspace.created"
	EventForked  = "workspace.forked"
	EventRenamed = "workspace.renamed"
	EventDeleted = "workspace.deleted"
)

// Service owns workspace records and drives runtime lifecycle operations.
type Service struct {
	store  *Store
	bus    bus.EventBus
	forker *Forker
	deps   factory.Deps
	log    *logger.Logger
}

// NewService wires the workspace service.
func NewService(store *Store, eventBus bus.EventBus, deps factory.Deps, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		store:  store,
		bus:    eventBus,
		forker: NewForker(log),
		deps:   deps,
		log:    log,
	}
}

// CreateRequest asks for a fresh workspace on a branch.
type CreateRequest struct {
	ProjectPath string
	Name        string
	Branch      string
	TrunkBranch string
	Runtime     runtime.Config
	Log         runtime.LogSink
}

// Create provisions the workspace directory and persists its record. The
// record is inserted in creating state before the runtime operation starts so
// a crash mid-provision leaves an inspectable row rather than an orphan
// directory.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Record, error) {
	if err := req.Runtime.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.store.GetByName(ctx, req.ProjectPath, req.Name); err == nil {
		return nil, fmt.Errorf("workspace %q in %s: %w", req.Name, req.ProjectPath, runtime.ErrWorkspaceExists)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// Provisioning must finish (or fail and be recorded) even if the caller
	// disconnects mid-flight.
	ctx, cancel := appctx.Detached(ctx, constants.WorkspaceCreateTimeout)
	defer cancel()

	rt, err := factory.New(ctx, req.Runtime, req.ProjectPath, req.Name, s.deps)
	if err != nil {
		return nil, err
	}
	if err := rt.InitWorkspace(ctx, req.ProjectPath); err != nil {
		return nil, err
	}

	path, err := rt.WorkspacePath(req.ProjectPath, req.Name)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		ProjectPath: req.ProjectPath,
		Name:        req.Name,
		Branch:      req.Branch,
		TrunkBranch: req.TrunkBranch,
		Path:        path,
		Status:      StatusCreating,
	}
	if err := rec.SetRuntime(req.Runtime); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("persisting workspace: %w", err)
	}

	info, err := rt.CreateWorkspace(ctx, runtime.CreateWorkspaceParams{
		ProjectPath:   req.ProjectPath,
		WorkspaceName: req.Name,
		BranchName:    req.Branch,
		TrunkBranch:   req.TrunkBranch,
		Log:           req.Log,
	})
	if err != nil {
		if stErr := s.store.UpdateStatus(ctx, rec.ID, StatusFailed); stErr != nil {
			s.log.Error("failed to mark workspace failed", zap.String("workspace_id", rec.ID), zap.Error(stErr))
		}
		return nil, err
	}

	rec.Path = info.Path
	rec.Status = StatusReady
	if err := s.store.Rename(ctx, rec.ID, rec.Name, rec.Path); err != nil {
		return nil, err
	}
	if err := s.store.UpdateStatus(ctx, rec.ID, StatusReady); err != nil {
		return nil, err
	}

	s.publish(ctx, EventCreated, rec)
	return rec, nil
}

// ForkServiceRequest asks for a fork of an existing workspace.
type ForkServiceRequest struct {
	SourceID       string
	NewName        string
	Branch         string
	PreferredTrunk string
	Log            runtime.LogSink
}

// Fork creates a new workspace seeded from the source's current state. The
// fork gets its own runtime identity: a docker fork never reuses the
// source's container name.
func (s *Service) Fork(ctx context.Context, req ForkServiceRequest) (*Record, error) {
	ctx, cancel := appctx.Detached(ctx, constants.WorkspaceForkTimeout)
	defer cancel()

	src, err := s.store.Get(ctx, req.SourceID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetByName(ctx, src.ProjectPath, req.NewName); err == nil {
		return nil, fmt.Errorf("workspace %q in %s: %w", req.NewName, src.ProjectPath, runtime.ErrWorkspaceExists)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	srcCfg, err := src.Runtime()
	if err != nil {
		return nil, err
	}

	cfg := ForkConfig(srcCfg, src.ProjectPath, req.NewName)
	rt, err := factory.New(ctx, cfg, src.ProjectPath, req.NewName, s.deps)
	if err != nil {
		return nil, err
	}

	info, err := s.forker.Fork(ctx, rt, ForkRequest{
		ProjectPath:         src.ProjectPath,
		SourceWorkspaceName: src.Name,
		NewWorkspaceName:    req.NewName,
		BranchName:          req.Branch,
		PreferredTrunk:      req.PreferredTrunk,
		Log:                 req.Log,
	})
	if err != nil {
		return nil, err
	}

	rec := &Record{
		ProjectPath:  src.ProjectPath,
		Name:         req.NewName,
		Branch:       req.Branch,
		TrunkBranch:  src.TrunkBranch,
		Path:         info.Path,
		SourceBranch: info.SourceBranch,
		Status:       StatusReady,
	}
	if err := rec.SetRuntime(cfg); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("persisting forked workspace: %w", err)
	}

	s.publish(ctx, EventForked, rec)
	return rec, nil
}

// Rename moves the workspace directory and updates the record.
func (s *Service) Rename(ctx context.Context, id, newName string) (*Record, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	cfg, err := rec.Runtime()
	if err != nil {
		return nil, err
	}
	rt, err := factory.New(ctx, cfg, rec.ProjectPath, rec.Name, s.deps)
	if err != nil {
		return nil, err
	}

	res, err := rt.RenameWorkspace(ctx, rec.ProjectPath, rec.Name, newName)
	if err != nil {
		return nil, err
	}
	if err := s.store.Rename(ctx, id, newName, res.NewPath); err != nil {
		return nil, err
	}

	rec.Name = newName
	rec.Path = res.NewPath
	s.publish(ctx, EventRenamed, rec)
	return rec, nil
}

// Delete removes the workspace directory and its record. Directory removal
// is idempotent, so a record whose directory is already gone still deletes
// cleanly.
func (s *Service) Delete(ctx context.Context, id string, force bool) error {
	ctx, cancel := appctx.Detached(ctx, constants.WorkspaceDeleteTimeout)
	defer cancel()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	cfg, err := rec.Runtime()
	if err != nil {
		return err
	}
	rt, err := factory.New(ctx, cfg, rec.ProjectPath, rec.Name, s.deps)
	if err != nil {
		return err
	}

	if err := s.store.UpdateStatus(ctx, id, StatusDeleting); err != nil {
		return err
	}
	if err := rt.DeleteWorkspace(ctx, runtime.DeleteWorkspaceParams{
		ProjectPath:   rec.ProjectPath,
		WorkspaceName: rec.Name,
		Force:         force,
	}); err != nil {
		if stErr := s.store.UpdateStatus(ctx, id, StatusFailed); stErr != nil {
			s.log.Error("failed to mark workspace failed", zap.String("workspace_id", id), zap.Error(stErr))
		}
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}

	s.publish(ctx, EventDeleted, rec)
	return nil
}

// RuntimeFor constructs the runtime a record's configuration selects.
func (s *Service) RuntimeFor(ctx context.Context, rec *Record) (runtime.Runtime, error) {
	cfg, err := rec.Runtime()
	if err != nil {
		return nil, err
	}
	return factory.New(ctx, cfg, rec.ProjectPath, rec.Name, s.deps)
}

// Get returns one workspace record.
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	return s.store.Get(ctx, id)
}

// List returns workspace records, optionally scoped to a project.
func (s *Service) List(ctx context.Context, projectPath string) ([]*Record, error) {
	return s.store.List(ctx, projectPath)
}

func (s *Service) publish(ctx context.Context, subject string, rec *Record) {
	if s.bus == nil {
		return
	}
	evt, err := bus.NewEvent(subject, "workspace-service", rec)
	if err != nil {
		s.log.Error("failed to build workspace event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := s.bus.Publish(ctx, subject, evt); err != nil {
		s.log.Error("failed to publish workspace event", zap.String("subject", subject), zap.Error(err))
	}
}
