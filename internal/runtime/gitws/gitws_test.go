package gitws

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/muxhq/mux/internal/runtime"
)

// fakeWorkdir scripts git command results by prefix match and records every
// invocation.
type fakeWorkdir struct {
	// results maps a command prefix ("git worktree add") to its outcome.
	results map[string]fakeResult

	// existing paths; Exists consults this set.
	existing map[string]bool

	calls   []string
	removed []string
}

type fakeResult struct {
	stdout string
	stderr string
	err    error
}

func newFakeWorkdir() *fakeWorkdir {
	return &fakeWorkdir{
		results:  make(map[string]fakeResult),
		existing: make(map[string]bool),
	}
}

func (f *fakeWorkdir) Run(_ context.Context, dir, name string, args ...string) (string, string, error) {
	call := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, call)
	for prefix, res := range f.results {
		if strings.HasPrefix(call, prefix) {
			return res.stdout, res.stderr, res.err
		}
	}
	return "", "", nil
}

func (f *fakeWorkdir) Exists(_ context.Context, path string) (bool, error) {
	return f.existing[path], nil
}

func (f *fakeWorkdir) MkdirAll(_ context.Context, path string) error {
	f.existing[path] = true
	return nil
}

func (f *fakeWorkdir) RemoveAll(_ context.Context, path string) error {
	f.removed = append(f.removed, path)
	delete(f.existing, path)
	return nil
}

func (f *fakeWorkdir) called(prefix string) bool {
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func TestCreateWorkspace_NewBranchFromTrunk(t *testing.T) {
	fs := newFakeWorkdir()
	// Branch does not exist: rev-parse --verify fails.
	fs.results["git rev-parse --verify"] = fakeResult{err: errors.New("exit status 1")}
	lc := NewLifecycle(fs, nil)

	var lines []string
	info, err := lc.CreateWorkspace(context.Background(), "/ws/proj/feat", runtime.CreateWorkspaceParams{
		ProjectPath:   "/repo/proj",
		WorkspaceName: "feat",
		BranchName:    "feat",
		TrunkBranch:   "main",
		Log:           func(line string) { lines = append(lines, line) },
	})
	if err != nil {
		t.Fatalf("CreateWorkspace failed: %v", err)
	}
	if info.Path != "/ws/proj/feat" {
		t.Errorf("path = %q", info.Path)
	}
	if !fs.called("git worktree add -b feat /ws/proj/feat main") {
		t.Errorf("expected worktree add -b from trunk, calls: %v", fs.calls)
	}
	if len(lines) == 0 {
		t.Error("expected progress lines on the log sink")
	}
}

func TestCreateWorkspace_ExistingBranch(t *testing.T) {
	fs := newFakeWorkdir()
	lc := NewLifecycle(fs, nil)

	_, err := lc.CreateWorkspace(context.Background(), "/ws/proj/feat", runtime.CreateWorkspaceParams{
		ProjectPath: "/repo/proj",
		BranchName:  "feat",
		TrunkBranch: "main",
	})
	if err != nil {
		t.Fatalf("CreateWorkspace failed: %v", err)
	}
	if !fs.called("git worktree add /ws/proj/feat feat") {
		t.Errorf("expected plain worktree add for existing branch, calls: %v", fs.calls)
	}
}

func TestCreateWorkspace_PathOccupied(t *testing.T) {
	fs := newFakeWorkdir()
	fs.existing["/ws/proj/feat"] = true
	lc := NewLifecycle(fs, nil)

	_, err := lc.CreateWorkspace(context.Background(), "/ws/proj/feat", runtime.CreateWorkspaceParams{
		ProjectPath: "/repo/proj",
		BranchName:  "feat",
	})
	if !errors.Is(err, runtime.ErrWorkspaceExists) {
		t.Errorf("expected ErrWorkspaceExists, got %v", err)
	}
}

func TestCreateWorkspace_NotGitRepo(t *testing.T) {
	fs := newFakeWorkdir()
	fs.results["git rev-parse --git-dir"] = fakeResult{err: errors.New("exit status 128")}
	lc := NewLifecycle(fs, nil)

	_, err := lc.CreateWorkspace(context.Background(), "/ws/proj/feat", runtime.CreateWorkspaceParams{
		ProjectPath: "/repo/proj",
		BranchName:  "feat",
	})
	if !errors.Is(err, runtime.ErrNotGitRepo) {
		t.Errorf("expected ErrNotGitRepo, got %v", err)
	}
}

func TestCreateWorkspace_FetchFailureIsNonFatal(t *testing.T) {
	fs := newFakeWorkdir()
	fs.results["git rev-parse --verify"] = fakeResult{err: errors.New("exit status 1")}
	fs.results["git fetch"] = fakeResult{stderr: "no remote", err: errors.New("exit status 128")}
	lc := NewLifecycle(fs, nil)

	_, err := lc.CreateWorkspace(context.Background(), "/ws/proj/feat", runtime.CreateWorkspaceParams{
		ProjectPath: "/repo/proj",
		BranchName:  "feat",
		TrunkBranch: "main",
	})
	if err != nil {
		t.Fatalf("fetch failure must not fail creation: %v", err)
	}
}

func TestDeleteWorkspace_MissingPathIsSuccess(t *testing.T) {
	fs := newFakeWorkdir()
	lc := NewLifecycle(fs, nil)

	err := lc.DeleteWorkspace(context.Background(), "/ws/proj/feat", runtime.DeleteWorkspaceParams{
		ProjectPath:   "/repo/proj",
		WorkspaceName: "feat",
	})
	if err != nil {
		t.Fatalf("expected missing workspace to delete cleanly: %v", err)
	}
	if !fs.called("git worktree prune") {
		t.Error("expected prune after missing-path delete")
	}
	if fs.called("git worktree remove") {
		t.Error("should not attempt removal of a missing path")
	}
}

func TestDeleteWorkspace_StaleRecordIsSuccess(t *testing.T) {
	fs := newFakeWorkdir()
	fs.existing["/ws/proj/feat"] = true
	fs.results["git worktree remove"] = fakeResult{
		stderr: "fatal: '/ws/proj/feat' is not a working tree",
		err:    errors.New("exit status 128"),
	}
	lc := NewLifecycle(fs, nil)

	err := lc.DeleteWorkspace(context.Background(), "/ws/proj/feat", runtime.DeleteWorkspaceParams{
		ProjectPath:   "/repo/proj",
		WorkspaceName: "feat",
	})
	if err != nil {
		t.Fatalf("stale worktree record should delete cleanly: %v", err)
	}
	if !fs.called("git worktree prune") {
		t.Error("expected prune after stale-record delete")
	}
}

func TestDeleteWorkspace_ForceFallsBackToRawDelete(t *testing.T) {
	fs := newFakeWorkdir()
	fs.existing["/ws/proj/feat"] = true
	fs.results["git worktree remove"] = fakeResult{
		stderr: "fatal: working trees containing submodules cannot be moved or removed",
		err:    errors.New("exit status 128"),
	}
	lc := NewLifecycle(fs, nil)

	err := lc.DeleteWorkspace(context.Background(), "/ws/proj/feat", runtime.DeleteWorkspaceParams{
		ProjectPath:   "/repo/proj",
		WorkspaceName: "feat",
		Force:         true,
	})
	if err != nil {
		t.Fatalf("forced delete should fall back to raw removal: %v", err)
	}
	if len(fs.removed) != 1 || fs.removed[0] != "/ws/proj/feat" {
		t.Errorf("expected raw delete of workspace path, removed: %v", fs.removed)
	}
}

func TestDeleteWorkspace_UnforcedSurfacesGitError(t *testing.T) {
	fs := newFakeWorkdir()
	fs.existing["/ws/proj/feat"] = true
	fs.results["git worktree remove"] = fakeResult{
		stderr: "fatal: '/ws/proj/feat' contains modified or untracked files",
		err:    errors.New("exit status 128"),
	}
	lc := NewLifecycle(fs, nil)

	err := lc.DeleteWorkspace(context.Background(), "/ws/proj/feat", runtime.DeleteWorkspaceParams{
		ProjectPath:   "/repo/proj",
		WorkspaceName: "feat",
	})
	if err == nil || !strings.Contains(err.Error(), "modified or untracked") {
		t.Errorf("expected git stderr in error, got %v", err)
	}
	if len(fs.removed) != 0 {
		t.Errorf("unforced delete must not raw-delete, removed: %v", fs.removed)
	}
}

func TestDeleteWorkspace_InPlaceWorkspaceSkipped(t *testing.T) {
	fs := newFakeWorkdir()
	fs.existing["/repo/proj"] = true
	lc := NewLifecycle(fs, nil)

	err := lc.DeleteWorkspace(context.Background(), "/repo/proj", runtime.DeleteWorkspaceParams{
		ProjectPath:   "/repo/proj",
		WorkspaceName: "/repo/proj",
	})
	if err != nil {
		t.Fatalf("in-place workspace delete should be a no-op: %v", err)
	}
	if len(fs.calls) != 0 {
		t.Errorf("expected no git calls, got %v", fs.calls)
	}
}

func TestForkWorkspace_InheritsSourceBranch(t *testing.T) {
	fs := newFakeWorkdir()
	fs.results["git branch --show-current"] = fakeResult{stdout: "feature-a\n"}
	fs.results["git rev-parse --verify"] = fakeResult{err: errors.New("exit status 1")}
	lc := NewLifecycle(fs, nil)

	info, err := lc.ForkWorkspace(context.Background(), "/ws/proj/a", "/ws/proj/b", runtime.ForkWorkspaceParams{
		ProjectPath:      "/repo/proj",
		NewWorkspaceName: "b",
		BranchName:       "feature-b",
	})
	if err != nil {
		t.Fatalf("ForkWorkspace failed: %v", err)
	}
	if info.SourceBranch != "feature-a" {
		t.Errorf("SourceBranch = %q, want feature-a", info.SourceBranch)
	}
	if !fs.called("git worktree add -b feature-b /ws/proj/b feature-a") {
		t.Errorf("fork must branch from the source's branch, calls: %v", fs.calls)
	}
}

func TestForkWorkspace_DetachedHeadIsNonFatal(t *testing.T) {
	fs := newFakeWorkdir()
	fs.results["git branch --show-current"] = fakeResult{stdout: "\n"}
	lc := NewLifecycle(fs, nil)

	_, err := lc.ForkWorkspace(context.Background(), "/ws/proj/a", "/ws/proj/b", runtime.ForkWorkspaceParams{
		ProjectPath:      "/repo/proj",
		NewWorkspaceName: "b",
		BranchName:       "feature-b",
	})
	ff, ok := runtime.AsForkFailure(err)
	if !ok {
		t.Fatalf("expected ForkFailure, got %v", err)
	}
	if ff.Fatal {
		t.Error("detached HEAD must be a non-fatal fork failure")
	}
}

func TestForkWorkspace_OccupiedPathIsFatal(t *testing.T) {
	fs := newFakeWorkdir()
	fs.results["git branch --show-current"] = fakeResult{stdout: "feature-a\n"}
	fs.existing["/ws/proj/b"] = true
	lc := NewLifecycle(fs, nil)

	_, err := lc.ForkWorkspace(context.Background(), "/ws/proj/a", "/ws/proj/b", runtime.ForkWorkspaceParams{
		ProjectPath:      "/repo/proj",
		NewWorkspaceName: "b",
		BranchName:       "feature-b",
	})
	ff, ok := runtime.AsForkFailure(err)
	if !ok {
		t.Fatalf("expected ForkFailure, got %v", err)
	}
	if !ff.Fatal {
		t.Error("occupied destination path must be fatal: fallback would hit the same path")
	}
}

func TestDefaultBranch(t *testing.T) {
	fs := newFakeWorkdir()
	fs.results["git symbolic-ref"] = fakeResult{stdout: "origin/develop\n"}
	lc := NewLifecycle(fs, nil)

	branch, err := lc.DefaultBranch(context.Background(), "/repo/proj")
	if err != nil {
		t.Fatalf("DefaultBranch failed: %v", err)
	}
	if branch != "develop" {
		t.Errorf("branch = %q, want develop", branch)
	}
}

func TestDefaultBranch_FallsBackToInitDefault(t *testing.T) {
	fs := newFakeWorkdir()
	fs.results["git symbolic-ref"] = fakeResult{err: errors.New("exit status 128")}
	fs.results["git config init.defaultBranch"] = fakeResult{stdout: "trunk\n"}
	lc := NewLifecycle(fs, nil)

	branch, err := lc.DefaultBranch(context.Background(), "/repo/proj")
	if err != nil {
		t.Fatalf("DefaultBranch failed: %v", err)
	}
	if branch != "trunk" {
		t.Errorf("branch = %q, want trunk", branch)
	}
}

func TestCurrentBranch_Detached(t *testing.T) {
	fs := newFakeWorkdir()
	fs.results["git branch --show-current"] = fakeResult{stdout: ""}
	lc := NewLifecycle(fs, nil)

	if _, err := lc.CurrentBranch(context.Background(), "/ws/proj/a"); err == nil {
		t.Error("expected error on detached HEAD")
	}
}

func TestLocalBranches(t *testing.T) {
	fs := newFakeWorkdir()
	fs.results["git for-each-ref"] = fakeResult{stdout: "main\nfeature-a\n\n"}
	lc := NewLifecycle(fs, nil)

	branches, err := lc.LocalBranches(context.Background(), "/repo/proj")
	if err != nil {
		t.Fatalf("LocalBranches failed: %v", err)
	}
	want := []string{"main", "feature-a"}
	if fmt.Sprint(branches) != fmt.Sprint(want) {
		t.Errorf("branches = %v, want %v", branches, want)
	}
}
