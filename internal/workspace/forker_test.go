package workspace

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/muxhq/mux/internal/runtime"
	"github.com/muxhq/mux/internal/runtime/gitws"
)

// fakeRuntime implements runtime.Runtime with scripted fork and create
// outcomes. It deliberately has no Git method; gitRuntime adds one.
type fakeRuntime struct {
	forkInfo *runtime.WorkspaceInfo
	forkErr  error

	createCalls []runtime.CreateWorkspaceParams
	createInfo  *runtime.WorkspaceInfo
	createErr   error
}

func (f *fakeRuntime) Exec(context.Context, string, runtime.ExecOptions) (runtime.ExecStream, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeRuntime) ReadFile(context.Context, string) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeRuntime) WriteFile(context.Context, string) (runtime.FileWriter, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeRuntime) Stat(context.Context, string) (runtime.FileStat, error) {
	return runtime.FileStat{}, errors.New("not implemented")
}
func (f *fakeRuntime) ResolvePath(_ context.Context, p string) (string, error) { return p, nil }
func (f *fakeRuntime) NormalizePath(p string) string                           { return p }
func (f *fakeRuntime) WorkspacePath(projectPath, workspaceName string) (string, error) {
	return "/ws/" + workspaceName, nil
}
func (f *fakeRuntime) InitWorkspace(context.Context, string) error { return nil }
func (f *fakeRuntime) RenameWorkspace(context.Context, string, string, string) (*runtime.RenameResult, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeRuntime) DeleteWorkspace(context.Context, runtime.DeleteWorkspaceParams) error {
	return nil
}

func (f *fakeRuntime) CreateWorkspace(_ context.Context, p runtime.CreateWorkspaceParams) (*runtime.WorkspaceInfo, error) {
	f.createCalls = append(f.createCalls, p)
	if f.createErr != nil {
		return nil, f.createErr
	}
	if f.createInfo != nil {
		return f.createInfo, nil
	}
	return &runtime.WorkspaceInfo{Path: "/ws/" + p.WorkspaceName}, nil
}

func (f *fakeRuntime) ForkWorkspace(context.Context, runtime.ForkWorkspaceParams) (*runtime.WorkspaceInfo, error) {
	if f.forkErr != nil {
		return nil, f.forkErr
	}
	return f.forkInfo, nil
}

// gitRuntime is a fakeRuntime that also exposes branch inspection over a
// scripted Workdir.
type gitRuntime struct {
	fakeRuntime
	lc *gitws.Lifecycle
}

func (g *gitRuntime) Git() *gitws.Lifecycle { return g.lc }

// scriptedFS answers git commands by prefix.
type scriptedFS struct {
	results map[string]scriptedResult
}

type scriptedResult struct {
	stdout string
	err    error
}

func (s *scriptedFS) Run(_ context.Context, dir, name string, args ...string) (string, string, error) {
	call := name + " " + strings.Join(args, " ")
	for prefix, res := range s.results {
		if strings.HasPrefix(call, prefix) {
			return res.stdout, "", res.err
		}
	}
	return "", "", nil
}
func (s *scriptedFS) Exists(context.Context, string) (bool, error) { return false, nil }
func (s *scriptedFS) MkdirAll(context.Context, string) error       { return nil }
func (s *scriptedFS) RemoveAll(context.Context, string) error      { return nil }

func baseForkRequest() ForkRequest {
	return ForkRequest{
		ProjectPath:         "/repo/proj",
		SourceWorkspaceName: "a",
		NewWorkspaceName:    "b",
		BranchName:          "feature-b",
	}
}

func TestFork_NativeSuccess(t *testing.T) {
	rt := &fakeRuntime{forkInfo: &runtime.WorkspaceInfo{Path: "/ws/b", SourceBranch: "feature-a"}}
	f := NewForker(nil)

	info, err := f.Fork(context.Background(), rt, baseForkRequest())
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}
	if info.SourceBranch != "feature-a" {
		t.Errorf("SourceBranch = %q", info.SourceBranch)
	}
	if len(rt.createCalls) != 0 {
		t.Error("native fork success must not fall back to create")
	}
}

func TestFork_FatalFailureShortCircuits(t *testing.T) {
	rt := &fakeRuntime{forkErr: &runtime.ForkFailure{Fatal: true, Err: runtime.ErrWorkspaceExists}}
	f := NewForker(nil)

	_, err := f.Fork(context.Background(), rt, baseForkRequest())
	if err == nil {
		t.Fatal("expected error")
	}
	if len(rt.createCalls) != 0 {
		t.Error("fatal fork failure must not fall back to create")
	}
}

func TestFork_NonForkFailureErrorSurfaces(t *testing.T) {
	rt := &fakeRuntime{forkErr: errors.New("transport broke")}
	f := NewForker(nil)

	_, err := f.Fork(context.Background(), rt, baseForkRequest())
	if err == nil || err.Error() != "transport broke" {
		t.Errorf("expected transport error as-is, got %v", err)
	}
	if len(rt.createCalls) != 0 {
		t.Error("non-fork errors must not fall back to create")
	}
}

func TestFork_FallbackUsesPreferredTrunk(t *testing.T) {
	rt := &fakeRuntime{forkErr: &runtime.ForkFailure{Err: errors.New("detached HEAD")}}
	f := NewForker(nil)

	req := baseForkRequest()
	req.PreferredTrunk = "develop"
	if _, err := f.Fork(context.Background(), rt, req); err != nil {
		t.Fatalf("Fork fallback failed: %v", err)
	}
	if len(rt.createCalls) != 1 || rt.createCalls[0].TrunkBranch != "develop" {
		t.Errorf("create calls: %+v", rt.createCalls)
	}
}

func TestFork_FallbackDefaultsToMain(t *testing.T) {
	rt := &fakeRuntime{forkErr: &runtime.ForkFailure{Err: errors.New("detached HEAD")}}
	f := NewForker(nil)

	if _, err := f.Fork(context.Background(), rt, baseForkRequest()); err != nil {
		t.Fatalf("Fork fallback failed: %v", err)
	}
	if len(rt.createCalls) != 1 || rt.createCalls[0].TrunkBranch != "main" {
		t.Errorf("create calls: %+v", rt.createCalls)
	}
}

func TestFork_FallbackPrefersSourceBranch(t *testing.T) {
	fs := &scriptedFS{results: map[string]scriptedResult{
		"git branch --show-current": {stdout: "feature-a\n"},
		// rev-parse --verify succeeds: the branch exists in the project.
	}}
	rt := &gitRuntime{
		fakeRuntime: fakeRuntime{forkErr: &runtime.ForkFailure{Err: errors.New("worktree add failed")}},
		lc:          gitws.NewLifecycle(fs, nil),
	}
	f := NewForker(nil)

	req := baseForkRequest()
	req.PreferredTrunk = "develop"
	if _, err := f.Fork(context.Background(), rt, req); err != nil {
		t.Fatalf("Fork fallback failed: %v", err)
	}
	if len(rt.createCalls) != 1 || rt.createCalls[0].TrunkBranch != "feature-a" {
		t.Errorf("source branch must beat preferred trunk, create calls: %+v", rt.createCalls)
	}
}

func TestFork_FallbackSkipsMissingSourceBranch(t *testing.T) {
	fs := &scriptedFS{results: map[string]scriptedResult{
		"git branch --show-current": {stdout: "feature-a\n"},
		"git rev-parse --verify":    {err: errors.New("exit status 1")},
	}}
	rt := &gitRuntime{
		fakeRuntime: fakeRuntime{forkErr: &runtime.ForkFailure{Err: errors.New("worktree add failed")}},
		lc:          gitws.NewLifecycle(fs, nil),
	}
	f := NewForker(nil)

	req := baseForkRequest()
	req.PreferredTrunk = "develop"
	if _, err := f.Fork(context.Background(), rt, req); err != nil {
		t.Fatalf("Fork fallback failed: %v", err)
	}
	if len(rt.createCalls) != 1 || rt.createCalls[0].TrunkBranch != "develop" {
		t.Errorf("missing source branch must fall through to preferred trunk, create calls: %+v", rt.createCalls)
	}
}

func TestFork_FallbackDetectsDefaultBranch(t *testing.T) {
	fs := &scriptedFS{results: map[string]scriptedResult{
		"git branch --show-current": {err: errors.New("exit status 128")},
		"git symbolic-ref":          {stdout: "origin/develop\n"},
	}}
	rt := &gitRuntime{
		fakeRuntime: fakeRuntime{forkErr: &runtime.ForkFailure{Err: errors.New("worktree add failed")}},
		lc:          gitws.NewLifecycle(fs, nil),
	}
	f := NewForker(nil)

	if _, err := f.Fork(context.Background(), rt, baseForkRequest()); err != nil {
		t.Fatalf("Fork fallback failed: %v", err)
	}
	if len(rt.createCalls) != 1 || rt.createCalls[0].TrunkBranch != "develop" {
		t.Errorf("expected detected default branch, create calls: %+v", rt.createCalls)
	}
}

func TestForkConfig_DockerGetsFreshContainerName(t *testing.T) {
	src := runtime.Config{
		Kind:          runtime.KindDocker,
		Image:         "ubuntu:24.04",
		ContainerName: runtime.ContainerName("/repo/proj", "a"),
	}
	cfg := ForkConfig(src, "/repo/proj", "b")

	if cfg.ContainerName == src.ContainerName {
		t.Error("fork must not inherit the source's container name")
	}
	if cfg.ContainerName != runtime.ContainerName("/repo/proj", "b") {
		t.Errorf("container name = %q", cfg.ContainerName)
	}
	if cfg.Image != src.Image {
		t.Error("image must carry over")
	}
}

func TestForkConfig_NonDockerUnchanged(t *testing.T) {
	src := runtime.Config{Kind: runtime.KindLocal, SrcBaseDir: "~/.mux/src"}
	if cfg := ForkConfig(src, "/repo/proj", "b"); cfg != src {
		t.Errorf("local config changed: %+v", cfg)
	}
}
