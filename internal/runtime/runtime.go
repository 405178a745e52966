// Package runtime defines the execution contract shared by all workspace
// backends (local, worktree, SSH, Docker). Every variant must preserve the
// same externally observable semantics: sentinel exit codes, error taxonomy,
// and workspace lifecycle behavior.
package runtime

import (
	"context"
	"io"
	"time"
)

// Sentinel exit codes. Real POSIX exit statuses are 0..255, so negative
// values can never collide with a code the OS reports.
const (
	// ExitCodeAborted is yielded when the caller cancelled the execution.
	ExitCodeAborted = -1

	// ExitCodeTimedOut is yielded when the execution exceeded its timeout.
	ExitCodeTimedOut = -2
)

// ExecOptions controls a single Exec invocation.
type ExecOptions struct {
	// Cwd is the working directory for the command. Required; it must exist
	// before the command is spawned.
	Cwd string

	// Env holds environment variable overrides applied on top of the
	// runtime's base environment.
	Env map[string]string

	// TimeoutSecs kills the whole process group and yields ExitCodeTimedOut
	// once elapsed. Zero means no timeout.
	TimeoutSecs int

	// Niceness applies `nice -n <level>` on non-Windows hosts. Zero leaves
	// scheduling untouched.
	Niceness int
}

// ExecStream is the live handle to a running command. Exactly one terminal
// exit code is produced per Exec call, and it is produced exactly once;
// subsequent Wait calls return the same value.
type ExecStream interface {
	Stdout() io.Reader
	Stderr() io.Reader
	Stdin() io.WriteCloser

	// Pid reports the OS process id of the spawned command, or 0 when the
	// transport has not learned it yet.
	Pid() int

	// Close releases the stream's stdio resources. Call it once the output
	// has been consumed (or will never be); reads fail afterwards.
	// Idempotent.
	Close() error

	// Wait blocks until the command reaches a terminal state and returns the
	// exit code: ExitCodeAborted if aborted, ExitCodeTimedOut if timed out,
	// otherwise the real exit code (0 when the OS reports none). The ctx here
	// only bounds the wait itself, not the command. A non-nil error together
	// with ExitCodeAborted means the transport lost track of the command.
	Wait(ctx context.Context) (int, error)

	// Abort cancels the execution. The entire process group receives an
	// unmaskable kill; Wait then yields ExitCodeAborted. Idempotent.
	Abort()

	// Duration reports the command's wall-clock run time. Valid once Wait
	// has returned.
	Duration() time.Duration
}

// FileWriter is the handle returned by WriteFile. Bytes stream into a
// temporary sibling file; Close renames it into place so a reader never
// observes a partially written file. Abort deletes the temporary file.
type FileWriter interface {
	io.WriteCloser

	// Abort discards everything written so far and reports a file_io error.
	Abort() error
}

// FileStat describes a file or directory.
type FileStat struct {
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
	IsDir   bool      `json:"is_dir"`
}

// WorkspaceInfo is the success result of CreateWorkspace and ForkWorkspace.
type WorkspaceInfo struct {
	// Path is the absolute workspace directory.
	Path string `json:"path"`

	// SourceBranch is the branch the source workspace was on when forking.
	// Empty for plain creation.
	SourceBranch string `json:"source_branch,omitempty"`
}

// RenameResult carries the old and new workspace paths after a rename.
type RenameResult struct {
	OldPath string `json:"old_path"`
	NewPath string `json:"new_path"`
}

// LogSink receives human-readable progress lines during long workspace
// operations. A nil sink discards them.
type LogSink func(line string)

// CreateWorkspaceParams are the inputs to CreateWorkspace.
type CreateWorkspaceParams struct {
	// ProjectPath is the path of the main repository checkout.
	ProjectPath string

	// WorkspaceName names the workspace directory under the project's slot
	// in the base dir. Usually equals BranchName.
	WorkspaceName string

	// BranchName is the branch checked out in the new workspace. If the
	// branch already exists locally the worktree points at it; otherwise it
	// is created from TrunkBranch.
	BranchName string

	// TrunkBranch is the branch a freshly created BranchName forks from.
	TrunkBranch string

	Log LogSink
}

// ForkWorkspaceParams are the inputs to ForkWorkspace.
type ForkWorkspaceParams struct {
	ProjectPath string

	// SourceWorkspaceName is the workspace being forked.
	SourceWorkspaceName string

	// NewWorkspaceName names the fork's workspace directory.
	NewWorkspaceName string

	// BranchName is the branch created for the fork.
	BranchName string

	Log LogSink
}

// DeleteWorkspaceParams are the inputs to DeleteWorkspace.
type DeleteWorkspaceParams struct {
	ProjectPath   string
	WorkspaceName string

	// Force escalates to `git worktree remove --force` and, if git still
	// refuses, a raw recursive delete after pruning.
	Force bool
}

// Runtime executes commands and file I/O for one workspace over one
// transport. Instances are cheap and stateless per call except for the
// cached home-directory expansion.
type Runtime interface {
	// Exec runs command through a POSIX shell. Cancelling ctx aborts the
	// execution and yields ExitCodeAborted.
	Exec(ctx context.Context, command string, opts ExecOptions) (ExecStream, error)

	ReadFile(ctx context.Context, path string) (io.ReadCloser, error)
	WriteFile(ctx context.Context, path string) (FileWriter, error)
	Stat(ctx context.Context, path string) (FileStat, error)

	// ResolvePath expands ~ and returns an absolute path.
	ResolvePath(ctx context.Context, path string) (string, error)

	// NormalizePath cleans a path without touching the filesystem.
	NormalizePath(path string) string

	// WorkspacePath computes the deterministic directory for a workspace.
	WorkspacePath(projectPath, workspaceName string) (string, error)

	CreateWorkspace(ctx context.Context, params CreateWorkspaceParams) (*WorkspaceInfo, error)

	// InitWorkspace prepares the base directory and verifies the project is
	// a git repository.
	InitWorkspace(ctx context.Context, projectPath string) error

	RenameWorkspace(ctx context.Context, projectPath, oldName, newName string) (*RenameResult, error)

	// DeleteWorkspace is idempotent: an already-removed workspace is success.
	DeleteWorkspace(ctx context.Context, params DeleteWorkspaceParams) error

	// ForkWorkspace creates a new workspace whose trunk is the source
	// workspace's current branch, so the fork inherits the source's exact
	// state rather than the project's default branch.
	ForkWorkspace(ctx context.Context, params ForkWorkspaceParams) (*WorkspaceInfo, error)
}
