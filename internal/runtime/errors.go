package runtime

import (
	"errors"
	"fmt"
)

// OpKind tags a RuntimeError with the operation family that failed.
type OpKind string

const (
	OpExec   OpKind = "exec"
	OpFileIO OpKind = "file_io"
)

// Error is the typed failure every Runtime operation reports. Expected
// terminations (abort, timeout) are signaled via sentinel exit codes, never
// via Error, so callers can treat "the user cancelled" like any other exit.
type Error struct {
	Op  OpKind
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("runtime %s error: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewExecError wraps err as an exec-family failure.
func NewExecError(err error) *Error {
	return &Error{Op: OpExec, Err: err}
}

// NewFileIOError wraps err as a file_io-family failure.
func NewFileIOError(err error) *Error {
	return &Error{Op: OpFileIO, Err: err}
}

// ForkFailure is returned by ForkWorkspace when the native fork cannot
// proceed. Fatal tells the orchestrator whether falling back to
// CreateWorkspace is permitted.
type ForkFailure struct {
	Fatal bool
	Err   error
}

func (f *ForkFailure) Error() string {
	return f.Err.Error()
}

func (f *ForkFailure) Unwrap() error {
	return f.Err
}

// AsForkFailure unwraps err into a ForkFailure if it carries one.
func AsForkFailure(err error) (*ForkFailure, bool) {
	var ff *ForkFailure
	if errors.As(err, &ff) {
		return ff, true
	}
	return nil, false
}

var (
	// ErrWorkspaceExists is returned when the computed workspace path is
	// already occupied.
	ErrWorkspaceExists = errors.New("workspace path already exists")

	// ErrNotGitRepo is returned when the project path is not a git repository.
	ErrNotGitRepo = errors.New("project is not a git repository")

	// ErrWorkingDirMissing is returned before spawn when ExecOptions.Cwd
	// does not exist.
	ErrWorkingDirMissing = errors.New("working directory does not exist")
)
