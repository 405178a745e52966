// Package bgproc tracks background processes per workspace: a server-side
// Manager that owns the running executions and publishes state snapshots, and
// a client-side Store that mirrors those snapshots over a resilient
// subscription.
package bgproc

import (
	"sort"
	"time"
)

// Status is a background process's lifecycle state. Transitions are
// monotonic: a process leaves running exactly once and never returns.
type Status string

const (
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
	StatusKilled  Status = "killed"
)

// terminal reports whether s is a final state.
func (s Status) terminal() bool {
	return s == StatusExited || s == StatusKilled
}

// ProcessInfo is the externally visible state of one background process.
type ProcessInfo struct {
	ID        string    `json:"id"`
	Pid       int       `json:"pid,omitempty"`
	Script    string    `json:"script"`
	Name      string    `json:"name,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Status    Status    `json:"status"`

	// ExitCode is set once the process reaches a terminal state. Sentinel
	// codes from the runtime layer pass through unchanged.
	ExitCode *int `json:"exit_code,omitempty"`
}

// Snapshot is the full background-process state of one workspace, published
// on the bus after every change.
type Snapshot struct {
	WorkspaceID string        `json:"workspace_id"`
	Processes   []ProcessInfo `json:"processes"`

	// ForegroundToolCallIDs are the tool calls whose execution is still
	// attached to the interactive stream. An id leaves the set when its
	// process is explicitly backgrounded or exits.
	ForegroundToolCallIDs []string `json:"foreground_tool_call_ids"`
}

// SubjectPrefix scopes snapshot subjects; one workspace publishes on
// SubjectPrefix + workspaceID.
const SubjectPrefix = "bgproc."

// Subject returns the bus subject snapshots for workspaceID appear on.
func Subject(workspaceID string) string {
	return SubjectPrefix + workspaceID
}

// sortProcesses orders by start time then ID so snapshots are stable.
func sortProcesses(procs []ProcessInfo) {
	sort.Slice(procs, func(i, j int) bool {
		if !procs[i].StartedAt.Equal(procs[j].StartedAt) {
			return procs[i].StartedAt.Before(procs[j].StartedAt)
		}
		return procs[i].ID < procs[j].ID
	})
}
