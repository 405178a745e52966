package bgproc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/muxhq/mux/internal/common/logger"
	"github.com/muxhq/mux/internal/common/stringutil"
	"github.com/muxhq/mux/internal/events/bus"
	"github.com/muxhq/mux/internal/runtime"
	"go.uber.org/zap"
)

// EventSnapshot is the event type carried on bgproc subjects.
const EventSnapshot = "bgproc.snapshot"

// managedProc pairs the visible state with the live execution handle.
type managedProc struct {
	info   ProcessInfo
	stream runtime.ExecStream

	// killRequested distinguishes killed from exited when the reaper runs.
	killRequested bool

	// foreground executions belong to a blocking tool call; their tool call
	// id stays in the snapshot's foreground set until the process is
	// backgrounded or exits.
	foreground bool
	toolCallID string
}

// Manager owns the background processes of all workspaces on this daemon and
// publishes a full per-workspace snapshot after every state change.
type Manager struct {
	mu         sync.Mutex
	workspaces map[string]map[string]*managedProc

	bus bus.EventBus
	log *logger.Logger
}

// NewManager creates a background process manager publishing on eventBus.
func NewManager(eventBus bus.EventBus, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		workspaces: make(map[string]map[string]*managedProc),
		bus:        eventBus,
		log:        log,
	}
}

// SpawnRequest starts a process in a workspace.
type SpawnRequest struct {
	Script string
	Name   string
	Cwd    string
	Env    map[string]string

	// ToolCallID marks the execution as foreground for that tool call. The
	// id is reported in snapshots until SendToBackground promotes the
	// process or it exits.
	ToolCallID string
}

// Spawn starts req.Script on rt and tracks it. Background processes run
// without a timeout; termination happens through Terminate or workspace
// removal.
func (m *Manager) Spawn(ctx context.Context, workspaceID string, rt runtime.Runtime, req SpawnRequest) (*ProcessInfo, error) {
	stream, err := rt.Exec(ctx, req.Script, runtime.ExecOptions{
		Cwd: req.Cwd,
		Env: req.Env,
	})
	if err != nil {
		return nil, err
	}

	proc := &managedProc{
		info: ProcessInfo{
			ID:        uuid.NewString(),
			Pid:       stream.Pid(),
			Script:    req.Script,
			Name:      req.Name,
			StartedAt: time.Now().UTC(),
			Status:    StatusRunning,
		},
		stream:     stream,
		foreground: req.ToolCallID != "",
		toolCallID: req.ToolCallID,
	}

	m.mu.Lock()
	if m.workspaces[workspaceID] == nil {
		m.workspaces[workspaceID] = make(map[string]*managedProc)
	}
	m.workspaces[workspaceID][proc.info.ID] = proc
	info := proc.info
	m.mu.Unlock()

	m.log.WithWorkspaceID(workspaceID).WithProcessID(info.ID).Info("spawned process",
		zap.Int("pid", info.Pid),
		zap.String("name", req.Name),
		zap.String("script", stringutil.TruncateWithEllipsis(req.Script, 120)))

	go m.reap(workspaceID, proc.info.ID, stream)

	m.publishSnapshot(workspaceID)
	return &info, nil
}

// reap waits for the execution to finish, releases the stream's resources
// and applies the terminal transition exactly once.
func (m *Manager) reap(workspaceID, processID string, stream runtime.ExecStream) {
	code, err := stream.Wait(context.Background())
	stream.Close()
	if err != nil {
		m.log.WithWorkspaceID(workspaceID).WithProcessID(processID).Error(
			"wait failed for process", zap.Error(err))
		// The transport lost track of the command; record the process as
		// killed rather than leaving it running forever.
		code = runtime.ExitCodeAborted
	}

	m.mu.Lock()
	proc, ok := m.lookup(workspaceID, processID)
	if !ok || proc.info.Status.terminal() {
		m.mu.Unlock()
		return
	}
	if proc.killRequested || code == runtime.ExitCodeAborted {
		proc.info.Status = StatusKilled
	} else {
		proc.info.Status = StatusExited
	}
	proc.info.ExitCode = &code
	if proc.info.Pid == 0 {
		proc.info.Pid = stream.Pid()
	}
	// An exit detaches the tool call from the interactive stream.
	proc.foreground = false
	m.mu.Unlock()

	m.publishSnapshot(workspaceID)
}

// Terminate aborts a running process. The status flips to killed when the
// reaper observes the abort; terminating an already-terminal process is a
// no-op.
func (m *Manager) Terminate(workspaceID, processID string) error {
	m.mu.Lock()
	proc, ok := m.lookup(workspaceID, processID)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("process %s not found in workspace %s", processID, workspaceID)
	}
	if proc.info.Status.terminal() {
		m.mu.Unlock()
		return nil
	}
	proc.killRequested = true
	stream := proc.stream
	m.mu.Unlock()

	stream.Abort()
	return nil
}

// SendToBackground promotes the foreground execution of toolCallID into the
// workspace's visible background set and returns its process info.
func (m *Manager) SendToBackground(workspaceID, toolCallID string) (*ProcessInfo, error) {
	m.mu.Lock()
	var proc *managedProc
	for _, p := range m.workspaces[workspaceID] {
		if p.foreground && p.toolCallID == toolCallID {
			proc = p
			break
		}
	}
	if proc == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("no foreground execution for tool call %s", toolCallID)
	}
	proc.foreground = false
	info := proc.info
	m.mu.Unlock()

	m.log.WithWorkspaceID(workspaceID).WithProcessID(info.ID).Info(
		"moved process to background", zap.String("tool_call_id", toolCallID))

	m.publishSnapshot(workspaceID)
	return &info, nil
}

// Snapshot returns the workspace's full process state: every tracked process
// plus the tool call ids still attached to the interactive stream.
func (m *Manager) Snapshot(workspaceID string) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(workspaceID)
}

func (m *Manager) snapshotLocked(workspaceID string) Snapshot {
	procs := make([]ProcessInfo, 0, len(m.workspaces[workspaceID]))
	var foreground []string
	for _, p := range m.workspaces[workspaceID] {
		procs = append(procs, p.info)
		if p.foreground {
			foreground = append(foreground, p.toolCallID)
		}
	}
	sortProcesses(procs)
	sort.Strings(foreground)
	return Snapshot{
		WorkspaceID:           workspaceID,
		Processes:             procs,
		ForegroundToolCallIDs: foreground,
	}
}

// RemoveWorkspace aborts everything still running in the workspace and drops
// its tracking state.
func (m *Manager) RemoveWorkspace(workspaceID string) {
	m.mu.Lock()
	var streams []runtime.ExecStream
	for _, p := range m.workspaces[workspaceID] {
		if !p.info.Status.terminal() {
			p.killRequested = true
			streams = append(streams, p.stream)
		}
	}
	delete(m.workspaces, workspaceID)
	m.mu.Unlock()

	for _, s := range streams {
		s.Abort()
	}
	m.publishSnapshot(workspaceID)
}

func (m *Manager) lookup(workspaceID, processID string) (*managedProc, bool) {
	procs, ok := m.workspaces[workspaceID]
	if !ok {
		return nil, false
	}
	p, ok := procs[processID]
	return p, ok
}

func (m *Manager) publishSnapshot(workspaceID string) {
	if m.bus == nil {
		return
	}
	m.mu.Lock()
	snap := m.snapshotLocked(workspaceID)
	m.mu.Unlock()

	evt, err := bus.NewEvent(EventSnapshot, "bgproc-manager", snap)
	if err != nil {
		m.log.Error("failed to build snapshot event", zap.Error(err))
		return
	}
	if err := m.bus.Publish(context.Background(), Subject(workspaceID), evt); err != nil {
		m.log.Error("failed to publish snapshot",
			zap.String("workspace_id", workspaceID), zap.Error(err))
	}
}
