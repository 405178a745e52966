package bgproc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/muxhq/mux/internal/common/logger"
	"go.uber.org/zap"
)

// Subscription retry backoff.
const (
	retryBackoffBase = 250 * time.Millisecond
	retryBackoffMax  = 5 * time.Second
)

// ConnState is the store's subscription state for one workspace.
type ConnState string

const (
	StateUnsubscribed ConnState = "unsubscribed"
	StateSubscribing  ConnState = "subscribing"
	StateSubscribed   ConnState = "subscribed"
)

// SubscribeFunc opens a snapshot subscription for a workspace and blocks
// until ctx is cancelled or the transport fails. Snapshots are delivered
// through onSnapshot in arrival order.
type SubscribeFunc func(ctx context.Context, workspaceID string, onSnapshot func(Snapshot)) error

// TerminateFunc asks the server to terminate a process.
type TerminateFunc func(ctx context.Context, workspaceID, processID string) error

// BackgroundFunc asks the server to promote a foreground tool call's
// execution into the background set.
type BackgroundFunc func(ctx context.Context, workspaceID, toolCallID string) (*ProcessInfo, error)

// Listener receives the workspace's process list and foreground tool call
// set after each change.
type Listener func(procs []ProcessInfo, foregroundToolCallIDs []string)

type wsEntry struct {
	refs  int
	gen   int
	state ConnState

	cancel context.CancelFunc

	procs       []ProcessInfo
	foreground  []string
	hasSnapshot bool

	// terminating holds optimistic kills not yet confirmed by a snapshot.
	// Pruned when the server stops reporting the process as running.
	terminating map[string]struct{}

	listeners  map[int]Listener
	nextListen int
}

// Store mirrors per-workspace background process state on the client side of
// the bus. Subscriptions are reference counted: the first listener for a
// workspace opens the transport subscription, the last one tears it down.
// Transport failures retry with exponential backoff; a clean teardown resets
// it.
type Store struct {
	mu         sync.Mutex
	workspaces map[string]*wsEntry
	inFlightBg map[string]struct{}

	subscribe  SubscribeFunc
	terminate  TerminateFunc
	background BackgroundFunc
	log        *logger.Logger
}

// NewStore builds a client store over the given transport functions.
func NewStore(subscribe SubscribeFunc, terminate TerminateFunc, background BackgroundFunc, log *logger.Logger) *Store {
	if log == nil {
		log = logger.Default()
	}
	return &Store{
		workspaces: make(map[string]*wsEntry),
		inFlightBg: make(map[string]struct{}),
		subscribe:  subscribe,
		terminate:  terminate,
		background: background,
		log:        log,
	}
}

// Subscribe registers fn for a workspace's process changes and returns an
// unsubscribe function. The cached snapshot, if any, is delivered
// immediately.
func (s *Store) Subscribe(workspaceID string, fn Listener) (unsubscribe func()) {
	s.mu.Lock()
	entry := s.workspaces[workspaceID]
	if entry == nil {
		entry = &wsEntry{
			state:       StateUnsubscribed,
			terminating: make(map[string]struct{}),
			listeners:   make(map[int]Listener),
		}
		s.workspaces[workspaceID] = entry
	}

	id := entry.nextListen
	entry.nextListen++
	entry.listeners[id] = fn
	entry.refs++

	var cached []ProcessInfo
	var cachedFg []string
	deliver := entry.hasSnapshot
	if deliver {
		cached = copyProcs(entry.procs)
		cachedFg = copyStrings(entry.foreground)
	}

	if entry.refs == 1 {
		entry.gen++
		gen := entry.gen
		ctx, cancel := context.WithCancel(context.Background())
		entry.cancel = cancel
		entry.state = StateSubscribing
		go s.run(ctx, workspaceID, gen)
	}
	s.mu.Unlock()

	if deliver {
		fn(cached, cachedFg)
	}

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		e := s.workspaces[workspaceID]
		if e == nil {
			return
		}
		if _, ok := e.listeners[id]; !ok {
			return
		}
		delete(e.listeners, id)
		e.refs--
		if e.refs == 0 {
			// Bump the generation so a snapshot from the dying
			// subscription cannot repopulate state.
			e.gen++
			e.state = StateUnsubscribed
			if e.cancel != nil {
				e.cancel()
				e.cancel = nil
			}
		}
	}
}

// State reports the subscription state for a workspace.
func (s *Store) State(workspaceID string) ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.workspaces[workspaceID]; e != nil {
		return e.state
	}
	return StateUnsubscribed
}

// Processes returns the cached process list for a workspace.
func (s *Store) Processes(workspaceID string) []ProcessInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.workspaces[workspaceID]; e != nil {
		return copyProcs(e.procs)
	}
	return nil
}

// ForegroundToolCallIDs returns the cached foreground tool call set for a
// workspace.
func (s *Store) ForegroundToolCallIDs(workspaceID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.workspaces[workspaceID]; e != nil {
		return copyStrings(e.foreground)
	}
	return nil
}

// run owns the transport subscription for one workspace generation,
// reconnecting with backoff until cancelled.
func (s *Store) run(ctx context.Context, workspaceID string, gen int) {
	backoff := retryBackoffBase
	for {
		if ctx.Err() != nil {
			return
		}
		s.setState(workspaceID, gen, StateSubscribing)

		var delivered atomic.Bool
		err := s.subscribe(ctx, workspaceID, func(snap Snapshot) {
			if s.applySnapshot(workspaceID, gen, snap) {
				delivered.Store(true)
			}
		})
		if ctx.Err() != nil {
			return
		}
		if delivered.Load() {
			// A delivered snapshot proves the connection worked; start the
			// next attempt from the base backoff.
			backoff = retryBackoffBase
		}
		if err != nil {
			s.log.Warn("process subscription failed, retrying",
				zap.String("workspace_id", workspaceID),
				zap.Duration("backoff", backoff),
				zap.Error(err))
		}

		s.setState(workspaceID, gen, StateSubscribing)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > retryBackoffMax {
			backoff = retryBackoffMax
		}
	}
}

func (s *Store) setState(workspaceID string, gen int, state ConnState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.workspaces[workspaceID]; e != nil && e.gen == gen {
		e.state = state
	}
}

// applySnapshot merges a server snapshot into the cache and notifies
// listeners when the visible state actually changed. Stale generations are
// dropped. Reports whether the snapshot was accepted.
func (s *Store) applySnapshot(workspaceID string, gen int, snap Snapshot) bool {
	s.mu.Lock()
	e := s.workspaces[workspaceID]
	if e == nil || e.gen != gen {
		s.mu.Unlock()
		return false
	}
	e.state = StateSubscribed

	// Drop optimistic-kill marks the server has caught up on.
	running := make(map[string]struct{})
	for _, p := range snap.Processes {
		if p.Status == StatusRunning {
			running[p.ID] = struct{}{}
		}
	}
	for id := range e.terminating {
		if _, still := running[id]; !still {
			delete(e.terminating, id)
		}
	}

	next := overlayTerminating(snap.Processes, e.terminating)
	nextFg := copyStrings(snap.ForegroundToolCallIDs)
	changed := !e.hasSnapshot ||
		!equalProcs(e.procs, next) ||
		!equalStrings(e.foreground, nextFg)
	e.procs = next
	e.foreground = nextFg
	e.hasSnapshot = true

	var listeners []Listener
	var cached []ProcessInfo
	var cachedFg []string
	if changed {
		for _, fn := range e.listeners {
			listeners = append(listeners, fn)
		}
		cached = copyProcs(next)
		cachedFg = copyStrings(nextFg)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(cached, cachedFg)
	}
	return true
}

// Terminate requests a process kill and reflects it locally right away so
// the UI does not wait a snapshot round trip. A failed request rolls the
// optimistic state back.
func (s *Store) Terminate(ctx context.Context, workspaceID, processID string) error {
	s.mu.Lock()
	e := s.workspaces[workspaceID]
	var prev []ProcessInfo
	if e != nil {
		prev = copyProcs(e.procs)
		e.terminating[processID] = struct{}{}
		e.procs = overlayTerminating(e.procs, e.terminating)
		s.notifyLocked(e)
	}
	s.mu.Unlock()

	err := s.terminate(ctx, workspaceID, processID)
	if err != nil && e != nil {
		s.mu.Lock()
		delete(e.terminating, processID)
		e.procs = prev
		s.notifyLocked(e)
		s.mu.Unlock()
	}
	return err
}

// SendToBackground promotes one foreground tool call's execution into the
// workspace's background set.
func (s *Store) SendToBackground(ctx context.Context, workspaceID, toolCallID string) (*ProcessInfo, error) {
	return s.background(ctx, workspaceID, toolCallID)
}

// AutoBackgroundOnSend detaches every foreground execution in a workspace,
// called when the user sends a new chat message. Cached foreground tool
// calls are backgrounded fire-and-forget: a tool call whose process already
// exited loses the race harmlessly. With an empty cache a one-shot
// subscription fetches the current foreground set first; concurrent callers
// for the same workspace share that fetch.
func (s *Store) AutoBackgroundOnSend(ctx context.Context, workspaceID string) error {
	s.mu.Lock()
	var cached []string
	if e := s.workspaces[workspaceID]; e != nil && e.hasSnapshot {
		cached = copyStrings(e.foreground)
	}
	if len(cached) > 0 {
		s.mu.Unlock()
		for _, toolCallID := range cached {
			go func(toolCallID string) {
				if _, err := s.background(context.WithoutCancel(ctx), workspaceID, toolCallID); err != nil {
					s.log.Debug("auto-background skipped",
						zap.String("workspace_id", workspaceID),
						zap.String("tool_call_id", toolCallID),
						zap.Error(err))
				}
			}(toolCallID)
		}
		return nil
	}
	if _, busy := s.inFlightBg[workspaceID]; busy {
		s.mu.Unlock()
		return nil
	}
	s.inFlightBg[workspaceID] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inFlightBg, workspaceID)
		s.mu.Unlock()
	}()

	// One-shot subscription, open just long enough to read the current
	// foreground set.
	fetched := make(chan []string, 1)
	var once sync.Once
	unsub := s.Subscribe(workspaceID, func(_ []ProcessInfo, fg []string) {
		once.Do(func() { fetched <- copyStrings(fg) })
	})
	var fg []string
	select {
	case fg = <-fetched:
	case <-ctx.Done():
		unsub()
		return ctx.Err()
	case <-time.After(2 * time.Second):
	}
	unsub()

	for _, toolCallID := range fg {
		if _, err := s.background(ctx, workspaceID, toolCallID); err != nil {
			s.log.Debug("auto-background skipped",
				zap.String("workspace_id", workspaceID),
				zap.String("tool_call_id", toolCallID),
				zap.Error(err))
		}
	}
	return nil
}

// notifyLocked fans the current state out to listeners. Caller holds the
// store lock; delivery happens on fresh goroutines to keep lock scope small.
func (s *Store) notifyLocked(e *wsEntry) {
	cached := copyProcs(e.procs)
	cachedFg := copyStrings(e.foreground)
	for _, fn := range e.listeners {
		go fn(cached, cachedFg)
	}
}

// overlayTerminating renders optimistic kills onto a snapshot: a process
// marked terminating shows as killed while still reported running.
func overlayTerminating(procs []ProcessInfo, terminating map[string]struct{}) []ProcessInfo {
	out := copyProcs(procs)
	for i := range out {
		if _, ok := terminating[out[i].ID]; ok && out[i].Status == StatusRunning {
			out[i].Status = StatusKilled
		}
	}
	return out
}

func copyProcs(procs []ProcessInfo) []ProcessInfo {
	out := make([]ProcessInfo, len(procs))
	copy(out, procs)
	return out
}

func copyStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// equalProcs compares process lists structurally.
func equalProcs(a, b []ProcessInfo) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID ||
			a[i].Pid != b[i].Pid ||
			a[i].Script != b[i].Script ||
			a[i].Name != b[i].Name ||
			!a[i].StartedAt.Equal(b[i].StartedAt) ||
			a[i].Status != b[i].Status {
			return false
		}
		switch {
		case a[i].ExitCode == nil && b[i].ExitCode == nil:
		case a[i].ExitCode != nil && b[i].ExitCode != nil && *a[i].ExitCode == *b[i].ExitCode:
		default:
			return false
		}
	}
	return true
}
