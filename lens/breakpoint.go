package lens

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Pause phases.
const (
	PhaseBefore = "before"
	PhaseAfter  = "after"
)

// DefaultConsumerWindow is how long after the last operator interaction
// yield breakpoints keep pausing calls.
const DefaultConsumerWindow = 10 * time.Second

// BeforeDecision is the manager's verdict for an arriving call.
type BeforeDecision struct {
	// Pause suspends the call until an operator resumes it.
	Pause bool
	// Action is an immediate directive when not pausing; nil means continue.
	Action *CallAction
}

// AfterDecision is the verdict for a completed call.
type AfterDecision struct {
	Pause bool
}

// PauseEvent notifies observers about pause lifecycle transitions.
type PauseEvent struct {
	Type   string // "paused" or "resumed"
	Info   PausedInfo
	Action *CallAction // set for resumed events
}

// PauseObserver receives pause events. Observers run outside the manager
// lock, so they may call back into the manager freely.
type PauseObserver func(PauseEvent)

type observerEntry struct {
	id  int
	obs PauseObserver
}

type breakpoint struct {
	before      Behavior
	after       Behavior
	replacement string
}

type evalPending struct {
	expr   string
	action CallAction
}

type evalWaiter struct {
	ch chan PausedEvalResponse
}

type pauseState struct {
	info         PausedInfo
	wake         chan struct{}
	resumed      bool
	action       *CallAction
	evalQueue    []evalPending
	evalWaiters  map[string]*evalWaiter
	lastPollNano int64
}

// Manager owns breakpoint configuration and paused executions. All state is
// guarded by one non-reentrant mutex; anything that calls user code
// (observers) or blocks (WaitTimeout) runs strictly outside it.
type Manager struct {
	mu             sync.Mutex
	breakpoints    map[string]*breakpoint
	defaultBefore  Behavior
	defaultAfter   Behavior
	paused         map[string]*pauseState
	observers      []observerEntry
	nextObserver   int
	lastConsumer   time.Time
	consumerWindow time.Duration
	now            func() time.Time // injected by tests
}

// NewManager returns a Manager where every call proceeds untouched until an
// operator configures otherwise.
func NewManager() *Manager {
	return &Manager{
		breakpoints:    make(map[string]*breakpoint),
		defaultBefore:  BehaviorGo,
		defaultAfter:   BehaviorGo,
		paused:         make(map[string]*pauseState),
		consumerWindow: DefaultConsumerWindow,
		now:            time.Now,
	}
}

func validBeforeBehavior(b Behavior) bool {
	switch b {
	case BehaviorStop, BehaviorGo, BehaviorYield:
		return true
	}
	return false
}

func validAfterBehavior(b Behavior) bool {
	switch b {
	case BehaviorStop, BehaviorGo, BehaviorYield, BehaviorException, BehaviorStopException:
		return true
	}
	return false
}

// SetBreakpoint configures both phases for one function name.
func (m *Manager) SetBreakpoint(name string, before, after Behavior) error {
	if name == "" {
		return &ProtocolError{Op: "breakpoint", Message: "function name required"}
	}
	if !validBeforeBehavior(before) {
		return &ProtocolError{Op: "breakpoint", Message: "invalid before behavior " + string(before)}
	}
	if !validAfterBehavior(after) {
		return &ProtocolError{Op: "breakpoint", Message: "invalid after behavior " + string(after)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	bp, ok := m.breakpoints[name]
	if !ok {
		bp = &breakpoint{}
		m.breakpoints[name] = bp
	}
	bp.before = before
	bp.after = after
	return nil
}

// RemoveBreakpoint deletes the configuration for name; the defaults apply
// again. Removing an absent breakpoint is a no-op.
func (m *Manager) RemoveBreakpoint(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakpoints, name)
}

// SetDefault replaces the global fallback behaviors.
func (m *Manager) SetDefault(before, after Behavior) error {
	if !validBeforeBehavior(before) {
		return &ProtocolError{Op: "breakpoint", Message: "invalid default before behavior " + string(before)}
	}
	if !validAfterBehavior(after) {
		return &ProtocolError{Op: "breakpoint", Message: "invalid default after behavior " + string(after)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultBefore = before
	m.defaultAfter = after
	return nil
}

// SetReplacement binds (or, with an empty replacement, clears) a standby
// function for name. Registry validation happens at the configuration
// boundaries, the replace handler and the preset loader; the manager only
// stores the binding.
func (m *Manager) SetReplacement(name, replacement string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bp, ok := m.breakpoints[name]
	if !ok {
		if replacement == "" {
			return
		}
		bp = &breakpoint{before: m.defaultBefore, after: m.defaultAfter}
		m.breakpoints[name] = bp
	}
	bp.replacement = replacement
}

// Snapshot returns the full configuration for operator display.
func (m *Manager) Snapshot() BreakpointListResponse {
	m.mu.Lock()
	defer m.mu.Unlock()

	resp := BreakpointListResponse{
		DefaultBefore: m.defaultBefore,
		DefaultAfter:  m.defaultAfter,
		Breakpoints:   make([]BreakpointInfo, 0, len(m.breakpoints)),
	}
	for name, bp := range m.breakpoints {
		resp.Breakpoints = append(resp.Breakpoints, BreakpointInfo{
			Name:        name,
			Before:      bp.before,
			After:       bp.after,
			Replacement: bp.replacement,
		})
	}
	sort.Slice(resp.Breakpoints, func(i, j int) bool {
		return resp.Breakpoints[i].Name < resp.Breakpoints[j].Name
	})
	return resp
}

// consumerActive reports whether an operator interacted recently enough for
// yield breakpoints to fire. Callers hold m.mu.
func (m *Manager) consumerActive() bool {
	if len(m.observers) > 0 {
		return true
	}
	return !m.lastConsumer.IsZero() && m.now().Sub(m.lastConsumer) <= m.consumerWindow
}

func (m *Manager) touchConsumer() {
	m.lastConsumer = m.now()
}

// DecideBefore resolves the before-phase behavior for a call to name.
func (m *Manager) DecideBefore(name string) BeforeDecision {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := m.defaultBefore
	replacement := ""
	if bp, ok := m.breakpoints[name]; ok {
		before = bp.before
		replacement = bp.replacement
	}

	switch before {
	case BehaviorStop:
		return BeforeDecision{Pause: true}
	case BehaviorYield:
		if m.consumerActive() {
			return BeforeDecision{Pause: true}
		}
	}
	// not pausing: a bound replacement still redirects the call
	if replacement != "" {
		return BeforeDecision{Action: &CallAction{Type: ActionReplace, Replacement: replacement}}
	}
	return BeforeDecision{}
}

// DecideAfter resolves the after-phase behavior once a call finished.
// stop pauses normal completions, exception pauses failures, stop_exception
// pauses both, and yield follows the consumer rule for either outcome.
func (m *Manager) DecideAfter(name string, isException bool) AfterDecision {
	m.mu.Lock()
	defer m.mu.Unlock()

	after := m.defaultAfter
	if bp, ok := m.breakpoints[name]; ok {
		after = bp.after
	}

	switch after {
	case BehaviorStop:
		return AfterDecision{Pause: !isException}
	case BehaviorException:
		return AfterDecision{Pause: isException}
	case BehaviorStopException:
		return AfterDecision{Pause: true}
	case BehaviorYield:
		return AfterDecision{Pause: m.consumerActive()}
	}
	return AfterDecision{}
}

// CreatePause suspends a call and returns its pause ID. Observers see the
// event after the lock is released.
func (m *Manager) CreatePause(info PausedInfo) string {
	pauseID := uuid.NewString()
	info.PauseID = pauseID
	info.PausedNano = m.now().UnixNano()

	m.mu.Lock()
	m.paused[pauseID] = &pauseState{
		info:         info,
		wake:         make(chan struct{}),
		evalWaiters:  make(map[string]*evalWaiter),
		lastPollNano: info.PausedNano,
	}
	observers := m.observerSnapshotLocked()
	m.mu.Unlock()

	for _, obs := range observers {
		obs(PauseEvent{Type: "paused", Info: info})
	}
	return pauseID
}

// WaitTimeout blocks until the pause resolves, an eval directive arrives, or
// the timeout elapses. A nil action with a nil error means still waiting.
// The terminal action is delivered exactly once; the pause is gone afterward.
func (m *Manager) WaitTimeout(ctx context.Context, pauseID string, timeout time.Duration) (*CallAction, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		m.mu.Lock()
		p, ok := m.paused[pauseID]
		if !ok {
			m.mu.Unlock()
			return nil, ErrUnknownPause
		}
		p.lastPollNano = m.now().UnixNano()

		if len(p.evalQueue) > 0 {
			pending := p.evalQueue[0]
			p.evalQueue = p.evalQueue[1:]
			m.mu.Unlock()
			action := pending.action
			return &action, nil
		}
		if p.resumed {
			action := p.action
			info := p.info
			delete(m.paused, pauseID)
			observers := m.observerSnapshotLocked()
			m.mu.Unlock()
			for _, obs := range observers {
				obs(PauseEvent{Type: "resumed", Info: info, Action: action})
			}
			return action, nil
		}
		wake := p.wake
		m.mu.Unlock()

		select {
		case <-wake:
		case <-deadline.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// signalLocked wakes all current waiters. Callers hold m.mu.
func (p *pauseState) signalLocked() {
	close(p.wake)
	p.wake = make(chan struct{})
}

func validResumeAction(t ActionType) bool {
	switch t {
	case ActionContinue, ActionModify, ActionSkip, ActionReplace, ActionRaise:
		return true
	}
	return false
}

// Resume resolves a pause with a terminal directive. Exactly one resume can
// win; later attempts report ErrAlreadyResumed even before the client
// collects the action.
func (m *Manager) Resume(pauseID string, action *CallAction) error {
	if action == nil {
		action = &CallAction{Type: ActionContinue}
	}
	if !validResumeAction(action.Type) {
		return &ProtocolError{Op: "resume", Message: "action " + string(action.Type) + " cannot resume a pause"}
	}

	m.mu.Lock()
	p, ok := m.paused[pauseID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownPause
	}
	if p.resumed {
		m.mu.Unlock()
		return ErrAlreadyResumed
	}
	p.resumed = true
	p.action = action
	p.signalLocked()
	m.touchConsumer()
	m.mu.Unlock()
	return nil
}

// ListPaused returns active pauses sorted oldest first. Listing counts as
// consumer presence for yield breakpoints.
func (m *Manager) ListPaused() []PausedInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchConsumer()

	out := make([]PausedInfo, 0, len(m.paused))
	for _, p := range m.paused {
		if p.resumed {
			continue // resolved, awaiting pickup by the client
		}
		out = append(out, p.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PausedNano < out[j].PausedNano })
	return out
}

// PauseInfo returns the metadata for one pause, resumed or not.
func (m *Manager) PauseInfo(pauseID string) (PausedInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.paused[pauseID]
	if !ok {
		return PausedInfo{}, false
	}
	return p.info, true
}

// AddObserver registers a pause event callback and returns a function that
// detaches it. A registered observer also counts as a watching consumer for
// yield breakpoints, so callers must invoke remove when they stop listening.
// Calling remove more than once is harmless.
func (m *Manager) AddObserver(obs PauseObserver) (remove func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextObserver
	m.nextObserver++
	m.observers = append(m.observers, observerEntry{id: id, obs: obs})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, entry := range m.observers {
			if entry.id == id {
				m.observers = append(m.observers[:i], m.observers[i+1:]...)
				return
			}
		}
	}
}

// observerSnapshotLocked copies the observer callbacks so events can fire
// outside the lock. Callers hold m.mu.
func (m *Manager) observerSnapshotLocked() []PauseObserver {
	if len(m.observers) == 0 {
		return nil
	}
	out := make([]PauseObserver, len(m.observers))
	for i, entry := range m.observers {
		out[i] = entry.obs
	}
	return out
}

// RequestEval queues an expression for the paused process and waits for its
// answer. The directive rides the pause's poll channel, so a response can
// only arrive while the client is actively polling.
func (m *Manager) RequestEval(ctx context.Context, pauseID, expr string, timeout time.Duration) (PausedEvalResponse, error) {
	evalID := uuid.NewString()

	m.mu.Lock()
	p, ok := m.paused[pauseID]
	if !ok {
		m.mu.Unlock()
		return PausedEvalResponse{}, ErrUnknownPause
	}
	if p.resumed {
		m.mu.Unlock()
		return PausedEvalResponse{}, ErrAlreadyResumed
	}
	m.touchConsumer()
	waiter := &evalWaiter{ch: make(chan PausedEvalResponse, 1)}
	p.evalWaiters[evalID] = waiter
	p.evalQueue = append(p.evalQueue, evalPending{
		expr: expr,
		action: CallAction{
			Type:    ActionEval,
			PauseID: pauseID,
			Expr:    expr,
			EvalID:  evalID,
		},
	})
	p.signalLocked()
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if p, ok := m.paused[pauseID]; ok {
			delete(p.evalWaiters, evalID)
		}
		m.mu.Unlock()
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	select {
	case resp := <-waiter.ch:
		return resp, nil
	case <-deadline.C:
		return PausedEvalResponse{}, &EvalError{Expr: expr, Reason: "timed out waiting for the paused process"}
	case <-ctx.Done():
		return PausedEvalResponse{}, ctx.Err()
	}
}

// DeliverEvalResult routes an evaluation answer to its waiting operator.
// Unknown eval IDs are dropped: the waiter may have timed out already.
func (m *Manager) DeliverEvalResult(pauseID, evalID string, resp PausedEvalResponse) error {
	m.mu.Lock()
	p, ok := m.paused[pauseID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownPause
	}
	waiter, ok := p.evalWaiters[evalID]
	if ok {
		delete(p.evalWaiters, evalID)
	}
	m.mu.Unlock()

	if waiter != nil {
		waiter.ch <- resp
	}
	return nil
}

// PruneStale drops pauses whose client has not polled within maxAge,
// returning how many were removed. A paused call whose process died would
// otherwise sit in the listing forever.
func (m *Manager) PruneStale(maxAge time.Duration) int {
	cutoff := m.now().Add(-maxAge).UnixNano()

	m.mu.Lock()
	var pruned int
	for id, p := range m.paused {
		if p.lastPollNano < cutoff {
			delete(m.paused, id)
			pruned++
		}
	}
	m.mu.Unlock()
	return pruned
}

// PausedCount reports the number of active pauses.
func (m *Manager) PausedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.paused)
}
