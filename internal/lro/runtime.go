package lro

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sagemathinc/project-host/internal/core"
	"github.com/sagemathinc/project-host/internal/metrics"
)

const (
	// defaultTTL bounds how long a submitted operation may live before
	// the sweeper forces it to expired.
	defaultTTL = 24 * time.Hour

	// defaultRetention keeps terminal records around for late pollers
	// before the sweeper evicts them.
	defaultRetention = time.Hour
)

// Runner executes one kind of operation. It must honor ctx
// cancellation. Whichever terminal state commits first — a racing
// cancel or the runner's own return — is the one that sticks.
type Runner func(ctx context.Context, op *Handle) (result any, err error)

// Handle gives a Runner access to its operation while it runs.
type Handle struct {
	rt    *Runtime
	id    string
	input any
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) Input() any { return h.input }

// Progress publishes a human-readable progress line on the summary.
// Calls after the operation reached a terminal state are dropped.
func (h *Handle) Progress(message string) {
	h.rt.mu.Lock()
	defer h.rt.mu.Unlock()
	op, ok := h.rt.ops[h.id]
	if !ok || Terminal(op.summary.Status) {
		return
	}
	op.summary.ProgressSummary = message
	op.summary.UpdatedAt = h.rt.now()
}

// SubmitRequest names the operation to start and who asked for it.
type SubmitRequest struct {
	Kind      string
	Scope     Scope
	Input     any
	CreatedBy string
	Owner     Scope
}

// RuntimeOption configures the operation runtime.
type RuntimeOption func(*Runtime)

// WithTTL overrides how long an operation record may live.
func WithTTL(ttl time.Duration) RuntimeOption {
	return func(rt *Runtime) { rt.ttl = ttl }
}

// WithRetention overrides how long terminal records are kept.
func WithRetention(d time.Duration) RuntimeOption {
	return func(rt *Runtime) { rt.retention = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) RuntimeOption {
	return func(rt *Runtime) { rt.now = now }
}

// WithRuntimeLogger overrides the default logger.
func WithRuntimeLogger(log *slog.Logger) RuntimeOption {
	return func(rt *Runtime) { rt.log = log }
}

// WithMetrics records status transitions on the given instruments.
func WithMetrics(m *metrics.Metrics) RuntimeOption {
	return func(rt *Runtime) { rt.metrics = m }
}

// Runtime tracks in-flight and recently finished operations. State is
// process-local: a restart of the host forgets everything, and the
// master re-drives whatever it still cares about.
type Runtime struct {
	mu      sync.Mutex
	ops     map[string]*operation
	runners map[string]Runner

	ttl       time.Duration
	retention time.Duration
	now       func() time.Time
	log       *slog.Logger
	metrics   *metrics.Metrics
}

type operation struct {
	summary Summary
	input   any
	cancel  context.CancelFunc
}

// NewRuntime builds an empty runtime. Register runners before
// submitting operations of their kind.
func NewRuntime(opts ...RuntimeOption) *Runtime {
	rt := &Runtime{
		ops:       make(map[string]*operation),
		runners:   make(map[string]Runner),
		ttl:       defaultTTL,
		retention: defaultRetention,
		now:       time.Now,
		log:       slog.Default().With("component", "lro"),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Register binds a runner to an operation kind. Later registrations
// replace earlier ones.
func (rt *Runtime) Register(kind string, run Runner) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.runners[kind] = run
}

// Submit records a new queued operation and starts its runner. The
// runner's context is detached from ctx so the operation outlives the
// submitting request.
func (rt *Runtime) Submit(ctx context.Context, req SubmitRequest) (Summary, error) {
	if req.Scope.ID == "" {
		return Summary{}, &core.ErrInvalidInput{Field: "scope_id", Message: "must not be empty"}
	}
	switch req.Scope.Type {
	case ScopeProject, ScopeAccount, ScopeHost, ScopeHub:
	default:
		return Summary{}, &core.ErrInvalidInput{Field: "scope_type", Message: "unknown scope"}
	}

	rt.mu.Lock()
	run, ok := rt.runners[req.Kind]
	if !ok {
		rt.mu.Unlock()
		return Summary{}, &core.ErrInvalidInput{Field: "kind", Message: "no runner registered for " + req.Kind}
	}

	now := rt.now()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	op := &operation{
		summary: Summary{
			OpID:      uuid.NewString(),
			Kind:      req.Kind,
			ScopeType: req.Scope.Type,
			ScopeID:   req.Scope.ID,
			Status:    StatusQueued,
			Attempt:   1,
			CreatedAt: now,
			UpdatedAt: now,
			ExpiresAt: now.Add(rt.ttl),
			Input:     req.Input,
			CreatedBy: req.CreatedBy,
			OwnerType: req.Owner.Type,
			OwnerID:   req.Owner.ID,
		},
		input:  req.Input,
		cancel: cancel,
	}
	rt.ops[op.summary.OpID] = op
	summary := op.summary
	rt.mu.Unlock()

	rt.metrics.LROTransition(runCtx, string(StatusQueued))
	rt.log.Info("operation submitted", "op_id", summary.OpID, "kind", summary.Kind,
		"scope_type", summary.ScopeType, "scope_id", summary.ScopeID)

	go rt.execute(runCtx, summary.OpID, run)
	return summary, nil
}

// execute drives one attempt: queued→running, then the runner, then a
// terminal commit unless a racing cancel or expiry got there first.
func (rt *Runtime) execute(ctx context.Context, id string, run Runner) {
	if !rt.begin(id) {
		return // canceled or expired before it started
	}
	var input any
	rt.mu.Lock()
	if op, ok := rt.ops[id]; ok {
		input = op.input
	}
	rt.mu.Unlock()

	result, err := run(ctx, &Handle{rt: rt, id: id, input: input})
	rt.commit(ctx, id, result, err)
}

func (rt *Runtime) begin(id string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	op, ok := rt.ops[id]
	if !ok || op.summary.Status != StatusQueued {
		return false
	}
	now := rt.now()
	op.summary.Status = StatusRunning
	op.summary.StartedAt = &now
	op.summary.UpdatedAt = now
	rt.metrics.LROTransition(context.Background(), string(StatusRunning))
	return true
}

func (rt *Runtime) commit(ctx context.Context, id string, result any, err error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	op, ok := rt.ops[id]
	if !ok || Terminal(op.summary.Status) {
		return // first terminal commit already won
	}
	now := rt.now()
	if err != nil {
		op.summary.Status = StatusFailed
		op.summary.Error = err.Error()
	} else {
		op.summary.Status = StatusSucceeded
		op.summary.Result = result
	}
	op.summary.FinishedAt = &now
	op.summary.UpdatedAt = now
	op.cancel()

	rt.metrics.LROTransition(ctx, string(op.summary.Status))
	rt.log.Info("operation finished", "op_id", id, "kind", op.summary.Kind,
		"status", op.summary.Status, "error", op.summary.Error)
}

// Get returns a snapshot of one operation.
func (rt *Runtime) Get(id string) (Summary, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	op, ok := rt.ops[id]
	if !ok {
		return Summary{}, &core.ErrNotFound{Resource: "operation", ID: id}
	}
	return op.summary, nil
}

// Cancel commits the canceled state immediately and signals the
// runner's context. Canceling an already-terminal operation is a
// no-op, not an error.
func (rt *Runtime) Cancel(id string) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	op, ok := rt.ops[id]
	if !ok {
		return &core.ErrNotFound{Resource: "operation", ID: id}
	}
	if Terminal(op.summary.Status) {
		return nil
	}
	now := rt.now()
	op.summary.Status = StatusCanceled
	op.summary.FinishedAt = &now
	op.summary.UpdatedAt = now
	op.cancel()

	rt.metrics.LROTransition(context.Background(), string(StatusCanceled))
	rt.log.Info("operation canceled", "op_id", id, "kind", op.summary.Kind)
	return nil
}

// Restart re-queues an unsuccessful terminal operation and bumps its
// attempt counter. Succeeded or still-running operations cannot be
// restarted.
func (rt *Runtime) Restart(ctx context.Context, id string) (Summary, error) {
	rt.mu.Lock()
	op, ok := rt.ops[id]
	if !ok {
		rt.mu.Unlock()
		return Summary{}, &core.ErrNotFound{Resource: "operation", ID: id}
	}
	if !Terminal(op.summary.Status) {
		rt.mu.Unlock()
		return Summary{}, &core.ErrInvalidInput{Field: "op_id", Message: "operation is still in flight"}
	}
	if op.summary.Status == StatusSucceeded {
		rt.mu.Unlock()
		return Summary{}, &core.ErrInvalidInput{Field: "op_id", Message: "succeeded operations cannot be restarted"}
	}
	run, ok := rt.runners[op.summary.Kind]
	if !ok {
		rt.mu.Unlock()
		return Summary{}, &core.ErrInvalidInput{Field: "kind", Message: "no runner registered for " + op.summary.Kind}
	}

	now := rt.now()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	op.summary.Status = StatusQueued
	op.summary.Attempt++
	op.summary.Error = ""
	op.summary.Result = nil
	op.summary.ProgressSummary = ""
	op.summary.StartedAt = nil
	op.summary.FinishedAt = nil
	op.summary.UpdatedAt = now
	op.summary.ExpiresAt = now.Add(rt.ttl)
	op.cancel = cancel
	summary := op.summary
	rt.mu.Unlock()

	rt.metrics.LROTransition(runCtx, string(StatusQueued))
	rt.log.Info("operation restarted", "op_id", id, "kind", summary.Kind, "attempt", summary.Attempt)

	go rt.execute(runCtx, id, run)
	return summary, nil
}

// List returns operations in the given scope, newest first. Terminal
// operations are omitted unless includeCompleted is set.
func (rt *Runtime) List(scope Scope, includeCompleted bool) []Summary {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var out []Summary
	for _, op := range rt.ops {
		if op.summary.ScopeType != scope.Type || op.summary.ScopeID != scope.ID {
			continue
		}
		if !includeCompleted && Terminal(op.summary.Status) {
			continue
		}
		out = append(out, op.summary)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].OpID < out[j].OpID
	})
	return out
}

// Counts tallies operations by status, for the heartbeat payload.
func (rt *Runtime) Counts() map[Status]int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	counts := make(map[Status]int)
	for _, op := range rt.ops {
		counts[op.summary.Status]++
	}
	return counts
}

// StartSweeper expires overdue operations and evicts stale terminal
// records until ctx is cancelled. It blocks; run it as a background
// listener.
func (rt *Runtime) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.sweep()
		}
	}
}

func (rt *Runtime) sweep() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	now := rt.now()
	for id, op := range rt.ops {
		if !Terminal(op.summary.Status) && now.After(op.summary.ExpiresAt) {
			op.summary.Status = StatusExpired
			finished := now
			op.summary.FinishedAt = &finished
			op.summary.UpdatedAt = now
			op.cancel()
			rt.metrics.LROTransition(context.Background(), string(StatusExpired))
			rt.log.Warn("operation expired", "op_id", id, "kind", op.summary.Kind)
			continue
		}
		if Terminal(op.summary.Status) && op.summary.FinishedAt != nil &&
			now.After(op.summary.FinishedAt.Add(rt.retention)) {
			delete(rt.ops, id)
		}
	}
}
