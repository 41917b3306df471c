// Package queue implements the Task Queue: the public contract spec.md
// gives callers for enqueueing work, long-polling for it, and driving a
// task through its state machine. It owns the one coarse mutex that
// serializes matching against concurrent enqueue/waitForTask calls, and the
// in-memory Pending ACK map (spec.md's Pending ACK Entry is transient,
// never durable).
package queue

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/nodegraft/taskq/internal/bus"
	"github.com/nodegraft/taskq/internal/otel"
	"github.com/nodegraft/taskq/internal/registry"
	"github.com/nodegraft/taskq/internal/shared"
	"github.com/nodegraft/taskq/internal/store"
)

// PendingAckEntry is the transient record created when a task is delivered
// to an agent and is awaiting ackTask.
type PendingAckEntry struct {
	TaskID  string
	AgentID string
	SentAt  int64
}

// PendingAckTimeout is how long a delivered-but-unacked task is given
// before the scheduler's requeueStuckTasks step reclaims it.
const PendingAckTimeout = 60 * time.Second

// Queue is the Task Queue.
type Queue struct {
	store    *store.Store
	registry *registry.Registry
	bus      *bus.Bus
	log      *slog.Logger
	metrics  *otel.Metrics

	mu          sync.Mutex
	pendingAcks map[string]*PendingAckEntry
}

// New builds a Task Queue over a Store and Waiting-Agent Registry.
func New(st *store.Store, reg *registry.Registry, eventBus *bus.Bus, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		store: st, registry: reg, bus: eventBus, log: log,
		pendingAcks: make(map[string]*PendingAckEntry),
	}
}

// SetMetrics attaches the OpenTelemetry instruments the scheduler and
// gateway share with the Task Queue. Nil-safe: an unconfigured Queue
// records nothing.
func (q *Queue) SetMetrics(m *otel.Metrics) { q.metrics = m }

// EnqueueInput is the caller-supplied shape of a new task.
type EnqueueInput struct {
	Prompt       string
	From         store.Origin
	To           store.RouteTo
	Priority     store.Priority
	Dependencies []string
	Context      map[string]any
}

func deriveTitle(prompt string) string {
	firstLine := prompt
	for i, r := range prompt {
		if r == '\n' {
			firstLine = prompt[:i]
			break
		}
	}
	const maxLen = 80
	runes := []rune(firstLine)
	if len(runes) <= maxLen {
		return firstLine
	}
	return string(runes[:maxLen]) + "…"
}

// Enqueue persists a new QUEUED task and attempts an immediate match
// against the Waiting-Agent Registry before returning.
func (q *Queue) Enqueue(ctx context.Context, in EnqueueInput) (*store.Task, error) {
	start := time.Now()
	defer func() {
		if q.metrics != nil {
			q.metrics.EnqueueDuration.Record(context.Background(), time.Since(start).Seconds())
		}
	}()
	if in.Prompt == "" {
		return nil, validationErr("empty_prompt", "prompt must not be empty")
	}
	if in.Priority == "" {
		in.Priority = store.PriorityNormal
	}
	if in.To.WorkspaceID != "" && in.To.AgentID != "" {
		if a, err := q.store.GetAgentByID(ctx, in.To.AgentID); err == nil && a.WorkspaceContext.RepoID != "" && a.WorkspaceContext.RepoID != in.To.WorkspaceID {
			return nil, validationErr("workspace_mismatch", "target agent %s is not on workspace %s", in.To.AgentID, in.To.WorkspaceID)
		}
	}
	if in.To.AgentID != "" {
		if _, err := q.store.GetAgentByID(ctx, in.To.AgentID); err != nil {
			return nil, validationErr("unknown_agent", "target agent %s is not registered", in.To.AgentID)
		}
	}
	if in.To.WorkspaceID != "" && in.To.AgentID == "" {
		if ok, err := q.store.HasWorkspace(ctx, in.To.WorkspaceID); err == nil && !ok {
			return nil, validationErr("workspace_required", "no registered agent is associated with workspace %s", in.To.WorkspaceID)
		}
	}

	task := &store.Task{
		ID: uuid.NewString(), Prompt: in.Prompt, Title: deriveTitle(in.Prompt),
		From: in.From, To: in.To, Priority: in.Priority, Status: store.StatusQueued,
		Dependencies: in.Dependencies, Context: in.Context, CreatedAt: time.Now().UnixMilli(),
	}

	if err := q.store.Insert(ctx, task); err != nil {
		return nil, &Error{Code: CodeInternal, Message: err.Error()}
	}

	if task.From.Type == store.OriginAgent && (in.To.AgentID != "" || in.To.WorkspaceID != "") {
		q.publish(bus.TopicDelegation, bus.DelegationEvent{
			TaskID: task.ID, SourceAgentID: task.From.ID, TargetAgentID: in.To.AgentID, WorkspaceID: in.To.WorkspaceID,
		})
	}
	q.publish(bus.TopicTaskCreated, bus.TaskCreatedEvent{TaskID: task.ID, Priority: string(task.Priority)})

	q.tryMatchOne(ctx, task)
	return task, nil
}

// tryMatchOne attempts to deliver a single freshly-queued task to one
// eligible waiting agent. At most one waiting agent is ever selected per
// call, satisfying the "at most one waiting agent selected" invariant.
func (q *Queue) tryMatchOne(ctx context.Context, task *store.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	fresh, err := q.store.GetByID(ctx, task.ID)
	if err != nil || fresh.Status != store.StatusQueued {
		return
	}

	entry := q.registry.FindEligible(func(agentID string, caps []string, ws store.WorkspaceContext) bool {
		return q.eligibleLocked(ctx, fresh, agentID, caps, ws)
	})
	if entry == nil {
		return
	}
	q.deliverLocked(ctx, fresh, entry)
}

// eligibleLocked implements the eligibility predicate from spec.md §4.4.
// Caller must hold q.mu (it reads dependency task statuses, which are
// match-participating).
func (q *Queue) eligibleLocked(ctx context.Context, task *store.Task, agentID string, caps []string, ws store.WorkspaceContext) bool {
	if task.To.AgentID != "" {
		if task.To.AgentID != agentID {
			return false
		}
	} else if len(task.To.RequiredCapabilities) > 0 {
		have := make(map[string]bool, len(caps))
		for _, c := range caps {
			have[c] = true
		}
		for _, need := range task.To.RequiredCapabilities {
			if !have[need] {
				return false
			}
		}
	}
	if task.To.WorkspaceID != "" && ws.RepoID != "" && task.To.WorkspaceID != ws.RepoID {
		return false
	}
	for _, depID := range task.Dependencies {
		dep, err := q.store.GetByID(ctx, depID)
		if err != nil {
			continue // unknown dependency id is treated as satisfied
		}
		if dep.Status != store.StatusCompleted {
			return false
		}
	}
	return true
}

// deliverLocked moves a QUEUED task to PENDING_ACK, records the Pending ACK
// Entry, and pushes it through the already-reserved agent's delivery
// channel. entry must already have been removed from the registry (by
// FindEligible) so it cannot be matched twice. Caller must hold q.mu.
func (q *Queue) deliverLocked(ctx context.Context, task *store.Task, entry *registry.Entry) {
	if err := q.store.UpdateStatus(ctx, task.ID, store.StatusPendingAck); err != nil {
		q.log.Error("deliver: update status failed", "task_id", task.ID, "error", err)
		return
	}
	q.pendingAcks[task.ID] = &PendingAckEntry{TaskID: task.ID, AgentID: entry.AgentID, SentAt: time.Now().UnixMilli()}
	q.publishTransition(ctx, task.ID, store.StatusQueued, store.StatusPendingAck, entry.AgentID)
	registry.Deliver(entry, registry.Delivery{Signal: registry.SignalTask, Task: task})
}

func (q *Queue) publish(topic string, payload any) {
	if q.bus != nil {
		q.bus.Publish(topic, payload)
	}
}

// publishTransition fans a state change out to the event bus, the
// task_events ledger, and the transition counters. ctx carries the run_id
// (scheduler-driven transitions) or trace_id (request-driven ones) that ties
// a ledger row back to the cycle or call that produced it.
func (q *Queue) publishTransition(ctx context.Context, taskID string, from, to store.Status, assignedTo string) {
	q.publish(bus.TopicTaskUpdated, bus.TaskUpdatedEvent{TaskID: taskID, OldStatus: string(from), NewStatus: string(to), AssignedTo: assignedTo})
	if to.Terminal() {
		q.publish(bus.TopicTaskCompleted, bus.TaskCompletedEvent{TaskID: taskID, Status: string(to)})
	}
	if err := q.store.RecordEvent(ctx, taskID, shared.RunID(ctx), shared.TraceID(ctx), from, to, ""); err != nil {
		q.log.Warn("record task event failed", "task_id", taskID, "from", from, "to", to, "error", err)
	}
	if q.metrics != nil {
		q.metrics.TasksTransitioned.Add(context.Background(), 1, otelmetric.WithAttributes(
			otel.AttrStatusFrom.String(string(from)), otel.AttrStatusTo.String(string(to)),
		))
		if to == store.StatusFailed {
			q.metrics.TasksDeadLettered.Add(context.Background(), 1, otelmetric.WithAttributes(otel.AttrTaskID.String(taskID)))
		}
	}
}

// sortQueuedTasks orders QUEUED tasks by priority desc, then createdAt asc.
func sortQueuedTasks(tasks []*store.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		pi, pj := tasks[i].Priority.Rank(), tasks[j].Priority.Rank()
		if pi != pj {
			return pi > pj
		}
		return tasks[i].CreatedAt < tasks[j].CreatedAt
	})
}
