package queue

import (
	"context"
	"time"

	"github.com/nodegraft/taskq/internal/bus"
	"github.com/nodegraft/taskq/internal/registry"
	"github.com/nodegraft/taskq/internal/store"
)

const (
	minLongPoll = 1 * time.Second
	maxLongPoll = 300 * time.Second
)

func clampTimeout(d time.Duration) time.Duration {
	if d < minLongPoll {
		return minLongPoll
	}
	if d > maxLongPoll {
		return maxLongPoll
	}
	return d
}

// ControlSignal is an out-of-band instruction delivered to a parked agent
// instead of a task.
type ControlSignal struct {
	Type    registry.SignalType
	Payload string
}

// WaitForTask implements waitForTask's 5-step algorithm: heartbeat, a
// direct under-lock scan for an immediately claimable task, a pending
// control-signal check, and finally parking in the Waiting-Agent Registry
// until delivery or timeout.
func (q *Queue) WaitForTask(ctx context.Context, agentID string, capabilities []string, ws store.WorkspaceContext, timeout time.Duration) (*store.Task, *ControlSignal, error) {
	start := time.Now()
	defer func() {
		if q.metrics != nil {
			q.metrics.WaitForTaskLatency.Record(context.Background(), time.Since(start).Seconds())
		}
	}()
	timeout = clampTimeout(timeout)

	if err := q.store.Heartbeat(ctx, agentID); err != nil {
		return nil, nil, &Error{Code: CodeInternal, Message: err.Error()}
	}
	q.publish(bus.TopicAgentHeartbeat, bus.AgentHeartbeatEvent{AgentID: agentID})

	if t := q.tryClaimQueued(ctx, agentID, capabilities, ws); t != nil {
		return t, nil, nil
	}

	if req, err := q.store.CheckEviction(ctx, agentID); err == nil && req != nil {
		sigType := registry.SignalEvict
		return nil, &ControlSignal{Type: sigType, Payload: req.Reason}, nil
	}

	entry := q.registry.Park(agentID, capabilities, ws, time.Now().Add(timeout).UnixMilli())

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-entry.Wait():
		if d.Signal == registry.SignalTask {
			if err := q.store.Heartbeat(ctx, agentID); err != nil {
				q.log.Error("heartbeat after delivery failed", "agent_id", agentID, "error", err)
			}
			return d.Task, nil, nil
		}
		return nil, &ControlSignal{Type: d.Signal, Payload: d.Payload}, nil

	case <-timer.C:
		q.registry.Remove(agentID)
		return nil, nil, nil

	case <-ctx.Done():
		if !q.registry.Remove(agentID) {
			// Already matched between timeout firing and our Remove call;
			// the task is PENDING_ACK in the store and the scheduler's
			// requeueStuckTasks step will reclaim it if this caller never
			// returns to ack it.
			select {
			case d := <-entry.Wait():
				if d.Signal == registry.SignalTask {
					return d.Task, nil, nil
				}
			default:
			}
		}
		return nil, nil, ctx.Err()
	}
}

// tryClaimQueued scans QUEUED tasks (priority desc, createdAt asc) for the
// first one this agent is eligible for, and if found, reserves it without
// ever touching the Waiting-Agent Registry.
func (q *Queue) tryClaimQueued(ctx context.Context, agentID string, capabilities []string, ws store.WorkspaceContext) *store.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	tasks, err := q.store.GetByStatus(ctx, store.StatusQueued)
	if err != nil {
		q.log.Error("tryClaimQueued: scan failed", "error", err)
		return nil
	}
	sortQueuedTasks(tasks)

	for _, t := range tasks {
		if q.eligibleLocked(ctx, t, agentID, capabilities, ws) {
			if err := q.store.UpdateStatus(ctx, t.ID, store.StatusPendingAck); err != nil {
				q.log.Error("tryClaimQueued: reserve failed", "task_id", t.ID, "error", err)
				continue
			}
			q.pendingAcks[t.ID] = &PendingAckEntry{TaskID: t.ID, AgentID: agentID, SentAt: time.Now().UnixMilli()}
			q.publishTransition(ctx, t.ID, store.StatusQueued, store.StatusPendingAck, agentID)
			t.Status = store.StatusPendingAck
			return t
		}
	}
	return nil
}

// AckTask confirms an agent's receipt of a delivered task, moving it from
// PENDING_ACK to ASSIGNED.
func (q *Queue) AckTask(ctx context.Context, taskID, agentID string) error {
	q.mu.Lock()
	entry, ok := q.pendingAcks[taskID]
	if !ok {
		q.mu.Unlock()
		return validationErr("not_pending", "task %s has no pending ack", taskID)
	}
	if entry.AgentID != agentID {
		q.mu.Unlock()
		return validationErr("wrong_agent", "task %s was delivered to a different agent", taskID)
	}
	delete(q.pendingAcks, taskID)
	if err := q.store.SetAssignment(ctx, taskID, agentID, store.StatusAssigned); err != nil {
		q.mu.Unlock()
		return &Error{Code: CodeInternal, Message: err.Error()}
	}
	q.publishTransition(ctx, taskID, store.StatusPendingAck, store.StatusAssigned, agentID)
	q.mu.Unlock()

	return q.store.Heartbeat(ctx, agentID)
}

// UpdateProgress records an in-flight progress note, auto-advancing a task
// from ASSIGNED to IN_PROGRESS on its first call and refreshing the
// reporting agent's heartbeat.
func (q *Queue) UpdateProgress(ctx context.Context, taskID, agentID, phase, message string, percentage *float64) error {
	task, err := q.store.GetByID(ctx, taskID)
	if err != nil {
		return notFoundErr("task %s not found", taskID)
	}
	if task.AssignedTo != agentID {
		return validationErr("wrong_agent", "task %s is not assigned to %s", taskID, agentID)
	}
	switch task.Status {
	case store.StatusAssigned:
		if err := q.store.UpdateStatus(ctx, taskID, store.StatusInProgress); err != nil {
			return &Error{Code: CodeInternal, Message: err.Error()}
		}
		q.publishTransition(ctx, taskID, store.StatusAssigned, store.StatusInProgress, agentID)
	case store.StatusInProgress:
	default:
		return validationErr("not_in_progress", "task %s is not ASSIGNED or IN_PROGRESS", taskID)
	}

	meta := map[string]any{}
	if phase != "" {
		meta["phase"] = phase
	}
	if percentage != nil {
		meta["percentage"] = *percentage
	}
	if _, err := q.store.AddMessage(ctx, taskID, store.RoleAgent, message, meta, true, ""); err != nil {
		q.log.Error("updateProgress: add message failed", "task_id", taskID, "error", err)
	}
	return q.store.Heartbeat(ctx, agentID)
}

// ResponsePayload is the body of sendResponse.
type ResponsePayload struct {
	Message       string
	Artifacts     []string
	Diff          string
	BlockedReason string
}

// SendResponse drives a task forward per the resolved state table; the
// caller supplies one of IN_PROGRESS, IN_REVIEW, APPROVED, COMPLETED,
// FAILED, BLOCKED.
func (q *Queue) SendResponse(ctx context.Context, taskID string, status store.Status, payload ResponsePayload) error {
	switch status {
	case store.StatusInProgress, store.StatusInReview, store.StatusApproved,
		store.StatusCompleted, store.StatusFailed, store.StatusBlocked:
	default:
		return validationErr("invalid_status", "sendResponse cannot target %s", status)
	}
	if status == store.StatusBlocked && payload.BlockedReason == "" {
		return validationErr("missing_blocked_reason", "blockTask requires a non-empty reason")
	}

	task, err := q.store.GetByID(ctx, taskID)
	if err != nil {
		return notFoundErr("task %s not found", taskID)
	}
	if !store.CanTransition(task.Status, status) {
		return validationErr("illegal_transition", "cannot move task %s from %s to %s", taskID, task.Status, status)
	}

	prev := task.Status
	task.Status = status
	if status.Terminal() {
		task.CompletedAt = time.Now().UnixMilli()
	}
	if payload.Message != "" || len(payload.Artifacts) > 0 || payload.Diff != "" {
		task.Response = &store.Response{Message: payload.Message, Artifacts: payload.Artifacts, Diff: payload.Diff}
	}
	if err := q.store.Update(ctx, task); err != nil {
		return &Error{Code: CodeInternal, Message: err.Error()}
	}

	if status == store.StatusBlocked {
		_, err := q.store.AddMessage(ctx, taskID, store.RoleSystem, payload.Message, map[string]any{
			"type":   "block_event",
			"reason": payload.BlockedReason,
		}, true, "")
		if err != nil {
			q.log.Error("blockTask: add message failed", "task_id", taskID, "error", err)
		}
	} else if payload.Message != "" {
		if _, err := q.store.AddMessage(ctx, taskID, store.RoleAgent, payload.Message, nil, true, ""); err != nil {
			q.log.Error("sendResponse: add message failed", "task_id", taskID, "error", err)
		}
	}

	q.mu.Lock()
	if status.Terminal() {
		delete(q.pendingAcks, taskID)
	}
	q.mu.Unlock()

	q.publishTransition(ctx, taskID, prev, status, task.AssignedTo)
	return nil
}

// BlockTask is a convenience wrapper over sendResponse(BLOCKED, ...) used by
// the block_task RPC, which carries a structured question/summary instead
// of a single message.
func (q *Queue) BlockTask(ctx context.Context, taskID, reason, question, summary, notes string, files []string) error {
	task, err := q.store.GetByID(ctx, taskID)
	if err != nil {
		return notFoundErr("task %s not found", taskID)
	}
	if !store.CanTransition(task.Status, store.StatusBlocked) {
		return validationErr("illegal_transition", "cannot block task %s from %s", taskID, task.Status)
	}
	task.Status = store.StatusBlocked
	if err := q.store.Update(ctx, task); err != nil {
		return &Error{Code: CodeInternal, Message: err.Error()}
	}
	meta := map[string]any{"type": "block_event", "reason": reason, "question": question, "summary": summary}
	if notes != "" {
		meta["notes"] = notes
	}
	if len(files) > 0 {
		meta["files"] = files
	}
	if _, err := q.store.AddMessage(ctx, taskID, store.RoleSystem, summary, meta, true, ""); err != nil {
		q.log.Error("blockTask: add message failed", "task_id", taskID, "error", err)
	}
	q.publishTransition(ctx, taskID, store.StatusBlocked, store.StatusBlocked, task.AssignedTo)
	return nil
}

// AnswerTask appends the clarifying answer as a user message and returns a
// BLOCKED task to QUEUED.
func (q *Queue) AnswerTask(ctx context.Context, taskID, answer string) error {
	task, err := q.store.GetByID(ctx, taskID)
	if err != nil {
		return notFoundErr("task %s not found", taskID)
	}
	if task.Status != store.StatusBlocked {
		return validationErr("not_blocked", "task %s is not BLOCKED", taskID)
	}
	if _, err := q.store.AddMessage(ctx, taskID, store.RoleUser, answer, nil, true, ""); err != nil {
		q.log.Error("answerTask: add message failed", "task_id", taskID, "error", err)
	}
	if err := q.store.UpdateStatus(ctx, taskID, store.StatusQueued); err != nil {
		return &Error{Code: CodeInternal, Message: err.Error()}
	}
	q.publishTransition(ctx, taskID, store.StatusBlocked, store.StatusQueued, "")

	fresh, err := q.store.GetByID(ctx, taskID)
	if err == nil {
		q.tryMatchOne(ctx, fresh)
	}
	return nil
}

// Approve moves a task from IN_REVIEW to APPROVED — the only legal
// transition out of IN_REVIEW besides forceRetry/cancel.
func (q *Queue) Approve(ctx context.Context, taskID string) error {
	task, err := q.store.GetByID(ctx, taskID)
	if err != nil {
		return notFoundErr("task %s not found", taskID)
	}
	if task.Status != store.StatusInReview {
		return validationErr("not_in_review", "task %s is not IN_REVIEW", taskID)
	}
	if err := q.store.UpdateStatus(ctx, taskID, store.StatusApproved); err != nil {
		return &Error{Code: CodeInternal, Message: err.Error()}
	}
	q.publishTransition(ctx, taskID, store.StatusInReview, store.StatusApproved, task.AssignedTo)
	return nil
}

// ForceRetry returns a task to QUEUED from any state except COMPLETED,
// clearing its assignment and any Pending ACK Entry.
func (q *Queue) ForceRetry(ctx context.Context, taskID string) error {
	task, err := q.store.GetByID(ctx, taskID)
	if err != nil {
		return notFoundErr("task %s not found", taskID)
	}
	if task.Status == store.StatusCompleted {
		return validationErr("already_completed", "task %s is already COMPLETED", taskID)
	}
	if err := q.store.ResetForRetry(ctx, taskID); err != nil {
		return &Error{Code: CodeInternal, Message: err.Error()}
	}

	q.mu.Lock()
	delete(q.pendingAcks, taskID)
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.TasksRequeued.Add(ctx, 1)
	}
	q.publishTransition(ctx, taskID, task.Status, store.StatusQueued, "")

	fresh, err := q.store.GetByID(ctx, taskID)
	if err == nil {
		q.tryMatchOne(ctx, fresh)
	}
	return nil
}

// CancelTask moves any non-terminal task to CANCELLED. Idempotent:
// cancelling an already-CANCELLED task is a no-op.
func (q *Queue) CancelTask(ctx context.Context, taskID string) error {
	task, err := q.store.GetByID(ctx, taskID)
	if err != nil {
		return notFoundErr("task %s not found", taskID)
	}
	if task.Status == store.StatusCancelled {
		return nil
	}
	if task.Status.Terminal() {
		return validationErr("already_terminal", "task %s already reached a terminal state", taskID)
	}
	if err := q.store.UpdateStatus(ctx, taskID, store.StatusCancelled); err != nil {
		return &Error{Code: CodeInternal, Message: err.Error()}
	}
	q.mu.Lock()
	delete(q.pendingAcks, taskID)
	q.mu.Unlock()
	q.publishTransition(ctx, taskID, task.Status, store.StatusCancelled, task.AssignedTo)
	return nil
}

// --- Introspection ---

func (q *Queue) GetAll(ctx context.Context) ([]*store.Task, error)    { return q.store.GetAll(ctx) }
func (q *Queue) GetActive(ctx context.Context) ([]*store.Task, error) { return q.store.GetActive(ctx) }
func (q *Queue) GetStats(ctx context.Context) (*store.Stats, error)   { return q.store.GetStats(ctx) }

func (q *Queue) GetTaskHistory(ctx context.Context, f store.HistoryFilter) ([]*store.Task, error) {
	return q.store.GetHistory(ctx, f)
}

func (q *Queue) GetAssignedTasksForAgent(ctx context.Context, agentID string) ([]*store.Task, error) {
	return q.store.GetByAssignedTo(ctx, agentID)
}

// GetWaitingAgents returns a snapshot of the Waiting-Agent Registry.
func (q *Queue) GetWaitingAgents() map[string]*registry.Entry {
	return q.registry.Snapshot()
}

// IsAgentWaiting reports whether an agent currently holds a Waiting Entry.
func (q *Queue) IsAgentWaiting(agentID string) bool {
	return q.registry.IsWaiting(agentID)
}

// GetPendingAcks returns a snapshot of the in-memory Pending ACK map.
func (q *Queue) GetPendingAcks() map[string]PendingAckEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]PendingAckEntry, len(q.pendingAcks))
	for k, v := range q.pendingAcks {
		out[k] = *v
	}
	return out
}

// TasksByStatus and TasksByStatuses expose raw status scans to the
// scheduler's healing steps, which need to inspect tasks the public
// contract doesn't otherwise surface a getter for (e.g. BLOCKED).
func (q *Queue) TasksByStatus(ctx context.Context, status store.Status) ([]*store.Task, error) {
	return q.store.GetByStatus(ctx, status)
}

func (q *Queue) TasksByStatuses(ctx context.Context, statuses []store.Status) ([]*store.Task, error) {
	return q.store.GetByStatuses(ctx, statuses)
}

// TaskLastProgress exposes the store's last-progress lookup for the
// scheduler's stale-task sweep.
func (q *Queue) TaskLastProgress(ctx context.Context, taskID string) (int64, error) {
	return q.store.GetTaskLastProgress(ctx, taskID)
}

// AgentLastSeen exposes an agent's heartbeat recency for the scheduler's
// orphan sweep.
func (q *Queue) AgentLastSeen(ctx context.Context, agentID string) (int64, error) {
	a, err := q.store.GetAgentByID(ctx, agentID)
	if err != nil {
		return 0, err
	}
	return a.LastSeen, nil
}

// DependencySatisfied reports whether a dependency id is COMPLETED or
// unknown (unknown ids are treated as satisfied per spec).
func (q *Queue) DependencySatisfied(ctx context.Context, depID string) bool {
	dep, err := q.store.GetByID(ctx, depID)
	if err != nil {
		return true
	}
	return dep.Status == store.StatusCompleted
}

// AssignPendingTasks runs the batch matching pass: every QUEUED task,
// ordered by priority desc/createdAt asc, is matched against the
// Waiting-Agent Registry in turn (greedy, non-backtracking, per spec.md
// §4.5 step 3).
func (q *Queue) AssignPendingTasks(ctx context.Context) (assigned int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tasks, err := q.store.GetByStatus(ctx, store.StatusQueued)
	if err != nil {
		q.log.Error("assignPendingTasks: scan failed", "error", err)
		return 0
	}
	sortQueuedTasks(tasks)

	for _, t := range tasks {
		entry := q.registry.FindEligible(func(agentID string, caps []string, ws store.WorkspaceContext) bool {
			return q.eligibleLocked(ctx, t, agentID, caps, ws)
		})
		if entry == nil {
			continue
		}
		q.deliverLocked(ctx, t, entry)
		assigned++
	}
	return assigned
}

// GetTaskContext assembles the get_task_context RPC response: the task's
// prompt, status, full message log, context, and the outputs of its
// dependencies.
func (q *Queue) GetTaskContext(ctx context.Context, taskID string) (*store.Task, []*store.TaskMessage, map[string]*store.Response, error) {
	task, err := q.store.GetByID(ctx, taskID)
	if err != nil {
		return nil, nil, nil, notFoundErr("task %s not found", taskID)
	}
	msgs, err := q.store.GetMessages(ctx, taskID)
	if err != nil {
		return nil, nil, nil, &Error{Code: CodeInternal, Message: err.Error()}
	}
	deps := make(map[string]*store.Response, len(task.Dependencies))
	for _, depID := range task.Dependencies {
		dep, err := q.store.GetByID(ctx, depID)
		if err == nil && dep.Response != nil {
			deps[depID] = dep.Response
		}
	}
	return task, msgs, deps, nil
}

// WaitForTaskCompletion blocks until taskId reaches a terminal status or
// timeout elapses, implementing the dependency-coordination long-poll
// wait_for_task describes (spec.md §5's waitForTaskCompletion). A nil
// task and nil error means the timeout sentinel fired.
func (q *Queue) WaitForTaskCompletion(ctx context.Context, taskID string, timeout time.Duration) (*store.Task, error) {
	timeout = clampTimeout(timeout)

	sub := q.bus.Subscribe(bus.TopicTaskUpdated)
	defer q.bus.Unsubscribe(sub)

	task, err := q.store.GetByID(ctx, taskID)
	if err != nil {
		return nil, notFoundErr("task %s not found", taskID)
	}
	if task.Status.Terminal() {
		return task, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-sub.Ch():
			if !ok {
				return nil, nil
			}
			upd, ok := ev.Payload.(bus.TaskUpdatedEvent)
			if !ok || upd.TaskID != taskID || !store.Status(upd.NewStatus).Terminal() {
				continue
			}
			fresh, err := q.store.GetByID(ctx, taskID)
			if err != nil {
				return nil, notFoundErr("task %s not found", taskID)
			}
			return fresh, nil

		case <-timer.C:
			return nil, nil

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
