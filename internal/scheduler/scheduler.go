// Package scheduler implements the Hybrid Scheduler: a fixed-interval
// background healing cycle that runs five independent, failure-isolated
// steps every tick. It never blocks a foreground request — a slow or
// erroring step is logged and skipped, never propagated.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nodegraft/taskq/internal/otel"
	"github.com/nodegraft/taskq/internal/queue"
	"github.com/nodegraft/taskq/internal/shared"
	"github.com/nodegraft/taskq/internal/store"
)

// Thresholds configures the five healing steps; defaults match spec.md §5.
type Thresholds struct {
	TickInterval       time.Duration
	PendingAckTimeout  time.Duration
	StaleTaskTimeout   time.Duration
	OrphanTaskTimeout  time.Duration
}

// DefaultThresholds returns spec.md's constants.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TickInterval:      5 * time.Second,
		PendingAckTimeout: 60 * time.Second,
		StaleTaskTimeout:  30 * time.Minute,
		OrphanTaskTimeout: 5 * time.Minute,
	}
}

// Scheduler runs the Hybrid Scheduler loop.
type Scheduler struct {
	q          *queue.Queue
	thresholds Thresholds
	log        *slog.Logger
	metrics    *otel.Metrics

	stop chan struct{}
	done chan struct{}
}

// New builds a Scheduler over a Task Queue.
func New(q *queue.Queue, thresholds Thresholds, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{q: q, thresholds: thresholds, log: log, stop: make(chan struct{}), done: make(chan struct{})}
}

// SetMetrics attaches the SchedulerTickDuration histogram. Nil-safe.
func (s *Scheduler) SetMetrics(m *otel.Metrics) { s.metrics = m }

// Run blocks, ticking until ctx is cancelled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.thresholds.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop requests the loop to exit and waits for it to do so.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

// tick runs all five healing steps in order. Each step is isolated: a
// panic or error in one must not prevent the others from running.
func (s *Scheduler) tick(ctx context.Context) {
	start := time.Now()
	runID := uuid.NewString()
	ctx = shared.WithRunID(ctx, runID)

	s.runStep(ctx, "requeueStuckTasks", s.requeueStuckTasks)
	s.runStep(ctx, "checkBlockedTasks", s.checkBlockedTasks)
	s.runStep(ctx, "assignPendingTasks", s.assignPendingTasks)
	s.runStep(ctx, "rebalanceStaleTasks", s.rebalanceStaleTasks)
	s.runStep(ctx, "rebalanceOrphanedTasks", s.rebalanceOrphanedTasks)

	if s.metrics != nil {
		s.metrics.SchedulerTickDuration.Record(context.Background(), time.Since(start).Seconds())
	}
}

func (s *Scheduler) runStep(ctx context.Context, name string, step func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler step panicked", "step", name, "run_id", shared.RunID(ctx), "panic", r)
		}
	}()
	if err := step(ctx); err != nil {
		s.log.Warn("scheduler step failed", "step", name, "run_id", shared.RunID(ctx), "error", err)
	}
}

// requeueStuckTasks forceRetries every task whose Pending ACK Entry has
// outlived PendingAckTimeout without an ackTask call.
func (s *Scheduler) requeueStuckTasks(ctx context.Context) error {
	now := time.Now()
	for taskID, entry := range s.q.GetPendingAcks() {
		sentAt := time.UnixMilli(entry.SentAt)
		if now.Sub(sentAt) > s.thresholds.PendingAckTimeout {
			if err := s.q.ForceRetry(ctx, taskID); err != nil {
				s.log.Warn("requeueStuckTasks: forceRetry failed", "task_id", taskID, "error", err)
			}
		}
	}
	return nil
}

// checkBlockedTasks moves BLOCKED tasks with a non-empty dependency list
// back to QUEUED once every dependency is COMPLETED (unknown ids count as
// satisfied). BLOCKED tasks parked for clarification (no dependencies) are
// never auto-unblocked here — only answerTask moves them.
func (s *Scheduler) checkBlockedTasks(ctx context.Context) error {
	tasks, err := s.q.TasksByStatus(ctx, store.StatusBlocked)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if len(t.Dependencies) == 0 {
			continue
		}
		allSatisfied := true
		for _, depID := range t.Dependencies {
			if !s.q.DependencySatisfied(ctx, depID) {
				allSatisfied = false
				break
			}
		}
		if allSatisfied {
			if err := s.q.ForceRetry(ctx, t.ID); err != nil {
				s.log.Warn("checkBlockedTasks: requeue failed", "task_id", t.ID, "error", err)
			}
		}
	}
	return nil
}

// assignPendingTasks runs the batch greedy-match pass over every QUEUED
// task against the Waiting-Agent Registry.
func (s *Scheduler) assignPendingTasks(ctx context.Context) error {
	s.q.AssignPendingTasks(ctx)
	return nil
}

// rebalanceStaleTasks forceRetries ASSIGNED/IN_PROGRESS tasks whose last
// activity (max of last progress update and createdAt) is older than
// StaleTaskTimeout — an agent that has stopped reporting progress.
func (s *Scheduler) rebalanceStaleTasks(ctx context.Context) error {
	tasks, err := s.q.TasksByStatuses(ctx, []store.Status{store.StatusAssigned, store.StatusInProgress})
	if err != nil {
		return err
	}
	now := time.Now()
	for _, t := range tasks {
		lastActivity := t.CreatedAt
		if progress, err := s.q.TaskLastProgress(ctx, t.ID); err == nil && progress > lastActivity {
			lastActivity = progress
		}
		if now.Sub(time.UnixMilli(lastActivity)) > s.thresholds.StaleTaskTimeout {
			if err := s.q.ForceRetry(ctx, t.ID); err != nil {
				s.log.Warn("rebalanceStaleTasks: forceRetry failed", "task_id", t.ID, "error", err)
			}
		}
	}
	return nil
}

// rebalanceOrphanedTasks forceRetries every task assigned to an agent whose
// lastSeen predates OrphanTaskTimeout — the agent process is presumed dead.
func (s *Scheduler) rebalanceOrphanedTasks(ctx context.Context) error {
	tasks, err := s.q.GetActive(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	checked := make(map[string]bool)
	for _, t := range tasks {
		if t.AssignedTo == "" || checked[t.AssignedTo] {
			continue
		}
		checked[t.AssignedTo] = true

		lastSeen, err := s.q.AgentLastSeen(ctx, t.AssignedTo)
		if err != nil {
			continue // agent record gone; orphan sweep leaves it for cleanup, not retry
		}
		if now.Sub(time.UnixMilli(lastSeen)) <= s.thresholds.OrphanTaskTimeout {
			continue
		}
		for _, orphan := range tasks {
			if orphan.AssignedTo == t.AssignedTo {
				if err := s.q.ForceRetry(ctx, orphan.ID); err != nil {
					s.log.Warn("rebalanceOrphanedTasks: forceRetry failed", "task_id", orphan.ID, "error", err)
				}
			}
		}
	}
	return nil
}
