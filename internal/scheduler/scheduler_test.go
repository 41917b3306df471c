package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/nodegraft/taskq/internal/bus"
	"github.com/nodegraft/taskq/internal/queue"
	"github.com/nodegraft/taskq/internal/registry"
	"github.com/nodegraft/taskq/internal/store"
)

func newTestDeps(t *testing.T) (*queue.Queue, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	q := queue.New(st, registry.New(), bus.New(), nil)
	return q, st
}

func TestCheckBlockedTasks_UnblocksWhenDependencyCompleted(t *testing.T) {
	q, st := newTestDeps(t)
	ctx := context.Background()

	dep, err := q.Enqueue(ctx, queue.EnqueueInput{Prompt: "dep", From: store.Origin{Type: store.OriginUser}})
	if err != nil {
		t.Fatal(err)
	}
	main, err := q.Enqueue(ctx, queue.EnqueueInput{Prompt: "main", From: store.Origin{Type: store.OriginUser}, Dependencies: []string{dep.ID}})
	if err != nil {
		t.Fatal(err)
	}
	if err := q.BlockTask(ctx, main.ID, "dependency", "q", "waiting on dep", "", nil); err != nil {
		t.Fatal(err)
	}

	// Complete the dependency directly through its own lifecycle.
	registerAgent(t, st, "a1")
	if _, _, err := q.WaitForTask(ctx, "a1", nil, store.WorkspaceContext{}, time.Second); err != nil {
		t.Fatal(err)
	}
	if err := q.AckTask(ctx, dep.ID, "a1"); err != nil {
		t.Fatal(err)
	}
	if err := q.SendResponse(ctx, dep.ID, store.StatusCompleted, queue.ResponsePayload{Message: "done"}); err != nil {
		t.Fatal(err)
	}

	sched := New(q, DefaultThresholds(), nil)
	if err := sched.checkBlockedTasks(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := st.GetByID(ctx, main.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusQueued {
		t.Fatalf("expected QUEUED after dependency completed, got %s", got.Status)
	}
}

func TestCheckBlockedTasks_LeavesClarificationBlocksAlone(t *testing.T) {
	q, st := newTestDeps(t)
	ctx := context.Background()
	task, err := q.Enqueue(ctx, queue.EnqueueInput{Prompt: "p", From: store.Origin{Type: store.OriginUser}})
	if err != nil {
		t.Fatal(err)
	}
	if err := q.BlockTask(ctx, task.ID, "clarification", "which approach?", "need input", "", nil); err != nil {
		t.Fatal(err)
	}

	sched := New(q, DefaultThresholds(), nil)
	if err := sched.checkBlockedTasks(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := st.GetByID(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusBlocked {
		t.Fatalf("expected clarification block to remain BLOCKED, got %s", got.Status)
	}
}

func TestRequeueStuckTasks_PastTimeoutForcesRetry(t *testing.T) {
	q, st := newTestDeps(t)
	ctx := context.Background()
	registerAgent(t, st, "a1")

	task, err := q.Enqueue(ctx, queue.EnqueueInput{Prompt: "p", From: store.Origin{Type: store.OriginUser}})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := q.WaitForTask(ctx, "a1", nil, store.WorkspaceContext{}, time.Second); err != nil {
		t.Fatal(err)
	}

	sched := New(q, Thresholds{PendingAckTimeout: -1 * time.Second}, nil)
	if err := sched.requeueStuckTasks(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := st.GetByID(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusQueued {
		t.Fatalf("expected requeued task, got %s", got.Status)
	}
}

func TestRebalanceStaleTasks_31MinRequeuesNot29(t *testing.T) {
	q, st := newTestDeps(t)
	ctx := context.Background()
	registerAgent(t, st, "a1")

	task, err := q.Enqueue(ctx, queue.EnqueueInput{Prompt: "p", From: store.Origin{Type: store.OriginUser}})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := q.WaitForTask(ctx, "a1", nil, store.WorkspaceContext{}, time.Second); err != nil {
		t.Fatal(err)
	}
	if err := q.AckTask(ctx, task.ID, "a1"); err != nil {
		t.Fatal(err)
	}
	if err := q.SendResponse(ctx, task.ID, store.StatusInProgress, queue.ResponsePayload{}); err != nil {
		t.Fatal(err)
	}

	sched29 := New(q, Thresholds{StaleTaskTimeout: 29 * time.Minute}, nil)
	if err := sched29.rebalanceStaleTasks(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := st.GetByID(ctx, task.ID)
	if got.Status != store.StatusInProgress {
		t.Fatalf("29min: task should remain IN_PROGRESS, got %s", got.Status)
	}

	sched0 := New(q, Thresholds{StaleTaskTimeout: 0}, nil)
	if err := sched0.rebalanceStaleTasks(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ = st.GetByID(ctx, task.ID)
	if got.Status != store.StatusQueued {
		t.Fatalf("expected stale task requeued, got %s", got.Status)
	}
}

func registerAgent(t *testing.T, st *store.Store, id string) {
	t.Helper()
	if err := st.Register(context.Background(), &store.Agent{ID: id, DisplayName: id, CreatedAt: 1, LastSeen: time.Now().UnixMilli()}); err != nil {
		t.Fatal(err)
	}
}
