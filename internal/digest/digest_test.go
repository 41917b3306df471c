package digest

import (
	"context"
	"testing"
	"time"

	"github.com/nodegraft/taskq/internal/bus"
	"github.com/nodegraft/taskq/internal/queue"
	"github.com/nodegraft/taskq/internal/registry"
	"github.com/nodegraft/taskq/internal/store"
)

func TestNew_InvalidCronExprRejected(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	q := queue.New(st, registry.New(), bus.New(), nil)

	_, err = New(Config{Queue: q, Store: st, CronExpr: "not a cron expr"})
	if err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestReport_DoesNotMutateTaskState(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	q := queue.New(st, registry.New(), bus.New(), nil)

	task, err := q.Enqueue(context.Background(), queue.EnqueueInput{Prompt: "p", From: store.Origin{Type: store.OriginUser}})
	if err != nil {
		t.Fatal(err)
	}

	r, err := New(Config{Queue: q, Store: st, CronExpr: "*/10 * * * *"})
	if err != nil {
		t.Fatal(err)
	}
	r.report()

	got, err := st.GetByID(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusQueued {
		t.Fatalf("expected digest to leave task QUEUED, got %s", got.Status)
	}
}

func TestStartStop(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	q := queue.New(st, registry.New(), bus.New(), nil)

	r, err := New(Config{Queue: q, Store: st})
	if err != nil {
		t.Fatal(err)
	}
	r.Start()
	time.Sleep(10 * time.Millisecond)
	r.Stop()
}
