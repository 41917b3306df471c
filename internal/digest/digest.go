// Package digest runs a periodic, read-only summary of dispatch-server
// health on its own cadence — deliberately separate from the Hybrid
// Scheduler's fixed 5s healing tick, since a digest is an operator-facing
// convenience, not a correctness mechanism, and must never contend with it.
package digest

import (
	"context"
	"log/slog"

	cronlib "github.com/robfig/cron/v3"

	"github.com/nodegraft/taskq/internal/queue"
	"github.com/nodegraft/taskq/internal/store"
)

// Config holds the digest reporter's dependencies.
type Config struct {
	Queue    *queue.Queue
	Store    *store.Store
	Logger   *slog.Logger
	CronExpr string // standard 5-field cron expression; defaults to every 10 minutes
}

// Reporter periodically logs an aggregate view of task and agent state.
type Reporter struct {
	cron   *cronlib.Cron
	q      *queue.Queue
	store  *store.Store
	logger *slog.Logger
}

// New builds a Reporter. It does not start ticking until Start is called.
func New(cfg Config) (*Reporter, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	expr := cfg.CronExpr
	if expr == "" {
		expr = "*/10 * * * *"
	}

	c := cronlib.New(cronlib.WithParser(cronlib.NewParser(
		cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
	)))
	r := &Reporter{cron: c, q: cfg.Queue, store: cfg.Store, logger: logger}
	if _, err := c.AddFunc(expr, r.report); err != nil {
		return nil, err
	}
	return r, nil
}

// Start begins firing on the configured cadence. Non-blocking.
func (r *Reporter) Start() { r.cron.Start() }

// Stop halts the cron loop and waits for any in-flight report to finish.
func (r *Reporter) Stop() { <-r.cron.Stop().Done() }

func (r *Reporter) report() {
	ctx := context.Background()

	stats, err := r.q.GetStats(ctx)
	if err != nil {
		r.logger.Error("digest: get stats failed", "error", err)
		return
	}
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		r.logger.Error("digest: list agents failed", "error", err)
		return
	}

	r.logger.Info("digest",
		"tasks_total", stats.Total,
		"tasks_completed", stats.Completed,
		"tasks_by_status", stats.ByStatus,
		"agents_registered", len(agents),
		"agents_waiting", len(r.q.GetWaitingAgents()),
		"pending_acks", len(r.q.GetPendingAcks()),
	)
}
