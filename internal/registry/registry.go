// Package registry implements the Waiting-Agent Registry: the in-memory
// rendezvous point between an agent's long-poll and the Task Queue's
// matching step. It holds no durable state — an agent that restarts loses
// its place and simply calls waitForTask again.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/nodegraft/taskq/internal/otel"
	"github.com/nodegraft/taskq/internal/store"
)

// SignalType distinguishes a delivered Task from an out-of-band control
// message pushed onto a parked agent.
type SignalType string

const (
	SignalTask         SignalType = "TASK"
	SignalEvict        SignalType = "EVICT"
	SignalSystemPrompt SignalType = "SYSTEM_PROMPT"
)

// Delivery is whatever wakes up a parked waitForTask call.
type Delivery struct {
	Signal  SignalType
	Task    *store.Task
	Payload string // control-signal payload (eviction reason, prompt text)
}

// Entry is a Waiting Entry: one agent currently parked in the registry.
type Entry struct {
	AgentID          string
	Capabilities     []string
	WorkspaceContext store.WorkspaceContext
	EnqueuedAt       int64
	TimeoutAt        int64

	ch chan Delivery
}

// Registry is the single in-memory map of waiting agents. All mutating
// operations run under one lock so that "does an eligible task exist" and
// "reserve this agent for it" happen atomically with respect to concurrent
// enqueue/park calls, per the concurrency model's single coarse lock.
type Registry struct {
	mu      sync.Mutex
	waiting map[string]*Entry
	order   []string // arrival order, for FIFO tie-break
	metrics *otel.Metrics
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{waiting: make(map[string]*Entry)}
}

// SetMetrics attaches the WaitingAgents gauge. Nil-safe.
func (r *Registry) SetMetrics(m *otel.Metrics) { r.metrics = m }

// Park registers an agent as waiting and returns the entry and a channel
// that will receive exactly one Delivery (a task, a control signal, or
// nothing if the context times out / the caller calls Remove first).
func (r *Registry) Park(agentID string, capabilities []string, ws store.WorkspaceContext, timeoutAt int64) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := &Entry{
		AgentID: agentID, Capabilities: capabilities, WorkspaceContext: ws,
		EnqueuedAt: time.Now().UnixMilli(), TimeoutAt: timeoutAt,
		ch: make(chan Delivery, 1),
	}
	r.waiting[agentID] = e
	r.order = append(r.order, agentID)
	if r.metrics != nil {
		r.metrics.WaitingAgents.Add(context.Background(), 1)
	}
	return e
}

// Remove atomically takes an agent out of the registry and returns whether
// it was actually present (false means it was already matched/evicted by
// another goroutine between Park and Remove).
func (r *Registry) Remove(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(agentID)
}

func (r *Registry) removeLocked(agentID string) bool {
	if _, ok := r.waiting[agentID]; !ok {
		return false
	}
	delete(r.waiting, agentID)
	for i, id := range r.order {
		if id == agentID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.metrics != nil {
		r.metrics.WaitingAgents.Add(context.Background(), -1)
	}
	return true
}

// IsWaiting reports whether an agent currently holds a Waiting Entry.
func (r *Registry) IsWaiting(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.waiting[agentID]
	return ok
}

// Snapshot returns a copy of the current waiting entries, keyed by agent id.
func (r *Registry) Snapshot() map[string]*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*Entry, len(r.waiting))
	for k, v := range r.waiting {
		cp := *v
		out[k] = &cp
	}
	return out
}

// FindEligible scans waiting agents, in arrival order, for the first one
// `eligible` accepts, removes it from the registry, and returns it. The
// caller holds no lock across this call, so the removal and the scan are
// atomic: no other goroutine can observe or steal the same entry.
func (r *Registry) FindEligible(eligible func(agentID string, capabilities []string, ws store.WorkspaceContext) bool) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.order {
		e, ok := r.waiting[id]
		if !ok {
			continue
		}
		if eligible(e.AgentID, e.Capabilities, e.WorkspaceContext) {
			r.removeLocked(id)
			return e
		}
	}
	return nil
}

// Deliver sends a delivery to a parked agent's channel. The entry must
// already have been removed from the registry (normally via FindEligible
// or Remove) so it cannot be delivered to twice.
func Deliver(e *Entry, d Delivery) {
	e.ch <- d
}

// Wait blocks until a delivery arrives or the channel is closed with no
// value (timeout path, handled by the caller via context).
func (e *Entry) Wait() <-chan Delivery {
	return e.ch
}

// DeliverControl pushes a control signal to every currently-waiting agent,
// used by broadcast_system_prompt. Agents not currently parked do not
// receive it — per spec this is a live broadcast, not a durable queue.
func (r *Registry) DeliverControl(signal SignalType, payload string) int {
	r.mu.Lock()
	ids := append([]string(nil), r.order...)
	entries := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := r.waiting[id]; ok {
			entries = append(entries, e)
			r.removeLocked(id)
		}
	}
	r.mu.Unlock()

	for _, e := range entries {
		Deliver(e, Delivery{Signal: signal, Payload: payload})
	}
	return len(entries)
}

// DeliverControlTo pushes a control signal to a single waiting agent, used
// by admin_evict_agent. Returns false if the agent was not parked.
func (r *Registry) DeliverControlTo(agentID string, signal SignalType, payload string) bool {
	r.mu.Lock()
	e, ok := r.waiting[agentID]
	if ok {
		r.removeLocked(agentID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	Deliver(e, Delivery{Signal: signal, Payload: payload})
	return true
}

// Count returns the number of currently-parked agents, used for the
// WaitingAgents gauge.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiting)
}
