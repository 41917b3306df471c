// Package gateway exposes the Task Queue over a JSON-RPC-2.0 envelope
// carried on a single persistent WebSocket connection per caller, plus a
// small plain-HTTP surface for health and metrics. Long-poll RPCs
// (wait_for_prompt, wait_for_task) block the handler goroutine for the
// connection that issued them; every other RPC returns immediately.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	otelcodes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	otelnooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/nodegraft/taskq/internal/audit"
	"github.com/nodegraft/taskq/internal/bus"
	"github.com/nodegraft/taskq/internal/config"
	"github.com/nodegraft/taskq/internal/otel"
	"github.com/nodegraft/taskq/internal/queue"
	"github.com/nodegraft/taskq/internal/registry"
	"github.com/nodegraft/taskq/internal/store"
	"github.com/nodegraft/taskq/internal/validate"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603

	// Stable app error taxonomy (spec.md §7).
	ErrCodeValidation = 1000
	ErrCodeNotFound   = 1001
	ErrCodePermission = 1002
	ErrCodeTimeout    = 1003
)

// Config wires the gateway to the dispatch server's core components.
type Config struct {
	Store     *store.Store
	Queue     *queue.Queue
	Registry  *registry.Registry
	Bus       *bus.Bus
	Validator *validate.Validator
	Cfg       *config.Config
	Log       *slog.Logger
	Tracer    oteltrace.Tracer
}

// Server is the RPC+HTTP gateway.
type Server struct {
	cfg Config
	log *slog.Logger

	rateLimiter *RateLimitMiddleware

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, v)
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// New builds a gateway Server. The rate limiter is only installed when the
// active config enables it.
func New(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otelnooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	s := &Server{cfg: cfg, log: log, clients: map[*client]struct{}{}}
	if cfg.Cfg != nil && cfg.Cfg.RateLimit.Enabled {
		s.rateLimiter = NewRateLimitMiddleware(cfg.Cfg.RateLimit)
		s.rateLimiter.StartEviction(context.Background(), 5*time.Minute, 30*time.Minute)
	}
	return s
}

// Handler assembles the full HTTP handler chain: size limiting, CORS, auth,
// and (if enabled) rate limiting, wrapping the /ws and plain-HTTP mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics/prometheus", s.handlePrometheusMetrics)

	var h http.Handler = mux
	h = RequestSizeLimitMiddleware(10 << 20)(h)
	if s.cfg.Cfg != nil {
		h = NewCORSMiddleware(s.cfg.Cfg.CORS)(h)
		h = NewAuthMiddleware(s.cfg.Cfg.Auth).Wrap(h)
	}
	if s.rateLimiter != nil {
		h = s.rateLimiter.Wrap(h)
	}
	return h
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := true
	stats, err := s.cfg.Store.GetStats(ctx)
	if err != nil {
		dbOK = false
	}
	queueDepth := 0
	if stats != nil {
		queueDepth = stats.ByStatus[store.StatusQueued]
	}
	payload := map[string]any{
		"healthy":        dbOK,
		"db_ok":          dbOK,
		"queue_depth":    queueDepth,
		"waiting_agents": s.cfg.Registry.Count(),
		"dropped_events": s.cfg.Bus.DroppedEventCount(),
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats, err := s.cfg.Store.GetStats(ctx)
	if err != nil {
		stats = &store.Stats{ByStatus: map[store.Status]int{}}
	}
	agents, _ := s.cfg.Store.ListAgents(ctx)

	payload := map[string]any{
		"tasks_total":       stats.Total,
		"tasks_by_status":   stats.ByStatus,
		"tasks_completed":   stats.Completed,
		"waiting_agents":    s.cfg.Registry.Count(),
		"pending_acks":      len(s.cfg.Queue.GetPendingAcks()),
		"agent_count":       len(agents),
		"dropped_events":    s.cfg.Bus.DroppedEventCount(),
		"policy_deny_total": audit.DenyCount(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats, err := s.cfg.Store.GetStats(ctx)
	if err != nil {
		stats = &store.Stats{ByStatus: map[store.Status]int{}}
	}
	agents, _ := s.cfg.Store.ListAgents(ctx)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP taskq_tasks_total Total number of tasks ever enqueued.\n")
	fmt.Fprintf(w, "# TYPE taskq_tasks_total gauge\n")
	fmt.Fprintf(w, "taskq_tasks_total %d\n", stats.Total)
	fmt.Fprintf(w, "# HELP taskq_tasks_by_status Task count per status.\n")
	fmt.Fprintf(w, "# TYPE taskq_tasks_by_status gauge\n")
	for status, n := range stats.ByStatus {
		fmt.Fprintf(w, "taskq_tasks_by_status{status=%q} %d\n", status, n)
	}
	fmt.Fprintf(w, "# HELP taskq_waiting_agents Agents currently parked in the Waiting-Agent Registry.\n")
	fmt.Fprintf(w, "# TYPE taskq_waiting_agents gauge\n")
	fmt.Fprintf(w, "taskq_waiting_agents %d\n", s.cfg.Registry.Count())
	fmt.Fprintf(w, "# HELP taskq_pending_acks Tasks delivered but not yet acked.\n")
	fmt.Fprintf(w, "# TYPE taskq_pending_acks gauge\n")
	fmt.Fprintf(w, "taskq_pending_acks %d\n", len(s.cfg.Queue.GetPendingAcks()))
	fmt.Fprintf(w, "# HELP taskq_agent_count Registered agents.\n")
	fmt.Fprintf(w, "# TYPE taskq_agent_count gauge\n")
	fmt.Fprintf(w, "taskq_agent_count %d\n", len(agents))
	fmt.Fprintf(w, "# HELP taskq_dropped_events_total Events dropped due to full subscriber buffers.\n")
	fmt.Fprintf(w, "# TYPE taskq_dropped_events_total counter\n")
	fmt.Fprintf(w, "taskq_dropped_events_total %d\n", s.cfg.Bus.DroppedEventCount())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	var origins []string
	if s.cfg.Cfg != nil {
		origins = s.cfg.Cfg.AllowOrigins
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: origins})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	s.log.Info("ws: client connected")
	defer func() {
		s.removeClient(c)
		s.log.Info("ws: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req rpcRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			return
		}
		s.log.Debug("ws: request", "method", req.Method, "id", string(req.ID))
		resp := s.handleRPC(r.Context(), req)
		if resp == nil {
			continue
		}
		if err := c.write(r.Context(), resp); err != nil {
			s.log.Error("ws: write response error", "method", req.Method, "error", err)
			return
		}
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	return generic, true
}

func badParams() *rpcError {
	return &rpcError{Code: ErrCodeValidation, Message: "invalid params"}
}

func containsStr(list []string, needle string) bool {
	for _, s := range list {
		if s == needle {
			return true
		}
	}
	return false
}

// mapErr translates a queue/store error into the JSON-RPC error taxonomy.
// INTERNAL errors are logged in full but generalized to the caller.
func (s *Server) mapErr(err error) *rpcError {
	var qerr *queue.Error
	if errors.As(err, &qerr) {
		switch qerr.Code {
		case queue.CodeValidation:
			return &rpcError{Code: ErrCodeValidation, Message: qerr.Error()}
		case queue.CodeNotFound:
			return &rpcError{Code: ErrCodeNotFound, Message: qerr.Error()}
		case queue.CodePermission:
			return &rpcError{Code: ErrCodePermission, Message: qerr.Error()}
		case queue.CodeTimeout:
			return &rpcError{Code: ErrCodeTimeout, Message: qerr.Error()}
		}
	}
	if errors.Is(err, store.ErrNotFound) {
		return &rpcError{Code: ErrCodeNotFound, Message: err.Error()}
	}
	s.log.Error("gateway: internal error", "error", err)
	return &rpcError{Code: ErrCodeInternal, Message: "internal error"}
}

// handleRPC validates and dispatches a single JSON-RPC call. A nil return
// means the caller sent a notification (no id) and expects no reply.
func (s *Server) handleRPC(ctx context.Context, req rpcRequest) *rpcResponse {
	ctx, span := otel.StartServerSpan(ctx, s.cfg.Tracer, "rpc."+req.Method)
	defer span.End()

	id, hasID := decodeID(req.ID)
	reply := func(result any, rpcErr *rpcError) *rpcResponse {
		if rpcErr != nil {
			span.SetStatus(otelcodes.Error, rpcErr.Message)
		}
		if !hasID {
			return nil
		}
		return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result, Error: rpcErr}
	}

	if req.JSONRPC != "2.0" || req.Method == "" {
		return reply(nil, &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"})
	}

	if s.cfg.Validator != nil && s.cfg.Validator.Has(req.Method) {
		var payload any = map[string]any{}
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &payload); err != nil {
				return reply(nil, &rpcError{Code: ErrCodeParse, Message: "invalid params json"})
			}
		}
		if err := s.cfg.Validator.Validate(req.Method, payload); err != nil {
			return reply(nil, &rpcError{Code: ErrCodeValidation, Message: err.Error()})
		}
	}

	var result any
	var rpcErr *rpcError

	switch req.Method {

	case "register_agent":
		var p struct {
			ID               string                 `json:"id"`
			DisplayName      string                 `json:"displayName"`
			Capabilities     []string               `json:"capabilities"`
			Source           string                 `json:"source"`
			WorkspaceContext store.WorkspaceContext `json:"workspaceContext"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			rpcErr = badParams()
			break
		}
		if p.ID == "" {
			p.ID = fmt.Sprintf("agent-%d", time.Now().UnixMilli())
		}
		if p.DisplayName == "" {
			p.DisplayName = p.ID
		}
		now := time.Now().UnixMilli()
		a := &store.Agent{
			ID: p.ID, DisplayName: p.DisplayName, Capabilities: p.Capabilities,
			WorkspaceContext: p.WorkspaceContext, CreatedAt: now, Source: p.Source, LastSeen: now,
		}
		if err := s.cfg.Store.Register(ctx, a); err != nil {
			if errors.Is(err, store.ErrDisplayNameTaken) {
				rpcErr = &rpcError{Code: ErrCodeValidation, Message: err.Error()}
			} else {
				rpcErr = s.mapErr(err)
			}
			break
		}
		s.cfg.Bus.Publish(bus.TopicAgentRegistered, bus.AgentRegisteredEvent{AgentID: a.ID, DisplayName: a.DisplayName})
		result = map[string]any{"id": a.ID, "displayName": a.DisplayName, "capabilities": a.Capabilities}

	case "wait_for_prompt":
		var p struct {
			AgentID string `json:"agentId"`
			Timeout int64  `json:"timeout"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			rpcErr = badParams()
			break
		}
		timeout := s.longPollTimeout(p.Timeout)
		agentRec, err := s.cfg.Store.GetAgentByID(ctx, p.AgentID)
		if err != nil {
			rpcErr = s.mapErr(err)
			break
		}
		task, signal, err := s.cfg.Queue.WaitForTask(ctx, p.AgentID, agentRec.Capabilities, agentRec.WorkspaceContext, timeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				result = map[string]any{"status": "TIMEOUT"}
				break
			}
			rpcErr = s.mapErr(err)
			break
		}
		switch {
		case signal != nil:
			result = map[string]any{"controlSignal": string(signal.Type), "payload": signal.Payload}
		case task == nil:
			result = map[string]any{"status": "TIMEOUT"}
		default:
			result = map[string]any{
				"taskId": task.ID, "prompt": task.Prompt, "from": task.From,
				"priority": task.Priority, "context": s.taskContextWithDeps(ctx, task),
			}
		}

	case "ack_task":
		var p struct {
			TaskID  string `json:"taskId"`
			AgentID string `json:"agentId"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			rpcErr = badParams()
			break
		}
		if err := s.cfg.Queue.AckTask(ctx, p.TaskID, p.AgentID); err != nil {
			rpcErr = s.mapErr(err)
			break
		}
		result = map[string]any{"ok": true}

	case "send_response":
		var p struct {
			TaskID        string   `json:"taskId"`
			Status        string   `json:"status"`
			Message       string   `json:"message"`
			Artifacts     []string `json:"artifacts"`
			Diff          string   `json:"diff"`
			BlockedReason string   `json:"blockedReason"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			rpcErr = badParams()
			break
		}
		err := s.cfg.Queue.SendResponse(ctx, p.TaskID, store.Status(p.Status), queue.ResponsePayload{
			Message: p.Message, Artifacts: p.Artifacts, Diff: p.Diff, BlockedReason: p.BlockedReason,
		})
		if err != nil {
			rpcErr = s.mapErr(err)
			break
		}
		result = map[string]any{"ok": true}

	case "update_progress":
		var p struct {
			TaskID     string   `json:"taskId"`
			AgentID    string   `json:"agentId"`
			Phase      string   `json:"phase"`
			Message    string   `json:"message"`
			Percentage *float64 `json:"percentage"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			rpcErr = badParams()
			break
		}
		if err := s.cfg.Queue.UpdateProgress(ctx, p.TaskID, p.AgentID, p.Phase, p.Message, p.Percentage); err != nil {
			rpcErr = s.mapErr(err)
			break
		}
		result = map[string]any{"ok": true}

	case "assign_task":
		var p struct {
			Prompt               string         `json:"prompt"`
			WorkspaceID          string         `json:"workspaceId"`
			TargetAgentID        string         `json:"targetAgentId"`
			RequiredCapabilities []string       `json:"requiredCapabilities"`
			Dependencies         []string       `json:"dependencies"`
			Priority             string         `json:"priority"`
			Context              map[string]any `json:"context"`
			SourceAgentID        string         `json:"sourceAgentId"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			rpcErr = badParams()
			break
		}
		from := store.Origin{Type: store.OriginUser}
		if p.SourceAgentID != "" {
			from = store.Origin{Type: store.OriginAgent, ID: p.SourceAgentID}
		}
		task, err := s.cfg.Queue.Enqueue(ctx, queue.EnqueueInput{
			Prompt: p.Prompt, From: from,
			To:       store.RouteTo{AgentID: p.TargetAgentID, RequiredCapabilities: p.RequiredCapabilities, WorkspaceID: p.WorkspaceID},
			Priority: store.Priority(p.Priority), Dependencies: p.Dependencies, Context: p.Context,
		})
		if err != nil {
			rpcErr = s.mapErr(err)
			break
		}
		result = map[string]any{"taskId": task.ID}

	case "wait_for_task":
		var p struct {
			TaskID  string `json:"taskId"`
			Timeout int64  `json:"timeout"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			rpcErr = badParams()
			break
		}
		task, err := s.cfg.Queue.WaitForTaskCompletion(ctx, p.TaskID, s.longPollTimeout(p.Timeout))
		if err != nil {
			rpcErr = s.mapErr(err)
			break
		}
		if task == nil {
			result = map[string]any{"status": "TIMEOUT"}
			break
		}
		result = map[string]any{"status": string(task.Status), "response": task.Response}

	case "block_task":
		var p struct {
			TaskID   string   `json:"taskId"`
			Reason   string   `json:"reason"`
			Question string   `json:"question"`
			Summary  string   `json:"summary"`
			Notes    string   `json:"notes"`
			Files    []string `json:"files"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			rpcErr = badParams()
			break
		}
		if err := s.cfg.Queue.BlockTask(ctx, p.TaskID, p.Reason, p.Question, p.Summary, p.Notes, p.Files); err != nil {
			rpcErr = s.mapErr(err)
			break
		}
		result = map[string]any{"ok": true}

	case "answer_task":
		var p struct {
			TaskID string `json:"taskId"`
			Answer string `json:"answer"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			rpcErr = badParams()
			break
		}
		if err := s.cfg.Queue.AnswerTask(ctx, p.TaskID, p.Answer); err != nil {
			rpcErr = s.mapErr(err)
			break
		}
		result = map[string]any{"ok": true}

	case "get_task_context":
		var p struct {
			TaskID string `json:"taskId"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			rpcErr = badParams()
			break
		}
		task, msgs, deps, err := s.cfg.Queue.GetTaskContext(ctx, p.TaskID)
		if err != nil {
			rpcErr = s.mapErr(err)
			break
		}
		result = map[string]any{
			"prompt": task.Prompt, "status": task.Status, "messages": msgs,
			"context": task.Context, "dependencyOutputs": deps,
		}

	case "list_agents":
		var p struct {
			Capability string `json:"capability"`
		}
		_ = json.Unmarshal(req.Params, &p)
		agents, err := s.cfg.Store.ListAgents(ctx)
		if err != nil {
			rpcErr = s.mapErr(err)
			break
		}
		result = s.describeAgents(ctx, agents, p.Capability)

	case "admin_update_agent":
		var p struct {
			AgentID      string   `json:"agentId"`
			DisplayName  string   `json:"displayName"`
			Capabilities []string `json:"capabilities"`
			Color        string   `json:"color"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			rpcErr = badParams()
			break
		}
		existing, err := s.cfg.Store.GetAgentByID(ctx, p.AgentID)
		if err != nil {
			rpcErr = s.mapErr(err)
			break
		}
		if p.DisplayName != "" {
			existing.DisplayName = p.DisplayName
		}
		if p.Capabilities != nil {
			existing.Capabilities = p.Capabilities
		}
		if p.Color != "" {
			existing.Color = p.Color
		}
		if err := s.cfg.Store.Register(ctx, existing); err != nil {
			if errors.Is(err, store.ErrDisplayNameTaken) {
				rpcErr = &rpcError{Code: ErrCodeValidation, Message: err.Error()}
			} else {
				rpcErr = s.mapErr(err)
			}
			break
		}
		audit.Record("allow", "admin_update_agent", "agent_updated", s.fingerprint(), p.AgentID)
		result = map[string]any{"ok": true}

	case "admin_evict_agent":
		var p struct {
			AgentID string `json:"agentId"`
			Reason  string `json:"reason"`
			Action  string `json:"action"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			rpcErr = badParams()
			break
		}
		if err := s.cfg.Store.RequestEviction(ctx, p.AgentID, p.Reason, store.EvictionAction(p.Action)); err != nil {
			rpcErr = s.mapErr(err)
			break
		}
		delivered := s.cfg.Registry.DeliverControlTo(p.AgentID, registry.SignalEvict, p.Reason)
		if delivered {
			_, _ = s.cfg.Store.CheckEviction(ctx, p.AgentID)
		}
		audit.Record("allow", "admin_evict_agent", p.Reason, s.fingerprint(), p.AgentID)
		result = map[string]any{"ok": true, "delivered": delivered}

	case "submit_review":
		var p struct {
			TaskID   string `json:"taskId"`
			Comments []struct {
				Content    string `json:"content"`
				FilePath   string `json:"filePath"`
				LineNumber int    `json:"lineNumber"`
				ThreadID   string `json:"threadId"`
			} `json:"comments"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			rpcErr = badParams()
			break
		}
		if err := s.cfg.Queue.SendResponse(ctx, p.TaskID, store.StatusInReview, queue.ResponsePayload{}); err != nil {
			rpcErr = s.mapErr(err)
			break
		}
		ids := make([]int64, 0, len(p.Comments))
		for _, c := range p.Comments {
			meta := map[string]any{"messageType": "review_comment"}
			if c.FilePath != "" {
				meta["filePath"] = c.FilePath
			}
			if c.LineNumber != 0 {
				meta["lineNumber"] = c.LineNumber
			}
			msg, err := s.cfg.Store.AddMessage(ctx, p.TaskID, store.RoleSystem, c.Content, meta, false, c.ThreadID)
			if err != nil {
				rpcErr = s.mapErr(err)
				break
			}
			ids = append(ids, msg.ID)
		}
		if rpcErr != nil {
			break
		}
		result = map[string]any{"ok": true, "commentIds": ids}

	case "broadcast_system_prompt":
		var p struct {
			Prompt string `json:"prompt"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			rpcErr = badParams()
			break
		}
		n := s.cfg.Registry.DeliverControl(registry.SignalSystemPrompt, p.Prompt)
		result = map[string]any{"ok": true, "delivered": n}

	case "get_review_comments":
		var p struct {
			TaskID string `json:"taskId"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			rpcErr = badParams()
			break
		}
		msgs, err := s.cfg.Store.GetMessages(ctx, p.TaskID)
		if err != nil {
			rpcErr = s.mapErr(err)
			break
		}
		comments := make([]*store.TaskMessage, 0, len(msgs))
		for _, m := range msgs {
			if m.MessageType == "review_comment" {
				comments = append(comments, m)
			}
		}
		result = map[string]any{"comments": comments}

	case "resolve_review_comment":
		var p struct {
			TaskID    string `json:"taskId"`
			CommentID string `json:"commentId"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			rpcErr = badParams()
			break
		}
		commentID, err := strconv.ParseInt(p.CommentID, 10, 64)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeValidation, Message: "commentId must be numeric"}
			break
		}
		if err := s.cfg.Store.MarkMessageRead(ctx, p.TaskID, commentID); err != nil {
			rpcErr = s.mapErr(err)
			break
		}
		result = map[string]any{"ok": true}

	default:
		rpcErr = &rpcError{Code: ErrCodeMethodNotFound, Message: "method not found: " + req.Method}
	}

	return reply(result, rpcErr)
}

// longPollTimeout clamps a caller-supplied millisecond timeout, falling
// back to the configured default when the caller omits one.
func (s *Server) longPollTimeout(ms int64) time.Duration {
	if ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	if s.cfg.Cfg != nil {
		return s.cfg.Cfg.DefaultLongPoll()
	}
	return 290 * time.Second
}

func (s *Server) fingerprint() string {
	if s.cfg.Cfg == nil {
		return ""
	}
	return s.cfg.Cfg.Fingerprint()
}

// taskContextWithDeps injects dependency outputs under context.dependencyOutputs
// per wait_for_prompt's response contract.
func (s *Server) taskContextWithDeps(ctx context.Context, task *store.Task) map[string]any {
	out := map[string]any{}
	for k, v := range task.Context {
		out[k] = v
	}
	if len(task.Dependencies) == 0 {
		return out
	}
	deps := make(map[string]*store.Response, len(task.Dependencies))
	for _, depID := range task.Dependencies {
		if dep, err := s.cfg.Store.GetByID(ctx, depID); err == nil && dep.Response != nil {
			deps[depID] = dep.Response
		}
	}
	out["dependencyOutputs"] = deps
	return out
}

// describeAgents builds the list_agents response, deriving each agent's
// live status from the registry and its active assignment rather than a
// persisted field.
func (s *Server) describeAgents(ctx context.Context, agents []*store.Agent, capability string) []map[string]any {
	staleAfter := int64(300000)
	if s.cfg.Cfg != nil {
		staleAfter = s.cfg.Cfg.Scheduler.AgentStaleMS
	}
	now := time.Now().UnixMilli()

	out := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		if capability != "" && !containsStr(a.Capabilities, capability) {
			continue
		}
		status := "OFFLINE"
		currentTask := ""
		if tasks, err := s.cfg.Queue.GetAssignedTasksForAgent(ctx, a.ID); err == nil {
			for _, t := range tasks {
				if !t.Status.Terminal() {
					status = "PROCESSING"
					currentTask = t.ID
					break
				}
			}
		}
		if status != "PROCESSING" {
			switch {
			case s.cfg.Queue.IsAgentWaiting(a.ID):
				status = "WAITING"
			case now-a.LastSeen <= staleAfter:
				status = "WAITING"
			default:
				status = "OFFLINE"
			}
		}
		entry := map[string]any{
			"id": a.ID, "displayName": a.DisplayName, "capabilities": a.Capabilities,
			"lastSeen": a.LastSeen, "status": status,
		}
		if currentTask != "" {
			entry["currentTask"] = currentTask
		}
		out = append(out, entry)
	}
	return out
}
