package gateway

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"agentdock/internal/domain"
	"agentdock/internal/infra/logger"
	"agentdock/internal/infra/metrics"
)

// MessageRouter fans a message out to its targets.
type MessageRouter interface {
	Route(ctx context.Context, channelID string, targets []string, msg domain.Message)
}

// AgentLifecycle starts and stops agent compute.
type AgentLifecycle interface {
	Activate(ctx context.Context, ref domain.AgentRef) (*domain.ManagedInstance, error)
	Suspend(ctx context.Context, ref domain.AgentRef, reason string) error
}

// RuntimeReleaser takes a worker runtime offline.
type RuntimeReleaser interface {
	TakeOffline(ctx context.Context, runtimeID string) error
}

// InstanceInspector reports on locally running instances.
type InstanceInspector interface {
	Instances() []domain.ManagedInstance
	Output(instanceID string, lines int) (string, error)
}

// HandlerDeps holds dependencies needed by RPC handlers.
type HandlerDeps struct {
	Channels  domain.ChannelStore
	Roster    domain.RosterStore
	Runtimes  domain.RuntimeStore
	Messages  domain.MessageStore
	Router    MessageRouter
	Lifecycle AgentLifecycle
	Presence  domain.PresenceNotifier
	Releaser  RuntimeReleaser
	Instances InstanceInspector // can be nil
	Metrics   *metrics.Metrics  // can be nil
	Logger    *slog.Logger
}

type handlers struct {
	HandlerDeps
	srv *Server
	now func() time.Time
}

// RegisterDefaultHandlers registers every built-in RPC method and the
// worker disconnect hook on s.
func RegisterDefaultHandlers(s *Server, deps HandlerDeps) {
	deps.Logger = logger.OrDiscard(deps.Logger)
	h := &handlers{HandlerDeps: deps, srv: s, now: time.Now}

	s.RegisterHandler("message.post", RoleOperator, h.messagePost)
	s.RegisterHandler("agent.activate", RoleOperator, h.agentActivate)
	s.RegisterHandler("agent.suspend", RoleOperator, h.agentSuspend)
	s.RegisterHandler("agent.pause", RoleOperator, h.setStatus(domain.AgentPaused, domain.PresenceOffline))
	s.RegisterHandler("agent.resume", RoleOperator, h.setStatus(domain.AgentActive, ""))
	s.RegisterHandler("agent.archive", RoleOperator, h.setStatus(domain.AgentArchived, domain.PresenceRemoved))
	s.RegisterHandler("roster.add", RoleOperator, h.rosterAdd)
	s.RegisterHandler("roster.list", RoleOperator, h.rosterList)
	s.RegisterHandler("channel.subscribe", "", h.channelSubscribe)
	s.RegisterHandler("channel.unsubscribe", "", h.channelUnsubscribe)

	s.RegisterHandler("worker.hello", RoleWorker, h.workerHello)
	s.RegisterHandler("worker.heartbeat", RoleWorker, h.workerHeartbeat)
	s.RegisterHandler("worker.bind", RoleWorker, h.workerBind)
	s.RegisterHandler("worker.unbind", RoleWorker, h.workerUnbind)

	if deps.Instances != nil {
		s.RegisterHandler("instance.list", RoleAdmin, h.instanceList)
		s.RegisterHandler("instance.logs", RoleAdmin, h.instanceLogs)
	}

	s.OnDisconnect(h.releaseWorker)
}

func decode[T any](payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, domain.ErrRPCInvalidPayload
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, domain.NewDomainError("decode", domain.ErrRPCInvalidPayload, err.Error())
	}
	return v, nil
}

func ok() (json.RawMessage, error) {
	return json.RawMessage(`{"ok":true}`), nil
}

// --- messages ---

type messagePostRequest struct {
	ChannelID   string   `json:"channel_id"`
	Sender      string   `json:"sender"`
	Content     string   `json:"content"`
	Attachments []string `json:"attachments,omitempty"`
	Targets     []string `json:"targets,omitempty"`
}

type messagePostResponse struct {
	ID      string   `json:"id"`
	Targets []string `json:"targets"`
}

// messagePost stores the message and routes it in the background. Targets
// default to the callsigns mentioned in the content.
func (h *handlers) messagePost(ctx context.Context, c *Conn, payload json.RawMessage) (json.RawMessage, error) {
	req, err := decode[messagePostRequest](payload)
	if err != nil {
		return nil, err
	}
	if req.ChannelID == "" || strings.TrimSpace(req.Content) == "" {
		return nil, domain.NewDomainError("message.post", domain.ErrRPCInvalidPayload, "channel_id and content are required")
	}
	if _, err := h.Channels.GetChannel(ctx, req.ChannelID); err != nil {
		return nil, err
	}

	msg := domain.Message{
		ID:          ulid.Make().String(),
		ChannelID:   req.ChannelID,
		Sender:      cmp.Or(req.Sender, c.info.Name),
		Content:     req.Content,
		Attachments: req.Attachments,
		CreatedAt:   h.now().UTC(),
	}
	if err := h.Messages.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}

	targets := domain.ParseMentions(req.Content)
	if len(req.Targets) > 0 {
		targets = domain.NormalizeCallsigns(req.Targets)
	}
	if len(targets) > 0 {
		routeCtx := context.WithoutCancel(ctx)
		h.srv.Go(func() { h.Router.Route(routeCtx, msg.ChannelID, targets, msg) })
	}
	return json.Marshal(messagePostResponse{ID: msg.ID, Targets: targets})
}

// --- lifecycle ---

type agentRequest struct {
	SpaceID   string `json:"space_id,omitempty"`
	ChannelID string `json:"channel_id"`
	Callsign  string `json:"callsign"`
	Reason    string `json:"reason,omitempty"`
	AgentType string `json:"agent_type,omitempty"`
}

func (r agentRequest) ref() domain.AgentRef {
	return domain.AgentRef{Space: r.SpaceID, Channel: r.ChannelID, Callsign: strings.ToLower(r.Callsign)}
}

func decodeAgent(payload json.RawMessage) (agentRequest, error) {
	req, err := decode[agentRequest](payload)
	if err != nil {
		return req, err
	}
	if req.ChannelID == "" || req.Callsign == "" {
		return req, domain.NewDomainError("decode", domain.ErrRPCInvalidPayload, "channel_id and callsign are required")
	}
	return req, nil
}

func (h *handlers) agentActivate(ctx context.Context, _ *Conn, payload json.RawMessage) (json.RawMessage, error) {
	req, err := decodeAgent(payload)
	if err != nil {
		return nil, err
	}
	inst, err := h.Lifecycle.Activate(ctx, req.ref())
	if err != nil {
		return nil, err
	}
	return json.Marshal(inst)
}

// agentSuspend tears compute down, then clears the callback address. The
// roster write is attempted even when the runtime reports an error.
func (h *handlers) agentSuspend(ctx context.Context, _ *Conn, payload json.RawMessage) (json.RawMessage, error) {
	req, err := decodeAgent(payload)
	if err != nil {
		return nil, err
	}
	ref := req.ref()
	suspendErr := h.Lifecycle.Suspend(ctx, ref, cmp.Or(req.Reason, "operator request"))

	if err := h.Roster.UpdateRosterEntry(ctx, ref.Channel, ref.Callsign, domain.RosterUpdate{CallbackURL: new("")}); err != nil {
		h.Logger.Warn("clearing callback after suspend failed", "channel_id", ref.Channel, "callsign", ref.Callsign, "error", err)
	} else {
		h.Presence.NotifyPresence(ctx, domain.Presence{ChannelID: ref.Channel, Callsign: ref.Callsign, State: domain.PresenceOffline})
	}
	if suspendErr != nil && !errors.Is(suspendErr, domain.ErrInstanceNotRunning) {
		return nil, suspendErr
	}
	return ok()
}

func (h *handlers) setStatus(status domain.AgentStatus, presence domain.PresenceState) RPCHandler {
	return func(ctx context.Context, _ *Conn, payload json.RawMessage) (json.RawMessage, error) {
		req, err := decodeAgent(payload)
		if err != nil {
			return nil, err
		}
		ref := req.ref()
		if err := h.Roster.UpdateRosterEntry(ctx, ref.Channel, ref.Callsign, domain.RosterUpdate{Status: &status}); err != nil {
			return nil, err
		}
		h.Logger.Info("agent status changed", "channel_id", ref.Channel, "callsign", ref.Callsign, "status", status)
		if presence != "" {
			h.Presence.NotifyPresence(ctx, domain.Presence{ChannelID: ref.Channel, Callsign: ref.Callsign, State: presence})
		}
		return ok()
	}
}

// --- roster ---

func (h *handlers) rosterAdd(ctx context.Context, _ *Conn, payload json.RawMessage) (json.RawMessage, error) {
	req, err := decodeAgent(payload)
	if err != nil {
		return nil, err
	}
	ref := req.ref()
	if !domain.ValidCallsign(ref.Callsign) {
		return nil, domain.NewDomainError("roster.add", domain.ErrInvalidInput, "invalid callsign "+req.Callsign)
	}
	entry := domain.RosterEntry{
		ChannelID: ref.Channel,
		Callsign:  ref.Callsign,
		AgentType: req.AgentType,
		Status:    domain.AgentActive,
		CreatedAt: h.now().UTC(),
	}
	if err := h.Roster.AddRosterEntry(ctx, entry); err != nil {
		return nil, err
	}
	return json.Marshal(entry)
}

type rosterListRequest struct {
	ChannelID       string `json:"channel_id"`
	IncludeArchived bool   `json:"include_archived,omitempty"`
}

func (h *handlers) rosterList(ctx context.Context, _ *Conn, payload json.RawMessage) (json.RawMessage, error) {
	req, err := decode[rosterListRequest](payload)
	if err != nil {
		return nil, err
	}
	entries, err := h.Roster.ListRoster(ctx, req.ChannelID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.RosterEntry, 0, len(entries))
	for _, e := range entries {
		if e.Status == domain.AgentArchived && !req.IncludeArchived {
			continue
		}
		out = append(out, e)
	}
	return json.Marshal(out)
}

// --- subscriptions ---

type channelRequest struct {
	ChannelID string `json:"channel_id"`
}

func (h *handlers) channelSubscribe(ctx context.Context, c *Conn, payload json.RawMessage) (json.RawMessage, error) {
	req, err := decode[channelRequest](payload)
	if err != nil {
		return nil, err
	}
	if _, err := h.Channels.GetChannel(ctx, req.ChannelID); err != nil {
		return nil, err
	}
	c.Subscribe(req.ChannelID)
	return ok()
}

func (h *handlers) channelUnsubscribe(_ context.Context, c *Conn, payload json.RawMessage) (json.RawMessage, error) {
	req, err := decode[channelRequest](payload)
	if err != nil {
		return nil, err
	}
	c.Unsubscribe(req.ChannelID)
	return ok()
}

// --- workers ---

type workerHelloRequest struct {
	RuntimeID string `json:"runtime_id"`
	Name      string `json:"name"`
}

type workerHelloResponse struct {
	Handle string `json:"handle"`
}

func (h *handlers) workerHello(ctx context.Context, c *Conn, payload json.RawMessage) (json.RawMessage, error) {
	req, err := decode[workerHelloRequest](payload)
	if err != nil {
		return nil, err
	}
	if req.RuntimeID == "" {
		return nil, domain.NewDomainError("worker.hello", domain.ErrRPCInvalidPayload, "runtime_id is required")
	}
	handle := h.srv.AttachWorker(c, req.RuntimeID)
	err = h.Runtimes.UpsertRuntime(ctx, domain.RuntimeRecord{
		ID:               req.RuntimeID,
		Name:             cmp.Or(req.Name, req.RuntimeID),
		Status:           domain.RuntimeOnline,
		ConnectionHandle: handle,
		LastSeen:         h.now(),
	})
	if err != nil {
		return nil, err
	}
	h.Metrics.WorkerConnected(1)
	h.Logger.Info("worker connected", "runtime_id", req.RuntimeID, "conn_id", c.id)
	return json.Marshal(workerHelloResponse{Handle: handle})
}

func (h *handlers) workerRuntime(c *Conn) (string, error) {
	id, _ := c.Runtime()
	if id == "" {
		return "", domain.NewDomainError("worker", domain.ErrInvalidInput, "send worker.hello first")
	}
	return id, nil
}

func (h *handlers) workerHeartbeat(ctx context.Context, c *Conn, _ json.RawMessage) (json.RawMessage, error) {
	id, err := h.workerRuntime(c)
	if err != nil {
		return nil, err
	}
	if err := h.Runtimes.TouchRuntime(ctx, id, h.now()); err != nil {
		return nil, err
	}
	return ok()
}

// workerBind routes an agent through this worker. The callback address is
// cleared so only one delivery path stays active.
func (h *handlers) workerBind(ctx context.Context, c *Conn, payload json.RawMessage) (json.RawMessage, error) {
	id, err := h.workerRuntime(c)
	if err != nil {
		return nil, err
	}
	req, err := decodeAgent(payload)
	if err != nil {
		return nil, err
	}
	ref := req.ref()
	if err := h.Roster.UpdateRosterEntry(ctx, ref.Channel, ref.Callsign, domain.RosterUpdate{
		RuntimeID:   &id,
		CallbackURL: new(""),
	}); err != nil {
		return nil, err
	}
	h.Presence.NotifyPresence(ctx, domain.Presence{ChannelID: ref.Channel, Callsign: ref.Callsign, State: domain.PresenceOnline})
	return ok()
}

func (h *handlers) workerUnbind(ctx context.Context, c *Conn, payload json.RawMessage) (json.RawMessage, error) {
	if _, err := h.workerRuntime(c); err != nil {
		return nil, err
	}
	req, err := decodeAgent(payload)
	if err != nil {
		return nil, err
	}
	ref := req.ref()
	if err := h.Roster.UpdateRosterEntry(ctx, ref.Channel, ref.Callsign, domain.RosterUpdate{RuntimeID: new("")}); err != nil {
		return nil, err
	}
	h.Presence.NotifyPresence(ctx, domain.Presence{ChannelID: ref.Channel, Callsign: ref.Callsign, State: domain.PresenceOffline})
	return ok()
}

// releaseWorker takes the runtime offline when its connection drops, unless
// a newer connection has already claimed it.
func (h *handlers) releaseWorker(ctx context.Context, c *Conn) {
	id, handle := c.Runtime()
	if id == "" {
		return
	}
	rec, err := h.Runtimes.GetRuntime(ctx, id)
	if err != nil {
		h.Logger.Warn("worker disconnect: runtime lookup failed", "runtime_id", id, "error", err)
		return
	}
	if rec.Status != domain.RuntimeOnline || rec.ConnectionHandle != handle {
		return
	}
	if err := h.Releaser.TakeOffline(ctx, id); err != nil {
		h.Logger.Warn("worker disconnect: taking runtime offline failed", "runtime_id", id, "error", err)
		return
	}
	h.Logger.Info("worker disconnected", "runtime_id", id)
}

// --- instances ---

func (h *handlers) instanceList(_ context.Context, _ *Conn, _ json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(h.Instances.Instances())
}

type instanceLogsRequest struct {
	InstanceID string `json:"instance_id"`
	Lines      int    `json:"lines,omitempty"`
}

func (h *handlers) instanceLogs(_ context.Context, _ *Conn, payload json.RawMessage) (json.RawMessage, error) {
	req, err := decode[instanceLogsRequest](payload)
	if err != nil {
		return nil, err
	}
	out, err := h.Instances.Output(req.InstanceID, cmp.Or(req.Lines, 50))
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"output": out})
}
