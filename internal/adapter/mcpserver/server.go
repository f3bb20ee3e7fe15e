// Package mcpserver exposes the built-in platform tool endpoint that every
// agent instance receives. Calls are scoped by the instance credential.
package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"agentdock/internal/domain"
	"agentdock/internal/infra/logger"
)

// Path is where the endpoint is mounted; built-in tool descriptors point at
// the platform base URL plus this path.
const Path = "/mcp"

// Server serves MCP over streamable HTTP.
type Server struct {
	verifier  domain.CredentialVerifier
	channels  domain.ChannelStore
	roster    domain.RosterStore
	mcp       *server.MCPServer
	transport *server.StreamableHTTPServer
	logger    *slog.Logger
}

type refKey struct{}

// New builds the MCP server and registers its tools.
func New(verifier domain.CredentialVerifier, channels domain.ChannelStore, roster domain.RosterStore, version string, log *slog.Logger) *Server {
	s := &Server{
		verifier: verifier,
		channels: channels,
		roster:   roster,
		logger:   logger.OrDiscard(log),
	}
	s.mcp = server.NewMCPServer("agentdock", version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Tools for inspecting the channel this agent works in."),
	)
	s.mcp.AddTool(mcp.NewTool("roster_list",
		mcp.WithDescription("List the agents in your channel with their type and status."),
	), s.rosterList)
	s.mcp.AddTool(mcp.NewTool("channel_info",
		mcp.WithDescription("Describe your channel: name, tagline, mission and operator."),
	), s.channelInfo)

	s.transport = server.NewStreamableHTTPServer(s.mcp,
		server.WithStateLess(true),
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if ref, ok := r.Context().Value(refKey{}).(domain.AgentRef); ok {
				return context.WithValue(ctx, refKey{}, ref)
			}
			return ctx
		}),
	)
	return s
}

// ServeHTTP rejects requests without a valid instance credential.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		http.Error(w, "missing bearer credential", http.StatusUnauthorized)
		return
	}
	ref, err := s.verifier.Verify(token)
	if err != nil {
		s.logger.Debug("mcp credential rejected", "error", err)
		http.Error(w, "invalid credential", http.StatusUnauthorized)
		return
	}
	s.transport.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), refKey{}, ref)))
}

// RosterMember is one row of the roster_list result.
type RosterMember struct {
	Callsign  string             `json:"callsign"`
	AgentType string             `json:"agent_type,omitempty"`
	Status    domain.AgentStatus `json:"status"`
	You       bool               `json:"you,omitempty"`
}

func (s *Server) rosterList(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, ok := ctx.Value(refKey{}).(domain.AgentRef)
	if !ok {
		return mcp.NewToolResultError("no caller identity"), nil
	}
	entries, err := s.roster.ListRoster(ctx, ref.Channel)
	if err != nil {
		s.logger.Warn("roster_list failed", "channel_id", ref.Channel, "error", err)
		return mcp.NewToolResultError("roster unavailable"), nil
	}
	members := make([]RosterMember, 0, len(entries))
	for _, e := range entries {
		if e.Status == domain.AgentArchived {
			continue
		}
		members = append(members, RosterMember{
			Callsign:  e.Callsign,
			AgentType: e.AgentType,
			Status:    e.Status,
			You:       e.Callsign == ref.Callsign,
		})
	}
	return jsonResult(members)
}

// ChannelInfo is the channel_info result.
type ChannelInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Tagline  string `json:"tagline,omitempty"`
	Mission  string `json:"mission,omitempty"`
	Operator string `json:"operator,omitempty"`
}

func (s *Server) channelInfo(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, ok := ctx.Value(refKey{}).(domain.AgentRef)
	if !ok {
		return mcp.NewToolResultError("no caller identity"), nil
	}
	ch, err := s.channels.GetChannel(ctx, ref.Channel)
	if err != nil {
		return mcp.NewToolResultError("channel unavailable"), nil
	}
	info := ChannelInfo{ID: ch.ID, Name: ch.Name, Tagline: ch.Tagline, Mission: ch.Mission}
	if ch.OperatorID != "" {
		if op, err := s.channels.GetOperator(ctx, ch.OperatorID); err == nil {
			info.Operator = op.DisplayName
		}
	}
	return jsonResult(info)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(b)), nil
}
