// Package configresolve derives the environment and tool endpoints an agent
// instance needs for one turn. Nothing is cached between calls except parsed
// documents keyed by their content, so edits and credential rotation take
// effect on the next resolution.
package configresolve

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"agentdock/internal/domain"
	"agentdock/internal/infra/logger"
	"agentdock/internal/infra/tracer"
	"agentdock/internal/usecase/document"
)

// PlatformToolName names the built-in endpoint served by the control plane.
const PlatformToolName = "platform"

// DefaultExpiryBuffer is how long before expiry a stored access token stops
// being handed out.
const DefaultExpiryBuffer = 60 * time.Second

// Deps are the collaborators of a Resolver. Tokens may be nil, in which case
// every OAuth-declaring tool reference is dropped.
type Deps struct {
	Artifacts    domain.ArtifactStore
	Secrets      domain.SecretStore
	Integrations domain.IntegrationStore
	Tokens       domain.TokenSource
	Locator      *document.Locator
}

// Options configure a Resolver.
type Options struct {
	PlatformURL  string
	ExpiryBuffer time.Duration
}

// Resolver merges layered environment sources and assembles tool endpoints.
type Resolver struct {
	deps         Deps
	platformURL  string
	expiryBuffer time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// New creates a Resolver.
func New(deps Deps, opts Options, log *slog.Logger) *Resolver {
	return &Resolver{
		deps:         deps,
		platformURL:  strings.TrimRight(opts.PlatformURL, "/"),
		expiryBuffer: cmp.Or(opts.ExpiryBuffer, DefaultExpiryBuffer),
		logger:       logger.OrDiscard(log),
		now:          time.Now,
	}
}

// ResolveEnv returns the flat variable mapping for a channel: the space root
// layer first, then the channel layer, each layer merging its sources in
// ascending slug order. Later writes win. A source that cannot be parsed or
// whose secrets cannot be read is skipped as a whole.
func (r *Resolver) ResolveEnv(ctx context.Context, spaceID, channelID string) map[string]string {
	ctx, span := tracer.StartSpan(ctx, "configresolve.env", tracer.AgentAttrs(channelID, ""))
	defer span.End()

	out := make(map[string]string)
	for _, layer := range r.layers(ctx, spaceID, channelID) {
		sources, err := r.deps.Artifacts.ListArtifacts(ctx, spaceID, layer, domain.ArtifactEnv)
		if err != nil {
			r.logger.Warn("env layer unavailable", "channel_id", layer, "error", err)
			continue
		}
		slices.SortFunc(sources, func(a, b domain.Artifact) int { return cmp.Compare(a.Slug, b.Slug) })

		for _, src := range sources {
			vals, err := r.resolveSource(ctx, spaceID, layer, src)
			if err != nil {
				r.logger.Warn("env source skipped", "channel_id", layer, "source", src.Slug, "error", err)
				continue
			}
			maps.Copy(out, vals)
		}
	}
	tracer.SetOK(span)
	return out
}

func (r *Resolver) layers(ctx context.Context, spaceID, channelID string) []string {
	root, err := r.deps.Locator.RootChannel(ctx, spaceID)
	if err != nil {
		r.logger.Warn("space root unavailable", "space_id", spaceID, "error", err)
	}
	if root == "" || root == channelID {
		return []string{channelID}
	}
	return []string{root, channelID}
}

func (r *Resolver) resolveSource(ctx context.Context, spaceID, channelID string, src domain.Artifact) (map[string]string, error) {
	env, err := r.deps.Locator.Parser().Env(src.Content)
	if err != nil {
		return nil, err
	}
	vals := make(map[string]string, len(env.Vars)+len(env.Secrets))
	maps.Copy(vals, env.Vars)
	for _, key := range env.Secrets {
		v, err := r.deps.Secrets.GetSecret(ctx, domain.SecretRef{
			Space: spaceID, Channel: channelID, Artifact: src.Slug, Key: key,
		})
		if err != nil {
			return nil, fmt.Errorf("secret %s: %w", key, err)
		}
		vals[key] = v
	}
	return vals, nil
}

// ToolRequest identifies the agent whose tool endpoints are resolved.
type ToolRequest struct {
	Ref        domain.AgentRef
	RoleSlug   string
	Credential string
}

// ResolveTools assembles the endpoint list: built-in endpoints, then
// connected integrations with a live token, then the tool references of the
// agent's role. Endpoints that cannot be fully configured are left out.
func (r *Resolver) ResolveTools(ctx context.Context, req ToolRequest) []domain.ToolEndpoint {
	ctx, span := tracer.StartSpan(ctx, "configresolve.tools", tracer.AgentAttrs(req.Ref.Channel, req.Ref.Callsign))
	defer span.End()

	env := r.ResolveEnv(ctx, req.Ref.Space, req.Ref.Channel)

	out := r.builtinEndpoints(req.Credential)
	out = append(out, r.integrationEndpoints(ctx, req.Ref.Space, env)...)
	out = append(out, r.roleEndpoints(ctx, req, env)...)

	span.SetAttributes(tracer.IntAttr("tools.count", len(out)))
	tracer.SetOK(span)
	return out
}

func (r *Resolver) builtinEndpoints(credential string) []domain.ToolEndpoint {
	if r.platformURL == "" || credential == "" {
		return nil
	}
	return []domain.ToolEndpoint{{
		Name:      PlatformToolName,
		Transport: domain.TransportHTTP,
		URL:       r.platformURL + "/mcp",
		Headers:   map[string]string{"Authorization": "Bearer " + credential},
		Builtin:   true,
	}}
}

func (r *Resolver) integrationEndpoints(ctx context.Context, spaceID string, env map[string]string) []domain.ToolEndpoint {
	list, err := r.deps.Integrations.ListIntegrations(ctx, spaceID)
	if err != nil {
		r.logger.Warn("integrations unavailable", "space_id", spaceID, "error", err)
		return nil
	}
	now := r.now()
	var out []domain.ToolEndpoint
	for _, in := range list {
		if !in.Credential.ValidFor(now, r.expiryBuffer) {
			r.logger.Debug("integration omitted: credential missing or expiring", "integration", in.Name)
			continue
		}
		ep := expandEndpoint(domain.ToolEndpoint{
			Name:      in.Name,
			Transport: cmp.Or(in.Transport, domain.TransportHTTP),
			URL:       in.URL,
			Headers:   in.Headers,
		}, nil, env)
		ep.Headers = withHeader(ep.Headers, "Authorization", "Bearer "+in.Credential.AccessToken)
		out = append(out, ep)
	}
	return out
}

func (r *Resolver) roleEndpoints(ctx context.Context, req ToolRequest, env map[string]string) []domain.ToolEndpoint {
	found, err := r.deps.Locator.FindRole(ctx, req.Ref.Space, req.Ref.Channel, req.RoleSlug)
	if err != nil {
		if !errors.Is(err, domain.ErrArtifactMissing) {
			r.logger.Warn("role unavailable", "role", req.RoleSlug, "error", err)
		}
		return nil
	}

	var out []domain.ToolEndpoint
	for _, slug := range found.Role.Tools {
		ep, err := r.toolEndpoint(ctx, req.Ref.Space, found.ChannelID, slug, env)
		if err != nil {
			r.logger.Warn("tool reference dropped", "tool", slug, "channel_id", found.ChannelID, "error", err)
			continue
		}
		out = append(out, ep)
	}
	return out
}

// toolEndpoint resolves one tool reference against the channel its role was
// found in.
func (r *Resolver) toolEndpoint(ctx context.Context, spaceID, channelID, slug string, env map[string]string) (domain.ToolEndpoint, error) {
	tool, err := r.deps.Locator.Tool(ctx, spaceID, channelID, slug)
	if err != nil {
		return domain.ToolEndpoint{}, err
	}
	ep := expandEndpoint(domain.ToolEndpoint{
		Name:      cmp.Or(tool.Name, slug),
		Transport: tool.Transport,
		Command:   tool.Command,
		Args:      cloneArgs(tool.Args),
		URL:       tool.URL,
		Headers:   tool.Headers,
		Env:       tool.Env,
	}, tool.Env, env)

	if tool.OAuth == nil {
		return ep, nil
	}
	if r.deps.Tokens == nil {
		return domain.ToolEndpoint{}, domain.NewDomainError("Resolver.toolEndpoint", domain.ErrTokenUnavailable, "no token source")
	}
	settings := &domain.OAuthSettings{
		ClientID:     ExpandPlaceholders(tool.OAuth.ClientID, tool.Env, env),
		ClientSecret: ExpandPlaceholders(tool.OAuth.ClientSecret, tool.Env, env),
		TokenURL:     ExpandPlaceholders(tool.OAuth.TokenURL, tool.Env, env),
		Scopes:       tool.OAuth.Scopes,
	}
	token, err := r.deps.Tokens.AccessToken(ctx, domain.ToolTokenKey{Space: spaceID, Channel: channelID, Slug: slug}, settings)
	if err != nil {
		return domain.ToolEndpoint{}, err
	}
	ep.Headers = withHeader(ep.Headers, "Authorization", "Bearer "+token)
	return ep, nil
}
