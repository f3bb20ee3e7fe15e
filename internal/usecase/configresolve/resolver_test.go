package configresolve

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdock/internal/domain"
	"agentdock/internal/domain/domaintest"
	"agentdock/internal/usecase/document"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeTokens struct {
	token string
	err   error
	keys  []domain.ToolTokenKey
	got   []*domain.OAuthSettings
}

func (f *fakeTokens) AccessToken(_ context.Context, key domain.ToolTokenKey, s *domain.OAuthSettings) (string, error) {
	f.keys = append(f.keys, key)
	f.got = append(f.got, s)
	return f.token, f.err
}

type fixture struct {
	mem      *domaintest.Memory
	tokens   *fakeTokens
	resolver *Resolver
}

func newFixture(t *testing.T, platformURL string) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := domaintest.NewMemory()
	require.NoError(t, mem.CreateSpace(ctx, domain.Space{ID: "s1", RootChannelID: "root"}))
	require.NoError(t, mem.CreateChannel(ctx, domain.Channel{ID: "root", SpaceID: "s1"}))
	require.NoError(t, mem.CreateChannel(ctx, domain.Channel{ID: "c1", SpaceID: "s1"}))

	tokens := &fakeTokens{token: "oauth-live"}
	r := New(Deps{
		Artifacts:    mem,
		Secrets:      mem,
		Integrations: mem,
		Tokens:       tokens,
		Locator:      document.NewLocator(mem, mem, document.NewParser(0)),
	}, Options{PlatformURL: platformURL}, nil)
	r.now = func() time.Time { return testNow }
	return &fixture{mem: mem, tokens: tokens, resolver: r}
}

func (f *fixture) put(t *testing.T, channel string, kind domain.ArtifactKind, slug, content string) {
	t.Helper()
	require.NoError(t, f.mem.PutArtifact(context.Background(), domain.Artifact{
		SpaceID: "s1", ChannelID: channel, Kind: kind, Slug: slug, Content: content,
	}))
}

func TestResolveEnvLayerOrder(t *testing.T) {
	f := newFixture(t, "")
	f.put(t, "root", domain.ArtifactEnv, "base", "vars: {X: '1', ROOT_ONLY: r}")
	f.put(t, "c1", domain.ArtifactEnv, "main", "vars: {X: '2'}")

	env := f.resolver.ResolveEnv(context.Background(), "s1", "c1")
	assert.Equal(t, "2", env["X"], "channel layer wins over root")
	assert.Equal(t, "r", env["ROOT_ONLY"])
}

func TestResolveEnvSlugOrder(t *testing.T) {
	f := newFixture(t, "")
	f.put(t, "c1", domain.ArtifactEnv, "b", "vars: {Y: '2'}")
	f.put(t, "c1", domain.ArtifactEnv, "a", "vars: {Y: '1'}")

	env := f.resolver.ResolveEnv(context.Background(), "s1", "c1")
	assert.Equal(t, "2", env["Y"], "lexicographically later slug wins")
}

func TestResolveEnvSecretsAndSkippedSources(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	f.put(t, "c1", domain.ArtifactEnv, "good", "vars: {A: a}\nsecrets: [API_KEY]")
	f.put(t, "c1", domain.ArtifactEnv, "broken", "vars: {B: b}\nsecrets: [LOST]")
	f.put(t, "c1", domain.ArtifactEnv, "garbled", "vars: [")
	require.NoError(t, f.mem.PutSecret(ctx, domain.SecretRef{Space: "s1", Channel: "c1", Artifact: "good", Key: "API_KEY"}, "sk-123"))
	require.NoError(t, f.mem.PutSecret(ctx, domain.SecretRef{Space: "s1", Channel: "c1", Artifact: "broken", Key: "LOST"}, "x"))
	f.mem.FailSecrets["LOST"] = true

	env := f.resolver.ResolveEnv(ctx, "s1", "c1")
	assert.Equal(t, map[string]string{"A": "a", "API_KEY": "sk-123"}, env)
}

func TestResolveEnvInRootChannel(t *testing.T) {
	f := newFixture(t, "")
	f.put(t, "root", domain.ArtifactEnv, "base", "vars: {X: '1'}")
	env := f.resolver.ResolveEnv(context.Background(), "s1", "root")
	assert.Equal(t, map[string]string{"X": "1"}, env)
}

func TestResolveToolsBuiltin(t *testing.T) {
	ref := domain.AgentRef{Space: "s1", Channel: "c1", Callsign: "fox"}

	t.Run("present with url and credential", func(t *testing.T) {
		f := newFixture(t, "https://dock.example/")
		tools := f.resolver.ResolveTools(context.Background(), ToolRequest{Ref: ref, Credential: "cred"})
		require.Len(t, tools, 1)
		assert.True(t, tools[0].Builtin)
		assert.Equal(t, "https://dock.example/mcp", tools[0].URL)
		assert.Equal(t, "Bearer cred", tools[0].Headers["Authorization"])
	})
	t.Run("absent without credential", func(t *testing.T) {
		f := newFixture(t, "https://dock.example")
		assert.Empty(t, f.resolver.ResolveTools(context.Background(), ToolRequest{Ref: ref}))
	})
	t.Run("absent without url", func(t *testing.T) {
		f := newFixture(t, "")
		assert.Empty(t, f.resolver.ResolveTools(context.Background(), ToolRequest{Ref: ref, Credential: "cred"}))
	})
}

func TestResolveToolsIntegrations(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	f.put(t, "c1", domain.ArtifactEnv, "main", "vars: {ORG: acme}")

	put := func(name string, tok *domain.OAuthToken) {
		require.NoError(t, f.mem.PutIntegration(ctx, domain.Integration{
			ID: name, SpaceID: "s1", Name: name, URL: "https://" + name + ".example/mcp",
			Headers: map[string]string{"X-Org": "${ORG}"}, Credential: tok,
		}))
	}
	put("github", &domain.OAuthToken{AccessToken: "gh-live", ExpiresAt: testNow.Add(time.Hour)})
	put("linear", &domain.OAuthToken{AccessToken: "lin", ExpiresAt: testNow.Add(30 * time.Second)})
	put("jira", &domain.OAuthToken{AccessToken: "old", ExpiresAt: testNow.Add(-time.Minute)})
	put("slackish", nil)
	put("static", &domain.OAuthToken{AccessToken: "forever"})

	tools := f.resolver.ResolveTools(ctx, ToolRequest{Ref: domain.AgentRef{Space: "s1", Channel: "c1", Callsign: "fox"}})
	names := make([]string, 0, len(tools))
	for _, tl := range tools {
		names = append(names, tl.Name)
	}
	assert.Equal(t, []string{"github", "static"}, names)
	assert.Equal(t, "Bearer gh-live", tools[0].Headers["Authorization"])
	assert.Equal(t, "acme", tools[0].Headers["X-Org"])
	assert.Equal(t, domain.TransportHTTP, tools[0].Transport)
}

func TestResolveToolsRoleReferences(t *testing.T) {
	f := newFixture(t, "https://dock.example")
	ctx := context.Background()

	// The role lives in the root channel, so its tools resolve there too.
	f.put(t, "root", domain.ArtifactRole, "engineer", "---\ntitle: Engineer\ntools: [notion, fs, missing]\n---\nBuild.")
	f.put(t, "root", domain.ArtifactTool, "notion", `
url: https://mcp.notion.example/${REGION}
headers: {X-Workspace: '${WORKSPACE}'}
env: {WORKSPACE: local-ws}
oauth: {client_id: '${NOTION_CLIENT}', token_url: https://auth.notion.example/token}
`)
	f.put(t, "root", domain.ArtifactTool, "fs", "command: mcp-fs\nargs: ['--root', '${WORKSPACE}']\n")
	f.put(t, "c1", domain.ArtifactTool, "fs", "command: wrong-channel\n")
	f.put(t, "c1", domain.ArtifactEnv, "main", "vars: {REGION: eu, WORKSPACE: shared-ws, NOTION_CLIENT: cid}")

	req := ToolRequest{Ref: domain.AgentRef{Space: "s1", Channel: "c1", Callsign: "fox"}, RoleSlug: "engineer", Credential: "cred"}
	tools := f.resolver.ResolveTools(ctx, req)
	require.Len(t, tools, 3)

	assert.Equal(t, PlatformToolName, tools[0].Name)

	notion := tools[1]
	assert.Equal(t, "notion", notion.Name)
	assert.Equal(t, "https://mcp.notion.example/eu", notion.URL)
	assert.Equal(t, "local-ws", notion.Headers["X-Workspace"], "local values beat the shared environment")
	assert.Equal(t, "Bearer oauth-live", notion.Headers["Authorization"])
	require.Len(t, f.tokens.keys, 1)
	assert.Equal(t, domain.ToolTokenKey{Space: "s1", Channel: "root", Slug: "notion"}, f.tokens.keys[0])
	assert.Equal(t, "cid", f.tokens.got[0].ClientID)

	fs := tools[2]
	assert.Equal(t, "mcp-fs", fs.Command)
	assert.Equal(t, []string{"--root", "shared-ws"}, fs.Args)

	again := f.resolver.ResolveTools(ctx, req)
	assert.Equal(t, tools, again, "resolution is repeatable")
}

func TestResolveToolsDropsToolWithoutToken(t *testing.T) {
	f := newFixture(t, "")
	f.tokens.err = errors.New("refresh failed")
	f.put(t, "c1", domain.ArtifactRole, "engineer", "---\ntools: [notion]\n---\n")
	f.put(t, "c1", domain.ArtifactTool, "notion", "url: https://x.example\noauth: {client_id: a, token_url: https://t.example}\n")

	tools := f.resolver.ResolveTools(context.Background(), ToolRequest{
		Ref: domain.AgentRef{Space: "s1", Channel: "c1", Callsign: "fox"}, RoleSlug: "engineer",
	})
	assert.Empty(t, tools)
}

func TestResolveToolsRoleWithoutTools(t *testing.T) {
	f := newFixture(t, "")
	f.put(t, "c1", domain.ArtifactRole, "writer", "Write docs.")
	tools := f.resolver.ResolveTools(context.Background(), ToolRequest{
		Ref: domain.AgentRef{Space: "s1", Channel: "c1", Callsign: "fox"}, RoleSlug: "writer",
	})
	assert.Empty(t, tools)
}
