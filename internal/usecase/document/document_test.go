package document

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdock/internal/domain"
	"agentdock/internal/domain/domaintest"
)

func TestParseEnv(t *testing.T) {
	p := NewParser(0)
	env, err := p.Env("vars:\n  REGION: eu-west-1\n  DEBUG: 'true'\nsecrets: [API_KEY]\n")
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", env.Vars["REGION"])
	assert.Equal(t, []string{"API_KEY"}, env.Secrets)

	_, err = p.Env("vars: [not, a, map]")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantTitle string
		wantTools []string
		wantBody  string
	}{
		{
			name:      "front matter",
			content:   "---\ntitle: Release Engineer\ntools: [github, notion]\n---\nYou ship builds.\n",
			wantTitle: "Release Engineer",
			wantTools: []string{"github", "notion"},
			wantBody:  "You ship builds.",
		},
		{
			name:     "plain markdown",
			content:  "# Reviewer\nRead every diff.",
			wantBody: "# Reviewer\nRead every diff.",
		},
		{
			name:     "unterminated front matter is body",
			content:  "---\ntitle: x",
			wantBody: "---\ntitle: x",
		},
	}
	p := NewParser(8)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			role, err := p.Role(tt.content)
			if err != nil {
				t.Fatalf("Role: %v", err)
			}
			if role.Title != tt.wantTitle {
				t.Errorf("Title = %q, want %q", role.Title, tt.wantTitle)
			}
			assert.Equal(t, tt.wantTools, role.Tools)
			assert.Equal(t, tt.wantBody, role.Body)
		})
	}
}

func TestParseTool(t *testing.T) {
	p := NewParser(8)

	tool, err := p.Tool(`
name: notion
url: https://mcp.notion.example/v1
headers:
  X-Workspace: ${NOTION_WORKSPACE}
oauth:
  client_id: abc
  token_url: https://auth.notion.example/token
  scopes: [read]
`)
	require.NoError(t, err)
	assert.Equal(t, domain.TransportHTTP, tool.Transport, "url implies http")
	require.NotNil(t, tool.OAuth)
	assert.Equal(t, "abc", tool.OAuth.ClientID)

	stdio, err := p.Tool("command: npx\nargs: ['-y', '@acme/mcp']\nenv: {TOKEN: '${ACME_TOKEN}'}\n")
	require.NoError(t, err)
	assert.Equal(t, domain.TransportStdio, stdio.Transport)
	assert.Equal(t, "${ACME_TOKEN}", stdio.Env["TOKEN"])
}

func TestParseToolRejectsInvalid(t *testing.T) {
	p := NewParser(8)
	for name, content := range map[string]string{
		"no command or url":    "name: broken\n",
		"unknown transport":    "transport: carrier-pigeon\nurl: http://x\n",
		"http without url":     "transport: http\ncommand: run\n",
		"oauth missing url":    "url: http://x\noauth: {client_id: a}\n",
		"args must be strings": "command: run\nargs: [{a: b}]\n",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := p.Tool(content); err == nil {
				t.Fatalf("expected validation error for %q", content)
			}
		})
	}
}

func TestParserCachesByContent(t *testing.T) {
	p := NewParser(4)
	a, err := p.Env("vars: {A: '1'}")
	require.NoError(t, err)
	b, err := p.Env("vars: {A: '1'}")
	require.NoError(t, err)
	assert.Same(t, a, b)

	c, err := p.Env("vars: {A: '2'}")
	require.NoError(t, err)
	assert.Equal(t, "2", c.Vars["A"])
}

func TestLocatorFallsBackToRoot(t *testing.T) {
	ctx := context.Background()
	mem := domaintest.NewMemory()
	require.NoError(t, mem.CreateSpace(ctx, domain.Space{ID: "s1", RootChannelID: "root"}))
	require.NoError(t, mem.PutArtifact(ctx, domain.Artifact{SpaceID: "s1", ChannelID: "root", Kind: domain.ArtifactRole, Slug: "engineer", Content: "Build things."}))
	require.NoError(t, mem.PutArtifact(ctx, domain.Artifact{SpaceID: "s1", ChannelID: "c1", Kind: domain.ArtifactFocus, Slug: "launch", Content: "Only launch work."}))

	l := NewLocator(mem, mem, NewParser(0))

	found, err := l.FindRole(ctx, "s1", "c1", "engineer")
	require.NoError(t, err)
	assert.Equal(t, "root", found.ChannelID)
	assert.Equal(t, "Build things.", found.Role.Body)

	focus, err := l.Focus(ctx, "s1", "c1", "launch")
	require.NoError(t, err)
	assert.Equal(t, "Only launch work.", focus)

	_, err = l.FindRole(ctx, "s1", "c1", "ghost")
	assert.ErrorIs(t, err, domain.ErrArtifactMissing)
	_, err = l.Focus(ctx, "s1", "c1", "")
	assert.ErrorIs(t, err, domain.ErrArtifactMissing)
}
