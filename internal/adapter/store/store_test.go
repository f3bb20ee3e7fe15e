package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdock/internal/domain"
)

// rot13Cipher is a reversible stand-in so tests can see that values are
// sealed without paying for key derivation.
type rot13Cipher struct{}

func rot13(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return 'a' + (r-'a'+13)%26
		case r >= 'A' && r <= 'Z':
			return 'A' + (r-'A'+13)%26
		}
		return r
	}, s)
}

func (rot13Cipher) Encrypt(p string) (string, error) { return "enc:" + rot13(p), nil }
func (rot13Cipher) Decrypt(c string) (string, error) {
	if !strings.HasPrefix(c, "enc:") {
		return "", errors.New("not sealed")
	}
	return rot13(strings.TrimPrefix(c, "enc:")), nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "dock.db"), rot13Cipher{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedChannel(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateSpace(ctx, domain.Space{ID: "s1", Name: "Acme", RootChannelID: "root"}))
	require.NoError(t, s.CreateChannel(ctx, domain.Channel{ID: "root", SpaceID: "s1", Name: "general"}))
	require.NoError(t, s.CreateChannel(ctx, domain.Channel{
		ID: "c1", SpaceID: "s1", Name: "launch", Tagline: "ship it", Mission: "Launch v2", OperatorID: "u1",
	}))
}

func TestChannelsAndSpaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedChannel(t, s)

	sp, err := s.GetSpace(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "root", sp.RootChannelID)

	ch, err := s.GetChannel(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Launch v2", ch.Mission)
	assert.False(t, ch.CreatedAt.IsZero())

	_, err = s.GetChannel(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrChannelNotFound)
	_, err = s.GetSpace(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrSpaceNotFound)

	require.NoError(t, s.UpsertOperator(ctx, domain.Operator{ID: "u1", DisplayName: "Ada"}))
	require.NoError(t, s.UpsertOperator(ctx, domain.Operator{ID: "u1", DisplayName: "Ada L."}))
	op, err := s.GetOperator(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada L.", op.DisplayName)
}

func TestRosterLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedChannel(t, s)

	require.NoError(t, s.AddRosterEntry(ctx, domain.RosterEntry{ChannelID: "c1", Callsign: "fox", AgentType: "engineer"}))
	require.NoError(t, s.AddRosterEntry(ctx, domain.RosterEntry{ChannelID: "c1", Callsign: "bear", Status: domain.AgentPaused}))

	err := s.AddRosterEntry(ctx, domain.RosterEntry{ChannelID: "c1", Callsign: "fox"})
	assert.ErrorIs(t, err, domain.ErrDuplicate)
	err = s.AddRosterEntry(ctx, domain.RosterEntry{ChannelID: "missing", Callsign: "owl"})
	assert.ErrorIs(t, err, domain.ErrChannelNotFound)

	fox, err := s.GetRosterEntry(ctx, "c1", "fox")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentActive, fox.Status)
	assert.Equal(t, "engineer", fox.AgentType)
	assert.True(t, fox.LastDeliveryAt.IsZero())

	_, err = s.GetRosterEntry(ctx, "c1", "owl")
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)

	list, err := s.ListRoster(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestListRosterOrdersByJoinTime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedChannel(t, s)

	base := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)
	// Joined in this order; "ant" would sort first by name and a
	// trimmed-fraction text timestamp would put "bee" ahead of "cat".
	for i, cs := range []string{"cat", "bee", "ant"} {
		require.NoError(t, s.AddRosterEntry(ctx, domain.RosterEntry{
			ChannelID: "c1", Callsign: cs, CreatedAt: base.Add(time.Duration(i) * 500 * time.Millisecond),
		}))
	}

	list, err := s.ListRoster(ctx, "c1")
	require.NoError(t, err)
	var got []string
	for _, e := range list {
		got = append(got, e.Callsign)
	}
	assert.Equal(t, []string{"cat", "bee", "ant"}, got)
	assert.True(t, list[1].CreatedAt.Equal(base.Add(500*time.Millisecond)))
}

func TestUpdateRosterEntryIsFieldScoped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedChannel(t, s)
	require.NoError(t, s.AddRosterEntry(ctx, domain.RosterEntry{
		ChannelID: "c1", Callsign: "fox", CallbackURL: "http://10.0.0.5:9000", TunnelID: "t-1",
	}))

	require.NoError(t, s.UpdateRosterEntry(ctx, "c1", "fox", domain.RosterUpdate{CallbackURL: new("")}))

	fox, err := s.GetRosterEntry(ctx, "c1", "fox")
	require.NoError(t, err)
	assert.Empty(t, fox.CallbackURL)
	assert.Equal(t, "t-1", fox.TunnelID, "unrelated fields stay untouched")
	assert.Equal(t, domain.AgentActive, fox.Status)

	require.NoError(t, s.UpdateRosterEntry(ctx, "c1", "fox", domain.RosterUpdate{}))
	err = s.UpdateRosterEntry(ctx, "c1", "ghost", domain.RosterUpdate{Status: new(domain.AgentPaused)})
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)
}

func TestMarkDeliveredMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedChannel(t, s)
	require.NoError(t, s.AddRosterEntry(ctx, domain.RosterEntry{ChannelID: "c1", Callsign: "fox"}))

	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t0 := t1.Add(-time.Minute)

	require.NoError(t, s.MarkDelivered(ctx, "c1", "fox", "01A", t1))
	require.NoError(t, s.MarkDelivered(ctx, "c1", "fox", "01B", t0))

	fox, err := s.GetRosterEntry(ctx, "c1", "fox")
	require.NoError(t, err)
	assert.Equal(t, "01B", fox.LastReadMessageID)
	assert.True(t, fox.LastDeliveryAt.Equal(t1), "delivery timestamp must not move backwards, got %v", fox.LastDeliveryAt)

	assert.ErrorIs(t, s.MarkDelivered(ctx, "c1", "ghost", "x", t1), domain.ErrAgentNotFound)
}

func TestConcurrentFieldUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedChannel(t, s)
	require.NoError(t, s.AddRosterEntry(ctx, domain.RosterEntry{ChannelID: "c1", Callsign: "fox"}))

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var wg sync.WaitGroup
	for i := range 10 {
		wg.Go(func() {
			assert.NoError(t, s.MarkDelivered(ctx, "c1", "fox", "m", base.Add(time.Duration(i)*time.Second)))
		})
	}
	wg.Go(func() {
		assert.NoError(t, s.UpdateRosterEntry(ctx, "c1", "fox", domain.RosterUpdate{TunnelID: new("t-9")}))
	})
	wg.Wait()

	fox, err := s.GetRosterEntry(ctx, "c1", "fox")
	require.NoError(t, err)
	assert.True(t, fox.LastDeliveryAt.Equal(base.Add(9*time.Second)))
	assert.Equal(t, "t-9", fox.TunnelID)
}

func TestRuntimes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpsertRuntime(ctx, domain.RuntimeRecord{
		ID: "rt1", Name: "laptop", Status: domain.RuntimeOnline, ConnectionHandle: "h1", LastSeen: now,
	}))
	require.NoError(t, s.UpsertRuntime(ctx, domain.RuntimeRecord{
		ID: "rt2", Name: "server", Status: domain.RuntimeOnline, ConnectionHandle: "h2", LastSeen: now.Add(-time.Hour),
	}))

	rt, err := s.GetRuntime(ctx, "rt1")
	require.NoError(t, err)
	assert.True(t, rt.Reachable())

	stale, err := s.ListStaleRuntimes(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "rt2", stale[0].ID)

	require.NoError(t, s.TouchRuntime(ctx, "rt2", now))
	stale, err = s.ListStaleRuntimes(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale)

	require.NoError(t, s.SetRuntimeOffline(ctx, "rt1"))
	rt, err = s.GetRuntime(ctx, "rt1")
	require.NoError(t, err)
	assert.Equal(t, domain.RuntimeOffline, rt.Status)
	assert.Empty(t, rt.ConnectionHandle)

	n, err := s.MarkAllRuntimesOffline(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetRuntime(ctx, "rt9")
	assert.ErrorIs(t, err, domain.ErrRuntimeNotFound)
	assert.ErrorIs(t, s.SetRuntimeOffline(ctx, "rt9"), domain.ErrRuntimeNotFound)
}

func TestListRosterByRuntime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedChannel(t, s)
	require.NoError(t, s.AddRosterEntry(ctx, domain.RosterEntry{ChannelID: "c1", Callsign: "fox", RuntimeID: "rt1"}))
	require.NoError(t, s.AddRosterEntry(ctx, domain.RosterEntry{ChannelID: "c1", Callsign: "bear"}))

	bound, err := s.ListRosterByRuntime(ctx, "rt1")
	require.NoError(t, err)
	require.Len(t, bound, 1)
	assert.Equal(t, "fox", bound[0].Callsign)
}

func TestArtifactsOrderedBySlug(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, slug := range []string{"b", "a", "c"} {
		require.NoError(t, s.PutArtifact(ctx, domain.Artifact{
			SpaceID: "s1", ChannelID: "c1", Slug: slug, Kind: domain.ArtifactEnv, Content: "vars: {}",
		}))
	}
	require.NoError(t, s.PutArtifact(ctx, domain.Artifact{
		SpaceID: "s1", ChannelID: "c1", Slug: "a", Kind: domain.ArtifactEnv, Content: "vars: {X: '1'}",
	}))

	list, err := s.ListArtifacts(ctx, "s1", "c1", domain.ArtifactEnv)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{list[0].Slug, list[1].Slug, list[2].Slug})
	assert.Equal(t, "vars: {X: '1'}", list[0].Content)

	_, err = s.GetArtifact(ctx, "s1", "c1", domain.ArtifactRole, "fox")
	assert.ErrorIs(t, err, domain.ErrArtifactMissing)
}

func TestSecretsAreSealedAtRest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := domain.SecretRef{Space: "s1", Channel: "c1", Artifact: "prod", Key: "API_KEY"}

	require.NoError(t, s.PutSecret(ctx, ref, "hunter2"))

	var raw string
	require.NoError(t, s.db.QueryRow("SELECT value FROM secrets").Scan(&raw))
	assert.NotContains(t, raw, "hunter2")

	got, err := s.GetSecret(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got)

	ref.Key = "MISSING"
	_, err = s.GetSecret(ctx, ref)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSecretsWithoutCipher(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "dock.db"), nil)
	require.NoError(t, err)
	defer s.Close()

	err = s.PutSecret(context.Background(), domain.SecretRef{Space: "s", Channel: "c", Artifact: "a", Key: "k"}, "v")
	assert.ErrorIs(t, err, domain.ErrEncryption)
}

func TestIntegrationsAndToolTokens(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.PutIntegration(ctx, domain.Integration{
		ID: "i1", SpaceID: "s1", Provider: "github", Name: "github", Transport: domain.TransportHTTP,
		URL: "https://mcp.github.example/v1", Headers: map[string]string{"X-Org": "${ORG}"},
		Credential: &domain.OAuthToken{AccessToken: "gho_abc", RefreshToken: "r", ExpiresAt: exp},
	}))
	require.NoError(t, s.PutIntegration(ctx, domain.Integration{
		ID: "i2", SpaceID: "s1", Provider: "linear", Name: "linear", URL: "https://linear.example/mcp",
	}))

	list, err := s.ListIntegrations(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "github", list[0].Name)
	require.NotNil(t, list[0].Credential)
	assert.Equal(t, "gho_abc", list[0].Credential.AccessToken)
	assert.True(t, list[0].Credential.ExpiresAt.Equal(exp))
	assert.Equal(t, "${ORG}", list[0].Headers["X-Org"])
	assert.Nil(t, list[1].Credential)

	key := domain.ToolTokenKey{Space: "s1", Channel: "c1", Slug: "notion"}
	_, err = s.GetToolToken(ctx, key)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.PutToolToken(ctx, key, domain.OAuthToken{AccessToken: "at", RefreshToken: "rt", ExpiresAt: exp}))
	tok, err := s.GetToolToken(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "at", tok.AccessToken)
	assert.Equal(t, "rt", tok.RefreshToken)
}

func TestMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"01HX0001", "01HX0002", "01HX0003"} {
		require.NoError(t, s.AppendMessage(ctx, domain.Message{ID: id, ChannelID: "c1", Sender: "ada", Content: "hi " + id}))
	}
	require.NoError(t, s.AppendMessage(ctx, domain.Message{
		ID: "01HX0004", ChannelID: "c2", Sender: "ada", Content: "elsewhere", Attachments: []string{"doc-1"},
	}))

	after, err := s.ListMessagesAfter(ctx, "c1", "01HX0001", 10)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, "01HX0002", after[0].ID)

	all, err := s.ListMessagesAfter(ctx, "c1", "", 2)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	m, err := s.GetMessage(ctx, "01HX0004")
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-1"}, m.Attachments)

	assert.ErrorIs(t, s.AppendMessage(ctx, domain.Message{ChannelID: "c1"}), domain.ErrInvalidInput)
}
