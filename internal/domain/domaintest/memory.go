// Package domaintest provides in-memory implementations of the domain
// storage and transport interfaces for tests.
package domaintest

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"agentdock/internal/domain"
)

// Memory implements every storage interface in memory and counts roster
// writes so tests can assert that a code path performed none.
type Memory struct {
	mu           sync.Mutex
	spaces       map[string]domain.Space
	channels     map[string]domain.Channel
	operators    map[string]domain.Operator
	roster       map[string]domain.RosterEntry
	runtimes     map[string]domain.RuntimeRecord
	artifacts    map[string]domain.Artifact
	secrets      map[domain.SecretRef]string
	integrations map[string]domain.Integration
	toolTokens   map[domain.ToolTokenKey]domain.OAuthToken
	messages     []domain.Message

	// Failing keys make the matching reads fail.
	FailSecrets   map[string]bool // keyed by SecretRef.Key
	FailRosterGet map[string]bool // keyed by callsign

	RosterWrites int
	Updates      []domain.RosterUpdate
}

var (
	_ domain.RosterStore      = (*Memory)(nil)
	_ domain.RuntimeStore     = (*Memory)(nil)
	_ domain.ChannelStore     = (*Memory)(nil)
	_ domain.ArtifactStore    = (*Memory)(nil)
	_ domain.SecretStore      = (*Memory)(nil)
	_ domain.IntegrationStore = (*Memory)(nil)
	_ domain.ToolTokenStore   = (*Memory)(nil)
	_ domain.MessageStore     = (*Memory)(nil)
)

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		spaces:        make(map[string]domain.Space),
		channels:      make(map[string]domain.Channel),
		operators:     make(map[string]domain.Operator),
		roster:        make(map[string]domain.RosterEntry),
		runtimes:      make(map[string]domain.RuntimeRecord),
		artifacts:     make(map[string]domain.Artifact),
		secrets:       make(map[domain.SecretRef]string),
		integrations:  make(map[string]domain.Integration),
		toolTokens:    make(map[domain.ToolTokenKey]domain.OAuthToken),
		FailSecrets:   make(map[string]bool),
		FailRosterGet: make(map[string]bool),
	}
}

func rosterKey(channelID, callsign string) string { return channelID + "/" + callsign }

func artifactKey(space, channel string, kind domain.ArtifactKind, slug string) string {
	return space + "/" + channel + "/" + string(kind) + "/" + slug
}

// WriteCount returns the number of roster writes so far.
func (m *Memory) WriteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RosterWrites
}

// --- roster ---

func (m *Memory) GetRosterEntry(_ context.Context, channelID, callsign string) (*domain.RosterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailRosterGet[callsign] {
		return nil, domain.NewDomainError("Memory.GetRosterEntry", domain.ErrUnavailable, callsign)
	}
	e, ok := m.roster[rosterKey(channelID, callsign)]
	if !ok {
		return nil, domain.NewDomainError("Memory.GetRosterEntry", domain.ErrAgentNotFound, callsign)
	}
	return &e, nil
}

func (m *Memory) ListRoster(_ context.Context, channelID string) ([]domain.RosterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.RosterEntry
	for _, e := range m.roster {
		if e.ChannelID == channelID {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b domain.RosterEntry) int { return cmp.Compare(a.Callsign, b.Callsign) })
	return out, nil
}

func (m *Memory) ListRosterByRuntime(_ context.Context, runtimeID string) ([]domain.RosterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.RosterEntry
	for _, e := range m.roster {
		if e.RuntimeID == runtimeID {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b domain.RosterEntry) int { return cmp.Compare(a.Callsign, b.Callsign) })
	return out, nil
}

// SeedRoster inserts e without counting a write.
func (m *Memory) SeedRoster(e domain.RosterEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Status == "" {
		e.Status = domain.AgentActive
	}
	m.roster[rosterKey(e.ChannelID, e.Callsign)] = e
}

func (m *Memory) AddRosterEntry(_ context.Context, e domain.RosterEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := rosterKey(e.ChannelID, e.Callsign)
	if _, ok := m.roster[k]; ok {
		return domain.NewSubSystemError("roster", "Memory.AddRosterEntry", domain.ErrDuplicate, k)
	}
	if e.Status == "" {
		e.Status = domain.AgentActive
	}
	m.roster[k] = e
	m.RosterWrites++
	return nil
}

func (m *Memory) UpdateRosterEntry(_ context.Context, channelID, callsign string, u domain.RosterUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := rosterKey(channelID, callsign)
	e, ok := m.roster[k]
	if !ok {
		return domain.NewDomainError("Memory.UpdateRosterEntry", domain.ErrAgentNotFound, k)
	}
	if u.Status != nil {
		e.Status = *u.Status
	}
	if u.RuntimeID != nil {
		e.RuntimeID = *u.RuntimeID
	}
	if u.CallbackURL != nil {
		e.CallbackURL = *u.CallbackURL
	}
	if u.TunnelID != nil {
		e.TunnelID = *u.TunnelID
	}
	m.roster[k] = e
	m.RosterWrites++
	m.Updates = append(m.Updates, u)
	return nil
}

func (m *Memory) MarkDelivered(_ context.Context, channelID, callsign, messageID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := rosterKey(channelID, callsign)
	e, ok := m.roster[k]
	if !ok {
		return domain.NewDomainError("Memory.MarkDelivered", domain.ErrAgentNotFound, k)
	}
	e.LastReadMessageID = messageID
	if at.After(e.LastDeliveryAt) {
		e.LastDeliveryAt = at
	}
	m.roster[k] = e
	m.RosterWrites++
	return nil
}

// --- runtimes ---

func (m *Memory) GetRuntime(_ context.Context, id string) (*domain.RuntimeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runtimes[id]
	if !ok {
		return nil, domain.NewDomainError("Memory.GetRuntime", domain.ErrRuntimeNotFound, id)
	}
	return &r, nil
}

func (m *Memory) ListRuntimes(_ context.Context) ([]domain.RuntimeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.RuntimeRecord, 0, len(m.runtimes))
	for _, r := range m.runtimes {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b domain.RuntimeRecord) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (m *Memory) UpsertRuntime(_ context.Context, r domain.RuntimeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runtimes[r.ID] = r
	return nil
}

func (m *Memory) SetRuntimeOffline(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runtimes[id]
	if !ok {
		return domain.NewDomainError("Memory.SetRuntimeOffline", domain.ErrRuntimeNotFound, id)
	}
	r.Status = domain.RuntimeOffline
	r.ConnectionHandle = ""
	m.runtimes[id] = r
	return nil
}

func (m *Memory) TouchRuntime(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runtimes[id]
	if !ok {
		return domain.NewDomainError("Memory.TouchRuntime", domain.ErrRuntimeNotFound, id)
	}
	if at.After(r.LastSeen) {
		r.LastSeen = at
	}
	m.runtimes[id] = r
	return nil
}

func (m *Memory) MarkAllRuntimesOffline(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.runtimes {
		if r.Status != domain.RuntimeOffline {
			r.Status = domain.RuntimeOffline
			r.ConnectionHandle = ""
			m.runtimes[id] = r
			n++
		}
	}
	return n, nil
}

func (m *Memory) ListStaleRuntimes(_ context.Context, seenBefore time.Time) ([]domain.RuntimeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.RuntimeRecord
	for _, r := range m.runtimes {
		if r.Status == domain.RuntimeOnline && r.LastSeen.Before(seenBefore) {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b domain.RuntimeRecord) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// --- channels ---

func (m *Memory) GetSpace(_ context.Context, id string) (*domain.Space, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.spaces[id]
	if !ok {
		return nil, domain.NewDomainError("Memory.GetSpace", domain.ErrSpaceNotFound, id)
	}
	return &s, nil
}

func (m *Memory) CreateSpace(_ context.Context, s domain.Space) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spaces[s.ID] = s
	return nil
}

func (m *Memory) GetChannel(_ context.Context, id string) (*domain.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.channels[id]
	if !ok {
		return nil, domain.NewDomainError("Memory.GetChannel", domain.ErrChannelNotFound, id)
	}
	return &c, nil
}

func (m *Memory) CreateChannel(_ context.Context, c domain.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[c.ID] = c
	return nil
}

func (m *Memory) GetOperator(_ context.Context, id string) (*domain.Operator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.operators[id]
	if !ok {
		return nil, domain.NewDomainError("Memory.GetOperator", domain.ErrNotFound, id)
	}
	return &o, nil
}

func (m *Memory) UpsertOperator(_ context.Context, o domain.Operator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operators[o.ID] = o
	return nil
}

// --- artifacts, secrets, integrations, tokens ---

func (m *Memory) GetArtifact(_ context.Context, spaceID, channelID string, kind domain.ArtifactKind, slug string) (*domain.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[artifactKey(spaceID, channelID, kind, slug)]
	if !ok {
		return nil, domain.NewDomainError("Memory.GetArtifact", domain.ErrArtifactMissing, slug)
	}
	return &a, nil
}

func (m *Memory) ListArtifacts(_ context.Context, spaceID, channelID string, kind domain.ArtifactKind) ([]domain.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Artifact
	for _, a := range m.artifacts {
		if a.SpaceID == spaceID && a.ChannelID == channelID && a.Kind == kind {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b domain.Artifact) int { return cmp.Compare(a.Slug, b.Slug) })
	return out, nil
}

func (m *Memory) PutArtifact(_ context.Context, a domain.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifacts[artifactKey(a.SpaceID, a.ChannelID, a.Kind, a.Slug)] = a
	return nil
}

func (m *Memory) GetSecret(_ context.Context, ref domain.SecretRef) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSecrets[ref.Key] {
		return "", domain.NewDomainError("Memory.GetSecret", domain.ErrDecryption, ref.Key)
	}
	v, ok := m.secrets[ref]
	if !ok {
		return "", domain.NewDomainError("Memory.GetSecret", domain.ErrNotFound, ref.Key)
	}
	return v, nil
}

func (m *Memory) PutSecret(_ context.Context, ref domain.SecretRef, plaintext string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[ref] = plaintext
	return nil
}

func (m *Memory) ListIntegrations(_ context.Context, spaceID string) ([]domain.Integration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Integration
	for _, in := range m.integrations {
		if in.SpaceID == spaceID {
			out = append(out, in)
		}
	}
	slices.SortFunc(out, func(a, b domain.Integration) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

func (m *Memory) PutIntegration(_ context.Context, in domain.Integration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.integrations[in.ID] = in
	return nil
}

func (m *Memory) GetToolToken(_ context.Context, key domain.ToolTokenKey) (*domain.OAuthToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.toolTokens[key]
	if !ok {
		return nil, domain.NewDomainError("Memory.GetToolToken", domain.ErrNotFound, key.Slug)
	}
	return &t, nil
}

func (m *Memory) PutToolToken(_ context.Context, key domain.ToolTokenKey, tok domain.OAuthToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolTokens[key] = tok
	return nil
}

// --- messages ---

func (m *Memory) AppendMessage(_ context.Context, msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

func (m *Memory) GetMessage(_ context.Context, id string) (*domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.ID == id {
			return &msg, nil
		}
	}
	return nil, domain.NewDomainError("Memory.GetMessage", domain.ErrNotFound, id)
}

func (m *Memory) ListMessagesAfter(_ context.Context, channelID, afterID string, limit int) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Message
	for _, msg := range m.messages {
		if msg.ChannelID == channelID && msg.ID > afterID {
			out = append(out, msg)
		}
	}
	slices.SortFunc(out, func(a, b domain.Message) int { return cmp.Compare(a.ID, b.ID) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
