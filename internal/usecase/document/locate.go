package document

import (
	"context"

	"agentdock/internal/domain"
)

// Locator finds artifacts for a channel, falling back to the space's root
// channel when the channel has none of its own.
type Locator struct {
	artifacts domain.ArtifactStore
	channels  domain.ChannelStore
	parser    *Parser
}

// NewLocator creates a locator.
func NewLocator(artifacts domain.ArtifactStore, channels domain.ChannelStore, parser *Parser) *Locator {
	return &Locator{artifacts: artifacts, channels: channels, parser: parser}
}

// Parser returns the parser used by the locator.
func (l *Locator) Parser() *Parser { return l.parser }

// FoundRole is a role definition plus the channel it was stored in.
type FoundRole struct {
	Role      *Role
	ChannelID string
}

// FindRole looks up the role definition slug in channelID and then in the
// space root. It returns domain.ErrArtifactMissing when neither has it.
func (l *Locator) FindRole(ctx context.Context, spaceID, channelID, slug string) (*FoundRole, error) {
	a, err := l.find(ctx, spaceID, channelID, domain.ArtifactRole, slug)
	if err != nil {
		return nil, err
	}
	role, err := l.parser.Role(a.Content)
	if err != nil {
		return nil, err
	}
	return &FoundRole{Role: role, ChannelID: a.ChannelID}, nil
}

// Focus returns the text of a focus overlay.
func (l *Locator) Focus(ctx context.Context, spaceID, channelID, slug string) (string, error) {
	a, err := l.find(ctx, spaceID, channelID, domain.ArtifactFocus, slug)
	if err != nil {
		return "", err
	}
	return a.Content, nil
}

// Tool reads a tool configuration from exactly channelID.
func (l *Locator) Tool(ctx context.Context, spaceID, channelID, slug string) (*Tool, error) {
	a, err := l.artifacts.GetArtifact(ctx, spaceID, channelID, domain.ArtifactTool, slug)
	if err != nil {
		return nil, err
	}
	return l.parser.Tool(a.Content)
}

func (l *Locator) find(ctx context.Context, spaceID, channelID string, kind domain.ArtifactKind, slug string) (*domain.Artifact, error) {
	if slug == "" {
		return nil, domain.NewDomainError("Locator.find", domain.ErrArtifactMissing, string(kind)+" without slug")
	}
	a, err := l.artifacts.GetArtifact(ctx, spaceID, channelID, kind, slug)
	if err == nil {
		return a, nil
	}
	root, rerr := l.RootChannel(ctx, spaceID)
	if rerr != nil || root == "" || root == channelID {
		return nil, err
	}
	return l.artifacts.GetArtifact(ctx, spaceID, root, kind, slug)
}

// RootChannel returns the space-wide root channel ID.
func (l *Locator) RootChannel(ctx context.Context, spaceID string) (string, error) {
	sp, err := l.channels.GetSpace(ctx, spaceID)
	if err != nil {
		return "", err
	}
	return sp.RootChannelID, nil
}
