// Package oauth keeps tool OAuth tokens usable, refreshing and persisting
// them when they are about to expire.
package oauth

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"agentdock/internal/domain"
	"agentdock/internal/infra/logger"
)

// Refresher implements domain.TokenSource on top of a ToolTokenStore.
type Refresher struct {
	tokens domain.ToolTokenStore
	client *http.Client
	buffer time.Duration
	group  singleflight.Group
	logger *slog.Logger
	now    func() time.Time
}

var _ domain.TokenSource = (*Refresher)(nil)

// NewRefresher creates a Refresher. Tokens expiring within buffer are
// refreshed before use. client may be nil.
func NewRefresher(tokens domain.ToolTokenStore, client *http.Client, buffer time.Duration, log *slog.Logger) *Refresher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Refresher{tokens: tokens, client: client, buffer: buffer, logger: logger.OrDiscard(log), now: time.Now}
}

// AccessToken returns a live access token for key, refreshing it through
// settings.TokenURL when the stored one is expiring. Concurrent calls for
// one key share a single refresh.
func (r *Refresher) AccessToken(ctx context.Context, key domain.ToolTokenKey, settings *domain.OAuthSettings) (string, error) {
	stored, err := r.tokens.GetToolToken(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", domain.NewDomainError("Refresher.AccessToken", domain.ErrTokenUnavailable, "no token stored for "+key.Slug)
		}
		return "", domain.WrapOp("Refresher.AccessToken", err)
	}
	if stored.ValidFor(r.now(), r.buffer) {
		return stored.AccessToken, nil
	}
	if stored.RefreshToken == "" || settings == nil || settings.TokenURL == "" {
		return "", domain.NewDomainError("Refresher.AccessToken", domain.ErrTokenUnavailable, key.Slug+" expired and cannot be refreshed")
	}

	v, err, _ := r.group.Do(key.Space+"/"+key.Channel+"/"+key.Slug, func() (any, error) {
		return r.refresh(context.WithoutCancel(ctx), key, stored, settings)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Refresher) refresh(ctx context.Context, key domain.ToolTokenKey, stored *domain.OAuthToken, settings *domain.OAuthSettings) (string, error) {
	cfg := oauth2.Config{
		ClientID:     settings.ClientID,
		ClientSecret: settings.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: settings.TokenURL},
		Scopes:       settings.Scopes,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)

	// An empty access token forces the source to use the refresh token.
	fresh, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: stored.RefreshToken}).Token()
	if err != nil {
		r.logger.Warn("oauth refresh failed", "tool", key.Slug, "channel_id", key.Channel, "error", err)
		return "", domain.NewDomainError("Refresher.refresh", domain.ErrTokenUnavailable, err.Error())
	}

	tok := domain.OAuthToken{
		AccessToken:  fresh.AccessToken,
		RefreshToken: cmp.Or(fresh.RefreshToken, stored.RefreshToken),
		TokenType:    fresh.TokenType,
		ExpiresAt:    fresh.Expiry,
	}
	if err := r.tokens.PutToolToken(ctx, key, tok); err != nil {
		r.logger.Warn("persisting refreshed token failed", "tool", key.Slug, "error", err)
	}
	if !tok.ValidFor(r.now(), 0) {
		return "", domain.NewDomainError("Refresher.refresh", domain.ErrTokenUnavailable, "provider returned an expired token")
	}
	r.logger.Info("oauth token refreshed", "tool", key.Slug, "channel_id", key.Channel, "expires_at", tok.ExpiresAt)
	return tok.AccessToken, nil
}
