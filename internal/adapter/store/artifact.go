package store

import (
	"context"
	"encoding/json"
	"fmt"

	"agentdock/internal/domain"
)

func (s *Store) GetArtifact(ctx context.Context, spaceID, channelID string, kind domain.ArtifactKind, slug string) (*domain.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT space_id, channel_id, kind, slug, content, updated_at FROM artifacts
		WHERE space_id = ? AND channel_id = ? AND kind = ? AND slug = ?`,
		spaceID, channelID, string(kind), slug,
	)
	a, err := scanArtifact(row)
	if err != nil {
		return nil, lookupErr(err, "Store.GetArtifact", domain.ErrArtifactMissing, fmt.Sprintf("%s %s/%s", kind, channelID, slug))
	}
	return a, nil
}

// ListArtifacts returns artifacts of a kind ordered by slug ascending.
func (s *Store) ListArtifacts(ctx context.Context, spaceID, channelID string, kind domain.ArtifactKind) ([]domain.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT space_id, channel_id, kind, slug, content, updated_at FROM artifacts
		WHERE space_id = ? AND channel_id = ? AND kind = ? ORDER BY slug`,
		spaceID, channelID, string(kind),
	)
	if err != nil {
		return nil, domain.WrapOp("Store.ListArtifacts", err)
	}
	defer rows.Close()

	var out []domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, domain.WrapOp("Store.ListArtifacts", err)
		}
		out = append(out, *a)
	}
	return out, domain.WrapOp("Store.ListArtifacts", rows.Err())
}

func (s *Store) PutArtifact(ctx context.Context, a domain.Artifact) error {
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (space_id, channel_id, kind, slug, content, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(space_id, channel_id, kind, slug) DO UPDATE SET
			content = excluded.content, updated_at = excluded.updated_at`,
		a.SpaceID, a.ChannelID, string(a.Kind), a.Slug, a.Content, formatTime(a.UpdatedAt),
	)
	return domain.WrapOp("Store.PutArtifact", err)
}

func scanArtifact(sc scanner) (*domain.Artifact, error) {
	var (
		a       domain.Artifact
		kind    string
		updated string
	)
	if err := sc.Scan(&a.SpaceID, &a.ChannelID, &kind, &a.Slug, &a.Content, &updated); err != nil {
		return nil, err
	}
	a.Kind = domain.ArtifactKind(kind)
	a.UpdatedAt = parseTime(updated)
	return &a, nil
}

// GetSecret returns the decrypted secret value.
func (s *Store) GetSecret(ctx context.Context, ref domain.SecretRef) (string, error) {
	var sealed string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM secrets WHERE space_id = ? AND channel_id = ? AND artifact = ? AND key = ?`,
		ref.Space, ref.Channel, ref.Artifact, ref.Key,
	).Scan(&sealed)
	if err != nil {
		return "", lookupErr(err, "Store.GetSecret", domain.ErrNotFound, "secret "+ref.Artifact+"."+ref.Key)
	}
	plain, err := s.unseal(sealed)
	if err != nil {
		return "", domain.NewDomainError("Store.GetSecret", domain.ErrDecryption, ref.Artifact+"."+ref.Key)
	}
	return plain, nil
}

func (s *Store) PutSecret(ctx context.Context, ref domain.SecretRef, plaintext string) error {
	sealed, err := s.seal(plaintext)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO secrets (space_id, channel_id, artifact, key, value) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(space_id, channel_id, artifact, key) DO UPDATE SET value = excluded.value`,
		ref.Space, ref.Channel, ref.Artifact, ref.Key, sealed,
	)
	return domain.WrapOp("Store.PutSecret", err)
}

func (s *Store) ListIntegrations(ctx context.Context, spaceID string) ([]domain.Integration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, space_id, provider, name, transport, url, headers,
			access_token, refresh_token, token_type, expires_at
		FROM integrations WHERE space_id = ? ORDER BY name, id`, spaceID)
	if err != nil {
		return nil, domain.WrapOp("Store.ListIntegrations", err)
	}
	defer rows.Close()

	var out []domain.Integration
	for rows.Next() {
		var (
			in                       domain.Integration
			headers, access, refresh string
			tokenType                string
			expires                  int64
		)
		if err := rows.Scan(&in.ID, &in.SpaceID, &in.Provider, &in.Name, &in.Transport, &in.URL, &headers,
			&access, &refresh, &tokenType, &expires); err != nil {
			return nil, domain.WrapOp("Store.ListIntegrations", err)
		}
		if err := json.Unmarshal([]byte(headers), &in.Headers); err != nil {
			return nil, fmt.Errorf("Store.ListIntegrations: unmarshal headers of %s: %w", in.ID, err)
		}
		if access != "" {
			tok, err := s.openToken(access, refresh, tokenType, expires)
			if err != nil {
				// An unreadable credential is reported as absent; the caller omits the endpoint.
				tok = nil
			}
			in.Credential = tok
		}
		out = append(out, in)
	}
	return out, domain.WrapOp("Store.ListIntegrations", rows.Err())
}

func (s *Store) PutIntegration(ctx context.Context, in domain.Integration) error {
	headers, err := json.Marshal(in.Headers)
	if err != nil {
		return fmt.Errorf("Store.PutIntegration: marshal headers: %w", err)
	}
	var tok domain.OAuthToken
	if in.Credential != nil {
		tok = *in.Credential
	}
	access, refresh, err := s.sealToken(tok)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO integrations (id, space_id, provider, name, transport, url, headers,
			access_token, refresh_token, token_type, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			provider = excluded.provider, name = excluded.name, transport = excluded.transport,
			url = excluded.url, headers = excluded.headers, access_token = excluded.access_token,
			refresh_token = excluded.refresh_token, token_type = excluded.token_type,
			expires_at = excluded.expires_at`,
		in.ID, in.SpaceID, in.Provider, in.Name, in.Transport, in.URL, string(headers),
		access, refresh, tok.TokenType, unixNano(tok.ExpiresAt),
	)
	return domain.WrapOp("Store.PutIntegration", err)
}

func (s *Store) GetToolToken(ctx context.Context, key domain.ToolTokenKey) (*domain.OAuthToken, error) {
	var (
		access, refresh, tokenType string
		expires                    int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, token_type, expires_at FROM tool_tokens
		WHERE space_id = ? AND channel_id = ? AND slug = ?`,
		key.Space, key.Channel, key.Slug,
	).Scan(&access, &refresh, &tokenType, &expires)
	if err != nil {
		return nil, lookupErr(err, "Store.GetToolToken", domain.ErrNotFound, "tool token "+key.Slug)
	}
	return s.openToken(access, refresh, tokenType, expires)
}

func (s *Store) PutToolToken(ctx context.Context, key domain.ToolTokenKey, tok domain.OAuthToken) error {
	access, refresh, err := s.sealToken(tok)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_tokens (space_id, channel_id, slug, access_token, refresh_token, token_type, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(space_id, channel_id, slug) DO UPDATE SET
			access_token = excluded.access_token, refresh_token = excluded.refresh_token,
			token_type = excluded.token_type, expires_at = excluded.expires_at`,
		key.Space, key.Channel, key.Slug, access, refresh, tok.TokenType, unixNano(tok.ExpiresAt),
	)
	return domain.WrapOp("Store.PutToolToken", err)
}

func (s *Store) sealToken(tok domain.OAuthToken) (access, refresh string, err error) {
	if access, err = s.seal(tok.AccessToken); err != nil {
		return "", "", err
	}
	if refresh, err = s.seal(tok.RefreshToken); err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

func (s *Store) openToken(access, refresh, tokenType string, expires int64) (*domain.OAuthToken, error) {
	a, err := s.unseal(access)
	if err != nil {
		return nil, err
	}
	r, err := s.unseal(refresh)
	if err != nil {
		return nil, err
	}
	return &domain.OAuthToken{
		AccessToken:  a,
		RefreshToken: r,
		TokenType:    tokenType,
		ExpiresAt:    fromUnixNano(expires),
	}, nil
}
