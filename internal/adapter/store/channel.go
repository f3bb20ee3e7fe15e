package store

import (
	"context"

	"agentdock/internal/domain"
)

func (s *Store) GetSpace(ctx context.Context, id string) (*domain.Space, error) {
	var (
		sp      domain.Space
		created string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, root_channel_id, created_at FROM spaces WHERE id = ?", id,
	).Scan(&sp.ID, &sp.Name, &sp.RootChannelID, &created)
	if err != nil {
		return nil, lookupErr(err, "Store.GetSpace", domain.ErrSpaceNotFound, id)
	}
	sp.CreatedAt = parseTime(created)
	return &sp, nil
}

func (s *Store) CreateSpace(ctx context.Context, sp domain.Space) error {
	if sp.CreatedAt.IsZero() {
		sp.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO spaces (id, name, root_channel_id, created_at) VALUES (?, ?, ?, ?)",
		sp.ID, sp.Name, sp.RootChannelID, formatTime(sp.CreatedAt),
	)
	return domain.WrapOp("Store.CreateSpace", err)
}

func (s *Store) GetChannel(ctx context.Context, id string) (*domain.Channel, error) {
	var (
		c       domain.Channel
		created string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, space_id, name, tagline, mission, focus_slug, operator_id, created_at
		FROM channels WHERE id = ?`, id,
	).Scan(&c.ID, &c.SpaceID, &c.Name, &c.Tagline, &c.Mission, &c.FocusSlug, &c.OperatorID, &created)
	if err != nil {
		return nil, lookupErr(err, "Store.GetChannel", domain.ErrChannelNotFound, id)
	}
	c.CreatedAt = parseTime(created)
	return &c, nil
}

func (s *Store) CreateChannel(ctx context.Context, c domain.Channel) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (id, space_id, name, tagline, mission, focus_slug, operator_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SpaceID, c.Name, c.Tagline, c.Mission, c.FocusSlug, c.OperatorID, formatTime(c.CreatedAt),
	)
	return domain.WrapOp("Store.CreateChannel", err)
}

func (s *Store) GetOperator(ctx context.Context, id string) (*domain.Operator, error) {
	var o domain.Operator
	err := s.db.QueryRowContext(ctx,
		"SELECT id, display_name FROM operators WHERE id = ?", id,
	).Scan(&o.ID, &o.DisplayName)
	if err != nil {
		return nil, lookupErr(err, "Store.GetOperator", domain.ErrNotFound, "operator "+id)
	}
	return &o, nil
}

func (s *Store) UpsertOperator(ctx context.Context, o domain.Operator) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operators (id, display_name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name`,
		o.ID, o.DisplayName,
	)
	return domain.WrapOp("Store.UpsertOperator", err)
}
