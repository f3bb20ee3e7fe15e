package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"agentdock/internal/domain"
)

const rosterColumns = `channel_id, callsign, agent_type, status, runtime_id, callback_url,
	tunnel_id, last_read_message_id, last_delivery_at, created_at`

func (s *Store) GetRosterEntry(ctx context.Context, channelID, callsign string) (*domain.RosterEntry, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+rosterColumns+" FROM roster WHERE channel_id = ? AND callsign = ?",
		channelID, callsign,
	)
	e, err := scanRoster(row)
	if err != nil {
		return nil, lookupErr(err, "Store.GetRosterEntry", domain.ErrAgentNotFound, channelID+"/"+callsign)
	}
	return e, nil
}

func (s *Store) ListRoster(ctx context.Context, channelID string) ([]domain.RosterEntry, error) {
	return s.queryRoster(ctx, "Store.ListRoster",
		"SELECT "+rosterColumns+" FROM roster WHERE channel_id = ? ORDER BY created_at, callsign", channelID)
}

func (s *Store) ListRosterByRuntime(ctx context.Context, runtimeID string) ([]domain.RosterEntry, error) {
	return s.queryRoster(ctx, "Store.ListRosterByRuntime",
		"SELECT "+rosterColumns+" FROM roster WHERE runtime_id = ? ORDER BY channel_id, callsign", runtimeID)
}

func (s *Store) queryRoster(ctx context.Context, op, query string, args ...any) ([]domain.RosterEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	defer rows.Close()

	var out []domain.RosterEntry
	for rows.Next() {
		e, err := scanRoster(rows)
		if err != nil {
			return nil, domain.WrapOp(op, err)
		}
		out = append(out, *e)
	}
	return out, domain.WrapOp(op, rows.Err())
}

func (s *Store) AddRosterEntry(ctx context.Context, e domain.RosterEntry) error {
	if e.ChannelID == "" || e.Callsign == "" {
		return domain.NewDomainError("Store.AddRosterEntry", domain.ErrInvalidInput, "channel and callsign are required")
	}
	if e.Status == "" {
		e.Status = domain.AgentActive
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO roster ("+rosterColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		e.ChannelID, e.Callsign, e.AgentType, string(e.Status), e.RuntimeID, e.CallbackURL,
		e.TunnelID, e.LastReadMessageID, unixNano(e.LastDeliveryAt), e.CreatedAt.UnixNano(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.NewSubSystemError("roster", "Store.AddRosterEntry", domain.ErrDuplicate, e.ChannelID+"/"+e.Callsign)
		}
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return domain.NewDomainError("Store.AddRosterEntry", domain.ErrChannelNotFound, e.ChannelID)
		}
		return domain.WrapOp("Store.AddRosterEntry", err)
	}
	return nil
}

// UpdateRosterEntry writes only the fields set in u, in one statement.
func (s *Store) UpdateRosterEntry(ctx context.Context, channelID, callsign string, u domain.RosterUpdate) error {
	if u.Empty() {
		return nil
	}
	var (
		sets []string
		args []any
	)
	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.RuntimeID != nil {
		sets = append(sets, "runtime_id = ?")
		args = append(args, *u.RuntimeID)
	}
	if u.CallbackURL != nil {
		sets = append(sets, "callback_url = ?")
		args = append(args, *u.CallbackURL)
	}
	if u.TunnelID != nil {
		sets = append(sets, "tunnel_id = ?")
		args = append(args, *u.TunnelID)
	}
	args = append(args, channelID, callsign)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE roster SET %s WHERE channel_id = ? AND callsign = ?", strings.Join(sets, ", ")),
		args...,
	)
	return rowsOrNotFound(res, err, "Store.UpdateRosterEntry", channelID+"/"+callsign)
}

// MarkDelivered records the delivered message and keeps last_delivery_at
// monotonic in a single statement.
func (s *Store) MarkDelivered(ctx context.Context, channelID, callsign, messageID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE roster
		SET last_read_message_id = ?, last_delivery_at = MAX(last_delivery_at, ?)
		WHERE channel_id = ? AND callsign = ?`,
		messageID, unixNano(at), channelID, callsign,
	)
	return rowsOrNotFound(res, err, "Store.MarkDelivered", channelID+"/"+callsign)
}

func rowsOrNotFound(res sql.Result, err error, op, detail string) error {
	if err != nil {
		return domain.WrapOp(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewDomainError(op, domain.ErrAgentNotFound, detail)
	}
	return nil
}

func scanRoster(sc scanner) (*domain.RosterEntry, error) {
	var (
		e         domain.RosterEntry
		status    string
		delivered int64
		created   int64
	)
	if err := sc.Scan(&e.ChannelID, &e.Callsign, &e.AgentType, &status, &e.RuntimeID, &e.CallbackURL,
		&e.TunnelID, &e.LastReadMessageID, &delivered, &created); err != nil {
		return nil, err
	}
	e.Status = domain.AgentStatus(status)
	e.LastDeliveryAt = fromUnixNano(delivered)
	e.CreatedAt = time.Unix(0, created).UTC()
	return &e, nil
}
