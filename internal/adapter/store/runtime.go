package store

import (
	"context"
	"time"

	"agentdock/internal/domain"
)

const runtimeColumns = "id, name, status, connection_handle, last_seen"

func (s *Store) GetRuntime(ctx context.Context, id string) (*domain.RuntimeRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runtimeColumns+" FROM runtimes WHERE id = ?", id)
	r, err := scanRuntime(row)
	if err != nil {
		return nil, lookupErr(err, "Store.GetRuntime", domain.ErrRuntimeNotFound, id)
	}
	return r, nil
}

func (s *Store) ListRuntimes(ctx context.Context) ([]domain.RuntimeRecord, error) {
	return s.queryRuntimes(ctx, "Store.ListRuntimes", "SELECT "+runtimeColumns+" FROM runtimes ORDER BY id")
}

// ListStaleRuntimes returns online runtimes not seen since seenBefore.
func (s *Store) ListStaleRuntimes(ctx context.Context, seenBefore time.Time) ([]domain.RuntimeRecord, error) {
	return s.queryRuntimes(ctx, "Store.ListStaleRuntimes",
		"SELECT "+runtimeColumns+" FROM runtimes WHERE status = ? AND last_seen < ? ORDER BY id",
		string(domain.RuntimeOnline), unixNano(seenBefore))
}

func (s *Store) queryRuntimes(ctx context.Context, op, query string, args ...any) ([]domain.RuntimeRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	defer rows.Close()

	var out []domain.RuntimeRecord
	for rows.Next() {
		r, err := scanRuntime(rows)
		if err != nil {
			return nil, domain.WrapOp(op, err)
		}
		out = append(out, *r)
	}
	return out, domain.WrapOp(op, rows.Err())
}

// UpsertRuntime writes the whole record; it is only called by the
// connection handshake, which owns runtime rows.
func (s *Store) UpsertRuntime(ctx context.Context, r domain.RuntimeRecord) error {
	if r.ID == "" {
		return domain.NewDomainError("Store.UpsertRuntime", domain.ErrInvalidInput, "runtime id is required")
	}
	if r.LastSeen.IsZero() {
		r.LastSeen = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runtimes (`+runtimeColumns+`) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			connection_handle = excluded.connection_handle,
			last_seen = excluded.last_seen`,
		r.ID, r.Name, string(r.Status), r.ConnectionHandle, unixNano(r.LastSeen),
	)
	return domain.WrapOp("Store.UpsertRuntime", err)
}

// SetRuntimeOffline marks a runtime offline and drops its connection handle.
func (s *Store) SetRuntimeOffline(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE runtimes SET status = ?, connection_handle = '' WHERE id = ?",
		string(domain.RuntimeOffline), id)
	if err != nil {
		return domain.WrapOp("Store.SetRuntimeOffline", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewDomainError("Store.SetRuntimeOffline", domain.ErrRuntimeNotFound, id)
	}
	return nil
}

func (s *Store) TouchRuntime(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE runtimes SET last_seen = MAX(last_seen, ?) WHERE id = ?", unixNano(at), id)
	if err != nil {
		return domain.WrapOp("Store.TouchRuntime", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewDomainError("Store.TouchRuntime", domain.ErrRuntimeNotFound, id)
	}
	return nil
}

// MarkAllRuntimesOffline is run at startup: no connection survives a restart.
func (s *Store) MarkAllRuntimesOffline(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE runtimes SET status = ?, connection_handle = '' WHERE status != ?",
		string(domain.RuntimeOffline), string(domain.RuntimeOffline))
	if err != nil {
		return 0, domain.WrapOp("Store.MarkAllRuntimesOffline", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanRuntime(sc scanner) (*domain.RuntimeRecord, error) {
	var (
		r      domain.RuntimeRecord
		status string
		seen   int64
	)
	if err := sc.Scan(&r.ID, &r.Name, &status, &r.ConnectionHandle, &seen); err != nil {
		return nil, err
	}
	r.Status = domain.RuntimeStatus(status)
	r.LastSeen = fromUnixNano(seen)
	return &r, nil
}
