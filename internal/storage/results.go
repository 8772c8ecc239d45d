package storage

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// PersistenceError reports a failed write to the relay store.
type PersistenceError struct {
	Op      string
	RelayID int64
	Err     error
}

func (e *PersistenceError) Error() string {
	if e.RelayID == 0 {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s for relay %d: %v", e.Op, e.RelayID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// RecordConnection stores the connection outcome and refreshes last_check.
func (s *Store) RecordConnection(ctx context.Context, id int64, checkedAt time.Time, reachable bool) error {
	return s.update(ctx, "record connection", id,
		"UPDATE relays SET last_check = ?, reachable = ? WHERE id = ?",
		checkedAt.Unix(), reachable, id)
}

// RecordInfoDocument stores the serialized NIP-11 document. It is only
// called when a fetch succeeded, so a failed fetch keeps the previous one.
func (s *Store) RecordInfoDocument(ctx context.Context, id int64, doc []byte) error {
	return s.update(ctx, "record info document", id,
		"UPDATE relays SET nip11 = ? WHERE id = ?",
		string(doc), id)
}

// RecordSyncSupport stores whether the relay answered a negentropy probe.
func (s *Store) RecordSyncSupport(ctx context.Context, id int64, supported bool) error {
	return s.update(ctx, "record sync support", id,
		"UPDATE relays SET negentropy = ? WHERE id = ?",
		supported, id)
}

// update runs a single-row write. Each write touches its own columns, so
// no read-modify-write is needed between them.
func (s *Store) update(ctx context.Context, op string, id int64, query string, args ...any) error {
	attrs := append(defaultDBAttributes, attribute.Int64("relay_id", id), attribute.String("op", op))
	return executeAndTrace(ctx, s.tracer, "sqlite.update_relay", attrs, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return &PersistenceError{Op: op, RelayID: id, Err: err}
		}
		n, err := res.RowsAffected()
		if err != nil {
			return &PersistenceError{Op: op, RelayID: id, Err: err}
		}
		if n == 0 {
			return &PersistenceError{Op: op, RelayID: id, Err: ErrRelayNotFound}
		}
		return nil
	})
}
