// Package storage persists relay check results in SQLite and keeps a
// JSON history of probing runs.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"

	"relaycheck/internal/models"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// ErrRelayNotFound is returned when a write targets an unknown relay id.
var ErrRelayNotFound = errors.New("relay not found")

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "sqlite"),
}

// Store is the SQLite-backed relay table. A single connection is kept open
// so that concurrent writers are serialised by the pool instead of racing
// for the database lock.
type Store struct {
	db     *sql.DB
	tracer trace.Tracer
}

// Open opens (creating if needed) the database at path and applies pending
// migrations. A nil tracer uses the global provider.
func Open(ctx context.Context, path string, tracer trace.Tracer) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if tracer == nil {
		tracer = otel.Tracer("relaycheck/storage")
	}
	return &Store{db: db, tracer: tracer}, nil
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func migrateUp(db *sql.DB) error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("init migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	// m.Close would also close db, which the store keeps using.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertRelay adds url unless it is already known. It reports whether a
// new row was created.
func (s *Store) InsertRelay(ctx context.Context, url string) (bool, error) {
	var inserted bool
	attrs := append(defaultDBAttributes, attribute.String("relay_url", url))
	err := executeAndTrace(ctx, s.tracer, "sqlite.insert_relay", attrs, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO relays (url) VALUES (?)", url)
		if err != nil {
			return &PersistenceError{Op: "insert relay", Err: err}
		}
		n, err := res.RowsAffected()
		if err != nil {
			return &PersistenceError{Op: "insert relay", Err: err}
		}
		inserted = n > 0
		return nil
	})
	return inserted, err
}

// ListStale returns relays never checked or last checked before cutoff,
// ordered by id.
func (s *Store) ListStale(ctx context.Context, cutoff time.Time) ([]models.Relay, error) {
	var relays []models.Relay
	attrs := append(defaultDBAttributes, attribute.Int64("cutoff", cutoff.Unix()))
	err := executeAndTrace(ctx, s.tracer, "sqlite.list_stale_relays", attrs, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx,
			"SELECT "+relayColumns+" FROM relays WHERE last_check IS NULL OR last_check < ? ORDER BY id",
			cutoff.Unix())
		if err != nil {
			return fmt.Errorf("query stale relays: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			relay, err := scanRelay(rows)
			if err != nil {
				return err
			}
			relays = append(relays, relay)
		}
		return rows.Err()
	})
	return relays, err
}

// Relay loads a single relay by id.
func (s *Store) Relay(ctx context.Context, id int64) (models.Relay, error) {
	var relay models.Relay
	attrs := append(defaultDBAttributes, attribute.Int64("relay_id", id))
	err := executeAndTrace(ctx, s.tracer, "sqlite.get_relay", attrs, func(ctx context.Context) error {
		row := s.db.QueryRowContext(ctx, "SELECT "+relayColumns+" FROM relays WHERE id = ?", id)
		var err error
		relay, err = scanRelay(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("relay %d: %w", id, ErrRelayNotFound)
		}
		return err
	})
	if err != nil {
		return models.Relay{}, err
	}
	return relay, nil
}

// Counts returns the aggregates behind the statistics report.
func (s *Store) Counts(ctx context.Context) (models.RelayCounts, error) {
	var counts models.RelayCounts
	err := executeAndTrace(ctx, s.tracer, "sqlite.count_relays", defaultDBAttributes, func(ctx context.Context) error {
		err := s.db.QueryRowContext(ctx, `SELECT
			COUNT(*),
			COUNT(last_check),
			COALESCE(SUM(CASE WHEN reachable THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN negentropy THEN 1 ELSE 0 END), 0)
		FROM relays`).Scan(&counts.Total, &counts.Checked, &counts.Reachable, &counts.SyncSupported)
		if err != nil {
			return fmt.Errorf("count relays: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.RelayCounts{}, err
	}
	return counts, nil
}

// InfoDocuments returns the stored NIP-11 documents of reachable relays.
func (s *Store) InfoDocuments(ctx context.Context) ([]string, error) {
	var docs []string
	err := executeAndTrace(ctx, s.tracer, "sqlite.list_info_documents", defaultDBAttributes, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, "SELECT nip11 FROM relays WHERE nip11 IS NOT NULL AND reachable")
		if err != nil {
			return fmt.Errorf("query info documents: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var doc string
			if err := rows.Scan(&doc); err != nil {
				return fmt.Errorf("scan info document: %w", err)
			}
			docs = append(docs, doc)
		}
		return rows.Err()
	})
	return docs, err
}

const relayColumns = "id, url, last_check, reachable, nip11, negentropy"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRelay(row rowScanner) (models.Relay, error) {
	var (
		relay      models.Relay
		lastCheck  sql.NullInt64
		reachable  sql.NullBool
		nip11      sql.NullString
		negentropy sql.NullBool
	)
	if err := row.Scan(&relay.ID, &relay.URL, &lastCheck, &reachable, &nip11, &negentropy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Relay{}, err
		}
		return models.Relay{}, fmt.Errorf("scan relay: %w", err)
	}
	if lastCheck.Valid {
		ts := time.Unix(lastCheck.Int64, 0).UTC()
		relay.LastCheck = &ts
	}
	if reachable.Valid {
		relay.Reachable = &reachable.Bool
	}
	if nip11.Valid {
		relay.InfoDocument = &nip11.String
	}
	if negentropy.Valid {
		relay.SyncSupport = &negentropy.Bool
	}
	return relay, nil
}

// executeAndTrace wraps a database operation in a client span and records
// its error, if any.
func executeAndTrace(
	ctx context.Context,
	tracer trace.Tracer,
	spanName string,
	attributes []attribute.KeyValue,
	operation func(ctx context.Context) error,
) error {
	ctx, span := tracer.Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attributes...),
	)
	defer span.End()

	if err := operation(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}
