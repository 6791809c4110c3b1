package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver
)

var _ Store = (*SQLStore)(nil)

// Dialect captures the differences between the supported SQL engines.
type Dialect struct {
	Name       string
	Driver     string
	positional bool   // $1, $2 placeholders instead of ?
	lockClause string // row lock appended to the version lookup
}

var (
	// Postgres uses github.com/lib/pq.
	Postgres = Dialect{Name: "postgres", Driver: "postgres", positional: true, lockClause: " FOR UPDATE"}
	// SQLite uses the pure-Go modernc.org/sqlite driver.
	SQLite = Dialect{Name: "sqlite", Driver: "sqlite"}
)

// DialectByName resolves a configured dialect name.
func DialectByName(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "postgres", "postgresql":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("storage: unknown dialect %q", name)
	}
}

// rebind rewrites ? placeholders for dialects using positional parameters.
func (d Dialect) rebind(query string) string {
	if !d.positional {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

const createResourcesTable = `CREATE TABLE IF NOT EXISTS resources (
	resource_type VARCHAR(64) NOT NULL,
	id VARCHAR(128) NOT NULL,
	version BIGINT NOT NULL,
	payload TEXT NOT NULL,
	last_updated BIGINT NOT NULL,
	PRIMARY KEY (resource_type, id)
)`

// SQLStore persists resources through database/sql. Each commit runs inside
// one database transaction.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  *zap.Logger
	now     func() time.Time
	newID   func() string
}

// OpenSQL opens a database for the dialect and applies pool settings.
func OpenSQL(dialect Dialect, dsn string, logger *zap.Logger) (*SQLStore, error) {
	db, err := sql.Open(dialect.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dialect.Name == SQLite.Name {
		// SQLite has a single writer.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	return NewSQLStore(db, dialect, logger), nil
}

// NewSQLStore wraps an existing database handle.
func NewSQLStore(db *sql.DB, dialect Dialect, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{
		db:      db,
		dialect: dialect,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

// Ping verifies the database connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Migrate creates the resources table.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createResourcesTable); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

// Commit applies writes in a single database transaction. Precondition
// failures are reported per write; any other database error rolls the whole
// transaction back and is returned.
func (s *SQLStore) Commit(ctx context.Context, writes []Write) ([]WriteResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	results := make([]WriteResult, len(writes))
	for i, w := range writes {
		ref, err := s.applyTx(ctx, tx, w)
		if err != nil {
			if !IsPreconditionFailure(err) {
				return nil, fmt.Errorf("storage: write %s: %w", w.Key, err)
			}
			s.logger.Debug("write rejected",
				zap.String("resource", w.Key.String()),
				zap.Error(err))
		}
		results[i] = WriteResult{Reference: ref, Err: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("storage: commit: %w", err)
	}
	committed = true
	return results, nil
}

// Put applies a single write in its own transaction.
func (s *SQLStore) Put(ctx context.Context, w Write) (Reference, error) {
	results, err := s.Commit(ctx, []Write{w})
	if err != nil {
		return Reference{}, err
	}
	return results[0].Reference, results[0].Err
}

// Get returns the current version of a resource.
func (s *SQLStore) Get(ctx context.Context, key Key) (*Resource, error) {
	query := s.dialect.rebind(`SELECT version, payload, last_updated FROM resources WHERE resource_type = ? AND id = ?`)

	var (
		version uint64
		payload string
		updated int64
	)
	err := s.db.QueryRowContext(ctx, query, key.Type, key.ID).Scan(&version, &payload, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get %s: %w", key, err)
	}
	return &Resource{
		Reference: Reference{
			Type:        key.Type,
			ID:          key.ID,
			VersionID:   strconv.FormatUint(version, 10),
			LastUpdated: time.Unix(0, updated).UTC(),
		},
		Payload: []byte(payload),
	}, nil
}

func (s *SQLStore) applyTx(ctx context.Context, tx *sql.Tx, w Write) (Reference, error) {
	if err := w.Validate(); err != nil {
		return Reference{}, err
	}
	if w.Method == MethodCreate && w.Key.ID == "" {
		w.Key.ID = s.newID()
	}

	lookup := s.dialect.rebind(`SELECT version FROM resources WHERE resource_type = ? AND id = ?` + s.dialect.lockClause)
	var current uint64
	exists := true
	err := tx.QueryRowContext(ctx, lookup, w.Key.Type, w.Key.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return Reference{}, fmt.Errorf("lookup version: %w", err)
	}

	version, err := nextVersion(w, current, exists)
	if err != nil {
		return Reference{}, err
	}

	ref := Reference{
		Type:        w.Key.Type,
		ID:          w.Key.ID,
		VersionID:   strconv.FormatUint(version, 10),
		LastUpdated: s.now(),
	}
	payload, err := stamp(w.Payload, ref)
	if err != nil {
		return Reference{}, err
	}

	if exists {
		_, err = tx.ExecContext(ctx,
			s.dialect.rebind(`UPDATE resources SET version = ?, payload = ?, last_updated = ? WHERE resource_type = ? AND id = ?`),
			version, string(payload), ref.LastUpdated.UnixNano(), w.Key.Type, w.Key.ID)
	} else {
		_, err = tx.ExecContext(ctx,
			s.dialect.rebind(`INSERT INTO resources (resource_type, id, version, payload, last_updated) VALUES (?, ?, ?, ?, ?)`),
			w.Key.Type, w.Key.ID, version, string(payload), ref.LastUpdated.UnixNano())
	}
	if err != nil {
		return Reference{}, fmt.Errorf("persist: %w", err)
	}
	return ref, nil
}
