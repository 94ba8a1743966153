// pkg/storage/sql.go
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite
)

// Driver selects the SQL backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// SQLStore persists launch data in a relational database. Suitable for
// multi-instance deployments that already run Postgres; sqlite is for
// single-node and tests.
type SQLStore struct {
	db     *sql.DB
	driver Driver
	now    func() time.Time

	// writes since the last purge of expired rows
	writes atomic.Uint64
}

const purgeEvery = 256

// NewSQLStore opens the database and ensures the schema exists.
func NewSQLStore(ctx context.Context, driver Driver, dsn string) (*SQLStore, error) {
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite"
		if dsn == "" {
			dsn = "file:ltitool.db?cache=shared&mode=rwc&_pragma=busy_timeout(5000)"
		}
	case DriverPostgres:
		drvName = "pgx"
		if dsn == "" {
			return nil, errors.New("storage: postgres DSN required")
		}
	default:
		return nil, fmt.Errorf("storage: unsupported driver: %s", driver)
	}

	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schemaLaunchData); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ensure schema: %w", err)
	}
	return &SQLStore{
		db:     db,
		driver: driver,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

const schemaLaunchData = `
CREATE TABLE IF NOT EXISTS lti_launch_data (
  key        TEXT PRIMARY KEY,
  value      TEXT NOT NULL,
  expires_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS lti_launch_data_expiry ON lti_launch_data (expires_at);
`

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) put(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	expires := s.now().Add(ttl).Unix()
	_, err = s.db.ExecContext(ctx, s.rebind(`
INSERT INTO lti_launch_data (key, value, expires_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`),
		key, string(data), expires)
	if err != nil {
		return fmt.Errorf("storage: sql put: %w", err)
	}
	if s.writes.Add(1)%purgeEvery == 0 {
		_, _ = s.db.ExecContext(ctx,
			s.rebind(`DELETE FROM lti_launch_data WHERE expires_at <= ?`), s.now().Unix())
	}
	return nil
}

func (s *SQLStore) get(ctx context.Context, key string) ([]byte, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.rebind(`
SELECT value FROM lti_launch_data WHERE key = ? AND expires_at > ?`),
		key, s.now().Unix()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: sql get: %w", err)
	}
	return []byte(value), nil
}

func (s *SQLStore) PutLogin(ctx context.Context, login *PendingLogin, ttl time.Duration) error {
	return s.put(ctx, loginKeyPrefix+login.State, login, ttl)
}

func (s *SQLStore) ConsumeLogin(ctx context.Context, state string) (*PendingLogin, error) {
	// Single-statement delete-returning keeps check-and-consume atomic
	// without a transaction; sqlite (>=3.35) and postgres both support it.
	var value string
	err := s.db.QueryRowContext(ctx, s.rebind(`
DELETE FROM lti_launch_data WHERE key = ? AND expires_at > ? RETURNING value`),
		loginKeyPrefix+state, s.now().Unix()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: sql consume: %w", err)
	}
	var login PendingLogin
	if err := json.Unmarshal([]byte(value), &login); err != nil {
		return nil, err
	}
	return &login, nil
}

func (s *SQLStore) PutLaunch(ctx context.Context, rec *LaunchRecord, ttl time.Duration) error {
	return s.put(ctx, launchKeyPrefix+rec.ID, rec, ttl)
}

func (s *SQLStore) GetLaunch(ctx context.Context, id string) (*LaunchRecord, error) {
	data, err := s.get(ctx, launchKeyPrefix+id)
	if err != nil {
		return nil, err
	}
	var rec LaunchRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) Close() error { return s.db.Close() }
