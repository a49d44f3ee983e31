// Package sqlstore implements store.Store on top of database/sql.
// SQLite (modernc.org/sqlite) suits single-node deployments that want durability without
// running Redis; PostgreSQL (lib/pq) lets several gateway nodes share one database.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/blueberrycongee/clinigate/pkg/store"
)

// Dialect captures the SQL differences between supported databases.
type Dialect struct {
	Name       string
	DriverName string
	BlobType   string
	Greatest   string
	numbered   func(n int) string
}

var (
	// SQLite uses ?NNN placeholders so a parameter can be referenced more than once.
	SQLite = Dialect{
		Name:       "sqlite",
		DriverName: "sqlite",
		BlobType:   "BLOB",
		Greatest:   "MAX",
		numbered:   func(n int) string { return fmt.Sprintf("?%d", n) },
	}

	// Postgres uses $N placeholders.
	Postgres = Dialect{
		Name:       "postgres",
		DriverName: "postgres",
		BlobType:   "BYTEA",
		Greatest:   "GREATEST",
		numbered:   func(n int) string { return fmt.Sprintf("$%d", n) },
	}
)

// DialectByName resolves "sqlite" or "postgres".
func DialectByName(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql":
		return Postgres, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported sql dialect: %s", name)
	}
}

// Config holds configuration for the SQL store.
type Config struct {
	Dialect         string        `yaml:"dialect"`          // sqlite or postgres
	DSN             string        `yaml:"dsn"`              // file path or connection string
	Table           string        `yaml:"table"`            // default: governance_kv
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // expired-row purge interval, 0 disables
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Dialect:         "sqlite",
		DSN:             "clinigate.db",
		Table:           "governance_kv",
		CleanupInterval: 5 * time.Minute,
	}
}

// Store implements store.Store with a single key/value table.
// Rows carry either a blob value or an integer counter, plus an absolute expiry
// in Unix nanoseconds (0 means no expiry).
type Store struct {
	db      *sql.DB
	dialect Dialect
	table   string
	now     func() time.Time

	queries queries

	stopCleanup chan struct{}
	closeOnce   sync.Once
}

type queries struct {
	get       string
	put       string
	forget    string
	increment string
	keys      string
	purge     string
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open connects to the configured database, creates the table and starts the purge loop.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	dialect, err := DialectByName(cfg.Dialect)
	if err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, errors.New("sqlstore: dsn is required")
	}

	db, err := sql.Open(dialect.DriverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect.Name, err)
	}
	if dialect.Name == SQLite.Name {
		// SQLite allows one writer; serialising through a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	s := NewFromDB(db, dialect, cfg.Table, opts...)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if cfg.CleanupInterval > 0 {
		go s.cleanupLoop(cfg.CleanupInterval)
	}
	return s, nil
}

// NewFromDB wraps an existing handle without running migrations.
func NewFromDB(db *sql.DB, dialect Dialect, table string, opts ...Option) *Store {
	if table == "" {
		table = "governance_kv"
	}
	s := &Store{
		db:          db,
		dialect:     dialect,
		table:       table,
		now:         time.Now,
		stopCleanup: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.queries = buildQueries(dialect, table)
	return s
}

func buildQueries(d Dialect, table string) queries {
	p := d.numbered
	return queries{
		get: fmt.Sprintf(`SELECT value, counter, expires_at FROM %s WHERE key = %s`, table, p(1)),
		put: fmt.Sprintf(`INSERT INTO %[1]s (key, value, counter, expires_at) VALUES (%[2]s, %[3]s, NULL, %[4]s)
ON CONFLICT (key) DO UPDATE SET value = excluded.value, counter = NULL, expires_at = excluded.expires_at`,
			table, p(1), p(2), p(3)),
		forget: fmt.Sprintf(`DELETE FROM %s WHERE key = %s`, table, p(1)),
		// p(1)=key p(2)=delta p(3)=initial p(4)=expires_at for a new row p(5)=now
		increment: fmt.Sprintf(`INSERT INTO %[1]s (key, value, counter, expires_at) VALUES (%[2]s, NULL, %[4]s, %[5]s)
ON CONFLICT (key) DO UPDATE SET
	counter = CASE WHEN %[1]s.expires_at <> 0 AND %[1]s.expires_at <= %[6]s THEN %[4]s
		ELSE %[7]s(COALESCE(%[1]s.counter, 0) + %[3]s, 0) END,
	value = NULL,
	expires_at = CASE WHEN %[1]s.expires_at <> 0 AND %[1]s.expires_at <= %[6]s THEN excluded.expires_at
		ELSE %[1]s.expires_at END
RETURNING counter`,
			table, p(1), p(2), p(3), p(4), p(5), d.Greatest),
		keys: fmt.Sprintf(`SELECT key FROM %s WHERE key LIKE %s ESCAPE '\' AND (expires_at = 0 OR expires_at > %s)`,
			table, p(1), p(2)),
		purge: fmt.Sprintf(`DELETE FROM %s WHERE expires_at <> 0 AND expires_at <= %s`, table, p(1)),
	}
}

// Migrate creates the key/value table when missing.
func (s *Store) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	key TEXT PRIMARY KEY,
	value %s,
	counter BIGINT,
	expires_at BIGINT NOT NULL DEFAULT 0
)`, s.table, s.dialect.BlobType)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("migrate %s: %w", s.table, err)
	}
	return nil
}

func (s *Store) expiresAt(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.now().Add(ttl).UnixNano()
}

// Get retrieves a value. Counters are returned in their decimal form.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var (
		value     []byte
		counter   sql.NullInt64
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, s.queries.get, key).Scan(&value, &counter, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sql get: %w", err)
	}
	if expiresAt != 0 && expiresAt <= s.now().UnixNano() {
		return nil, nil
	}
	if counter.Valid {
		return store.FormatInt(counter.Int64), nil
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

// Put upserts a value.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if value == nil {
		value = []byte{}
	}
	if _, err := s.db.ExecContext(ctx, s.queries.put, key, value, s.expiresAt(ttl)); err != nil {
		return fmt.Errorf("sql put: %w", err)
	}
	return nil
}

// Forget deletes a key.
func (s *Store) Forget(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.queries.forget, key); err != nil {
		return fmt.Errorf("sql forget: %w", err)
	}
	return nil
}

// IncrementWithTTL performs the read-modify-write as one upsert statement, so concurrent
// callers are serialised by the database row lock.
func (s *Store) IncrementWithTTL(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	initial := delta
	if initial < 0 {
		initial = 0
	}
	var next int64
	err := s.db.QueryRowContext(ctx, s.queries.increment,
		key, delta, initial, s.expiresAt(ttl), s.now().UnixNano(),
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("sql increment: %w", err)
	}
	return next, nil
}

// KeysMatching translates the glob pattern to LIKE.
func (s *Store) KeysMatching(ctx context.Context, pattern string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.queries.keys, globToLike(pattern), s.now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("sql keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("sql keys scan: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// PurgeExpired deletes rows whose expiry has passed and returns how many were removed.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.queries.purge, s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sql purge: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			_, _ = s.PurgeExpired(ctx)
			cancel()
		case <-s.stopCleanup:
			return
		}
	}
}

// DBStats reports connection pool statistics.
func (s *Store) DBStats() sql.DBStats {
	return s.db.Stats()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close stops the purge loop and closes the database handle.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		err = s.db.Close()
	})
	return err
}

func globToLike(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteByte('%')
		case '?':
			b.WriteByte('_')
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
