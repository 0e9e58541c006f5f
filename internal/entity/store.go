// Package entity provides the generic persistent object repository every
// other component stores its records in. Records are addressed by a stable
// id, optionally by a per-type unique alias, and can be linked through named
// ordered relations.
package entity

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

var (
	ErrNotFound            = errors.New("entity not found")
	ErrDuplicateAlias      = errors.New("alias already in use")
	ErrConstraintViolation = errors.New("relation constraint violation")
)

// Order selects the direction of paginated listings.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// Record is one stored entity. Fields holds the type-specific payload as a
// JSON-compatible map; callers own its schema.
type Record struct {
	ID        string
	Type      string
	Alias     string
	Fields    map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store wraps the SQLite database backing the entity repository.
type Store struct {
	DB *sql.DB
}

// Open opens (creating if needed) the SQLite database under stateDir and
// runs pending migrations.
func Open(ctx context.Context, stateDir string) (*Store, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure state dir: %w", err)
	}
	dbPath := filepath.Join(stateDir, "db.sqlite")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows only one writer. Keep a single connection so WAL and
	// busy_timeout apply consistently and writes are serialized in-process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	timeout := int((3 * time.Second) / time.Millisecond)
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", timeout)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.DB.Close()
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	type mig struct {
		Version string
		SQL     string
	}
	entries := []mig{
		{Version: "0001_init", SQL: mustReadMigration("migrations/0001_init.sql")},
	}
	for _, entry := range entries {
		applied, err := isMigrationApplied(ctx, db, entry.Version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if _, err := db.ExecContext(ctx, entry.SQL); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Version, err)
		}
		if _, err := db.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)`,
			entry.Version, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Version, err)
		}
	}
	return nil
}

func isMigrationApplied(ctx context.Context, db *sql.DB, version string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations WHERE version = ?`, version).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return count > 0, nil
}

func mustReadMigration(path string) string {
	data, err := migrations.ReadFile(path)
	if err != nil {
		panic(fmt.Sprintf("read migration %s: %v", path, err))
	}
	return string(data)
}

// Create inserts a new record of the given type. alias may be empty; a
// non-empty alias must be unique within the type.
func (s *Store) Create(ctx context.Context, id, typ, alias string, fields map[string]any) (*Record, error) {
	if alias != "" {
		var count int
		if err := s.DB.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM entities WHERE type = ? AND alias = ?`, typ, alias).Scan(&count); err != nil {
			return nil, fmt.Errorf("check alias: %w", err)
		}
		if count > 0 {
			return nil, fmt.Errorf("%w: %s/%s", ErrDuplicateAlias, typ, alias)
		}
	}
	payload, err := encodeFields(fields)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO entities (id, type, alias, fields, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, typ, nullableString(alias), payload,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert entity: %w", err)
	}
	return &Record{ID: id, Type: typ, Alias: alias, Fields: fields, CreatedAt: now, UpdatedAt: now}, nil
}

// Get loads a record by primary id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, type, alias, fields, created_at, updated_at
		FROM entities WHERE id = ?
	`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return rec, nil
}

// GetByAlias loads a record by its per-type alias.
func (s *Store) GetByAlias(ctx context.Context, typ, alias string) (*Record, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, type, alias, fields, created_at, updated_at
		FROM entities WHERE type = ? AND alias = ?
	`, typ, alias)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, typ, alias)
		}
		return nil, err
	}
	return rec, nil
}

// Resolve looks a record up by primary id first, then by alias within the
// given type.
func (s *Store) Resolve(ctx context.Context, typ, idOrAlias string) (*Record, error) {
	rec, err := s.Get(ctx, idOrAlias)
	if err == nil {
		if rec.Type != typ {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, typ, idOrAlias)
		}
		return rec, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return s.GetByAlias(ctx, typ, idOrAlias)
}

// Update merges the given fields into the record's payload. Keys mapped to
// nil are removed.
func (s *Store) Update(ctx context.Context, id string, fields map[string]any) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	merged := rec.Fields
	if merged == nil {
		merged = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	payload, err := encodeFields(merged)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE entities SET fields = ?, updated_at = ? WHERE id = ?
	`, payload, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update entity: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update entity rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Delete removes a record. A record still referenced by any relation is not
// deleted; the caller must unrelate it first.
func (s *Store) Delete(ctx context.Context, id string) error {
	var refs int
	if err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM relations WHERE from_id = ? OR to_id = ?`, id, id).Scan(&refs); err != nil {
		return fmt.Errorf("check references: %w", err)
	}
	if refs > 0 {
		return fmt.Errorf("%w: %s is referenced by %d relation(s)", ErrConstraintViolation, id, refs)
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete entity: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// List returns a page of records of the given type ordered by creation time.
func (s *Store) List(ctx context.Context, typ string, from, count int, order Order) ([]*Record, error) {
	if count <= 0 {
		count = 20
	}
	if from < 0 {
		from = 0
	}
	dir := "ASC"
	if order == OrderDesc {
		dir = "DESC"
	}
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, type, alias, fields, created_at, updated_at
		FROM entities
		WHERE type = ?
		ORDER BY created_at %s, id %s
		LIMIT ? OFFSET ?
	`, dir, dir), typ, count, from)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// FindByPrefix returns all records of a type whose id or alias starts with
// the given prefix. Used for unambiguous partial-identifier resolution.
func (s *Store) FindByPrefix(ctx context.Context, typ, prefix string) ([]*Record, error) {
	pattern := escapeLike(prefix) + "%"
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, type, alias, fields, created_at, updated_at
		FROM entities
		WHERE type = ? AND (id LIKE ? ESCAPE '\' OR alias LIKE ? ESCAPE '\')
		ORDER BY created_at ASC, id ASC
	`, typ, pattern, pattern)
	if err != nil {
		return nil, fmt.Errorf("find by prefix: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// Relate links fromID to toID under a named relation. position orders the
// members of a one-to-many relation.
func (s *Store) Relate(ctx context.Context, name, fromID, toID string, position int) error {
	for _, id := range []string{fromID, toID} {
		if _, err := s.Get(ctx, id); err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%w: relate %s: %v", ErrConstraintViolation, name, err)
			}
			return err
		}
	}
	var count int
	if err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM relations WHERE name = ? AND from_id = ? AND to_id = ?`,
		name, fromID, toID).Scan(&count); err != nil {
		return fmt.Errorf("check relation: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("%w: relation %s %s->%s already exists", ErrConstraintViolation, name, fromID, toID)
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO relations (name, from_id, to_id, position, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, name, fromID, toID, position, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert relation: %w", err)
	}
	return nil
}

// Unrelate removes a single relation edge.
func (s *Store) Unrelate(ctx context.Context, name, fromID, toID string) error {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM relations WHERE name = ? AND from_id = ? AND to_id = ?`, name, fromID, toID)
	if err != nil {
		return fmt.Errorf("delete relation: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: relation %s %s->%s", ErrNotFound, name, fromID, toID)
	}
	return nil
}

// RelatedPage returns a page of the records linked from fromID under the
// named relation, ordered by position.
func (s *Store) RelatedPage(ctx context.Context, name, fromID string, from, count int, order Order) ([]*Record, error) {
	if count <= 0 {
		count = 20
	}
	if from < 0 {
		from = 0
	}
	dir := "ASC"
	if order == OrderDesc {
		dir = "DESC"
	}
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT e.id, e.type, e.alias, e.fields, e.created_at, e.updated_at
		FROM relations r
		JOIN entities e ON e.id = r.to_id
		WHERE r.name = ? AND r.from_id = ?
		ORDER BY r.position %s
		LIMIT ? OFFSET ?
	`, dir), name, fromID, count, from)
	if err != nil {
		return nil, fmt.Errorf("page related: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// RelatedFrom returns the records that link to toID under the named
// relation (the reverse direction of Related).
func (s *Store) RelatedFrom(ctx context.Context, name, toID string) ([]*Record, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT e.id, e.type, e.alias, e.fields, e.created_at, e.updated_at
		FROM relations r
		JOIN entities e ON e.id = r.from_id
		WHERE r.name = ? AND r.to_id = ?
		ORDER BY r.position ASC
	`, name, toID)
	if err != nil {
		return nil, fmt.Errorf("list referrers: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// Related returns the records linked from fromID under the named relation,
// ordered by position.
func (s *Store) Related(ctx context.Context, name, fromID string) ([]*Record, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT e.id, e.type, e.alias, e.fields, e.created_at, e.updated_at
		FROM relations r
		JOIN entities e ON e.id = r.to_id
		WHERE r.name = ? AND r.from_id = ?
		ORDER BY r.position ASC
	`, name, fromID)
	if err != nil {
		return nil, fmt.Errorf("list related: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func collectRecords(rows *sql.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanRecord(scanner interface {
	Scan(dest ...any) error
}) (*Record, error) {
	var (
		id        string
		typ       string
		alias     sql.NullString
		payload   string
		createdAt string
		updatedAt string
	)
	if err := scanner.Scan(&id, &typ, &alias, &payload, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	fields, err := decodeFields(payload)
	if err != nil {
		return nil, fmt.Errorf("decode fields for %s: %w", id, err)
	}
	rec := &Record{
		ID:     id,
		Type:   typ,
		Fields: fields,
	}
	if alias.Valid {
		rec.Alias = alias.String
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		rec.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		rec.UpdatedAt = t
	}
	return rec, nil
}

func encodeFields(fields map[string]any) (string, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode fields: %w", err)
	}
	return string(data), nil
}

func decodeFields(payload string) (map[string]any, error) {
	if payload == "" {
		return map[string]any{}, nil
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
