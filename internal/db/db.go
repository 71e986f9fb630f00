// Package db persists documents and user color preferences in SQLite.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps a sql.DB connection to the SQLite database.
type DB struct {
	conn *sql.DB
}

// PersistedDocument is the durable state of a document: its full text and
// the editor language, if one was ever set.
type PersistedDocument struct {
	Text     string
	Language *string
}

// DocumentMeta is lightweight document metadata for listing.
type DocumentMeta struct {
	ID        string  `json:"id"`
	Name      *string `json:"name"`
	Language  *string `json:"language"`
	CreatedAt int64   `json:"created_at"`
	UpdatedAt int64   `json:"updated_at"`
}

// Open creates a new DB connection and runs all pending migrations.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	goose.SetBaseFS(migrationFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(conn, "migrations"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying *sql.DB for use by other packages if needed.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

// LoadDocument returns a document's persisted state, or ErrNotFound.
func (d *DB) LoadDocument(id string) (*PersistedDocument, error) {
	doc := &PersistedDocument{}
	err := d.conn.QueryRow(
		`SELECT text, language FROM document WHERE id = ?`, id,
	).Scan(&doc.Text, &doc.Language)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load document %q: %w", id, err)
	}
	return doc, nil
}

// StoreDocument upserts a document's text and language. Name and creation
// time are preserved on existing rows.
func (d *DB) StoreDocument(id string, doc *PersistedDocument) error {
	now := time.Now().Unix()
	res, err := d.conn.Exec(
		`INSERT INTO document (id, text, language, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     text = excluded.text,
		     language = excluded.language,
		     updated_at = excluded.updated_at`,
		id, doc.Text, doc.Language, now, now,
	)
	if err != nil {
		return fmt.Errorf("store document %q: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n != 1 {
		return fmt.Errorf("store document %q: affected %d rows", id, n)
	}
	return nil
}

// CountDocuments returns the total number of persisted documents.
func (d *DB) CountDocuments() (int, error) {
	var count int
	if err := d.conn.QueryRow(`SELECT COUNT(*) FROM document`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return count, nil
}

// ListDocuments returns metadata for all non-deleted documents, most
// recently updated first.
func (d *DB) ListDocuments() ([]DocumentMeta, error) {
	rows, err := d.conn.Query(
		`SELECT id, name, language, created_at, updated_at
		 FROM document
		 WHERE deleted_at IS NULL
		 ORDER BY updated_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var metas []DocumentMeta
	for rows.Next() {
		var m DocumentMeta
		if err := rows.Scan(&m.ID, &m.Name, &m.Language, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document meta: %w", err)
		}
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// CreateDocument inserts a new empty document with an optional name.
func (d *DB) CreateDocument(id string, name *string) (*DocumentMeta, error) {
	now := time.Now().Unix()
	_, err := d.conn.Exec(
		`INSERT INTO document (id, text, name, created_at, updated_at)
		 VALUES (?, '', ?, ?, ?)`,
		id, name, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create document %q: %w", id, err)
	}
	return &DocumentMeta{ID: id, Name: name, CreatedAt: now, UpdatedAt: now}, nil
}

// GetDocumentMeta returns metadata for a non-deleted document, or
// ErrNotFound.
func (d *DB) GetDocumentMeta(id string) (*DocumentMeta, error) {
	m := &DocumentMeta{}
	err := d.conn.QueryRow(
		`SELECT id, name, language, created_at, updated_at
		 FROM document WHERE id = ? AND deleted_at IS NULL`, id,
	).Scan(&m.ID, &m.Name, &m.Language, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get document meta %q: %w", id, err)
	}
	return m, nil
}

// RenameDocument sets a non-deleted document's name, or ErrNotFound.
func (d *DB) RenameDocument(id, name string) error {
	res, err := d.conn.Exec(
		`UPDATE document SET name = ?, updated_at = ?
		 WHERE id = ? AND deleted_at IS NULL`,
		name, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("rename document %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	return nil
}

// SoftDeleteDocument marks a document deleted without dropping its row, or
// ErrNotFound if it does not exist or is already deleted.
func (d *DB) SoftDeleteDocument(id string) error {
	res, err := d.conn.Exec(
		`UPDATE document SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("soft delete document %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	return nil
}

// LoadUserColors returns every saved color preference keyed by email.
func (d *DB) LoadUserColors() (map[string]uint32, error) {
	rows, err := d.conn.Query(`SELECT email, hue FROM user_color`)
	if err != nil {
		return nil, fmt.Errorf("load user colors: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	colors := make(map[string]uint32)
	for rows.Next() {
		var email string
		var hue int64
		if err := rows.Scan(&email, &hue); err != nil {
			return nil, fmt.Errorf("scan user color: %w", err)
		}
		colors[email] = uint32(hue)
	}
	return colors, rows.Err()
}

// SaveUserColor upserts a color preference for an email.
func (d *DB) SaveUserColor(email string, hue uint32) error {
	_, err := d.conn.Exec(
		`INSERT INTO user_color (email, hue, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(email) DO UPDATE SET
		     hue = excluded.hue,
		     updated_at = excluded.updated_at`,
		email, int64(hue), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save user color %q: %w", email, err)
	}
	return nil
}

// Size returns the database file size in bytes, computed from the page
// count and page size pragmas.
func (d *DB) Size() (int64, error) {
	var pageCount, pageSize int64
	if err := d.conn.QueryRow(`PRAGMA page_count`).Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("read page_count: %w", err)
	}
	if err := d.conn.QueryRow(`PRAGMA page_size`).Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("read page_size: %w", err)
	}
	return pageCount * pageSize, nil
}
