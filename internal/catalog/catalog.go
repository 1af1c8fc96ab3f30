// Package catalog keeps a SQLite ledger of ingested documents for
// collection statistics.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Document is one ingested source file.
type Document struct {
	Path       string    `json:"path"`
	Filename   string    `json:"filename"`
	FileType   string    `json:"file_type"`
	Chunks     int       `json:"chunks"`
	FileSize   int64     `json:"file_size"`
	IngestedAt time.Time `json:"ingested_at"`
}

// Stats summarises the catalog.
type Stats struct {
	TotalDocuments int
	TotalChunks    int
	LastUpdated    time.Time
}

// Catalog is a SQLite-backed document ledger.
type Catalog struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the catalog at path. An empty path keeps the
// catalog in memory.
func Open(path string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	dsn := ":memory:"
	if path != "" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create catalog directory %s: %w", dir, err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open catalog: %w", err)
	}
	// one connection so :memory: stays a single database
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	c := &Catalog{db: db, logger: logger}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog migration failed: %w", err)
	}
	return c, nil
}

func (c *Catalog) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		path        TEXT PRIMARY KEY,
		filename    TEXT NOT NULL,
		file_type   TEXT,
		chunks      INTEGER NOT NULL DEFAULT 0,
		file_size   INTEGER NOT NULL DEFAULT 0,
		ingested_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_time ON documents(ingested_at);
	`
	_, err := c.db.Exec(schema)
	return err
}

// Record inserts or replaces the entry for doc.Path.
func (c *Catalog) Record(ctx context.Context, doc Document) error {
	if doc.IngestedAt.IsZero() {
		doc.IngestedAt = time.Now()
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO documents (path, filename, file_type, chunks, file_size, ingested_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
		   filename=excluded.filename, file_type=excluded.file_type, chunks=excluded.chunks,
		   file_size=excluded.file_size, ingested_at=excluded.ingested_at`,
		doc.Path, doc.Filename, doc.FileType, doc.Chunks, doc.FileSize, doc.IngestedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record %s: %w", doc.Path, err)
	}
	return nil
}

// Stats returns document and chunk totals.
func (c *Catalog) Stats(ctx context.Context) (Stats, error) {
	var (
		st   Stats
		last sql.NullInt64
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(chunks), 0), MAX(ingested_at) FROM documents`,
	).Scan(&st.TotalDocuments, &st.TotalChunks, &last)
	if err != nil {
		return Stats{}, fmt.Errorf("catalog stats: %w", err)
	}
	if last.Valid {
		st.LastUpdated = time.Unix(0, last.Int64)
	}
	return st, nil
}

// List returns up to limit documents, newest first. limit <= 0 returns all.
func (c *Catalog) List(ctx context.Context, limit int) ([]Document, error) {
	query := `SELECT path, filename, file_type, chunks, file_size, ingested_at
	          FROM documents ORDER BY ingested_at DESC, path`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var (
			d        Document
			fileType sql.NullString
			at       int64
		)
		if err := rows.Scan(&d.Path, &d.Filename, &fileType, &d.Chunks, &d.FileSize, &at); err != nil {
			return nil, err
		}
		d.FileType = fileType.String
		d.IngestedAt = time.Unix(0, at)
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// Clear removes every entry.
func (c *Catalog) Clear(ctx context.Context) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM documents`)
	if err != nil {
		return fmt.Errorf("clear catalog: %w", err)
	}
	n, _ := res.RowsAffected()
	c.logger.Info("cleared document catalog", "documents", n)
	return nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}
