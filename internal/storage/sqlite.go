package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/hyperjump/paperscope/internal/models"
	"github.com/hyperjump/paperscope/pkg/utils"
)

const (
	defaultCacheSize   = 1024
	defaultBusyTimeout = 5 * time.Second
	batchGetChunk      = 500
	recordColumns      = `id, paper_id, section_name, title, abstract, text_content, authors, source_url, image, created_at, updated_at`
)

// SQLiteStore implements MetadataStore using SQLite in WAL mode with synchronous=FULL,
// so a committed Put survives a crash. Reads go through an LRU cache that is
// invalidated only after the write has committed. A read fills the cache only if no
// write was invalidated while its query ran.
type SQLiteStore struct {
	db            *sql.DB
	path          string
	cache         *utils.LRU[*models.Record]
	cacheMu       sync.Mutex
	writeSeq      uint64
	cacheSize     int
	busyTimeout   time.Duration
	retryAttempts int
	retryBase     time.Duration
	logger        *zap.Logger
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithLogger sets the logger used for retries and warnings.
func WithLogger(l *zap.Logger) Option {
	return func(s *SQLiteStore) { s.logger = l }
}

// WithCacheSize sets the read cache capacity. Zero disables the cache.
func WithCacheSize(n int) Option {
	return func(s *SQLiteStore) { s.cacheSize = n }
}

// WithRetry sets how often transient lock errors are retried and the first backoff delay.
func WithRetry(attempts int, base time.Duration) Option {
	return func(s *SQLiteStore) {
		if attempts > 0 {
			s.retryAttempts = attempts
		}
		if base > 0 {
			s.retryBase = base
		}
	}
}

// WithBusyTimeout sets how long SQLite itself waits on a locked database.
func WithBusyTimeout(d time.Duration) Option {
	return func(s *SQLiteStore) { s.busyTimeout = d }
}

// NewSQLiteStore opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist. ":memory:" opens a private
// in-memory database.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	s := &SQLiteStore{
		path:          dbPath,
		cacheSize:     defaultCacheSize,
		busyTimeout:   defaultBusyTimeout,
		retryAttempts: defaultRetryAttempts,
		retryBase:     defaultRetryBase,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	memory := dbPath == ":memory:"
	dsn := dbPath
	if !memory {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=%d",
			dbPath, s.busyTimeout.Milliseconds())
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	s.db = db
	s.cache = utils.NewLRU[*models.Record](s.cacheSize)
	return s, nil
}

// cacheSeq returns the write sequence a read must capture before querying.
func (s *SQLiteStore) cacheSeq() uint64 {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return s.writeSeq
}

// fillCache caches records read under seq unless a write invalidated entries since.
func (s *SQLiteStore) fillCache(seq uint64, recs ...*models.Record) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.writeSeq != seq {
		return
	}
	for _, rec := range recs {
		s.cache.Set(rec.ID, rec.Clone())
	}
}

func (s *SQLiteStore) invalidate(id string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.writeSeq++
	s.cache.Delete(id)
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		paper_id TEXT NOT NULL,
		section_name TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		abstract TEXT NOT NULL DEFAULT '',
		text_content TEXT NOT NULL DEFAULT '',
		authors TEXT NOT NULL DEFAULT '[]',
		source_url TEXT NOT NULL DEFAULT '',
		image TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_records_paper_id ON records(paper_id);
	`
	_, err := db.Exec(schema)
	return err
}

// Path returns the database path.
func (s *SQLiteStore) Path() string {
	return s.path
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.Record, error) {
	var rec models.Record
	var authorsJSON string
	var imageJSON sql.NullString
	if err := row.Scan(&rec.ID, &rec.PaperID, &rec.SectionName, &rec.Title, &rec.Abstract,
		&rec.TextContent, &authorsJSON, &rec.SourceURL, &imageJSON, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if authorsJSON != "" {
		if err := json.Unmarshal([]byte(authorsJSON), &rec.Authors); err != nil {
			return nil, fmt.Errorf("failed to unmarshal authors of %s: %w", rec.ID, err)
		}
	}
	if imageJSON.Valid && imageJSON.String != "" {
		var img models.ImageDescriptor
		if err := json.Unmarshal([]byte(imageJSON.String), &img); err != nil {
			return nil, fmt.Errorf("failed to unmarshal image of %s: %w", rec.ID, err)
		}
		rec.Image = &img
	}
	return &rec, nil
}

func getRecord(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, id string) (*models.Record, error) {
	rec, err := scanRecord(q.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, models.ErrNotFound)
	}
	return rec, err
}

// Put upserts rec. created_at is kept across overwrites; updated_at is refreshed.
func (s *SQLiteStore) Put(ctx context.Context, rec *models.Record) (*models.Record, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	authorsJSON, err := json.Marshal(rec.Authors)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal authors: %w", err)
	}
	if rec.Authors == nil {
		authorsJSON = []byte("[]")
	}
	var imageJSON sql.NullString
	if rec.Image != nil {
		b, err := json.Marshal(rec.Image)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal image: %w", err)
		}
		imageJSON = sql.NullString{String: string(b), Valid: true}
	}

	var prev *models.Record
	err = s.withRetry(ctx, "put", func() error {
		prev = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		old, err := getRecord(ctx, tx, rec.ID)
		switch {
		case err == nil:
			prev = old
		case !errors.Is(err, models.ErrNotFound):
			return err
		}

		now := time.Now().UTC()
		createdAt := now
		if prev != nil {
			createdAt = prev.CreatedAt
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO records (`+recordColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				paper_id = excluded.paper_id,
				section_name = excluded.section_name,
				title = excluded.title,
				abstract = excluded.abstract,
				text_content = excluded.text_content,
				authors = excluded.authors,
				source_url = excluded.source_url,
				image = excluded.image,
				updated_at = excluded.updated_at`,
			rec.ID, rec.PaperID, rec.SectionName, rec.Title, rec.Abstract, rec.TextContent,
			string(authorsJSON), rec.SourceURL, imageJSON, createdAt, now,
		); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		rec.CreatedAt = createdAt
		rec.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, models.NewStorageError("put", err)
	}
	s.invalidate(rec.ID)
	return prev, nil
}

// Get returns a copy of the record for id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Record, error) {
	if rec, ok := s.cache.Get(id); ok {
		return rec.Clone(), nil
	}
	seq := s.cacheSeq()
	var rec *models.Record
	err := s.withRetry(ctx, "get", func() error {
		var err error
		rec, err = getRecord(ctx, s.db, id)
		return err
	})
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		return nil, models.NewStorageError("get", err)
	}
	s.fillCache(seq, rec)
	return rec, nil
}

// BatchGet fetches ids in chunks; cached records are served without a query.
func (s *SQLiteStore) BatchGet(ctx context.Context, ids []string) (map[string]*models.Record, error) {
	out := make(map[string]*models.Record, len(ids))
	var missing []string
	for _, id := range ids {
		if _, dup := out[id]; dup {
			continue
		}
		if rec, ok := s.cache.Get(id); ok {
			out[id] = rec.Clone()
			continue
		}
		missing = append(missing, id)
	}

	seq := s.cacheSeq()
	fetched := make([]*models.Record, 0, len(missing))
	for start := 0; start < len(missing); start += batchGetChunk {
		end := start + batchGetChunk
		if end > len(missing) {
			end = len(missing)
		}
		chunk := missing[start:end]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		query := `SELECT ` + recordColumns + ` FROM records WHERE id IN (?` +
			strings.Repeat(", ?", len(chunk)-1) + `)`

		err := s.withRetry(ctx, "batch_get", func() error {
			rows, err := s.db.QueryContext(ctx, query, args...)
			if err != nil {
				return err
			}
			defer rows.Close()
			for rows.Next() {
				rec, err := scanRecord(rows)
				if err != nil {
					return err
				}
				out[rec.ID] = rec
				fetched = append(fetched, rec)
			}
			return rows.Err()
		})
		if err != nil {
			return nil, models.NewStorageError("batch_get", err)
		}
	}
	s.fillCache(seq, fetched...)
	return out, nil
}

// Delete removes a record by ID.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	var affected int64
	err := s.withRetry(ctx, "delete", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return models.NewStorageError("delete", err)
	}
	s.invalidate(id)
	if affected == 0 {
		return fmt.Errorf("record %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// ListIDs returns identifiers ordered ascending with offset and limit.
// A non-positive limit returns everything after offset.
func (s *SQLiteStore) ListIDs(ctx context.Context, offset, limit int) ([]string, error) {
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}
	return s.queryIDs(ctx, "list_ids", `SELECT id FROM records ORDER BY id LIMIT ? OFFSET ?`, limit, offset)
}

// ListPaperIDs returns distinct paper ids ordered ascending with offset and limit.
// A non-positive limit returns everything after offset.
func (s *SQLiteStore) ListPaperIDs(ctx context.Context, offset, limit int) ([]string, error) {
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}
	return s.queryIDs(ctx, "list_paper_ids",
		`SELECT DISTINCT paper_id FROM records ORDER BY paper_id LIMIT ? OFFSET ?`, limit, offset)
}

// ByPaper returns the sections of one paper. The read cache is bypassed.
func (s *SQLiteStore) ByPaper(ctx context.Context, paperID string) ([]*models.Record, error) {
	var recs []*models.Record
	err := s.withRetry(ctx, "by_paper", func() error {
		recs = recs[:0]
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+recordColumns+` FROM records WHERE paper_id = ? ORDER BY section_name, id`, paperID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, models.NewStorageError("by_paper", err)
	}
	return recs, nil
}

// AllIDs returns every identifier ordered ascending.
func (s *SQLiteStore) AllIDs(ctx context.Context) ([]string, error) {
	return s.queryIDs(ctx, "all_ids", `SELECT id FROM records ORDER BY id`)
}

func (s *SQLiteStore) queryIDs(ctx context.Context, op, query string, args ...any) ([]string, error) {
	var ids []string
	err := s.withRetry(ctx, op, func() error {
		ids = ids[:0]
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, models.NewStorageError(op, err)
	}
	return ids, nil
}

// Scan streams every record in identifier order. An error returned by fn stops the
// scan and is returned unchanged. fn must not call back into the store.
func (s *SQLiteStore) Scan(ctx context.Context, fn func(*models.Record) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM records ORDER BY id`)
	if err != nil {
		return models.NewStorageError("scan", err)
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return models.NewStorageError("scan", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return models.NewStorageError("scan", err)
	}
	return nil
}

// Count returns the total number of records.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.withRetry(ctx, "count", func() error {
		return s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&count)
	})
	if err != nil {
		return 0, models.NewStorageError("count", err)
	}
	return count, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
