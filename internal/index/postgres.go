// Package index persists accepted pages for the downstream search index.
// The crawler only writes here; querying and ranking live elsewhere.
package index

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/searchstack/crawler/internal/crawler"
)

// DB is the subset of pgxpool.Pool the indexer needs. pgxmock satisfies it in
// tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresIndexer writes accepted pages into the pages table.
//
// Assumed schema:
//
//	CREATE TABLE pages (
//	    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
//	    session_id TEXT NOT NULL,
//	    url TEXT NOT NULL,
//	    title TEXT,
//	    description TEXT,
//	    content TEXT,
//	    word_count INT NOT NULL DEFAULT 0,
//	    fingerprint BIGINT,
//	    published_at TIMESTAMPTZ,
//	    raw_storage_ref TEXT,
//	    media JSONB,
//	    fetched_at TIMESTAMPTZ NOT NULL,
//	    created_at TIMESTAMPTZ DEFAULT NOW()
//	);
type PostgresIndexer struct {
	db     DB
	logger *zap.Logger
}

// NewPostgres connects a pool for dsn and verifies it with a ping.
func NewPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresIndexer, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgresWithDB(pool, logger), nil
}

// NewPostgresWithDB wraps an existing connection (or mock).
func NewPostgresWithDB(db DB, logger *zap.Logger) *PostgresIndexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresIndexer{db: db, logger: logger}
}

const insertPageSQL = `
INSERT INTO pages (session_id, url, title, description, content, word_count,
                   fingerprint, published_at, raw_storage_ref, media, fetched_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING id
`

// IndexPage implements crawler.Indexer.
func (p *PostgresIndexer) IndexPage(ctx context.Context, sessionID string, page crawler.PageResult) error {
	media, err := json.Marshal(struct {
		Headings []string           `json:"headings,omitempty"`
		Images   []crawler.ImageRef `json:"images,omitempty"`
		Videos   []crawler.VideoRef `json:"videos,omitempty"`
	}{
		Headings: page.Headings,
		Images:   page.Images,
		Videos:   page.Videos,
	})
	if err != nil {
		return fmt.Errorf("marshal media: %w", err)
	}

	var id string
	err = p.db.QueryRow(ctx, insertPageSQL,
		sessionID,
		page.URL,
		page.Title,
		page.Description,
		page.Content,
		page.WordCount,
		int64(page.Fingerprint),
		page.PublishedAt,
		page.RawStorageRef,
		media,
		page.FetchedAt,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("insert page: %w", err)
	}
	p.logger.Debug("page indexed",
		zap.String("session_id", sessionID),
		zap.String("url", page.URL),
		zap.String("page_id", id))
	return nil
}

// Close releases the connection pool.
func (p *PostgresIndexer) Close() {
	p.db.Close()
}
