package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists patient memory in PostgreSQL and ranks it with
// full-text search.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS patient_memories (
			id TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			update_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_patient_memories_scope_created ON patient_memories (scope, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_patient_memories_fts ON patient_memories USING GIN (to_tsvector('english', content));`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, scope string, turns []Turn) (string, error) {
	scope = strings.ToUpper(strings.TrimSpace(scope))
	items := extract(scope, turns, time.Now().UTC())
	if len(items) == 0 {
		return "", nil
	}
	updateID := uuid.NewString()

	batch := &pgx.Batch{}
	for _, m := range items {
		batch.Queue(
			`INSERT INTO patient_memories (id, scope, kind, content, update_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			m.ID, m.Scope, string(m.Kind), m.Content, updateID, m.CreatedAt,
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return "", fmt.Errorf("save memories: %w", err)
	}
	return updateID, nil
}

func (s *PostgresStore) Search(ctx context.Context, scope, query string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, scope, kind, content, created_at,
			ts_rank(to_tsvector('english', content), plainto_tsquery('english', $2)) AS score
		 FROM patient_memories WHERE scope=$1
		 ORDER BY score DESC, (kind = 'user_profile') DESC, created_at DESC LIMIT $3`,
		strings.ToUpper(strings.TrimSpace(scope)),
		query,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()

	items := make([]Memory, 0, limit)
	for rows.Next() {
		var (
			m     Memory
			kind  string
			score float32
		)
		if err := rows.Scan(&m.ID, &m.Scope, &kind, &m.Content, &m.CreatedAt, &score); err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		m.Kind = Kind(kind)
		m.Score = float64(score)
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
