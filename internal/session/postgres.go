package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps each session as a JSONB document. Summary columns are
// denormalised for listing; mutations run as SELECT ... FOR UPDATE
// transactions.
type PostgresStore struct {
	pool *pgxpool.Pool
	ttl  time.Duration
	now  func() time.Time
}

func NewPostgresStore(ctx context.Context, databaseURL string, ttl time.Duration) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &PostgresStore{
		pool: pool,
		ttl:  ttl,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS triage_sessions (
			id TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			patient_mrn TEXT NOT NULL DEFAULT '',
			patient_verified BOOLEAN NOT NULL DEFAULT FALSE,
			turn_count INTEGER NOT NULL DEFAULT 0,
			handoff_count INTEGER NOT NULL DEFAULT 0,
			document JSONB NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_triage_sessions_updated ON triage_sessions (updated_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_triage_sessions_expires ON triage_sessions (expires_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// load reads a live session inside tx, locking its row. Expired rows are
// deleted and reported as missing.
func (p *PostgresStore) load(ctx context.Context, tx pgx.Tx, id string) (*Session, error) {
	if _, err := tx.Exec(ctx, `DELETE FROM triage_sessions WHERE id=$1 AND expires_at <= $2`, id, p.now()); err != nil {
		return nil, fmt.Errorf("drop expired session: %w", err)
	}
	var doc []byte
	err := tx.QueryRow(ctx, `SELECT document FROM triage_sessions WHERE id=$1 FOR UPDATE`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(doc, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

func (p *PostgresStore) save(ctx context.Context, tx pgx.Tx, s *Session) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	sum := s.summary()
	_, err = tx.Exec(ctx,
		`INSERT INTO triage_sessions (id, created_at, updated_at, expires_at, patient_mrn, patient_verified, turn_count, handoff_count, document)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
			updated_at = EXCLUDED.updated_at,
			patient_mrn = EXCLUDED.patient_mrn,
			patient_verified = EXCLUDED.patient_verified,
			turn_count = EXCLUDED.turn_count,
			handoff_count = EXCLUDED.handoff_count,
			document = EXCLUDED.document`,
		s.ID, s.CreatedAt, s.UpdatedAt, s.ExpiresAt,
		sum.PatientMRN, sum.PatientVerified, sum.TurnCount, sum.HandoffCount, doc,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// insertFresh creates the row for id unless a concurrent writer already did.
func (p *PostgresStore) insertFresh(ctx context.Context, tx pgx.Tx, id string, now time.Time) (bool, error) {
	doc, err := json.Marshal(newSession(id, now, p.ttl))
	if err != nil {
		return false, fmt.Errorf("encode session: %w", err)
	}
	tag, err := tx.Exec(ctx,
		`INSERT INTO triage_sessions (id, created_at, updated_at, expires_at, document)
		 VALUES ($1, $2, $2, $3, $4) ON CONFLICT (id) DO NOTHING`,
		id, now, now.Add(p.ttl), doc,
	)
	if err != nil {
		return false, fmt.Errorf("create session: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// update runs fn on the session inside one transaction. When create is set a
// missing session is created first; otherwise ErrNotFound is returned.
func (p *PostgresStore) update(ctx context.Context, id string, create bool, fn func(s *Session, now time.Time)) (*Session, bool, error) {
	var (
		result  *Session
		created bool
	)
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		now := p.now()
		s, err := p.load(ctx, tx, id)
		if errors.Is(err, ErrNotFound) && create {
			if created, err = p.insertFresh(ctx, tx, id, now); err != nil {
				return err
			}
			s, err = p.load(ctx, tx, id)
		}
		if err != nil {
			return err
		}
		if fn != nil {
			fn(s, now)
			if err := p.save(ctx, tx, s); err != nil {
				return err
			}
		}
		result = s
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, created, nil
}

func (p *PostgresStore) Ensure(ctx context.Context, id string) (*Session, bool, error) {
	return p.update(ctx, id, true, nil)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	var doc []byte
	err := p.pool.QueryRow(ctx,
		`SELECT document FROM triage_sessions WHERE id=$1 AND expires_at > $2`, id, p.now(),
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(doc, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

func (p *PostgresStore) AppendTurn(ctx context.Context, id string, turn Turn) error {
	_, _, err := p.update(ctx, id, true, func(s *Session, now time.Time) { s.appendTurn(turn, now) })
	return err
}

func (p *PostgresStore) SetPatientContext(ctx context.Context, id string, patient PatientContext, verified bool) error {
	_, _, err := p.update(ctx, id, true, func(s *Session, now time.Time) { s.setPatient(patient, verified, now) })
	return err
}

func (p *PostgresStore) MarkPatientVerified(ctx context.Context, id string) error {
	_, _, err := p.update(ctx, id, false, func(s *Session, now time.Time) { s.markVerified(now) })
	return err
}

func (p *PostgresStore) SetConversationLinkage(ctx context.Context, id string, link Linkage) error {
	_, _, err := p.update(ctx, id, true, func(s *Session, now time.Time) { s.setLinkage(link, now) })
	return err
}

func (p *PostgresStore) ConversationLinkage(ctx context.Context, id string) (Linkage, error) {
	s, err := p.Get(ctx, id)
	if err != nil {
		return Linkage{}, err
	}
	return s.Linkage, nil
}

func (p *PostgresStore) RecordHandoff(ctx context.Context, id, fromAgent, toAgent string) error {
	_, _, err := p.update(ctx, id, true, func(s *Session, now time.Time) { s.recordHandoff(fromAgent, toAgent, now) })
	return err
}

func (p *PostgresStore) ListRecent(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id, created_at, updated_at, patient_mrn, patient_verified, turn_count, handoff_count
		 FROM triage_sessions WHERE expires_at > $1 ORDER BY updated_at DESC, id ASC LIMIT $2`,
		p.now(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]Summary, 0, limit)
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.SessionID, &s.CreatedAt, &s.UpdatedAt, &s.PatientMRN, &s.PatientVerified, &s.TurnCount, &s.HandoffCount); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM triage_sessions WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (p *PostgresStore) PurgeExpired(ctx context.Context) (int, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM triage_sessions WHERE expires_at <= $1`, p.now())
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := p.pool.QueryRow(ctx, `SELECT count(*) FROM triage_sessions WHERE expires_at > $1`, p.now()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
