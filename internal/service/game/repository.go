package game

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/OpenTabCommunity/tab-chain-go/internal/domain"
)

// Repository is the transactional store behind the session state machine.
// Mutate is the unit of work: it locks exactly one session row, hands the
// callback a SessionTx for reads and writes, and commits only when the
// callback succeeds. Two mutators of the same session serialize; different
// sessions run in parallel.
type Repository interface {
	CreateSession(ctx context.Context, userID string) (*domain.GameSession, error)
	// GetSession returns nil, nil when the session does not exist or belongs
	// to a different user.
	GetSession(ctx context.Context, sessionID, userID string) (*domain.GameSession, error)
	LatestActiveSession(ctx context.Context, userID string) (*domain.GameSession, error)
	Chain(ctx context.Context, sessionID string) ([]string, error)
	Mutate(ctx context.Context, sessionID, userID string, fn func(tx SessionTx) error) error
	BestScore(ctx context.Context, userID string) (int, error)
	TopScores(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error)
	Close() error
}

// SessionTx exposes one locked session inside a Mutate call.
type SessionTx interface {
	Session() *domain.GameSession
	Chain() ([]string, error)
	// Append adds the move at the next position and returns that position.
	Append(value string) (int, error)
	End(endedAt time.Time) error
	RecordScore(points int) (*domain.Score, error)
	// Score returns the snapshot recorded for this session, nil when none.
	Score() (*domain.Score, error)
}

type repository struct {
	db *sql.DB
}

func NewRepository(databaseURL string) (Repository, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &repository{db: db}, nil
}

// EnsureSchema creates the tables when they do not exist yet.
func EnsureSchema(ctx context.Context, repo Repository) error {
	r, ok := repo.(*repository)
	if !ok {
		return nil
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS game_sessions (
			id UUID PRIMARY KEY,
			user_id TEXT,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			ended_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_game_sessions_user_created ON game_sessions (user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_game_sessions_active ON game_sessions (active)`,
		`CREATE TABLE IF NOT EXISTS chain_entries (
			session_id UUID NOT NULL REFERENCES game_sessions(id) ON DELETE CASCADE,
			position INTEGER NOT NULL CHECK (position > 0),
			value VARCHAR(64) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (session_id, position)
		)`,
		`CREATE TABLE IF NOT EXISTS scores (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id UUID REFERENCES game_sessions(id) ON DELETE SET NULL,
			points INTEGER NOT NULL CHECK (points >= 0),
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scores_points ON scores (points DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_scores_user ON scores (user_id)`,
	} {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (r *repository) CreateSession(ctx context.Context, userID string) (*domain.GameSession, error) {
	sess := &domain.GameSession{
		ID:     uuid.NewString(),
		UserID: userID,
		Active: true,
	}
	const query = `
		INSERT INTO game_sessions (id, user_id)
		VALUES ($1, $2)
		RETURNING created_at, updated_at`
	if err := r.db.QueryRowContext(ctx, query, sess.ID, userID).Scan(&sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, fmt.Errorf("insert game session: %w", err)
	}
	return sess, nil
}

const sessionColumns = `id, user_id, active, created_at, updated_at, ended_at`

func scanSession(row *sql.Row) (*domain.GameSession, error) {
	var (
		sess    domain.GameSession
		userID  sql.NullString
		endedAt sql.NullTime
	)
	err := row.Scan(&sess.ID, &userID, &sess.Active, &sess.CreatedAt, &sess.UpdatedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan game session: %w", err)
	}
	sess.UserID = userID.String
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}
	return &sess, nil
}

func (r *repository) GetSession(ctx context.Context, sessionID, userID string) (*domain.GameSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM game_sessions WHERE id = $1 AND user_id = $2`
	return scanSession(r.db.QueryRowContext(ctx, query, sessionID, userID))
}

func (r *repository) LatestActiveSession(ctx context.Context, userID string) (*domain.GameSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM game_sessions
		WHERE user_id = $1 AND active
		ORDER BY created_at DESC
		LIMIT 1`
	return scanSession(r.db.QueryRowContext(ctx, query, userID))
}

func (r *repository) Chain(ctx context.Context, sessionID string) ([]string, error) {
	return chainValues(ctx, r.db, sessionID)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func chainValues(ctx context.Context, q querier, sessionID string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT value FROM chain_entries WHERE session_id = $1 ORDER BY position`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("select chain: %w", err)
	}
	defer rows.Close()

	chain := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan chain entry: %w", err)
		}
		chain = append(chain, v)
	}
	return chain, rows.Err()
}

// Mutate locks the session row for the duration of fn. The row lock is what
// guarantees at most one in-flight state transition per session.
func (r *repository) Mutate(ctx context.Context, sessionID, userID string, fn func(tx SessionTx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	query := `SELECT ` + sessionColumns + ` FROM game_sessions
		WHERE id = $1 AND user_id = $2
		FOR UPDATE`
	var (
		sess    domain.GameSession
		ownerID sql.NullString
		endedAt sql.NullTime
	)
	err = tx.QueryRowContext(ctx, query, sessionID, userID).
		Scan(&sess.ID, &ownerID, &sess.Active, &sess.CreatedAt, &sess.UpdatedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return ErrSessionNotFound
	}
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("lock game session: %w", err)
	}
	sess.UserID = ownerID.String
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}

	st := &sessionTx{ctx: ctx, tx: tx, sess: &sess}
	if err := fn(st); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session mutation: %w", err)
	}
	return nil
}

type sessionTx struct {
	ctx  context.Context
	tx   *sql.Tx
	sess *domain.GameSession
}

func (t *sessionTx) Session() *domain.GameSession { return t.sess }

func (t *sessionTx) Chain() ([]string, error) {
	return chainValues(t.ctx, t.tx, t.sess.ID)
}

func (t *sessionTx) Append(value string) (int, error) {
	var position int
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT COALESCE(MAX(position), 0) + 1 FROM chain_entries WHERE session_id = $1`,
		t.sess.ID).Scan(&position)
	if err != nil {
		return 0, fmt.Errorf("next chain position: %w", err)
	}
	if _, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO chain_entries (session_id, position, value) VALUES ($1, $2, $3)`,
		t.sess.ID, position, value); err != nil {
		return 0, fmt.Errorf("insert chain entry: %w", err)
	}
	if _, err := t.tx.ExecContext(t.ctx,
		`UPDATE game_sessions SET updated_at = NOW() WHERE id = $1`, t.sess.ID); err != nil {
		return 0, fmt.Errorf("touch game session: %w", err)
	}
	return position, nil
}

func (t *sessionTx) End(endedAt time.Time) error {
	if _, err := t.tx.ExecContext(t.ctx,
		`UPDATE game_sessions SET active = FALSE, ended_at = $2, updated_at = NOW() WHERE id = $1`,
		t.sess.ID, endedAt); err != nil {
		return fmt.Errorf("end game session: %w", err)
	}
	t.sess.Active = false
	t.sess.EndedAt = &endedAt
	return nil
}

func (t *sessionTx) RecordScore(points int) (*domain.Score, error) {
	score := &domain.Score{
		UserID:    t.sess.UserID,
		SessionID: t.sess.ID,
		Points:    points,
	}
	err := t.tx.QueryRowContext(t.ctx,
		`INSERT INTO scores (user_id, session_id, points) VALUES ($1, $2, $3)
		 RETURNING id, recorded_at`,
		score.UserID, score.SessionID, points).Scan(&score.ID, &score.RecordedAt)
	if err != nil {
		return nil, fmt.Errorf("insert score: %w", err)
	}
	return score, nil
}

func (t *sessionTx) Score() (*domain.Score, error) {
	var score domain.Score
	var sessionID sql.NullString
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT id, user_id, session_id, points, recorded_at FROM scores
		 WHERE session_id = $1
		 ORDER BY recorded_at DESC
		 LIMIT 1`, t.sess.ID).
		Scan(&score.ID, &score.UserID, &sessionID, &score.Points, &score.RecordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select score: %w", err)
	}
	score.SessionID = sessionID.String
	return &score, nil
}

func (r *repository) BestScore(ctx context.Context, userID string) (int, error) {
	var best int
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(points), 0) FROM scores WHERE user_id = $1`, userID).Scan(&best)
	if err != nil {
		return 0, fmt.Errorf("select best score: %w", err)
	}
	return best, nil
}

func (r *repository) TopScores(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id, MAX(points) AS best
		 FROM scores
		 GROUP BY user_id
		 ORDER BY best DESC, user_id ASC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("select leaderboard: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.LeaderboardEntry, 0, limit)
	for rows.Next() {
		var e domain.LeaderboardEntry
		if err := rows.Scan(&e.UserID, &e.BestScore); err != nil {
			return nil, fmt.Errorf("scan leaderboard entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *repository) Close() error {
	return r.db.Close()
}
