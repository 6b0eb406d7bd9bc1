package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/steadycare/harbor/pkg/cases"
	"github.com/steadycare/harbor/pkg/escalation"
	"github.com/steadycare/harbor/pkg/risk"
	"github.com/steadycare/harbor/pkg/sla"
)

const pgDuplicateKeyCode = "23505"

// schema is applied on startup. Idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS cases (
    id            TEXT PRIMARY KEY,
    session_id    TEXT NOT NULL,
    severity      TEXT NOT NULL,
    status        TEXT NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL,
    sla_deadline  TIMESTAMPTZ NOT NULL,
    breach_flag   TEXT NOT NULL,
    responder_id  TEXT NOT NULL DEFAULT '',
    assigned_at   TIMESTAMPTZ,
    acked_at      TIMESTAMPTZ,
    resolved_at   TIMESTAMPTZ,
    required_tags JSONB NOT NULL DEFAULT '[]',
    history       JSONB NOT NULL DEFAULT '[]',
    version       BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cases_session ON cases (session_id);
CREATE INDEX IF NOT EXISTS idx_cases_status ON cases (status);
CREATE INDEX IF NOT EXISTS idx_cases_created ON cases (created_at);

CREATE TABLE IF NOT EXISTS assessments (
    id            TEXT PRIMARY KEY,
    session_id    TEXT NOT NULL,
    level         TEXT NOT NULL,
    score         DOUBLE PRECISION NOT NULL,
    factors       JSONB NOT NULL DEFAULT '[]',
    degraded      BOOLEAN NOT NULL,
    classified_at TIMESTAMPTZ NOT NULL,
    latency_ms    BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_assessments_session ON assessments (session_id, level, classified_at);
CREATE INDEX IF NOT EXISTS idx_assessments_classified ON assessments (classified_at);
`

// PostgresStore persists cases and assessments in PostgreSQL through the
// pgx stdlib driver.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore opens the pool, verifies connectivity, and ensures
// the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	log.Printf("[STORE] postgres store ready")
	return &PostgresStore{db: db}, nil
}

// mapError translates driver errors to store errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgDuplicateKeyCode {
		return ErrConflict
	}
	return err
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// CreateCase inserts a case row.
func (s *PostgresStore) CreateCase(ctx context.Context, c *cases.Case) error {
	tags, err := json.Marshal(c.RequiredTags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}
	history, err := json.Marshal(c.AssignmentHistory)
	if err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cases (id, session_id, severity, status, created_at, sla_deadline,
			breach_flag, responder_id, assigned_at, acked_at, resolved_at,
			required_tags, history, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		c.ID, c.SessionID, string(c.Severity), string(c.Status), c.CreatedAt, c.SLADeadline,
		string(c.BreachFlag), c.AssignedResponderID, nullTime(c.AssignedAt),
		nullTime(c.AcknowledgedAt), nullTime(c.ResolvedAt), tags, history, c.Version)
	if err != nil {
		return fmt.Errorf("inserting case %s: %w", c.ID, mapError(err))
	}
	return nil
}

const caseColumns = `id, session_id, severity, status, created_at, sla_deadline,
	breach_flag, responder_id, assigned_at, acked_at, resolved_at,
	required_tags, history, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (*cases.Case, error) {
	var (
		c                         cases.Case
		severity, status, flag    string
		assigned, acked, resolved sql.NullTime
		tagsRaw, historyRaw       []byte
	)
	err := row.Scan(&c.ID, &c.SessionID, &severity, &status, &c.CreatedAt, &c.SLADeadline,
		&flag, &c.AssignedResponderID, &assigned, &acked, &resolved,
		&tagsRaw, &historyRaw, &c.Version)
	if err != nil {
		return nil, err
	}
	c.Severity = risk.Level(severity)
	c.Status = cases.Status(status)
	c.BreachFlag = sla.BreachFlag(flag)
	if assigned.Valid {
		c.AssignedAt = assigned.Time
	}
	if acked.Valid {
		c.AcknowledgedAt = acked.Time
	}
	if resolved.Valid {
		c.ResolvedAt = resolved.Time
	}
	if err := json.Unmarshal(tagsRaw, &c.RequiredTags); err != nil {
		return nil, fmt.Errorf("decoding tags for case %s: %w", c.ID, err)
	}
	if err := json.Unmarshal(historyRaw, &c.AssignmentHistory); err != nil {
		return nil, fmt.Errorf("decoding history for case %s: %w", c.ID, err)
	}
	return &c, nil
}

// GetCase loads a case row.
func (s *PostgresStore) GetCase(ctx context.Context, id string) (*cases.Case, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = $1`, id)
	c, err := scanCase(row)
	if err != nil {
		return nil, fmt.Errorf("loading case %s: %w", id, mapError(err))
	}
	return c, nil
}

// UpdateCase applies a conditional update guarded by the version column.
func (s *PostgresStore) UpdateCase(ctx context.Context, c *cases.Case) error {
	tags, err := json.Marshal(c.RequiredTags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}
	history, err := json.Marshal(c.AssignmentHistory)
	if err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE cases SET status=$1, breach_flag=$2, responder_id=$3, assigned_at=$4,
			acked_at=$5, resolved_at=$6, required_tags=$7, history=$8, version=version+1
		WHERE id=$9 AND version=$10`,
		string(c.Status), string(c.BreachFlag), c.AssignedResponderID, nullTime(c.AssignedAt),
		nullTime(c.AcknowledgedAt), nullTime(c.ResolvedAt), tags, history, c.ID, c.Version)
	if err != nil {
		return fmt.Errorf("updating case %s: %w", c.ID, mapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating case %s: %w", c.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("case %s: %w", c.ID, ErrConflict)
	}
	c.Version++
	return nil
}

func (s *PostgresStore) queryCases(ctx context.Context, query string, args ...any) ([]*cases.Case, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*cases.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListCases returns cases matching the filter, newest first.
func (s *PostgresStore) ListCases(ctx context.Context, f cases.Filter) ([]*cases.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases WHERE 1=1`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(" AND %s = $%d", clause, len(args))
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	if f.Severity != "" {
		add("severity", string(f.Severity))
	}
	if f.ResponderID != "" {
		add("responder_id", f.ResponderID)
	}
	if f.SessionID != "" {
		add("session_id", f.SessionID)
	}
	query += ` ORDER BY created_at DESC`
	return s.queryCases(ctx, query, args...)
}

// ListOpenCases returns all non-terminal cases, oldest first.
func (s *PostgresStore) ListOpenCases(ctx context.Context) ([]*cases.Case, error) {
	return s.queryCases(ctx,
		`SELECT `+caseColumns+` FROM cases WHERE status != $1 ORDER BY created_at ASC`,
		string(cases.StatusClosed))
}

// OpenCaseForSession returns the session's open case, if any.
func (s *PostgresStore) OpenCaseForSession(ctx context.Context, sessionID string) (*cases.Case, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+caseColumns+` FROM cases
		WHERE session_id = $1 AND status != $2
		ORDER BY created_at DESC LIMIT 1`,
		sessionID, string(cases.StatusClosed))
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, escalation.ErrNoOpenCase
	}
	if err != nil {
		return nil, fmt.Errorf("loading open case for session: %w", err)
	}
	return c, nil
}

// SaveAssessment inserts an assessment row.
func (s *PostgresStore) SaveAssessment(ctx context.Context, a *risk.Assessment) error {
	factors, err := json.Marshal(a.Factors)
	if err != nil {
		return fmt.Errorf("encoding factors: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO assessments (id, session_id, level, score, factors, degraded, classified_at, latency_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.ID, a.SessionID, string(a.Level), a.Score, factors, a.Degraded, a.ClassifiedAt, a.LatencyMs)
	if err != nil {
		return fmt.Errorf("inserting assessment %s: %w", a.ID, mapError(err))
	}
	return nil
}

// CountAssessments counts a session's assessments at a level since the
// given time.
func (s *PostgresStore) CountAssessments(ctx context.Context, sessionID string, level risk.Level, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM assessments
		WHERE session_id = $1 AND level = $2 AND classified_at >= $3`,
		sessionID, string(level), since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting assessments: %w", err)
	}
	return n, nil
}

// CasesBetween returns cases created within [from, to].
func (s *PostgresStore) CasesBetween(ctx context.Context, from, to time.Time) ([]*cases.Case, error) {
	return s.queryCases(ctx,
		`SELECT `+caseColumns+` FROM cases WHERE created_at >= $1 AND created_at <= $2 ORDER BY created_at ASC`,
		from, to)
}

// AssessmentsBetween returns assessments classified within [from, to].
func (s *PostgresStore) AssessmentsBetween(ctx context.Context, from, to time.Time) ([]*risk.Assessment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, level, score, factors, degraded, classified_at, latency_ms
		FROM assessments WHERE classified_at >= $1 AND classified_at <= $2
		ORDER BY classified_at ASC`, from, to)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*risk.Assessment
	for rows.Next() {
		var (
			a          risk.Assessment
			level      string
			factorsRaw []byte
		)
		if err := rows.Scan(&a.ID, &a.SessionID, &level, &a.Score, &factorsRaw,
			&a.Degraded, &a.ClassifiedAt, &a.LatencyMs); err != nil {
			return nil, err
		}
		a.Level = risk.Level(level)
		if err := json.Unmarshal(factorsRaw, &a.Factors); err != nil {
			return nil, fmt.Errorf("decoding factors for assessment %s: %w", a.ID, err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
