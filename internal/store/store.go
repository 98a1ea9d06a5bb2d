// internal/store/store.go
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/suture/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool abstracts pgxpool.Pool so the store can be tested with pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
    id             UUID PRIMARY KEY,
    scenario       TEXT NOT NULL,
    url            TEXT NOT NULL,
    success        BOOLEAN NOT NULL,
    steps_executed INTEGER NOT NULL,
    total_steps    INTEGER NOT NULL,
    escalations    INTEGER NOT NULL,
    screenshot     TEXT,
    errors         JSONB NOT NULL DEFAULT '[]',
    started_at     TIMESTAMPTZ NOT NULL,
    duration_ms    BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS run_steps (
    run_id        UUID NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    step_index    INTEGER NOT NULL,
    action        TEXT NOT NULL,
    target        TEXT NOT NULL,
    description   TEXT NOT NULL,
    success       BOOLEAN NOT NULL,
    strategy      TEXT,
    selector      TEXT,
    confidence    DOUBLE PRECISION,
    escalated     BOOLEAN NOT NULL,
    error_kind    TEXT,
    error_message TEXT,
    started_at    TIMESTAMPTZ NOT NULL,
    duration_ms   BIGINT NOT NULL,
    PRIMARY KEY (run_id, step_index)
);
CREATE INDEX IF NOT EXISTS run_steps_failures_idx ON run_steps (started_at DESC) WHERE NOT success;
`

const sqlInsertRun = `
        INSERT INTO runs (id, scenario, url, success, steps_executed, total_steps, escalations, screenshot, errors, started_at, duration_ms)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
    `

const sqlRecentFailures = `
        SELECT s.run_id, r.scenario, s.step_index, s.description, COALESCE(s.error_kind, ''), COALESCE(s.error_message, ''), s.started_at
        FROM run_steps s
        JOIN runs r ON r.id = s.run_id
        WHERE NOT s.success
        ORDER BY s.started_at DESC
        LIMIT $1;
    `

var runStepColumns = []string{
	"run_id", "step_index", "action", "target", "description", "success", "strategy",
	"selector", "confidence", "escalated", "error_kind", "error_message", "started_at", "duration_ms",
}

// FailedStep is one failing step, for triage across runs.
type FailedStep struct {
	RunID        string
	Scenario     string
	Step         int
	Description  string
	ErrorKind    string
	ErrorMessage string
	StartedAt    time.Time
}

// Store persists run results in PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SaveRun writes the run and all of its steps in one transaction.
func (s *Store) SaveRun(ctx context.Context, result *schemas.ExecutionResult) error {
	errorsJSON, err := json.MarshalToString(result.Errors)
	if err != nil {
		return fmt.Errorf("failed to encode step errors: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	_, err = tx.Exec(ctx, sqlInsertRun,
		result.RunID, result.Scenario, result.URL, result.Success,
		result.StepsExecuted, result.TotalSteps, result.Escalations,
		nullable(result.ScreenshotPath), errorsJSON,
		result.StartedAt.UTC(), result.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	if len(result.Steps) > 0 {
		if err := s.copySteps(ctx, tx, result); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Run persisted", zap.String("run_id", result.RunID), zap.Int("steps", len(result.Steps)))
	return nil
}

func (s *Store) copySteps(ctx context.Context, tx pgx.Tx, result *schemas.ExecutionResult) error {
	rows := make([][]interface{}, len(result.Steps))
	for i, st := range result.Steps {
		var strategy, selector, errKind, errMsg interface{}
		var confidence interface{}
		if st.Outcome.Strategy != "" {
			strategy = string(st.Outcome.Strategy)
		}
		if r := st.Outcome.Result; r != nil {
			selector = r.Selector
			confidence = r.Confidence
		}
		if e := st.Outcome.Error; e != nil {
			errKind, errMsg = e.Kind, e.Message
		}
		rows[i] = []interface{}{
			result.RunID, st.Index, string(st.Request.Action), st.Request.Target, st.Request.Description,
			st.Outcome.Success, strategy, selector, confidence, st.Outcome.Escalated,
			errKind, errMsg, st.StartedAt.UTC(), st.DurationMs,
		}
	}

	copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{"run_steps"}, runStepColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy run steps: %w", err)
	}
	if int(copyCount) != len(rows) {
		return fmt.Errorf("mismatch in copied steps count: expected %d, got %d", len(rows), copyCount)
	}
	return nil
}

// RecentFailures returns the most recent failing steps across all runs.
func (s *Store) RecentFailures(ctx context.Context, limit int) ([]FailedStep, error) {
	rows, err := s.pool.Query(ctx, sqlRecentFailures, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query failures: %w", err)
	}
	defer rows.Close()

	var out []FailedStep
	for rows.Next() {
		var f FailedStep
		if err := rows.Scan(&f.RunID, &f.Scenario, &f.Step, &f.Description, &f.ErrorKind, &f.ErrorMessage, &f.StartedAt); err != nil {
			return nil, fmt.Errorf("failed to scan failure row: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
