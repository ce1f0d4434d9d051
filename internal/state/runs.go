package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Run end reasons
const (
	EndReasonStopped     = "stopped"
	EndReasonModeChange  = "mode_changed"
	EndReasonSourceLost  = "source_lost"
	EndReasonRemoteClose = "analyzer_closed"
	EndReasonShutdown    = "shutdown"
	EndReasonInterrupted = "interrupted"
)

// Run is one journaled analysis run
type Run struct {
	ID            string     `json:"id"`
	Mode          string     `json:"mode"`
	Pipeline      string     `json:"pipeline"`
	Source        string     `json:"source,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	EndReason     string     `json:"end_reason,omitempty"`
	FramesSent    int64      `json:"frames_sent"`
	FramesDropped int64      `json:"frames_dropped"`
	Batches       int64      `json:"batches"`
	Malformed     int64      `json:"malformed"`
	PeakCombined  float64    `json:"peak_combined"`
	LastCombined  float64    `json:"last_combined"`
	LastVerdict   string     `json:"last_verdict,omitempty"`
}

// RunSummary is recorded when a run ends
type RunSummary struct {
	EndedAt       time.Time
	Reason        string
	FramesSent    int64
	FramesDropped int64
	Batches       int64
	Malformed     int64
	PeakCombined  float64
	LastCombined  float64
	LastVerdict   string
}

// NewRunID returns a fresh run identifier
func NewRunID() string {
	return uuid.New().String()
}

// StartRun inserts an open run. An empty ID is assigned.
func (m *Manager) StartRun(ctx context.Context, run Run) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if run.ID == "" {
		run.ID = NewRunID()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	query := `
		INSERT INTO analysis_runs (id, mode, pipeline, source, started_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := m.db.GetDB().ExecContext(ctx, query,
		run.ID, run.Mode, run.Pipeline, run.Source, run.StartedAt,
	)
	if err != nil {
		return "", fmt.Errorf("failed to start run: %w", err)
	}

	return run.ID, nil
}

// FinishRun closes a run with its summary
func (m *Manager) FinishRun(ctx context.Context, id string, s RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.EndedAt.IsZero() {
		s.EndedAt = time.Now()
	}

	query := `
		UPDATE analysis_runs SET
			ended_at = ?, end_reason = ?,
			frames_sent = ?, frames_dropped = ?, batches = ?, malformed = ?,
			peak_combined = ?, last_combined = ?, last_verdict = ?
		WHERE id = ? AND ended_at IS NULL
	`
	res, err := m.db.GetDB().ExecContext(ctx, query,
		s.EndedAt, s.Reason,
		s.FramesSent, s.FramesDropped, s.Batches, s.Malformed,
		s.PeakCombined, s.LastCombined, s.LastVerdict,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run not found or already finished: %s", id)
	}

	return nil
}

// GetRun returns a run by ID, or nil if absent
func (m *Manager) GetRun(ctx context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row := m.db.GetDB().QueryRowContext(ctx, selectRuns+` WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs first
func (m *Manager) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	rows, err := m.db.GetDB().QueryContext(ctx, selectRuns+` ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}

	return runs, rows.Err()
}

func (m *Manager) closeInterruptedRuns(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.db.GetDB().ExecContext(ctx,
		`UPDATE analysis_runs SET ended_at = ?, end_reason = ? WHERE ended_at IS NULL`,
		time.Now(), EndReasonInterrupted,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

const selectRuns = `
	SELECT id, mode, pipeline, source, started_at, ended_at, end_reason,
		frames_sent, frames_dropped, batches, malformed,
		peak_combined, last_combined, last_verdict
	FROM analysis_runs`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run       Run
		source    sql.NullString
		endedAt   sql.NullTime
		endReason sql.NullString
		verdict   sql.NullString
	)
	err := row.Scan(
		&run.ID, &run.Mode, &run.Pipeline, &source, &run.StartedAt, &endedAt, &endReason,
		&run.FramesSent, &run.FramesDropped, &run.Batches, &run.Malformed,
		&run.PeakCombined, &run.LastCombined, &verdict,
	)
	if err != nil {
		return nil, err
	}
	run.Source = source.String
	run.EndReason = endReason.String
	run.LastVerdict = verdict.String
	if endedAt.Valid {
		t := endedAt.Time
		run.EndedAt = &t
	}
	return &run, nil
}
