package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Run is one archived strategy invocation.
type Run struct {
	ID        string          `json:"id"`
	Strategy  string          `json:"strategy"`
	Input     string          `json:"input"`
	Output    string          `json:"output"`
	Success   bool            `json:"success"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	Duration  time.Duration   `json:"duration"`
	CreatedAt time.Time       `json:"created_at"`
}

// SaveRun archives one finished run.
func (s *Store) SaveRun(ctx context.Context, run *Run) error {
	detail := run.Detail
	if detail == nil {
		detail = json.RawMessage("null")
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO runs (id, strategy, input, output, success, detail, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.Strategy, run.Input, run.Output, run.Success,
		detail, run.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// GetRun fetches one archived run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	var run Run
	var durationMs int64
	err := s.db.QueryRow(ctx, `
		SELECT id, strategy, input, output, success, detail, duration_ms, created_at
		FROM runs WHERE id = $1`, id,
	).Scan(&run.ID, &run.Strategy, &run.Input, &run.Output, &run.Success,
		&run.Detail, &durationMs, &run.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	run.Duration = time.Duration(durationMs) * time.Millisecond
	return &run, nil
}

// ListRuns returns recent runs, newest first, optionally filtered by
// strategy name.
func (s *Store) ListRuns(ctx context.Context, strategy string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, strategy, input, output, success, detail, duration_ms, created_at
		FROM runs`
	args := []interface{}{}
	if strategy != "" {
		query += ` WHERE strategy = $1`
		args = append(args, strategy)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var run Run
		var durationMs int64
		if err := rows.Scan(&run.ID, &run.Strategy, &run.Input, &run.Output,
			&run.Success, &run.Detail, &durationMs, &run.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Duration = time.Duration(durationMs) * time.Millisecond
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}
