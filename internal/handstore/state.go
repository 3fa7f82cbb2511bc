package handstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// HandState is the per-hand aggregate counters (spec §3), maintained by
// idempotent upsert.
type HandState struct {
	HandID          string
	LastExecutionID *string
	LastSuccessAt   *time.Time
	LastFailureAt   *time.Time
	TotalRuns       int64
	SuccessCount    int64
	FailureCount    int64
	CustomState     map[string]any
	UpdatedAt       time.Time
}

// GetState returns the aggregate state for handID, or a zero-value state
// with TotalRuns=0 if none exists yet.
func (s *Store) GetState(ctx context.Context, handID string) (*HandState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT hand_id, last_execution_id, last_success_at, last_failure_at,
		       total_runs, success_count, failure_count, custom_state_json, updated_at
		FROM hand_state WHERE hand_id = ?
	`, handID)

	st, err := scanState(row.Scan)
	if err == sql.ErrNoRows {
		return &HandState{HandID: handID, CustomState: map[string]any{}, UpdatedAt: time.Now().UTC()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get hand state: %w", err)
	}
	return st, nil
}

// UpdateState performs a read-modify-write upsert of the aggregate row for
// handID, bumping counters and timestamps based on the terminal status of
// exec (spec §4.6 update_state, §8 invariant 6: total_runs equals the sum
// of success_count, failure_count and cancelled/failed shares).
func (s *Store) UpdateState(ctx context.Context, handID string, exec *HandExecution) error {
	st, err := s.GetState(ctx, handID)
	if err != nil {
		return err
	}

	id := exec.ID
	st.LastExecutionID = &id
	st.TotalRuns++

	now := time.Now().UTC()
	switch exec.Status {
	case ExecutionSuccess:
		st.SuccessCount++
		st.LastSuccessAt = &now
	case ExecutionFailed, ExecutionCancelled:
		st.FailureCount++
		st.LastFailureAt = &now
	}
	st.UpdatedAt = now

	customJSON, err := json.Marshal(st.CustomState)
	if err != nil {
		return fmt.Errorf("marshal hand state custom_state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO hand_state (hand_id, last_execution_id, last_success_at, last_failure_at,
			total_runs, success_count, failure_count, custom_state_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hand_id) DO UPDATE SET
			last_execution_id = excluded.last_execution_id,
			last_success_at = COALESCE(excluded.last_success_at, hand_state.last_success_at),
			last_failure_at = COALESCE(excluded.last_failure_at, hand_state.last_failure_at),
			total_runs = excluded.total_runs,
			success_count = excluded.success_count,
			failure_count = excluded.failure_count,
			custom_state_json = excluded.custom_state_json,
			updated_at = excluded.updated_at
	`, st.HandID, st.LastExecutionID, formatTimePtr(st.LastSuccessAt), formatTimePtr(st.LastFailureAt),
		st.TotalRuns, st.SuccessCount, st.FailureCount, string(customJSON), formatTime(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert hand state: %w", err)
	}
	return nil
}

func scanState(scan func(dest ...any) error) (*HandState, error) {
	st := &HandState{}
	var lastExecID, lastSuccess, lastFailure sql.NullString
	var customJSON string
	var updatedAt string

	if err := scan(&st.HandID, &lastExecID, &lastSuccess, &lastFailure,
		&st.TotalRuns, &st.SuccessCount, &st.FailureCount, &customJSON, &updatedAt); err != nil {
		return nil, err
	}

	if lastExecID.Valid {
		st.LastExecutionID = &lastExecID.String
	}
	if lastSuccess.Valid {
		t := parseTime(lastSuccess.String)
		st.LastSuccessAt = &t
	}
	if lastFailure.Valid {
		t := parseTime(lastFailure.String)
		st.LastFailureAt = &t
	}
	st.CustomState = map[string]any{}
	if customJSON != "" {
		_ = json.Unmarshal([]byte(customJSON), &st.CustomState)
	}
	st.UpdatedAt = parseTime(updatedAt)

	return st, nil
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}
