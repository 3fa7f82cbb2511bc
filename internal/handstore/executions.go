package handstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the lifecycle of a HandExecution (spec §3). Status
// transitions monotonically: Scheduled -> Running -> (Success | Failed |
// Cancelled); WaitingApproval is a suspended substate of Running.
type ExecutionStatus string

const (
	ExecutionScheduled       ExecutionStatus = "scheduled"
	ExecutionRunning         ExecutionStatus = "running"
	ExecutionWaitingApproval ExecutionStatus = "waiting_approval"
	ExecutionSuccess         ExecutionStatus = "success"
	ExecutionFailed          ExecutionStatus = "failed"
	ExecutionCancelled       ExecutionStatus = "cancelled"
)

// Terminal reports whether s is one of the terminal execution states.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionSuccess, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// HandExecution is a single run of a Hand.
type HandExecution struct {
	ID                  string
	HandID              string
	Status              ExecutionStatus
	StartedAt           time.Time
	EndedAt             *time.Time
	Output              *string
	Error               *string
	MemoryPath          *string
	PreviousExecutionID *string
	Metadata            map[string]any
}

func (e *HandExecution) metadataJSON() (string, error) {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	b, err := json.Marshal(e.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshal execution metadata: %w", err)
	}
	return string(b), nil
}

// CreateExecution inserts a new execution with status=Scheduled and returns
// the fully populated record (spec §4.6 create_execution).
func (s *Store) CreateExecution(ctx context.Context, handID string, previousExecutionID *string) (*HandExecution, error) {
	exec := &HandExecution{
		ID:                  uuid.NewString(),
		HandID:              handID,
		Status:              ExecutionScheduled,
		StartedAt:           time.Now().UTC(),
		PreviousExecutionID: previousExecutionID,
		Metadata:            map[string]any{},
	}

	metaJSON, err := exec.metadataJSON()
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO hand_executions (id, hand_id, status, started_at, previous_execution_id, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, exec.ID, exec.HandID, string(exec.Status), formatTime(exec.StartedAt), exec.PreviousExecutionID, metaJSON)
	if err != nil {
		return nil, fmt.Errorf("insert hand execution: %w", err)
	}

	return exec, nil
}

// UpdateExecution rewrites all mutable fields of an execution.
func (s *Store) UpdateExecution(ctx context.Context, exec *HandExecution) error {
	metaJSON, err := exec.metadataJSON()
	if err != nil {
		return err
	}

	var endedAt sql.NullString
	if exec.EndedAt != nil {
		endedAt = sql.NullString{String: formatTime(*exec.EndedAt), Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE hand_executions
		SET status = ?, ended_at = ?, output = ?, error = ?, memory_path = ?, metadata_json = ?
		WHERE id = ?
	`, string(exec.Status), endedAt, exec.Output, exec.Error, exec.MemoryPath, metaJSON, exec.ID)
	if err != nil {
		return fmt.Errorf("update hand execution: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: execution %s", ErrNotFound, exec.ID)
	}
	return nil
}

// GetExecution retrieves a single execution by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*HandExecution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, hand_id, status, started_at, ended_at, output, error, memory_path, previous_execution_id, metadata_json
		FROM hand_executions WHERE id = ?
	`, id)
	exec, err := scanExecution(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: execution %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get hand execution: %w", err)
	}
	return exec, nil
}

// GetExecutions returns up to limit executions for handID, newest first.
func (s *Store) GetExecutions(ctx context.Context, handID string, limit int) ([]*HandExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hand_id, status, started_at, ended_at, output, error, memory_path, previous_execution_id, metadata_json
		FROM hand_executions
		WHERE hand_id = ?
		ORDER BY started_at DESC
		LIMIT ?
	`, handID, limit)
	if err != nil {
		return nil, fmt.Errorf("list hand executions: %w", err)
	}
	defer rows.Close()

	var out []*HandExecution
	for rows.Next() {
		exec, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan hand execution: %w", err)
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// CleanupExecutions deletes all but the most recent keepN executions for
// handID.
func (s *Store) CleanupExecutions(ctx context.Context, handID string, keepN int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM hand_executions
		WHERE hand_id = ? AND id NOT IN (
			SELECT id FROM hand_executions WHERE hand_id = ? ORDER BY started_at DESC LIMIT ?
		)
	`, handID, handID, keepN)
	if err != nil {
		return fmt.Errorf("cleanup hand executions: %w", err)
	}
	return nil
}

func scanExecution(scan func(dest ...any) error) (*HandExecution, error) {
	exec := &HandExecution{}
	var startedAt string
	var endedAt, output, errText, memoryPath, previousID, metaJSON sql.NullString

	if err := scan(&exec.ID, &exec.HandID, &exec.Status, &startedAt, &endedAt, &output, &errText, &memoryPath, &previousID, &metaJSON); err != nil {
		return nil, err
	}

	exec.StartedAt = parseTime(startedAt)
	if endedAt.Valid {
		t := parseTime(endedAt.String)
		exec.EndedAt = &t
	}
	if output.Valid {
		exec.Output = &output.String
	}
	if errText.Valid {
		exec.Error = &errText.String
	}
	if memoryPath.Valid {
		exec.MemoryPath = &memoryPath.String
	}
	if previousID.Valid {
		exec.PreviousExecutionID = &previousID.String
	}
	exec.Metadata = map[string]any{}
	if metaJSON.Valid && metaJSON.String != "" {
		_ = json.Unmarshal([]byte(metaJSON.String), &exec.Metadata)
	}

	return exec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses an RFC3339 timestamp, defaulting to now on failure
// (spec §4.6: "parse failures default to now with a warning").
func parseTime(s string) time.Time {
	if s == "" {
		return time.Now().UTC()
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		slog.Warn("handstore: failed to parse timestamp, defaulting to now", "value", s, "error", err)
		return time.Now().UTC()
	}
	return t
}
