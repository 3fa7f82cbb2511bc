package handstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ApprovalStatus is the lifecycle state of an ApprovalRequest (spec §3/§4.4).
// Pending is the only non-terminal state.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalCancelled ApprovalStatus = "cancelled"
)

func (s ApprovalStatus) Terminal() bool { return s != ApprovalPending }

// ApprovalRequest is the durable record of a HitL approval (spec §3).
type ApprovalRequest struct {
	ID                 string
	Type               string
	Status             ApprovalStatus
	Requester          string
	Approvers          []string
	Title              string
	Description        *string
	Channel            string
	ChannelID          string
	MessageID          *string
	Metadata           map[string]any
	DecidedBy          *string
	DecidedAt          *time.Time
	RejectReason       *string
	PlatformCallbackID *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	ExpiresAt          *time.Time
}

// ErrAlreadyDecided is returned when decide/cancel is attempted on an
// approval that is already in a terminal state (spec §7 AlreadyDecided).
var ErrAlreadyDecided = fmt.Errorf("handstore: approval already decided")

// CreateApproval persists a new pending approval. The caller is responsible
// for first rendering the card and only calling CreateApproval on success
// (spec §4.4: "rendering failure ... the request is NOT persisted").
func (s *Store) CreateApproval(ctx context.Context, req *ApprovalRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Status = ApprovalPending
	now := time.Now().UTC()
	req.CreatedAt = now
	req.UpdatedAt = now
	if req.Metadata == nil {
		req.Metadata = map[string]any{}
	}

	approversJSON, err := json.Marshal(req.Approvers)
	if err != nil {
		return fmt.Errorf("marshal approvers: %w", err)
	}
	metaJSON, err := json.Marshal(req.Metadata)
	if err != nil {
		return fmt.Errorf("marshal approval metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approvals (id, type, status, requester, approvers_json, title, description,
			channel, channel_id, message_id, metadata_json, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, req.ID, req.Type, string(req.Status), req.Requester, string(approversJSON), req.Title, req.Description,
		req.Channel, req.ChannelID, req.MessageID, string(metaJSON), formatTime(req.CreatedAt), formatTime(req.UpdatedAt),
		formatTimePtr(req.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

// SetMessageID records the message id returned by the channel renderer.
func (s *Store) SetMessageID(ctx context.Context, id, messageID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE approvals SET message_id = ? WHERE id = ?`, messageID, id)
	if err != nil {
		return fmt.Errorf("set approval message id: %w", err)
	}
	return nil
}

// GetApproval retrieves an approval by id.
func (s *Store) GetApproval(ctx context.Context, id string) (*ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, approvalSelect+` WHERE id = ?`, id)
	req, err := scanApproval(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: approval %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return req, nil
}

// ListPendingExpired returns all pending approvals whose expires_at has
// already passed, for the TTL sweeper.
func (s *Store) ListPendingExpired(ctx context.Context, now time.Time) ([]*ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, approvalSelect+`
		WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at <= ?
	`, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("list expired approvals: %w", err)
	}
	defer rows.Close()

	var out []*ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// Decide applies a terminal transition to a pending approval. It is
// idempotent on terminal states: a second call returns ErrAlreadyDecided
// rather than mutating anything further (spec §4.4).
func (s *Store) Decide(ctx context.Context, id string, status ApprovalStatus, decidedBy string, reason *string, platformCallbackID *string) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE approvals
		SET status = ?, decided_by = ?, decided_at = ?, reject_reason = ?, platform_callback_id = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, string(status), decidedBy, formatTime(now), reason, platformCallbackID, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("decide approval: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		if _, lookupErr := s.GetApproval(ctx, id); lookupErr != nil {
			return fmt.Errorf("%w: approval %s", ErrNotFound, id)
		}
		return fmt.Errorf("%w: approval %s", ErrAlreadyDecided, id)
	}
	return nil
}

const approvalSelect = `
	SELECT id, type, status, requester, approvers_json, title, description, channel, channel_id,
	       message_id, metadata_json, decided_by, decided_at, reject_reason, platform_callback_id,
	       created_at, updated_at, expires_at
	FROM approvals
`

func scanApproval(scan func(dest ...any) error) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	var description, messageID, decidedBy, decidedAt, rejectReason, platformCallbackID, expiresAt sql.NullString
	var approversJSON, metaJSON string
	var createdAt, updatedAt string

	if err := scan(&req.ID, &req.Type, &req.Status, &req.Requester, &approversJSON, &req.Title, &description,
		&req.Channel, &req.ChannelID, &messageID, &metaJSON, &decidedBy, &decidedAt, &rejectReason, &platformCallbackID,
		&createdAt, &updatedAt, &expiresAt); err != nil {
		return nil, err
	}

	_ = json.Unmarshal([]byte(approversJSON), &req.Approvers)
	req.Metadata = map[string]any{}
	if metaJSON != "" {
		_ = json.Unmarshal([]byte(metaJSON), &req.Metadata)
	}
	if description.Valid {
		req.Description = &description.String
	}
	if messageID.Valid {
		req.MessageID = &messageID.String
	}
	if decidedBy.Valid {
		req.DecidedBy = &decidedBy.String
	}
	if decidedAt.Valid {
		t := parseTime(decidedAt.String)
		req.DecidedAt = &t
	}
	if rejectReason.Valid {
		req.RejectReason = &rejectReason.String
	}
	if platformCallbackID.Valid {
		req.PlatformCallbackID = &platformCallbackID.String
	}
	req.CreatedAt = parseTime(createdAt)
	req.UpdatedAt = parseTime(updatedAt)
	if expiresAt.Valid {
		t := parseTime(expiresAt.String)
		req.ExpiresAt = &t
	}

	return req, nil
}
