// Package hitl implements the Human-in-the-Loop Approval Engine (spec
// §4.4): the lifecycle of approval requests, card rendering dispatched to
// a per-channel renderer, callback parsing, TTL expiry and waiter
// notification. Durable state lives in internal/handstore; this package
// is the behavior layered on top of it.
package hitl

import (
	"context"
	"errors"

	"github.com/hands-platform/hands-core/internal/handstore"
	"github.com/hands-platform/hands-core/internal/risk"
)

// TypeName enumerates the ApprovalRequest.Type tag values (spec §3).
type TypeName string

const (
	TypeMergeRequest      TypeName = "merge_request"
	TypeTradingCommand    TypeName = "trading_command"
	TypeConfigChange      TypeName = "config_change"
	TypeHighCostOperation TypeName = "high_cost_operation"
	TypeRiskOperation     TypeName = "risk_operation"
	TypeToolExecution     TypeName = "tool_execution"
)

// ErrNotAuthorized is returned when a decider is not in the approval's
// Approvers set and is not bypass-listed (spec §4.4).
var ErrNotAuthorized = errors.New("hitl: decider not authorized for this approval")

// CallbackData is what a channel renderer extracts from a raw inbound
// webhook payload (spec §4.4 Card rendering).
type CallbackData struct {
	RequestID          string
	Action             CallbackAction
	Reason             *string
	UserID             string
	PlatformCallbackID string
}

// CallbackAction is the decision encoded in a callback payload.
type CallbackAction string

const (
	ActionApprove CallbackAction = "approve"
	ActionReject  CallbackAction = "reject"
)

// Renderer is the capability set every channel-specific card renderer
// implements (spec §4.4). The engine is oblivious to the wire format and
// treats renderers polymorphically over this interface.
type Renderer interface {
	ChannelType() string
	SendApprovalCard(ctx context.Context, req *handstore.ApprovalRequest, channelID string) (messageID string, err error)
	UpdateCard(ctx context.Context, req *handstore.ApprovalRequest, messageID string) error
	ParseCallback(raw []byte) (CallbackData, error)
}

// CreateRequest is the input to Engine.Create (spec §4.4
// CreateApprovalRequest).
type CreateRequest struct {
	Type        TypeName
	Requester   string
	Approvers   []string
	Title       string
	Description *string
	Channel     string
	ChannelID   string
	Metadata    map[string]any
	TTLSeconds  *int64
}

// MergeRequestFields, TradingCommandFields, etc. are the canonical shapes
// stored under Metadata["fields"] for each TypeName (spec §3
// ApprovalType's tagged variants). Go has no payload-carrying enum, so the
// tag lives in ApprovalRequest.Type and the payload in Metadata, mirroring
// how internal/handstore already treats Metadata as a free-form map.
type MergeRequestFields struct {
	Platform string `json:"platform"`
	Repo     string `json:"repo"`
	MRID     int64  `json:"mr_id"`
}

type TradingCommandFields struct {
	Asset  string  `json:"asset"`
	Action string  `json:"action"`
	Amount float64 `json:"amount"`
}

type ConfigChangeFields struct {
	Key      string `json:"key"`
	OldValue string `json:"old_value"`
	NewValue string `json:"new_value"`
}

type HighCostOperationFields struct {
	Operation     string  `json:"operation"`
	EstimatedCost float64 `json:"estimated_cost"`
}

type RiskOperationFields struct {
	Description string     `json:"description"`
	RiskLevel   risk.Level `json:"risk_level"`
}

// ToolExecutionFields binds a tool call to the Hand + execution that
// requested it (spec §4.5 auto-approve gate).
type ToolExecutionFields struct {
	Tool        string     `json:"tool"`
	Args        any        `json:"args"`
	RiskLevel   risk.Level `json:"risk_level"`
	HandID      string     `json:"hand_id"`
	ExecutionID string     `json:"execution_id"`
}

// WithFields returns a copy of meta with "fields" set to the type-specific
// payload (one of the *Fields structs above), the convention every
// CreateRequest.Metadata uses to carry its tagged variant's data.
func WithFields(meta map[string]any, fields any) map[string]any {
	out := map[string]any{}
	for k, v := range meta {
		out[k] = v
	}
	out["fields"] = fields
	return out
}

// typeName returns the label used for logging / API responses (spec's
// ApprovalType::type_name()).
func (t TypeName) String() string { return string(t) }
