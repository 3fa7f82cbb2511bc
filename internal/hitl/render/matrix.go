// Package render implements the per-channel HitL card renderers (spec
// §4.4): each satisfies hitl.Renderer over a different chat platform SDK,
// translating an ApprovalRequest into that platform's card format and
// parsing its callback wire format back into hitl.CallbackData.
package render

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/hands-platform/hands-core/internal/handstore"
	"github.com/hands-platform/hands-core/internal/hitl"
)

// Matrix renders approval cards as formatted Matrix messages (grounded on
// internal/ruriko/matrix/client.go's SendFormattedMessage). Matrix has no
// native button/callback primitive, so approvers respond in the room with
// a plain-text command; ParseCallback accepts that command already
// extracted from the m.text event body by the caller.
type Matrix struct {
	Client *mautrix.Client
}

func (m *Matrix) ChannelType() string { return "matrix" }

// SendApprovalCard posts a formatted HTML card to roomID and returns the
// Matrix event id as the message id.
func (m *Matrix) SendApprovalCard(ctx context.Context, req *handstore.ApprovalRequest, channelID string) (string, error) {
	html, plain := renderMatrixCard(req, false)
	content := event.MessageEventContent{
		MsgType: event.MsgText, Body: plain,
		Format: event.FormatHTML, FormattedBody: html,
	}
	resp, err := m.Client.SendMessageEvent(ctx, id.RoomID(channelID), event.EventMessage, &content)
	if err != nil {
		return "", fmt.Errorf("matrix: send approval card: %w", err)
	}
	return string(resp.EventID), nil
}

// UpdateCard posts a follow-up notice reflecting the terminal state,
// since Matrix has no in-place edit-and-remove-keyboard primitive the way
// Telegram does.
func (m *Matrix) UpdateCard(ctx context.Context, req *handstore.ApprovalRequest, messageID string) error {
	html, plain := renderMatrixCard(req, true)
	content := event.MessageEventContent{
		MsgType: event.MsgNotice, Body: plain,
		Format: event.FormatHTML, FormattedBody: html,
		RelatesTo: &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: id.EventID(messageID)}},
	}
	roomID := req.ChannelID
	if _, err := m.Client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content); err != nil {
		return fmt.Errorf("matrix: update card: %w", err)
	}
	return nil
}

// SendPlain sends a plain notice message to the room, used by the
// notification bridge rather than the approval-card flow (SPEC_FULL.md
// §C.2).
func (m *Matrix) SendPlain(ctx context.Context, channelID, message string) error {
	content := event.MessageEventContent{MsgType: event.MsgNotice, Body: message}
	if _, err := m.Client.SendMessageEvent(ctx, id.RoomID(channelID), event.EventMessage, &content); err != nil {
		return fmt.Errorf("matrix: send notification: %w", err)
	}
	return nil
}

func renderMatrixCard(req *handstore.ApprovalRequest, terminal bool) (html, plain string) {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b><br/>%s<br/>", req.Title, string(req.Status))
	if req.Description != nil {
		fmt.Fprintf(&b, "%s<br/>", *req.Description)
	}
	if !terminal {
		fmt.Fprintf(&b, "Reply <code>approve %s</code> or <code>reject %s &lt;reason&gt;</code>", req.ID, req.ID)
	}
	return b.String(), stripTags(b.String())
}

func stripTags(s string) string {
	s = strings.ReplaceAll(s, "<br/>", "\n")
	s = strings.ReplaceAll(s, "<b>", "")
	s = strings.ReplaceAll(s, "</b>", "")
	s = strings.ReplaceAll(s, "<code>", "")
	s = strings.ReplaceAll(s, "</code>", "")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	return s
}

// matrixCallback is the JSON shape ParseCallback expects: the raw m.text
// body plus sender, already extracted from the Matrix event by the
// message-handling loop (internal/ruriko/matrix/client.go's MessageHandler).
type matrixCallback struct {
	Body   string `json:"body"`
	Sender string `json:"sender"`
	EventID string `json:"event_id"`
}

// ParseCallback accepts `approve <id>` / `reject <id> [reason...]` command
// text, matching the admin-room command convention the teacher's nl
// dispatch already uses for operator commands.
func (m *Matrix) ParseCallback(raw []byte) (hitl.CallbackData, error) {
	var cb matrixCallback
	if err := json.Unmarshal(raw, &cb); err != nil {
		return hitl.CallbackData{}, fmt.Errorf("matrix: parse callback: %w", err)
	}
	fields := strings.Fields(strings.TrimSpace(cb.Body))
	if len(fields) < 2 {
		return hitl.CallbackData{}, fmt.Errorf("matrix: malformed command %q", cb.Body)
	}

	data := hitl.CallbackData{RequestID: fields[1], UserID: cb.Sender, PlatformCallbackID: cb.EventID}
	switch strings.ToLower(fields[0]) {
	case "approve":
		data.Action = hitl.ActionApprove
	case "reject":
		data.Action = hitl.ActionReject
		if len(fields) > 2 {
			reason := strings.Join(fields[2:], " ")
			data.Reason = &reason
		}
	default:
		return hitl.CallbackData{}, fmt.Errorf("matrix: unknown command %q", fields[0])
	}
	return data, nil
}
