package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hands-platform/hands-core/internal/handstore"
	"github.com/hands-platform/hands-core/internal/hitl"
)

// Feishu renders approval cards as interactive card JSON posted to a
// webhook URL, since no Feishu SDK exists anywhere in the retrieval pack
// (grounded on the raw JSON-over-HTTP style of
// _examples/Aureuma-si/tools/si/paas_alert_telegram.go, adapted to
// Feishu's card schema per _examples/original_source's
// zero-gateway/src/hitl/cards/dingtalk.rs sibling for cards/mod.rs).
type Feishu struct {
	WebhookURL string
	HTTPClient *http.Client
}

func (f *Feishu) ChannelType() string { return "feishu" }

type feishuCardValue struct {
	Action    string `json:"action"`
	RequestID string `json:"request_id"`
}

type feishuButton struct {
	Tag   string          `json:"tag"`
	Text  feishuText      `json:"text"`
	Type  string          `json:"type"`
	Value feishuCardValue `json:"value"`
}

type feishuText struct {
	Tag     string `json:"tag"`
	Content string `json:"content"`
}

type feishuCard struct {
	MsgType string `json:"msg_type"`
	Card    struct {
		Header struct {
			Title feishuText `json:"title"`
		} `json:"header"`
		Elements []any `json:"elements"`
	} `json:"card"`
}

func buildFeishuCard(req *handstore.ApprovalRequest, terminal bool) feishuCard {
	var card feishuCard
	card.MsgType = "interactive"
	card.Card.Header.Title = feishuText{Tag: "plain_text", Content: req.Title}

	desc := req.Type
	if req.Description != nil {
		desc += ": " + *req.Description
	}
	card.Card.Elements = append(card.Card.Elements, map[string]any{
		"tag": "div", "text": feishuText{Tag: "lark_md", Content: desc},
	})

	if terminal {
		card.Card.Elements = append(card.Card.Elements, map[string]any{
			"tag": "div", "text": feishuText{Tag: "lark_md", Content: "Status: " + string(req.Status)},
		})
		return card
	}

	card.Card.Elements = append(card.Card.Elements, map[string]any{
		"tag": "action",
		"actions": []feishuButton{
			{Tag: "button", Type: "primary", Text: feishuText{Tag: "plain_text", Content: "Approve"},
				Value: feishuCardValue{Action: "approve", RequestID: req.ID}},
			{Tag: "button", Type: "danger", Text: feishuText{Tag: "plain_text", Content: "Reject"},
				Value: feishuCardValue{Action: "reject", RequestID: req.ID}},
		},
	})
	return card
}

func (f *Feishu) post(ctx context.Context, card feishuCard) error {
	body, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("feishu: marshal card: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("feishu: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := f.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("feishu: post card: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("feishu: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// SendApprovalCard posts the interactive card. Feishu's incoming-webhook
// API does not return a stable per-message id, so the approval's own id
// doubles as the message id (there is nothing else to edit later; updates
// re-post a status card to the same webhook).
func (f *Feishu) SendApprovalCard(ctx context.Context, req *handstore.ApprovalRequest, channelID string) (string, error) {
	if err := f.post(ctx, buildFeishuCard(req, false)); err != nil {
		return "", err
	}
	return req.ID, nil
}

// UpdateCard posts a follow-up card reflecting the terminal status.
func (f *Feishu) UpdateCard(ctx context.Context, req *handstore.ApprovalRequest, messageID string) error {
	return f.post(ctx, buildFeishuCard(req, true))
}

// SendPlain posts a plain text message (msg_type="text"), used by the
// notification bridge rather than the interactive card flow (SPEC_FULL.md
// §C.2).
func (f *Feishu) SendPlain(ctx context.Context, _ string, message string) error {
	body, err := json.Marshal(map[string]any{
		"msg_type": "text",
		"content":  map[string]string{"text": message},
	})
	if err != nil {
		return fmt.Errorf("feishu: marshal notification: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("feishu: build notification request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := f.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("feishu: post notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("feishu: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// ParseCallback accepts the JSON body Feishu posts for a card action,
// whose `action.value` carries `{action, request_id}` (spec §4.4).
func (f *Feishu) ParseCallback(raw []byte) (hitl.CallbackData, error) {
	var payload struct {
		OpenID string          `json:"open_id"`
		Token  string          `json:"token"`
		Action feishuCardValue `json:"action"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return hitl.CallbackData{}, fmt.Errorf("feishu: parse callback: %w", err)
	}

	data := hitl.CallbackData{RequestID: payload.Action.RequestID, UserID: payload.OpenID, PlatformCallbackID: payload.Token}
	switch payload.Action.Action {
	case "approve":
		data.Action = hitl.ActionApprove
	case "reject":
		data.Action = hitl.ActionReject
	default:
		return hitl.CallbackData{}, fmt.Errorf("feishu: unknown action %q", payload.Action.Action)
	}
	return data, nil
}
