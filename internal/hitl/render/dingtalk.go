package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/hands-platform/hands-core/internal/handstore"
	"github.com/hands-platform/hands-core/internal/hitl"
)

// DingTalk renders approval cards as ActionCard messages whose buttons
// are plain URLs carrying the decision in query parameters (spec §4.4:
// "ActionCard with URL callbacks carrying query params
// ?action=...&id=...&user_id=..."), grounded on
// _examples/original_source's zero-gateway/src/hitl/cards/dingtalk.rs.
type DingTalk struct {
	WebhookURL string
	// CallbackBaseURL is the base URL embedded in each ActionCard button;
	// the operator's reverse proxy routes it to the callback ingress.
	CallbackBaseURL string
	HTTPClient      *http.Client
}

func (d *DingTalk) ChannelType() string { return "dingtalk" }

type dingtalkActionCard struct {
	MsgType    string `json:"msgtype"`
	ActionCard struct {
		Title          string `json:"title"`
		Text           string `json:"text"`
		BtnOrientation string `json:"btnOrientation"`
		Btns           []struct {
			Title     string `json:"title"`
			ActionURL string `json:"actionURL"`
		} `json:"btns"`
	} `json:"actionCard"`
}

func (d *DingTalk) callbackURL(action, requestID string) string {
	return fmt.Sprintf("%s?action=%s&id=%s", d.CallbackBaseURL, action, requestID)
}

func buildDingTalkCard(d *DingTalk, req *handstore.ApprovalRequest, terminal bool) dingtalkActionCard {
	var card dingtalkActionCard
	card.MsgType = "actionCard"
	card.ActionCard.Title = req.Title

	text := fmt.Sprintf("**%s**\n\n%s", req.Title, req.Type)
	if req.Description != nil {
		text += "\n\n" + *req.Description
	}
	if terminal {
		text += "\n\nStatus: " + string(req.Status)
		card.ActionCard.Text = text
		return card
	}
	card.ActionCard.Text = text
	card.ActionCard.BtnOrientation = "0"
	card.ActionCard.Btns = []struct {
		Title     string `json:"title"`
		ActionURL string `json:"actionURL"`
	}{
		{Title: "Approve", ActionURL: d.callbackURL("approve", req.ID)},
		{Title: "Reject", ActionURL: d.callbackURL("reject", req.ID)},
	}
	return card
}

func (d *DingTalk) post(ctx context.Context, card dingtalkActionCard) error {
	body, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("dingtalk: marshal card: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("dingtalk: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := d.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("dingtalk: post card: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("dingtalk: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// SendApprovalCard posts the ActionCard. Like Feishu, DingTalk's
// incoming-webhook API has no addressable message id to edit later, so
// the approval id itself is returned as the message id.
func (d *DingTalk) SendApprovalCard(ctx context.Context, req *handstore.ApprovalRequest, channelID string) (string, error) {
	if err := d.post(ctx, buildDingTalkCard(d, req, false)); err != nil {
		return "", err
	}
	return req.ID, nil
}

// UpdateCard posts a follow-up card reflecting the terminal status.
func (d *DingTalk) UpdateCard(ctx context.Context, req *handstore.ApprovalRequest, messageID string) error {
	return d.post(ctx, buildDingTalkCard(d, req, true))
}

// SendPlain posts a plain text message (msgtype="text"), used by the
// notification bridge rather than the ActionCard flow (SPEC_FULL.md §C.2).
func (d *DingTalk) SendPlain(ctx context.Context, _ string, message string) error {
	body, err := json.Marshal(map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": message},
	})
	if err != nil {
		return fmt.Errorf("dingtalk: marshal notification: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("dingtalk: build notification request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := d.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("dingtalk: post notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("dingtalk: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// ParseCallback parses `?action=...&id=...&user_id=...` from the raw
// query string DingTalk's ActionCard button GET request carries. Query
// values are decoded by hand rather than via net/url.ParseQuery: '+'
// decodes to a space and '%XX' escapes are unescaped, matching the
// reference implementation's own manual decoder.
func (d *DingTalk) ParseCallback(raw []byte) (hitl.CallbackData, error) {
	query := string(raw)
	if idx := strings.IndexByte(query, '?'); idx >= 0 {
		query = query[idx+1:]
	}

	values := map[string]string{}
	for _, pair := range strings.Split(query, "&") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		key := dingtalkURLDecode(kv[0])
		val := ""
		if len(kv) == 2 {
			val = dingtalkURLDecode(kv[1])
		}
		values[key] = val
	}

	action, ok := values["action"]
	if !ok {
		return hitl.CallbackData{}, fmt.Errorf("dingtalk: missing action parameter")
	}
	id, ok := values["id"]
	if !ok {
		return hitl.CallbackData{}, fmt.Errorf("dingtalk: missing id parameter")
	}

	data := hitl.CallbackData{RequestID: id, UserID: values["user_id"], PlatformCallbackID: id}
	switch action {
	case "approve":
		data.Action = hitl.ActionApprove
	case "reject":
		data.Action = hitl.ActionReject
		if reason, ok := values["reason"]; ok && reason != "" {
			data.Reason = &reason
		}
	default:
		return hitl.CallbackData{}, fmt.Errorf("dingtalk: unknown action %q", action)
	}
	return data, nil
}

// dingtalkURLDecode replaces '+' with a space and unescapes '%XX'
// sequences, tolerating malformed escapes by passing them through
// unchanged rather than erroring (query params from a chat client button
// are not adversarial input worth hard-failing on).
func dingtalkURLDecode(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '+':
			b.WriteByte(' ')
		case '%':
			if i+2 < len(s) {
				if hi, ok := hexVal(s[i+1]); ok {
					if lo, ok := hexVal(s[i+2]); ok {
						b.WriteByte(byte(hi<<4 | lo))
						i += 2
						continue
					}
				}
			}
			b.WriteByte('%')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func hexVal(c byte) (int, bool) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), true
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10, true
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10, true
	default:
		return 0, false
	}
}
