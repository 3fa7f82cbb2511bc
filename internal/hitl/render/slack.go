package render

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/hands-platform/hands-core/internal/handstore"
	"github.com/hands-platform/hands-core/internal/hitl"
)

// Slack renders approval cards as Block Kit messages (spec §4.4: Block
// Kit with action_id ∈ {hitl_approve, hitl_reject} and the request id in
// `value`; `message_ts` serves as the platform callback id). Out-of-pack
// dependency, named in SPEC_FULL.md §B — no Slack SDK exists anywhere in
// the retrieval pack.
type Slack struct {
	Client *slack.Client
}

func (s *Slack) ChannelType() string { return "slack" }

func slackBlocks(req *handstore.ApprovalRequest) []slack.Block {
	text := fmt.Sprintf("*%s*\n%s", req.Title, req.Type)
	if req.Description != nil {
		text += "\n" + *req.Description
	}
	text += fmt.Sprintf("\nRequested by %s", req.Requester)

	section := slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil)
	actions := slack.NewActionBlock("hitl_actions",
		slack.NewButtonBlockElement("hitl_approve", req.ID, slack.NewTextBlockObject(slack.PlainTextType, "Approve", true, false)),
		slack.NewButtonBlockElement("hitl_reject", req.ID, slack.NewTextBlockObject(slack.PlainTextType, "Reject", true, false)),
	)
	return []slack.Block{section, actions}
}

// SendApprovalCard posts the card and returns "<channel>:<message_ts>" as
// the message id.
func (s *Slack) SendApprovalCard(_ context.Context, req *handstore.ApprovalRequest, channelID string) (string, error) {
	_, ts, err := s.Client.PostMessage(channelID, slack.MsgOptionBlocks(slackBlocks(req)...))
	if err != nil {
		return "", fmt.Errorf("slack: post approval card: %w", err)
	}
	return channelID + ":" + ts, nil
}

// UpdateCard rewrites the message with a plain status line, dropping the
// action buttons once the approval reaches a terminal state.
func (s *Slack) UpdateCard(_ context.Context, req *handstore.ApprovalRequest, messageID string) error {
	channel, ts, err := splitSlackMessageID(messageID)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("*%s*\nStatus: %s", req.Title, req.Status)
	section := slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil)
	if _, _, _, err := s.Client.UpdateMessage(channel, ts, slack.MsgOptionBlocks(section)); err != nil {
		return fmt.Errorf("slack: update approval card: %w", err)
	}
	return nil
}

// SendPlain posts a plain-text notification with no action buttons, used
// by the notification bridge (SPEC_FULL.md §C.2).
func (s *Slack) SendPlain(_ context.Context, channelID, message string) error {
	if _, _, err := s.Client.PostMessage(channelID, slack.MsgOptionText(message, false)); err != nil {
		return fmt.Errorf("slack: post notification: %w", err)
	}
	return nil
}

func splitSlackMessageID(messageID string) (channel, ts string, err error) {
	for i := len(messageID) - 1; i >= 0; i-- {
		if messageID[i] == ':' {
			return messageID[:i], messageID[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("slack: malformed message id %q", messageID)
}

// slackInteractionPayload is the subset of Slack's Block Kit interaction
// payload ParseCallback needs (spec §4.4).
type slackInteractionPayload struct {
	Type string `json:"type"`
	User struct {
		ID string `json:"id"`
	} `json:"user"`
	Message struct {
		Ts string `json:"ts"`
	} `json:"message"`
	Actions []struct {
		ActionID string `json:"action_id"`
		Value    string `json:"value"`
	} `json:"actions"`
}

// ParseCallback accepts the JSON-decoded `payload` form field Slack POSTs
// on a block action interaction.
func (s *Slack) ParseCallback(raw []byte) (hitl.CallbackData, error) {
	var payload slackInteractionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return hitl.CallbackData{}, fmt.Errorf("slack: parse interaction payload: %w", err)
	}
	if len(payload.Actions) == 0 {
		return hitl.CallbackData{}, fmt.Errorf("slack: interaction payload has no actions")
	}
	action := payload.Actions[0]

	data := hitl.CallbackData{RequestID: action.Value, UserID: payload.User.ID, PlatformCallbackID: payload.Message.Ts}
	switch action.ActionID {
	case "hitl_approve":
		data.Action = hitl.ActionApprove
	case "hitl_reject":
		data.Action = hitl.ActionReject
	default:
		return hitl.CallbackData{}, fmt.Errorf("slack: unknown action_id %q", action.ActionID)
	}
	return data, nil
}
