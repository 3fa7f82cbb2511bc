package render

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hands-platform/hands-core/internal/handstore"
	"github.com/hands-platform/hands-core/internal/hitl"
)

// Telegram renders approval cards as messages with an inline keyboard
// (grounded on _examples/Aureuma-si/agents/telegram-bot/main.go's
// tgbotapi usage). callback_data follows spec §4.4:
// "hitl:<action>:<request_id>[:<reason>]".
type Telegram struct {
	Bot *tgbotapi.BotAPI
}

func (t *Telegram) ChannelType() string { return "telegram" }

func telegramKeyboard(requestID string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Approve", "hitl:approve:"+requestID),
			tgbotapi.NewInlineKeyboardButtonData("Reject", "hitl:reject:"+requestID),
		),
	)
}

func cardText(req *handstore.ApprovalRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n%s", req.Title, req.Type)
	if req.Description != nil {
		fmt.Fprintf(&b, "\n%s", *req.Description)
	}
	fmt.Fprintf(&b, "\nRequested by %s", req.Requester)
	return b.String()
}

// SendApprovalCard sends a message with inline approve/reject buttons and
// returns the Telegram message id (chatID:messageID) as the message id.
func (t *Telegram) SendApprovalCard(_ context.Context, req *handstore.ApprovalRequest, channelID string) (string, error) {
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("telegram: invalid chat id %q: %w", channelID, err)
	}

	msg := tgbotapi.NewMessage(chatID, cardText(req))
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.ReplyMarkup = telegramKeyboard(req.ID)

	sent, err := t.Bot.Send(msg)
	if err != nil {
		return "", fmt.Errorf("telegram: send approval card: %w", err)
	}
	return fmt.Sprintf("%d:%d", sent.Chat.ID, sent.MessageID), nil
}

// UpdateCard edits the original message, stripping the inline keyboard on
// terminal state (spec §4.4: "updates remove the keyboard on terminal
// state").
func (t *Telegram) UpdateCard(_ context.Context, req *handstore.ApprovalRequest, messageID string) error {
	chatID, msgID, err := splitTelegramMessageID(messageID)
	if err != nil {
		return err
	}

	edit := tgbotapi.NewEditMessageText(chatID, msgID, cardText(req)+"\n\n_Status: "+string(req.Status)+"_")
	edit.ParseMode = tgbotapi.ModeMarkdown
	if _, err := t.Bot.Send(edit); err != nil {
		return fmt.Errorf("telegram: update card text: %w", err)
	}

	empty := tgbotapi.NewEditMessageReplyMarkup(chatID, msgID, tgbotapi.NewInlineKeyboardMarkup())
	if _, err := t.Bot.Send(empty); err != nil {
		return fmt.Errorf("telegram: clear card keyboard: %w", err)
	}
	return nil
}

func splitTelegramMessageID(messageID string) (chatID int64, msgID int, err error) {
	parts := strings.SplitN(messageID, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("telegram: malformed message id %q", messageID)
	}
	chatID, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("telegram: malformed chat id in %q: %w", messageID, err)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("telegram: malformed message id in %q: %w", messageID, err)
	}
	return chatID, m, nil
}

// SendPlain sends a plain notification message with no keyboard, used by
// the notification bridge rather than the approval-card flow (SPEC_FULL.md
// §C.2).
func (t *Telegram) SendPlain(_ context.Context, channelID, message string) error {
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", channelID, err)
	}
	if _, err := t.Bot.Send(tgbotapi.NewMessage(chatID, message)); err != nil {
		return fmt.Errorf("telegram: send notification: %w", err)
	}
	return nil
}

// ParseCallback accepts the raw JSON body of a Telegram Update webhook
// payload and extracts its CallbackQuery (spec §4.4: callback_data of the
// form "hitl:<action>:<request_id>[:<reason>]").
func (t *Telegram) ParseCallback(raw []byte) (hitl.CallbackData, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(raw, &update); err != nil {
		return hitl.CallbackData{}, fmt.Errorf("telegram: parse update: %w", err)
	}
	if update.CallbackQuery == nil {
		return hitl.CallbackData{}, fmt.Errorf("telegram: update has no callback_query")
	}
	cq := update.CallbackQuery

	parts := strings.SplitN(cq.Data, ":", 4)
	if len(parts) < 3 || parts[0] != "hitl" {
		return hitl.CallbackData{}, fmt.Errorf("telegram: malformed callback_data %q", cq.Data)
	}

	data := hitl.CallbackData{RequestID: parts[2], UserID: strconv.FormatInt(cq.From.ID, 10), PlatformCallbackID: cq.ID}
	switch parts[1] {
	case "approve":
		data.Action = hitl.ActionApprove
	case "reject":
		data.Action = hitl.ActionReject
		if len(parts) == 4 {
			data.Reason = &parts[3]
		}
	default:
		return hitl.CallbackData{}, fmt.Errorf("telegram: unknown action %q", parts[1])
	}
	return data, nil
}
