package render

import (
	"context"
	"encoding/json"
	"fmt"
	"net/mail"
	"net/smtp"
	"strings"

	"github.com/hands-platform/hands-core/internal/handstore"
	"github.com/hands-platform/hands-core/internal/hitl"
)

// Email renders approval cards as plain transactional messages sent over
// SMTP. Email has no interactive card concept, so the approver decides by
// replying with a command line in the body; this mirrors the text-command
// convention already used for Matrix, which has the same limitation. Both
// net/smtp and net/mail are stdlib: SPEC_FULL.md §B justifies this as the
// ambient-stack-appropriate choice, since no repo in the retrieval pack
// carries an SMTP client library.
type Email struct {
	From     string
	SMTPAddr string // host:port
	Auth     smtp.Auth
}

func (e *Email) ChannelType() string { return "email" }

func approvalMessageID(requestID string) string {
	return fmt.Sprintf("<hitl-%s@hands-core>", requestID)
}

func (e *Email) send(_ context.Context, to, subject, body string, inReplyTo string) error {
	from, err := mail.ParseAddress(e.From)
	if err != nil {
		return fmt.Errorf("email: invalid From address %q: %w", e.From, err)
	}
	toAddr, err := mail.ParseAddress(to)
	if err != nil {
		return fmt.Errorf("email: invalid To address %q: %w", to, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from.String())
	fmt.Fprintf(&b, "To: %s\r\n", toAddr.String())
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	if inReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", inReplyTo)
		fmt.Fprintf(&b, "References: %s\r\n", inReplyTo)
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)

	if err := smtp.SendMail(e.SMTPAddr, e.Auth, from.Address, []string{toAddr.Address}, []byte(b.String())); err != nil {
		return fmt.Errorf("email: send mail: %w", err)
	}
	return nil
}

func cardBody(req *handstore.ApprovalRequest, terminal bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n%s\n", req.Title, req.Type)
	if req.Description != nil {
		fmt.Fprintf(&b, "\n%s\n", *req.Description)
	}
	fmt.Fprintf(&b, "\nRequested by %s\n", req.Requester)
	if terminal {
		fmt.Fprintf(&b, "\nStatus: %s\n", req.Status)
		return b.String()
	}
	fmt.Fprintf(&b, "\nTo decide, reply to this email with one line:\n  approve %s\n  reject %s <reason>\n", req.ID, req.ID)
	return b.String()
}

// SendApprovalCard sends the initial transactional message and returns its
// synthesized Message-ID header (there being no platform-assigned message
// id to capture the way chat APIs return one) as the message id.
func (e *Email) SendApprovalCard(ctx context.Context, req *handstore.ApprovalRequest, channelID string) (string, error) {
	msgID := approvalMessageID(req.ID)
	if err := e.send(ctx, channelID, "Approval needed: "+req.Title, cardBody(req, false), ""); err != nil {
		return "", err
	}
	return msgID, nil
}

// UpdateCard sends a follow-up message threaded via In-Reply-To to the
// original, reflecting the terminal status.
func (e *Email) UpdateCard(ctx context.Context, req *handstore.ApprovalRequest, messageID string) error {
	return e.send(ctx, req.ChannelID, "Re: Approval needed: "+req.Title, cardBody(req, true), messageID)
}

// SendPlain sends a plain notification email to channelID (an address),
// used by the notification bridge rather than the approval-card flow
// (SPEC_FULL.md §C.2).
func (e *Email) SendPlain(ctx context.Context, channelID, message string) error {
	return e.send(ctx, channelID, "Hand execution update", message, "")
}

// emailCommand is the shape ParseCallback expects: the reply's From address
// and its first non-quoted line, already extracted from the inbound message
// by the mail-ingestion loop (this package does not itself poll IMAP/POP3;
// spec §1 scopes mailbox polling out as "specified only by interface").
type emailCommand struct {
	From string
	Body string
}

// ParseCallback parses a reply body's first line as `approve <id>` or
// `reject <id> [reason...]`, the same text-command convention as Matrix.
// raw is the JSON encoding of emailCommand.
func (e *Email) ParseCallback(raw []byte) (hitl.CallbackData, error) {
	cmd, err := parseEmailCommand(raw)
	if err != nil {
		return hitl.CallbackData{}, err
	}

	line := firstNonQuotedLine(cmd.Body)
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return hitl.CallbackData{}, fmt.Errorf("email: malformed command %q", line)
	}

	data := hitl.CallbackData{RequestID: fields[1], UserID: cmd.From}
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
		return hitl.CallbackData{}, fmt.Errorf("email: unknown command %q", fields[0])
	}
	return data, nil
}

func parseEmailCommand(raw []byte) (emailCommand, error) {
	var cmd emailCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return emailCommand{}, fmt.Errorf("email: parse callback: %w", err)
	}
	return cmd, nil
}

func firstNonQuotedLine(body string) string {
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, ">") {
			continue
		}
		return trimmed
	}
	return ""
}
