package domain

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// LabelDraft marks messages the provider is still auto-saving.
const LabelDraft = "DRAFT"

// Message is a fetched provider message. Header keys are lowercased.
type Message struct {
	ID           string
	ThreadID     string
	LabelIDs     []string
	Headers      map[string]string
	Snippet      string
	HistoryID    uint64
	InternalDate time.Time
}

// Header returns the first value of the named header, case-insensitively.
func (m *Message) Header(name string) string {
	return m.Headers[strings.ToLower(name)]
}

func (m *Message) HasLabel(label string) bool {
	for _, l := range m.LabelIDs {
		if l == label {
			return true
		}
	}
	return false
}

func (m *Message) IsDraft() bool {
	return m.HasLabel(LabelDraft)
}

// Sender is the normalized bare address of the From header.
func (m *Message) Sender() string {
	return ParseSender(m.Header("From"))
}

// ParseSender extracts the lowercased bare address from a From header value,
// e.g. `Alice <ALICE@example.com>` becomes `alice@example.com`. Values the
// address parser rejects fall back to stripping a `<...>` wrapper.
func ParseSender(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if list, err := mail.ParseAddressList(raw); err == nil && len(list) > 0 {
		return strings.ToLower(list[0].Address)
	}
	if open := strings.LastIndexByte(raw, '<'); open >= 0 {
		if end := strings.IndexByte(raw[open:], '>'); end > 0 {
			return strings.ToLower(strings.TrimSpace(raw[open+1 : open+end]))
		}
	}
	return strings.ToLower(raw)
}

// NormalizeAddress validates addr as a bare email address and returns it
// lowercased.
func NormalizeAddress(addr string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(addr))
	if trimmed == "" {
		return "", ErrInvalidAddress
	}
	parsed, err := mail.ParseAddress(trimmed)
	if err != nil || parsed.Address != trimmed {
		return "", ErrInvalidAddress
	}
	return trimmed, nil
}

// MessageSummary is what gets delivered to a chat recipient.
type MessageSummary struct {
	Mailbox   string `json:"mailbox"`
	MessageID string `json:"message_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Snippet   string `json:"snippet"`
	URL       string `json:"url"`
}

func NewMessageSummary(mailbox string, m *Message) MessageSummary {
	return MessageSummary{
		Mailbox:   mailbox,
		MessageID: m.ID,
		From:      m.Header("From"),
		To:        m.Header("To"),
		Subject:   m.Header("Subject"),
		Snippet:   m.Snippet,
		URL:       MessageURL(mailbox, m.ID),
	}
}

// MessageURL links to the message in the Gmail web client.
func MessageURL(mailbox, id string) string {
	return fmt.Sprintf("https://mail.google.com/mail/u/%s/#inbox/%s", url.PathEscape(mailbox), url.PathEscape(id))
}

// Content renders the summary as a plain chat message.
func (s MessageSummary) Content() string {
	var b strings.Builder
	fmt.Fprintf(&b, "New email from %s\n", orNone(s.From))
	fmt.Fprintf(&b, "Recipient: ||%s||\n", orNone(s.To))
	fmt.Fprintf(&b, "Subject: %s\n", orNone(s.Subject))
	b.WriteString(s.URL)
	return b.String()
}

func orNone(v string) string {
	if v == "" {
		return "(none)"
	}
	return v
}
