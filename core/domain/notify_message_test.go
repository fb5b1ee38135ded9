package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseSender(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"Alice <ALICE@example.com>", "alice@example.com"},
		{"bob@example.com", "bob@example.com"},
		{`"Doe, Jane" <jane@example.com>`, "jane@example.com"},
		{"=?UTF-8?B?Sm9zw6k=?= <jose@example.com>", "jose@example.com"},
		{"broken <<weird@example.com>", "weird@example.com"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ParseSender(tt.raw); got != tt.want {
			t.Errorf("ParseSender(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"  Alice@Example.COM ", "alice@example.com", false},
		{"not-an-address", "", true},
		{"Alice <alice@example.com>", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeAddress(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("NormalizeAddress(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err != nil && !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("error = %v, want ErrInvalidAddress", err)
		}
		if got != tt.want {
			t.Errorf("NormalizeAddress(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMessage_DraftAndSummary(t *testing.T) {
	m := &Message{
		ID:       "18c2",
		LabelIDs: []string{"INBOX", "UNREAD"},
		Headers:  map[string]string{"from": "Alice <alice@example.com>", "subject": "Hi", "to": "me@example.com"},
		Snippet:  "hello",
	}
	if m.IsDraft() {
		t.Error("inbox message reported as draft")
	}
	if m.Sender() != "alice@example.com" {
		t.Errorf("Sender() = %q", m.Sender())
	}

	s := NewMessageSummary("me@example.com", m)
	if s.URL != "https://mail.google.com/mail/u/me@example.com/#inbox/18c2" {
		t.Errorf("URL = %q", s.URL)
	}
	if !strings.Contains(s.Content(), "Subject: Hi") {
		t.Errorf("Content() = %q", s.Content())
	}

	m.LabelIDs = append(m.LabelIDs, LabelDraft)
	if !m.IsDraft() {
		t.Error("draft not detected")
	}
}

func TestCredentialRecord_NeedsRefresh(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		rec  CredentialRecord
		want bool
	}{
		{"no access token", CredentialRecord{}, true},
		{"fresh", CredentialRecord{AccessToken: "a", Expiry: now.Add(time.Hour)}, false},
		{"inside window", CredentialRecord{AccessToken: "a", Expiry: now.Add(4 * time.Minute)}, true},
		{"expired", CredentialRecord{AccessToken: "a", Expiry: now.Add(-time.Minute)}, true},
		{"no expiry", CredentialRecord{AccessToken: "a"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rec.NeedsRefresh(now, RefreshWindow); got != tt.want {
				t.Errorf("NeedsRefresh() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInvalidCredentialError(t *testing.T) {
	cause := errors.New("invalid_grant")
	err := error(&InvalidCredentialError{Mailbox: "m", Cause: cause})
	if !IsInvalidCredential(err) || !errors.Is(err, cause) {
		t.Errorf("classification failed for %v", err)
	}
	if IsTransient(err) {
		t.Error("invalid credential reported as transient")
	}
	if !IsTransient(&TransientProviderError{Op: "refresh", Cause: cause}) {
		t.Error("transient not detected")
	}
}
