package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAsAppError(t *testing.T) {
	wrapped := fmt.Errorf("handler: %w", InvalidEmailAddress("nope"))

	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{"structured", InvalidRequestData("bad body"), CodeInvalidRequestData, http.StatusBadRequest},
		{"wrapped structured", wrapped, CodeInvalidEmailAddressFormat, http.StatusBadRequest},
		{"missing recipient", MissingField("account_id"), CodeMissingRecipient, http.StatusBadRequest},
		{"missing other field", MissingField("sender"), CodeInvalidRequestData, http.StatusBadRequest},
		{"plain error hidden", errors.New("pq: connection refused"), CodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AsAppError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", got.Code, tt.wantCode)
			}
			if GetHTTPStatus(tt.err) != tt.wantStatus {
				t.Errorf("GetHTTPStatus() = %d, want %d", GetHTTPStatus(tt.err), tt.wantStatus)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("exchange failed")
	err := OAuthFailed("gmail", cause)
	if !errors.Is(err, cause) {
		t.Fatal("OAuthFailed should wrap its cause")
	}
	if err.Details["provider"] != "gmail" {
		t.Errorf("provider detail = %v", err.Details["provider"])
	}
}
