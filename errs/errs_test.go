package errs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorConstants(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{name: "ErrMissingParameter", err: ErrMissingParameter, expected: "missing parameter"},
		{name: "ErrUpstreamTransport", err: ErrUpstreamTransport, expected: "upstream transport failure"},
		{name: "ErrUpstreamFormat", err: ErrUpstreamFormat, expected: "upstream format failure"},
		{name: "ErrUpstreamLogical", err: ErrUpstreamLogical, expected: "upstream logical failure"},
		{name: "ErrNotFound", err: ErrNotFound, expected: "not found"},
		{name: "ErrRelay", err: ErrRelay, expected: "relay failure"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Error() != tt.expected {
				t.Errorf("Expected error message '%s', got '%s'", tt.expected, tt.err.Error())
			}
		})
	}
}

func TestUpstreamError_Unwrap(t *testing.T) {
	err := New(ErrUpstreamLogical, "share expired").WithCode(-9)
	if !errors.Is(err, ErrUpstreamLogical) {
		t.Fatal("expected errors.Is to match the kind")
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("unexpected match with another kind")
	}

	wrapped := fmt.Errorf("lookup: %w", err)
	ue, ok := AsUpstream(wrapped)
	if !ok {
		t.Fatal("expected AsUpstream to find the error through wrapping")
	}
	if ue.Code != -9 {
		t.Errorf("expected code -9, got %d", ue.Code)
	}
}

func TestUpstreamError_Message(t *testing.T) {
	tests := []struct {
		name string
		err  *UpstreamError
		want string
	}{
		{
			name: "status and snippet",
			err:  New(ErrUpstreamTransport, "API request failed").WithStatus(502).WithSnippet("bad gateway"),
			want: "upstream transport failure: API request failed (status 502): bad gateway",
		},
		{
			name: "errno",
			err:  New(ErrUpstreamLogical, "Unknown error").WithCode(2),
			want: "upstream logical failure: Unknown error (errno 2)",
		},
		{
			name: "plain",
			err:  New(ErrNotFound, "No file found"),
			want: "not found: No file found",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("got %q want %q", got, tt.want)
			}
		})
	}
}

func TestUpstreamError_MarshalJSON(t *testing.T) {
	err := New(ErrUpstreamFormat, "Invalid response format").WithSnippet("not json")
	data, mErr := json.Marshal(err)
	if mErr != nil {
		t.Fatalf("marshal: %v", mErr)
	}
	s := string(data)
	if !strings.Contains(s, `"error":"upstream format failure: Invalid response format: not json"`) {
		t.Errorf("unexpected json: %s", s)
	}
	if !strings.Contains(s, `"message":"Invalid response format"`) {
		t.Errorf("message missing: %s", s)
	}
}
