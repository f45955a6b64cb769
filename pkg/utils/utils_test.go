package utils

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestGenerateID(t *testing.T) {
	id1 := GenerateID("test")
	id2 := GenerateID("test")

	if id1 == id2 {
		t.Error("expected different IDs")
	}
	if !strings.HasPrefix(id1, "test_") {
		t.Errorf("expected prefix 'test_', got %s", id1)
	}
	if strings.Contains(strings.TrimPrefix(id1, "test_"), "-") {
		t.Errorf("expected dashes stripped, got %s", id1)
	}
}

func TestGenerateID_NoPrefix(t *testing.T) {
	if _, err := uuid.Parse(GenerateID("")); err != nil {
		t.Errorf("expected a plain uuid, got error %v", err)
	}
}

func TestGenerateSessionID(t *testing.T) {
	id := GenerateSessionID()
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("session id %q is not a uuid: %v", id, err)
	}
}

func TestPrefixedIDs(t *testing.T) {
	if id := GenerateConnectionID(); !strings.HasPrefix(id, "conn_") {
		t.Errorf("unexpected connection id %s", id)
	}
	if id := GenerateRequestID(); !strings.HasPrefix(id, "req_") {
		t.Errorf("unexpected request id %s", id)
	}
}

func TestShortID(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", ""},
		{"abc", "abc"},
		{"12345678", "12345678"},
		{"123456789abc", "12345678"},
	}
	for _, tt := range tests {
		if got := ShortID(tt.input); got != tt.expected {
			t.Errorf("ShortID(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}
