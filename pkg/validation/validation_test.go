package validation

import (
	"strings"
	"testing"
)

func TestValidateStreamToken(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{"valid token", "T1", false},
		{"valid with dash and underscore", "my-stream_01", false},
		{"empty", "", true},
		{"max length", strings.Repeat("a", 128), false},
		{"too long", strings.Repeat("a", 129), true},
		{"space", "my stream", true},
		{"slash", "a/b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStreamToken(tt.token)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateStreamToken() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePeerID(t *testing.T) {
	tests := []struct {
		name    string
		peerID  string
		wantErr bool
	}{
		{"empty is generated later", "", false},
		{"valid", "peer-123", false},
		{"uuid", "3f2a1c9e-0b7d-4c1e-9a55-0d6c2b1e4f10", false},
		{"invalid chars", "peer@123", true},
		{"too long", strings.Repeat("p", 129), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePeerID(tt.peerID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePeerID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateIdentity(t *testing.T) {
	tests := []struct {
		name     string
		identity string
		required bool
		wantErr  bool
	}{
		{"publisher identity", "Alice", true, false},
		{"unicode identity", "Straße", true, false},
		{"missing for publisher", "", true, true},
		{"blank for publisher", "   ", true, true},
		{"missing for viewer", "", false, false},
		{"too long", strings.Repeat("x", 257), true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentity(tt.identity, tt.required)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateIdentity() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateStringLength(t *testing.T) {
	if err := ValidateStringLength("ab", 3, 10, "field"); err == nil {
		t.Error("expected error for short string")
	}
	if err := ValidateStringLength("ééé", 1, 3, "field"); err != nil {
		t.Errorf("length should count runes, got %v", err)
	}
	if err := ValidateStringLength(strings.Repeat("x", 11), 3, 10, "field"); err == nil {
		t.Error("expected error for long string")
	}
}
