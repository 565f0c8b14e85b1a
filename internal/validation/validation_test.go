package validation

import (
	"strings"
	"testing"
)

func TestValidateSessionID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"uuid style", "550e8400-e29b-41d4-a716-446655440000", false},
		{"agent style", "sess_20260101.3:a", false},
		{"empty", "", true},
		{"path traversal attempt", "../../../etc/passwd", true},
		{"SQL injection attempt", "'; DROP TABLE turns; --", true},
		{"embedded space", "sess 1", true},
		{"too long", strings.Repeat("a", 200), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSessionID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSessionID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestValidateBackendName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"zed", false},
		{"my-agent_2", false},
		{"", true},
		{"has space", true},
		{"dot.name", true},
	}
	for _, tt := range tests {
		if err := ValidateBackendName(tt.name); (err != nil) != tt.wantErr {
			t.Errorf("ValidateBackendName(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestValidateMachineID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"", false},
		{"local", false},
		{"dev-1", false},
		{"docker:0123456789abcdef", false},
		{"docker:short", true},
		{"docker:0123456789abcdeg", true},
		{"bad id!", true},
	}
	for _, tt := range tests {
		if err := ValidateMachineID(tt.id); (err != nil) != tt.wantErr {
			t.Errorf("ValidateMachineID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
		}
	}
}
