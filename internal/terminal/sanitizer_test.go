package terminal

import (
	"errors"
	"testing"

	"github.com/web-casa/casastack/internal/apperr"
)

func TestScreenConsoleInput(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"allowed command", "docker ps\n", "docker ps\r", false},
		{"case insensitive", "LS -la\r\n", "LS -la\r", false},
		{"ctrl c", "\x03", "\x03", false},
		{"empty line", "\n", "\r", false},
		{"chained command", "docker ps; rm -rf /", "", true},
		{"pipe", "ls | sh", "", true},
		{"substitution", "docker $(id)", "", true},
		{"not allowed", "rm -rf /", "", true},
		{"redirect", "ls > /etc/passwd", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ScreenConsoleInput(tt.input, DefaultAllowedCommands)
			if tt.wantErr {
				if !errors.Is(err, apperr.ErrValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsCommandAllowed(t *testing.T) {
	if IsCommandAllowed("   ", DefaultAllowedCommands) {
		t.Error("blank command must not be allowed")
	}
	if !IsCommandAllowed("cd /opt/stacks", DefaultAllowedCommands) {
		t.Error("cd must be allowed")
	}
	if IsCommandAllowed("dockerd", DefaultAllowedCommands) {
		t.Error("prefix match must not be allowed")
	}
}
