package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadPassword(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "matching", input: "secret1\nsecret1\n", want: "secret1"},
		{name: "crlf", input: "secret1\r\nsecret1\r\n", want: "secret1"},
		{name: "no trailing newline", input: "secret1\nsecret1", want: "secret1"},
		{name: "mismatch", input: "secret1\nsecret2\n", wantErr: true},
		{name: "missing confirmation", input: "secret1\n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			got, err := readPassword(strings.NewReader(tt.input), &out)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Contains(t, out.String(), "Confirm New Password: ")
		})
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.NotEmpty(t, strings.TrimSpace(out.String()))
}
