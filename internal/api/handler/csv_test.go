package handler

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRecipientsCSV(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr bool
	}{
		{
			name:  "single column",
			input: "email\na@example.com\nb@example.com\n",
			want:  []string{"a@example.com", "b@example.com"},
		},
		{
			name:  "mixed case header among others",
			input: "name,E-Mail,Email\nAnn,x,ann@example.com\n",
			want:  []string{"ann@example.com"},
		},
		{
			name:  "byte order mark and blanks",
			input: "\ufeffemail\n\n  a@example.com \n,\n",
			want:  []string{"a@example.com"},
		},
		{
			name:  "short rows skipped",
			input: "name,email\nAnn\nBob,bob@example.com\n",
			want:  []string{"bob@example.com"},
		},
		{
			name:  "header only",
			input: "email\n",
			want:  []string{},
		},
		{
			name:    "no email column",
			input:   "name\nAnn\n",
			wantErr: true,
		},
		{
			name:    "empty file",
			input:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseRecipientsCSV(strings.NewReader(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
