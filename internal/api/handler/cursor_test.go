package handler

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/cuongbtq/research-scheduler/internal/scheduler/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobCursor_RoundTrip(t *testing.T) {
	cursor := &storage.Cursor{
		CreatedAt: time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC),
		JobID:     "7d1c58c4-3b5e-4e0f-9a4b-2f0c8f1e6a11",
	}

	encoded := EncodeJobCursor(cursor)
	assert.NotContains(t, encoded, "+")
	assert.NotContains(t, encoded, "/")

	decoded, err := DecodeJobCursor(encoded)
	require.NoError(t, err)
	assert.True(t, cursor.CreatedAt.Equal(decoded.CreatedAt))
	assert.Equal(t, cursor.JobID, decoded.JobID)
}

func TestDecodeJobCursor(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantNil bool
		wantErr bool
	}{
		{name: "empty cursor", input: "", wantNil: true},
		{name: "not base64", input: "!!!!", wantErr: true},
		{name: "missing separator", input: base64.RawURLEncoding.EncodeToString([]byte("12345")), wantErr: true},
		{name: "missing job id", input: base64.RawURLEncoding.EncodeToString([]byte("12345|")), wantErr: true},
		{name: "non-numeric timestamp", input: base64.RawURLEncoding.EncodeToString([]byte("abc|job")), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cursor, err := DecodeJobCursor(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, cursor)
			}
		})
	}
}
