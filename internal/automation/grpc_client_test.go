package automation

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessage(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("cb:1"))
	msg, err := decodeMessage(map[string]any{
		"id":       float64(42),
		"reply_to": float64(41),
		"text":     "Results",
		"date":     float64(1_700_000_000),
		"buttons": []any{
			[]any{
				map[string]any{"text": "A.mkv", "data": payload},
				map[string]any{"text": "site", "url": "https://example.org/x"},
			},
		},
		"attachment": map[string]any{"kind": "video", "file_id": "F1", "size": float64(2048)},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(42), msg.ID)
	assert.Equal(t, int64(41), msg.ReplyTo)
	require.Len(t, msg.Buttons, 1)
	require.Len(t, msg.Buttons[0], 2)
	assert.Equal(t, []byte("cb:1"), msg.Buttons[0][0].Data)
	assert.Equal(t, "https://example.org/x", msg.Buttons[0][1].URL)
	require.NotNil(t, msg.Attachment)
	assert.Equal(t, int64(2048), msg.Attachment.Size)
	assert.False(t, msg.Date.IsZero())
}

func TestDecodeMessageRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]any
	}{
		{"missing id", map[string]any{"text": "x"}},
		{"row not list", map[string]any{"id": float64(1), "buttons": []any{"nope"}}},
		{"button not object", map[string]any{"id": float64(1), "buttons": []any{[]any{"nope"}}}},
		{"bad payload", map[string]any{"id": float64(1), "buttons": []any{[]any{map[string]any{"data": "%%%"}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeMessage(tt.in)
			assert.ErrorIs(t, err, errMalformedMessage)
		})
	}
}

func TestNewGrpcClientDefersDial(t *testing.T) {
	c, err := NewGrpcClient(DefaultGrpcClientConfig(), nil)
	require.NoError(t, err)
	assert.NotNil(t, c.Inbound())
	require.NoError(t, c.Close())
}
