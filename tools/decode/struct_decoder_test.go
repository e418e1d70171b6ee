package decode

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type markReadPayload struct {
	ChatID     string   `json:"chatId"`
	MessageIDs []string `json:"messageIds"`
	Page       int      `json:"page"`
}

func TestDecodeMapFromJSON(t *testing.T) {
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"chatId":"c1","messageIds":["m1",22],"page":2}`), &m))

	out, err := DecodeMap[markReadPayload](m)
	require.NoError(t, err)
	assert.Equal(t, "c1", out.ChatID)
	assert.Equal(t, []string{"m1", "22"}, out.MessageIDs)
	assert.Equal(t, 2, out.Page)
}

func TestDecodeMapWeak(t *testing.T) {
	out, err := DecodeMap[markReadPayload](map[string]any{"page": "3"})
	require.NoError(t, err)
	assert.Equal(t, 3, out.Page)

	_, err = DecodeMap[markReadPayload](map[string]any{"page": "x"})
	assert.Error(t, err)

	_, err = DecodeMap[markReadPayload](map[string]any{"page": 2.5})
	assert.Error(t, err)
}

func TestDecodeMapErrorUnused(t *testing.T) {
	_, err := DecodeMap[markReadPayload](map[string]any{"bogus": 1}, Options{WeaklyTypedInput: true, ErrorUnused: true})
	assert.Error(t, err)
}

func TestDecodeMapSingleID(t *testing.T) {
	out, err := DecodeMap[markReadPayload](map[string]any{"chatId": "c1", "messageIds": "m9"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m9"}, out.MessageIDs)

	out, err = DecodeMap[markReadPayload](map[string]any{"chatId": "c1"})
	require.NoError(t, err)
	assert.Empty(t, out.MessageIDs)
}

func TestDecodeMapNilPayload(t *testing.T) {
	_, err := DecodeMap[markReadPayload](nil)
	assert.ErrorIs(t, err, ErrNilPayload)
}
