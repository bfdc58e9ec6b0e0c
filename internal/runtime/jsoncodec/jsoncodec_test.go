package jsoncodec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type muxHead struct {
	Headers map[string]string `json:"headers"`
	Key     []byte            `json:"key,omitempty"`
}

func TestHeaderColumnIsStable(t *testing.T) {
	headers := map[string]string{
		"event_message_schema": "orders.Placed",
		"correlation_id":       "c-1",
		"content_type":         "application/json",
	}

	first, err := MarshalString(headers)
	require.NoError(t, err)
	second, err := MarshalString(headers)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, `{"content_type":"application/json","correlation_id":"c-1","event_message_schema":"orders.Placed"}`, first)

	var back map[string]string
	require.NoError(t, UnmarshalString(first, &back))
	assert.Equal(t, headers, back)
}

func TestDirectoryRanges(t *testing.T) {
	ranges := [][2]int{{0, 12}, {12, 30}, {30, 31}}

	encoded, err := MarshalString(ranges)
	require.NoError(t, err)
	assert.Equal(t, "[[0,12],[12,30],[30,31]]", encoded)

	var decoded [][2]int
	require.NoError(t, UnmarshalString(encoded, &decoded))
	assert.Equal(t, ranges, decoded)

	assert.Error(t, UnmarshalString("[[0,12", &decoded))
}

func TestBytesAreBase64(t *testing.T) {
	data, err := Marshal(muxHead{Headers: map[string]string{}, Key: []byte("customer-7")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"headers":{},"key":"Y3VzdG9tZXItNw=="}`, string(data))

	var head muxHead
	require.NoError(t, Unmarshal(data, &head))
	assert.Equal(t, []byte("customer-7"), head.Key)

	keyless, err := Marshal(muxHead{Headers: map[string]string{"a": "1"}})
	require.NoError(t, err)
	assert.NotContains(t, string(keyless), "key")
}

func TestMarshalIndent(t *testing.T) {
	out, err := MarshalIndent(map[string]int{"total": 42}, "", "  ")
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"total\": 42\n}", string(out))
}

func TestStreamRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, muxHead{Headers: map[string]string{"source": "relay"}}))
	require.NoError(t, Encode(&buf, muxHead{Headers: map[string]string{"source": "inbox"}}))

	var first, second muxHead
	require.NoError(t, Decode(&buf, &first))
	require.NoError(t, Decode(&buf, &second))
	assert.Equal(t, "relay", first.Headers["source"])
	assert.Equal(t, "inbox", second.Headers["source"])
}
