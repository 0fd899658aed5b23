package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_KnownTags(t *testing.T) {
	cases := []struct {
		data []byte
		want Tag
	}{
		{[]byte(`{"type":"ready","sampleRate":16000,"ttsSampleRate":24000}`), TagReady},
		{[]byte(`{"type":"chat","text":"hi","steps":[]}`), TagChat},
		{[]byte(`{"type":"cancel"}`), TagCancel},
		{[]byte(`{"type":"reset"}`), TagReset},
		{[]byte(`{"type":"ping"}`), TagPing},
	}
	for _, tc := range cases {
		tag, ok := Decode(tc.data)
		require.True(t, ok, "%s", tc.data)
		assert.Equal(t, tc.want, tag)
	}
}

func TestDecode_UnknownAndMalformedAreDropped(t *testing.T) {
	for _, data := range [][]byte{
		[]byte(`{"type":"authenticate"}`),
		[]byte(`{"no_type":true}`),
		[]byte(`{}`),
		[]byte(`garbage`),
		nil,
	} {
		_, ok := Decode(data)
		assert.False(t, ok, "%s should be dropped", data)
	}
}

func TestNewChat_NilStepsEncodeAsEmptyArray(t *testing.T) {
	data, err := json.Marshal(NewChat("hello", nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"chat","text":"hello","steps":[]}`, string(data))
}

func TestNewError_OmitsEmptyDetails(t *testing.T) {
	data, err := json.Marshal(NewError("Chat failed"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","message":"Chat failed"}`, string(data))

	data, err = json.Marshal(NewError("bad", "detail-1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","message":"bad","details":["detail-1"]}`, string(data))
}

func TestReady_RoundTrip(t *testing.T) {
	data, err := json.Marshal(NewReady(16000, 24000, 1))
	require.NoError(t, err)

	var decoded Ready
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, 16000, decoded.SampleRate)
	assert.Equal(t, 24000, decoded.TTSSampleRate)
	assert.Equal(t, 1, decoded.Version)
}
