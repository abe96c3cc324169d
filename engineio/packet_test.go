package engineio

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	tests := []struct {
		input string
		typ   PacketType
		data  string
	}{
		{input: "2", typ: PacketTypePing},
		{input: "3probe", typ: PacketTypePong, data: "probe"},
		{input: `42["hello"]`, typ: PacketTypeMessage, data: `2["hello"]`},
		{input: "1", typ: PacketTypeClose},
	}

	for _, tt := range tests {
		p, err := DecodePacket([]byte(tt.input))
		require.NoError(t, err)
		assert.Equal(t, tt.typ, p.Type)
		assert.Equal(t, tt.data, string(p.Data))
		assert.Equal(t, tt.input, string(p.Encode()))
	}
}

func TestDecodePacketErrors(t *testing.T) {
	for _, input := range []string{"", "7", "a"} {
		_, err := DecodePacket([]byte(input))
		assert.ErrorIs(t, err, ErrInvalidPacket, "input %q", input)
	}
}

func TestEncodeHandshakeUsesMilliseconds(t *testing.T) {
	raw, err := EncodeHandshake("abc", 25*time.Second, 20*time.Second, 1e6)
	require.NoError(t, err)
	require.Equal(t, byte('0'), raw[0])

	var hs HandshakeData
	require.NoError(t, json.Unmarshal(raw[1:], &hs))
	assert.Equal(t, "abc", hs.SID)
	assert.Equal(t, 25000, hs.PingInterval)
	assert.Equal(t, 20000, hs.PingTimeout)
	assert.Equal(t, 1000000, hs.MaxPayload)
	assert.Empty(t, hs.Upgrades)
}
