package stack

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEIR_NamePrefersComplete(t *testing.T) {
	data := EncodeEIR(
		EIRField{Type: EIRFlags, Data: []byte{0x02}},
		EIRField{Type: EIRShortName, Data: []byte("NCC")},
		EIRField{Type: EIRCompleteName, Data: []byte("NCC-1701F")},
	)

	eir, err := ParseEIR(data)
	require.NoError(t, err)

	name, ok := eir.Name()
	assert.True(t, ok)
	assert.Equal(t, "NCC-1701F", name)
	assert.Equal(t, []EIRType{EIRFlags, EIRShortName, EIRCompleteName}, eir.Types(), "field order MUST follow the advertisement")
}

func TestEIR_FallsBackToShortName(t *testing.T) {
	eir, err := ParseEIR(EncodeEIR(EIRField{Type: EIRShortName, Data: []byte("NCC-1701")}))
	require.NoError(t, err)

	name, ok := eir.Name()
	assert.True(t, ok)
	assert.Equal(t, "NCC-1701", name)
}

func TestEIR_NoName(t *testing.T) {
	eir, err := ParseEIR(EncodeEIR(EIRField{Type: EIRTxPower, Data: []byte{0x04}}))
	require.NoError(t, err)

	_, ok := eir.Name()
	assert.False(t, ok)
}

func TestEIR_NameIsCapped(t *testing.T) {
	long := bytes.Repeat([]byte("x"), 254)

	eir, err := ParseEIR(EncodeEIR(EIRField{Type: EIRCompleteName, Data: long}))
	require.NoError(t, err)

	name, ok := eir.Name()
	assert.True(t, ok)
	assert.Len(t, name, MaxNameLength)
}

func TestEIR_ZeroLengthTerminates(t *testing.T) {
	data := append(EncodeEIR(EIRField{Type: EIRCompleteName, Data: []byte("A")}), 0x00, 0x05, 0x09, 'j', 'u', 'n', 'k')

	eir, err := ParseEIR(data)
	require.NoError(t, err)
	assert.Equal(t, 1, eir.Len(), "padding after a zero length byte MUST be ignored")
}

func TestEIR_Truncated(t *testing.T) {
	data := EncodeEIR(EIRField{Type: EIRShortName, Data: []byte("ok")})
	data = append(data, 0x0a, byte(EIRCompleteName), 'N', 'C')

	eir, err := ParseEIR(data)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTruncatedEIR))

	name, ok := eir.Name()
	assert.True(t, ok, "fields before the overrun MUST still be returned")
	assert.Equal(t, "ok", name)
}

func TestEIR_FirstOccurrenceWins(t *testing.T) {
	eir, err := ParseEIR(EncodeEIR(
		EIRField{Type: EIRCompleteName, Data: []byte("first")},
		EIRField{Type: EIRCompleteName, Data: []byte("second")},
	))
	require.NoError(t, err)

	name, _ := eir.Name()
	assert.Equal(t, "first", name)
}

func TestEIR_NilSafe(t *testing.T) {
	var eir *EIR

	_, ok := eir.Name()
	assert.False(t, ok)
	assert.Nil(t, eir.Types())
	assert.Equal(t, 0, eir.Len())
}

func TestPairingRequest_PINLength(t *testing.T) {
	assert.Equal(t, 4, PairingRequest{Kind: PairingLegacyPin}.PINLength())
	assert.Equal(t, 16, PairingRequest{Kind: PairingLegacyPin, Requires16Digits: true}.PINLength())
	assert.False(t, PairingRequest{Kind: PairingSSPPasskeyNotify}.ExpectsReply())
	assert.True(t, PairingRequest{Kind: PairingSSPConfirm}.ExpectsReply())
}

func TestEvent_Channels(t *testing.T) {
	tests := []struct {
		event   Event
		channel Channel
	}{
		{event: PairingRequestEvent{}, channel: ChannelGAP},
		{event: DiscoveryResultEvent{}, channel: ChannelGAP},
		{event: OpenEvent{}, channel: ChannelSPP},
		{event: CloseEvent{}, channel: ChannelSPP},
		{event: UnknownEvent{Source: ChannelSPP}, channel: ChannelSPP},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.channel, tt.event.Channel(), "event %s MUST arrive on %s", tt.event.Kind(), tt.channel)
	}
	assert.Equal(t, "srv_open", OpenEvent{Inbound: true}.Kind())
	assert.Equal(t, "unknown(42)", UnknownEvent{Code: 42}.Kind())
}
