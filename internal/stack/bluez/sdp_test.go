package bluez

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seq(items ...[]byte) []byte {
	var body []byte
	for _, it := range items {
		body = append(body, it...)
	}
	return append(appendSeqHeader(nil, len(body)), body...)
}

func u8(v uint8) []byte      { return []byte{elemUint << 3, v} }
func u16(v uint16) []byte    { return []byte{elemUint<<3 | 1, byte(v >> 8), byte(v)} }
func uuid16(v uint16) []byte { return []byte{elemUUID<<3 | 1, byte(v >> 8), byte(v)} }
func text(s string) []byte   { return append([]byte{elemString<<3 | 5, byte(len(s))}, s...) }

func uuid128(v uint32) []byte {
	id := fromShortUUID(v)
	return append([]byte{elemUUID<<3 | 4}, id[:]...)
}

func sppRecord(channel uint8, name string, rfcommUUID []byte) []byte {
	return seq(
		u16(attrProtocolDescriptorList),
		seq(
			seq(uuid16(0x0100)),
			seq(rfcommUUID, u8(channel)),
		),
		u16(attrServiceName),
		text(name),
	)
}

func response(tid uint16, lists, cont []byte) []byte {
	params := binary.BigEndian.AppendUint16(nil, uint16(len(lists)))
	params = append(params, lists...)
	params = append(params, byte(len(cont)))
	params = append(params, cont...)
	pdu := []byte{sdpServiceSearchAttributeResp}
	pdu = binary.BigEndian.AppendUint16(pdu, tid)
	pdu = binary.BigEndian.AppendUint16(pdu, uint16(len(params)))
	return append(pdu, params...)
}

// fakeSDP answers each request with the next scripted response
type fakeSDP struct {
	responses [][]byte
	requests  [][]byte
}

func (f *fakeSDP) Write(p []byte) (int, error) {
	f.requests = append(f.requests, append([]byte{}, p...))
	return len(p), nil
}

func (f *fakeSDP) Read(p []byte) (int, error) {
	if len(f.responses) == 0 {
		return 0, errors.New("no response scripted")
	}
	n := copy(p, f.responses[0])
	f.responses = f.responses[1:]
	return n, nil
}

func TestSearchAttributeRequestLayout(t *testing.T) {
	pdu := searchAttributeRequest(7, SPPUUID, nil)

	require.Len(t, pdu, sdpHeaderLength+19+2+8+1)
	assert.Equal(t, byte(sdpServiceSearchAttributeRequest), pdu[0])
	assert.Equal(t, uint16(7), binary.BigEndian.Uint16(pdu[1:3]))
	assert.Equal(t, uint16(len(pdu)-sdpHeaderLength), binary.BigEndian.Uint16(pdu[3:5]))

	pattern, n, err := parseElement(pdu[sdpHeaderLength:])
	require.NoError(t, err)
	assert.Equal(t, 19, n)
	require.Len(t, pattern.items, 1)
	short, ok := pattern.items[0].shortUUID()
	assert.True(t, ok)
	assert.Equal(t, uint32(0x1101), short, "search pattern MUST carry the SPP class")
	assert.Equal(t, byte(0), pdu[len(pdu)-1], "no continuation state on the first request")
}

func TestSearchSPP(t *testing.T) {
	// GOAL: Collect channels across a continued response
	//
	// TEST SCENARIO: two records split over two PDUs -> both channels, in order, with names

	lists := seq(
		sppRecord(3, "Serial Port", uuid16(protoRFCOMM)),
		sppRecord(5, "Console", uuid128(protoRFCOMM)),
	)
	half := len(lists) / 2
	conn := &fakeSDP{responses: [][]byte{
		response(1, lists[:half], []byte{0xaa, 0xbb}),
		response(2, lists[half:], nil),
	}}

	services, err := searchSPP(conn, SPPUUID)

	require.NoError(t, err)
	assert.Equal(t, []sppService{{Channel: 3, Name: "Serial Port"}, {Channel: 5, Name: "Console"}}, services)
	require.Len(t, conn.requests, 2)
	second := conn.requests[1]
	assert.Equal(t, []byte{2, 0xaa, 0xbb}, second[len(second)-3:], "continuation state MUST be echoed back")
}

func TestSearchSPPRejectsBadResponses(t *testing.T) {
	tests := []struct {
		name     string
		response []byte
		contains string
	}{
		{"short pdu", []byte{sdpServiceSearchAttributeResp, 0}, "short pdu"},
		{"wrong transaction", response(9, seq(), nil), "transaction id mismatch"},
		{"error response", []byte{sdpErrorResponse, 0, 1, 0, 2, 0, 3}, "error response 0x0003"},
		{"unexpected pdu", []byte{0x05, 0, 1, 0, 0}, "unexpected pdu"},
		{"truncated attribute lists", response(1, []byte{elemSeq<<3 | 5, 10, 1}, nil), "malformed data element"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := searchSPP(&fakeSDP{responses: [][]byte{tt.response}}, SPPUUID)

			assert.ErrorContains(t, err, tt.contains)
		})
	}
}

func TestParseServicesSkipsRecordsWithoutRFCOMM(t *testing.T) {
	l2capOnly := seq(u16(attrProtocolDescriptorList), seq(seq(uuid16(0x0100), u16(0x1001))))
	badChannel := sppRecord(31, "Out of range", uuid16(protoRFCOMM))

	services, err := parseServices(seq(l2capOnly, badChannel, sppRecord(1, "", uuid16(protoRFCOMM))))

	require.NoError(t, err)
	assert.Equal(t, []sppService{{Channel: 1}}, services)
}

func TestParseElementLengths(t *testing.T) {
	long := make([]byte, 300)
	data := append([]byte{elemString<<3 | 6, 0x01, 0x2c}, long...)

	e, n, err := parseElement(data)

	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Len(t, e.data, 300)

	_, _, err = parseElement([]byte{elemString<<3 | 7, 0, 0})
	assert.ErrorIs(t, err, errBadElement)

	nilElem, n, err := parseElement([]byte{0x00})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, nilElem.data)
}
