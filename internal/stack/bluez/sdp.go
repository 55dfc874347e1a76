package bluez

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// SDP PDU identifiers
const (
	sdpErrorResponse                 = 0x01
	sdpServiceSearchAttributeRequest = 0x06
	sdpServiceSearchAttributeResp    = 0x07
)

// SDP attribute and protocol identifiers
const (
	attrProtocolDescriptorList = 0x0004
	attrServiceName            = 0x0100

	protoRFCOMM = 0x0003

	maxRFCOMMChannel = 30
)

// data element types
const (
	elemNil    = 0
	elemUint   = 1
	elemInt    = 2
	elemUUID   = 3
	elemString = 4
	elemBool   = 5
	elemSeq    = 6
	elemAlt    = 7
	elemURL    = 8
)

const (
	sdpHeaderLength      = 5
	sdpMaxAttributeBytes = 0xffff
	sdpMaxContinuations  = 16
)

var (
	errShortPDU    = errors.New("sdp: short pdu")
	errBadElement  = errors.New("sdp: malformed data element")
	errTransaction = errors.New("sdp: transaction id mismatch")
)

// bluetoothBase is the Bluetooth base UUID that short UUIDs expand into
var bluetoothBase = uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")

// sppService is one SPP service record found on a peer
type sppService struct {
	Channel uint8
	Name    string
}

// element is a decoded SDP data element
type element struct {
	kind  byte
	data  []byte
	items []element
}

func (e element) uint() (uint64, bool) {
	if e.kind != elemUint || len(e.data) == 0 || len(e.data) > 8 {
		return 0, false
	}
	var v uint64
	for _, b := range e.data {
		v = v<<8 | uint64(b)
	}
	return v, true
}

// shortUUID returns the 16 or 32 bit alias of a UUID element
func (e element) shortUUID() (uint32, bool) {
	if e.kind != elemUUID {
		return 0, false
	}
	switch len(e.data) {
	case 2:
		return uint32(binary.BigEndian.Uint16(e.data)), true
	case 4:
		return binary.BigEndian.Uint32(e.data), true
	case 16:
		id, err := uuid.FromBytes(e.data)
		if err != nil {
			return 0, false
		}
		short := binary.BigEndian.Uint32(id[:4])
		if fromShortUUID(short) != id {
			return 0, false
		}
		return short, true
	}
	return 0, false
}

func fromShortUUID(short uint32) uuid.UUID {
	id := bluetoothBase
	binary.BigEndian.PutUint32(id[:4], short)
	return id
}

// parseElement decodes one data element at the start of b and returns it
// with the number of bytes consumed
func parseElement(b []byte) (element, int, error) {
	if len(b) == 0 {
		return element{}, 0, errBadElement
	}
	kind, sizeIndex := b[0]>>3, b[0]&0x07
	pos := 1

	var size int
	switch {
	case kind == elemNil:
		size = 0
	case sizeIndex <= 4:
		size = 1 << sizeIndex
	default:
		n := 1 << (sizeIndex - 5)
		if len(b) < pos+n {
			return element{}, 0, errBadElement
		}
		for _, c := range b[pos : pos+n] {
			size = size<<8 | int(c)
		}
		pos += n
	}
	if size < 0 || len(b) < pos+size {
		return element{}, 0, errBadElement
	}

	e := element{kind: kind, data: b[pos : pos+size]}
	if kind == elemSeq || kind == elemAlt {
		for off := 0; off < size; {
			item, n, err := parseElement(e.data[off:])
			if err != nil {
				return element{}, 0, err
			}
			e.items = append(e.items, item)
			off += n
		}
	}
	return e, pos + size, nil
}

// appendSeqHeader appends a sequence header for a body of n bytes
func appendSeqHeader(b []byte, n int) []byte {
	if n <= 0xff {
		return append(b, elemSeq<<3|5, byte(n))
	}
	return append(b, elemSeq<<3|6, byte(n>>8), byte(n))
}

// searchAttributeRequest builds a ServiceSearchAttributeRequest for one
// service class asking for the protocol descriptor list and service name
func searchAttributeRequest(tid uint16, service uuid.UUID, continuation []byte) []byte {
	pattern := appendSeqHeader(nil, 17)
	pattern = append(pattern, elemUUID<<3|4)
	pattern = append(pattern, service[:]...)

	attrs := appendSeqHeader(nil, 6)
	attrs = append(attrs, elemUint<<3|1, 0, 0)
	binary.BigEndian.PutUint16(attrs[len(attrs)-2:], attrProtocolDescriptorList)
	attrs = append(attrs, elemUint<<3|1, 0, 0)
	binary.BigEndian.PutUint16(attrs[len(attrs)-2:], attrServiceName)

	params := append([]byte{}, pattern...)
	params = binary.BigEndian.AppendUint16(params, sdpMaxAttributeBytes)
	params = append(params, attrs...)
	params = append(params, byte(len(continuation)))
	params = append(params, continuation...)

	pdu := []byte{sdpServiceSearchAttributeRequest}
	pdu = binary.BigEndian.AppendUint16(pdu, tid)
	pdu = binary.BigEndian.AppendUint16(pdu, uint16(len(params)))
	return append(pdu, params...)
}

// parseSearchAttributeResponse returns the attribute list bytes and the
// continuation state of one response PDU
func parseSearchAttributeResponse(pdu []byte, tid uint16) ([]byte, []byte, error) {
	if len(pdu) < sdpHeaderLength {
		return nil, nil, errShortPDU
	}
	if got := binary.BigEndian.Uint16(pdu[1:3]); got != tid {
		return nil, nil, fmt.Errorf("%w: sent %d, got %d", errTransaction, tid, got)
	}
	params := pdu[sdpHeaderLength:]
	if int(binary.BigEndian.Uint16(pdu[3:5])) > len(params) {
		return nil, nil, errShortPDU
	}

	switch pdu[0] {
	case sdpServiceSearchAttributeResp:
	case sdpErrorResponse:
		if len(params) < 2 {
			return nil, nil, errShortPDU
		}
		return nil, nil, fmt.Errorf("sdp: error response 0x%04x", binary.BigEndian.Uint16(params))
	default:
		return nil, nil, fmt.Errorf("sdp: unexpected pdu 0x%02x", pdu[0])
	}

	if len(params) < 2 {
		return nil, nil, errShortPDU
	}
	count := int(binary.BigEndian.Uint16(params))
	if len(params) < 2+count+1 {
		return nil, nil, errShortPDU
	}
	lists := params[2 : 2+count]
	contLen := int(params[2+count])
	if len(params) < 2+count+1+contLen {
		return nil, nil, errShortPDU
	}
	cont := params[2+count+1 : 2+count+1+contLen]
	return lists, cont, nil
}

// parseServices decodes the attribute lists of a complete response into
// the RFCOMM channel and name of every record
func parseServices(lists []byte) ([]sppService, error) {
	top, _, err := parseElement(lists)
	if err != nil {
		return nil, err
	}
	if top.kind != elemSeq {
		return nil, errBadElement
	}

	var services []sppService
	for _, record := range top.items {
		if record.kind != elemSeq {
			continue
		}
		var svc sppService
		found := false
		for i := 0; i+1 < len(record.items); i += 2 {
			id, ok := record.items[i].uint()
			if !ok {
				continue
			}
			value := record.items[i+1]
			switch id {
			case attrProtocolDescriptorList:
				if ch, ok := rfcommChannel(value); ok {
					svc.Channel, found = ch, true
				}
			case attrServiceName:
				if value.kind == elemString {
					svc.Name = string(value.data)
				}
			}
		}
		if found {
			services = append(services, svc)
		}
	}
	return services, nil
}

// rfcommChannel finds the RFCOMM server channel in a protocol descriptor list
func rfcommChannel(list element) (uint8, bool) {
	for _, proto := range list.items {
		if len(proto.items) < 2 {
			continue
		}
		if id, ok := proto.items[0].shortUUID(); !ok || id != protoRFCOMM {
			continue
		}
		if ch, ok := proto.items[1].uint(); ok && ch >= 1 && ch <= maxRFCOMMChannel {
			return uint8(ch), true
		}
	}
	return 0, false
}

// searchSPP runs a complete ServiceSearchAttribute transaction over conn,
// following continuation states, and returns the SPP records found
func searchSPP(conn io.ReadWriter, service uuid.UUID) ([]sppService, error) {
	var (
		lists []byte
		cont  []byte
		buf   = make([]byte, 4096)
	)
	for round := 0; round < sdpMaxContinuations; round++ {
		tid := uint16(round + 1)
		if _, err := conn.Write(searchAttributeRequest(tid, service, cont)); err != nil {
			return nil, fmt.Errorf("sdp: write request: %w", err)
		}
		n, err := conn.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("sdp: read response: %w", err)
		}
		part, next, err := parseSearchAttributeResponse(buf[:n], tid)
		if err != nil {
			return nil, err
		}
		lists = append(lists, part...)
		if len(next) == 0 {
			return parseServices(lists)
		}
		cont = append(cont[:0], next...)
	}
	return nil, errors.New("sdp: too many continuation rounds")
}
