package stack

import "fmt"

// PairingKind identifies the pairing prompt raised by the stack
type PairingKind int

const (
	PairingLegacyPin PairingKind = iota
	PairingSSPConfirm
	PairingSSPPasskeyNotify
	PairingSSPPasskeyRequest
)

func (k PairingKind) String() string {
	switch k {
	case PairingLegacyPin:
		return "legacy_pin"
	case PairingSSPConfirm:
		return "ssp_confirm"
	case PairingSSPPasskeyNotify:
		return "ssp_passkey_notify"
	case PairingSSPPasskeyRequest:
		return "ssp_passkey_request"
	default:
		return fmt.Sprintf("pairing(%d)", int(k))
	}
}

// PIN lengths accepted for legacy pairing
const (
	ShortPINLength = 4
	LongPINLength  = 16
)

// MaxPasskey is the largest 6-digit SSP passkey
const MaxPasskey = 999999

// PairingRequest is one in-flight pairing prompt.
// Value is the number to confirm (SSPConfirm) or display (SSPPasskeyNotify).
type PairingRequest struct {
	Kind             PairingKind
	Address          Address
	Requires16Digits bool
	Value            uint32
}

// PINLength returns the PIN length a LegacyPin request demands
func (r PairingRequest) PINLength() int {
	if r.Requires16Digits {
		return LongPINLength
	}
	return ShortPINLength
}

// ExpectsReply reports whether the stack waits for an answer to this request
func (r PairingRequest) ExpectsReply() bool {
	return r.Kind != PairingSSPPasskeyNotify
}

// PairingReply is the answer to a PairingRequest. Only the fields relevant to
// Kind are meaningful: PIN for LegacyPin, Accept for every replied kind,
// Passkey for SSPPasskeyRequest.
type PairingReply struct {
	Kind    PairingKind
	Accept  bool
	PIN     []byte
	Passkey uint32
}

// Rejection returns a negative reply for req
func Rejection(req PairingRequest) PairingReply {
	return PairingReply{Kind: req.Kind, Accept: false}
}
