// Package pairing answers pairing prompts raised by the stack.
//
// A Policy is consulted synchronously by the event dispatcher for every
// pairing request. Three policies are provided: Fixed (configured answers),
// Prompt (ask an operator with a bounded wait) and Reject.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/srg/sppctl/internal/output"
	"github.com/srg/sppctl/internal/stack"
)

// Policy decides the reply to one pairing request.
//
// For requests that expect no reply (SSP passkey notification) the returned
// reply is ignored. When Decide returns an error the reply is a rejection and
// should still be sent so the stack does not wait for a timeout.
type Policy interface {
	Decide(ctx context.Context, req stack.PairingRequest) (stack.PairingReply, error)
}

// Mode selects a policy implementation
type Mode string

const (
	ModeFixed  Mode = "fixed"
	ModePrompt Mode = "prompt"
	ModeReject Mode = "reject"
)

// ParseMode validates a configured policy mode
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(s)); m {
	case ModeFixed, ModePrompt, ModeReject:
		return m, nil
	default:
		return "", fmt.Errorf("invalid pairing mode %q (must be fixed, prompt, or reject)", s)
	}
}

var (
	// ErrTimeout is returned when an operator did not answer in time
	ErrTimeout = errors.New("pairing prompt timed out")
	// ErrUnknownKind is returned for a request kind no policy understands
	ErrUnknownKind = errors.New("unknown pairing request kind")
)

// FitPIN returns pin adjusted to exactly length bytes: longer values are
// truncated, shorter ones right-padded with '0'.
func FitPIN(pin string, length int) []byte {
	out := make([]byte, length)
	for i := range out {
		if i < len(pin) {
			out[i] = pin[i]
		} else {
			out[i] = '0'
		}
	}
	return out
}

// announce prints the informational part of a request to the sink
func announce(sink output.Sink, req stack.PairingRequest) {
	switch req.Kind {
	case stack.PairingSSPPasskeyNotify:
		output.Printf(sink, output.SourceInfo, "Passkey for %s: %06d", req.Address, req.Value)
	case stack.PairingSSPConfirm:
		output.Printf(sink, output.SourceInfo, "Confirm numeric value %06d for %s", req.Value, req.Address)
	case stack.PairingLegacyPin:
		output.Printf(sink, output.SourceInfo, "PIN requested by %s (%d digits)", req.Address, req.PINLength())
	case stack.PairingSSPPasskeyRequest:
		output.Printf(sink, output.SourceInfo, "Passkey requested by %s", req.Address)
	}
}
