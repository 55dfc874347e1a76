package pairing

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/sppctl/internal/output"
	"github.com/srg/sppctl/internal/stack"
)

// Placeholder answers used when nothing is configured
const (
	DefaultPIN     = "1234"
	DefaultPIN16   = "0000000000000000"
	DefaultPasskey = 123456
)

// FixedAnswers are the configured replies of a Fixed policy
type FixedAnswers struct {
	PIN     string
	PIN16   string
	Passkey uint32
	Accept  bool
}

// DefaultAnswers returns the placeholder answers
func DefaultAnswers() FixedAnswers {
	return FixedAnswers{
		PIN:     DefaultPIN,
		PIN16:   DefaultPIN16,
		Passkey: DefaultPasskey,
		Accept:  true,
	}
}

// Fixed answers every request with configured values
type Fixed struct {
	answers FixedAnswers
	sink    output.Sink
	logger  *logrus.Logger
}

// NewFixed creates a Fixed policy
func NewFixed(answers FixedAnswers, sink output.Sink, logger *logrus.Logger) *Fixed {
	if logger == nil {
		logger = logrus.New()
	}
	if sink == nil {
		sink = output.Discard
	}
	return &Fixed{answers: answers, sink: sink, logger: logger}
}

// Decide implements Policy
func (f *Fixed) Decide(_ context.Context, req stack.PairingRequest) (stack.PairingReply, error) {
	announce(f.sink, req)

	reply := stack.PairingReply{Kind: req.Kind}
	switch req.Kind {
	case stack.PairingLegacyPin:
		pin := f.answers.PIN
		if req.Requires16Digits {
			pin = f.answers.PIN16
		}
		reply.Accept = true
		reply.PIN = FitPIN(pin, req.PINLength())
	case stack.PairingSSPConfirm:
		reply.Accept = f.answers.Accept
	case stack.PairingSSPPasskeyRequest:
		reply.Accept = true
		reply.Passkey = f.answers.Passkey % (stack.MaxPasskey + 1)
	case stack.PairingSSPPasskeyNotify:
		return reply, nil
	default:
		return stack.Rejection(req), fmt.Errorf("%w: %s", ErrUnknownKind, req.Kind)
	}

	f.logger.WithFields(logrus.Fields{
		"address": req.Address.String(),
		"kind":    req.Kind.String(),
		"accept":  reply.Accept,
	}).Debug("Fixed pairing answer")
	output.Printf(f.sink, output.SourceResult, "Pairing %s for %s answered automatically", req.Kind, req.Address)
	return reply, nil
}

// Reject refuses every pairing request
type Reject struct {
	sink   output.Sink
	logger *logrus.Logger
}

// NewReject creates a Reject policy
func NewReject(sink output.Sink, logger *logrus.Logger) *Reject {
	if logger == nil {
		logger = logrus.New()
	}
	if sink == nil {
		sink = output.Discard
	}
	return &Reject{sink: sink, logger: logger}
}

// Decide implements Policy
func (r *Reject) Decide(_ context.Context, req stack.PairingRequest) (stack.PairingReply, error) {
	announce(r.sink, req)
	if req.ExpectsReply() {
		r.logger.WithField("address", req.Address.String()).Info("Rejecting pairing request")
		output.Printf(r.sink, output.SourceResult, "Pairing %s for %s rejected", req.Kind, req.Address)
	}
	return stack.Rejection(req), nil
}
