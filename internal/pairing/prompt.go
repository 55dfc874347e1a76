package pairing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/sppctl/internal/output"
	"github.com/srg/sppctl/internal/stack"
)

// DefaultTimeout bounds how long an operator prompt may block the dispatcher
const DefaultTimeout = 10 * time.Second

// Prompter obtains one line of operator input. Ask shows the question to
// the operator and must return when ctx is done.
type Prompter interface {
	Ask(ctx context.Context, question string) (string, error)
}

// PrompterFunc adapts a function to Prompter
type PrompterFunc func(ctx context.Context, question string) (string, error)

// Ask implements Prompter
func (f PrompterFunc) Ask(ctx context.Context, question string) (string, error) {
	return f(ctx, question)
}

// Prompt asks an operator for every pairing decision and rejects the request
// when no valid answer arrives before the timeout.
type Prompt struct {
	prompter Prompter
	timeout  time.Duration
	sink     output.Sink
	logger   *logrus.Logger
}

// NewPrompt creates a Prompt policy. A non-positive timeout selects
// DefaultTimeout.
func NewPrompt(prompter Prompter, timeout time.Duration, sink output.Sink, logger *logrus.Logger) *Prompt {
	if logger == nil {
		logger = logrus.New()
	}
	if sink == nil {
		sink = output.Discard
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Prompt{prompter: prompter, timeout: timeout, sink: sink, logger: logger}
}

// Decide implements Policy
func (p *Prompt) Decide(ctx context.Context, req stack.PairingRequest) (stack.PairingReply, error) {
	announce(p.sink, req)
	if !req.ExpectsReply() {
		return stack.PairingReply{Kind: req.Kind}, nil
	}

	var question string
	var parse func(string) (stack.PairingReply, error)

	switch req.Kind {
	case stack.PairingLegacyPin:
		question = fmt.Sprintf("Enter %d-digit PIN for %s: ", req.PINLength(), req.Address)
		parse = func(answer string) (stack.PairingReply, error) {
			if len(answer) != req.PINLength() {
				return stack.PairingReply{}, fmt.Errorf("PIN must be exactly %d characters", req.PINLength())
			}
			return stack.PairingReply{Kind: req.Kind, Accept: true, PIN: []byte(answer)}, nil
		}
	case stack.PairingSSPConfirm:
		question = fmt.Sprintf("Confirm %06d for %s? [y/n]: ", req.Value, req.Address)
		parse = func(answer string) (stack.PairingReply, error) {
			switch strings.ToLower(answer) {
			case "y", "yes":
				return stack.PairingReply{Kind: req.Kind, Accept: true}, nil
			case "n", "no":
				return stack.PairingReply{Kind: req.Kind, Accept: false}, nil
			default:
				return stack.PairingReply{}, fmt.Errorf("answer y or n")
			}
		}
	case stack.PairingSSPPasskeyRequest:
		question = fmt.Sprintf("Enter 6-digit passkey for %s: ", req.Address)
		parse = func(answer string) (stack.PairingReply, error) {
			n, err := strconv.ParseUint(answer, 10, 32)
			if err != nil || len(answer) > 6 || n > stack.MaxPasskey {
				return stack.PairingReply{}, fmt.Errorf("passkey must be a number between 0 and %d", stack.MaxPasskey)
			}
			return stack.PairingReply{Kind: req.Kind, Accept: true, Passkey: uint32(n)}, nil
		}
	default:
		return stack.Rejection(req), fmt.Errorf("%w: %s", ErrUnknownKind, req.Kind)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	timedOut := func() (stack.PairingReply, error) {
		p.logger.WithFields(logrus.Fields{
			"address": req.Address.String(),
			"kind":    req.Kind.String(),
			"timeout": p.timeout,
		}).Warn("Pairing prompt timed out, rejecting")
		output.Printf(p.sink, output.SourceResult, "No answer within %s, pairing with %s rejected", p.timeout, req.Address)
		return stack.Rejection(req), ErrTimeout
	}

	for {
		if ctx.Err() != nil {
			return timedOut()
		}
		answer, err := p.prompter.Ask(ctx, question)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return timedOut()
			}
			return stack.Rejection(req), fmt.Errorf("pairing prompt failed: %w", err)
		}

		reply, perr := parse(strings.TrimSpace(answer))
		if perr != nil {
			output.Printf(p.sink, output.SourceInfo, "Invalid answer: %v", perr)
			continue
		}

		output.Printf(p.sink, output.SourceResult, "Pairing %s for %s answered", req.Kind, req.Address)
		return reply, nil
	}
}
