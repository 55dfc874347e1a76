package main

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/srg/sppctl/internal/discovery"
	"github.com/srg/sppctl/internal/dispatch"
	"github.com/srg/sppctl/internal/output"
	"github.com/srg/sppctl/internal/pairing"
	"github.com/srg/sppctl/internal/session"
	"github.com/srg/sppctl/internal/stack"
	"github.com/srg/sppctl/manager"
	"github.com/srg/sppctl/pkg/config"
)

// ErrPromptNeedsConsole is returned for the prompt pairing mode without a console
var ErrPromptNeedsConsole = errors.New("pairing mode prompt needs the interactive console")

// managerOptions maps a validated config onto manager options. PTY
// payloads announce their device paths on sink.
func managerOptions(cfg *config.Config, sink output.Sink) (manager.Options, error) {
	role, err := dispatch.ParseRole(cfg.Role)
	if err != nil {
		return manager.Options{}, err
	}
	security, err := stack.ParseSecurityLevel(cfg.Security)
	if err != nil {
		return manager.Options{}, err
	}

	payload := session.Echo()
	if cfg.Session.Payload == "pty" {
		payload = session.PTY(cfg.Session.PTYBufferSize, sink)
	}

	return manager.Options{
		Role:          role,
		DeviceName:    cfg.DeviceName,
		ServerName:    cfg.Server.Name,
		ServerChannel: cfg.Server.Channel,
		Security:      security,
		Discovery: discovery.Options{
			TargetName:      cfg.Discovery.TargetName,
			InquiryDuration: cfg.Discovery.InquiryDuration,
			MaxResponses:    cfg.Discovery.MaxResponses,
			Security:        security,
		},
		Session: session.Options{
			Capacity:          cfg.Session.Capacity,
			ChunkSize:         cfg.Session.ChunkSize,
			IdleInterval:      cfg.Session.IdleInterval,
			StopTimeout:       cfg.Session.StopTimeout,
			ObservationBuffer: cfg.Session.ObservationBuffer,
			Payload:           payload,
		},
		QueueSize:        cfg.EventQueueSize,
		EventBusCapacity: manager.DefaultEventBusCapacity,
	}, nil
}

// newPolicy builds the configured pairing policy. prompter is only used in
// the prompt mode and may be nil otherwise.
func newPolicy(cfg *config.Config, prompter pairing.Prompter, sink output.Sink, logger *logrus.Logger) (pairing.Policy, error) {
	mode, err := pairing.ParseMode(cfg.Pairing.Mode)
	if err != nil {
		return nil, err
	}

	switch mode {
	case pairing.ModePrompt:
		if prompter == nil {
			return nil, ErrPromptNeedsConsole
		}
		return pairing.NewPrompt(prompter, cfg.Pairing.Timeout, sink, logger), nil
	case pairing.ModeReject:
		return pairing.NewReject(sink, logger), nil
	default:
		return pairing.NewFixed(pairing.FixedAnswers{
			PIN:     cfg.Pairing.PIN,
			PIN16:   cfg.Pairing.PIN16,
			Passkey: cfg.Pairing.Passkey,
			Accept:  cfg.Pairing.Accept,
		}, sink, logger), nil
	}
}
