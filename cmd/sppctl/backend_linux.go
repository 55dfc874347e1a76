//go:build linux

package main

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/sppctl/internal/stack"
	"github.com/srg/sppctl/internal/stack/bluez"
	"github.com/srg/sppctl/pkg/config"
)

// openStack connects to the BlueZ adapter named in cfg
func openStack(cfg *config.Config, logger *logrus.Logger) (stack.Stack, error) {
	// the agent must outwait the prompt policy, which answers or rejects
	// within cfg.Pairing.Timeout
	return bluez.Open(bluez.Options{
		Adapter:        cfg.Adapter,
		PairingTimeout: max(bluez.DefaultPairingTimeout, 2*cfg.Pairing.Timeout),
		Logger:         logger,
	})
}
