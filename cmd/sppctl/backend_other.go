//go:build !linux

package main

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/sppctl/internal/stack"
	"github.com/srg/sppctl/pkg/config"
)

func openStack(*config.Config, *logrus.Logger) (stack.Stack, error) {
	return nil, ErrUnsupportedPlatform
}
