package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/stretchr/testify/assert"

	"github.com/srg/sppctl/internal/discovery"
	"github.com/srg/sppctl/internal/session"
	"github.com/srg/sppctl/internal/stack"
	"github.com/srg/sppctl/manager"
)

func TestFormatUserError(t *testing.T) {
	dbusErr := errors.New("org.freedesktop.DBus.Error.NoReply")
	described := fault.Wrap(dbusErr,
		fctx.With(context.Background(), "error_at", "set-alias"),
		ftag.With(ftag.Internal),
		fmsg.WithDesc("set-alias", "Cannot set the adapter alias"),
	)
	missingAdapter := fault.Wrap(dbusErr,
		ftag.With(ftag.NotFound),
		fmsg.WithDesc("adapter lookup", "Bluetooth adapter not found"),
	)
	_, parseErr := stack.ParseAddress("24:0a:c4")

	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"nil", nil, ""},
		{"plain error", errors.New("boom"), "boom"},
		{"described stack error", stack.WrapStackError("set device name", described), "Cannot set the adapter alias (set device name)"},
		{"described not found", missingAdapter, "Bluetooth adapter not found; check --adapter"},
		{"client role only", fmt.Errorf("start discovery: %w", manager.ErrClientRoleOnly), manager.ErrClientRoleOnly.Error()},
		{"table full", &session.CapacityError{Kind: session.TableFull, Capacity: 8}, "raise session.capacity"},
		{"no address", discovery.ErrNoAddress, "enter an address (a)"},
		{"malformed address", parseErr, "expected xx:xx:xx:xx:xx:xx"},
		{"permission", fmt.Errorf("socket: %w", os.ErrPermission), "CAP_NET_RAW"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatUserError(tt.err)
			if tt.expected == "" {
				assert.Empty(t, got)
				return
			}
			assert.Contains(t, got, tt.expected, "user message MUST carry the description or hint")
		})
	}
}
