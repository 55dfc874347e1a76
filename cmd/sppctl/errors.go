package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"

	"github.com/srg/sppctl/internal/discovery"
	"github.com/srg/sppctl/internal/session"
	"github.com/srg/sppctl/internal/stack"
	"github.com/srg/sppctl/manager"
)

// Command-level errors
var (
	// ErrUnsupportedPlatform is returned where no Bluetooth backend is available
	ErrUnsupportedPlatform = errors.New("Bluetooth Classic backend is only available on Linux (BlueZ)")
)

// FormatUserError turns an error chain into a one-line message for the
// operator. Backend errors carrying a user-facing description print that
// description; known sentinels get a hint.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	issue := fmsg.GetIssue(err)
	var stackErr *stack.StackError
	switch {
	case issue != "" && errors.As(err, &stackErr):
		return fmt.Sprintf("%s (%s)", issue, stackErr.Op)
	case issue != "":
		if ftag.Get(err) == ftag.NotFound {
			return issue + "; check --adapter"
		}
		return issue
	case errors.Is(err, os.ErrPermission):
		return fmt.Sprintf("%v; raw RFCOMM and L2CAP sockets need CAP_NET_RAW or root", err)
	case errors.Is(err, manager.ErrClientRoleOnly):
		return fmt.Sprintf("%v; set role: client in the config file", err)
	case errors.Is(err, session.ErrTableFull):
		return fmt.Sprintf("%v; raise session.capacity or close sessions first", err)
	case errors.Is(err, discovery.ErrNoAddress):
		return fmt.Sprintf("%v; run name discovery (d) or enter an address (a)", err)
	case errors.Is(err, stack.ErrMalformed):
		return fmt.Sprintf("%v; expected xx:xx:xx:xx:xx:xx", err)
	}
	return err.Error()
}
