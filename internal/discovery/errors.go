package discovery

import (
	"errors"
	"fmt"

	"github.com/srg/sppctl/internal/stack"
)

var (
	ErrInquiryInProgress          = errors.New("inquiry already in progress")
	ErrNoAddress                  = errors.New("no remote address matched or entered")
	ErrServiceDiscoveryInProgress = errors.New("service discovery already in progress")
	ErrChannelNotResolved         = errors.New("service channel not resolved")
	ErrInvalidChannelIndex        = errors.New("channel index must be 1 or 2")
	ErrUnexpectedEvent            = errors.New("event does not fit discovery state")
)

// ServiceDiscoveryError reports a failed service discovery. The coordinator
// stays in ServiceDiscovering with the failed flag set; a new
// StartServiceDiscovery may be issued.
type ServiceDiscoveryError struct {
	Address stack.Address
	Status  stack.Status
}

// Error implements the error interface
func (e *ServiceDiscoveryError) Error() string {
	return fmt.Sprintf("service discovery on %s failed: %s", e.Address, e.Status)
}
