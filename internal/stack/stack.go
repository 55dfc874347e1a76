package stack

import (
	"fmt"
	"strings"
	"time"
)

// Handle is the opaque identifier the stack assigns to an open connection.
// It is unique while the connection is open.
type Handle uint32

// Descriptor is the opaque I/O endpoint of an open connection. A backend
// never hands out the same descriptor twice, so a descriptor kept after its
// connection closed cannot reach another connection.
type Descriptor int

// SecurityLevel is the security requirement of a connect or listen request
type SecurityLevel int

const (
	SecurityNone SecurityLevel = iota
	SecurityAuthorize
	SecurityAuthenticate
)

var securityNames = map[SecurityLevel]string{
	SecurityNone:         "none",
	SecurityAuthorize:    "authorize",
	SecurityAuthenticate: "authenticate",
}

func (s SecurityLevel) String() string {
	if name, ok := securityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("security(%d)", int(s))
}

// ParseSecurityLevel maps "none", "authorize" or "authenticate" to a SecurityLevel
func ParseSecurityLevel(s string) (SecurityLevel, error) {
	for level, name := range securityNames {
		if strings.EqualFold(s, name) {
			return level, nil
		}
	}
	return SecurityNone, fmt.Errorf("invalid security level %q (must be none, authorize, or authenticate)", s)
}

// LinkRole is the link-layer role requested for a connection
type LinkRole int

const (
	RoleMaster LinkRole = iota // initiator
	RoleSlave                  // acceptor
)

func (r LinkRole) String() string {
	if r == RoleSlave {
		return "slave"
	}
	return "master"
}

// InquiryMode selects general or limited inquiry
type InquiryMode int

const (
	InquiryGeneral InquiryMode = iota
	InquiryLimited
)

// DiscoverableMode is the discoverability half of the scan mode
type DiscoverableMode int

const (
	NonDiscoverable DiscoverableMode = iota
	LimitedDiscoverable
	GeneralDiscoverable
)

// Inquiry duration bounds, in units of InquiryUnit
const (
	MinInquiryDuration = 0x01
	MaxInquiryDuration = 0x30
	InquiryUnit        = 1280 * time.Millisecond
)

// InquiryTimeout converts an inquiry duration in stack units to wall time
func InquiryTimeout(duration uint8) time.Duration {
	return time.Duration(duration) * InquiryUnit
}

// EventHandler receives stack events. Backends invoke it from their own
// goroutines; the dispatcher serializes delivery.
type EventHandler func(Event)

// GAP covers discovery, naming, bonding and pairing replies
type GAP interface {
	RegisterGAPCallback(h EventHandler) error
	SetDeviceName(name string) error
	SetScanMode(connectable bool, mode DiscoverableMode) error
	StartInquiry(mode InquiryMode, duration uint8, maxResponses uint8) error
	CancelInquiry() error
	BondedDevices() ([]Address, error)
	RemoveBondedDevice(addr Address) error
	// ReplyPairing answers the in-flight pairing request for req.Address.
	ReplyPairing(req PairingRequest, reply PairingReply) error
}

// SPP covers the serial port profile: service discovery and connections
type SPP interface {
	RegisterSPPCallback(h EventHandler) error
	// EnableSPP initializes the profile; completion arrives as SPPInitEvent.
	EnableSPP() error
	StartServiceDiscovery(addr Address) error
	Connect(sec SecurityLevel, role LinkRole, channel uint8, addr Address) error
	Disconnect(h Handle) error
	Listen(sec SecurityLevel, role LinkRole, channel uint8, serviceName string) error
}

// Transport is the byte-stream primitive behind an open connection.
//
// Read never blocks: it returns (0, nil) when nothing is available,
// (n, nil) for n received bytes, and a non-nil error once the peer closed
// or the transport failed.
type Transport interface {
	Read(d Descriptor, buf []byte) (int, error)
	Write(d Descriptor, buf []byte) (int, error)
}

// Stack is the complete capability a backend provides
type Stack interface {
	GAP
	SPP
	Transport
	Close() error
}
