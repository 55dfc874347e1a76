package stack

import "fmt"

// Channel is the callback channel an event arrives on
type Channel int

const (
	ChannelGAP Channel = iota
	ChannelSPP
)

func (c Channel) String() string {
	switch c {
	case ChannelGAP:
		return "gap"
	case ChannelSPP:
		return "spp"
	default:
		return fmt.Sprintf("channel(%d)", int(c))
	}
}

// Event is a stack-originated asynchronous notification.
//
// The set of implementations is closed: every event the core consumes has a
// concrete type below, and anything else a backend receives is delivered as
// UnknownEvent so it can be logged instead of silently dropped.
type Event interface {
	Channel() Channel
	Kind() string
	isEvent()
}

type gapEvent struct{}

func (gapEvent) Channel() Channel { return ChannelGAP }
func (gapEvent) isEvent()         {}

type sppEvent struct{}

func (sppEvent) Channel() Channel { return ChannelSPP }
func (sppEvent) isEvent()         {}

// Status is the completion status carried by most events
type Status int

const (
	StatusSuccess Status = iota
	StatusFailure
	StatusBusy
	StatusTimeout
	StatusAuthFailure
)

// OK reports whether the status is a success
func (s Status) OK() bool {
	return s == StatusSuccess
}

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusBusy:
		return "busy"
	case StatusTimeout:
		return "timeout"
	case StatusAuthFailure:
		return "auth_failure"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// PropertyType identifies one property of a discovery result
type PropertyType int

const (
	PropName PropertyType = iota
	PropClass
	PropRSSI
	PropEIR
)

func (p PropertyType) String() string {
	switch p {
	case PropName:
		return "name"
	case PropClass:
		return "class"
	case PropRSSI:
		return "rssi"
	case PropEIR:
		return "eir"
	default:
		return fmt.Sprintf("property(%d)", int(p))
	}
}

// DeviceProperty is one raw property reported for a discovered device
type DeviceProperty struct {
	Type  PropertyType
	Value []byte
}

// --- GAP events ---

// AuthCompleteEvent reports the outcome of a pairing attempt
type AuthCompleteEvent struct {
	gapEvent
	Address Address
	Name    string
	Status  Status
}

func (AuthCompleteEvent) Kind() string { return "auth_complete" }

// PairingRequestEvent carries one pairing prompt that needs a policy decision
type PairingRequestEvent struct {
	gapEvent
	Request PairingRequest
}

func (PairingRequestEvent) Kind() string { return "pairing_request" }

// DiscoveryResultEvent is one inquiry response
type DiscoveryResultEvent struct {
	gapEvent
	Address    Address
	Properties []DeviceProperty
}

func (DiscoveryResultEvent) Kind() string { return "discovery_result" }

// Property returns the first property of type t
func (e DiscoveryResultEvent) Property(t PropertyType) ([]byte, bool) {
	for _, p := range e.Properties {
		if p.Type == t {
			return p.Value, true
		}
	}
	return nil, false
}

// RSSI returns the signal strength property when present
func (e DiscoveryResultEvent) RSSI() (int8, bool) {
	v, ok := e.Property(PropRSSI)
	if !ok || len(v) == 0 {
		return 0, false
	}
	return int8(v[0]), true
}

// DiscoveryStateEvent reports inquiry start/stop
type DiscoveryStateEvent struct {
	gapEvent
	Discovering bool
}

func (DiscoveryStateEvent) Kind() string { return "discovery_state" }

// BondRemovedEvent reports a removed bonding record
type BondRemovedEvent struct {
	gapEvent
	Address Address
	Status  Status
}

func (BondRemovedEvent) Kind() string { return "bond_removed" }

// ModeChangeEvent reports a link power-mode change
type ModeChangeEvent struct {
	gapEvent
	Address Address
	Mode    uint8
}

func (ModeChangeEvent) Kind() string { return "mode_change" }

// RemoteNameEvent carries a resolved remote device name
type RemoteNameEvent struct {
	gapEvent
	Address Address
	Name    string
	Status  Status
}

func (RemoteNameEvent) Kind() string { return "remote_name" }

// --- SPP events ---

// SPPInitEvent signals the profile is ready
type SPPInitEvent struct {
	sppEvent
	Status Status
}

func (SPPInitEvent) Kind() string { return "spp_init" }

// SPPUninitEvent signals the profile was torn down
type SPPUninitEvent struct {
	sppEvent
	Status Status
}

func (SPPUninitEvent) Kind() string { return "spp_uninit" }

// ServiceDiscoveryEvent completes a StartServiceDiscovery request
type ServiceDiscoveryEvent struct {
	sppEvent
	Address      Address
	Status       Status
	Channels     []uint8
	ServiceNames []string
}

func (ServiceDiscoveryEvent) Kind() string { return "service_discovery" }

// OpenEvent reports an opened connection. Inbound is true for
// connections accepted by a listener, false for outbound connects.
type OpenEvent struct {
	sppEvent
	Status       Status
	Handle       Handle
	Descriptor   Descriptor
	Remote       Address
	Inbound      bool
	ListenHandle Handle
}

func (e OpenEvent) Kind() string {
	if e.Inbound {
		return "srv_open"
	}
	return "open"
}

// CloseEvent reports a closed connection
type CloseEvent struct {
	sppEvent
	Status Status
	Handle Handle
	Async  bool
}

func (CloseEvent) Kind() string { return "close" }

// ServerStartEvent reports a started listener
type ServerStartEvent struct {
	sppEvent
	Status      Status
	Handle      Handle
	ChannelNum  uint8
	ServiceName string
}

func (ServerStartEvent) Kind() string { return "start" }

// ClientInitEvent reports that an outbound connect was initiated
type ClientInitEvent struct {
	sppEvent
	Status Status
	Handle Handle
}

func (ClientInitEvent) Kind() string { return "cl_init" }

// ServerStopEvent reports a stopped listener
type ServerStopEvent struct {
	sppEvent
	Status Status
}

func (ServerStopEvent) Kind() string { return "srv_stop" }

// DataEvent is an observational data indication
type DataEvent struct {
	sppEvent
	Handle Handle
	Data   []byte
}

func (DataEvent) Kind() string { return "data_ind" }

// CongestionEvent reports a congestion status change
type CongestionEvent struct {
	sppEvent
	Handle    Handle
	Congested bool
}

func (CongestionEvent) Kind() string { return "cong" }

// WriteEvent reports a write completion
type WriteEvent struct {
	sppEvent
	Handle    Handle
	Length    int
	Congested bool
}

func (WriteEvent) Kind() string { return "write" }

// UnknownEvent is any event the core does not consume.
// Source and Code are kept so the event can be logged.
type UnknownEvent struct {
	Source Channel
	Code   int
}

func (e UnknownEvent) Channel() Channel { return e.Source }
func (e UnknownEvent) Kind() string     { return fmt.Sprintf("unknown(%d)", e.Code) }
func (UnknownEvent) isEvent()           {}
