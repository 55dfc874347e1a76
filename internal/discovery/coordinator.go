// Package discovery drives the client role towards a connectable peer:
// inquiry, name match, service discovery and channel resolution.
package discovery

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/sppctl/internal/events"
	"github.com/srg/sppctl/internal/output"
	"github.com/srg/sppctl/internal/stack"
)

// State is the coordinator phase
type State int

const (
	Idle State = iota
	Inquiring
	MatchedAddress
	ServiceDiscovering
	ChannelsResolved
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Inquiring:
		return "inquiring"
	case MatchedAddress:
		return "matched_address"
	case ServiceDiscovering:
		return "service_discovering"
	case ChannelsResolved:
		return "channels_resolved"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MaxChannels is how many resolved service channels are kept
const MaxChannels = 2

// Options configure a Coordinator
type Options struct {
	TargetName      string
	InquiryDuration uint8 // in units of stack.InquiryUnit
	MaxResponses    uint8 // 0 means unlimited
	Security        stack.SecurityLevel
}

// DefaultOptions returns a general 30 × 1.28 s inquiry with unlimited responses
func DefaultOptions() Options {
	return Options{
		InquiryDuration: 30,
		MaxResponses:    0,
		Security:        stack.SecurityAuthenticate,
	}
}

// Peer is a device seen during inquiry
type Peer struct {
	Address  stack.Address
	Name     string
	RSSI     int8
	HasRSSI  bool
	Class    uint32
	Matched  bool
	LastSeen time.Time
}

// Snapshot is a consistent copy of the coordinator state
type Snapshot struct {
	State                  State
	TargetName             string
	Address                *stack.Address
	Channels               []uint8
	Inquiring              bool
	ServiceDiscoveryFailed bool
}

type channelSlot struct {
	number   uint8
	resolved bool
}

// Stack is the part of the stack the coordinator drives
type Stack interface {
	StartInquiry(mode stack.InquiryMode, duration uint8, maxResponses uint8) error
	CancelInquiry() error
	StartServiceDiscovery(addr stack.Address) error
	Connect(sec stack.SecurityLevel, role stack.LinkRole, channel uint8, addr stack.Address) error
}

// Coordinator is the client-role discovery context. Stack events are
// applied by the dispatcher; operator commands call the Start/Stop/Connect
// methods. All methods are safe for concurrent use.
type Coordinator struct {
	mu sync.Mutex

	stack   Stack
	opts    Options
	logger  *logrus.Logger
	sink    output.Sink
	publish events.Publisher

	state     State
	inquiring bool
	address   *stack.Address
	channels  [MaxChannels]channelSlot
	sdFailed  bool

	peers *hashmap.Map[string, Peer]
}

// NewCoordinator creates a coordinator in the Idle state
func NewCoordinator(s Stack, opts Options, sink output.Sink, publish events.Publisher, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	if sink == nil {
		sink = output.Discard
	}
	if opts.InquiryDuration == 0 {
		opts.InquiryDuration = DefaultOptions().InquiryDuration
	}
	return &Coordinator{
		stack:   s,
		opts:    opts,
		logger:  logger,
		sink:    sink,
		publish: publish,
		state:   Idle,
		peers:   hashmap.New[string, Peer](),
	}
}

// StartInquiry issues a general inquiry with the configured duration and
// response limit.
func (c *Coordinator) StartInquiry() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inquiring {
		return ErrInquiryInProgress
	}
	if c.state == ServiceDiscovering && !c.sdFailed {
		return ErrServiceDiscoveryInProgress
	}

	if err := c.stack.StartInquiry(stack.InquiryGeneral, c.opts.InquiryDuration, c.opts.MaxResponses); err != nil {
		return stack.WrapStackError("start inquiry", err)
	}

	c.inquiring = true
	c.state = Inquiring
	c.peers = hashmap.New[string, Peer]()

	c.logger.WithFields(logrus.Fields{
		"target":   c.opts.TargetName,
		"duration": stack.InquiryTimeout(c.opts.InquiryDuration),
	}).Info("Inquiry started")
	output.Printf(c.sink, output.SourceResult, "Searching for %q...", c.opts.TargetName)
	return nil
}

// StopInquiry cancels a running inquiry. A recorded match is kept.
func (c *Coordinator) StopInquiry() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.stack.CancelInquiry(); err != nil {
		return stack.WrapStackError("cancel inquiry", err)
	}
	c.inquiryFinished()
	return nil
}

// inquiryFinished must be called with c.mu held
func (c *Coordinator) inquiryFinished() {
	c.inquiring = false
	if c.state != Inquiring {
		return
	}
	if c.address != nil {
		c.state = MatchedAddress
	} else {
		c.state = Idle
	}
}

// HandleDiscoveryState applies an inquiry started/stopped notification
func (c *Coordinator) HandleDiscoveryState(discovering bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if discovering {
		c.inquiring = true
		return
	}
	c.inquiryFinished()
	c.logger.WithField("state", c.state.String()).Debug("Inquiry finished")
}

// HandleDiscoveryResult applies one inquiry response. The advertised name is
// taken from the EIR data (complete name preferred, then shortened), falling
// back to a plain name property. Only an exact byte-for-byte match with the
// target name records the address.
func (c *Coordinator) HandleDiscoveryResult(ev stack.DiscoveryResultEvent) bool {
	name, hasName := resultName(ev, c.logger)

	c.mu.Lock()
	defer c.mu.Unlock()

	peer := Peer{Address: ev.Address, Name: name, LastSeen: time.Now()}
	if rssi, ok := ev.RSSI(); ok {
		peer.RSSI, peer.HasRSSI = rssi, true
	}
	if cod, ok := ev.Property(stack.PropClass); ok {
		peer.Class = classOfDevice(cod)
	}

	matched := hasName && name == c.opts.TargetName && c.opts.TargetName != ""
	peer.Matched = matched
	c.peers.Set(ev.Address.String(), peer)

	if !matched {
		return false
	}

	switch c.state {
	case ServiceDiscovering, ChannelsResolved:
		if !c.sdFailed {
			c.logger.WithField("address", ev.Address.String()).Debug("Target seen again after address was resolved, ignoring")
			return false
		}
	}

	if c.address != nil && *c.address == ev.Address && c.state == MatchedAddress {
		return true
	}

	c.recordAddress(ev.Address)
	c.logger.WithFields(logrus.Fields{
		"address": ev.Address.String(),
		"name":    name,
	}).Info("Target device found")
	output.Printf(c.sink, output.SourceResult, "Found %s at %s", name, ev.Address)
	events.Publish(c.publish, events.Notification{
		Topic:   events.TopicDiscovery,
		Kind:    "matched",
		Address: ev.Address.String(),
		Message: name,
	})
	return true
}

// recordAddress must be called with c.mu held
func (c *Coordinator) recordAddress(addr stack.Address) {
	a := addr
	c.address = &a
	c.channels = [MaxChannels]channelSlot{}
	c.sdFailed = false
	c.state = MatchedAddress
}

// SetAddress records an operator-supplied address, skipping inquiry
func (c *Coordinator) SetAddress(addr stack.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.recordAddress(addr)
	c.logger.WithField("address", addr.String()).Info("Remote address entered manually")
	events.Publish(c.publish, events.Notification{
		Topic:   events.TopicDiscovery,
		Kind:    "address_set",
		Address: addr.String(),
	})
}

// StartServiceDiscovery asks the stack for the SPP channels of the recorded
// address.
func (c *Coordinator) StartServiceDiscovery() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.address == nil {
		return ErrNoAddress
	}
	if c.state == ServiceDiscovering && !c.sdFailed {
		return ErrServiceDiscoveryInProgress
	}

	addr := *c.address
	if err := c.stack.StartServiceDiscovery(addr); err != nil {
		return stack.WrapStackError("start service discovery", err)
	}

	c.state = ServiceDiscovering
	c.sdFailed = false
	c.channels = [MaxChannels]channelSlot{}

	c.logger.WithField("address", addr.String()).Info("Service discovery started")
	return nil
}

// HandleServiceDiscovery applies a service-discovery-complete event.
// On failure the returned error is a *ServiceDiscoveryError.
func (c *Coordinator) HandleServiceDiscovery(ev stack.ServiceDiscoveryEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != ServiceDiscovering || c.sdFailed {
		return fmt.Errorf("%w: service discovery result in state %s", ErrUnexpectedEvent, c.state)
	}
	if c.address != nil && !ev.Address.IsZero() && ev.Address != *c.address {
		return fmt.Errorf("%w: service discovery result for %s, expected %s", ErrUnexpectedEvent, ev.Address, *c.address)
	}

	if !ev.Status.OK() {
		c.sdFailed = true
		err := &ServiceDiscoveryError{Address: *c.address, Status: ev.Status}
		c.logger.WithError(err).Warn("Service discovery failed")
		output.Printf(c.sink, output.SourceResult, "Service discovery failed: %s", ev.Status)
		events.Publish(c.publish, events.Notification{
			Topic:   events.TopicDiscovery,
			Kind:    "service_discovery_failed",
			Address: c.address.String(),
			Err:     err,
		})
		return err
	}

	for i := 0; i < len(ev.Channels) && i < MaxChannels; i++ {
		c.channels[i] = channelSlot{number: ev.Channels[i], resolved: true}
	}
	c.state = ChannelsResolved

	fields := logrus.Fields{"address": c.address.String(), "count": len(ev.Channels)}
	for i, name := range ev.ServiceNames {
		if i < len(ev.Channels) {
			fields[fmt.Sprintf("scn%d", ev.Channels[i])] = name
		}
	}
	c.logger.WithFields(fields).Info("Service channels resolved")
	output.Printf(c.sink, output.SourceResult, "Service channels: %v", c.resolvedChannels())
	events.Publish(c.publish, events.Notification{
		Topic:   events.TopicDiscovery,
		Kind:    "channels_resolved",
		Address: c.address.String(),
		Message: fmt.Sprint(c.resolvedChannels()),
	})
	return nil
}

// Connect initiates a connection on resolved channel index (1 or 2)
func (c *Coordinator) Connect(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if index < 1 || index > MaxChannels {
		return ErrInvalidChannelIndex
	}
	slot := c.channels[index-1]
	if !slot.resolved || c.address == nil {
		return fmt.Errorf("%w: channel %d", ErrChannelNotResolved, index)
	}

	addr := *c.address
	if err := c.stack.Connect(c.opts.Security, stack.RoleMaster, slot.number, addr); err != nil {
		return stack.WrapStackError("connect", err)
	}

	c.logger.WithFields(logrus.Fields{
		"address": addr.String(),
		"channel": slot.number,
	}).Info("Connect requested")
	return nil
}

// resolvedChannels must be called with c.mu held
func (c *Coordinator) resolvedChannels() []uint8 {
	var out []uint8
	for _, slot := range c.channels {
		if slot.resolved {
			out = append(out, slot.number)
		}
	}
	return out
}

// Status returns a consistent snapshot
func (c *Coordinator) Status() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		State:                  c.state,
		TargetName:             c.opts.TargetName,
		Channels:               c.resolvedChannels(),
		Inquiring:              c.inquiring,
		ServiceDiscoveryFailed: c.sdFailed,
	}
	if c.address != nil {
		addr := *c.address
		snap.Address = &addr
	}
	return snap
}

// State returns the current phase
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Peers returns the devices seen by the latest inquiry, ordered by address
func (c *Coordinator) Peers() []Peer {
	c.mu.Lock()
	peers := c.peers
	c.mu.Unlock()

	out := make([]Peer, 0, peers.Len())
	peers.Range(func(_ string, p Peer) bool {
		out = append(out, p)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.String() < out[j].Address.String()
	})
	return out
}

func resultName(ev stack.DiscoveryResultEvent, logger *logrus.Logger) (string, bool) {
	if raw, ok := ev.Property(stack.PropEIR); ok {
		eir, err := stack.ParseEIR(raw)
		if err != nil {
			logger.WithError(err).WithField("address", ev.Address.String()).Debug("Malformed EIR data")
		}
		if name, ok := eir.Name(); ok {
			return name, true
		}
	}
	if raw, ok := ev.Property(stack.PropName); ok && len(raw) > 0 {
		if len(raw) > stack.MaxNameLength {
			raw = raw[:stack.MaxNameLength]
		}
		return string(raw), true
	}
	return "", false
}

func classOfDevice(raw []byte) uint32 {
	var cod uint32
	for i := 0; i < len(raw) && i < 4; i++ {
		cod |= uint32(raw[i]) << (8 * i)
	}
	return cod
}
