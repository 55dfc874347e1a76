package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/sppctl/internal/bond"
	"github.com/srg/sppctl/internal/discovery"
	"github.com/srg/sppctl/internal/dispatch"
	"github.com/srg/sppctl/internal/events"
	"github.com/srg/sppctl/internal/groutine"
	"github.com/srg/sppctl/internal/output"
	"github.com/srg/sppctl/internal/pairing"
	"github.com/srg/sppctl/internal/session"
	"github.com/srg/sppctl/internal/stack"
)

const (
	// DefaultDeviceName is the local name announced when none is configured
	DefaultDeviceName = "SPP_DEVICE"

	// DefaultServerName is the service record name used in the server role
	DefaultServerName = "SPP_SERVER"

	// DefaultEventBusCapacity is the per-subscriber buffer of the event bus
	DefaultEventBusCapacity = 32
)

var (
	// ErrClientRoleOnly is returned by discovery operations in the server role
	ErrClientRoleOnly = errors.New("operation is only available in the client role")

	// ErrNotStarted is returned by Run when Start has not completed
	ErrNotStarted = errors.New("manager not started")

	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("manager already started")
)

// Options contains all the configuration for a Manager
type Options struct {
	Role             dispatch.Role       // client (initiator) or server (acceptor)
	DeviceName       string              // local device name set during bring-up
	ServerName       string              // service name registered in the server role
	ServerChannel    uint8               // server channel, 0 lets the stack choose
	Security         stack.SecurityLevel // security requested when listening
	Discovery        discovery.Options   // client role inquiry parameters
	Session          session.Options     // session table and worker parameters
	QueueSize        int                 // dispatcher queue size
	EventBusCapacity int                 // per-subscriber event bus buffer
}

// DefaultOptions returns client role options with the stock parameters
func DefaultOptions() Options {
	return Options{
		Role:             dispatch.RoleClient,
		DeviceName:       DefaultDeviceName,
		ServerName:       DefaultServerName,
		Security:         stack.SecurityAuthenticate,
		Discovery:        discovery.DefaultOptions(),
		Session:          session.DefaultOptions(),
		QueueSize:        64,
		EventBusCapacity: DefaultEventBusCapacity,
	}
}

// ProgressCallback is called when the bring-up phase changes
type ProgressCallback func(phase string)

// Manager wires the stack to the dispatcher, session table, discovery
// coordinator and bond store, and exposes the operator operations.
type Manager struct {
	stack  stack.Stack
	opts   Options
	sink   output.Sink
	logger *logrus.Logger

	bus         *events.Bus
	table       *session.Table
	coordinator *discovery.Coordinator // nil in the server role
	dispatcher  *dispatch.Dispatcher
	bonds       *bond.Store

	mu      sync.Mutex
	started bool
	running bool
}

// New creates a Manager over s. The discovery coordinator is only created
// in the client role.
func New(s stack.Stack, policy pairing.Policy, opts Options, sink output.Sink, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if sink == nil {
		sink = output.Discard
	}
	if opts.DeviceName == "" {
		opts.DeviceName = DefaultDeviceName
	}
	if opts.ServerName == "" {
		opts.ServerName = DefaultServerName
	}
	if opts.EventBusCapacity <= 0 {
		opts.EventBusCapacity = DefaultEventBusCapacity
	}
	if policy == nil {
		policy = pairing.NewFixed(pairing.DefaultAnswers(), sink, logger)
	}

	m := &Manager{
		stack:  s,
		opts:   opts,
		sink:   sink,
		logger: logger,
		bus:    events.NewBus(opts.EventBusCapacity),
	}
	m.table = session.NewTable(s, s, opts.Session, m.bus, logger)
	m.bonds = bond.NewStore(s, sink, logger)

	var disc dispatch.Discovery
	if opts.Role == dispatch.RoleClient {
		m.coordinator = discovery.NewCoordinator(s, opts.Discovery, sink, m.bus, logger)
		disc = m.coordinator
	}

	m.dispatcher = dispatch.New(s, policy, m.table, disc, dispatch.Options{
		Role:          opts.Role,
		ServerName:    opts.ServerName,
		ServerChannel: opts.ServerChannel,
		Security:      opts.Security,
		QueueSize:     opts.QueueSize,
	}, m.bus, sink, logger)

	return m
}

// Role returns the configured role
func (m *Manager) Role() dispatch.Role {
	return m.opts.Role
}

// Start brings the stack up: sets the device name, makes the adapter
// connectable and discoverable, registers the event callbacks and enables
// SPP. Every failure here is fatal to the caller.
func (m *Manager) Start(ctx context.Context, progress ProgressCallback) error {
	if progress == nil {
		progress = func(string) {}
	}

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	steps := []struct {
		phase string
		op    string
		fn    func() error
	}{
		{"Setting device name...", "set device name", func() error { return m.stack.SetDeviceName(m.opts.DeviceName) }},
		{"Enabling scan mode...", "set scan mode", func() error { return m.stack.SetScanMode(true, stack.GeneralDiscoverable) }},
		{"Registering callbacks...", "register gap callback", func() error { return m.stack.RegisterGAPCallback(m.dispatcher.Enqueue) }},
		{"Registering callbacks...", "register spp callback", func() error { return m.stack.RegisterSPPCallback(m.dispatcher.Enqueue) }},
		{"Enabling SPP...", "enable spp", m.stack.EnableSPP},
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		progress(step.phase)
		if err := step.fn(); err != nil {
			m.logger.WithError(err).WithField("step", step.op).Error("Bring-up failed")
			return stack.WrapStackError(step.op, err)
		}
	}

	m.logger.WithFields(logrus.Fields{
		"role":   m.opts.Role.String(),
		"device": m.opts.DeviceName,
	}).Info("Stack started")
	progress("Ready")
	return nil
}

// Run dispatches stack events until ctx is cancelled. It returns
// ErrNotStarted when called before Start.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return ErrNotStarted
	}
	m.running = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()
	return m.dispatcher.Run(ctx)
}

// RunInBackground starts Run on a named goroutine and returns a channel
// that receives its result.
func (m *Manager) RunInBackground(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	groutine.Go(ctx, "sppctl-dispatcher", func(ctx context.Context) {
		done <- m.Run(ctx)
	})
	return done
}

func (m *Manager) client() (*discovery.Coordinator, error) {
	if m.coordinator == nil {
		return nil, ErrClientRoleOnly
	}
	return m.coordinator, nil
}

// EnterManualAddress parses text and uses it as the peer address, bypassing
// inquiry.
func (m *Manager) EnterManualAddress(text string) error {
	c, err := m.client()
	if err != nil {
		return err
	}
	addr, err := stack.ParseAddress(text)
	if err != nil {
		return err
	}
	c.SetAddress(addr)
	return nil
}

// StartDiscovery starts an inquiry for the target name
func (m *Manager) StartDiscovery() error {
	c, err := m.client()
	if err != nil {
		return err
	}
	return c.StartInquiry()
}

// StopDiscovery cancels a running inquiry
func (m *Manager) StopDiscovery() error {
	c, err := m.client()
	if err != nil {
		return err
	}
	return c.StopInquiry()
}

// ResolveServices starts service discovery on the matched address
func (m *Manager) ResolveServices() error {
	c, err := m.client()
	if err != nil {
		return err
	}
	return c.StartServiceDiscovery()
}

// ConnectChannel connects to resolved channel 1 or 2
func (m *Manager) ConnectChannel(index int) error {
	c, err := m.client()
	if err != nil {
		return err
	}
	return c.Connect(index)
}

// CloseAllSessions disconnects and releases every session
func (m *Manager) CloseAllSessions() error {
	return m.table.CloseAll()
}

// ListBondedDevices prints and returns the bonded devices
func (m *Manager) ListBondedDevices() ([]stack.Address, error) {
	return m.bonds.List()
}

// ForgetAllBondedDevices removes every bonded device
func (m *Manager) ForgetAllBondedDevices() (int, error) {
	return m.bonds.ForgetAll()
}

// Status is a snapshot of the manager state
type Status struct {
	Role      string              `json:"role"`
	Device    string              `json:"device"`
	Running   bool                `json:"running"`
	Sessions  int                 `json:"sessions"`
	Capacity  int                 `json:"capacity"`
	Handled   int64               `json:"events_handled"`
	Discovery *discovery.Snapshot `json:"discovery,omitempty"`
}

// Status returns the current manager state
func (m *Manager) Status() Status {
	st := Status{
		Role:     m.opts.Role.String(),
		Device:   m.opts.DeviceName,
		Running:  m.isRunning(),
		Sessions: m.table.Len(),
		Capacity: m.table.Capacity(),
		Handled:  m.dispatcher.Handled(),
	}
	if m.coordinator != nil {
		snap := m.coordinator.Status()
		st.Discovery = &snap
	}
	return st
}

func (m *Manager) isRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Peers returns the devices seen during inquiry, or nil in the server role
func (m *Manager) Peers() []discovery.Peer {
	if m.coordinator == nil {
		return nil
	}
	return m.coordinator.Peers()
}

// Sessions returns the open sessions
func (m *Manager) Sessions() []session.Info {
	return m.table.Sessions()
}

// Observations returns the session observation stream
func (m *Manager) Observations() <-chan session.Observation {
	return m.table.Observations()
}

// Events subscribes to the event bus. Pass the channel to Unsubscribe when
// done.
func (m *Manager) Events(topics ...events.Topic) chan events.Notification {
	return m.bus.Subscribe(topics...)
}

// Unsubscribe releases a channel returned by Events
func (m *Manager) Unsubscribe(ch chan events.Notification) {
	m.bus.Unsubscribe(ch)
}

// Shutdown stops every session, waiting for workers up to the configured
// stop timeout or ctx, then closes the stack and the event bus.
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs []error
	if err := m.table.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop sessions: %w", err))
	}
	if err := m.stack.Close(); err != nil {
		errs = append(errs, stack.WrapStackError("close", err))
	}
	m.bus.Close()
	m.logger.Debug("Manager shut down")
	return errors.Join(errs...)
}
