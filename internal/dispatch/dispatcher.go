// Package dispatch is the single entry point for stack events. It routes
// pairing prompts to the pairing policy, inquiry and service discovery
// results to the discovery coordinator, and connection lifecycle events to
// the session table.
package dispatch

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/srg/sppctl/internal/discovery"
	"github.com/srg/sppctl/internal/events"
	"github.com/srg/sppctl/internal/output"
	"github.com/srg/sppctl/internal/pairing"
	"github.com/srg/sppctl/internal/session"
	"github.com/srg/sppctl/internal/stack"
)

// Role selects initiator (client) or acceptor (server) behavior
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// ParseRole maps "client" or "server" to a Role
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(s) {
	case "client":
		return RoleClient, nil
	case "server":
		return RoleServer, nil
	default:
		return RoleClient, fmt.Errorf("invalid role %q (must be client or server)", s)
	}
}

// Stack is the part of the stack the dispatcher calls back into
type Stack interface {
	ReplyPairing(req stack.PairingRequest, reply stack.PairingReply) error
	Listen(sec stack.SecurityLevel, role stack.LinkRole, channel uint8, serviceName string) error
	Disconnect(h stack.Handle) error
}

// Sessions is the session table as seen by the dispatcher
type Sessions interface {
	Open(h stack.Handle, d stack.Descriptor, remote stack.Address) error
	Close(h stack.Handle) bool
}

// Discovery is the discovery coordinator as seen by the dispatcher
type Discovery interface {
	HandleDiscoveryResult(ev stack.DiscoveryResultEvent) bool
	HandleDiscoveryState(discovering bool)
	HandleServiceDiscovery(ev stack.ServiceDiscoveryEvent) error
}

// Options configure a Dispatcher
type Options struct {
	Role          Role
	ServerName    string
	ServerChannel uint8 // 0 lets the stack choose
	Security      stack.SecurityLevel
	QueueSize     int
}

// Dispatcher demultiplexes stack events. Events are either handled directly
// with Dispatch or queued with Enqueue and handled by Run, which serializes
// them on one goroutine.
type Dispatcher struct {
	stack     Stack
	policy    pairing.Policy
	sessions  Sessions
	discovery Discovery
	opts      Options
	publish   events.Publisher
	sink      output.Sink
	logger    *logrus.Logger

	queue   chan stack.Event
	stopped chan struct{}
	handled atomic.Int64
}

// New creates a dispatcher. discovery may be nil (server role).
func New(s Stack, policy pairing.Policy, sessions Sessions, disc Discovery, opts Options, publish events.Publisher, sink output.Sink, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	if sink == nil {
		sink = output.Discard
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	return &Dispatcher{
		stack:     s,
		policy:    policy,
		sessions:  sessions,
		discovery: disc,
		opts:      opts,
		publish:   publish,
		sink:      sink,
		logger:    logger,
		queue:     make(chan stack.Event, opts.QueueSize),
		stopped:   make(chan struct{}),
	}
}

// Enqueue queues ev for Run. It blocks while the queue is full and drops the
// event once Run has returned. Its signature matches stack.EventHandler.
func (d *Dispatcher) Enqueue(ev stack.Event) {
	select {
	case d.queue <- ev:
	case <-d.stopped:
		d.logger.WithField("event", ev.Kind()).Debug("Dispatcher stopped, dropping event")
	}
}

// Run handles queued events until ctx is done
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.stopped)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-d.queue:
			d.Dispatch(ctx, ev)
		}
	}
}

// Handled returns the number of events dispatched so far
func (d *Dispatcher) Handled() int64 {
	return d.handled.Load()
}

// Dispatch handles one event synchronously. It never fails: every problem is
// logged, and events the core does not consume are logged as unhandled.
func (d *Dispatcher) Dispatch(ctx context.Context, ev stack.Event) {
	d.handled.Add(1)
	d.logger.WithFields(logrus.Fields{
		"channel": ev.Channel().String(),
		"event":   ev.Kind(),
	}).Trace("Stack event")

	switch e := ev.(type) {
	// GAP
	case stack.PairingRequestEvent:
		d.handlePairing(ctx, e.Request)
	case stack.DiscoveryResultEvent:
		if d.discovery == nil {
			d.logger.WithField("address", e.Address.String()).Debug("Discovery result outside client role, ignoring")
			return
		}
		d.discovery.HandleDiscoveryResult(e)
	case stack.DiscoveryStateEvent:
		d.logger.WithField("discovering", e.Discovering).Debug("Discovery state changed")
		if d.discovery != nil {
			d.discovery.HandleDiscoveryState(e.Discovering)
		}
	case stack.AuthCompleteEvent:
		d.handleAuthComplete(e)
	case stack.BondRemovedEvent:
		d.logger.WithFields(logrus.Fields{
			"address": e.Address.String(),
			"status":  e.Status.String(),
		}).Debug("Bond removed")
	case stack.ModeChangeEvent:
		d.logger.WithFields(logrus.Fields{
			"address": e.Address.String(),
			"mode":    e.Mode,
		}).Debug("Mode changed")
	case stack.RemoteNameEvent:
		d.logger.WithFields(logrus.Fields{
			"address": e.Address.String(),
			"name":    e.Name,
			"status":  e.Status.String(),
		}).Debug("Remote name")

	// SPP
	case stack.SPPInitEvent:
		d.handleInit(e)
	case stack.SPPUninitEvent:
		d.logger.WithField("status", e.Status.String()).Info("SPP uninitialized")
	case stack.ServiceDiscoveryEvent:
		d.handleServiceDiscovery(e)
	case stack.OpenEvent:
		d.handleOpen(e)
	case stack.CloseEvent:
		d.logger.WithFields(logrus.Fields{
			"handle": e.Handle,
			"status": e.Status.String(),
			"async":  e.Async,
		}).Debug("Connection closed by stack")
		d.sessions.Close(e.Handle)
	case stack.ServerStartEvent:
		d.logger.WithFields(logrus.Fields{
			"status":  e.Status.String(),
			"handle":  e.Handle,
			"channel": e.ChannelNum,
		}).Info("SPP server started")
	case stack.ClientInitEvent:
		d.logger.WithFields(logrus.Fields{
			"status": e.Status.String(),
			"handle": e.Handle,
		}).Debug("SPP client connection initiated")
	case stack.ServerStopEvent:
		d.logger.WithField("status", e.Status.String()).Info("SPP server stopped")
	case stack.DataEvent:
		if d.logger.IsLevelEnabled(logrus.TraceLevel) {
			d.logger.WithFields(logrus.Fields{
				"handle": e.Handle,
				"len":    len(e.Data),
			}).Trace("Data indication\n" + hex.Dump(e.Data))
		}
	case stack.CongestionEvent:
		d.logger.WithFields(logrus.Fields{
			"handle":    e.Handle,
			"congested": e.Congested,
		}).Debug("Congestion changed")
	case stack.WriteEvent:
		d.logger.WithFields(logrus.Fields{
			"handle":    e.Handle,
			"len":       e.Length,
			"congested": e.Congested,
		}).Trace("Write complete")

	case stack.UnknownEvent:
		d.logger.WithFields(logrus.Fields{
			"channel": e.Source.String(),
			"code":    e.Code,
		}).Warn("Unhandled stack event")
	default:
		d.logger.WithFields(logrus.Fields{
			"channel": ev.Channel().String(),
			"event":   fmt.Sprintf("%T", ev),
		}).Warn("Unhandled stack event")
	}
}

func (d *Dispatcher) handlePairing(ctx context.Context, req stack.PairingRequest) {
	log := d.logger.WithFields(logrus.Fields{
		"address": req.Address.String(),
		"kind":    req.Kind.String(),
	})

	reply, err := d.policy.Decide(ctx, req)
	if err != nil {
		log.WithError(err).Warn("Pairing policy failed, rejecting")
		reply = stack.Rejection(req)
	}
	if !req.ExpectsReply() {
		return
	}

	if err := d.stack.ReplyPairing(req, reply); err != nil {
		err = stack.WrapStackError("pairing reply", err)
		log.WithError(err).Error("Pairing reply failed")
		events.Publish(d.publish, events.Notification{
			Topic:   events.TopicPairing,
			Kind:    "reply_failed",
			Address: req.Address.String(),
			Err:     err,
		})
		return
	}

	log.WithField("accept", reply.Accept).Info("Pairing request answered")
	events.Publish(d.publish, events.Notification{
		Topic:   events.TopicPairing,
		Kind:    req.Kind.String(),
		Address: req.Address.String(),
		Message: fmt.Sprintf("accept=%t", reply.Accept),
	})
}

func (d *Dispatcher) handleAuthComplete(e stack.AuthCompleteEvent) {
	log := d.logger.WithFields(logrus.Fields{
		"address": e.Address.String(),
		"name":    e.Name,
		"status":  e.Status.String(),
	})
	kind := "authenticated"
	if e.Status.OK() {
		log.Info("Authentication complete")
		output.Printf(d.sink, output.SourceResult, "Authentication with %s (%s) succeeded", e.Name, e.Address)
	} else {
		kind = "authentication_failed"
		log.Warn("Authentication failed")
		output.Printf(d.sink, output.SourceResult, "Authentication with %s failed: %s", e.Address, e.Status)
	}
	events.Publish(d.publish, events.Notification{
		Topic:   events.TopicPairing,
		Kind:    kind,
		Address: e.Address.String(),
		Message: e.Name,
	})
}

func (d *Dispatcher) handleInit(e stack.SPPInitEvent) {
	if !e.Status.OK() {
		d.logger.WithField("status", e.Status.String()).Error("SPP initialization failed")
		return
	}
	d.logger.WithField("role", d.opts.Role.String()).Info("SPP initialized")
	if d.opts.Role != RoleServer {
		return
	}

	err := d.stack.Listen(d.opts.Security, stack.RoleSlave, d.opts.ServerChannel, d.opts.ServerName)
	if err != nil {
		err = stack.WrapStackError("listen", err)
		d.logger.WithError(err).Error("Failed to start SPP server")
		events.Publish(d.publish, events.Notification{
			Topic: events.TopicStack,
			Kind:  "listen_failed",
			Err:   err,
		})
		return
	}
	d.logger.WithFields(logrus.Fields{
		"name":     d.opts.ServerName,
		"channel":  d.opts.ServerChannel,
		"security": d.opts.Security.String(),
	}).Info("SPP server listening")
}

func (d *Dispatcher) handleServiceDiscovery(e stack.ServiceDiscoveryEvent) {
	if d.discovery == nil {
		d.logger.WithField("address", e.Address.String()).Warn("Service discovery result outside client role, ignoring")
		return
	}
	err := d.discovery.HandleServiceDiscovery(e)
	switch {
	case err == nil:
	case errors.Is(err, discovery.ErrUnexpectedEvent):
		d.logger.WithError(err).Warn("Protocol inconsistency, ignoring")
	default:
		d.logger.WithError(err).Debug("Service discovery reported failure")
	}
}

func (d *Dispatcher) handleOpen(e stack.OpenEvent) {
	log := d.logger.WithFields(logrus.Fields{
		"handle":  e.Handle,
		"remote":  e.Remote.String(),
		"inbound": e.Inbound,
	})
	if !e.Status.OK() {
		log.WithField("status", e.Status.String()).Warn("Connection open failed")
		output.Printf(d.sink, output.SourceResult, "Connection to %s failed: %s", e.Remote, e.Status)
		return
	}

	err := d.sessions.Open(e.Handle, e.Descriptor, e.Remote)
	if err == nil {
		output.Printf(d.sink, output.SourceResult, "Connected to %s (handle %d)", e.Remote, e.Handle)
		return
	}

	switch {
	case errors.Is(err, session.ErrTableFull):
		log.WithError(err).Warn("Session table full, force-closing connection")
		output.Printf(d.sink, output.SourceResult, "Rejected connection from %s: %v", e.Remote, err)
	case errors.Is(err, session.ErrDuplicateHandle):
		// the handle still names the live session's connection
		log.WithError(err).Warn("Protocol inconsistency, keeping the existing session")
		return
	default:
		log.WithError(err).Error("Failed to open session, force-closing connection")
	}

	if derr := d.stack.Disconnect(e.Handle); derr != nil {
		log.WithError(stack.WrapStackError("disconnect", derr)).Error("Force-close failed")
	}
}
