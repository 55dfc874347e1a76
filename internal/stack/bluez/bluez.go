//go:build linux

// Package bluez implements the stack capability on Linux over the BlueZ
// D-Bus API, with RFCOMM sockets as the session transport and a small SDP
// client for service channel discovery.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"

	"github.com/srg/sppctl/internal/groutine"
	"github.com/srg/sppctl/internal/stack"
)

const (
	bluezService        = "org.bluez"
	adapterIface        = "org.bluez.Adapter1"
	deviceIface         = "org.bluez.Device1"
	agentIface          = "org.bluez.Agent1"
	agentManagerIface   = "org.bluez.AgentManager1"
	profileIface        = "org.bluez.Profile1"
	profileManagerIface = "org.bluez.ProfileManager1"
	objManagerIface     = "org.freedesktop.DBus.ObjectManager"
	propsIface          = "org.freedesktop.DBus.Properties"

	agentPath   = dbus.ObjectPath("/org/sppctl/agent")
	profilePath = dbus.ObjectPath("/org/sppctl/profile/server")

	// agentCapability matches a device that can show a number and take a yes/no answer
	agentCapability = "DisplayYesNo"
)

// SPPUUID is the Serial Port Profile service class
var SPPUUID = uuid.MustParse("00001101-0000-1000-8000-00805f9b34fb")

// DefaultPairingTimeout bounds how long an agent call waits for ReplyPairing
const DefaultPairingTimeout = 30 * time.Second

// Options configure a Backend
type Options struct {
	Adapter        string        // adapter name, e.g. hci0
	PairingTimeout time.Duration // 0 uses DefaultPairingTimeout
	Logger         *logrus.Logger
}

// Backend implements stack.Stack over BlueZ
type Backend struct {
	conn        *dbus.Conn
	adapterPath dbus.ObjectPath
	opts        Options
	logger      *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	gap       stack.EventHandler
	spp       stack.EventHandler
	closed    bool
	inquiry   *time.Timer
	listening bool
	cleanup   []func()

	handleSeq atomic.Uint32
	conns     *xsync.MapOf[stack.Handle, *rfcommConn]
	devices   *xsync.MapOf[dbus.ObjectPath, deviceState]
	pending   *xsync.MapOf[stack.Address, chan stack.PairingReply]
	sdActive  *xsync.MapOf[stack.Address, struct{}]
	listenH   stack.Handle
}

// deviceState caches the Device1 properties seen so far
type deviceState struct {
	Address stack.Address
	Name    string
	RSSI    int16
	HasRSSI bool
	Class   uint32
	Paired  bool
}

var _ stack.Stack = (*Backend)(nil)

// Open connects to the system bus and checks that the adapter exists
func Open(opts Options) (*Backend, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Adapter == "" {
		opts.Adapter = "hci0"
	}
	if opts.PairingTimeout <= 0 {
		opts.PairingTimeout = DefaultPairingTimeout
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fault.Wrap(err,
			fctx.With(context.Background(), "error_at", "system-bus"),
			ftag.With(ftag.Internal),
			fmsg.WithDesc("system bus", "Cannot connect to the system bus"),
		)
	}

	b := &Backend{
		conn:        conn,
		adapterPath: dbus.ObjectPath("/org/bluez/" + opts.Adapter),
		opts:        opts,
		logger:      logger,
		conns:       xsync.NewMapOf[stack.Handle, *rfcommConn](),
		devices:     xsync.NewMapOf[dbus.ObjectPath, deviceState](),
		pending:     xsync.NewMapOf[stack.Address, chan stack.PairingReply](),
		sdActive:    xsync.NewMapOf[stack.Address, struct{}](),
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())

	if _, err := b.getProp(b.adapterPath, adapterIface, "Address"); err != nil {
		conn.Close()
		return nil, fault.Wrap(err,
			fctx.With(context.Background(), "adapter", opts.Adapter),
			ftag.With(ftag.NotFound),
			fmsg.WithDesc("adapter lookup", "Bluetooth adapter not found, is bluetooth.service running?"),
		)
	}

	if err := b.watchSignals(); err != nil {
		conn.Close()
		return nil, err
	}

	logger.WithField("adapter", opts.Adapter).Debug("Connected to BlueZ")
	return b, nil
}

// RegisterGAPCallback implements stack.GAP
func (b *Backend) RegisterGAPCallback(h stack.EventHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return stack.ErrClosed
	}
	b.gap = h
	return nil
}

// RegisterSPPCallback implements stack.SPP
func (b *Backend) RegisterSPPCallback(h stack.EventHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return stack.ErrClosed
	}
	b.spp = h
	return nil
}

func (b *Backend) emitGAP(ev stack.Event) {
	b.mu.Lock()
	h := b.gap
	b.mu.Unlock()
	if h == nil {
		b.logger.WithField("event", ev.Kind()).Debug("No GAP callback, dropping event")
		return
	}
	h(ev)
}

func (b *Backend) emitSPP(ev stack.Event) {
	b.mu.Lock()
	h := b.spp
	b.mu.Unlock()
	if h == nil {
		b.logger.WithField("event", ev.Kind()).Debug("No SPP callback, dropping event")
		return
	}
	h(ev)
}

// Close unregisters the agent and profile, closes every connection and the
// bus. It is safe to call more than once.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cleanup := b.cleanup
	b.cleanup = nil
	if b.inquiry != nil {
		b.inquiry.Stop()
	}
	b.mu.Unlock()

	b.cancel()

	var errs []error
	b.conns.Range(func(h stack.Handle, c *rfcommConn) bool {
		if err := c.close(); err != nil {
			errs = append(errs, fmt.Errorf("close handle %d: %w", h, err))
		}
		b.conns.Delete(h)
		return true
	})

	for i := len(cleanup) - 1; i >= 0; i-- {
		cleanup[i]()
	}
	if err := b.conn.Close(); err != nil {
		errs = append(errs, err)
	}
	b.logger.Debug("BlueZ backend closed")
	return errors.Join(errs...)
}

func (b *Backend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Backend) addCleanup(fn func()) {
	b.mu.Lock()
	b.cleanup = append(b.cleanup, fn)
	b.mu.Unlock()
}

func (b *Backend) getProp(path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	var v dbus.Variant
	err := b.conn.Object(bluezService, path).Call(propsIface+".Get", 0, iface, prop).Store(&v)
	return v, err
}

func (b *Backend) setProp(path dbus.ObjectPath, iface, prop string, val any) error {
	return b.conn.Object(bluezService, path).Call(propsIface+".Set", 0, iface, prop, dbus.MakeVariant(val)).Err
}

func (b *Backend) adapterCall(method string, args ...any) error {
	return b.conn.Object(bluezService, b.adapterPath).Call(adapterIface+"."+method, 0, args...).Err
}

func (b *Backend) managedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := b.conn.Object(bluezService, "/").Call(objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, call.Err
	}
	if err := call.Store(&objs); err != nil {
		return nil, err
	}
	return objs, nil
}

// devicePath converts an address to the BlueZ object path under the adapter
func (b *Backend) devicePath(addr stack.Address) dbus.ObjectPath {
	return dbus.ObjectPath(string(b.adapterPath) + "/dev_" + strings.ToUpper(strings.ReplaceAll(addr.String(), ":", "_")))
}

// addressFromPath extracts the address from a BlueZ device object path
func addressFromPath(p dbus.ObjectPath) (stack.Address, bool) {
	s := string(p)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return stack.Address{}, false
	}
	addr, err := stack.ParseAddress(strings.ReplaceAll(s[idx+5:], "_", ":"))
	if err != nil {
		return stack.Address{}, false
	}
	return addr, true
}

// under reports whether path is a device of this adapter
func (b *Backend) under(path dbus.ObjectPath) bool {
	return strings.HasPrefix(string(path), string(b.adapterPath)+"/")
}

func (b *Backend) nextHandle() stack.Handle {
	return stack.Handle(b.handleSeq.Add(1))
}

func (b *Backend) goroutine(name string, fn func(ctx context.Context)) {
	groutine.Go(b.ctx, name, fn)
}
