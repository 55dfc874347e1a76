//go:build linux

package bluez

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/srg/sppctl/internal/stack"
)

// RFCOMM link mode socket option
const (
	solRFCOMM = 18
	rfcommLM  = 0x03

	rfcommLMMaster  = 0x0001
	rfcommLMAuth    = 0x0002
	rfcommLMEncrypt = 0x0004
)

// writePollMillis bounds one wait for a full socket to drain
const writePollMillis = 1000

var errConnClosed = errors.New("rfcomm connection closed")

// rfcommConn is one open RFCOMM socket. The fd is only closed while no
// read or write holds it, so a recycled fd number is never touched.
type rfcommConn struct {
	mu      sync.RWMutex
	fd      int
	closed  bool
	remote  stack.Address
	inbound bool
	once    sync.Once
}

// close shuts the socket down first to wake a writer blocked in poll,
// then closes the fd once every in-flight read and write has returned
func (c *rfcommConn) close() error {
	var err error
	c.once.Do(func() {
		_ = unix.Shutdown(c.fd, unix.SHUT_RDWR)
		c.mu.Lock()
		defer c.mu.Unlock()
		c.closed = true
		err = unix.Close(c.fd)
	})
	return err
}

func (c *rfcommConn) read(buf []byte) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0, errConnClosed
	}
	return unix.Read(c.fd, buf)
}

func (c *rfcommConn) write(buf []byte) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0, errConnClosed
	}
	for {
		n, err := unix.Write(c.fd, buf)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case !errors.Is(err, unix.EAGAIN):
			return 0, err
		}

		fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLOUT}}
		ready, perr := unix.Poll(fds, writePollMillis)
		if perr != nil && !errors.Is(perr, unix.EINTR) {
			return 0, perr
		}
		if ready == 0 {
			return 0, nil
		}
	}
}

// lookup resolves d to its open connection. Descriptors are connection
// handles, which are never reused.
func (b *Backend) lookup(d stack.Descriptor) (stack.Handle, *rfcommConn, error) {
	h := stack.Handle(d)
	c, ok := b.conns.Load(h)
	if !ok {
		return h, nil, fmt.Errorf("%w: descriptor %d", stack.ErrUnknownHandle, d)
	}
	return h, c, nil
}

// EnableSPP implements stack.SPP. It registers the pairing agent and
// reports completion with an SPPInitEvent.
func (b *Backend) EnableSPP() error {
	if b.isClosed() {
		return stack.ErrClosed
	}
	if err := b.registerAgent(); err != nil {
		return err
	}
	b.goroutine("bluez-spp-init", func(context.Context) {
		b.emitSPP(stack.SPPInitEvent{Status: stack.StatusSuccess})
	})
	return nil
}

func linkMode(sec stack.SecurityLevel, role stack.LinkRole) int {
	lm := 0
	switch sec {
	case stack.SecurityAuthorize:
		lm |= rfcommLMAuth
	case stack.SecurityAuthenticate:
		lm |= rfcommLMAuth | rfcommLMEncrypt
	}
	if role == stack.RoleMaster {
		lm |= rfcommLMMaster
	}
	return lm
}

// rfcommAddr returns addr in the little-endian order the kernel expects
func rfcommAddr(addr stack.Address) [6]uint8 {
	var out [6]uint8
	for i := range addr {
		out[i] = addr[len(addr)-1-i]
	}
	return out
}

// Connect implements stack.SPP. The socket is dialed in the background;
// the result arrives as an OpenEvent.
func (b *Backend) Connect(sec stack.SecurityLevel, role stack.LinkRole, channel uint8, addr stack.Address) error {
	if b.isClosed() {
		return stack.ErrClosed
	}
	if channel < 1 || channel > maxRFCOMMChannel {
		return fmt.Errorf("rfcomm channel %d out of range [1, %d]", channel, maxRFCOMMChannel)
	}

	h := b.nextHandle()
	b.goroutine(fmt.Sprintf("bluez-connect-%d", h), func(ctx context.Context) {
		b.emitSPP(stack.ClientInitEvent{Status: stack.StatusSuccess, Handle: h})

		fd, err := dialRFCOMM(addr, channel, linkMode(sec, role))
		if err == nil && ctx.Err() != nil {
			_ = unix.Close(fd)
			err = ctx.Err()
		}
		if err != nil {
			b.logger.WithError(err).WithFields(logrus.Fields{
				"address": addr.String(),
				"channel": channel,
			}).Warn("RFCOMM connect failed")
			b.emitSPP(stack.OpenEvent{Status: stack.StatusFailure, Handle: h, Remote: addr})
			return
		}

		b.conns.Store(h, &rfcommConn{fd: fd, remote: addr})
		b.emitSPP(stack.OpenEvent{Status: stack.StatusSuccess, Handle: h, Descriptor: stack.Descriptor(h), Remote: addr})
	})
	return nil
}

func dialRFCOMM(addr stack.Address, channel uint8, lm int) (int, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return -1, wrapCall(err, "rfcomm-socket", "Cannot create an RFCOMM socket")
	}
	if lm != 0 {
		if err := unix.SetsockoptInt(fd, solRFCOMM, rfcommLM, lm); err != nil {
			_ = unix.Close(fd)
			return -1, wrapCall(err, "rfcomm-link-mode", "Cannot set the RFCOMM link mode")
		}
	}
	if err := unix.Connect(fd, &unix.SockaddrRFCOMM{Addr: rfcommAddr(addr), Channel: channel}); err != nil {
		_ = unix.Close(fd)
		return -1, wrapCall(err, "rfcomm-connect", "Cannot connect to the remote channel")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, wrapCall(err, "rfcomm-nonblock", "Cannot switch the socket to non-blocking mode")
	}
	return fd, nil
}

// Disconnect implements stack.SPP. Completion is reported as a CloseEvent.
func (b *Backend) Disconnect(h stack.Handle) error {
	c, ok := b.conns.LoadAndDelete(h)
	if !ok {
		return fmt.Errorf("%w: %d", stack.ErrUnknownHandle, h)
	}
	err := c.close()
	status := stack.StatusSuccess
	if err != nil {
		status = stack.StatusFailure
	}
	b.goroutine(fmt.Sprintf("bluez-close-%d", h), func(context.Context) {
		b.emitSPP(stack.CloseEvent{Status: status, Handle: h})
	})
	if err != nil {
		return wrapCall(err, "rfcomm-close", "Cannot close the RFCOMM socket")
	}
	return nil
}

// remoteClosed releases connection h after the peer hung up and reports
// it as an asynchronous CloseEvent
func (b *Backend) remoteClosed(h stack.Handle) {
	c, ok := b.conns.LoadAndDelete(h)
	if !ok {
		return
	}
	_ = c.close()
	b.logger.WithField("handle", h).Debug("Remote closed the connection")
	b.goroutine(fmt.Sprintf("bluez-close-%d", h), func(context.Context) {
		b.emitSPP(stack.CloseEvent{Status: stack.StatusSuccess, Handle: h, Async: true})
	})
}

// Read implements stack.Transport. An empty socket reads as (0, nil);
// a hung-up peer reads as io.EOF. A descriptor of a closed connection
// fails with stack.ErrUnknownHandle.
func (b *Backend) Read(d stack.Descriptor, buf []byte) (int, error) {
	h, c, err := b.lookup(d)
	if err != nil {
		return 0, err
	}
	n, err := c.read(buf)
	switch {
	case errors.Is(err, errConnClosed):
		return 0, fmt.Errorf("%w: descriptor %d", stack.ErrUnknownHandle, d)
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return 0, nil
	case err != nil:
		b.remoteClosed(h)
		return 0, err
	case n == 0 && len(buf) > 0:
		b.remoteClosed(h)
		return 0, io.EOF
	}
	return n, nil
}

// Write implements stack.Transport. A full socket is polled until it can
// take more data or the poll times out, in which case (0, nil) is returned.
func (b *Backend) Write(d stack.Descriptor, buf []byte) (int, error) {
	_, c, err := b.lookup(d)
	if err != nil {
		return 0, err
	}
	n, err := c.write(buf)
	if errors.Is(err, errConnClosed) {
		return 0, fmt.Errorf("%w: descriptor %d", stack.ErrUnknownHandle, d)
	}
	return n, err
}

// profile implements org.bluez.Profile1 for the server role
type profile struct {
	b *Backend
}

// Listen implements stack.SPP by registering an SPP server profile. The
// result arrives as a ServerStartEvent; accepted connections arrive as
// inbound OpenEvents.
func (b *Backend) Listen(sec stack.SecurityLevel, role stack.LinkRole, channel uint8, serviceName string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return stack.ErrClosed
	}
	if b.listening {
		b.mu.Unlock()
		return errors.New("spp server already listening")
	}
	b.listening = true
	b.listenH = b.nextHandle()
	h := b.listenH
	b.mu.Unlock()

	opts := map[string]dbus.Variant{
		"Name":                  dbus.MakeVariant(serviceName),
		"Role":                  dbus.MakeVariant("server"),
		"RequireAuthentication": dbus.MakeVariant(sec == stack.SecurityAuthenticate),
		"RequireAuthorization":  dbus.MakeVariant(sec != stack.SecurityNone),
		"AutoConnect":           dbus.MakeVariant(false),
	}
	if channel != 0 {
		opts["Channel"] = dbus.MakeVariant(uint16(channel))
	}

	fail := func(err error, at, msg string) error {
		b.mu.Lock()
		b.listening = false
		b.mu.Unlock()
		b.goroutine("bluez-server-start", func(context.Context) {
			b.emitSPP(stack.ServerStartEvent{Status: stack.StatusFailure, Handle: h, ChannelNum: channel, ServiceName: serviceName})
		})
		return wrapCall(err, at, msg)
	}

	if err := b.conn.Export(&profile{b: b}, profilePath, profileIface); err != nil {
		return fail(err, "export-profile", "Cannot export the SPP profile")
	}
	mgr := b.conn.Object(bluezService, "/org/bluez")
	if err := mgr.Call(profileManagerIface+".RegisterProfile", 0, profilePath, SPPUUID.String(), opts).Err; err != nil {
		_ = b.conn.Export(nil, profilePath, profileIface)
		return fail(err, "register-profile", "Cannot register the SPP profile")
	}
	b.addCleanup(func() {
		_ = mgr.Call(profileManagerIface+".UnregisterProfile", 0, profilePath).Err
		_ = b.conn.Export(nil, profilePath, profileIface)
	})

	b.logger.WithFields(logrus.Fields{
		"service": serviceName,
		"channel": channel,
		"role":    role,
	}).Info("SPP server registered")
	b.goroutine("bluez-server-start", func(context.Context) {
		b.emitSPP(stack.ServerStartEvent{Status: stack.StatusSuccess, Handle: h, ChannelNum: channel, ServiceName: serviceName})
	})
	return nil
}

func (p *profile) Release() *dbus.Error {
	p.b.logger.Debug("SPP profile released")
	return nil
}

func (p *profile) NewConnection(device dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	addr, ok := addressFromPath(device)
	if !ok {
		_ = unix.Close(int(fd))
		return rejected("unknown device")
	}
	if err := unix.SetNonblock(int(fd), true); err != nil {
		_ = unix.Close(int(fd))
		return rejected("cannot configure socket")
	}

	b := p.b
	h := b.nextHandle()
	b.conns.Store(h, &rfcommConn{fd: int(fd), remote: addr, inbound: true})

	b.mu.Lock()
	listenH := b.listenH
	b.mu.Unlock()

	b.goroutine(fmt.Sprintf("bluez-accept-%d", h), func(context.Context) {
		b.emitSPP(stack.OpenEvent{
			Status:       stack.StatusSuccess,
			Handle:       h,
			Descriptor:   stack.Descriptor(h),
			Remote:       addr,
			Inbound:      true,
			ListenHandle: listenH,
		})
	})
	return nil
}

func (p *profile) RequestDisconnection(device dbus.ObjectPath) *dbus.Error {
	addr, ok := addressFromPath(device)
	if !ok {
		return nil
	}
	p.b.conns.Range(func(h stack.Handle, c *rfcommConn) bool {
		if c.inbound && c.remote == addr {
			if err := p.b.Disconnect(h); err != nil {
				p.b.logger.WithError(err).WithField("handle", h).Debug("Disconnect on request failed")
			}
		}
		return true
	})
	return nil
}
