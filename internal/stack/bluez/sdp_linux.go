//go:build linux

package bluez

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/srg/sppctl/internal/stack"
)

const (
	sdpPSM     = 1
	sdpTimeout = 10 * time.Second
)

var errNoSPPService = errors.New("no SPP service record")

// StartServiceDiscovery implements stack.SPP. The SDP query runs in the
// background and completes with a ServiceDiscoveryEvent.
func (b *Backend) StartServiceDiscovery(addr stack.Address) error {
	if b.isClosed() {
		return stack.ErrClosed
	}
	if _, busy := b.sdActive.LoadOrStore(addr, struct{}{}); busy {
		return fmt.Errorf("service discovery for %s already running", addr)
	}

	b.goroutine("bluez-sdp-"+addr.String(), func(ctx context.Context) {
		defer b.sdActive.Delete(addr)

		ev := stack.ServiceDiscoveryEvent{Address: addr, Status: stack.StatusSuccess}
		services, err := querySPP(ctx, addr)
		if err == nil && len(services) == 0 {
			err = errNoSPPService
		}
		if err != nil {
			b.logger.WithError(err).WithField("address", addr.String()).Warn("Service discovery failed")
			ev.Status = stack.StatusFailure
			b.emitSPP(ev)
			return
		}

		for _, svc := range services {
			ev.Channels = append(ev.Channels, svc.Channel)
			ev.ServiceNames = append(ev.ServiceNames, svc.Name)
		}
		b.logger.WithFields(logrus.Fields{
			"address":  addr.String(),
			"channels": ev.Channels,
		}).Debug("Service discovery complete")
		b.emitSPP(ev)
	})
	return nil
}

// querySPP connects to the SDP server of addr over L2CAP and searches for
// SPP records
func querySPP(ctx context.Context, addr stack.Address) ([]sppService, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, unix.BTPROTO_L2CAP)
	if err != nil {
		return nil, wrapCall(err, "sdp-socket", "Cannot create an L2CAP socket")
	}
	conn := os.NewFile(uintptr(fd), "sdp-"+addr.String())
	defer conn.Close()

	tv := unix.NsecToTimeval(sdpTimeout.Nanoseconds())
	_ = unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
	_ = unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv)

	// SockaddrL2 takes the address in display order
	if err := unix.Connect(fd, &unix.SockaddrL2{PSM: sdpPSM, Addr: [6]uint8(addr)}); err != nil {
		return nil, wrapCall(err, "sdp-connect", "Cannot reach the remote SDP server")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return searchSPP(conn, SPPUUID)
}
