//go:build linux

package bluez

import (
	"strconv"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/srg/sppctl/internal/stack"
)

const (
	errRejected = "org.bluez.Error.Rejected"
	errCanceled = "org.bluez.Error.Canceled"
)

// agent implements org.bluez.Agent1. Every request is turned into a
// PairingRequestEvent; calls that need an answer block until ReplyPairing
// is called for the same address or the pairing timeout passes.
type agent struct {
	b *Backend
}

func rejected(reason string) *dbus.Error {
	return &dbus.Error{Name: errRejected, Body: []any{reason}}
}

func (b *Backend) registerAgent() error {
	if err := b.conn.Export(&agent{b: b}, agentPath, agentIface); err != nil {
		return wrapCall(err, "export-agent", "Cannot export the pairing agent")
	}
	mgr := b.conn.Object(bluezService, "/org/bluez")
	if err := mgr.Call(agentManagerIface+".RegisterAgent", 0, agentPath, agentCapability).Err; err != nil {
		_ = b.conn.Export(nil, agentPath, agentIface)
		return wrapCall(err, "register-agent", "Cannot register the pairing agent")
	}
	if err := mgr.Call(agentManagerIface+".RequestDefaultAgent", 0, agentPath).Err; err != nil {
		b.logger.WithError(err).Warn("Pairing agent is not the default agent")
	}
	b.addCleanup(func() {
		_ = mgr.Call(agentManagerIface+".UnregisterAgent", 0, agentPath).Err
		_ = b.conn.Export(nil, agentPath, agentIface)
	})
	return nil
}

// ReplyPairing implements stack.GAP
func (b *Backend) ReplyPairing(req stack.PairingRequest, reply stack.PairingReply) error {
	ch, ok := b.pending.Load(req.Address)
	if !ok {
		return stack.ErrNoPendingPairing
	}
	select {
	case ch <- reply:
		return nil
	default:
		return stack.ErrNoPendingPairing
	}
}

func (a *agent) ask(device dbus.ObjectPath, req stack.PairingRequest) (stack.PairingReply, *dbus.Error) {
	addr, ok := addressFromPath(device)
	if !ok {
		return stack.PairingReply{}, rejected("unknown device")
	}
	req.Address = addr

	ch := make(chan stack.PairingReply, 1)
	if _, busy := a.b.pending.LoadOrStore(addr, ch); busy {
		return stack.PairingReply{}, rejected("pairing already in progress")
	}
	defer a.b.pending.Delete(addr)

	a.b.emitGAP(stack.PairingRequestEvent{Request: req})

	timer := time.NewTimer(a.b.opts.PairingTimeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		a.b.logger.WithFields(logrus.Fields{
			"address": addr.String(),
			"kind":    req.Kind.String(),
		}).Warn("Pairing request timed out")
		return stack.PairingReply{}, rejected("timeout")
	case <-a.b.ctx.Done():
		return stack.PairingReply{}, &dbus.Error{Name: errCanceled, Body: []any{"stack closed"}}
	}
}

func (a *agent) notify(device dbus.ObjectPath, req stack.PairingRequest) {
	addr, ok := addressFromPath(device)
	if !ok {
		return
	}
	req.Address = addr
	a.b.emitGAP(stack.PairingRequestEvent{Request: req})
}

func (a *agent) Release() *dbus.Error {
	a.b.logger.Debug("Pairing agent released")
	return nil
}

func (a *agent) RequestPinCode(device dbus.ObjectPath) (string, *dbus.Error) {
	reply, derr := a.ask(device, stack.PairingRequest{Kind: stack.PairingLegacyPin})
	if derr != nil {
		return "", derr
	}
	if !reply.Accept || len(reply.PIN) == 0 {
		return "", rejected("pin refused")
	}
	return string(reply.PIN), nil
}

func (a *agent) DisplayPinCode(device dbus.ObjectPath, pincode string) *dbus.Error {
	value, _ := strconv.ParseUint(pincode, 10, 32)
	a.notify(device, stack.PairingRequest{Kind: stack.PairingSSPPasskeyNotify, Value: uint32(value)})
	return nil
}

func (a *agent) RequestPasskey(device dbus.ObjectPath) (uint32, *dbus.Error) {
	reply, derr := a.ask(device, stack.PairingRequest{Kind: stack.PairingSSPPasskeyRequest})
	if derr != nil {
		return 0, derr
	}
	if !reply.Accept {
		return 0, rejected("passkey refused")
	}
	return reply.Passkey, nil
}

func (a *agent) DisplayPasskey(device dbus.ObjectPath, passkey uint32, entered uint16) *dbus.Error {
	if entered == 0 {
		a.notify(device, stack.PairingRequest{Kind: stack.PairingSSPPasskeyNotify, Value: passkey})
	}
	return nil
}

func (a *agent) RequestConfirmation(device dbus.ObjectPath, passkey uint32) *dbus.Error {
	reply, derr := a.ask(device, stack.PairingRequest{Kind: stack.PairingSSPConfirm, Value: passkey})
	if derr != nil {
		return derr
	}
	if !reply.Accept {
		return rejected("confirmation refused")
	}
	return nil
}

func (a *agent) RequestAuthorization(device dbus.ObjectPath) *dbus.Error {
	return a.RequestConfirmation(device, 0)
}

func (a *agent) AuthorizeService(device dbus.ObjectPath, uuid string) *dbus.Error {
	if strings.EqualFold(uuid, SPPUUID.String()) {
		return nil
	}
	a.b.logger.WithFields(logrus.Fields{
		"device": string(device),
		"uuid":   uuid,
	}).Debug("Refusing service other than SPP")
	return rejected("service not allowed")
}

func (a *agent) Cancel() *dbus.Error {
	a.b.pending.Range(func(addr stack.Address, ch chan stack.PairingReply) bool {
		select {
		case ch <- stack.PairingReply{}:
		default:
		}
		return true
	})
	a.b.logger.Debug("Pairing request cancelled by BlueZ")
	return nil
}
