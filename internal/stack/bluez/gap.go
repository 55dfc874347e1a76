//go:build linux

package bluez

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/srg/sppctl/internal/stack"
)

// limitedDiscoverableTimeout is how long limited discoverable mode lasts, in seconds
const limitedDiscoverableTimeout = uint32(180)

// SetDeviceName implements stack.GAP. BlueZ exposes the local name as the
// adapter alias.
func (b *Backend) SetDeviceName(name string) error {
	if err := b.setProp(b.adapterPath, adapterIface, "Alias", name); err != nil {
		return wrapCall(err, "set-alias", "Cannot set the adapter alias")
	}
	return nil
}

// SetScanMode implements stack.GAP
func (b *Backend) SetScanMode(connectable bool, mode stack.DiscoverableMode) error {
	if connectable {
		if err := b.setProp(b.adapterPath, adapterIface, "Powered", true); err != nil {
			return wrapCall(err, "power-on", "Cannot power the adapter on")
		}
	}
	if err := b.setProp(b.adapterPath, adapterIface, "Pairable", connectable); err != nil {
		return wrapCall(err, "set-pairable", "Cannot change the pairable mode")
	}

	discoverable := mode != stack.NonDiscoverable
	if discoverable {
		timeout := uint32(0)
		if mode == stack.LimitedDiscoverable {
			timeout = limitedDiscoverableTimeout
		}
		if err := b.setProp(b.adapterPath, adapterIface, "DiscoverableTimeout", timeout); err != nil {
			return wrapCall(err, "set-discoverable-timeout", "Cannot set the discoverable timeout")
		}
	}
	if err := b.setProp(b.adapterPath, adapterIface, "Discoverable", discoverable); err != nil {
		return wrapCall(err, "set-discoverable", "Cannot change the discoverable mode")
	}
	return nil
}

// StartInquiry implements stack.GAP. BlueZ has no inquiry length, so
// discovery is stopped by a timer after duration units of 1.28s. The
// response limit is not supported by BlueZ and is only logged.
func (b *Backend) StartInquiry(mode stack.InquiryMode, duration uint8, maxResponses uint8) error {
	if duration < stack.MinInquiryDuration || duration > stack.MaxInquiryDuration {
		return fmt.Errorf("inquiry duration %d out of range [%d, %d]", duration, stack.MinInquiryDuration, stack.MaxInquiryDuration)
	}

	filter := map[string]any{
		"Transport":     "bredr",
		"DuplicateData": true,
	}
	if err := b.adapterCall("SetDiscoveryFilter", filter); err != nil {
		b.logger.WithError(err).Debug("SetDiscoveryFilter failed, discovering on all transports")
	}
	if err := b.adapterCall("StartDiscovery"); err != nil {
		return wrapCall(err, "start-discovery", "Cannot start discovery")
	}

	timeout := stack.InquiryTimeout(duration)
	b.mu.Lock()
	if b.inquiry != nil {
		b.inquiry.Stop()
	}
	b.inquiry = time.AfterFunc(timeout, func() {
		if err := b.adapterCall("StopDiscovery"); err != nil {
			b.logger.WithError(err).Debug("StopDiscovery after inquiry timeout failed")
		}
	})
	b.mu.Unlock()

	b.logger.WithFields(logrus.Fields{
		"mode":          mode,
		"timeout":       timeout,
		"max_responses": maxResponses,
	}).Debug("Discovery started")
	return nil
}

// CancelInquiry implements stack.GAP
func (b *Backend) CancelInquiry() error {
	b.mu.Lock()
	if b.inquiry != nil {
		b.inquiry.Stop()
		b.inquiry = nil
	}
	b.mu.Unlock()

	if err := b.adapterCall("StopDiscovery"); err != nil {
		return wrapCall(err, "stop-discovery", "Cannot stop discovery")
	}
	return nil
}

// BondedDevices implements stack.GAP
func (b *Backend) BondedDevices() ([]stack.Address, error) {
	objs, err := b.managedObjects()
	if err != nil {
		return nil, wrapCall(err, "managed-objects", "Cannot list BlueZ objects")
	}

	var out []stack.Address
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok || !b.under(path) {
			continue
		}
		if paired, _ := props["Paired"].Value().(bool); !paired {
			continue
		}
		if addr, ok := addressFromPath(path); ok {
			out = append(out, addr)
		}
	}
	sortAddresses(out)
	return out, nil
}

// RemoveBondedDevice implements stack.GAP. Completion is reported as a
// BondRemovedEvent.
func (b *Backend) RemoveBondedDevice(addr stack.Address) error {
	err := b.adapterCall("RemoveDevice", b.devicePath(addr))
	status := stack.StatusSuccess
	if err != nil {
		status = stack.StatusFailure
	}
	b.emitGAP(stack.BondRemovedEvent{Address: addr, Status: status})
	if err != nil {
		return wrapCall(err, "remove-device", "Cannot remove the bonded device")
	}
	return nil
}

// watchSignals subscribes to BlueZ object and property changes and turns
// them into GAP events
func (b *Backend) watchSignals() error {
	matches := [][]dbus.MatchOption{
		{dbus.WithMatchInterface(objManagerIface), dbus.WithMatchMember("InterfacesAdded")},
		{dbus.WithMatchInterface(propsIface), dbus.WithMatchMember("PropertiesChanged"), dbus.WithMatchPathNamespace(b.adapterPath)},
	}
	for _, m := range matches {
		if err := b.conn.AddMatchSignal(m...); err != nil {
			return wrapCall(err, "add-match", "Cannot subscribe to BlueZ signals")
		}
	}

	signals := make(chan *dbus.Signal, 64)
	b.conn.Signal(signals)
	b.addCleanup(func() {
		b.conn.RemoveSignal(signals)
		for _, m := range matches {
			_ = b.conn.RemoveMatchSignal(m...)
		}
	})

	b.goroutine("bluez-signals", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				b.handleSignal(sig)
			}
		}
	})
	return nil
}

func (b *Backend) handleSignal(sig *dbus.Signal) {
	if sig == nil || len(sig.Body) < 2 {
		return
	}

	switch sig.Name {
	case objManagerIface + ".InterfacesAdded":
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		if props, ok := ifaces[deviceIface]; ok && b.under(path) {
			b.deviceChanged(path, props)
		}

	case propsIface + ".PropertiesChanged":
		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		switch {
		case iface == adapterIface && sig.Path == b.adapterPath:
			if v, ok := changed["Discovering"]; ok {
				discovering, _ := v.Value().(bool)
				b.emitGAP(stack.DiscoveryStateEvent{Discovering: discovering})
			}
		case iface == deviceIface && b.under(sig.Path):
			b.deviceChanged(sig.Path, changed)
		}

	default:
		b.logger.WithField("signal", sig.Name).Trace("Ignoring D-Bus signal")
	}
}

// deviceChanged merges props into the cached device state and emits a
// discovery result when inquiry-visible fields change, and an auth-complete
// event when the device becomes paired
func (b *Backend) deviceChanged(path dbus.ObjectPath, props map[string]dbus.Variant) {
	addr, ok := addressFromPath(path)
	if !ok {
		return
	}

	prev, _ := b.devices.Load(path)
	st := mergeDeviceProps(prev, props)
	st.Address = addr
	b.devices.Store(path, st)

	_, hasName := props["Name"]
	_, hasRSSI := props["RSSI"]
	_, hasClass := props["Class"]
	if hasName || hasRSSI || hasClass {
		b.emitGAP(discoveryResult(st))
	}

	if v, ok := props["Paired"]; ok {
		if paired, _ := v.Value().(bool); paired && !prev.Paired {
			b.emitGAP(stack.AuthCompleteEvent{Address: addr, Name: st.Name, Status: stack.StatusSuccess})
		}
	}
}

func mergeDeviceProps(st deviceState, props map[string]dbus.Variant) deviceState {
	if v, ok := props["Name"]; ok {
		st.Name, _ = v.Value().(string)
	}
	if v, ok := props["RSSI"]; ok {
		if rssi, ok := v.Value().(int16); ok {
			st.RSSI, st.HasRSSI = rssi, true
		}
	}
	if v, ok := props["Class"]; ok {
		st.Class, _ = v.Value().(uint32)
	}
	if v, ok := props["Paired"]; ok {
		st.Paired, _ = v.Value().(bool)
	}
	return st
}

// discoveryResult builds an inquiry result. BlueZ does not pass the raw
// EIR through D-Bus, so the name is re-encoded as a complete-name field.
func discoveryResult(st deviceState) stack.DiscoveryResultEvent {
	ev := stack.DiscoveryResultEvent{Address: st.Address}
	if st.Name != "" {
		name := []byte(st.Name)
		if len(name) > stack.MaxEIRLength-2 {
			name = name[:stack.MaxEIRLength-2]
		}
		ev.Properties = append(ev.Properties,
			stack.DeviceProperty{Type: stack.PropEIR, Value: stack.EncodeEIR(stack.EIRField{Type: stack.EIRCompleteName, Data: name})},
			stack.DeviceProperty{Type: stack.PropName, Value: []byte(st.Name)},
		)
	}
	if st.HasRSSI {
		rssi := st.RSSI
		if rssi < -128 {
			rssi = -128
		}
		if rssi > 127 {
			rssi = 127
		}
		ev.Properties = append(ev.Properties, stack.DeviceProperty{Type: stack.PropRSSI, Value: []byte{byte(int8(rssi))}})
	}
	if st.Class != 0 {
		ev.Properties = append(ev.Properties, stack.DeviceProperty{
			Type:  stack.PropClass,
			Value: []byte{byte(st.Class), byte(st.Class >> 8), byte(st.Class >> 16)},
		})
	}
	return ev
}

func sortAddresses(addrs []stack.Address) {
	slices.SortFunc(addrs, func(a, b stack.Address) int {
		return bytes.Compare(a[:], b[:])
	})
}

// wrapCall attaches the failing step and a user-facing message to a BlueZ error
func wrapCall(err error, at, msg string) error {
	return fault.Wrap(err,
		fctx.With(context.Background(), "error_at", at),
		ftag.With(ftag.Internal),
		fmsg.WithDesc(at, msg),
	)
}
