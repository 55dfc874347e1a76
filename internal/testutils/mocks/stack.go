// Package mocks provides testify mocks of the Bluetooth stack capability.
package mocks

import (
	"github.com/stretchr/testify/mock"

	"github.com/srg/sppctl/internal/stack"
)

// MockStack implements stack.Stack for testing
type MockStack struct {
	mock.Mock
}

var _ stack.Stack = (*MockStack)(nil)

func (m *MockStack) RegisterGAPCallback(h stack.EventHandler) error {
	args := m.Called(h)
	return args.Error(0)
}

func (m *MockStack) RegisterSPPCallback(h stack.EventHandler) error {
	args := m.Called(h)
	return args.Error(0)
}

func (m *MockStack) SetDeviceName(name string) error {
	args := m.Called(name)
	return args.Error(0)
}

func (m *MockStack) SetScanMode(connectable bool, mode stack.DiscoverableMode) error {
	args := m.Called(connectable, mode)
	return args.Error(0)
}

func (m *MockStack) StartInquiry(mode stack.InquiryMode, duration uint8, maxResponses uint8) error {
	args := m.Called(mode, duration, maxResponses)
	return args.Error(0)
}

func (m *MockStack) CancelInquiry() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockStack) BondedDevices() ([]stack.Address, error) {
	args := m.Called()
	addrs, _ := args.Get(0).([]stack.Address)
	return addrs, args.Error(1)
}

func (m *MockStack) RemoveBondedDevice(addr stack.Address) error {
	args := m.Called(addr)
	return args.Error(0)
}

func (m *MockStack) ReplyPairing(req stack.PairingRequest, reply stack.PairingReply) error {
	args := m.Called(req, reply)
	return args.Error(0)
}

func (m *MockStack) EnableSPP() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockStack) StartServiceDiscovery(addr stack.Address) error {
	args := m.Called(addr)
	return args.Error(0)
}

func (m *MockStack) Connect(sec stack.SecurityLevel, role stack.LinkRole, channel uint8, addr stack.Address) error {
	args := m.Called(sec, role, channel, addr)
	return args.Error(0)
}

func (m *MockStack) Disconnect(h stack.Handle) error {
	args := m.Called(h)
	return args.Error(0)
}

func (m *MockStack) Listen(sec stack.SecurityLevel, role stack.LinkRole, channel uint8, serviceName string) error {
	args := m.Called(sec, role, channel, serviceName)
	return args.Error(0)
}

func (m *MockStack) Read(d stack.Descriptor, buf []byte) (int, error) {
	args := m.Called(d, buf)
	return args.Int(0), args.Error(1)
}

func (m *MockStack) Write(d stack.Descriptor, buf []byte) (int, error) {
	args := m.Called(d, buf)
	return args.Int(0), args.Error(1)
}

func (m *MockStack) Close() error {
	args := m.Called()
	return args.Error(0)
}
