package discovery

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"github.com/srg/sppctl/internal/events"
	"github.com/srg/sppctl/internal/stack"
	"github.com/srg/sppctl/internal/testutils/mocks"
)

const target = "NCC-1701F"

var remote = stack.MustParseAddress("24:0a:c4:aa:bb:cc")

type recorder struct {
	notifications []events.Notification
}

func (r *recorder) Publish(n events.Notification) {
	r.notifications = append(r.notifications, n)
}

func (r *recorder) kinds() []string {
	var out []string
	for _, n := range r.notifications {
		out = append(out, n.Kind)
	}
	return out
}

func resultWithName(addr stack.Address, t stack.EIRType, name string) stack.DiscoveryResultEvent {
	return stack.DiscoveryResultEvent{
		Address: addr,
		Properties: []stack.DeviceProperty{
			{Type: stack.PropRSSI, Value: []byte{0xc4}},
			{Type: stack.PropEIR, Value: stack.EncodeEIR(stack.EIRField{Type: t, Data: []byte(name)})},
		},
	}
}

// CoordinatorTestSuite drives the discovery state machine against a mock stack
type CoordinatorTestSuite struct {
	suite.Suite
	stack *mocks.MockStack
	bus   *recorder
	c     *Coordinator
}

func (s *CoordinatorTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	s.stack = &mocks.MockStack{}
	s.bus = &recorder{}
	opts := DefaultOptions()
	opts.TargetName = target
	s.c = NewCoordinator(s.stack, opts, nil, s.bus, logger)
}

func (s *CoordinatorTestSuite) TearDownTest() {
	s.stack.AssertExpectations(s.T())
}

func (s *CoordinatorTestSuite) startInquiry() {
	s.stack.On("StartInquiry", stack.InquiryGeneral, uint8(30), uint8(0)).Return(nil).Once()
	s.Require().NoError(s.c.StartInquiry())
}

func (s *CoordinatorTestSuite) TestStartInquiry() {
	// GOAL: inquiry is general, 30 units long, with unlimited responses
	//
	// TEST SCENARIO: StartInquiry twice -> second call fails with ErrInquiryInProgress

	s.startInquiry()

	s.Equal(Inquiring, s.c.State())
	s.ErrorIs(s.c.StartInquiry(), ErrInquiryInProgress, "second inquiry MUST be refused")
}

func (s *CoordinatorTestSuite) TestStartInquiryStackFailure() {
	s.stack.On("StartInquiry", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("adapter busy")).Once()

	err := s.c.StartInquiry()

	s.True(stack.IsStackError(err), "stack failure MUST surface as StackError")
	s.Equal(Idle, s.c.State(), "failed call MUST NOT change state")
}

func (s *CoordinatorTestSuite) TestNameMatch() {
	// GOAL: only an exact name match records the address
	//
	// TEST SCENARIO: "NCC-1701" (truncated) then "NCC-1701F" -> only the second matches

	s.startInquiry()
	other := stack.MustParseAddress("00:11:22:33:44:55")

	s.False(s.c.HandleDiscoveryResult(resultWithName(other, stack.EIRCompleteName, "NCC-1701")))
	s.Equal(Inquiring, s.c.State(), "truncated name MUST NOT match")
	s.Nil(s.c.Status().Address)

	s.True(s.c.HandleDiscoveryResult(resultWithName(remote, stack.EIRCompleteName, target)))
	s.Equal(MatchedAddress, s.c.State())
	s.Require().NotNil(s.c.Status().Address)
	s.Equal(remote, *s.c.Status().Address)
	s.Equal([]string{"matched"}, s.bus.kinds())

	peers := s.c.Peers()
	s.Len(peers, 2)
	s.True(peers[1].Matched)
	s.True(peers[1].HasRSSI)
	s.Equal(int8(-60), peers[1].RSSI)
}

func (s *CoordinatorTestSuite) TestShortNameMatches() {
	s.startInquiry()

	s.True(s.c.HandleDiscoveryResult(resultWithName(remote, stack.EIRShortName, target)))
}

func (s *CoordinatorTestSuite) TestStopInquiryKeepsMatch() {
	s.startInquiry()
	s.c.HandleDiscoveryResult(resultWithName(remote, stack.EIRCompleteName, target))
	s.stack.On("CancelInquiry").Return(nil).Once()

	s.Require().NoError(s.c.StopInquiry())

	snap := s.c.Status()
	s.Equal(MatchedAddress, snap.State)
	s.False(snap.Inquiring)
	s.Require().NotNil(snap.Address)
	s.Equal(remote, *snap.Address)
}

func (s *CoordinatorTestSuite) TestInquiryFinishedWithoutMatch() {
	s.startInquiry()

	s.c.HandleDiscoveryState(false)

	s.Equal(Idle, s.c.State())
	s.startInquiry()
}

func (s *CoordinatorTestSuite) TestServiceDiscoveryRequiresAddress() {
	s.ErrorIs(s.c.StartServiceDiscovery(), ErrNoAddress)
}

func (s *CoordinatorTestSuite) TestFullClientFlow() {
	// GOAL: manual address -> service discovery -> two channels -> connect on either
	//
	// TEST SCENARIO: SDP reports channels 3, 5, 7 -> first two kept, connect(2) uses channel 5

	s.c.SetAddress(remote)
	s.Equal(MatchedAddress, s.c.State())

	s.stack.On("StartServiceDiscovery", remote).Return(nil).Once()
	s.Require().NoError(s.c.StartServiceDiscovery())
	s.Equal(ServiceDiscovering, s.c.State())
	s.ErrorIs(s.c.StartServiceDiscovery(), ErrServiceDiscoveryInProgress)
	s.ErrorIs(s.c.Connect(1), ErrChannelNotResolved, "connect before resolution MUST fail")

	err := s.c.HandleServiceDiscovery(stack.ServiceDiscoveryEvent{
		Address:      remote,
		Status:       stack.StatusSuccess,
		Channels:     []uint8{3, 5, 7},
		ServiceNames: []string{"SPP", "SPP2", "OTHER"},
	})
	s.Require().NoError(err)
	s.Equal(ChannelsResolved, s.c.State())
	s.Equal([]uint8{3, 5}, s.c.Status().Channels)

	s.stack.On("Connect", stack.SecurityAuthenticate, stack.RoleMaster, uint8(5), remote).Return(nil).Once()
	s.NoError(s.c.Connect(2))
	s.ErrorIs(s.c.Connect(3), ErrInvalidChannelIndex)
	s.Equal([]string{"address_set", "channels_resolved"}, s.bus.kinds())
}

func (s *CoordinatorTestSuite) TestSingleChannelLeavesSecondUnresolved() {
	s.c.SetAddress(remote)
	s.stack.On("StartServiceDiscovery", remote).Return(nil).Once()
	s.Require().NoError(s.c.StartServiceDiscovery())

	s.Require().NoError(s.c.HandleServiceDiscovery(stack.ServiceDiscoveryEvent{Address: remote, Channels: []uint8{1}}))

	s.ErrorIs(s.c.Connect(2), ErrChannelNotResolved)
}

func (s *CoordinatorTestSuite) TestServiceDiscoveryFailure() {
	// GOAL: a failed service discovery is reported, not fatal, and can be retried
	//
	// TEST SCENARIO: failure event -> ServiceDiscoveryError, failed flag, retry allowed

	s.c.SetAddress(remote)
	s.stack.On("StartServiceDiscovery", remote).Return(nil).Twice()
	s.Require().NoError(s.c.StartServiceDiscovery())

	err := s.c.HandleServiceDiscovery(stack.ServiceDiscoveryEvent{Address: remote, Status: stack.StatusFailure})

	var sdErr *ServiceDiscoveryError
	s.Require().True(errors.As(err, &sdErr))
	s.Equal(remote, sdErr.Address)
	snap := s.c.Status()
	s.Equal(ServiceDiscovering, snap.State)
	s.True(snap.ServiceDiscoveryFailed)

	s.NoError(s.c.StartServiceDiscovery(), "retry after failure MUST be allowed")
}

func (s *CoordinatorTestSuite) TestUnexpectedServiceDiscoveryEvent() {
	err := s.c.HandleServiceDiscovery(stack.ServiceDiscoveryEvent{Address: remote})

	s.ErrorIs(err, ErrUnexpectedEvent)
	s.Equal(Idle, s.c.State())
}

func TestCoordinatorTestSuite(t *testing.T) {
	suite.Run(t, new(CoordinatorTestSuite))
}
