package console

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"github.com/srg/sppctl/internal/discovery"
	"github.com/srg/sppctl/internal/events"
	"github.com/srg/sppctl/internal/output"
	"github.com/srg/sppctl/internal/session"
	"github.com/srg/sppctl/internal/stack"
	"github.com/srg/sppctl/manager"
)

var peer = stack.MustParseAddress("24:0a:c4:de:ad:01")

type mockCommands struct {
	mock.Mock
}

func (m *mockCommands) EnterManualAddress(text string) error { return m.Called(text).Error(0) }
func (m *mockCommands) StartDiscovery() error                { return m.Called().Error(0) }
func (m *mockCommands) StopDiscovery() error                 { return m.Called().Error(0) }
func (m *mockCommands) ResolveServices() error               { return m.Called().Error(0) }
func (m *mockCommands) ConnectChannel(index int) error       { return m.Called(index).Error(0) }
func (m *mockCommands) CloseAllSessions() error              { return m.Called().Error(0) }

func (m *mockCommands) ListBondedDevices() ([]stack.Address, error) {
	args := m.Called()
	addrs, _ := args.Get(0).([]stack.Address)
	return addrs, args.Error(1)
}

func (m *mockCommands) ForgetAllBondedDevices() (int, error) {
	args := m.Called()
	return args.Int(0), args.Error(1)
}

func (m *mockCommands) Status() manager.Status {
	return m.Called().Get(0).(manager.Status)
}

func (m *mockCommands) Peers() []discovery.Peer {
	peers, _ := m.Called().Get(0).([]discovery.Peer)
	return peers
}

// ConsoleTestSuite feeds input lines to a console wired to mocked commands
type ConsoleTestSuite struct {
	suite.Suite
	cmds    *mockCommands
	sink    *output.Collector
	console *Console
}

func (s *ConsoleTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	sink, err := output.NewCollector(256)
	s.Require().NoError(err)

	s.cmds = &mockCommands{}
	s.sink = sink
	s.console = New(s.cmds, sink, logger)
}

func (s *ConsoleTestSuite) TearDownTest() {
	s.cmds.AssertExpectations(s.T())
}

func (s *ConsoleTestSuite) text() string {
	out, err := s.sink.ConsumePlainText()
	s.Require().NoError(err)
	return out
}

func (s *ConsoleTestSuite) TestKeyMap() {
	// GOAL: Every single-letter command reaches the matching manager operation
	//
	// TEST SCENARIO: each key in turn -> exactly one expected call

	s.cmds.On("ListBondedDevices").Return([]stack.Address{peer}, nil).Once()
	s.cmds.On("ForgetAllBondedDevices").Return(1, nil).Once()
	s.cmds.On("StartDiscovery").Return(nil).Once()
	s.cmds.On("StopDiscovery").Return(nil).Once()
	s.cmds.On("ResolveServices").Return(nil).Once()
	s.cmds.On("ConnectChannel", 1).Return(nil).Once()
	s.cmds.On("ConnectChannel", 2).Return(nil).Once()
	s.cmds.On("CloseAllSessions").Return(nil).Once()
	s.cmds.On("EnterManualAddress", "24:0a:c4:de:ad:01").Return(nil).Once()

	for _, line := range []string{"L", "C", "d", "D", "e", "f", "g", "Z", "a 24:0a:c4:de:ad:01"} {
		s.False(s.console.Execute(line), "command %q MUST NOT quit", line)
	}

	s.Contains(s.text(), "Input BD_ADDR : 24:0a:c4:de:ad:01")
}

func (s *ConsoleTestSuite) TestQuitAndUsage() {
	s.False(s.console.Execute("?"))
	s.True(s.console.Execute("q"), "q MUST quit")

	out := s.text()
	for _, key := range []string{"? :", "q :", "L :", "C :", "a :", "d :", "D :", "e :", "f :", "g :", "Z :", "s :", "l :"} {
		s.Contains(out, key, "usage MUST list %q", key)
	}
}

func (s *ConsoleTestSuite) TestUnknownCommandAndBlankLine() {
	s.False(s.console.Execute(""))
	s.False(s.console.Execute("x"))

	s.Contains(s.text(), `Unknown command "x"`)
}

func (s *ConsoleTestSuite) TestManualAddressOnNextLine() {
	// GOAL: "a" without argument takes the address from the following line
	//
	// TEST SCENARIO: a -> prompt; malformed line -> error printed; no retry without a new "a"

	s.cmds.On("EnterManualAddress", "24:0a:c4:de:ad").Return(stack.ErrMalformed).Once()

	s.console.Execute("a")
	s.console.Execute("24:0a:c4:de:ad")
	s.console.Execute("")

	out := s.text()
	s.Contains(out, "Input target BD address:")
	s.Contains(out, "!! ERROR:")
}

func (s *ConsoleTestSuite) TestErrorsArePrinted() {
	s.cmds.On("ConnectChannel", 2).Return(discovery.ErrChannelNotResolved).Once()

	s.False(s.console.Execute("g"))

	s.Contains(s.text(), "!! ERROR: "+discovery.ErrChannelNotResolved.Error())
}

func (s *ConsoleTestSuite) TestStatusAndPeers() {
	addr := peer
	s.cmds.On("Status").Return(manager.Status{
		Role:     "client",
		Device:   "SPP_DEVICE",
		Sessions: 1,
		Capacity: 8,
		Discovery: &discovery.Snapshot{
			State:      discovery.ChannelsResolved,
			TargetName: "NCC-1701F",
			Address:    &addr,
			Channels:   []uint8{3},
		},
	}).Once()
	s.cmds.On("Peers").Return([]discovery.Peer{
		{Address: peer, Name: "NCC-1701F", Matched: true, RSSI: -60, HasRSSI: true},
	}).Once()

	s.console.Execute("s")
	s.console.Execute("l")

	out := s.text()
	s.Contains(out, "Sessions: 1/8")
	s.Contains(out, "Address: 24:0a:c4:de:ad:01")
	s.Contains(out, "*[0] 24:0a:c4:de:ad:01")
	s.Contains(out, "-60 dBm")
}

func (s *ConsoleTestSuite) TestAskTakesNextLine() {
	// GOAL: A pending pairing question consumes the next line instead of the command map
	//
	// TEST SCENARIO: Ask in background -> "d" typed -> answer is "d", StartDiscovery NOT called

	answer := make(chan string, 1)
	go func() {
		a, err := s.console.Ask(context.Background(), "Confirm passkey 123456 (y/n)?")
		s.NoError(err)
		answer <- a
	}()

	s.Eventually(func() bool {
		s.console.mu.Lock()
		defer s.console.mu.Unlock()
		return s.console.answer != nil
	}, time.Second, time.Millisecond)

	_, err := s.console.Ask(context.Background(), "second")
	s.ErrorIs(err, ErrPromptBusy)

	s.console.Execute("d")

	select {
	case a := <-answer:
		s.Equal("d", a)
	case <-time.After(time.Second):
		s.FailNow("answer MUST be delivered")
	}
}

func (s *ConsoleTestSuite) TestAskTimesOut() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := s.console.Ask(ctx, "PIN?")

	s.ErrorIs(err, context.DeadlineExceeded)
	s.Nil(s.console.answer, "an expired prompt MUST NOT capture later input")
}

func (s *ConsoleTestSuite) TestRunStopsOnQuitAndEOF() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.cmds.On("StartDiscovery").Return(nil).Once()

	err := s.console.Run(ctx, strings.NewReader("d\nq\nd\n"))
	s.NoError(err)

	err = s.console.Run(ctx, strings.NewReader(""))
	s.NoError(err, "EOF MUST end the console without error")
}

func (s *ConsoleTestSuite) TestWatch() {
	notes := make(chan events.Notification, 1)
	observations := make(chan session.Observation, 2)
	notes <- events.Notification{Topic: events.TopicSession, Kind: "opened", Handle: 1}
	observations <- session.Observation{Handle: 1, Remote: peer, Received: []byte("hi"), Written: 2}
	observations <- session.Observation{Handle: 1, Remote: peer, Err: errors.New("eof")}
	close(notes)
	close(observations)

	s.console.Watch(context.Background(), notes, observations, true)

	out := s.text()
	s.Contains(out, "[session] opened")
	s.Contains(out, `handle=1 24:0a:c4:de:ad:01 rx="hi" tx=2`)
	s.Contains(out, "ended: eof")
}

func TestConsoleTestSuite(t *testing.T) {
	suite.Run(t, new(ConsoleTestSuite))
}
