package pairing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srg/sppctl/internal/output"
	"github.com/srg/sppctl/internal/stack"
)

var peer = stack.MustParseAddress("24:0a:c4:00:11:22")

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestFitPIN(t *testing.T) {
	assert.Equal(t, []byte("1234"), FitPIN("1234", 4))
	assert.Equal(t, []byte("1234"), FitPIN("123456", 4))
	assert.Equal(t, []byte("1234000000000000"), FitPIN("1234", 16))
	assert.Equal(t, []byte("0000"), FitPIN("", 4))
}

func TestParseMode(t *testing.T) {
	for _, s := range []string{"fixed", "PROMPT", "reject"} {
		_, err := ParseMode(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseMode("always")
	assert.Error(t, err)
}

func TestFixed_LegacyPinLength(t *testing.T) {
	// GOAL: a legacy PIN reply always has the length the request demands
	//
	// TEST SCENARIO: 4-digit and 16-digit requests against default answers -> 4 and 16 byte PINs

	policy := NewFixed(DefaultAnswers(), nil, quietLogger())

	reply, err := policy.Decide(context.Background(), stack.PairingRequest{Kind: stack.PairingLegacyPin, Address: peer})
	require.NoError(t, err)
	assert.Len(t, reply.PIN, 4, "4-digit request MUST yield exactly 4 PIN bytes")
	assert.Equal(t, []byte(DefaultPIN), reply.PIN)

	reply, err = policy.Decide(context.Background(), stack.PairingRequest{Kind: stack.PairingLegacyPin, Address: peer, Requires16Digits: true})
	require.NoError(t, err)
	assert.Len(t, reply.PIN, 16, "16-digit request MUST yield exactly 16 PIN bytes")
}

func TestFixed_ConfiguredPinIsFitted(t *testing.T) {
	policy := NewFixed(FixedAnswers{PIN: "98", PIN16: "12345678901234567890"}, nil, quietLogger())

	reply, err := policy.Decide(context.Background(), stack.PairingRequest{Kind: stack.PairingLegacyPin})
	require.NoError(t, err)
	assert.Equal(t, []byte("9800"), reply.PIN)

	reply, err = policy.Decide(context.Background(), stack.PairingRequest{Kind: stack.PairingLegacyPin, Requires16Digits: true})
	require.NoError(t, err)
	assert.Equal(t, []byte("1234567890123456"), reply.PIN)
}

func TestFixed_SSP(t *testing.T) {
	policy := NewFixed(FixedAnswers{Accept: false, Passkey: 42}, nil, quietLogger())

	reply, err := policy.Decide(context.Background(), stack.PairingRequest{Kind: stack.PairingSSPConfirm, Value: 123})
	require.NoError(t, err)
	assert.False(t, reply.Accept)

	reply, err = policy.Decide(context.Background(), stack.PairingRequest{Kind: stack.PairingSSPPasskeyRequest})
	require.NoError(t, err)
	assert.True(t, reply.Accept)
	assert.Equal(t, uint32(42), reply.Passkey)
}

func TestFixed_PasskeyNotifyIsDisplayed(t *testing.T) {
	c, err := output.NewCollector(8)
	require.NoError(t, err)
	policy := NewFixed(DefaultAnswers(), c, quietLogger())

	_, err = policy.Decide(context.Background(), stack.PairingRequest{Kind: stack.PairingSSPPasskeyNotify, Address: peer, Value: 7})
	require.NoError(t, err)

	text, err := c.ConsumePlainText()
	require.NoError(t, err)
	assert.Equal(t, "Passkey for 24:0a:c4:00:11:22: 000007\n", text)
}

func TestReject(t *testing.T) {
	policy := NewReject(nil, quietLogger())

	for _, kind := range []stack.PairingKind{stack.PairingLegacyPin, stack.PairingSSPConfirm, stack.PairingSSPPasskeyRequest} {
		reply, err := policy.Decide(context.Background(), stack.PairingRequest{Kind: kind})
		require.NoError(t, err)
		assert.False(t, reply.Accept, "%s MUST be rejected", kind)
		assert.Equal(t, kind, reply.Kind)
	}
}

// PromptTestSuite exercises the operator prompt policy
type PromptTestSuite struct {
	suite.Suite
	answers chan string
	asked   []string
	sink    *output.Collector
}

func (s *PromptTestSuite) SetupTest() {
	s.answers = make(chan string, 8)
	s.asked = nil
	var err error
	s.sink, err = output.NewCollector(64)
	s.Require().NoError(err)
}

func (s *PromptTestSuite) policy(timeout time.Duration) *Prompt {
	prompter := PrompterFunc(func(ctx context.Context, question string) (string, error) {
		s.asked = append(s.asked, question)
		select {
		case a := <-s.answers:
			return a, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	return NewPrompt(prompter, timeout, s.sink, quietLogger())
}

func (s *PromptTestSuite) TestLegacyPinRepromptsOnInvalidInput() {
	// GOAL: invalid operator input is re-prompted until a valid answer arrives
	//
	// TEST SCENARIO: "12" then "1234" for a 4-digit request -> two prompts, PIN 1234

	s.answers <- "12"
	s.answers <- "1234\n"

	reply, err := s.policy(time.Second).Decide(context.Background(), stack.PairingRequest{Kind: stack.PairingLegacyPin, Address: peer})

	s.Require().NoError(err)
	s.Equal([]byte("1234"), reply.PIN)
	s.True(reply.Accept)
	s.Len(s.asked, 2, "invalid PIN MUST trigger a second prompt")
}

func (s *PromptTestSuite) TestQuestionIsShownOnlyByPrompter() {
	// GOAL: the question reaches the operator once, through the prompter
	//
	// TEST SCENARIO: confirm request answered "y" -> one question asked, no prompt record in the sink

	s.answers <- "y"

	_, err := s.policy(time.Second).Decide(context.Background(), stack.PairingRequest{Kind: stack.PairingSSPConfirm, Value: 123456, Address: peer})
	s.Require().NoError(err)
	s.Require().Len(s.asked, 1)
	s.Contains(s.asked[0], "123456")

	var prompts []string
	s.Require().NoError(s.sink.Consume(func(rec output.Record) error {
		if rec.Source == output.SourcePrompt {
			prompts = append(prompts, rec.Content)
		}
		return nil
	}))
	s.Empty(prompts, "policy MUST NOT print the question itself, the prompter shows it")
}

func (s *PromptTestSuite) TestConfirm() {
	s.answers <- "n"

	reply, err := s.policy(time.Second).Decide(context.Background(), stack.PairingRequest{Kind: stack.PairingSSPConfirm, Value: 999})

	s.Require().NoError(err)
	s.False(reply.Accept)
}

func (s *PromptTestSuite) TestPasskeyRange() {
	s.answers <- "1000000"
	s.answers <- "abc"
	s.answers <- "000042"

	reply, err := s.policy(time.Second).Decide(context.Background(), stack.PairingRequest{Kind: stack.PairingSSPPasskeyRequest})

	s.Require().NoError(err)
	s.Equal(uint32(42), reply.Passkey)
	s.Len(s.asked, 3)
}

func (s *PromptTestSuite) TestTimeoutRejects() {
	// GOAL: a silent operator never stalls pairing forever
	//
	// TEST SCENARIO: no answer within 50ms -> rejection reply and ErrTimeout

	start := time.Now()
	reply, err := s.policy(50*time.Millisecond).Decide(context.Background(), stack.PairingRequest{Kind: stack.PairingSSPConfirm})

	s.True(errors.Is(err, ErrTimeout), "MUST report ErrTimeout, got %v", err)
	s.False(reply.Accept, "timed out request MUST be rejected")
	s.Equal(stack.PairingSSPConfirm, reply.Kind)
	s.Less(time.Since(start), 2*time.Second)
}

func (s *PromptTestSuite) TestNotifyDoesNotPrompt() {
	_, err := s.policy(time.Second).Decide(context.Background(), stack.PairingRequest{Kind: stack.PairingSSPPasskeyNotify, Value: 5})

	s.NoError(err)
	s.Empty(s.asked)
}

func TestPromptTestSuite(t *testing.T) {
	suite.Run(t, new(PromptTestSuite))
}
