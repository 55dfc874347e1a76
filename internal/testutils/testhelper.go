// Package testutils holds shared test helpers: a quiet logger with an
// output collector, console text assertions, and (in mocks) the scripted
// stack doubles.
package testutils

import (
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/srg/sppctl/internal/output"
)

// TestHelper bundles what most component tests construct first
type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
	Output *output.Collector
}

// NewTestHelper creates a helper whose logger only reports panics; set
// SPPCTL_TEST_DEBUG=1 to see debug logs while a test runs.
func NewTestHelper(t *testing.T) *TestHelper {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	if os.Getenv("SPPCTL_TEST_DEBUG") == "1" {
		logger.SetLevel(logrus.DebugLevel)
	}

	collector, err := output.NewCollector(1024)
	require.NoError(t, err, "collector creation MUST succeed")

	return &TestHelper{T: t, Logger: logger, Output: collector}
}

// Text drains the collected output as plain text
func (h *TestHelper) Text() string {
	h.T.Helper()
	text, err := h.Output.ConsumePlainText()
	require.NoError(h.T, err, "consuming output MUST succeed")
	return text
}

// AssertText compares the collected output line by line, trimming the ends
func (h *TestHelper) AssertText(expected string) bool {
	h.T.Helper()
	return NewTextAsserter(h.T).WithOptions(WithTrimSpace(true)).AssertCollected(h.Output, expected)
}
