package testutils

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/sppctl/internal/output"
)

// recordingT captures failures instead of failing the enclosing test
type recordingT struct {
	errors []string
}

func (r *recordingT) Helper() {}

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.errors = append(r.errors, fmt.Sprintf(format, args...))
}

func TestTextAsserter_DefaultOptions(t *testing.T) {
	assert.Equal(t, TextAssertOptions{}, NewTextAsserter(t).Options(), "every normalization MUST be off by default")
}

func TestTextAsserter_Normalization(t *testing.T) {
	tests := []struct {
		name     string
		opts     []TextOption
		actual   string
		expected string
		match    bool
	}{
		{"exact", nil, "Bonded devices: 0", "Bonded devices: 0", true},
		{"trailing newline differs", nil, "a\n", "a", false},
		{"trim space", []TextOption{WithTrimSpace(true)}, "\na\nb\n", "a\nb", true},
		{"leading whitespace", []TextOption{WithIgnoreLeadingWhitespace(true)}, "    q : Exit", "q : Exit", true},
		{"trailing whitespace", []TextOption{WithIgnoreTrailingWhitespace(true)}, "q : Exit  \t", "q : Exit", true},
		{"empty lines", []TextOption{WithIgnoreEmptyLines(true)}, "a\n\n  \nb", "a\nb", true},
		{"content differs", []TextOption{WithTrimSpace(true)}, "Removed 1", "Removed 2", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := &recordingT{}
			ok := NewTextAsserter(rt).WithOptions(tt.opts...).Assert(tt.actual, tt.expected)

			assert.Equal(t, tt.match, ok)
			assert.Equal(t, tt.match, len(rt.errors) == 0, "a mismatch MUST be reported exactly when texts differ")
		})
	}
}

func TestTextAsserter_DiffShowsBothSides(t *testing.T) {
	diff := NewTextAsserter(t).Diff("Sessions: 1/8", "Sessions: 2/8")

	assert.Contains(t, diff, "-Sessions: 2/8")
	assert.Contains(t, diff, "+Sessions: 1/8")
	assert.NotContains(t, diff, "\x1b[", "colors MUST be off unless enabled")
}

func TestTextAsserter_ColoredDiffMarksWhitespace(t *testing.T) {
	diff := NewTextAsserter(t).WithOptions(WithEnableColors(true)).Diff("a b", "a\tb")

	assert.Contains(t, diff, "\x1b[")
	assert.Contains(t, diff, "a·b")
	assert.Contains(t, diff, "a→b")
}

func TestTextAsserter_AssertCollected(t *testing.T) {
	c, err := output.NewCollector(8)
	require.NoError(t, err)
	output.Printf(c, output.SourceResult, "Bonded devices: %d", 1)
	output.Printf(c, output.SourceResult, "[Device 0] : %s", "11:22:33:44:55:66")

	ok := NewTextAsserter(t).WithOptions(WithTrimSpace(true)).AssertCollected(c, `
Bonded devices: 1
[Device 0] : 11:22:33:44:55:66
`)

	assert.True(t, ok)
	rest, err := c.ConsumePlainText()
	require.NoError(t, err)
	assert.True(t, strings.TrimSpace(rest) == "", "AssertCollected MUST drain the collector")
}
