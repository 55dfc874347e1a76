package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProgressPrinter_StopPhaseEndsDisplay(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgressPrinter(&buf, "Starting", "Opening adapter...", "Ready")

	p.Start()
	cb := p.Callback()
	cb("Enabling SPP...")
	assert.Equal(t, "Enabling SPP...", p.Phase())
	cb("Ready")

	// the stop phase already stopped the printer; these MUST be no-ops
	p.Stop()
	p.Start()

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "\rStarting (Opening adapter...)"), "first line MUST show the initial phase")
	assert.True(t, strings.HasSuffix(out, clearLineSequence), "Stop MUST clear the line")
	assert.Equal(t, 1, strings.Count(out, clearLineSequence), "the line MUST be cleared exactly once")
}

func TestProgressPrinter_StopBeforeStart(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgressPrinter(&buf, "Starting", "Opening adapter...")

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop before Start MUST NOT block")
	}
	p.Start()
	assert.Empty(t, buf.String(), "a stopped printer MUST NOT print")
}
