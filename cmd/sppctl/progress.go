package main

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter shows the current bring-up phase with elapsed seconds on
// a single terminal line. It stops by itself when a stop phase is reported
// through Callback; Stop must still be called to cover failed bring-ups.
type ProgressPrinter struct {
	w          io.Writer
	prefix     string
	phase      atomic.Value        // string
	stopPhases map[string]struct{} // phases that end the display
	startTime  time.Time
	stopChan   chan struct{}
	done       chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewProgressPrinter creates a printer writing to w, starting at phase
func NewProgressPrinter(w io.Writer, prefix string, phase string, stopPhases ...string) *ProgressPrinter {
	stopSet := make(map[string]struct{}, len(stopPhases))
	for _, p := range stopPhases {
		stopSet[p] = struct{}{}
	}
	p := &ProgressPrinter{
		w:          w,
		prefix:     prefix,
		stopPhases: stopSet,
		stopChan:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	p.phase.Store(phase)
	return p
}

// Start begins the display. Only the first call has an effect, and none
// after Stop.
func (p *ProgressPrinter) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	p.startTime = time.Now()
	fmt.Fprintf(p.w, "\r%s (%s)   ", p.prefix, p.phase.Load().(string))
	go p.loop()
}

func (p *ProgressPrinter) loop() {
	defer close(p.done)

	ticker := time.NewTicker(progressUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			phase := p.phase.Load().(string)
			if _, stop := p.stopPhases[phase]; stop {
				return
			}
			fmt.Fprintf(p.w, "\r%s (%s %ds)   ", p.prefix, phase, int(time.Since(p.startTime).Seconds()))
		}
	}
}

// Callback returns a manager.ProgressCallback updating the phase. Reporting
// a stop phase stops the display.
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
		if _, stop := p.stopPhases[phase]; stop {
			p.Stop()
		}
	}
}

// Phase returns the last reported phase
func (p *ProgressPrinter) Phase() string {
	return p.phase.Load().(string)
}

// Stop ends the display and clears the line. Safe to call more than once,
// and before Start.
func (p *ProgressPrinter) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	close(p.stopChan)
	if p.started {
		<-p.done
		fmt.Fprint(p.w, clearLineSequence)
	}
}
