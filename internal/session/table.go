// Package session holds the fixed-capacity table of open SPP connections and
// runs one worker per connection.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/sppctl/internal/events"
	"github.com/srg/sppctl/internal/groutine"
	"github.com/srg/sppctl/internal/stack"
)

// Options configure a Table
type Options struct {
	Capacity          int
	ChunkSize         int
	IdleInterval      time.Duration
	StopTimeout       time.Duration
	ObservationBuffer int
	Payload           PayloadFactory
}

// DefaultOptions returns the stock sizing: 8 slots, 100-byte reads,
// 1 s idle wait, echo payload.
func DefaultOptions() Options {
	return Options{
		Capacity:          8,
		ChunkSize:         100,
		IdleInterval:      time.Second,
		StopTimeout:       2 * time.Second,
		ObservationBuffer: 64,
		Payload:           Echo(),
	}
}

// Observation is a diagnostic record of worker I/O
type Observation struct {
	Handle   stack.Handle
	Remote   stack.Address
	Received []byte
	Written  int
	Err      error // set when the worker terminated
	At       time.Time
}

// Disconnector requests the stack to close a connection
type Disconnector interface {
	Disconnect(h stack.Handle) error
}

type session struct {
	Info
	cancel context.CancelFunc
	done   chan struct{}
}

// Table is the session table. Slot occupancy is the only record of which
// connections are active; workers never modify slots.
type Table struct {
	mu       sync.Mutex
	slots    []*session
	released map[stack.Handle]struct{}
	shutdown bool

	transport    stack.Transport
	disconnector Disconnector
	opts         Options
	logger       *logrus.Logger
	publish      events.Publisher
	observations *RingChannel[Observation]
	wg           sync.WaitGroup
}

// NewTable creates an empty table. Zero option fields take their defaults.
func NewTable(transport stack.Transport, disconnector Disconnector, opts Options, publish events.Publisher, logger *logrus.Logger) *Table {
	if logger == nil {
		logger = logrus.New()
	}
	def := DefaultOptions()
	if opts.Capacity <= 0 {
		opts.Capacity = def.Capacity
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = def.IdleInterval
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = def.StopTimeout
	}
	if opts.ObservationBuffer <= 0 {
		opts.ObservationBuffer = def.ObservationBuffer
	}
	if opts.Payload == nil {
		opts.Payload = def.Payload
	}

	return &Table{
		slots:        make([]*session, opts.Capacity),
		released:     make(map[stack.Handle]struct{}),
		transport:    transport,
		disconnector: disconnector,
		opts:         opts,
		logger:       logger,
		publish:      publish,
		observations: NewRingChannel[Observation](opts.ObservationBuffer),
	}
}

// Open registers a new session and starts its worker.
// It fails with a *CapacityError matching ErrTableFull when every slot is
// occupied, and with ErrDuplicateHandle when h already has a live session.
func (t *Table) Open(h stack.Handle, d stack.Descriptor, remote stack.Address) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.shutdown {
		return ErrShutdown
	}

	free := -1
	for i, s := range t.slots {
		if s == nil {
			if free < 0 {
				free = i
			}
			continue
		}
		if s.Handle == h {
			return fmt.Errorf("%w: handle %d", ErrDuplicateHandle, h)
		}
	}
	if free < 0 {
		err := &CapacityError{Kind: TableFull, Capacity: len(t.slots)}
		events.Publish(t.publish, events.Notification{
			Topic:   events.TopicSession,
			Kind:    "rejected",
			Handle:  uint32(h),
			Address: remote.String(),
			Err:     err,
		})
		return err
	}

	info := Info{Handle: h, Descriptor: d, Remote: remote, OpenedAt: time.Now()}
	payload, err := t.opts.Payload(info, t.logger)
	if err != nil {
		return fmt.Errorf("failed to start session payload: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{Info: info, cancel: cancel, done: make(chan struct{})}
	t.slots[free] = s
	delete(t.released, h)

	t.wg.Add(1)
	groutine.Go(ctx, fmt.Sprintf("spp-session-%d", h), func(ctx context.Context) {
		defer t.wg.Done()
		defer close(s.done)
		t.work(ctx, s, payload)
	})

	t.logger.WithFields(logrus.Fields{
		"handle":     h,
		"descriptor": d,
		"remote":     remote.String(),
		"slot":       free,
	}).Info("Session opened")
	events.Publish(t.publish, events.Notification{
		Topic:   events.TopicSession,
		Kind:    "opened",
		Handle:  uint32(h),
		Address: remote.String(),
	})
	return nil
}

// Close cancels the worker of h and frees its slot. It returns false, after
// logging the inconsistency, when h has no live session; calling it again for
// the same handle is a no-op.
func (t *Table) Close(h stack.Handle) bool {
	t.mu.Lock()
	var s *session
	for i, slot := range t.slots {
		if slot != nil && slot.Handle == h {
			s = slot
			t.slots[i] = nil
			break
		}
	}
	_, wasReleased := t.released[h]
	delete(t.released, h)
	t.mu.Unlock()

	if s == nil {
		entry := t.logger.WithField("handle", h)
		if wasReleased {
			entry.Debug("Close for session already released by close-all")
		} else {
			entry.Warn("Close for unknown session handle, ignoring")
		}
		return false
	}

	s.cancel()
	t.logger.WithFields(logrus.Fields{
		"handle": h,
		"remote": s.Remote.String(),
	}).Info("Session closed")
	events.Publish(t.publish, events.Notification{
		Topic:   events.TopicSession,
		Kind:    "closed",
		Handle:  uint32(h),
		Address: s.Remote.String(),
	})
	return true
}

// CloseAll requests a disconnect for every open session and frees every slot
// immediately, without waiting for the close events. Disconnect failures are
// joined into the returned error; they never keep a slot occupied.
func (t *Table) CloseAll() error {
	t.mu.Lock()
	var open []*session
	for i, s := range t.slots {
		if s != nil {
			open = append(open, s)
			t.released[s.Handle] = struct{}{}
			t.slots[i] = nil
		}
	}
	t.mu.Unlock()

	var errs []error
	for _, s := range open {
		s.cancel()
		if t.disconnector == nil {
			continue
		}
		if err := t.disconnector.Disconnect(s.Handle); err != nil {
			t.logger.WithError(err).WithField("handle", s.Handle).Warn("Disconnect failed")
			errs = append(errs, stack.WrapStackError(fmt.Sprintf("disconnect %d", s.Handle), err))
		}
	}

	if len(open) > 0 {
		t.logger.WithField("count", len(open)).Info("All sessions closed")
		events.Publish(t.publish, events.Notification{
			Topic:   events.TopicSession,
			Kind:    "closed_all",
			Message: fmt.Sprintf("%d sessions", len(open)),
		})
	}
	return errors.Join(errs...)
}

// Shutdown closes every session, refuses further opens and waits up to the
// configured stop timeout (or ctx) for the workers to exit.
func (t *Table) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	t.shutdown = true
	t.mu.Unlock()

	err := t.CloseAll()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(t.opts.StopTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return err
	case <-timer.C:
		return errors.Join(err, fmt.Errorf("session workers did not stop within %s", t.opts.StopTimeout))
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
}

// Len returns the number of occupied slots
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.slots {
		if s != nil {
			n++
		}
	}
	return n
}

// Capacity returns the number of slots
func (t *Table) Capacity() int {
	return len(t.slots)
}

// Sessions lists the open sessions in slot order
func (t *Table) Sessions() []Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Info
	for _, s := range t.slots {
		if s != nil {
			out = append(out, s.Info)
		}
	}
	return out
}

// Lookup returns the session of h
func (t *Table) Lookup(h stack.Handle) (Info, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.slots {
		if s != nil && s.Handle == h {
			return s.Info, true
		}
	}
	return Info{}, false
}

// Observations delivers worker I/O records; the oldest are dropped when
// nobody keeps up.
func (t *Table) Observations() <-chan Observation {
	return t.observations.C()
}
