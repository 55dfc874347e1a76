package output

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/sppctl/internal/groutine"
)

// CollectorMetrics provides lock-free metrics tracking for Collector
type CollectorMetrics struct {
	RecordsProcessed   int64 // records accepted into the buffer
	ErrorsOccurred     int64
	RecordsOverwritten int64 // records lost to buffer overflow
}

func (m *CollectorMetrics) snapshot() CollectorMetrics {
	return CollectorMetrics{
		RecordsProcessed:   atomic.LoadInt64(&m.RecordsProcessed),
		ErrorsOccurred:     atomic.LoadInt64(&m.ErrorsOccurred),
		RecordsOverwritten: atomic.LoadInt64(&m.RecordsOverwritten),
	}
}

// MaxBufferSize guards against accidental misconfiguration
const MaxBufferSize uint32 = 1024 * 1024

// Collector is a Sink backed by an overwrite-oldest ring buffer.
// Producers never block: when the buffer is full the oldest record is lost.
// Records are handed out by Consume or streamed to a writer by Drain.
//
// All methods are thread-safe.
type Collector struct {
	buffer  mpmc.RichOverlappedRingBuffer[Record]
	metrics CollectorMetrics
	notify  chan struct{}
}

// NewCollector creates a collector holding up to bufferSize records
func NewCollector(bufferSize uint32) (*Collector, error) {
	if bufferSize == 0 {
		return nil, fmt.Errorf("buffer size must be > 0")
	}
	if bufferSize > MaxBufferSize {
		return nil, fmt.Errorf("buffer size %d exceeds maximum %d", bufferSize, MaxBufferSize)
	}

	return &Collector{
		buffer: mpmc.NewOverlappedRingBuffer[Record](bufferSize),
		notify: make(chan struct{}, 1),
	}, nil
}

// Emit implements Sink
func (c *Collector) Emit(rec Record) {
	overwrites, err := c.buffer.EnqueueM(rec)
	if err != nil {
		atomic.AddInt64(&c.metrics.ErrorsOccurred, 1)
		return
	}
	atomic.AddInt64(&c.metrics.RecordsOverwritten, int64(overwrites))
	atomic.AddInt64(&c.metrics.RecordsProcessed, 1)

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// GetMetrics returns a copy of the current metrics
func (c *Collector) GetMetrics() CollectorMetrics {
	return c.metrics.snapshot()
}

// Consume dequeues every buffered record in order and passes it to fn.
// It stops at the first error fn returns.
func (c *Collector) Consume(fn func(rec Record) error) error {
	for !c.buffer.IsEmpty() {
		rec, err := c.buffer.Dequeue()
		if err != nil {
			atomic.AddInt64(&c.metrics.ErrorsOccurred, 1)
			return fmt.Errorf("buffer dequeue error: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// ConsumePlainText drains the buffer and returns the record contents joined
// line by line, ignoring timestamps and sources.
func (c *Collector) ConsumePlainText() (string, error) {
	var sb strings.Builder
	err := c.Consume(func(rec Record) error {
		sb.WriteString(withNewline(rec.Content))
		return nil
	})
	return sb.String(), err
}

// Drainer streams collector records to a writer in a background goroutine
type Drainer struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Drain starts copying records from c to w until ctx is cancelled or Stop is
// called. Records still buffered at that point are flushed before the
// goroutine exits.
func Drain(ctx context.Context, c *Collector, w io.Writer, format func(Record) string, logger *logrus.Logger) *Drainer {
	if logger == nil {
		logger = logrus.New()
	}
	if format == nil {
		format = func(rec Record) string { return rec.Content }
	}

	ctx, cancel := context.WithCancel(ctx)
	d := &Drainer{cancel: cancel, done: make(chan struct{})}

	write := func(rec Record) error {
		if _, err := io.WriteString(w, withNewline(format(rec))); err != nil {
			logger.WithError(err).WithField("source", rec.Source).Warn("Output drainer: write failed")
		}
		return nil
	}

	groutine.Go(ctx, "output-drainer", func(ctx context.Context) {
		defer close(d.done)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				if err := c.Consume(write); err != nil {
					logger.WithError(err).Debug("Output drainer: final flush failed")
				}
				return
			case <-c.notify:
			case <-ticker.C:
			}
			if err := c.Consume(write); err != nil {
				logger.WithError(err).Debug("Output drainer: drain failed")
			}
		}
	})

	return d
}

// Stop cancels the drainer and waits for the final flush
func (d *Drainer) Stop() {
	d.once.Do(d.cancel)
	<-d.done
}
