// Package ptyio exposes a pseudo-terminal whose master side is driven
// through ring buffers, so an SPP session worker can exchange bytes with
// any serial tool attached to the slave device without ever blocking.
//
//	p, err := ptyio.Open(ptyio.Options{ReadCap: 4096, WriteCap: 4096})
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//	fmt.Println(p.TTYName()) // "/dev/pts/N"
//
//	p.Write(received)      // queued for the slave, oldest bytes never block
//	n, err := p.Read(buf)  // bytes typed into the slave, EAGAIN when none
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/srg/sppctl/internal/groutine"
)

// DefaultPollTimeout bounds how long the I/O loops wait before rechecking
// for shutdown
const DefaultPollTimeout = 50 * time.Millisecond

// DefaultBufferSize is used for zero ReadCap/WriteCap
const DefaultBufferSize = 4096

// Options configure Open
type Options struct {
	ReadCap     int // bytes buffered from the slave
	WriteCap    int // bytes buffered towards the slave
	PollTimeout time.Duration
	Logger      *logrus.Logger
	// Name labels the I/O goroutines, e.g. the session handle
	Name string
}

// PTY is a non-blocking pseudo-terminal master
type PTY interface {
	io.ReadWriteCloser
	TTYName() string
	Stats() Stats
}

// Stats are runtime counters of a PTY
type Stats struct {
	ReadQueueLen      int
	WriteQueueLen     int
	DroppedReadCount  uint64
	DroppedWriteCount uint64
	ReadBytesTotal    uint64
	WriteBytesTotal   uint64
}

type ringPTY struct {
	logger      *logrus.Logger
	master      *os.File
	slave       *os.File
	ttyName     string
	pollTimeout int

	readBuf  *ringbuffer.RingBuffer // slave -> session
	writeBuf *ringbuffer.RingBuffer // session -> slave

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	droppedRead  atomic.Uint64
	droppedWrite atomic.Uint64
	readBytes    atomic.Uint64
	writeBytes   atomic.Uint64
}

// Open creates a raw-mode pseudo-terminal pair and starts its I/O loops
func Open(opts Options) (PTY, error) {
	master, slave, err := createPTY()
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	if opts.ReadCap <= 0 {
		opts.ReadCap = DefaultBufferSize
	}
	if opts.WriteCap <= 0 {
		opts.WriteCap = DefaultBufferSize
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.Name == "" {
		opts.Name = "pty"
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &ringPTY{
		logger:      logger,
		master:      master,
		slave:       slave,
		ttyName:     slave.Name(),
		pollTimeout: int(opts.PollTimeout / time.Millisecond),
		readBuf:     ringbuffer.New(opts.ReadCap),
		writeBuf:    ringbuffer.New(opts.WriteCap),
		cancel:      cancel,
	}

	p.wg.Add(2)
	groutine.Go(ctx, opts.Name+"-pty-read", p.readLoop)
	groutine.Go(ctx, opts.Name+"-pty-write", p.writeLoop)

	return p, nil
}

func (p *ringPTY) readLoop(ctx context.Context) {
	defer p.wg.Done()

	master := p.master
	pollFd := []unix.PollFd{{Fd: int32(master.Fd()), Events: unix.POLLIN}}
	buf := make([]byte, 4096)

	for ctx.Err() == nil {
		ready, err := unix.Poll(pollFd, p.pollTimeout)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			p.logger.WithError(err).Warn("PTY read poll failed")
			continue
		}
		if ready == 0 {
			continue
		}

		n, err := master.Read(buf)
		if n > 0 {
			written, werr := p.readBuf.Write(buf[:n])
			if werr != nil && !errors.Is(werr, ringbuffer.ErrIsFull) {
				p.logger.WithError(werr).Warn("PTY read buffer write failed")
			}
			if written < n {
				p.droppedRead.Add(uint64(n - written))
			}
			p.readBytes.Add(uint64(written))
		}

		switch {
		case err == nil:
		case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
		case errors.Is(err, syscall.EBADF), errors.Is(err, io.EOF), errors.Is(err, os.ErrClosed):
			p.logger.WithField("tty", p.ttyName).Debug("PTY read loop exiting")
			return
		default:
			p.logger.WithError(err).WithField("tty", p.ttyName).Warn("PTY read loop failed")
			return
		}
	}
}

func (p *ringPTY) writeLoop(ctx context.Context) {
	defer p.wg.Done()

	master := p.master
	pollFd := []unix.PollFd{{Fd: int32(master.Fd()), Events: unix.POLLOUT}}
	buf := make([]byte, 4096)

	for ctx.Err() == nil {
		n, err := p.writeBuf.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			p.logger.WithError(err).Warn("PTY write buffer read failed")
		}
		if n == 0 {
			time.Sleep(time.Duration(p.pollTimeout) * time.Millisecond)
			continue
		}

		for off := 0; off < n && ctx.Err() == nil; {
			written, err := master.Write(buf[off:n])
			off += written
			p.writeBytes.Add(uint64(written))

			switch {
			case err == nil:
			case errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				if _, perr := unix.Poll(pollFd, p.pollTimeout); perr != nil && !errors.Is(perr, syscall.EINTR) {
					p.logger.WithError(perr).Warn("PTY write poll failed")
				}
			case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed):
				return
			default:
				p.logger.WithError(err).WithField("tty", p.ttyName).Warn("PTY write loop failed")
				return
			}
		}
	}
}

// Write queues data for the slave. It never blocks; bytes that do not fit
// are dropped and the short count is returned.
func (p *ringPTY) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}
	written, err := p.writeBuf.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		return written, err
	}
	if written < len(data) {
		p.droppedWrite.Add(uint64(len(data) - written))
	}
	return written, nil
}

// Read returns bytes produced by the slave, or syscall.EAGAIN when none are
// buffered.
func (p *ringPTY) Read(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}
	n, err := p.readBuf.TryRead(b)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return 0, err
	}
	if n == 0 {
		return 0, syscall.EAGAIN
	}
	return n, nil
}

// Close stops the I/O loops and closes both ends
func (p *ringPTY) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()

	var errs []error
	if err := p.master.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close PTY master: %w", err))
	}
	if err := p.slave.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close PTY slave: %w", err))
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Duration(p.pollTimeout)*time.Millisecond*2 + time.Second):
		p.logger.WithField("tty", p.ttyName).Warn("PTY loops did not exit in time")
	}

	return errors.Join(errs...)
}

// TTYName returns the slave device path
func (p *ringPTY) TTYName() string {
	return p.ttyName
}

// Stats returns instantaneous counters
func (p *ringPTY) Stats() Stats {
	return Stats{
		ReadQueueLen:      p.readBuf.Length(),
		WriteQueueLen:     p.writeBuf.Length(),
		DroppedReadCount:  p.droppedRead.Load(),
		DroppedWriteCount: p.droppedWrite.Load(),
		ReadBytesTotal:    p.readBytes.Load(),
		WriteBytesTotal:   p.writeBytes.Load(),
	}
}

func createPTY() (*os.File, *os.File, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	cleanup := func(cause error) error {
		return errors.Join(cause, master.Close(), slave.Close())
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return nil, nil, cleanup(fmt.Errorf("failed to set %s to raw mode: %w", slave.Name(), err))
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		return nil, nil, cleanup(fmt.Errorf("failed to set PTY master of %s non-blocking: %w", slave.Name(), err))
	}

	return master, slave, nil
}
