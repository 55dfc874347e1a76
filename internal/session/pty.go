package session

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/srg/sppctl/internal/output"
	"github.com/srg/sppctl/internal/ptyio"
)

type ptyPayload struct {
	pty ptyio.PTY
	buf []byte
}

// PTY bridges each session to its own pseudo-terminal: received bytes are
// queued to the slave, and bytes written on the slave are sent to the peer
// on idle iterations. The slave path is printed to sink.
func PTY(bufferSize int, sink output.Sink) PayloadFactory {
	return func(info Info, logger *logrus.Logger) (Payload, error) {
		p, err := ptyio.Open(ptyio.Options{
			ReadCap:  bufferSize,
			WriteCap: bufferSize,
			Logger:   logger,
			Name:     fmt.Sprintf("spp-%d", info.Handle),
		})
		if err != nil {
			return nil, err
		}
		logger.WithFields(logrus.Fields{
			"handle": info.Handle,
			"tty":    p.TTYName(),
		}).Info("Session bridged to PTY")
		output.Printf(sink, output.SourceResult, "Session %d (%s) available at %s", info.Handle, info.Remote, p.TTYName())
		return &ptyPayload{pty: p, buf: make([]byte, ptyio.DefaultBufferSize)}, nil
	}
}

func (p *ptyPayload) Received(_ *Conn, data []byte) (int, error) {
	n, err := p.pty.Write(data)
	if err != nil {
		return n, fmt.Errorf("PTY write failed: %w", err)
	}
	return n, nil
}

func (p *ptyPayload) Idle(conn *Conn) (int, error) {
	n, err := p.pty.Read(p.buf)
	if errors.Is(err, syscall.EAGAIN) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("PTY read failed: %w", err)
	}
	return conn.Write(p.buf[:n])
}

func (p *ptyPayload) Close() error {
	return p.pty.Close()
}
