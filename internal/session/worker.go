package session

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/sppctl/internal/groutine"
)

// work is the per-session loop: read up to ChunkSize bytes, wait
// IdleInterval after an empty read, hand data to the payload, stop on a
// transport error or cancellation. Cancellation is checked at every read
// and write boundary.
func (t *Table) work(ctx context.Context, s *session, payload Payload) {
	log := t.logger.WithFields(logrus.Fields{
		"handle":    s.Handle,
		"remote":    s.Remote.String(),
		"goroutine": groutine.GetName(ctx),
	})
	defer func() {
		if err := payload.Close(); err != nil {
			log.WithError(err).Warn("Session payload close failed")
		}
		log.Debug("Session worker exited")
	}()

	conn := &Conn{
		Info: s.Info,
		ctx:  ctx,
		write: func(p []byte) (int, error) {
			return t.transport.Write(s.Descriptor, p)
		},
	}
	buf := make([]byte, t.opts.ChunkSize)
	idle := time.NewTimer(t.opts.IdleInterval)
	defer idle.Stop()

	for {
		if ctx.Err() != nil {
			log.Debug("Session worker cancelled")
			return
		}

		n, err := t.transport.Read(s.Descriptor, buf)
		if err != nil {
			log.WithError(err).Info("Transport closed, session worker terminating")
			t.observe(Observation{Handle: s.Handle, Remote: s.Remote, Err: err})
			return
		}

		if n == 0 {
			if _, err := payload.Idle(conn); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("Session payload failed, worker terminating")
				t.observe(Observation{Handle: s.Handle, Remote: s.Remote, Err: err})
				return
			}
			idle.Reset(t.opts.IdleInterval)
			select {
			case <-ctx.Done():
				log.Debug("Session worker cancelled while idle")
				return
			case <-idle.C:
			}
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		if ctx.Err() != nil {
			return
		}
		written, err := payload.Received(conn, data)
		log.WithFields(logrus.Fields{
			"received": n,
			"written":  written,
		}).Debug("Session data")
		t.observe(Observation{Handle: s.Handle, Remote: s.Remote, Received: data, Written: written})
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Warn("Session write failed, worker terminating")
				t.observe(Observation{Handle: s.Handle, Remote: s.Remote, Err: err})
			}
			return
		}
	}
}

func (t *Table) observe(o Observation) {
	o.At = time.Now()
	t.observations.Send(o)
}
