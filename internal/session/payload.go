package session

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/sppctl/internal/stack"
)

// Info describes an open session
type Info struct {
	Handle     stack.Handle     `json:"handle"`
	Descriptor stack.Descriptor `json:"descriptor"`
	Remote     stack.Address    `json:"-"`
	OpenedAt   time.Time        `json:"opened_at"`
}

// Conn is the session side a payload writes to
type Conn struct {
	Info
	ctx   context.Context
	write func(p []byte) (int, error)
}

// Write sends p to the peer. Partial transport writes are retried until p is
// sent, the transport fails, or the session is closed.
func (c *Conn) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		if err := c.ctx.Err(); err != nil {
			return total, err
		}
		n, err := c.write(p[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, fmt.Errorf("transport accepted 0 of %d bytes", len(p)-total)
		}
	}
	return total, nil
}

// Payload is the application running over a session. The worker calls
// Received for every non-empty read and Idle after every empty one; a
// returned error terminates the worker. Close is called once when the
// worker exits.
type Payload interface {
	Received(conn *Conn, data []byte) (int, error)
	Idle(conn *Conn) (int, error)
	Close() error
}

// PayloadFactory builds the payload of a newly opened session
type PayloadFactory func(info Info, logger *logrus.Logger) (Payload, error)

type echo struct{}

// Echo writes every received chunk back verbatim
func Echo() PayloadFactory {
	return func(Info, *logrus.Logger) (Payload, error) {
		return echo{}, nil
	}
}

func (echo) Received(conn *Conn, data []byte) (int, error) {
	return conn.Write(data)
}

func (echo) Idle(*Conn) (int, error) { return 0, nil }
func (echo) Close() error            { return nil }
