// Package bond lists and removes the bonding records the stack keeps for
// paired devices.
package bond

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/sppctl/internal/output"
	"github.com/srg/sppctl/internal/stack"
)

// Bonder is the stack capability behind a Store
type Bonder interface {
	BondedDevices() ([]stack.Address, error)
	RemoveBondedDevice(addr stack.Address) error
}

// Store wraps the stack bond calls and reports results to the output sink
type Store struct {
	bonder Bonder
	sink   output.Sink
	logger *logrus.Logger
}

// NewStore creates a Store
func NewStore(b Bonder, sink output.Sink, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.New()
	}
	if sink == nil {
		sink = output.Discard
	}
	return &Store{bonder: b, sink: sink, logger: logger}
}

// List returns the bonded devices and prints them one per line
func (s *Store) List() ([]stack.Address, error) {
	addrs, err := s.bonder.BondedDevices()
	if err != nil {
		return nil, stack.WrapStackError("list bonded devices", err)
	}

	output.Printf(s.sink, output.SourceResult, "Bonded devices: %d", len(addrs))
	for i, addr := range addrs {
		output.Printf(s.sink, output.SourceResult, "[Device %d] : %s", i, addr)
	}
	s.logger.WithField("count", len(addrs)).Debug("Listed bonded devices")
	return addrs, nil
}

// ForgetAll removes every bonded device. A failed removal does not stop the
// others; all failures are joined into the returned error. The count of
// removed devices is returned either way.
func (s *Store) ForgetAll() (int, error) {
	addrs, err := s.bonder.BondedDevices()
	if err != nil {
		return 0, stack.WrapStackError("list bonded devices", err)
	}

	removed := 0
	var errs []error
	for i, addr := range addrs {
		if err := s.bonder.RemoveBondedDevice(addr); err != nil {
			s.logger.WithError(err).WithField("address", addr.String()).Warn("Failed to remove bonded device")
			errs = append(errs, stack.WrapStackError(fmt.Sprintf("remove bond %s", addr), err))
			continue
		}
		removed++
		output.Printf(s.sink, output.SourceResult, "[Device %d] : %s removed", i, addr)
	}

	s.logger.WithFields(logrus.Fields{
		"removed": removed,
		"failed":  len(errs),
	}).Info("Bonded devices cleared")
	return removed, errors.Join(errs...)
}
