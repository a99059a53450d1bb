// Package driver provides the unified protocol client interface for all
// field bus communications, with one adapter per bus family.
package driver

import (
	"errors"

	"batchlink/config"
)

// ErrNotConnected is returned for I/O attempted while the transport is down.
var ErrNotConnected = errors.New("driver: not connected")

// PointRequest identifies one address to read, with its decoded type.
type PointRequest struct {
	Address string
	Type    config.PointType
}

// Result is the outcome of reading one address. Err is set per address so a
// single bad register does not fail the whole batch.
type Result struct {
	Address string
	Value   interface{}
	Err     error
}

// PointWrite is one address/value pair to write.
type PointWrite struct {
	Address string
	Type    config.PointType
	Value   interface{}
}

// Client is the unified interface for all field bus communications.
// Each bus family has an adapter that implements this interface.
//
// Healthy must reflect the current transport state, not the last successful
// read, so callers can distinguish stale cached values from live ones.
// I/O errors are returned to the caller and never treated as fatal; recovery
// is owned by the Supervisor's reconnect loop.
type Client interface {
	Connect() error
	Close() error
	Healthy() bool
	Protocol() config.Protocol

	ReadPoints(reqs []PointRequest) ([]Result, error)
	WritePoints(writes []PointWrite) error
}

// New creates the client adapter for the given bus configuration.
func New(cfg config.BusConfig) (Client, error) {
	switch cfg.Protocol {
	case config.ProtocolModbus:
		return NewModbusClient(cfg), nil
	case config.ProtocolOPCUA:
		return NewOPCUAClient(cfg), nil
	case config.ProtocolEIP:
		return NewEIPClient(cfg), nil
	default:
		return nil, errors.New("driver: unknown protocol " + string(cfg.Protocol))
	}
}
