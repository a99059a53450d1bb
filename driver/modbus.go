package driver

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/goburrow/modbus"

	"batchlink/config"
)

// modbus address spaces, encoded as a prefix on the point address:
//
//	hr:<n>  holding register (read/write)
//	ir:<n>  input register (read only)
//	co:<n>  coil (read/write)
//	di:<n>  discrete input (read only)
//
// Floats occupy two consecutive holding/input registers, big endian IEEE 754.
type modbusArea int

const (
	areaHolding modbusArea = iota
	areaInput
	areaCoil
	areaDiscrete
)

type modbusAddress struct {
	area   modbusArea
	offset uint16
}

func parseModbusAddress(s string) (modbusAddress, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return modbusAddress{}, fmt.Errorf("modbus: invalid address %q (want area:offset)", s)
	}
	n, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return modbusAddress{}, fmt.Errorf("modbus: invalid offset in %q: %w", s, err)
	}
	addr := modbusAddress{offset: uint16(n)}
	switch parts[0] {
	case "hr":
		addr.area = areaHolding
	case "ir":
		addr.area = areaInput
	case "co":
		addr.area = areaCoil
	case "di":
		addr.area = areaDiscrete
	default:
		return modbusAddress{}, fmt.Errorf("modbus: unknown area %q in %q", parts[0], s)
	}
	return addr, nil
}

// registerCount returns how many registers a decoded type occupies.
func registerCount(t config.PointType) uint16 {
	if t == config.TypeFloat {
		return 2
	}
	return 1
}

// ModbusClient adapts a Modbus TCP connection to the Client interface.
type ModbusClient struct {
	cfg     config.BusConfig
	handler *modbus.TCPClientHandler
	client  modbus.Client

	connected bool
	mu        sync.Mutex
}

// NewModbusClient creates an unconnected Modbus adapter.
func NewModbusClient(cfg config.BusConfig) *ModbusClient {
	return &ModbusClient{cfg: cfg}
}

// Protocol returns the bus family.
func (c *ModbusClient) Protocol() config.Protocol { return config.ProtocolModbus }

// Connect dials the configured endpoint.
func (c *ModbusClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	handler := modbus.NewTCPClientHandler(c.cfg.Endpoint)
	handler.Timeout = c.cfg.Timeout
	if c.cfg.UnitID > 0 {
		handler.SlaveId = byte(c.cfg.UnitID)
	}
	if err := handler.Connect(); err != nil {
		return fmt.Errorf("modbus: connect %s: %w", c.cfg.Endpoint, err)
	}

	c.handler = handler
	c.client = modbus.NewClient(handler)
	c.connected = true
	return nil
}

// Close tears down the transport.
func (c *ModbusClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connected = false
	if c.handler != nil {
		err := c.handler.Close()
		c.handler = nil
		c.client = nil
		return err
	}
	return nil
}

// Healthy reports the current transport state.
func (c *ModbusClient) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// markDown records a transport failure so Healthy flips immediately.
func (c *ModbusClient) markDown() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

// ReadPoints reads each request individually. Modbus has no multi-area batch
// service, so per-address round trips are the protocol's own batch semantics.
func (c *ModbusClient) ReadPoints(reqs []PointRequest) ([]Result, error) {
	c.mu.Lock()
	client := c.client
	connected := c.connected
	c.mu.Unlock()

	if !connected || client == nil {
		return nil, ErrNotConnected
	}

	results := make([]Result, 0, len(reqs))
	for _, req := range reqs {
		value, err := c.readOne(client, req)
		if err != nil && isTransportError(err) {
			c.markDown()
			return results, fmt.Errorf("modbus: read %s: %w", req.Address, err)
		}
		results = append(results, Result{Address: req.Address, Value: value, Err: err})
	}
	return results, nil
}

func (c *ModbusClient) readOne(client modbus.Client, req PointRequest) (interface{}, error) {
	addr, err := parseModbusAddress(req.Address)
	if err != nil {
		return nil, err
	}
	if req.Type == config.TypeString {
		return nil, fmt.Errorf("modbus: string points are not supported at %s", req.Address)
	}

	switch addr.area {
	case areaCoil, areaDiscrete:
		var data []byte
		if addr.area == areaCoil {
			data, err = client.ReadCoils(addr.offset, 1)
		} else {
			data, err = client.ReadDiscreteInputs(addr.offset, 1)
		}
		if err != nil {
			return nil, err
		}
		if len(data) < 1 {
			return nil, fmt.Errorf("modbus: short response for %s", req.Address)
		}
		return decodeBit(data, req.Type)

	default:
		count := registerCount(req.Type)
		var data []byte
		if addr.area == areaHolding {
			data, err = client.ReadHoldingRegisters(addr.offset, count)
		} else {
			data, err = client.ReadInputRegisters(addr.offset, count)
		}
		if err != nil {
			return nil, err
		}
		if len(data) < int(count)*2 {
			return nil, fmt.Errorf("modbus: short response for %s", req.Address)
		}
		return decodeRegisters(data, req.Type)
	}
}

// WritePoints writes each address in order, stopping at the first failure.
func (c *ModbusClient) WritePoints(writes []PointWrite) error {
	c.mu.Lock()
	client := c.client
	connected := c.connected
	c.mu.Unlock()

	if !connected || client == nil {
		return ErrNotConnected
	}

	for _, w := range writes {
		if err := c.writeOne(client, w); err != nil {
			if isTransportError(err) {
				c.markDown()
			}
			return fmt.Errorf("modbus: write %s: %w", w.Address, err)
		}
	}
	return nil
}

func (c *ModbusClient) writeOne(client modbus.Client, w PointWrite) error {
	addr, err := parseModbusAddress(w.Address)
	if err != nil {
		return err
	}

	switch addr.area {
	case areaCoil:
		on, err := toBool(w.Value)
		if err != nil {
			return err
		}
		coil := uint16(0x0000)
		if on {
			coil = 0xFF00
		}
		_, err = client.WriteSingleCoil(addr.offset, coil)
		return err

	case areaHolding:
		switch w.Type {
		case config.TypeFloat:
			f, err := toFloat(w.Value)
			if err != nil {
				return err
			}
			buf := make([]byte, 4)
			binary.BigEndian.PutUint32(buf, math.Float32bits(float32(f)))
			_, err = client.WriteMultipleRegisters(addr.offset, 2, buf)
			return err
		case config.TypeInt, config.TypeBool:
			f, err := toFloat(w.Value)
			if err != nil {
				return err
			}
			_, err = client.WriteSingleRegister(addr.offset, uint16(int64(f)))
			return err
		default:
			return fmt.Errorf("modbus: cannot write type %s", w.Type)
		}

	default:
		return fmt.Errorf("modbus: address %s is read-only", w.Address)
	}
}

func decodeBit(data []byte, t config.PointType) (interface{}, error) {
	on := data[0]&0x01 != 0
	switch t {
	case config.TypeBool:
		return on, nil
	case config.TypeInt:
		if on {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return nil, fmt.Errorf("modbus: bit area cannot decode type %s", t)
	}
}

func decodeRegisters(data []byte, t config.PointType) (interface{}, error) {
	switch t {
	case config.TypeFloat:
		bits := binary.BigEndian.Uint32(data[:4])
		return float64(math.Float32frombits(bits)), nil
	case config.TypeInt:
		return int64(int16(binary.BigEndian.Uint16(data[:2]))), nil
	case config.TypeBool:
		return binary.BigEndian.Uint16(data[:2]) != 0, nil
	default:
		return nil, fmt.Errorf("modbus: register area cannot decode type %s", t)
	}
}
