package driver

import (
	"fmt"
	"sync"

	"github.com/danomagnum/gologix"

	"batchlink/config"
)

// EIPClient adapts an EtherNet/IP tag session to the Client interface.
// Point addresses are controller tag names, e.g. "Mixer.Temperature".
type EIPClient struct {
	cfg    config.BusConfig
	client *gologix.Client

	connected bool
	mu        sync.Mutex
}

// NewEIPClient creates an unconnected EtherNet/IP adapter.
func NewEIPClient(cfg config.BusConfig) *EIPClient {
	return &EIPClient{cfg: cfg}
}

// Protocol returns the bus family.
func (c *EIPClient) Protocol() config.Protocol { return config.ProtocolEIP }

// Connect registers a session with the controller.
func (c *EIPClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	client := gologix.NewClient(c.cfg.Endpoint)
	if err := client.Connect(); err != nil {
		return fmt.Errorf("eip: connect %s: %w", c.cfg.Endpoint, err)
	}

	c.client = client
	c.connected = true
	return nil
}

// Close unregisters the session.
func (c *EIPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connected = false
	if c.client != nil {
		err := c.client.Disconnect()
		c.client = nil
		return err
	}
	return nil
}

// Healthy reports the current session state.
func (c *EIPClient) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *EIPClient) markDown() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

// ReadPoints reads each tag with a typed read matching the point's decoded
// type. Tag reads are individually typed, so the batch is a loop here.
func (c *EIPClient) ReadPoints(reqs []PointRequest) ([]Result, error) {
	c.mu.Lock()
	client := c.client
	connected := c.connected
	c.mu.Unlock()

	if !connected || client == nil {
		return nil, ErrNotConnected
	}

	results := make([]Result, 0, len(reqs))
	for _, req := range reqs {
		value, err := readTag(client, req)
		if err != nil && isTransportError(err) {
			c.markDown()
			return results, fmt.Errorf("eip: read %s: %w", req.Address, err)
		}
		results = append(results, Result{Address: req.Address, Value: value, Err: err})
	}
	return results, nil
}

func readTag(client *gologix.Client, req PointRequest) (interface{}, error) {
	switch req.Type {
	case config.TypeBool:
		var v bool
		if err := client.Read(req.Address, &v); err != nil {
			return nil, err
		}
		return v, nil
	case config.TypeInt:
		var v int32
		if err := client.Read(req.Address, &v); err != nil {
			return nil, err
		}
		return int64(v), nil
	case config.TypeFloat:
		var v float32
		if err := client.Read(req.Address, &v); err != nil {
			return nil, err
		}
		return float64(v), nil
	case config.TypeString:
		var v string
		if err := client.Read(req.Address, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("eip: unknown point type %s", req.Type)
	}
}

// WritePoints writes each tag in order, stopping at the first failure.
func (c *EIPClient) WritePoints(writes []PointWrite) error {
	c.mu.Lock()
	client := c.client
	connected := c.connected
	c.mu.Unlock()

	if !connected || client == nil {
		return ErrNotConnected
	}

	for _, w := range writes {
		if err := writeTag(client, w); err != nil {
			if isTransportError(err) {
				c.markDown()
			}
			return fmt.Errorf("eip: write %s: %w", w.Address, err)
		}
	}
	return nil
}

func writeTag(client *gologix.Client, w PointWrite) error {
	switch w.Type {
	case config.TypeBool:
		v, err := toBool(w.Value)
		if err != nil {
			return err
		}
		return client.Write(w.Address, v)
	case config.TypeInt:
		f, err := toFloat(w.Value)
		if err != nil {
			return err
		}
		return client.Write(w.Address, int32(f))
	case config.TypeFloat:
		f, err := toFloat(w.Value)
		if err != nil {
			return err
		}
		return client.Write(w.Address, float32(f))
	case config.TypeString:
		return client.Write(w.Address, fmt.Sprintf("%v", w.Value))
	default:
		return fmt.Errorf("eip: unknown point type %s", w.Type)
	}
}
