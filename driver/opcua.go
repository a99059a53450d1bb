package driver

import (
	"context"
	"fmt"
	"sync"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"batchlink/config"
)

// OPCUAClient adapts an OPC-UA session to the Client interface. Point
// addresses are full node IDs, e.g. "ns=2;s=Mixer.Temperature".
type OPCUAClient struct {
	cfg    config.BusConfig
	client *opcua.Client

	connected bool
	mu        sync.Mutex
}

// NewOPCUAClient creates an unconnected OPC-UA adapter.
func NewOPCUAClient(cfg config.BusConfig) *OPCUAClient {
	return &OPCUAClient{cfg: cfg}
}

// Protocol returns the bus family.
func (c *OPCUAClient) Protocol() config.Protocol { return config.ProtocolOPCUA }

// Connect establishes a session with the configured endpoint.
func (c *OPCUAClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	client, err := opcua.NewClient(c.cfg.Endpoint,
		opcua.SecurityMode(ua.MessageSecurityModeNone),
	)
	if err != nil {
		return fmt.Errorf("opcua: client %s: %w", c.cfg.Endpoint, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("opcua: connect %s: %w", c.cfg.Endpoint, err)
	}

	c.client = client
	c.connected = true
	return nil
}

// Close tears down the session.
func (c *OPCUAClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connected = false
	if c.client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
		defer cancel()
		err := c.client.Close(ctx)
		c.client = nil
		return err
	}
	return nil
}

// Healthy reports the current session state.
func (c *OPCUAClient) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.client != nil && c.client.State() == opcua.Connected
}

func (c *OPCUAClient) markDown() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

// ReadPoints reads all requests in one OPC-UA Read service call.
func (c *OPCUAClient) ReadPoints(reqs []PointRequest) ([]Result, error) {
	c.mu.Lock()
	client := c.client
	connected := c.connected
	c.mu.Unlock()

	if !connected || client == nil {
		return nil, ErrNotConnected
	}

	nodes := make([]*ua.ReadValueID, 0, len(reqs))
	results := make([]Result, len(reqs))
	// Track which request each node maps to; bad node IDs fail per-result.
	idx := make([]int, 0, len(reqs))
	for i, req := range reqs {
		id, err := ua.ParseNodeID(req.Address)
		if err != nil {
			results[i] = Result{Address: req.Address, Err: fmt.Errorf("opcua: bad node id %q: %w", req.Address, err)}
			continue
		}
		nodes = append(nodes, &ua.ReadValueID{NodeID: id, AttributeID: ua.AttributeIDValue})
		idx = append(idx, i)
	}

	if len(nodes) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
		defer cancel()

		resp, err := client.Read(ctx, &ua.ReadRequest{
			NodesToRead:        nodes,
			TimestampsToReturn: ua.TimestampsToReturnNeither,
		})
		if err != nil {
			c.markDown()
			return nil, fmt.Errorf("opcua: read: %w", err)
		}

		for n, dv := range resp.Results {
			i := idx[n]
			req := reqs[i]
			if dv.Status != ua.StatusOK {
				results[i] = Result{Address: req.Address, Err: fmt.Errorf("opcua: %s: status %v", req.Address, dv.Status)}
				continue
			}
			value, err := coerceValue(dv.Value.Value(), req.Type)
			results[i] = Result{Address: req.Address, Value: value, Err: err}
		}
	}

	return results, nil
}

// WritePoints writes all values in one OPC-UA Write service call.
func (c *OPCUAClient) WritePoints(writes []PointWrite) error {
	c.mu.Lock()
	client := c.client
	connected := c.connected
	c.mu.Unlock()

	if !connected || client == nil {
		return ErrNotConnected
	}

	nodes := make([]*ua.WriteValue, 0, len(writes))
	for _, w := range writes {
		id, err := ua.ParseNodeID(w.Address)
		if err != nil {
			return fmt.Errorf("opcua: bad node id %q: %w", w.Address, err)
		}
		variant, err := ua.NewVariant(w.Value)
		if err != nil {
			return fmt.Errorf("opcua: value for %s: %w", w.Address, err)
		}
		nodes = append(nodes, &ua.WriteValue{
			NodeID:      id,
			AttributeID: ua.AttributeIDValue,
			Value: &ua.DataValue{
				EncodingMask: ua.DataValueValue,
				Value:        variant,
			},
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()

	resp, err := client.Write(ctx, &ua.WriteRequest{NodesToWrite: nodes})
	if err != nil {
		c.markDown()
		return fmt.Errorf("opcua: write: %w", err)
	}
	for i, status := range resp.Results {
		if status != ua.StatusOK {
			return fmt.Errorf("opcua: write %s: status %v", writes[i].Address, status)
		}
	}
	return nil
}

// coerceValue converts a decoded protocol value into the point's declared type.
func coerceValue(v interface{}, t config.PointType) (interface{}, error) {
	switch t {
	case config.TypeBool:
		return toBool(v)
	case config.TypeInt:
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		return int64(f), nil
	case config.TypeFloat:
		return toFloat(v)
	case config.TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", v), nil
	default:
		return nil, fmt.Errorf("driver: unknown point type %s", t)
	}
}
