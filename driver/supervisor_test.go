package driver

import (
	"errors"
	"sync"
	"testing"
	"time"

	"batchlink/config"
)

// flakyClient is a Client whose health is scripted by the test.
type flakyClient struct {
	mu         sync.Mutex
	healthy    bool
	connectErr error
	connects   int
}

func (c *flakyClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.connectErr != nil {
		return c.connectErr
	}
	c.healthy = true
	return nil
}

func (c *flakyClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthy = false
	return nil
}

func (c *flakyClient) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy
}

func (c *flakyClient) setHealthy(up bool) {
	c.mu.Lock()
	c.healthy = up
	c.mu.Unlock()
}

func (c *flakyClient) Protocol() config.Protocol { return config.ProtocolModbus }

func (c *flakyClient) ReadPoints(reqs []PointRequest) ([]Result, error) {
	return nil, ErrNotConnected
}

func (c *flakyClient) WritePoints(writes []PointWrite) error { return ErrNotConnected }

func TestSupervisorStateChangeCallback(t *testing.T) {
	client := &flakyClient{}
	sup := NewSupervisor(client, 20*time.Millisecond)

	transitions := make(chan bool, 16)
	sup.SetOnStateChange(func(connected bool) {
		transitions <- connected
	})

	sup.Start()
	defer sup.Stop()

	waitFor := func(want bool) {
		t.Helper()
		select {
		case got := <-transitions:
			if got != want {
				t.Fatalf("state change = %v, want %v", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for state change %v", want)
		}
	}

	// Initial connect succeeds and fires connected.
	waitFor(true)

	// Drop the transport; the next tick observes it and fires disconnected.
	client.setHealthy(false)
	client.mu.Lock()
	client.connectErr = errors.New("bus offline")
	client.mu.Unlock()
	waitFor(false)

	// Restore; reconnect fires connected again.
	client.mu.Lock()
	client.connectErr = nil
	client.mu.Unlock()
	waitFor(true)
}

func TestSupervisorNoCallbackWhileStable(t *testing.T) {
	client := &flakyClient{}
	sup := NewSupervisor(client, 10*time.Millisecond)

	var mu sync.Mutex
	var calls []bool
	sup.SetOnStateChange(func(connected bool) {
		mu.Lock()
		calls = append(calls, connected)
		mu.Unlock()
	})

	sup.Start()
	time.Sleep(100 * time.Millisecond) // several healthy ticks
	sup.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 || !calls[0] {
		t.Fatalf("calls = %v, want single connected transition", calls)
	}
}
