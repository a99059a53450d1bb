package driver

import (
	"context"
	"sync"
	"time"
)

// Supervisor owns a client's connection lifecycle. While the client is
// unhealthy it retries Connect on a fixed delay; the timer stops as soon as
// the transport is confirmed up. Reconnect does not back off: field bus
// outages are usually short and a flat cadence recovers fastest.
type Supervisor struct {
	client Client
	delay  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	up      bool
	onState func(connected bool)
	logFn   func(format string, args ...interface{})
}

// NewSupervisor wraps a client with autonomous reconnection.
func NewSupervisor(client Client, delay time.Duration) *Supervisor {
	if delay <= 0 {
		delay = 10 * time.Second
	}
	return &Supervisor{client: client, delay: delay}
}

// SetLogFunc sets the logging callback.
func (s *Supervisor) SetLogFunc(fn func(format string, args ...interface{})) {
	s.mu.Lock()
	s.logFn = fn
	s.mu.Unlock()
}

// SetOnStateChange registers a callback fired once per connectivity
// transition. Drops are detected at tick granularity.
func (s *Supervisor) SetOnStateChange(fn func(connected bool)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

func (s *Supervisor) setUp(up bool) {
	s.mu.Lock()
	changed := s.up != up
	s.up = up
	fn := s.onState
	s.mu.Unlock()
	if changed && fn != nil {
		fn(up)
	}
}

func (s *Supervisor) log(format string, args ...interface{}) {
	s.mu.Lock()
	fn := s.logFn
	s.mu.Unlock()
	if fn != nil {
		fn("[%s] "+format, append([]interface{}{s.client.Protocol()}, args...)...)
	}
}

// Client returns the supervised client.
func (s *Supervisor) Client() Client { return s.client }

// Start attempts an initial connection and begins the reconnect loop.
func (s *Supervisor) Start() {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return // Already running
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	ctx := s.ctx
	s.mu.Unlock()

	s.wg.Add(1)
	go s.reconnectLoop(ctx)
}

// Stop halts the reconnect loop and closes the client.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.ctx = nil
	s.cancel = nil
	s.mu.Unlock()

	s.client.Close()
}

func (s *Supervisor) reconnectLoop(ctx context.Context) {
	defer s.wg.Done()

	// Immediate first attempt, then fixed-delay retries while down.
	s.tryConnect()

	ticker := time.NewTicker(s.delay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.client.Healthy() {
				s.setUp(true)
				continue
			}
			s.setUp(false)
			s.tryConnect()
		}
	}
}

func (s *Supervisor) tryConnect() {
	if s.client.Healthy() {
		s.setUp(true)
		return
	}
	if err := s.client.Connect(); err != nil {
		s.log("connect failed: %v (retry in %s)", err, s.delay)
		return
	}
	s.log("connected")
	s.setUp(true)
}
