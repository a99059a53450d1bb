// Package mqtt publishes point values, task phases, and alarms to an MQTT
// broker for plant dashboards.
package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"batchlink/config"
	"batchlink/logging"
)

// PointMessage is the JSON structure published for a data point.
type PointMessage struct {
	Point     string      `json:"point"`
	Value     interface{} `json:"value"`
	Quality   string      `json:"quality"`
	Type      string      `json:"type,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// EventMessage is the JSON structure published for task and alarm events.
type EventMessage struct {
	Kind      string      `json:"kind"`
	ID        string      `json:"id"`
	Detail    interface{} `json:"detail"`
	Timestamp string      `json:"timestamp"`
}

// Publisher handles the MQTT connection and publishes to a single broker.
type Publisher struct {
	config  *config.MQTTConfig
	client  pahomqtt.Client
	running bool
	mu      sync.RWMutex

	// Track last published values to detect changes
	lastValues map[string]interface{}
	lastMu     sync.RWMutex
}

// ackTimeout bounds the background wait for a QoS 1 acknowledgment.
const ackTimeout = 10 * time.Second

// NewPublisher creates a new MQTT publisher.
func NewPublisher(cfg *config.MQTTConfig) *Publisher {
	return &Publisher{
		config:     cfg,
		lastValues: make(map[string]interface{}),
	}
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Address returns the broker address string.
func (p *Publisher) Address() string {
	if p.config.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port)
}

// Start connects to the MQTT broker.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	// Build options WITHOUT holding the lock
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetClientID(p.config.ClientID)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	// Every (re)connection clears the change cache so the full plant state
	// is republished for subscribers that missed retained updates.
	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		p.lastMu.Lock()
		p.lastValues = make(map[string]interface{})
		p.lastMu.Unlock()
	})

	client := pahomqtt.NewClient(opts)
	logging.DebugLog("mqtt", "Connecting to broker %s", p.Address())

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		logging.DebugLog("mqtt", "Connection timeout")
		return fmt.Errorf("connection timeout")
	}
	if token.Error() != nil {
		logging.DebugLog("mqtt", "Connection error: %v", token.Error())
		return token.Error()
	}

	logging.DebugLog("mqtt", "Connected to broker %s", p.Address())

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	p.mu.Unlock()

	// Force republish of all values on reconnect
	p.lastMu.Lock()
	p.lastValues = make(map[string]interface{})
	p.lastMu.Unlock()

	return nil
}

// Stop disconnects from the MQTT broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running || p.client == nil {
		p.mu.Unlock()
		return
	}
	p.running = false
	client := p.client
	p.client = nil
	p.mu.Unlock()

	// Disconnect OUTSIDE the lock to prevent blocking
	client.Disconnect(500)
}

// PublishPoint sends one point value if it has changed since the last
// publish. Retained so late subscribers see the current plant state.
func (p *Publisher) PublishPoint(name, typeName, quality string, value interface{}, force bool) bool {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()

	if !running || client == nil {
		return false
	}

	// Quality is part of the change key so a bad-quality flip republishes.
	current := fmt.Sprintf("%v|%s", value, quality)

	p.lastMu.RLock()
	last, exists := p.lastValues[name]
	p.lastMu.RUnlock()

	if exists && !force && fmt.Sprintf("%v", last) == current {
		return false
	}

	msg := PointMessage{
		Point:     name,
		Value:     value,
		Quality:   quality,
		Type:      typeName,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return false
	}

	topic := fmt.Sprintf("%s/points/%s", p.config.RootTopic, name)
	token := client.Publish(topic, 1, true, payload)

	// Cache optimistically; the ack is confirmed off the caller's path so a
	// wedged broker never stalls the registry fan-out. A failed ack drops
	// the cache entry and the next update republishes.
	p.lastMu.Lock()
	p.lastValues[name] = current
	p.lastMu.Unlock()

	go func() {
		if token.WaitTimeout(ackTimeout) && token.Error() == nil {
			return
		}
		logging.DebugLog("mqtt", "Publish %s not acknowledged", topic)
		p.lastMu.Lock()
		if last, ok := p.lastValues[name]; ok && fmt.Sprintf("%v", last) == current {
			delete(p.lastValues, name)
		}
		p.lastMu.Unlock()
	}()

	return true
}

// PublishEvent sends a task or alarm event. Events are not retained.
func (p *Publisher) PublishEvent(kind, id string, detail interface{}) bool {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()

	if !running || client == nil {
		return false
	}

	msg := EventMessage{
		Kind:      kind,
		ID:        id,
		Detail:    detail,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return false
	}

	topic := fmt.Sprintf("%s/%s/%s", p.config.RootTopic, kind, id)
	token := client.Publish(topic, 1, false, payload)
	go func() {
		if !token.WaitTimeout(ackTimeout) || token.Error() != nil {
			logging.DebugLog("mqtt", "Publish %s not acknowledged", topic)
		}
	}()
	return true
}
