// Package kafka exports telemetry records to a historian cluster.
package kafka

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"batchlink/config"
	"batchlink/logging"
)

// SASL mechanism names accepted in configuration.
const (
	SASLPlain       = "PLAIN"
	SASLSCRAMSHA256 = "SCRAM-SHA-256"
	SASLSCRAMSHA512 = "SCRAM-SHA-512"
)

// ConnectionStatus represents the state of the cluster connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Producer handles message production to the historian cluster. Writes are
// synchronous so callers get a delivery guarantee.
type Producer struct {
	config  *config.KafkaConfig
	writers map[string]*kafka.Writer // topic -> writer
	status  ConnectionStatus
	lastErr error
	mu      sync.RWMutex

	messagesSent  int64
	messagesError int64
	lastSendTime  time.Time
}

// NewProducer creates a new producer. Call Connect before producing.
func NewProducer(cfg *config.KafkaConfig) *Producer {
	return &Producer{
		config:  cfg,
		writers: make(map[string]*kafka.Writer),
		status:  StatusDisconnected,
	}
}

// GetStatus returns the current connection status.
func (p *Producer) GetStatus() ConnectionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// GetStats returns producer statistics.
func (p *Producer) GetStats() (sent, errors int64, lastSend time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.messagesSent, p.messagesError, p.lastSendTime
}

// Connect verifies connectivity to the cluster by dialing the first broker.
func (p *Producer) Connect() error {
	p.mu.Lock()
	p.status = StatusConnecting
	p.lastErr = nil
	brokers := p.config.Brokers
	p.mu.Unlock()

	if len(brokers) == 0 {
		p.mu.Lock()
		p.status = StatusError
		p.lastErr = fmt.Errorf("no brokers configured")
		p.mu.Unlock()
		return p.lastErr
	}

	logging.DebugLog("kafka", "Connecting to brokers %v", brokers)

	dialer := p.createDialer()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := dialer.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		p.mu.Lock()
		p.status = StatusError
		p.lastErr = fmt.Errorf("failed to connect: %w", err)
		p.mu.Unlock()
		logging.DebugLog("kafka", "Connect failed: %v", err)
		return p.lastErr
	}
	conn.Close()

	p.mu.Lock()
	p.status = StatusConnected
	p.mu.Unlock()

	logging.DebugLog("kafka", "Connected")
	return nil
}

// Disconnect closes all topic writers.
func (p *Producer) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for topic, writer := range p.writers {
		writer.Close()
		delete(p.writers, topic)
	}
	p.status = StatusDisconnected
	p.lastErr = nil
	logging.DebugLog("kafka", "Disconnected")
}

// Topic prefixes the configured topic prefix onto a short topic name.
func (p *Producer) Topic(name string) string {
	if p.config.TopicPrefix == "" {
		return name
	}
	return p.config.TopicPrefix + "." + name
}

// Produce sends a message to the given topic and blocks until acknowledged.
func (p *Producer) Produce(ctx context.Context, topic string, key, value []byte) error {
	writer, err := p.getWriter(topic)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   key,
		Value: value,
		Time:  time.Now(),
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		p.mu.Lock()
		p.messagesError++
		p.lastErr = err
		p.mu.Unlock()
		if strings.Contains(err.Error(), "Unknown Topic") {
			logging.DebugLog("kafka", "Topic '%s' not found on broker", topic)
		}
		return fmt.Errorf("kafka produce failed: %w", err)
	}

	p.mu.Lock()
	p.messagesSent++
	p.lastSendTime = time.Now()
	p.lastErr = nil
	p.mu.Unlock()

	return nil
}

// ProduceWithRetry sends a message with linear retry backoff. Returns only
// after a successful send or all retries are exhausted.
func (p *Producer) ProduceWithRetry(ctx context.Context, topic string, key, value []byte) error {
	maxRetries := p.config.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	backoff := p.config.RetryBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff * time.Duration(attempt)):
			}
		}
		if err := p.Produce(ctx, topic, key, value); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return fmt.Errorf("kafka produce failed after %d attempts: %w", maxRetries+1, lastErr)
}

// getWriter returns or creates a writer for the given topic.
func (p *Producer) getWriter(topic string) (*kafka.Writer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status != StatusConnected {
		return nil, fmt.Errorf("kafka cluster not connected")
	}

	if writer, exists := p.writers[topic]; exists {
		return writer, nil
	}

	writer := &kafka.Writer{
		Addr:      kafka.TCP(p.config.Brokers...),
		Topic:     topic,
		Balancer:  &kafka.LeastBytes{},
		Transport: p.createTransport(),

		RequiredAcks: kafka.RequireAll,
		Async:        false, // Synchronous for delivery guarantee
		MaxAttempts:  3,

		BatchSize:    100,
		BatchBytes:   1048576,
		BatchTimeout: 10 * time.Millisecond,

		AllowAutoTopicCreation: true,
	}

	p.writers[topic] = writer
	logging.DebugLog("kafka", "Created writer for topic '%s'", topic)
	return writer, nil
}

// createDialer creates a dialer with auth and TLS.
func (p *Producer) createDialer() *kafka.Dialer {
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	if p.config.UseTLS {
		dialer.TLS = p.tlsConfig()
	}
	if mechanism := p.saslMechanism(); mechanism != nil {
		dialer.SASLMechanism = mechanism
	}
	return dialer
}

// createTransport creates a writer transport with auth and TLS.
func (p *Producer) createTransport() *kafka.Transport {
	transport := &kafka.Transport{
		DialTimeout: 10 * time.Second,
	}
	if p.config.UseTLS {
		transport.TLS = p.tlsConfig()
	}
	if mechanism := p.saslMechanism(); mechanism != nil {
		transport.SASL = mechanism
	}
	return transport
}

func (p *Producer) tlsConfig() *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: p.config.TLSSkipVerify,
	}
}

// saslMechanism returns the configured SASL mechanism, or nil for none.
func (p *Producer) saslMechanism() sasl.Mechanism {
	if p.config.Username == "" {
		return nil
	}
	switch p.config.SASLMechanism {
	case SASLPlain:
		return plain.Mechanism{
			Username: p.config.Username,
			Password: p.config.Password,
		}
	case SASLSCRAMSHA256:
		mechanism, _ := scram.Mechanism(scram.SHA256, p.config.Username, p.config.Password)
		return mechanism
	case SASLSCRAMSHA512:
		mechanism, _ := scram.Mechanism(scram.SHA512, p.config.Username, p.config.Password)
		return mechanism
	default:
		return nil
	}
}

// TestConnection verifies connectivity to any configured broker.
func (p *Producer) TestConnection() error {
	dialer := p.createDialer()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, broker := range p.config.Brokers {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			continue
		}
		_, err = conn.Controller()
		conn.Close()
		if err == nil {
			return nil
		}
	}
	return fmt.Errorf("failed to connect to any broker")
}
