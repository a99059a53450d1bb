// Package valkey maintains a last-value cache of point readings in a
// Valkey/Redis server and announces changes on a pub/sub channel.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"batchlink/config"
	"batchlink/logging"
)

// joinKey joins key segments with colons, trimming leading/trailing colons
// from each segment to avoid empty key parts.
func joinKey(segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// PointMessage is the JSON value stored for each point key.
type PointMessage struct {
	Namespace string      `json:"namespace"`
	Point     string      `json:"point"`
	Value     interface{} `json:"value"`
	Quality   string      `json:"quality"`
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// Publisher maintains the last-value cache in a Valkey server.
type Publisher struct {
	config    *config.ValkeyConfig
	namespace string
	client    *redis.Client
	running   bool
	mu        sync.RWMutex
}

// NewPublisher creates a new publisher for the given namespace.
func NewPublisher(cfg *config.ValkeyConfig, namespace string) *Publisher {
	return &Publisher{
		config:    cfg,
		namespace: namespace,
	}
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Start connects to the Valkey server.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	// Create client and test connection WITHOUT holding the lock
	client := redis.NewClient(opts)

	logging.DebugLog("valkey", "Connecting to %s (DB: %d, TLS: %v)",
		p.config.Address, p.config.Database, p.config.UseTLS)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logging.DebugLog("valkey", "Connection failed: %v", err)
		client.Close()
		return fmt.Errorf("failed to connect to Valkey at %s: %w", p.config.Address, err)
	}

	logging.DebugLog("valkey", "Connected to %s", p.config.Address)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		client.Close()
		return nil
	}
	p.client = client
	p.running = true
	return nil
}

// Stop disconnects from the Valkey server.
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

	client.Close()
}

// pointKey returns the cache key for a point, e.g. "plant1:points:mixer_weight".
func (p *Publisher) pointKey(name string) string {
	return joinKey(p.namespace, "points", name)
}

// changeChannel is the pub/sub channel notified on every point update.
func (p *Publisher) changeChannel() string {
	return joinKey(p.namespace, "points", "changes")
}

// PublishPoint stores a point's latest value and announces the change.
// Keys expire after the configured TTL so stale entries disappear when the
// controller goes away.
func (p *Publisher) PublishPoint(name, typeName, quality string, value interface{}, ts time.Time) error {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()

	if !running || client == nil {
		return fmt.Errorf("valkey publisher not running")
	}

	msg := PointMessage{
		Namespace: p.namespace,
		Point:     name,
		Value:     value,
		Quality:   quality,
		Type:      typeName,
		Timestamp: ts,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ttl := p.config.KeyTTL
	if ttl <= 0 {
		ttl = time.Minute
	}

	if err := client.Set(ctx, p.pointKey(name), payload, ttl).Err(); err != nil {
		return fmt.Errorf("valkey set %s: %w", name, err)
	}

	// Best-effort notify; the cache entry is authoritative.
	client.Publish(ctx, p.changeChannel(), payload)
	return nil
}

// GetPoint fetches the cached value for one point.
func (p *Publisher) GetPoint(name string) (*PointMessage, error) {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()

	if !running || client == nil {
		return nil, fmt.Errorf("valkey publisher not running")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, err := client.Get(ctx, p.pointKey(name)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("no cached value for %s", name)
		}
		return nil, err
	}

	var msg PointMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
