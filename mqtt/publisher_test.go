package mqtt

import (
	"errors"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"batchlink/config"
)

var errAck = errors.New("ack refused")

// fakeToken scripts ack behavior. A nil done channel never acknowledges.
type fakeToken struct {
	done chan struct{}
	err  error
}

func ackedToken() *fakeToken {
	done := make(chan struct{})
	close(done)
	return &fakeToken{done: done}
}

func (t *fakeToken) Wait() bool {
	if t.done == nil {
		select {}
	}
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	if t.done == nil {
		time.Sleep(d)
		return false
	}
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

// fakeBrokerClient records publishes and hands out scripted tokens.
type fakeBrokerClient struct {
	mu     sync.Mutex
	topics []string
	next   *fakeToken
}

func (c *fakeBrokerClient) setNextToken(t *fakeToken) {
	c.mu.Lock()
	c.next = t
	c.mu.Unlock()
}

func (c *fakeBrokerClient) published() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.topics...)
}

func (c *fakeBrokerClient) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	if c.next != nil {
		return c.next
	}
	return ackedToken()
}

func (c *fakeBrokerClient) IsConnected() bool      { return true }
func (c *fakeBrokerClient) IsConnectionOpen() bool { return true }
func (c *fakeBrokerClient) Connect() pahomqtt.Token {
	return ackedToken()
}
func (c *fakeBrokerClient) Disconnect(quiesce uint) {}
func (c *fakeBrokerClient) Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	return ackedToken()
}
func (c *fakeBrokerClient) SubscribeMultiple(filters map[string]byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	return ackedToken()
}
func (c *fakeBrokerClient) Unsubscribe(topics ...string) pahomqtt.Token {
	return ackedToken()
}
func (c *fakeBrokerClient) AddRoute(topic string, callback pahomqtt.MessageHandler) {}
func (c *fakeBrokerClient) OptionsReader() pahomqtt.ClientOptionsReader {
	return pahomqtt.ClientOptionsReader{}
}

func testPublisher(client pahomqtt.Client) *Publisher {
	p := NewPublisher(&config.MQTTConfig{RootTopic: "batchlink"})
	p.client = client
	p.running = true
	return p
}

func TestPublishPointReturnsPromptlyWhenBrokerWedged(t *testing.T) {
	broker := &fakeBrokerClient{}
	broker.setNextToken(&fakeToken{}) // never acknowledges
	p := testPublisher(broker)

	start := time.Now()
	if !p.PublishPoint("mixer_temperature", "float", "good", 42.5, false) {
		t.Fatal("expected publish to be accepted")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("PublishPoint blocked for %s waiting on the broker", elapsed)
	}
	if n := len(broker.published()); n != 1 {
		t.Fatalf("expected 1 publish issued, got %d", n)
	}
}

func TestPublishEventReturnsPromptlyWhenBrokerWedged(t *testing.T) {
	broker := &fakeBrokerClient{}
	broker.setNextToken(&fakeToken{})
	p := testPublisher(broker)

	start := time.Now()
	if !p.PublishEvent("alarms", "a-1", map[string]string{"status": "active"}) {
		t.Fatal("expected publish to be accepted")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("PublishEvent blocked for %s waiting on the broker", elapsed)
	}
}

func TestPublishPointChangeDetection(t *testing.T) {
	broker := &fakeBrokerClient{}
	p := testPublisher(broker)

	if !p.PublishPoint("hopper_weight", "float", "good", 10.0, false) {
		t.Fatal("first publish should go out")
	}
	if p.PublishPoint("hopper_weight", "float", "good", 10.0, false) {
		t.Error("unchanged value must not republish")
	}
	if !p.PublishPoint("hopper_weight", "float", "bad", 10.0, false) {
		t.Error("quality flip must republish even with the same value")
	}
	if !p.PublishPoint("hopper_weight", "float", "bad", 10.0, true) {
		t.Error("force must republish")
	}
	if n := len(broker.published()); n != 3 {
		t.Errorf("expected 3 publishes, got %d", n)
	}
}

func TestPublishPointFailedAckRepublishes(t *testing.T) {
	broker := &fakeBrokerClient{}
	done := make(chan struct{})
	close(done)
	broker.setNextToken(&fakeToken{done: done, err: errAck})
	p := testPublisher(broker)

	if !p.PublishPoint("valve_open", "bool", "good", true, false) {
		t.Fatal("expected publish to be accepted")
	}

	// The failed ack drops the cache entry in the background.
	deadline := time.Now().Add(2 * time.Second)
	for {
		p.lastMu.RLock()
		_, cached := p.lastValues["valve_open"]
		p.lastMu.RUnlock()
		if !cached {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("failed ack did not invalidate the change cache")
		}
		time.Sleep(5 * time.Millisecond)
	}

	broker.setNextToken(nil)
	if !p.PublishPoint("valve_open", "bool", "good", true, false) {
		t.Error("unacknowledged value must republish on the next update")
	}
}
