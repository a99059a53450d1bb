// Package syncq provides the durable outbound queue that carries telemetry,
// alarms, and logs to the central server, tolerating its unavailability.
package syncq

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"batchlink/config"
)

// Kind classifies an outbound item.
type Kind string

const (
	KindRealtime   Kind = "realtime"
	KindStatistics Kind = "statistics"
	KindAlarm      Kind = "alarm"
	KindLog        Kind = "log"
)

// Status tracks an item's delivery lifecycle. Completed and failed are
// terminal; items never leave a terminal state automatically.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Item is one queued outbound record. Every item carries the site identity
// and creation timestamp so the central server can de-duplicate.
type Item struct {
	ID         string          `json:"id"`
	SiteID     string          `json:"site_id"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Status     Status          `json:"status"`
	RetryCount int             `json:"retry_count"`
	LastError  string          `json:"last_error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
}

// Stats summarizes the queue population.
type Stats struct {
	Pending   int  `json:"pending"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Online    bool `json:"online"`
}

var (
	pendingBucket  = []byte("pending")
	terminalBucket = []byte("terminal")
)

// Queue is the durable outbound delivery buffer.
type Queue struct {
	db  *bolt.DB
	cfg config.SyncConfig

	client *http.Client

	mu          sync.Mutex
	online      bool
	backoff     time.Duration
	nextAttempt time.Time

	onOnline func(online bool)
	logFn    func(format string, args ...interface{})
}

const (
	initialBackoff = 5 * time.Second
	maxBackoff     = 5 * time.Minute
)

// Open creates or reopens the queue at the configured store path.
func Open(cfg config.SyncConfig) (*Queue, error) {
	db, err := bolt.Open(cfg.StorePath, 0644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("syncq: open store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(pendingBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(terminalBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("syncq: init store: %w", err)
	}

	return &Queue{
		db:  db,
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
	}, nil
}

// Close closes the backing store.
func (q *Queue) Close() error {
	return q.db.Close()
}

// SetLogFunc sets the logging callback.
func (q *Queue) SetLogFunc(fn func(format string, args ...interface{})) {
	q.mu.Lock()
	q.logFn = fn
	q.mu.Unlock()
}

// SetOnOnline sets a callback fired when the connectivity flag flips.
func (q *Queue) SetOnOnline(fn func(online bool)) {
	q.mu.Lock()
	q.onOnline = fn
	q.mu.Unlock()
}

func (q *Queue) log(format string, args ...interface{}) {
	q.mu.Lock()
	fn := q.logFn
	q.mu.Unlock()
	if fn != nil {
		fn("[SyncQ] "+format, args...)
	}
}

// itemKey yields a chronologically sortable store key.
func itemKey(it *Item) []byte {
	return []byte(fmt.Sprintf("%020d|%s", it.CreatedAt.UnixNano(), it.ID))
}

// Enqueue appends one item durably. Producers never block on delivery; the
// drain loop ships items when the central server is reachable.
func (q *Queue) Enqueue(kind Kind, payload interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("syncq: marshal payload: %w", err)
	}

	it := &Item{
		ID:        uuid.NewString(),
		SiteID:    q.cfg.SiteID,
		Kind:      kind,
		Payload:   data,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}

	raw, err := json.Marshal(it)
	if err != nil {
		return "", err
	}

	err = q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).Put(itemKey(it), raw)
	})
	if err != nil {
		return "", fmt.Errorf("syncq: enqueue: %w", err)
	}
	return it.ID, nil
}

// Online reports the current connectivity flag.
func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// Probe checks the central server's health endpoint and flips the
// online/offline flag. Intended for the 30s connectivity job.
func (q *Queue) Probe() {
	if !q.cfg.Enabled || q.cfg.ServerURL == "" {
		return
	}

	client := &http.Client{Timeout: q.cfg.ProbeTimeout}
	resp, err := client.Get(q.cfg.ServerURL + "/api/health")
	up := err == nil && resp.StatusCode < 500
	if resp != nil {
		resp.Body.Close()
	}

	q.mu.Lock()
	changed := q.online != up
	q.online = up
	if up && changed {
		// Fresh connectivity clears delivery backoff.
		q.backoff = 0
		q.nextAttempt = time.Time{}
	}
	fn := q.onOnline
	q.mu.Unlock()

	if changed {
		if up {
			q.log("central server reachable")
		} else {
			q.log("central server unreachable: %v", err)
		}
		if fn != nil {
			fn(up)
		}
	}
}

// Drain ships a batch of pending items. Offline or backing off, it
// accumulates only. A delivery failure ends the round and doubles the
// backoff; a fully delivered round resets it.
func (q *Queue) Drain() {
	if !q.cfg.Enabled {
		return
	}

	q.mu.Lock()
	online := q.online
	next := q.nextAttempt
	q.mu.Unlock()

	if !online || time.Now().Before(next) {
		return
	}

	batch, err := q.loadPending(q.cfg.DrainBatch)
	if err != nil {
		q.log("load pending: %v", err)
		return
	}
	if len(batch) == 0 {
		return
	}

	delivered := 0
	for i := range batch {
		it := &batch[i]
		if err := q.deliver(it); err != nil {
			it.RetryCount++
			it.LastError = err.Error()
			if it.RetryCount >= q.cfg.RetryCeiling {
				q.markTerminal(it, StatusFailed)
				q.log("item %s failed permanently after %d attempts: %v", it.ID, it.RetryCount, err)
			} else {
				q.savePending(it)
				q.log("item %s delivery failed (attempt %d/%d): %v", it.ID, it.RetryCount, q.cfg.RetryCeiling, err)
			}

			// Server is struggling; end the round and back off.
			q.mu.Lock()
			if q.backoff == 0 {
				q.backoff = initialBackoff
			} else {
				q.backoff *= 2
				if q.backoff > maxBackoff {
					q.backoff = maxBackoff
				}
			}
			q.nextAttempt = time.Now().Add(q.backoff)
			q.mu.Unlock()
			return
		}

		q.markTerminal(it, StatusCompleted)
		delivered++
	}

	q.mu.Lock()
	q.backoff = 0
	q.nextAttempt = time.Time{}
	q.mu.Unlock()

	if delivered > 0 {
		q.log("drained %d items", delivered)
	}
}

// deliver POSTs one item to the central server. Any non-2xx response is a
// delivery failure.
func (q *Queue) deliver(it *Item) error {
	body, err := json.Marshal(it)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/api/sync/%s", q.cfg.ServerURL, it.Kind)
	resp, err := q.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

// loadPending returns up to limit pending items in creation order.
func (q *Queue) loadPending(limit int) ([]Item, error) {
	var out []Item
	err := q.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(pendingBucket).Cursor()
		for k, v := c.First(); k != nil && len(out) < limit; k, v = c.Next() {
			var it Item
			if err := json.Unmarshal(v, &it); err != nil {
				continue // Skip unreadable entries
			}
			out = append(out, it)
		}
		return nil
	})
	return out, err
}

// savePending writes an item's updated retry state back in place.
func (q *Queue) savePending(it *Item) {
	raw, err := json.Marshal(it)
	if err != nil {
		return
	}
	q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).Put(itemKey(it), raw)
	})
}

// markTerminal moves an item from pending to its terminal state.
func (q *Queue) markTerminal(it *Item, status Status) {
	now := time.Now()
	it.Status = status
	it.EndedAt = &now

	raw, err := json.Marshal(it)
	if err != nil {
		return
	}
	q.db.Update(func(tx *bolt.Tx) error {
		key := itemKey(it)
		if err := tx.Bucket(pendingBucket).Delete(key); err != nil {
			return err
		}
		return tx.Bucket(terminalBucket).Put(key, raw)
	})
}

// ReplayFailed moves permanently failed items back to pending with a fresh
// retry budget. Administrative operation; never triggered automatically.
func (q *Queue) ReplayFailed() (int, error) {
	n := 0
	err := q.db.Update(func(tx *bolt.Tx) error {
		terminal := tx.Bucket(terminalBucket)
		pending := tx.Bucket(pendingBucket)

		var replayKeys [][]byte
		c := terminal.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var it Item
			if err := json.Unmarshal(v, &it); err != nil {
				continue
			}
			if it.Status != StatusFailed {
				continue
			}
			it.Status = StatusPending
			it.RetryCount = 0
			it.LastError = ""
			it.EndedAt = nil
			raw, err := json.Marshal(&it)
			if err != nil {
				continue
			}
			if err := pending.Put(k, raw); err != nil {
				return err
			}
			replayKeys = append(replayKeys, append([]byte(nil), k...))
		}
		for _, k := range replayKeys {
			if err := terminal.Delete(k); err != nil {
				return err
			}
		}
		n = len(replayKeys)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log("replayed %d failed items", n)
	}
	return n, nil
}

// PurgeSweep removes delivered items older than the retention window.
// Failed items are kept until an operator replays or inspects them.
func (q *Queue) PurgeSweep() int {
	cutoff := time.Now().Add(-q.cfg.Retention)
	n := 0
	q.db.Update(func(tx *bolt.Tx) error {
		terminal := tx.Bucket(terminalBucket)

		var purgeKeys [][]byte
		c := terminal.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var it Item
			if err := json.Unmarshal(v, &it); err != nil {
				continue
			}
			if it.Status != StatusCompleted {
				continue
			}
			if it.EndedAt == nil || it.EndedAt.Before(cutoff) {
				purgeKeys = append(purgeKeys, append([]byte(nil), k...))
			}
		}
		for _, k := range purgeKeys {
			if err := terminal.Delete(k); err != nil {
				return err
			}
		}
		n = len(purgeKeys)
		return nil
	})
	if n > 0 {
		q.log("purged %d delivered items past retention", n)
	}
	return n
}

// Stats counts items by state.
func (q *Queue) Stats() Stats {
	stats := Stats{Online: q.Online()}
	q.db.View(func(tx *bolt.Tx) error {
		stats.Pending = tx.Bucket(pendingBucket).Stats().KeyN
		c := tx.Bucket(terminalBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var it Item
			if err := json.Unmarshal(v, &it); err != nil {
				continue
			}
			if it.Status == StatusCompleted {
				stats.Completed++
			} else {
				stats.Failed++
			}
		}
		return nil
	})
	return stats
}

// PendingCount returns the number of undelivered items.
func (q *Queue) PendingCount() int {
	n := 0
	q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(pendingBucket).Stats().KeyN
		return nil
	})
	return n
}

// SetOnlineForTest force-sets the connectivity flag. Test hook.
func (q *Queue) SetOnlineForTest(online bool) {
	q.mu.Lock()
	q.online = online
	q.backoff = 0
	q.nextAttempt = time.Time{}
	q.mu.Unlock()
}
