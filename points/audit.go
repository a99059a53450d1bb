package points

import (
	"sync"
	"time"
)

// AuditOp distinguishes read and write audit records.
type AuditOp string

const (
	AuditRead  AuditOp = "read"
	AuditWrite AuditOp = "write"
)

// AuditRecord is one entry in the registry's I/O audit trail.
type AuditRecord struct {
	Time    time.Time
	Op      AuditOp
	Point   string
	Value   interface{}
	Quality Quality
	Error   string
}

// AuditTrail is a fixed-capacity ring of recent I/O records. Old entries are
// overwritten once the ring wraps.
type AuditTrail struct {
	mu      sync.Mutex
	entries []AuditRecord
	next    int
	full    bool
}

// NewAuditTrail creates a trail holding up to capacity records.
func NewAuditTrail(capacity int) *AuditTrail {
	if capacity <= 0 {
		capacity = 256
	}
	return &AuditTrail{entries: make([]AuditRecord, capacity)}
}

// Record appends one entry, overwriting the oldest when full.
func (a *AuditTrail) Record(op AuditOp, name string, value interface{}, q Quality, err error) {
	rec := AuditRecord{
		Time:    time.Now(),
		Op:      op,
		Point:   name,
		Value:   value,
		Quality: q,
	}
	if err != nil {
		rec.Error = err.Error()
	}

	a.mu.Lock()
	a.entries[a.next] = rec
	a.next++
	if a.next == len(a.entries) {
		a.next = 0
		a.full = true
	}
	a.mu.Unlock()
}

// Recent returns up to limit records, oldest first.
func (a *AuditTrail) Recent(limit int) []AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	var ordered []AuditRecord
	if a.full {
		ordered = append(ordered, a.entries[a.next:]...)
		ordered = append(ordered, a.entries[:a.next]...)
	} else {
		ordered = append(ordered, a.entries[:a.next]...)
	}

	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}
