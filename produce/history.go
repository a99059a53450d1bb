package produce

import (
	"sync"
	"time"
)

// HistoryRecord is one finished production run.
type HistoryRecord struct {
	TaskID    string    `json:"task_id"`
	RecipeID  string    `json:"recipe_id"`
	Quantity  float64   `json:"quantity"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Outcome   string    `json:"outcome"` // completed or failed
	Note      string    `json:"note,omitempty"`
}

// History retains the most recent finished productions, oldest evicted first.
type History struct {
	mu      sync.Mutex
	records []HistoryRecord
	cap     int
}

// NewHistory creates a history retaining up to capacity records.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 256
	}
	return &History{cap: capacity}
}

// Record appends one finished production.
func (h *History) Record(r HistoryRecord) {
	h.mu.Lock()
	h.records = append(h.records, r)
	if len(h.records) > h.cap {
		h.records = h.records[len(h.records)-h.cap:]
	}
	h.mu.Unlock()
}

// Records returns a copy of all retained records, oldest first.
func (h *History) Records() []HistoryRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HistoryRecord, len(h.records))
	copy(out, h.records)
	return out
}

// Len returns the number of retained records.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}
