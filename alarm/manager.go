// Package alarm provides the central record of alarm lifecycle: creation,
// acknowledgement, resolution, severity escalation, and retention cleanup.
package alarm

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Severity orders alarms for notification and escalation.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// escalate returns the next severity step, capped at critical.
func (s Severity) escalate() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	case SeverityHigh:
		return SeverityCritical
	default:
		return s
	}
}

// Status tracks an alarm through its lifecycle.
type Status string

const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

// Alarm is one recorded anomaly.
type Alarm struct {
	ID             string     `json:"id"`
	Type           string     `json:"type"`
	Source         string     `json:"source"`
	Message        string     `json:"message,omitempty"`
	Severity       Severity   `json:"severity"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
	ResolveNote    string     `json:"resolve_note,omitempty"`
}

// Statistics summarizes the alarm population.
type Statistics struct {
	Active       int              `json:"active"`
	Acknowledged int              `json:"acknowledged"`
	Resolved     int              `json:"resolved"`
	BySeverity   map[Severity]int `json:"by_severity"`
}

// Notifier receives newly created alarms for severity-based dispatch.
// Notification is best effort; errors are logged, never propagated to the
// alarm creator.
type Notifier func(a Alarm) error

// Manager is the central alarm record.
type Manager struct {
	mu     sync.RWMutex
	alarms map[string]*Alarm

	escalateAfter time.Duration
	retention     time.Duration

	notifier Notifier
	onChange func(a Alarm) // fired on create and on every lifecycle transition
	logFn    func(format string, args ...interface{})
}

// NewManager creates an alarm manager with the given escalation age and
// resolved-alarm retention window.
func NewManager(escalateAfter, retention time.Duration) *Manager {
	if escalateAfter <= 0 {
		escalateAfter = 30 * time.Minute
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &Manager{
		alarms:        make(map[string]*Alarm),
		escalateAfter: escalateAfter,
		retention:     retention,
	}
}

// SetLogFunc sets the logging callback.
func (m *Manager) SetLogFunc(fn func(format string, args ...interface{})) {
	m.mu.Lock()
	m.logFn = fn
	m.mu.Unlock()
}

// SetNotifier sets the severity dispatch callback for new alarms.
func (m *Manager) SetNotifier(fn Notifier) {
	m.mu.Lock()
	m.notifier = fn
	m.mu.Unlock()
}

// SetOnChange sets a callback fired whenever an alarm is created or mutated.
func (m *Manager) SetOnChange(fn func(a Alarm)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

func (m *Manager) log(format string, args ...interface{}) {
	m.mu.RLock()
	fn := m.logFn
	m.mu.RUnlock()
	if fn != nil {
		fn("[Alarm] "+format, args...)
	}
}

func (m *Manager) notifyChange(a Alarm) {
	m.mu.RLock()
	fn := m.onChange
	m.mu.RUnlock()
	if fn != nil {
		fn(a)
	}
}

// Create records a new active alarm and dispatches it to the notifier.
// Returns the assigned alarm ID.
func (m *Manager) Create(alarmType, source, message string, severity Severity) string {
	a := &Alarm{
		ID:        uuid.NewString(),
		Type:      alarmType,
		Source:    source,
		Message:   message,
		Severity:  severity,
		Status:    StatusActive,
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	m.alarms[a.ID] = a
	notifier := m.notifier
	m.mu.Unlock()

	m.log("created %s alarm %s: %s (%s)", severity, a.ID, alarmType, message)

	if notifier != nil {
		if err := notifier(*a); err != nil {
			m.log("notify failed for %s: %v", a.ID, err)
		}
	}
	m.notifyChange(*a)
	return a.ID
}

// Acknowledge marks an active alarm acknowledged by an operator.
func (m *Manager) Acknowledge(id, who string) error {
	m.mu.Lock()
	a, ok := m.alarms[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("alarm not found: %s", id)
	}
	if a.Status != StatusActive {
		m.mu.Unlock()
		return fmt.Errorf("alarm %s is %s, only active alarms can be acknowledged", id, a.Status)
	}
	now := time.Now()
	a.Status = StatusAcknowledged
	a.AcknowledgedAt = &now
	a.AcknowledgedBy = who
	snapshot := *a
	m.mu.Unlock()

	m.log("alarm %s acknowledged by %s", id, who)
	m.notifyChange(snapshot)
	return nil
}

// Resolve closes an alarm with an operator note.
func (m *Manager) Resolve(id, who, note string) error {
	m.mu.Lock()
	a, ok := m.alarms[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("alarm not found: %s", id)
	}
	if a.Status == StatusResolved {
		m.mu.Unlock()
		return fmt.Errorf("alarm %s is already resolved", id)
	}
	now := time.Now()
	a.Status = StatusResolved
	a.ResolvedAt = &now
	a.ResolvedBy = who
	a.ResolveNote = note
	snapshot := *a
	m.mu.Unlock()

	m.log("alarm %s resolved by %s: %s", id, who, note)
	m.notifyChange(snapshot)
	return nil
}

// Get returns a copy of the alarm with the given ID.
func (m *Manager) Get(id string) (Alarm, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alarms[id]
	if !ok {
		return Alarm{}, false
	}
	return *a, true
}

// ListActive returns unresolved alarms, newest first.
func (m *Manager) ListActive() []Alarm {
	m.mu.RLock()
	out := make([]Alarm, 0)
	for _, a := range m.alarms {
		if a.Status != StatusResolved {
			out = append(out, *a)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ListAll returns every retained alarm, newest first.
func (m *Manager) ListAll() []Alarm {
	m.mu.RLock()
	out := make([]Alarm, 0, len(m.alarms))
	for _, a := range m.alarms {
		out = append(out, *a)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Statistics returns counts by status and severity.
func (m *Manager) Statistics() Statistics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Statistics{BySeverity: make(map[Severity]int)}
	for _, a := range m.alarms {
		switch a.Status {
		case StatusActive:
			stats.Active++
		case StatusAcknowledged:
			stats.Acknowledged++
		case StatusResolved:
			stats.Resolved++
		}
		stats.BySeverity[a.Severity]++
	}
	return stats
}

// EscalateSweep raises the severity of alarms still active past the age
// threshold by one step, capped at critical. Critical alarms are untouched.
// Intended to run on the scheduler's alarm sweep cadence.
func (m *Manager) EscalateSweep() int {
	cutoff := time.Now().Add(-m.escalateAfter)

	var changed []Alarm
	m.mu.Lock()
	for _, a := range m.alarms {
		if a.Status != StatusActive || a.Severity == SeverityCritical {
			continue
		}
		if a.CreatedAt.Before(cutoff) {
			a.Severity = a.Severity.escalate()
			changed = append(changed, *a)
		}
	}
	m.mu.Unlock()

	for _, a := range changed {
		m.log("alarm %s escalated to %s (unacknowledged for %s)", a.ID, a.Severity, m.escalateAfter)
		m.notifyChange(a)
	}
	return len(changed)
}

// PurgeSweep removes resolved alarms older than the retention window.
func (m *Manager) PurgeSweep() int {
	cutoff := time.Now().Add(-m.retention)

	m.mu.Lock()
	n := 0
	for id, a := range m.alarms {
		if a.Status == StatusResolved && a.ResolvedAt != nil && a.ResolvedAt.Before(cutoff) {
			delete(m.alarms, id)
			n++
		}
	}
	m.mu.Unlock()

	if n > 0 {
		m.log("purged %d resolved alarms past retention", n)
	}
	return n
}
