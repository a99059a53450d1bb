package alarm

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLifecycle(t *testing.T) {
	m := NewManager(0, 0)

	id := m.Create("overtemp", "mixer_temperature", "92 C", SeverityMedium)

	a, ok := m.Get(id)
	if !ok {
		t.Fatal("created alarm not found")
	}
	if a.Status != StatusActive || a.Severity != SeverityMedium {
		t.Errorf("unexpected new alarm: %+v", a)
	}

	if err := m.Acknowledge(id, "op1"); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	a, _ = m.Get(id)
	if a.Status != StatusAcknowledged || a.AcknowledgedBy != "op1" || a.AcknowledgedAt == nil {
		t.Errorf("unexpected acknowledged alarm: %+v", a)
	}

	if err := m.Resolve(id, "op2", "sensor recalibrated"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	a, _ = m.Get(id)
	if a.Status != StatusResolved || a.ResolvedBy != "op2" || a.ResolveNote != "sensor recalibrated" {
		t.Errorf("unexpected resolved alarm: %+v", a)
	}
}

func TestLifecycleErrors(t *testing.T) {
	m := NewManager(0, 0)
	id := m.Create("overtemp", "sensor", "hot", SeverityLow)

	if err := m.Acknowledge("missing", "op"); err == nil {
		t.Error("expected unknown alarm rejected")
	}
	if err := m.Resolve("missing", "op", ""); err == nil {
		t.Error("expected unknown alarm rejected")
	}

	m.Acknowledge(id, "op")
	if err := m.Acknowledge(id, "op"); err == nil {
		t.Error("expected double acknowledge rejected")
	}

	// Acknowledged alarms can still be resolved, resolved ones cannot.
	if err := m.Resolve(id, "op", "done"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := m.Resolve(id, "op", "again"); err == nil {
		t.Error("expected double resolve rejected")
	}
	if err := m.Acknowledge(id, "op"); err == nil {
		t.Error("expected acknowledge of resolved alarm rejected")
	}
}

func TestListActiveNewestFirst(t *testing.T) {
	m := NewManager(0, 0)

	id1 := m.Create("a", "s", "first", SeverityLow)
	time.Sleep(2 * time.Millisecond)
	id2 := m.Create("b", "s", "second", SeverityLow)
	time.Sleep(2 * time.Millisecond)
	id3 := m.Create("c", "s", "third", SeverityLow)

	m.Resolve(id2, "op", "")

	active := m.ListActive()
	if len(active) != 2 {
		t.Fatalf("expected 2 active, got %d", len(active))
	}
	if active[0].ID != id3 || active[1].ID != id1 {
		t.Error("expected newest first with resolved excluded")
	}

	if all := m.ListAll(); len(all) != 3 {
		t.Errorf("expected 3 total, got %d", len(all))
	}
}

func TestStatistics(t *testing.T) {
	m := NewManager(0, 0)

	m.Create("a", "s", "", SeverityLow)
	ack := m.Create("b", "s", "", SeverityMedium)
	res := m.Create("c", "s", "", SeverityCritical)
	m.Acknowledge(ack, "op")
	m.Resolve(res, "op", "")

	stats := m.Statistics()
	if stats.Active != 1 || stats.Acknowledged != 1 || stats.Resolved != 1 {
		t.Errorf("unexpected status counts: %+v", stats)
	}
	if stats.BySeverity[SeverityLow] != 1 || stats.BySeverity[SeverityMedium] != 1 || stats.BySeverity[SeverityCritical] != 1 {
		t.Errorf("unexpected severity counts: %+v", stats.BySeverity)
	}
}

func TestEscalateSweep(t *testing.T) {
	m := NewManager(30*time.Minute, 0)

	oldMedium := m.Create("a", "s", "stale", SeverityMedium)
	oldCritical := m.Create("b", "s", "stale critical", SeverityCritical)
	oldAcked := m.Create("c", "s", "stale acked", SeverityLow)
	fresh := m.Create("d", "s", "fresh", SeverityLow)

	m.Acknowledge(oldAcked, "op")

	// Age three of them past the threshold.
	past := time.Now().Add(-time.Hour)
	m.mu.Lock()
	m.alarms[oldMedium].CreatedAt = past
	m.alarms[oldCritical].CreatedAt = past
	m.alarms[oldAcked].CreatedAt = past
	m.mu.Unlock()

	if n := m.EscalateSweep(); n != 1 {
		t.Errorf("expected 1 escalation, got %d", n)
	}

	if a, _ := m.Get(oldMedium); a.Severity != SeverityHigh {
		t.Errorf("expected medium escalated to high, got %s", a.Severity)
	}
	if a, _ := m.Get(oldCritical); a.Severity != SeverityCritical {
		t.Errorf("critical must stay critical, got %s", a.Severity)
	}
	if a, _ := m.Get(oldAcked); a.Severity != SeverityLow {
		t.Errorf("acknowledged alarms must not escalate, got %s", a.Severity)
	}
	if a, _ := m.Get(fresh); a.Severity != SeverityLow {
		t.Errorf("young alarms must not escalate, got %s", a.Severity)
	}

	// Repeated sweeps walk the severity up one step at a time to the cap.
	m.EscalateSweep()
	m.EscalateSweep()
	if a, _ := m.Get(oldMedium); a.Severity != SeverityCritical {
		t.Errorf("expected escalation capped at critical, got %s", a.Severity)
	}
	if n := m.EscalateSweep(); n != 0 {
		t.Errorf("critical alarm must not escalate further, got %d", n)
	}
}

func TestPurgeSweep(t *testing.T) {
	m := NewManager(0, 24*time.Hour)

	oldResolved := m.Create("a", "s", "", SeverityLow)
	freshResolved := m.Create("b", "s", "", SeverityLow)
	active := m.Create("c", "s", "", SeverityLow)

	m.Resolve(oldResolved, "op", "")
	m.Resolve(freshResolved, "op", "")

	past := time.Now().Add(-48 * time.Hour)
	m.mu.Lock()
	m.alarms[oldResolved].ResolvedAt = &past
	m.mu.Unlock()

	if n := m.PurgeSweep(); n != 1 {
		t.Errorf("expected 1 purged, got %d", n)
	}
	if _, ok := m.Get(oldResolved); ok {
		t.Error("expected old resolved alarm purged")
	}
	if _, ok := m.Get(freshResolved); !ok {
		t.Error("fresh resolved alarm must be retained")
	}
	if _, ok := m.Get(active); !ok {
		t.Error("active alarms are never purged")
	}
}

func TestNotifierAndOnChange(t *testing.T) {
	m := NewManager(0, 0)

	var mu sync.Mutex
	var notified []Alarm
	var changes []Status
	m.SetNotifier(func(a Alarm) error {
		mu.Lock()
		notified = append(notified, a)
		mu.Unlock()
		return nil
	})
	m.SetOnChange(func(a Alarm) {
		mu.Lock()
		changes = append(changes, a.Status)
		mu.Unlock()
	})

	id := m.Create("overtemp", "sensor", "hot", SeverityHigh)
	m.Acknowledge(id, "op")
	m.Resolve(id, "op", "")

	mu.Lock()
	defer mu.Unlock()
	if len(notified) != 1 || notified[0].Type != "overtemp" {
		t.Errorf("expected one notification for the new alarm, got %+v", notified)
	}
	want := []Status{StatusActive, StatusAcknowledged, StatusResolved}
	if len(changes) != 3 {
		t.Fatalf("expected 3 change callbacks, got %d", len(changes))
	}
	for i, s := range want {
		if changes[i] != s {
			t.Errorf("change %d: expected %s, got %s", i, s, changes[i])
		}
	}
}

func TestNotifierErrorDoesNotBlockCreate(t *testing.T) {
	m := NewManager(0, 0)
	m.SetNotifier(func(a Alarm) error { return errors.New("smtp down") })

	id := m.Create("overtemp", "sensor", "hot", SeverityLow)
	if _, ok := m.Get(id); !ok {
		t.Error("alarm must be recorded even when notification fails")
	}
}
