package engine

import (
	"context"
	"encoding/json"
	"time"

	"batchlink/alarm"
	"batchlink/points"
	"batchlink/produce"
	"batchlink/safety"
	"batchlink/syncq"
)

// alarmSink adapts the alarm manager to the Raise interface the safety
// engine and production machine expect.
type alarmSink struct {
	mgr *alarm.Manager
}

func (s *alarmSink) Raise(alarmType, source, message string, critical bool) {
	severity := alarm.SeverityMedium
	if critical {
		severity = alarm.SeverityCritical
	}
	s.mgr.Create(alarmType, source, message, severity)
}

// batchRecord is the statistics payload shipped for each finished task.
type batchRecord struct {
	TaskID    string     `json:"task_id"`
	RecipeID  string     `json:"recipe_id"`
	Quantity  float64    `json:"quantity"`
	Phase     string     `json:"phase"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// alarmRecord is the alarm payload shipped to the central server.
type alarmRecord struct {
	AlarmID      string     `json:"alarm_id"`
	Type         string     `json:"type"`
	Source       string     `json:"source"`
	Message      string     `json:"message"`
	Severity     string     `json:"severity"`
	Status       string     `json:"status"`
	RaisedAt     time.Time  `json:"raised_at"`
	Acknowledged *time.Time `json:"acknowledged_at,omitempty"`
	Resolved     *time.Time `json:"resolved_at,omitempty"`
}

// setupValueHandlers fans registry updates out to the configured sinks and
// the event bus.
func (e *Engine) setupValueHandlers() {
	e.registry.SetOnUpdate(func(v points.Value) {
		e.emit(EventPointUpdated, PointEvent{
			Name:    v.Name,
			Value:   v.Value,
			Quality: string(v.Quality),
		})

		if e.mqttPub != nil {
			e.mqttPub.PublishPoint(v.Name, string(v.Type), string(v.Quality), v.Value, false)
		}
		if e.valkeyPub != nil {
			if err := e.valkeyPub.PublishPoint(v.Name, string(v.Type), string(v.Quality), v.Value, v.Timestamp); err != nil && e.valkeyPub.IsRunning() {
				e.logFn("Valkey publish %s: %v", v.Name, err)
			}
		}
	})
}

// setupTaskHandlers wires production phase transitions to the event bus and
// ships a statistics record on terminal phases.
func (e *Engine) setupTaskHandlers() {
	e.machine.SetOnPhase(func(t produce.Task) {
		e.emit(EventTaskPhaseChanged, TaskEvent{
			TaskID: t.ID,
			Phase:  string(t.Phase),
			Paused: t.Paused,
		})

		if e.mqttPub != nil {
			e.mqttPub.PublishEvent("tasks", t.ID, map[string]interface{}{
				"phase":  string(t.Phase),
				"paused": t.Paused,
			})
		}

		if t.Phase.Terminal() && e.queue != nil {
			rec := batchRecord{
				TaskID:    t.ID,
				RecipeID:  t.RecipeID,
				Quantity:  t.Quantity,
				Phase:     string(t.Phase),
				StartedAt: t.StartedAt,
				EndedAt:   t.EndedAt,
				Reason:    t.FailReason,
			}
			if _, err := e.queue.Enqueue(syncq.KindStatistics, rec); err != nil {
				e.logFn("Failed to queue batch record for %s: %v", t.ID, err)
			}
			e.produceKafka("batches", t.ID, rec)
		}
	})
}

// setupAlarmHandlers wires alarm lifecycle changes to the event bus and the
// sync queue.
func (e *Engine) setupAlarmHandlers() {
	e.alarmMgr.SetOnChange(func(a alarm.Alarm) {
		evType := EventAlarmChanged
		if a.Status == alarm.StatusActive && a.AcknowledgedAt == nil {
			evType = EventAlarmRaised
		}
		e.emit(evType, AlarmEvent{
			AlarmID:  a.ID,
			Type:     a.Type,
			Severity: string(a.Severity),
			Status:   string(a.Status),
		})

		if e.mqttPub != nil {
			e.mqttPub.PublishEvent("alarms", a.ID, map[string]interface{}{
				"type":     a.Type,
				"severity": string(a.Severity),
				"status":   string(a.Status),
				"message":  a.Message,
			})
		}

		if e.queue != nil {
			rec := alarmRecord{
				AlarmID:      a.ID,
				Type:         a.Type,
				Source:       a.Source,
				Message:      a.Message,
				Severity:     string(a.Severity),
				Status:       string(a.Status),
				RaisedAt:     a.CreatedAt,
				Acknowledged: a.AcknowledgedAt,
				Resolved:     a.ResolvedAt,
			}
			if _, err := e.queue.Enqueue(syncq.KindAlarm, rec); err != nil {
				e.logFn("Failed to queue alarm record %s: %v", a.ID, err)
			}
			e.produceKafka("alarms", a.ID, rec)
		}
	})
}

// setupSafetyHandlers wires latch and reset transitions to the event bus.
func (e *Engine) setupSafetyHandlers() {
	e.safetyEng.SetOnLatch(func(reason string) {
		e.emit(EventEmergencyLatched, SafetyEvent{Reason: reason})
	})
	e.safetyEng.SetOnReset(func(ev safety.ResetEvent) {
		e.emit(EventEmergencyReset, SafetyEvent{Reason: "reset by " + ev.Operator})
	})
}

// setupSyncHandlers wires connectivity flips to the event bus.
func (e *Engine) setupSyncHandlers() {
	if e.queue == nil {
		return
	}
	e.queue.SetOnOnline(func(online bool) {
		if online {
			e.emit(EventSyncOnline, SystemEvent{Detail: "central server reachable"})
		} else {
			e.emit(EventSyncOffline, SystemEvent{Detail: "central server unreachable"})
		}
	})
}

// produceKafka best-effort ships one record to the historian.
func (e *Engine) produceKafka(topic, key string, record interface{}) {
	if e.kafkaProd == nil {
		return
	}
	data, err := json.Marshal(record)
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.kafkaProd.Produce(ctx, e.kafkaProd.Topic(topic), []byte(key), data); err != nil {
			e.logFn("Kafka produce to %s failed: %v", topic, err)
		}
	}()
}
