package safety

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"batchlink/config"
	"batchlink/points"
)

type stubReader struct {
	mu   sync.Mutex
	vals map[string]interface{}
	qual map[string]points.Quality
	errs map[string]error
}

func newStubReader() *stubReader {
	return &stubReader{
		vals: make(map[string]interface{}),
		qual: make(map[string]points.Quality),
		errs: make(map[string]error),
	}
}

func (r *stubReader) Read(name string) (interface{}, points.Quality, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.errs[name]; err != nil {
		return nil, points.QualityBad, err
	}
	q, ok := r.qual[name]
	if !ok {
		q = points.QualityGood
	}
	return r.vals[name], q, nil
}

func (r *stubReader) set(name string, value interface{}) {
	r.mu.Lock()
	r.vals[name] = value
	r.mu.Unlock()
}

func (r *stubReader) setQuality(name string, q points.Quality) {
	r.mu.Lock()
	r.qual[name] = q
	r.mu.Unlock()
}

type stubAlarms struct {
	mu     sync.Mutex
	raised []string // "type|message|critical"
}

func (a *stubAlarms) Raise(alarmType, source, message string, critical bool) {
	a.mu.Lock()
	crit := "low"
	if critical {
		crit = "critical"
	}
	a.raised = append(a.raised, alarmType+"|"+message+"|"+crit)
	a.mu.Unlock()
}

func (a *stubAlarms) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.raised)
}

func (a *stubAlarms) last() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.raised) == 0 {
		return ""
	}
	return a.raised[len(a.raised)-1]
}

type stubTasks struct {
	mu      sync.Mutex
	stops   []string
	aborts  []string
	stopErr error
}

func (s *stubTasks) RequestStop(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops = append(s.stops, reason)
	return s.stopErr
}

func (s *stubTasks) EmergencyAbort(reason string) {
	s.mu.Lock()
	s.aborts = append(s.aborts, reason)
	s.mu.Unlock()
}

func (s *stubTasks) abortCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.aborts)
}

func (s *stubTasks) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stops)
}

func rule(id string, kind config.RuleKind, point string, cmp config.Comparator, threshold float64, action config.RuleAction) config.SafetyRuleConfig {
	return config.SafetyRuleConfig{ID: id, Kind: kind, Point: point, Comparator: cmp, Threshold: threshold, Action: action, Enabled: true}
}

func newTestEngine(rules ...config.SafetyRuleConfig) (*Engine, *stubReader, *stubAlarms, *stubTasks) {
	reader := newStubReader()
	alarms := &stubAlarms{}
	tasks := &stubTasks{}
	e := NewEngine(reader, alarms)
	e.SetTaskController(tasks)
	e.LoadRules(rules)
	return e, reader, alarms, tasks
}

func TestCheckOnceComparators(t *testing.T) {
	tests := []struct {
		name      string
		cmp       config.Comparator
		threshold float64
		value     interface{}
		safe      bool
	}{
		{"greater violated", config.CompareGreater, 85, 90.0, false},
		{"greater at threshold", config.CompareGreater, 85, 85.0, true},
		{"greater under", config.CompareGreater, 85, 60.0, true},
		{"less violated", config.CompareLess, 2, 1.5, false},
		{"less safe", config.CompareLess, 2, 3.0, true},
		{"equal violated", config.CompareEqual, 1, true, false},
		{"equal safe", config.CompareEqual, 1, false, true},
		{"int coerced", config.CompareGreater, 85, 90, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, reader, _, _ := newTestEngine(rule("r1", config.RuleTemperature, "sensor", tt.cmp, tt.threshold, config.ActionAlarm))
			reader.set("sensor", tt.value)

			res := e.CheckOnce()
			if res.Safe != tt.safe {
				t.Errorf("safe = %v, want %v (violations %+v)", res.Safe, tt.safe, res.Violations)
			}
		})
	}
}

func TestCheckOnceSensorUnavailable(t *testing.T) {
	e, reader, _, _ := newTestEngine(rule("r1", config.RuleTemperature, "sensor", config.CompareGreater, 85, config.ActionAlarm))

	// Value well under the threshold, but the reading is not trustworthy.
	reader.set("sensor", 20.0)
	reader.setQuality("sensor", points.QualityBad)

	res := e.CheckOnce()
	if res.Safe {
		t.Fatal("bad quality reading must count as a violation")
	}
	if !strings.Contains(res.Violations[0].Reason, "sensor unavailable") {
		t.Errorf("expected sensor unavailable reason, got %q", res.Violations[0].Reason)
	}

	reader.mu.Lock()
	reader.errs["sensor"] = errors.New("read timeout")
	reader.mu.Unlock()

	res = e.CheckOnce()
	if res.Safe {
		t.Fatal("read error must count as a violation")
	}
	if !strings.Contains(res.Violations[0].Reason, "read timeout") {
		t.Errorf("expected read error in reason, got %q", res.Violations[0].Reason)
	}
}

func TestCheckOnceSkipsDisabledRules(t *testing.T) {
	r := rule("r1", config.RuleTemperature, "sensor", config.CompareGreater, 85, config.ActionAlarm)
	r.Enabled = false
	e, reader, _, _ := newTestEngine(r)
	reader.set("sensor", 200.0)

	if res := e.CheckOnce(); !res.Safe {
		t.Error("disabled rule must not be evaluated")
	}
}

func TestLoadRulesOrDefaultsFallsBack(t *testing.T) {
	e := NewEngine(newStubReader(), &stubAlarms{})
	e.LoadRulesOrDefaults(nil)

	if len(e.Rules()) == 0 {
		t.Error("expected default rule set when none configured")
	}
}

func TestLoadRulesInstallsEmptySetAsGiven(t *testing.T) {
	e := NewEngine(newStubReader(), &stubAlarms{})
	e.LoadRulesOrDefaults(nil)

	// An operator deleting the last rule must not re-arm the defaults.
	e.LoadRules(nil)
	if got := len(e.Rules()); got != 0 {
		t.Errorf("expected empty rule set after reconfigure, got %d rules", got)
	}
}

func TestCheckOnceUnknownComparatorViolates(t *testing.T) {
	e, reader, _, _ := newTestEngine(rule("r1", config.RuleTemperature, "sensor", config.Comparator("graeterThan"), 85, config.ActionAlarm))
	reader.set("sensor", 9999.0)

	res := e.CheckOnce()
	if res.Safe {
		t.Fatal("a rule with an unknown comparator must never read as safe")
	}
	if !strings.Contains(res.Violations[0].Reason, "misconfigured rule") {
		t.Errorf("expected misconfigured rule reason, got %q", res.Violations[0].Reason)
	}
}

func TestEvaluateRulesRisingEdgeAlarm(t *testing.T) {
	e, reader, alarms, _ := newTestEngine(rule("vib", config.RuleVibration, "vibration", config.CompareGreater, 8, config.ActionAlarm))
	reader.set("vibration", 9.5)

	e.EvaluateRules()
	e.EvaluateRules()
	e.EvaluateRules()
	if got := alarms.count(); got != 1 {
		t.Errorf("persistent violation should alarm once, got %d alarms", got)
	}

	// Clear, then violate again: a fresh rising edge alarms again.
	reader.set("vibration", 2.0)
	e.EvaluateRules()
	reader.set("vibration", 10.0)
	e.EvaluateRules()
	if got := alarms.count(); got != 2 {
		t.Errorf("expected a second alarm on re-violation, got %d", got)
	}
}

func TestEvaluateRulesControlledStop(t *testing.T) {
	e, reader, alarms, tasks := newTestEngine(rule("overtemp", config.RuleTemperature, "temp", config.CompareGreater, 85, config.ActionControlledStop))
	reader.set("temp", 92.0)

	e.EvaluateRules()
	if tasks.stopCount() != 1 {
		t.Errorf("expected one controlled stop request, got %d", tasks.stopCount())
	}
	if !strings.Contains(alarms.last(), "critical") {
		t.Errorf("controlled stop should raise a critical alarm, got %q", alarms.last())
	}

	// Still violated: no repeat escalation.
	e.EvaluateRules()
	if tasks.stopCount() != 1 {
		t.Errorf("persistent violation should not re-request stop, got %d", tasks.stopCount())
	}

	if latched, _ := e.Latched(); latched {
		t.Error("controlled stop must not latch the emergency stop")
	}
}

func TestEvaluateRulesEmergencyStopLatches(t *testing.T) {
	e, reader, alarms, tasks := newTestEngine(rule("estop", config.RuleEmergencyButton, "estop_button", config.CompareEqual, 1, config.ActionEmergencyStop))
	reader.set("estop_button", true)

	e.EvaluateRules()

	latched, reason := e.Latched()
	if !latched {
		t.Fatal("expected latch set")
	}
	if !strings.Contains(reason, "estop") {
		t.Errorf("expected rule named in latch reason, got %q", reason)
	}
	if tasks.abortCount() != 1 {
		t.Errorf("expected one emergency abort, got %d", tasks.abortCount())
	}
	if !strings.Contains(alarms.last(), "emergency_stop") {
		t.Errorf("expected emergency_stop alarm, got %q", alarms.last())
	}

	// Latching is idempotent while the button stays pressed.
	e.EvaluateRules()
	if tasks.abortCount() != 1 {
		t.Errorf("re-latch must be a no-op, got %d aborts", tasks.abortCount())
	}

	if err := e.Gate(); !errors.Is(err, ErrEmergencyLatched) {
		t.Errorf("expected Gate to fail while latched, got %v", err)
	}
}

func TestTriggerEmergencyStop(t *testing.T) {
	e, _, _, tasks := newTestEngine(rule("r1", config.RuleTemperature, "temp", config.CompareGreater, 85, config.ActionAlarm))

	e.TriggerEmergencyStop("")
	latched, reason := e.Latched()
	if !latched || reason != "operator emergency stop" {
		t.Errorf("expected default operator reason, got latched=%v reason=%q", latched, reason)
	}
	if tasks.abortCount() != 1 {
		t.Errorf("expected abort on operator estop, got %d", tasks.abortCount())
	}
}

func TestResetEmergencyStop(t *testing.T) {
	e, reader, _, _ := newTestEngine(rule("overtemp", config.RuleTemperature, "temp", config.CompareGreater, 85, config.ActionEmergencyStop))

	if err := e.ResetEmergencyStop("op1"); !errors.Is(err, ErrNotLatched) {
		t.Fatalf("expected ErrNotLatched while clear, got %v", err)
	}

	reader.set("temp", 95.0)
	e.EvaluateRules()
	if latched, _ := e.Latched(); !latched {
		t.Fatal("expected latch set")
	}

	// Still hot: reset refused with the violation listed.
	err := e.ResetEmergencyStop("op1")
	if !errors.Is(err, ErrStillUnsafe) {
		t.Fatalf("expected ErrStillUnsafe, got %v", err)
	}
	if !strings.Contains(err.Error(), "overtemp") {
		t.Errorf("expected violation named in refusal, got %v", err)
	}

	// Cooled down: reset succeeds and is recorded.
	reader.set("temp", 40.0)
	if err := e.ResetEmergencyStop("op1"); err != nil {
		t.Fatalf("ResetEmergencyStop: %v", err)
	}
	if latched, _ := e.Latched(); latched {
		t.Error("latch should be clear after reset")
	}
	if err := e.Gate(); err != nil {
		t.Errorf("Gate should pass after reset: %v", err)
	}

	hist := e.ResetHistory()
	if len(hist) != 1 || hist[0].Operator != "op1" {
		t.Errorf("expected one reset by op1, got %+v", hist)
	}
}

func TestLatchAndResetCallbacks(t *testing.T) {
	e, reader, _, _ := newTestEngine(rule("r1", config.RuleTemperature, "temp", config.CompareGreater, 85, config.ActionAlarm))
	reader.set("temp", 20.0)

	var latchReason string
	var resetBy string
	e.SetOnLatch(func(reason string) { latchReason = reason })
	e.SetOnReset(func(ev ResetEvent) { resetBy = ev.Operator })

	e.TriggerEmergencyStop("spill on floor 2")
	if latchReason != "spill on floor 2" {
		t.Errorf("latch callback got %q", latchReason)
	}

	if err := e.ResetEmergencyStop("supervisor"); err != nil {
		t.Fatalf("ResetEmergencyStop: %v", err)
	}
	if resetBy != "supervisor" {
		t.Errorf("reset callback got %q", resetBy)
	}
}

func TestLastResultTracksEvaluation(t *testing.T) {
	e, reader, _, _ := newTestEngine(rule("r1", config.RulePressure, "pressure", config.CompareGreater, 12, config.ActionAlarm))

	reader.set("pressure", 13.5)
	e.EvaluateRules()
	if res := e.LastResult(); res.Safe || len(res.Violations) != 1 {
		t.Errorf("expected unsafe last result, got %+v", res)
	}

	reader.set("pressure", 8.0)
	e.EvaluateRules()
	if res := e.LastResult(); !res.Safe {
		t.Errorf("expected safe last result, got %+v", res)
	}
}
