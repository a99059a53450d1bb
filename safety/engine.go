// Package safety evaluates threshold rules against live data points and owns
// the process-wide emergency-stop latch.
package safety

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"batchlink/config"
	"batchlink/points"
)

// ErrEmergencyLatched gates production starts and resumes while latched.
var ErrEmergencyLatched = errors.New("emergency stop is latched")

// ErrNotLatched is returned by a reset attempted while the latch is clear.
var ErrNotLatched = errors.New("emergency stop is not latched")

// ErrStillUnsafe is returned by a reset refused because violations remain.
var ErrStillUnsafe = errors.New("safety check still failing")

// PointReader reads live data point values with their quality flags.
type PointReader interface {
	Read(name string) (interface{}, points.Quality, error)
}

// AlarmSink receives alarms raised by rule escalation.
type AlarmSink interface {
	Raise(alarmType, source, message string, critical bool)
}

// TaskController lets the engine escalate into the production state machine.
type TaskController interface {
	RequestStop(reason string) error
	EmergencyAbort(reason string)
}

// Violation describes one failed rule evaluation.
type Violation struct {
	RuleID    string          `json:"rule_id"`
	Kind      config.RuleKind `json:"kind"`
	Point     string          `json:"point"`
	Value     interface{}     `json:"value,omitempty"`
	Threshold float64         `json:"threshold"`
	Reason    string          `json:"reason"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s (%s): %s", v.RuleID, v.Point, v.Reason)
}

// CheckResult aggregates one full evaluation of the enabled rule set.
type CheckResult struct {
	Safe       bool        `json:"safe"`
	Violations []Violation `json:"violations,omitempty"`
	CheckedAt  time.Time   `json:"checked_at"`
}

// ResetEvent records an operator clearing the emergency-stop latch.
type ResetEvent struct {
	Operator string    `json:"operator"`
	At       time.Time `json:"at"`
}

// Engine evaluates safety rules on a fixed cadence and owns the
// emergency-stop latch. The latch, once set, can only be cleared by
// ResetEmergencyStop after a clean re-check.
type Engine struct {
	mu    sync.RWMutex
	rules []config.SafetyRuleConfig

	reader PointReader
	alarms AlarmSink
	tasks  TaskController

	latched     bool
	latchedAt   time.Time
	latchReason string
	resets      []ResetEvent

	// Per-rule edge detection so a persistent violation raises one alarm,
	// not one per evaluation tick.
	inViolation map[string]bool

	lastResult CheckResult

	onLatch func(reason string)
	onReset func(ev ResetEvent)
	logFn   func(format string, args ...interface{})
}

// NewEngine creates a safety engine over the given reader and alarm sink.
func NewEngine(reader PointReader, alarms AlarmSink) *Engine {
	return &Engine{
		reader:      reader,
		alarms:      alarms,
		inViolation: make(map[string]bool),
	}
}

// SetTaskController wires the production state machine for stop escalation.
func (e *Engine) SetTaskController(tc TaskController) {
	e.mu.Lock()
	e.tasks = tc
	e.mu.Unlock()
}

// SetLogFunc sets the logging callback.
func (e *Engine) SetLogFunc(fn func(format string, args ...interface{})) {
	e.mu.Lock()
	e.logFn = fn
	e.mu.Unlock()
}

// SetOnLatch sets a callback fired when the emergency stop latches.
func (e *Engine) SetOnLatch(fn func(reason string)) {
	e.mu.Lock()
	e.onLatch = fn
	e.mu.Unlock()
}

// SetOnReset sets a callback fired when the latch is cleared.
func (e *Engine) SetOnReset(fn func(ev ResetEvent)) {
	e.mu.Lock()
	e.onReset = fn
	e.mu.Unlock()
}

func (e *Engine) log(format string, args ...interface{}) {
	e.mu.RLock()
	fn := e.logFn
	e.mu.RUnlock()
	if fn != nil {
		fn("[Safety] "+format, args...)
	}
}

// LoadRulesOrDefaults installs the rule set, falling back to the hard-coded
// defaults when none are configured. Startup path only: a reconfigure that
// empties the rule table must not silently re-arm five default rules whose
// points may not exist at this site.
func (e *Engine) LoadRulesOrDefaults(rules []config.SafetyRuleConfig) {
	if len(rules) == 0 {
		rules = config.DefaultRules()
		e.log("no rules configured, using default rule set (%d rules)", len(rules))
	}
	e.LoadRules(rules)
}

// LoadRules installs the rule set as given, replacing the previous set.
// Rules are immutable between calls.
func (e *Engine) LoadRules(rules []config.SafetyRuleConfig) {
	copied := make([]config.SafetyRuleConfig, len(rules))
	copy(copied, rules)

	e.mu.Lock()
	e.rules = copied
	e.inViolation = make(map[string]bool)
	e.mu.Unlock()
}

// Rules returns a copy of the installed rule set.
func (e *Engine) Rules() []config.SafetyRuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]config.SafetyRuleConfig, len(e.rules))
	copy(out, e.rules)
	return out
}

// evaluateRule checks one rule against its live data point. A bad or
// uncertain reading counts as a violation: an unobservable sensor is never
// treated as safe.
func (e *Engine) evaluateRule(rule config.SafetyRuleConfig) *Violation {
	value, quality, err := e.reader.Read(rule.Point)
	if err != nil || quality != points.QualityGood {
		reason := "sensor unavailable"
		if err != nil {
			reason = fmt.Sprintf("sensor unavailable: %v", err)
		}
		return &Violation{
			RuleID:    rule.ID,
			Kind:      rule.Kind,
			Point:     rule.Point,
			Value:     value,
			Threshold: rule.Threshold,
			Reason:    reason,
		}
	}

	num, err := toFloat(value)
	if err != nil {
		return &Violation{
			RuleID:    rule.ID,
			Kind:      rule.Kind,
			Point:     rule.Point,
			Value:     value,
			Threshold: rule.Threshold,
			Reason:    fmt.Sprintf("unreadable value: %v", err),
		}
	}

	violated := false
	switch rule.Comparator {
	case config.CompareGreater:
		violated = num > rule.Threshold
	case config.CompareLess:
		violated = num < rule.Threshold
	case config.CompareEqual:
		violated = num == rule.Threshold
	default:
		// A rule that cannot be evaluated must never read as safe.
		return &Violation{
			RuleID:    rule.ID,
			Kind:      rule.Kind,
			Point:     rule.Point,
			Value:     value,
			Threshold: rule.Threshold,
			Reason:    fmt.Sprintf("misconfigured rule: unknown comparator %q", rule.Comparator),
		}
	}

	if !violated {
		return nil
	}
	return &Violation{
		RuleID:    rule.ID,
		Kind:      rule.Kind,
		Point:     rule.Point,
		Value:     value,
		Threshold: rule.Threshold,
		Reason:    fmt.Sprintf("value %v %s threshold %v", value, rule.Comparator, rule.Threshold),
	}
}

// CheckOnce evaluates every enabled rule and aggregates the violations.
// It never fails: sensor I/O problems surface as violations.
func (e *Engine) CheckOnce() CheckResult {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	result := CheckResult{Safe: true, CheckedAt: time.Now()}
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if v := e.evaluateRule(rule); v != nil {
			result.Safe = false
			result.Violations = append(result.Violations, *v)
		}
	}

	e.mu.Lock()
	e.lastResult = result
	e.mu.Unlock()
	return result
}

// LastResult returns the most recent aggregate check.
func (e *Engine) LastResult() CheckResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastResult
}

// EvaluateRules runs the scheduled evaluation pass: each enabled rule is
// evaluated independently and dispatched by its configured action on the
// rising edge of a violation.
func (e *Engine) EvaluateRules() {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	result := CheckResult{Safe: true, CheckedAt: time.Now()}

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		v := e.evaluateRule(rule)

		e.mu.Lock()
		wasViolated := e.inViolation[rule.ID]
		e.inViolation[rule.ID] = v != nil
		e.mu.Unlock()

		if v == nil {
			if wasViolated {
				e.log("rule %s cleared", rule.ID)
			}
			continue
		}

		result.Safe = false
		result.Violations = append(result.Violations, *v)

		if wasViolated && rule.Action != config.ActionEmergencyStop {
			continue // Already escalated on the rising edge
		}
		e.dispatch(rule, *v)
	}

	e.mu.Lock()
	e.lastResult = result
	e.mu.Unlock()
}

// dispatch escalates one violated rule according to its configured action.
func (e *Engine) dispatch(rule config.SafetyRuleConfig, v Violation) {
	e.mu.RLock()
	tasks := e.tasks
	e.mu.RUnlock()

	switch rule.Action {
	case config.ActionAlarm:
		e.log("rule %s violated: %s", rule.ID, v.Reason)
		e.alarms.Raise(string(rule.Kind), rule.Point, v.String(), false)

	case config.ActionControlledStop:
		e.log("rule %s violated, requesting controlled stop: %s", rule.ID, v.Reason)
		e.alarms.Raise(string(rule.Kind), rule.Point, v.String(), true)
		if tasks != nil {
			if err := tasks.RequestStop(v.String()); err != nil {
				e.log("controlled stop request: %v", err)
			}
		}

	case config.ActionEmergencyStop:
		e.latch(v.String())
	}
}

// latch sets the emergency-stop latch and halts all production immediately.
// Re-entering while already latched is a no-op.
func (e *Engine) latch(reason string) {
	e.mu.Lock()
	if e.latched {
		e.mu.Unlock()
		return
	}
	e.latched = true
	e.latchedAt = time.Now()
	e.latchReason = reason
	tasks := e.tasks
	onLatch := e.onLatch
	e.mu.Unlock()

	e.log("EMERGENCY STOP latched: %s", reason)
	e.alarms.Raise("emergency_stop", "safety", reason, true)

	if tasks != nil {
		tasks.EmergencyAbort(reason)
	}
	if onLatch != nil {
		onLatch(reason)
	}
}

// TriggerEmergencyStop latches from an external request (operator command).
func (e *Engine) TriggerEmergencyStop(reason string) {
	if reason == "" {
		reason = "operator emergency stop"
	}
	e.latch(reason)
}

// Latched reports the latch state and the reason it was set.
func (e *Engine) Latched() (bool, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.latched, e.latchReason
}

// Gate returns an error while the emergency-stop latch is set. The state
// machine consults it before every start and resume.
func (e *Engine) Gate() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.latched {
		return fmt.Errorf("%w: %s", ErrEmergencyLatched, e.latchReason)
	}
	return nil
}

// ResetEmergencyStop clears the latch after a full clean re-check. It is
// only valid while latched and refuses, listing the violations, if the
// plant is still unsafe.
func (e *Engine) ResetEmergencyStop(operator string) error {
	e.mu.RLock()
	latched := e.latched
	e.mu.RUnlock()

	if !latched {
		return ErrNotLatched
	}

	result := e.CheckOnce()
	if !result.Safe {
		reasons := make([]string, len(result.Violations))
		for i, v := range result.Violations {
			reasons[i] = v.String()
		}
		return fmt.Errorf("%w: %s", ErrStillUnsafe, strings.Join(reasons, "; "))
	}

	ev := ResetEvent{Operator: operator, At: time.Now()}

	e.mu.Lock()
	e.latched = false
	e.latchReason = ""
	e.resets = append(e.resets, ev)
	onReset := e.onReset
	e.mu.Unlock()

	e.log("emergency stop reset by %s", operator)
	if onReset != nil {
		onReset(ev)
	}
	return nil
}

// ResetHistory returns recorded latch resets, oldest first.
func (e *Engine) ResetHistory() []ResetEvent {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]ResetEvent, len(e.resets))
	copy(out, e.resets)
	return out
}

// toFloat coerces a point value for threshold comparison.
func toFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("cannot compare %T against a numeric threshold", v)
	}
}
