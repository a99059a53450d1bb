package produce

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"batchlink/config"
	"batchlink/points"
	"batchlink/safety"
)

// Sentinel errors for operator-visible invariant violations.
var (
	ErrTaskAlreadyRunning = errors.New("a task is already running")
	ErrNoTaskRunning      = errors.New("no task is running")
	ErrTaskNotFound       = errors.New("task not found")
	ErrTaskNotPending     = errors.New("task is not pending")
	ErrNotPaused          = errors.New("task is not paused")
	ErrAlreadyPaused      = errors.New("task is already paused")
)

// PointIO is the machine's read/write view of the data point registry.
type PointIO interface {
	Read(name string) (interface{}, points.Quality, error)
	Write(name string, value interface{}) error
}

// SafetyGate is the machine's view of the safety engine.
type SafetyGate interface {
	Gate() error
	CheckOnce() safety.CheckResult
}

// AlarmSink receives alarms raised by the machine.
type AlarmSink interface {
	Raise(alarmType, source, message string, critical bool)
}

// RecipeLookup resolves a recipe ID to its definition.
type RecipeLookup func(id string) *config.RecipeConfig

// stopMode tells the run loop why its context was cancelled.
type stopMode int

const (
	stopNone    stopMode = iota
	stopPlanned          // operator stop: orderly halt, completed without discharge
	stopAbort            // emergency abort: immediate halt, failed
)

// Machine executes one production task at a time through its phases.
// Phase transitions are strictly sequential within the run goroutine; the
// one-running-task slot is guarded so concurrent Start calls cannot both
// succeed.
type Machine struct {
	mu      sync.Mutex
	tasks   map[string]*Task
	current *Task

	runCancel context.CancelFunc
	runWG     sync.WaitGroup
	mode      stopMode
	modeInfo  string
	paused    bool

	io       PointIO
	gate     SafetyGate
	alarms   AlarmSink
	recipes  RecipeLookup
	settings config.ControlConfig

	history *History

	onPhase func(t Task)
	logFn   func(format string, args ...interface{})
}

// NewMachine creates a production state machine.
func NewMachine(io PointIO, gate SafetyGate, alarms AlarmSink, recipes RecipeLookup, settings config.ControlConfig) *Machine {
	return &Machine{
		tasks:    make(map[string]*Task),
		io:       io,
		gate:     gate,
		alarms:   alarms,
		recipes:  recipes,
		settings: settings,
		history:  NewHistory(256),
	}
}

// SetLogFunc sets the logging callback.
func (m *Machine) SetLogFunc(fn func(format string, args ...interface{})) {
	m.mu.Lock()
	m.logFn = fn
	m.mu.Unlock()
}

// SetOnPhase sets a callback fired on every phase or pause transition.
func (m *Machine) SetOnPhase(fn func(t Task)) {
	m.mu.Lock()
	m.onPhase = fn
	m.mu.Unlock()
}

func (m *Machine) log(format string, args ...interface{}) {
	m.mu.Lock()
	fn := m.logFn
	m.mu.Unlock()
	if fn != nil {
		fn("[Produce] "+format, args...)
	}
}

func (m *Machine) emitPhase(t Task) {
	m.mu.Lock()
	fn := m.onPhase
	m.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

// History returns the production history record.
func (m *Machine) History() *History { return m.history }

// CreateTask registers a new pending task for the given recipe.
func (m *Machine) CreateTask(recipeID string, quantity float64) (Task, error) {
	if quantity <= 0 {
		return Task{}, fmt.Errorf("invalid quantity %v", quantity)
	}
	if m.recipes(recipeID) == nil {
		return Task{}, fmt.Errorf("unknown recipe: %s", recipeID)
	}

	t := newTask(recipeID, quantity)
	m.mu.Lock()
	m.tasks[t.ID] = t
	m.mu.Unlock()

	m.log("task %s created (recipe %s, quantity %v)", t.ID, recipeID, quantity)
	return *t, nil
}

// Tasks returns snapshots of all known tasks, newest first.
func (m *Machine) Tasks() []Task {
	m.mu.Lock()
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, *t)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// GetTask returns a snapshot of the task with the given ID.
func (m *Machine) GetTask(id string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Current returns a snapshot of the running task, if any.
func (m *Machine) Current() (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Task{}, false
	}
	return *m.current, true
}

// Running reports whether a task currently occupies the run slot.
func (m *Machine) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil
}

// Start begins executing a pending task. It fails if another task holds the
// run slot, if the task is not pending, or if the safety check fails. On a
// safety failure the task's phase is unchanged.
func (m *Machine) Start(taskID string) error {
	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		return ErrTaskAlreadyRunning
	}
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return ErrTaskNotFound
	}
	if t.Phase != PhasePending {
		m.mu.Unlock()
		return fmt.Errorf("%w: task %s is %s", ErrTaskNotPending, taskID, t.Phase)
	}
	// Hold the slot while the safety check runs so a concurrent Start
	// cannot slip in between check and claim. Mode is reset now so an
	// EmergencyAbort during the check is visible when the run is armed.
	m.current = t
	m.mode = stopNone
	m.modeInfo = ""
	m.mu.Unlock()

	if err := m.gate.Gate(); err != nil {
		m.releaseSlot()
		return err
	}
	if res := m.gate.CheckOnce(); !res.Safe {
		m.releaseSlot()
		return fmt.Errorf("safety check failed: %s", joinViolations(res.Violations))
	}

	recipe := m.recipes(t.RecipeID)
	if recipe == nil {
		m.releaseSlot()
		return fmt.Errorf("unknown recipe: %s", t.RecipeID)
	}

	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if m.mode == stopAbort {
		// EmergencyAbort landed while the safety check was in flight. The
		// abort saw the claimed slot, so honor it: the task fails and the
		// run never launches.
		info := m.modeInfo
		m.mu.Unlock()
		cancel()
		m.finish(t, PhaseFailed, info)
		m.alarms.Raise("production_abort", "produce", fmt.Sprintf("task %s aborted: %s", t.ID, info), true)
		return fmt.Errorf("emergency abort: %s", info)
	}
	now := time.Now()
	t.StartedAt = &now
	m.runCancel = cancel
	m.paused = false
	m.mu.Unlock()

	m.log("task %s started (recipe %s)", t.ID, recipe.Name)

	m.runWG.Add(1)
	go m.run(ctx, t, recipe)
	return nil
}

func (m *Machine) releaseSlot() {
	m.mu.Lock()
	m.current = nil
	m.runCancel = nil
	m.mode = stopNone
	m.modeInfo = ""
	m.mu.Unlock()
}

// Pause suspends phase progress. Valid only while a task is running.
func (m *Machine) Pause() error {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return ErrNoTaskRunning
	}
	if m.paused {
		m.mu.Unlock()
		return ErrAlreadyPaused
	}
	m.paused = true
	m.current.Paused = true
	snapshot := *m.current
	m.mu.Unlock()

	m.log("task %s paused", snapshot.ID)
	m.emitPhase(snapshot)
	return nil
}

// Resume re-runs the safety check and, if it passes, lifts the pause.
func (m *Machine) Resume() error {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return ErrNoTaskRunning
	}
	if !m.paused {
		m.mu.Unlock()
		return ErrNotPaused
	}
	m.mu.Unlock()

	if err := m.gate.Gate(); err != nil {
		return err
	}
	if res := m.gate.CheckOnce(); !res.Safe {
		return fmt.Errorf("cannot resume, safety check failed: %s", joinViolations(res.Violations))
	}

	m.mu.Lock()
	m.paused = false
	if m.current != nil {
		m.current.Paused = false
		snapshot := *m.current
		m.mu.Unlock()
		m.emitPhase(snapshot)
		return nil
	}
	m.mu.Unlock()
	return nil
}

// Stop forces an orderly halt: equipment stop commands are issued and the
// task is marked completed without discharge. Planned termination, not a
// failure path.
func (m *Machine) Stop(reason string) error {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return ErrNoTaskRunning
	}
	m.mode = stopPlanned
	m.modeInfo = reason
	cancel := m.runCancel
	m.mu.Unlock()

	m.log("orderly stop requested: %s", reason)
	if cancel != nil {
		cancel()
	}
	return nil
}

// RequestStop satisfies the safety engine's controlled-stop escalation.
func (m *Machine) RequestStop(reason string) error {
	err := m.Stop(reason)
	if errors.Is(err, ErrNoTaskRunning) {
		return nil // Nothing to stop
	}
	return err
}

// EmergencyAbort immediately halts all actuation, marks the running task
// failed, and raises a critical alarm. It bypasses pause entirely and
// interrupts any in-progress wait via the run context.
func (m *Machine) EmergencyAbort(reason string) {
	m.mu.Lock()
	t := m.current
	m.mode = stopAbort
	m.modeInfo = reason
	cancel := m.runCancel
	m.mu.Unlock()

	// Halt actuation immediately, before the run loop unwinds.
	m.allStop()

	if t == nil {
		return
	}
	m.log("EMERGENCY ABORT: %s", reason)
	if cancel != nil {
		cancel()
	}
}

// WatchdogCheck runs the safety check while a task is active and aborts on
// failure. Registered with the scheduler so violations discovered outside
// the state machine become a controlled task failure.
func (m *Machine) WatchdogCheck() {
	if !m.Running() {
		return
	}
	// The gate catches an operator latch even when no rule is violated.
	if err := m.gate.Gate(); err != nil {
		m.EmergencyAbort("watchdog: " + err.Error())
		return
	}
	if res := m.gate.CheckOnce(); !res.Safe {
		m.EmergencyAbort("watchdog: " + joinViolations(res.Violations))
	}
}

// allStop issues stop commands to every actuator the machine owns.
// Best effort; write failures are logged, not propagated.
func (m *Machine) allStop() {
	stops := []string{m.settings.MixerMotorPoint, m.settings.DischargeValvePoint}

	m.mu.Lock()
	t := m.current
	m.mu.Unlock()
	if t != nil {
		if recipe := m.recipes(t.RecipeID); recipe != nil {
			for _, mat := range recipe.Materials {
				stops = append(stops, mat.ValvePoint)
			}
		}
	}

	for _, name := range stops {
		if name == "" {
			continue
		}
		if err := m.io.Write(name, false); err != nil {
			m.log("all-stop write %s: %v", name, err)
		}
	}
}

// setPhase updates the running task's phase and fires the callback.
func (m *Machine) setPhase(t *Task, phase Phase) {
	m.mu.Lock()
	t.Phase = phase
	snapshot := *t
	m.mu.Unlock()

	m.log("task %s -> %s", t.ID, phase)
	m.emitPhase(snapshot)
}

// run executes the task's phases sequentially. It is the only goroutine
// that mutates the task's phase while running.
func (m *Machine) run(ctx context.Context, t *Task, recipe *config.RecipeConfig) {
	defer m.runWG.Done()

	err := m.runPhases(ctx, t, recipe)

	m.mu.Lock()
	mode := m.mode
	info := m.modeInfo
	m.mu.Unlock()

	switch {
	case err == nil:
		m.finish(t, PhaseCompleted, "")
	case mode == stopPlanned:
		// Orderly halt: stop equipment, complete without discharge.
		m.allStop()
		m.finish(t, PhaseCompleted, "stopped by operator: "+info)
	case mode == stopAbort:
		m.allStop()
		m.finish(t, PhaseFailed, info)
		m.alarms.Raise("production_abort", "produce", fmt.Sprintf("task %s aborted: %s", t.ID, info), true)
	default:
		// Phase-level failure (I/O fault or similar)
		m.allStop()
		m.finish(t, PhaseFailed, err.Error())
		m.alarms.Raise("production_fault", "produce", fmt.Sprintf("task %s failed: %v", t.ID, err), true)
	}
}

// finish stamps the end time, records history, and releases the run slot.
func (m *Machine) finish(t *Task, phase Phase, note string) {
	m.mu.Lock()
	now := time.Now()
	t.Phase = phase
	t.Paused = false
	t.EndedAt = &now
	t.FailReason = ""
	if phase == PhaseFailed {
		t.FailReason = note
	}
	snapshot := *t
	m.current = nil
	m.runCancel = nil
	m.mode = stopNone
	m.modeInfo = ""
	m.paused = false
	m.mu.Unlock()

	m.history.Record(HistoryRecord{
		TaskID:    snapshot.ID,
		RecipeID:  snapshot.RecipeID,
		Quantity:  snapshot.Quantity,
		StartedAt: derefTime(snapshot.StartedAt),
		EndedAt:   now,
		Outcome:   string(phase),
		Note:      note,
	})

	m.log("task %s finished: %s %s", snapshot.ID, phase, note)
	m.emitPhase(snapshot)
}

func (m *Machine) runPhases(ctx context.Context, t *Task, recipe *config.RecipeConfig) error {
	m.setPhase(t, PhaseWeighing)
	if err := m.weigh(ctx, t, recipe); err != nil {
		return err
	}

	m.setPhase(t, PhaseMixing)
	if err := m.mix(ctx, t, recipe); err != nil {
		return err
	}

	m.setPhase(t, PhaseDischarging)
	if err := m.discharge(ctx, t); err != nil {
		return err
	}
	return nil
}

// weigh doses each material in recipe order: open the valve, poll the scale
// until the weight reaches the tolerance band of target, then close the
// valve. Load cells overshoot, so completion is tolerance*target, not 100%.
func (m *Machine) weigh(ctx context.Context, t *Task, recipe *config.RecipeConfig) error {
	for _, mat := range recipe.Materials {
		target := mat.PerBatch * t.Quantity
		threshold := target * m.settings.WeighTolerancePct

		m.mu.Lock()
		t.CurrentMaterial = mat.Name
		m.mu.Unlock()

		m.log("weighing %s: target %.2f (complete at %.2f)", mat.Name, target, threshold)

		if err := m.io.Write(mat.ValvePoint, true); err != nil {
			return fmt.Errorf("open valve %s: %w", mat.ValvePoint, err)
		}

		for {
			if err := ctx.Err(); err != nil {
				return err
			}

			if m.isPaused() {
				// Close the feed before suspending progress.
				if err := m.io.Write(mat.ValvePoint, false); err != nil {
					return fmt.Errorf("close valve %s for pause: %w", mat.ValvePoint, err)
				}
				if err := m.waitWhilePaused(ctx); err != nil {
					return err
				}
				if err := m.io.Write(mat.ValvePoint, true); err != nil {
					return fmt.Errorf("reopen valve %s: %w", mat.ValvePoint, err)
				}
				continue
			}

			weight, quality, err := m.io.Read(mat.ScalePoint)
			if err == nil && quality == points.QualityGood {
				w, convErr := toFloat(weight)
				if convErr == nil && w >= threshold {
					break
				}
			}

			if err := sleepCtx(ctx, m.settings.PollInterval); err != nil {
				return err
			}
		}

		if err := m.io.Write(mat.ValvePoint, false); err != nil {
			return fmt.Errorf("close valve %s: %w", mat.ValvePoint, err)
		}
		m.log("weighing %s complete", mat.Name)
	}

	m.mu.Lock()
	t.CurrentMaterial = ""
	m.mu.Unlock()
	return nil
}

// mix runs the recipe's countdown, pausing the motor drive during a pause
// without resetting the remaining time.
func (m *Machine) mix(ctx context.Context, t *Task, recipe *config.RecipeConfig) error {
	if err := m.io.Write(m.settings.MixerMotorPoint, true); err != nil {
		return fmt.Errorf("start mixer: %w", err)
	}

	remaining := recipe.MixSeconds
	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		if m.isPaused() {
			if err := m.io.Write(m.settings.MixerMotorPoint, false); err != nil {
				return fmt.Errorf("pause mixer: %w", err)
			}
			if err := m.waitWhilePaused(ctx); err != nil {
				return err
			}
			if err := m.io.Write(m.settings.MixerMotorPoint, true); err != nil {
				return fmt.Errorf("resume mixer: %w", err)
			}
			continue
		}

		if err := sleepCtx(ctx, time.Second); err != nil {
			return err
		}
		remaining--

		m.mu.Lock()
		t.MixRemaining = remaining
		m.mu.Unlock()
	}

	return m.io.Write(m.settings.MixerMotorPoint, false)
}

// discharge opens the gate and polls the mixer weight until near empty.
func (m *Machine) discharge(ctx context.Context, t *Task) error {
	if err := m.io.Write(m.settings.DischargeValvePoint, true); err != nil {
		return fmt.Errorf("open discharge gate: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if m.isPaused() {
			if err := m.io.Write(m.settings.DischargeValvePoint, false); err != nil {
				return fmt.Errorf("close discharge gate for pause: %w", err)
			}
			if err := m.waitWhilePaused(ctx); err != nil {
				return err
			}
			if err := m.io.Write(m.settings.DischargeValvePoint, true); err != nil {
				return fmt.Errorf("reopen discharge gate: %w", err)
			}
			continue
		}

		weight, quality, err := m.io.Read(m.settings.MixerScalePoint)
		if err == nil && quality == points.QualityGood {
			w, convErr := toFloat(weight)
			if convErr == nil && w < m.settings.DischargeEmptyWeight {
				break
			}
		}

		if err := sleepCtx(ctx, m.settings.PollInterval); err != nil {
			return err
		}
	}

	return m.io.Write(m.settings.DischargeValvePoint, false)
}

func (m *Machine) isPaused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// waitWhilePaused blocks until the pause flag clears or the run is cancelled.
func (m *Machine) waitWhilePaused(ctx context.Context) error {
	for m.isPaused() {
		if err := sleepCtx(ctx, 50*time.Millisecond); err != nil {
			return err
		}
	}
	return nil
}

// sleepCtx waits for d or returns early when ctx is cancelled, so an abort
// never waits for the next natural poll boundary.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func joinViolations(vs []safety.Violation) string {
	if len(vs) == 0 {
		return "unknown violation"
	}
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = v.String()
	}
	return strings.Join(parts, "; ")
}

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
	default:
		return 0, fmt.Errorf("cannot read %T as weight", v)
	}
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
