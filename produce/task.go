// Package produce executes production tasks through their weighing, mixing,
// and discharge phases, one task at a time, under safety gating.
package produce

import (
	"time"

	"github.com/google/uuid"
)

// Phase is a production task's lifecycle step. Completed and failed are
// terminal; paused is an overlay flag, not a phase.
type Phase string

const (
	PhasePending     Phase = "pending"
	PhaseWeighing    Phase = "weighing"
	PhaseMixing      Phase = "mixing"
	PhaseDischarging Phase = "discharging"
	PhaseCompleted   Phase = "completed"
	PhaseFailed      Phase = "failed"
)

// Terminal reports whether the phase is final.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Task is a snapshot of one production task. The machine owns the mutable
// record; callers only ever see copies.
type Task struct {
	ID       string  `json:"id"`
	RecipeID string  `json:"recipe_id"`
	Quantity float64 `json:"quantity"`

	Phase  Phase `json:"phase"`
	Paused bool  `json:"paused"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	FailReason string `json:"fail_reason,omitempty"`

	// Progress detail for operators
	CurrentMaterial string `json:"current_material,omitempty"`
	MixRemaining    int    `json:"mix_remaining,omitempty"`
}

// newTask creates a pending task.
func newTask(recipeID string, quantity float64) *Task {
	return &Task{
		ID:        uuid.NewString(),
		RecipeID:  recipeID,
		Quantity:  quantity,
		Phase:     PhasePending,
		CreatedAt: time.Now(),
	}
}
