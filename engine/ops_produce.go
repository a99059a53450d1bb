package engine

import "batchlink/produce"

// CreateTask registers a new production task for a recipe.
func (e *Engine) CreateTask(recipeID string, quantity float64) (produce.Task, error) {
	t, err := e.machine.CreateTask(recipeID, quantity)
	if err != nil {
		return produce.Task{}, err
	}
	e.emit(EventTaskCreated, TaskEvent{TaskID: t.ID, Phase: string(t.Phase)})
	return t, nil
}

// StartTask begins executing a pending task.
func (e *Engine) StartTask(taskID string) error {
	return e.machine.Start(taskID)
}

// PauseTask suspends the running task.
func (e *Engine) PauseTask() error {
	return e.machine.Pause()
}

// ResumeTask continues a paused task after a fresh safety check.
func (e *Engine) ResumeTask() error {
	return e.machine.Resume()
}

// StopTask performs an orderly stop of the running task.
func (e *Engine) StopTask(reason string) error {
	return e.machine.Stop(reason)
}
