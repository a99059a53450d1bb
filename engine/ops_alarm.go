package engine

// AcknowledgeAlarm marks an active alarm as seen by an operator.
func (e *Engine) AcknowledgeAlarm(id, who string) error {
	return e.alarmMgr.Acknowledge(id, who)
}

// ResolveAlarm closes out an alarm with an optional note.
func (e *Engine) ResolveAlarm(id, who, note string) error {
	return e.alarmMgr.Resolve(id, who, note)
}

// ReplayFailedSync moves permanently failed sync items back to pending.
func (e *Engine) ReplayFailedSync() (int, error) {
	if e.queue == nil {
		return 0, nil
	}
	return e.queue.ReplayFailed()
}
