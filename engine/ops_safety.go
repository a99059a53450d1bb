package engine

import (
	"fmt"

	"batchlink/config"
	"batchlink/safety"
)

// SafetyStatus reports the last rule evaluation and the latch state.
func (e *Engine) SafetyStatus() (safety.CheckResult, bool, string) {
	latched, reason := e.safetyEng.Latched()
	return e.safetyEng.LastResult(), latched, reason
}

// TriggerEmergencyStop latches the emergency stop on operator request.
func (e *Engine) TriggerEmergencyStop(reason string) {
	e.safetyEng.TriggerEmergencyStop(reason)
}

// ResetEmergencyStop clears the latch after a clean safety re-check.
func (e *Engine) ResetEmergencyStop(operator string) error {
	return e.safetyEng.ResetEmergencyStop(operator)
}

// CreateRule adds a safety rule and reloads the engine's rule set. The rule
// is validated against the point table first: a rule with a bad comparator or
// action would evaluate as permanently safe, which is worse than refusing it.
func (e *Engine) CreateRule(r config.SafetyRuleConfig) error {
	e.cfg.Lock()
	if err := e.cfg.ValidateRule(r); err != nil {
		e.cfg.Unlock()
		return err
	}
	if e.cfg.FindRule(r.ID) != nil {
		e.cfg.Unlock()
		return fmt.Errorf("rule already exists: %s", r.ID)
	}
	e.cfg.AddRule(r)
	rules := append([]config.SafetyRuleConfig(nil), e.cfg.Rules...)
	if err := e.saveConfig(); err != nil {
		return err
	}

	e.safetyEng.LoadRules(rules)
	e.emit(EventConfigChanged, SystemEvent{Detail: "rule created: " + r.ID})
	return nil
}

// DeleteRule removes a safety rule and reloads the engine's rule set.
func (e *Engine) DeleteRule(id string) error {
	e.cfg.Lock()
	if !e.cfg.RemoveRule(id) {
		e.cfg.Unlock()
		return fmt.Errorf("rule not found: %s", id)
	}
	rules := append([]config.SafetyRuleConfig(nil), e.cfg.Rules...)
	if err := e.saveConfig(); err != nil {
		return err
	}

	e.safetyEng.LoadRules(rules)
	e.emit(EventConfigChanged, SystemEvent{Detail: "rule deleted: " + id})
	return nil
}
