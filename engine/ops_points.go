package engine

import (
	"fmt"

	"batchlink/config"
	"batchlink/points"
)

// ReadPoint performs an on-demand read of one point.
func (e *Engine) ReadPoint(name string) (points.Value, error) {
	value, quality, err := e.registry.Read(name)
	if err != nil {
		return points.Value{}, err
	}
	v, _ := e.registry.Get(name)
	v.Value = value
	v.Quality = quality
	return v, nil
}

// WritePoint writes a value to a writable point and emits the write event.
func (e *Engine) WritePoint(name string, value interface{}) error {
	if err := e.registry.Write(name, value); err != nil {
		return err
	}
	e.emit(EventPointWritten, PointEvent{Name: name, Value: value})
	return nil
}

// CreatePoint adds a point to the configuration and the live registry.
func (e *Engine) CreatePoint(p config.PointConfig) error {
	if p.Name == "" {
		return fmt.Errorf("point name required")
	}

	e.cfg.Lock()
	if e.cfg.FindPoint(p.Name) != nil {
		e.cfg.Unlock()
		return fmt.Errorf("point already exists: %s", p.Name)
	}
	e.cfg.AddPoint(p)
	pts := append([]config.PointConfig(nil), e.cfg.Points...)
	if err := e.saveConfig(); err != nil {
		return err
	}

	if err := e.registry.Reconfigure(pts); err != nil {
		return err
	}
	e.emit(EventPointCreated, PointEvent{Name: p.Name})
	return nil
}

// DeletePoint removes a point from the configuration and the live registry.
func (e *Engine) DeletePoint(name string) error {
	e.cfg.Lock()
	if !e.cfg.RemovePoint(name) {
		e.cfg.Unlock()
		return fmt.Errorf("point not found: %s", name)
	}
	pts := append([]config.PointConfig(nil), e.cfg.Points...)
	if err := e.saveConfig(); err != nil {
		return err
	}

	if err := e.registry.Reconfigure(pts); err != nil {
		return err
	}
	e.emit(EventPointDeleted, PointEvent{Name: name})
	return nil
}
