// Package points provides the data point registry: a protocol-independent
// mapping from symbolic names to field bus addresses, with quality-flagged
// value caching and read/write dispatch to the owning protocol client.
package points

import (
	"fmt"
	"sync"
	"time"

	"batchlink/config"
	"batchlink/driver"
)

// Quality marks whether a cached value reflects a currently healthy transport.
type Quality string

const (
	QualityGood      Quality = "good"
	QualityBad       Quality = "bad"
	QualityUncertain Quality = "uncertain"
)

// Value is a quality-flagged data point reading.
type Value struct {
	Name      string           `json:"name"`
	Value     interface{}      `json:"value"`
	Quality   Quality          `json:"quality"`
	Timestamp time.Time        `json:"timestamp"`
	Type      config.PointType `json:"type,omitempty"`
}

// point is the registry's record for one data point. The struct is owned
// exclusively by the registry; consumers only ever see Value copies, so a
// torn (value, quality) pair cannot be observed.
type point struct {
	cfg config.PointConfig

	mu      sync.RWMutex
	value   interface{}
	quality Quality
	updated time.Time
}

func (p *point) get() Value {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Value{
		Name:      p.cfg.Name,
		Value:     p.value,
		Quality:   p.quality,
		Timestamp: p.updated,
		Type:      p.cfg.Type,
	}
}

func (p *point) set(value interface{}, quality Quality, at time.Time) {
	p.mu.Lock()
	p.value = value
	p.quality = quality
	p.updated = at
	p.mu.Unlock()
}

// markQuality downgrades quality without touching the cached value.
func (p *point) markQuality(q Quality) {
	p.mu.Lock()
	p.quality = q
	p.mu.Unlock()
}

// Registry dispatches reads and writes to the correct protocol client and
// owns the authoritative cache of last-known values.
type Registry struct {
	mu      sync.RWMutex
	points  map[string]*point
	order   []string // configuration order, for stable iteration
	clients map[config.Protocol]driver.Client

	store *Store
	audit *AuditTrail

	onUpdate func(Value)
	logFn    func(format string, args ...interface{})
}

// NewRegistry creates a registry over the given protocol clients. store may
// be nil to disable persistence.
func NewRegistry(clients map[config.Protocol]driver.Client, store *Store) *Registry {
	return &Registry{
		points:  make(map[string]*point),
		clients: clients,
		store:   store,
		audit:   NewAuditTrail(1024),
	}
}

// SetLogFunc sets the logging callback.
func (r *Registry) SetLogFunc(fn func(format string, args ...interface{})) {
	r.mu.Lock()
	r.logFn = fn
	r.mu.Unlock()
}

// SetOnUpdate sets a callback fired after every successful read or write
// that changes a point's cached value.
func (r *Registry) SetOnUpdate(fn func(Value)) {
	r.mu.Lock()
	r.onUpdate = fn
	r.mu.Unlock()
}

func (r *Registry) log(format string, args ...interface{}) {
	r.mu.RLock()
	fn := r.logFn
	r.mu.RUnlock()
	if fn != nil {
		fn("[Points] "+format, args...)
	}
}

func (r *Registry) emit(v Value) {
	r.mu.RLock()
	fn := r.onUpdate
	r.mu.RUnlock()
	if fn != nil {
		fn(v)
	}
}

// LoadFromConfig bootstraps the registry from the configured point table.
// Persisted last-known values are restored with quality uncertain; they are
// stale until the first fresh read confirms them.
func (r *Registry) LoadFromConfig(pts []config.PointConfig) error {
	r.mu.Lock()
	for _, cfg := range pts {
		if _, exists := r.points[cfg.Name]; exists {
			r.mu.Unlock()
			return fmt.Errorf("duplicate point name: %s", cfg.Name)
		}
		r.points[cfg.Name] = &point{cfg: cfg, quality: QualityUncertain}
		r.order = append(r.order, cfg.Name)
	}
	r.mu.Unlock()

	if r.store != nil {
		restored, err := r.store.LoadAll()
		if err != nil {
			r.log("snapshot restore failed: %v", err)
			return nil
		}
		n := 0
		for _, v := range restored {
			r.mu.RLock()
			p := r.points[v.Name]
			r.mu.RUnlock()
			if p != nil {
				p.set(v.Value, QualityUncertain, v.Timestamp)
				n++
			}
		}
		if n > 0 {
			r.log("restored %d point values from snapshot", n)
		}
	}
	return nil
}

// Reconfigure replaces the point table. Existing cached values survive for
// points whose name is retained; removed points drop out of the registry.
func (r *Registry) Reconfigure(pts []config.PointConfig) error {
	seen := make(map[string]bool, len(pts))
	for _, cfg := range pts {
		if seen[cfg.Name] {
			return fmt.Errorf("duplicate point name: %s", cfg.Name)
		}
		seen[cfg.Name] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]*point, len(pts))
	order := make([]string, 0, len(pts))
	for _, cfg := range pts {
		if old, ok := r.points[cfg.Name]; ok && old.cfg == cfg {
			next[cfg.Name] = old
		} else {
			next[cfg.Name] = &point{cfg: cfg, quality: QualityUncertain}
		}
		order = append(order, cfg.Name)
	}
	r.points = next
	r.order = order
	return nil
}

func (r *Registry) lookup(name string) (*point, driver.Client, error) {
	r.mu.RLock()
	p := r.points[name]
	var client driver.Client
	if p != nil {
		client = r.clients[p.cfg.Protocol]
	}
	r.mu.RUnlock()

	if p == nil {
		return nil, nil, fmt.Errorf("unknown data point: %s", name)
	}
	if client == nil {
		return nil, nil, fmt.Errorf("no client for protocol %s (point %s)", p.cfg.Protocol, name)
	}
	return p, client, nil
}

// Read returns the point's value and quality. When the owning client is
// unhealthy it fails fast: the last cached value is returned with quality
// bad and no I/O is attempted. A read error likewise downgrades quality and
// surfaces the error alongside the cached value.
func (r *Registry) Read(name string) (interface{}, Quality, error) {
	p, client, err := r.lookup(name)
	if err != nil {
		return nil, QualityBad, err
	}

	if !client.Healthy() {
		p.markQuality(QualityBad)
		v := p.get()
		r.audit.Record(AuditRead, name, v.Value, QualityBad, driver.ErrNotConnected)
		return v.Value, QualityBad, nil
	}

	results, err := client.ReadPoints([]driver.PointRequest{{Address: p.cfg.Address, Type: p.cfg.Type}})
	if err != nil {
		p.markQuality(QualityBad)
		v := p.get()
		r.audit.Record(AuditRead, name, v.Value, QualityBad, err)
		return v.Value, QualityBad, err
	}
	if len(results) == 0 || results[0].Err != nil {
		var rerr error = fmt.Errorf("empty read response for %s", name)
		if len(results) > 0 {
			rerr = results[0].Err
		}
		p.markQuality(QualityBad)
		v := p.get()
		r.audit.Record(AuditRead, name, v.Value, QualityBad, rerr)
		return v.Value, QualityBad, rerr
	}

	now := time.Now()
	p.set(results[0].Value, QualityGood, now)
	v := p.get()
	r.audit.Record(AuditRead, name, v.Value, QualityGood, nil)
	r.emit(v)
	return v.Value, QualityGood, nil
}

// ReadMany reads a set of points, fanning out one batch per protocol so each
// client keeps its own batch semantics. Results preserve the requested order.
func (r *Registry) ReadMany(names []string) []Value {
	type entry struct {
		p   *point
		pos int
	}
	byProto := make(map[config.Protocol][]entry)
	out := make([]Value, len(names))

	for i, name := range names {
		r.mu.RLock()
		p := r.points[name]
		r.mu.RUnlock()
		if p == nil {
			out[i] = Value{Name: name, Quality: QualityBad}
			continue
		}
		byProto[p.cfg.Protocol] = append(byProto[p.cfg.Protocol], entry{p: p, pos: i})
	}

	for proto, entries := range byProto {
		r.mu.RLock()
		client := r.clients[proto]
		r.mu.RUnlock()

		if client == nil || !client.Healthy() {
			for _, e := range entries {
				e.p.markQuality(QualityBad)
				out[e.pos] = e.p.get()
			}
			continue
		}

		reqs := make([]driver.PointRequest, len(entries))
		for i, e := range entries {
			reqs[i] = driver.PointRequest{Address: e.p.cfg.Address, Type: e.p.cfg.Type}
		}

		results, err := client.ReadPoints(reqs)
		if err != nil || len(results) != len(entries) {
			for _, e := range entries {
				e.p.markQuality(QualityBad)
				out[e.pos] = e.p.get()
			}
			continue
		}

		now := time.Now()
		for i, e := range entries {
			if results[i].Err != nil {
				e.p.markQuality(QualityBad)
			} else {
				e.p.set(results[i].Value, QualityGood, now)
				r.emit(e.p.get())
			}
			out[e.pos] = e.p.get()
		}
	}

	return out
}

// Write dispatches a value to the point's actuator address. Writes are
// rejected outright while the owning client is unhealthy.
func (r *Registry) Write(name string, value interface{}) error {
	p, client, err := r.lookup(name)
	if err != nil {
		return err
	}
	if !p.cfg.Writable {
		return fmt.Errorf("point %s is not writable", name)
	}
	if !client.Healthy() {
		r.audit.Record(AuditWrite, name, value, QualityBad, driver.ErrNotConnected)
		return fmt.Errorf("write %s rejected: %w", name, driver.ErrNotConnected)
	}

	err = client.WritePoints([]driver.PointWrite{{Address: p.cfg.Address, Type: p.cfg.Type, Value: value}})
	if err != nil {
		r.audit.Record(AuditWrite, name, value, QualityBad, err)
		return err
	}

	now := time.Now()
	p.set(value, QualityGood, now)
	v := p.get()
	r.audit.Record(AuditWrite, name, value, QualityGood, nil)
	r.emit(v)
	return nil
}

// Poll refreshes every registered point from its field bus. Intended to be
// driven by the scheduler's fast poll job.
func (r *Registry) Poll() {
	r.mu.RLock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	r.mu.RUnlock()

	if len(names) > 0 {
		r.ReadMany(names)
	}
}

// Snapshot returns the current cached value of every point in config order.
func (r *Registry) Snapshot() []Value {
	r.mu.RLock()
	pts := make([]*point, 0, len(r.order))
	for _, name := range r.order {
		if p := r.points[name]; p != nil {
			pts = append(pts, p)
		}
	}
	r.mu.RUnlock()

	out := make([]Value, len(pts))
	for i, p := range pts {
		out[i] = p.get()
	}
	return out
}

// Get returns the cached value of one point without touching the field bus.
func (r *Registry) Get(name string) (Value, bool) {
	r.mu.RLock()
	p := r.points[name]
	r.mu.RUnlock()
	if p == nil {
		return Value{}, false
	}
	return p.get(), true
}

// Persist writes the current snapshot to the backing store in one transaction.
func (r *Registry) Persist() error {
	if r.store == nil {
		return nil
	}
	return r.store.SaveAll(r.Snapshot())
}

// Audit returns the most recent audit records, newest last.
func (r *Registry) Audit(limit int) []AuditRecord {
	return r.audit.Recent(limit)
}
