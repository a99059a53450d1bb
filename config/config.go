// Package config handles configuration persistence for the batchlink edge controller.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigListenerID is a unique identifier for a config change listener.
type ConfigListenerID string

// Protocol identifies the field bus a data point is bound to.
type Protocol string

const (
	ProtocolModbus Protocol = "modbus" // fixed register/coil addressing
	ProtocolOPCUA  Protocol = "opcua"  // node/variable addressing
	ProtocolEIP    Protocol = "eip"    // symbolic tag addressing
)

// PointType is the decoded value type of a data point.
type PointType string

const (
	TypeInt    PointType = "int"
	TypeFloat  PointType = "float"
	TypeBool   PointType = "bool"
	TypeString PointType = "string"
)

// PointConfig binds a symbolic name to a protocol address.
type PointConfig struct {
	Name     string    `yaml:"name"`
	Protocol Protocol  `yaml:"protocol"`
	Address  string    `yaml:"address"`
	Type     PointType `yaml:"type"`
	Writable bool      `yaml:"writable,omitempty"`
}

// BusConfig holds connection parameters for one protocol client.
type BusConfig struct {
	Protocol  Protocol      `yaml:"protocol"`
	Enabled   bool          `yaml:"enabled"`
	Endpoint  string        `yaml:"endpoint"` // host:port, or opc.tcp:// URL for OPC-UA
	UnitID    int           `yaml:"unit_id,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`         // per-request I/O timeout
	Reconnect time.Duration `yaml:"reconnect_delay,omitempty"` // fixed delay between reconnect attempts
}

// RuleKind identifies the class of condition a safety rule checks.
type RuleKind string

const (
	RuleTemperature     RuleKind = "temperature"
	RulePressure        RuleKind = "pressure"
	RuleVibration       RuleKind = "vibration"
	RuleDoor            RuleKind = "door"
	RuleEmergencyButton RuleKind = "emergencyButton"
	RuleCustom          RuleKind = "custom"
)

// Comparator determines how a rule's threshold is compared against the live value.
type Comparator string

const (
	CompareGreater Comparator = "greaterThan"
	CompareLess    Comparator = "lessThan"
	CompareEqual   Comparator = "equals"
)

// RuleAction is the escalation taken when a safety rule is violated.
type RuleAction string

const (
	ActionAlarm          RuleAction = "alarm"
	ActionControlledStop RuleAction = "controlledStop"
	ActionEmergencyStop  RuleAction = "emergencyStop"
)

// SafetyRuleConfig defines one threshold rule over a data point.
type SafetyRuleConfig struct {
	ID         string     `yaml:"id"`
	Kind       RuleKind   `yaml:"kind"`
	Point      string     `yaml:"point"` // symbolic data point name
	Comparator Comparator `yaml:"comparator"`
	Threshold  float64    `yaml:"threshold"`
	Action     RuleAction `yaml:"action"`
	Enabled    bool       `yaml:"enabled"`
}

// MaterialConfig is one ingredient in a recipe, weighed in list order.
type MaterialConfig struct {
	Name       string  `yaml:"name"`
	ValvePoint string  `yaml:"valve_point"` // actuator opened during weighing
	ScalePoint string  `yaml:"scale_point"` // instantaneous weight feedback
	PerBatch   float64 `yaml:"per_batch"`   // amount per unit of task quantity
}

// RecipeConfig describes one producible recipe.
type RecipeConfig struct {
	ID         string           `yaml:"id"`
	Name       string           `yaml:"name"`
	Materials  []MaterialConfig `yaml:"materials"`
	MixSeconds int              `yaml:"mix_seconds"`
}

// ControlConfig holds production tunables and the fixed equipment points.
// Tolerance values default to the observed plant calibration and should be
// confirmed per installation.
type ControlConfig struct {
	MixerMotorPoint      string        `yaml:"mixer_motor_point"`
	DischargeValvePoint  string        `yaml:"discharge_valve_point"`
	MixerScalePoint      string        `yaml:"mixer_scale_point"`
	WeighTolerancePct    float64       `yaml:"weigh_tolerance_pct"`    // weighing completes at tolerance*target
	DischargeEmptyWeight float64       `yaml:"discharge_empty_weight"` // mixer considered empty below this
	PollInterval         time.Duration `yaml:"poll_interval"`
	WatchdogInterval     time.Duration `yaml:"watchdog_interval"`
}

// SyncConfig holds outbound delivery settings for the central server.
type SyncConfig struct {
	Enabled      bool          `yaml:"enabled"`
	ServerURL    string        `yaml:"server_url"`
	SiteID       string        `yaml:"site_id"`
	StorePath    string        `yaml:"store_path"`
	RetryCeiling int           `yaml:"retry_ceiling,omitempty"` // attempts before an item is failed
	HTTPTimeout  time.Duration `yaml:"http_timeout,omitempty"`
	ProbeTimeout time.Duration `yaml:"probe_timeout,omitempty"`
	DrainBatch   int           `yaml:"drain_batch,omitempty"`
	Retention    time.Duration `yaml:"retention,omitempty"` // delivered items purged past this
}

// MQTTConfig holds local dashboard broker settings.
type MQTTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Broker    string `yaml:"broker"`
	Port      int    `yaml:"port"`
	Username  string `yaml:"username,omitempty"`
	Password  string `yaml:"password,omitempty"`
	ClientID  string `yaml:"client_id"`
	RootTopic string `yaml:"root_topic"`
	UseTLS    bool   `yaml:"use_tls,omitempty"`
}

// KafkaConfig holds historian telemetry export settings.
type KafkaConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	TopicPrefix   string        `yaml:"topic_prefix,omitempty"`
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	MaxRetries    int           `yaml:"max_retries,omitempty"`
	RetryBackoff  time.Duration `yaml:"retry_backoff,omitempty"`
}

// ValkeyConfig holds the last-value cache settings.
type ValkeyConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Address  string        `yaml:"address"`
	Password string        `yaml:"password,omitempty"`
	Database int           `yaml:"database"`
	KeyTTL   time.Duration `yaml:"key_ttl,omitempty"`
	UseTLS   bool          `yaml:"use_tls,omitempty"`
}

// APIConfig holds the operator HTTP surface settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// AlarmConfig holds alarm lifecycle tunables.
type AlarmConfig struct {
	EscalateAfter time.Duration `yaml:"escalate_after,omitempty"` // active alarms older than this age one step
	Retention     time.Duration `yaml:"retention,omitempty"`      // resolved alarms purged past this
}

// Config holds the complete application configuration.
type Config struct {
	Namespace      string             `yaml:"namespace"` // instance namespace for topic/key isolation
	Buses          []BusConfig        `yaml:"buses"`
	Points         []PointConfig      `yaml:"points"`
	Rules          []SafetyRuleConfig `yaml:"rules,omitempty"`
	Recipes        []RecipeConfig     `yaml:"recipes,omitempty"`
	Control        ControlConfig      `yaml:"control"`
	Sync           SyncConfig         `yaml:"sync"`
	MQTT           MQTTConfig         `yaml:"mqtt,omitempty"`
	Kafka          KafkaConfig        `yaml:"kafka,omitempty"`
	Valkey         ValkeyConfig       `yaml:"valkey,omitempty"`
	API            APIConfig          `yaml:"api"`
	Alarms         AlarmConfig        `yaml:"alarms,omitempty"`
	PointStorePath string             `yaml:"point_store_path,omitempty"`

	// Data mutex protects all config fields against concurrent access.
	// Callers that modify config should Lock(), modify, then call UnlockAndSave().
	// Save() acquires the lock internally for callers that don't hold it.
	dataMu sync.Mutex `yaml:"-"`

	// Change listeners (not serialized)
	changeListeners map[ConfigListenerID]func() `yaml:"-"`
	listenersMu     sync.RWMutex                `yaml:"-"`
	listenerCounter uint64                      `yaml:"-"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Buses:   []BusConfig{},
		Points:  []PointConfig{},
		Recipes: []RecipeConfig{},
		Control: ControlConfig{
			MixerMotorPoint:      "mixer_motor",
			DischargeValvePoint:  "discharge_valve",
			MixerScalePoint:      "mixer_weight",
			WeighTolerancePct:    0.98,
			DischargeEmptyWeight: 10,
			PollInterval:         200 * time.Millisecond,
			WatchdogInterval:     3 * time.Second,
		},
		Sync: SyncConfig{
			RetryCeiling: 3,
			HTTPTimeout:  10 * time.Second,
			ProbeTimeout: 5 * time.Second,
			DrainBatch:   50,
			Retention:    24 * time.Hour,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
		},
		Alarms: AlarmConfig{
			EscalateAfter: 30 * time.Minute,
			Retention:     7 * 24 * time.Hour,
		},
	}
}

// DefaultRules is the hard-coded safety fallback applied when no rules are
// configured. Thresholds are conservative and should be tuned per installation.
func DefaultRules() []SafetyRuleConfig {
	return []SafetyRuleConfig{
		{ID: "mixer-overtemp", Kind: RuleTemperature, Point: "mixer_temperature", Comparator: CompareGreater, Threshold: 85, Action: ActionControlledStop, Enabled: true},
		{ID: "hydraulic-overpressure", Kind: RulePressure, Point: "hydraulic_pressure", Comparator: CompareGreater, Threshold: 12, Action: ActionEmergencyStop, Enabled: true},
		{ID: "mixer-vibration", Kind: RuleVibration, Point: "mixer_vibration", Comparator: CompareGreater, Threshold: 8, Action: ActionAlarm, Enabled: true},
		{ID: "guard-door-open", Kind: RuleDoor, Point: "guard_door_closed", Comparator: CompareEqual, Threshold: 0, Action: ActionControlledStop, Enabled: true},
		{ID: "estop-button", Kind: RuleEmergencyButton, Point: "estop_button", Comparator: CompareEqual, Threshold: 1, Action: ActionEmergencyStop, Enabled: true},
	}
}

// DefaultPath returns the default configuration file path (~/.batchlink/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".batchlink", "config.yaml")
}

// defaultDataPath returns a file path under the application data directory.
func defaultDataPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".batchlink", name)
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	dirty := false

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		// File doesn't exist; start from defaults and persist them.
		dirty = true
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyDefaults()

	if dirty {
		cfg.Save(path) // Best-effort save
	}

	return cfg, nil
}

// applyDefaults fills zero-valued tunables after unmarshalling.
func (c *Config) applyDefaults() {
	if c.Control.WeighTolerancePct <= 0 || c.Control.WeighTolerancePct > 1 {
		c.Control.WeighTolerancePct = 0.98
	}
	if c.Control.DischargeEmptyWeight <= 0 {
		c.Control.DischargeEmptyWeight = 10
	}
	if c.Control.PollInterval <= 0 {
		c.Control.PollInterval = 200 * time.Millisecond
	}
	if c.Control.WatchdogInterval <= 0 {
		c.Control.WatchdogInterval = 3 * time.Second
	}
	if c.Sync.RetryCeiling <= 0 {
		c.Sync.RetryCeiling = 3
	}
	if c.Sync.HTTPTimeout <= 0 {
		c.Sync.HTTPTimeout = 10 * time.Second
	}
	if c.Sync.ProbeTimeout <= 0 {
		c.Sync.ProbeTimeout = 5 * time.Second
	}
	if c.Sync.DrainBatch <= 0 {
		c.Sync.DrainBatch = 50
	}
	if c.Sync.Retention <= 0 {
		c.Sync.Retention = 24 * time.Hour
	}
	if c.PointStorePath == "" {
		c.PointStorePath = defaultDataPath("points.db")
	}
	if c.Sync.StorePath == "" {
		c.Sync.StorePath = defaultDataPath("syncq.db")
	}
	if c.MQTT.RootTopic == "" {
		c.MQTT.RootTopic = "batchlink"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "batchlink-" + c.Namespace
	}
	if c.Alarms.EscalateAfter <= 0 {
		c.Alarms.EscalateAfter = 30 * time.Minute
	}
	if c.Alarms.Retention <= 0 {
		c.Alarms.Retention = 7 * 24 * time.Hour
	}
	for i := range c.Buses {
		if c.Buses[i].Timeout <= 0 {
			c.Buses[i].Timeout = 5 * time.Second
		}
		if c.Buses[i].Reconnect <= 0 {
			c.Buses[i].Reconnect = 10 * time.Second
		}
	}
}

// AddOnChangeListener registers a callback to be called when the config is saved.
// Returns an ID that can be used to remove the listener later.
func (c *Config) AddOnChangeListener(cb func()) ConfigListenerID {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	if c.changeListeners == nil {
		c.changeListeners = make(map[ConfigListenerID]func())
	}

	id := ConfigListenerID(fmt.Sprintf("listener-%d", atomic.AddUint64(&c.listenerCounter, 1)))
	c.changeListeners[id] = cb
	return id
}

// RemoveOnChangeListener removes a previously registered listener.
func (c *Config) RemoveOnChangeListener(id ConfigListenerID) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	delete(c.changeListeners, id)
}

// notifyChangeListeners calls all registered change listeners.
func (c *Config) notifyChangeListeners() {
	c.listenersMu.RLock()
	listeners := make([]func(), 0, len(c.changeListeners))
	for _, cb := range c.changeListeners {
		listeners = append(listeners, cb)
	}
	c.listenersMu.RUnlock()

	// Call listeners outside the lock to avoid deadlocks
	for _, cb := range listeners {
		go cb()
	}
}

// Lock acquires the config data mutex for exclusive access.
// Use this before modifying config fields, then call UnlockAndSave.
func (c *Config) Lock() { c.dataMu.Lock() }

// Unlock releases the config data mutex without saving.
// Prefer UnlockAndSave when modifications were made.
func (c *Config) Unlock() { c.dataMu.Unlock() }

// Save acquires the lock, marshals, writes, and notifies.
// Use this when the caller does not already hold the lock.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	return c.saveLocked(path)
}

// UnlockAndSave marshals, releases the lock, writes, and notifies.
// The caller must already hold the lock via Lock().
func (c *Config) UnlockAndSave(path string) error {
	return c.saveLocked(path)
}

// saveLocked marshals config (lock must be held), unlocks, then writes and notifies.
func (c *Config) saveLocked(path string) error {
	data, err := yaml.Marshal(c)
	c.dataMu.Unlock() // Release lock after marshal, before I/O

	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}

	// Notify listeners after successful save
	c.notifyChangeListeners()
	return nil
}

// FindPoint returns the point config with the given name, or nil if not found.
func (c *Config) FindPoint(name string) *PointConfig {
	for i := range c.Points {
		if c.Points[i].Name == name {
			return &c.Points[i]
		}
	}
	return nil
}

// AddPoint adds a new point configuration.
func (c *Config) AddPoint(p PointConfig) {
	c.Points = append(c.Points, p)
}

// RemovePoint removes a point by name.
func (c *Config) RemovePoint(name string) bool {
	for i, p := range c.Points {
		if p.Name == name {
			c.Points = append(c.Points[:i], c.Points[i+1:]...)
			return true
		}
	}
	return false
}

// UpdatePoint updates an existing point configuration.
func (c *Config) UpdatePoint(name string, updated PointConfig) bool {
	for i, p := range c.Points {
		if p.Name == name {
			c.Points[i] = updated
			return true
		}
	}
	return false
}

// FindRule returns the safety rule config with the given ID, or nil if not found.
func (c *Config) FindRule(id string) *SafetyRuleConfig {
	for i := range c.Rules {
		if c.Rules[i].ID == id {
			return &c.Rules[i]
		}
	}
	return nil
}

// AddRule adds a new safety rule configuration.
func (c *Config) AddRule(r SafetyRuleConfig) {
	c.Rules = append(c.Rules, r)
}

// RemoveRule removes a safety rule by ID.
func (c *Config) RemoveRule(id string) bool {
	for i, r := range c.Rules {
		if r.ID == id {
			c.Rules = append(c.Rules[:i], c.Rules[i+1:]...)
			return true
		}
	}
	return false
}

// UpdateRule updates an existing safety rule configuration.
func (c *Config) UpdateRule(id string, updated SafetyRuleConfig) bool {
	for i, r := range c.Rules {
		if r.ID == id {
			c.Rules[i] = updated
			return true
		}
	}
	return false
}

// FindRecipe returns the recipe with the given ID, or nil if not found.
func (c *Config) FindRecipe(id string) *RecipeConfig {
	for i := range c.Recipes {
		if c.Recipes[i].ID == id {
			return &c.Recipes[i]
		}
	}
	return nil
}

// FindBus returns the bus config for the given protocol, or nil if not found.
func (c *Config) FindBus(p Protocol) *BusConfig {
	for i := range c.Buses {
		if c.Buses[i].Protocol == p {
			return &c.Buses[i]
		}
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Namespace != "" && !IsValidNamespace(c.Namespace) {
		return fmt.Errorf("invalid namespace: must contain only alphanumeric characters, hyphens, and underscores")
	}
	seen := make(map[string]bool, len(c.Points))
	for _, p := range c.Points {
		if p.Name == "" {
			return fmt.Errorf("point with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate point name: %s", p.Name)
		}
		seen[p.Name] = true
		switch p.Protocol {
		case ProtocolModbus, ProtocolOPCUA, ProtocolEIP:
		default:
			return fmt.Errorf("point %s: unknown protocol %q", p.Name, p.Protocol)
		}
		switch p.Type {
		case TypeInt, TypeFloat, TypeBool, TypeString:
		default:
			return fmt.Errorf("point %s: unknown type %q", p.Name, p.Type)
		}
	}
	for _, r := range c.Rules {
		if err := c.ValidateRule(r); err != nil {
			return err
		}
	}
	return nil
}

// ValidateRule checks one safety rule against the point table. Used both by
// full-config validation and when a rule is added at runtime.
func (c *Config) ValidateRule(r SafetyRuleConfig) error {
	if r.ID == "" {
		return fmt.Errorf("rule id required")
	}
	if c.FindPoint(r.Point) == nil {
		return fmt.Errorf("rule %s: unknown point %q", r.ID, r.Point)
	}
	switch r.Comparator {
	case CompareGreater, CompareLess, CompareEqual:
	default:
		return fmt.Errorf("rule %s: unknown comparator %q", r.ID, r.Comparator)
	}
	switch r.Action {
	case ActionAlarm, ActionControlledStop, ActionEmergencyStop:
	default:
		return fmt.Errorf("rule %s: unknown action %q", r.ID, r.Action)
	}
	return nil
}

// IsValidNamespace returns true if the namespace is valid.
// Valid namespaces contain only alphanumeric characters, hyphens, underscores, and dots.
func IsValidNamespace(ns string) bool {
	if ns == "" {
		return false
	}
	for _, r := range ns {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return true
}
