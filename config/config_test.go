package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Control.WeighTolerancePct != 0.98 {
		t.Errorf("expected weigh tolerance 0.98, got %v", cfg.Control.WeighTolerancePct)
	}
	if cfg.Control.DischargeEmptyWeight != 10 {
		t.Errorf("expected discharge empty weight 10, got %v", cfg.Control.DischargeEmptyWeight)
	}
	if cfg.Sync.RetryCeiling != 3 {
		t.Errorf("expected retry ceiling 3, got %d", cfg.Sync.RetryCeiling)
	}
	if !cfg.API.Enabled {
		t.Error("expected API enabled by default")
	}
}

func TestLoadMissingFileCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Control.PollInterval <= 0 {
		t.Error("expected poll interval default applied")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected defaults persisted to %s: %v", path, err)
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.Namespace = "plant7"
	cfg.Buses = []BusConfig{
		{Protocol: ProtocolModbus, Enabled: true, Endpoint: "10.0.0.5:502", UnitID: 1, Timeout: 5 * time.Second},
	}
	cfg.Points = []PointConfig{
		{Name: "mixer_temperature", Protocol: ProtocolModbus, Address: "hr:100", Type: TypeFloat},
		{Name: "mixer_motor", Protocol: ProtocolModbus, Address: "co:10", Type: TypeBool, Writable: true},
	}
	cfg.Recipes = []RecipeConfig{
		{ID: "r1", Name: "Standard Mix", MixSeconds: 120, Materials: []MaterialConfig{
			{Name: "cement", ValvePoint: "cement_valve", ScalePoint: "cement_scale", PerBatch: 50},
		}},
	}

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if loaded.Namespace != "plant7" {
		t.Errorf("expected namespace plant7, got %s", loaded.Namespace)
	}
	if len(loaded.Buses) != 1 || loaded.Buses[0].Endpoint != "10.0.0.5:502" {
		t.Errorf("bus not round-tripped: %+v", loaded.Buses)
	}
	if len(loaded.Points) != 2 {
		t.Fatalf("expected 2 points, got %d", len(loaded.Points))
	}
	if !loaded.Points[1].Writable {
		t.Error("expected mixer_motor writable")
	}
	if r := loaded.FindRecipe("r1"); r == nil || r.MixSeconds != 120 {
		t.Errorf("recipe not round-tripped: %+v", r)
	}
}

func TestApplyDefaultsFillsZeroes(t *testing.T) {
	cfg := &Config{
		Buses: []BusConfig{{Protocol: ProtocolOPCUA, Enabled: true}},
	}
	cfg.applyDefaults()

	if cfg.Control.WeighTolerancePct != 0.98 {
		t.Errorf("expected tolerance default, got %v", cfg.Control.WeighTolerancePct)
	}
	if cfg.Buses[0].Reconnect != 10*time.Second {
		t.Errorf("expected 10s reconnect default, got %v", cfg.Buses[0].Reconnect)
	}
	if cfg.Sync.HTTPTimeout != 10*time.Second {
		t.Errorf("expected HTTP timeout default, got %v", cfg.Sync.HTTPTimeout)
	}
	if cfg.Alarms.EscalateAfter != 30*time.Minute {
		t.Errorf("expected 30m escalation default, got %v", cfg.Alarms.EscalateAfter)
	}
}

func TestPointHelpers(t *testing.T) {
	cfg := DefaultConfig()

	cfg.AddPoint(PointConfig{Name: "p1", Protocol: ProtocolModbus, Address: "hr:1", Type: TypeInt})
	if cfg.FindPoint("p1") == nil {
		t.Fatal("expected to find p1")
	}

	if !cfg.UpdatePoint("p1", PointConfig{Name: "p1", Protocol: ProtocolModbus, Address: "hr:2", Type: TypeInt}) {
		t.Fatal("update failed")
	}
	if cfg.FindPoint("p1").Address != "hr:2" {
		t.Error("update not applied")
	}

	if !cfg.RemovePoint("p1") {
		t.Fatal("remove failed")
	}
	if cfg.FindPoint("p1") != nil {
		t.Error("expected p1 gone")
	}
	if cfg.RemovePoint("p1") {
		t.Error("expected second remove to report false")
	}
}

func TestRuleHelpers(t *testing.T) {
	cfg := DefaultConfig()

	cfg.AddRule(SafetyRuleConfig{ID: "r1", Kind: RuleTemperature, Point: "t1", Comparator: CompareGreater, Threshold: 90, Action: ActionAlarm, Enabled: true})
	if cfg.FindRule("r1") == nil {
		t.Fatal("expected to find r1")
	}
	if !cfg.RemoveRule("r1") {
		t.Fatal("remove failed")
	}
	if cfg.FindRule("r1") != nil {
		t.Error("expected r1 gone")
	}
}

func TestDefaultRulesIncludeEstop(t *testing.T) {
	rules := DefaultRules()

	found := false
	for _, r := range rules {
		if r.Kind == RuleEmergencyButton {
			found = true
			if r.Action != ActionEmergencyStop {
				t.Errorf("estop rule should escalate to emergency stop, got %s", r.Action)
			}
		}
		if !r.Enabled {
			t.Errorf("default rule %s should be enabled", r.ID)
		}
	}
	if !found {
		t.Error("expected an emergency button rule in defaults")
	}
}

func TestIsValidNamespace(t *testing.T) {
	tests := []struct {
		in    string
		valid bool
	}{
		{"plant1", true},
		{"plant-1.east_wing", true},
		{"", false},
		{"has space", false},
		{"has/slash", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := IsValidNamespace(tt.in); got != tt.valid {
				t.Errorf("IsValidNamespace(%q) = %v, want %v", tt.in, got, tt.valid)
			}
		})
	}
}

func TestChangeListeners(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()

	fired := make(chan struct{}, 4)
	id := cfg.AddOnChangeListener(func() { fired <- struct{}{} })

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("listener not notified on save")
	}

	cfg.RemoveOnChangeListener(id)
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	select {
	case <-fired:
		t.Error("listener notified after removal")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Points = []PointConfig{
		{Name: "p1", Protocol: ProtocolModbus, Address: "hr:1", Type: TypeInt},
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}

	cfg.Points = append(cfg.Points, PointConfig{Name: "p1", Protocol: ProtocolModbus, Address: "hr:2", Type: TypeInt})
	if err := cfg.Validate(); err == nil {
		t.Error("expected duplicate point name rejected")
	}
}
