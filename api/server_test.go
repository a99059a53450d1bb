package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"batchlink/config"
	"batchlink/engine"
	"batchlink/points"
	"batchlink/syncq"
)

// newTestServer boots a real engine with no field buses and no sync, and
// serves the API over httptest.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Namespace = "test"
	cfg.PointStorePath = filepath.Join(dir, "points.db")
	cfg.Sync.StorePath = filepath.Join(dir, "syncq.db")
	cfg.Sync.Enabled = false
	cfg.Recipes = []config.RecipeConfig{
		{ID: "r1", Name: "Standard Mix", MixSeconds: 60, Materials: []config.MaterialConfig{
			{Name: "cement", ValvePoint: "cement_valve", ScalePoint: "cement_scale", PerBatch: 50},
		}},
	}
	// A disabled placeholder keeps the engine from installing the default
	// rule set, whose sensors do not exist in this fixture.
	cfg.Rules = []config.SafetyRuleConfig{
		{ID: "placeholder", Kind: config.RuleCustom, Point: "none", Comparator: config.CompareGreater, Threshold: 1, Action: config.ActionAlarm, Enabled: false},
	}

	eng := engine.New(engine.Config{
		AppConfig:  cfg,
		ConfigPath: filepath.Join(dir, "config.yaml"),
	})
	if err := eng.Start(); err != nil {
		t.Fatalf("engine start: %v", err)
	}
	t.Cleanup(eng.Stop)

	router, cleanup := NewRouter(eng)
	t.Cleanup(cleanup)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, srv *httptest.Server, path string, wantStatus int, out interface{}) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s: status %d, want %d", path, resp.StatusCode, wantStatus)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("GET %s: decode: %v", path, err)
		}
	}
}

func postJSON(t *testing.T, srv *httptest.Server, path string, body interface{}, wantStatus int, out interface{}) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("POST %s: status %d, want %d", path, resp.StatusCode, wantStatus)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("POST %s: decode: %v", path, err)
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)

	var health HealthResponse
	getJSON(t, srv, "/api/v1/health", http.StatusOK, &health)

	if health.Status != "ok" {
		t.Errorf("expected ok, got %q", health.Status)
	}
	if health.TaskRunning {
		t.Error("no task should be running")
	}
	if health.SyncOnline {
		t.Error("sync is disabled in this fixture")
	}
}

func TestPointEndpoints(t *testing.T) {
	srv := newTestServer(t)

	var pts []points.Value
	getJSON(t, srv, "/api/v1/points", http.StatusOK, &pts)
	if len(pts) != 0 {
		t.Fatalf("expected no points, got %d", len(pts))
	}

	getJSON(t, srv, "/api/v1/points/missing", http.StatusNotFound, nil)

	p := config.PointConfig{Name: "mixer_temperature", Protocol: config.ProtocolModbus, Address: "ir:100", Type: config.TypeFloat}
	postJSON(t, srv, "/api/v1/points", p, http.StatusCreated, nil)

	getJSON(t, srv, "/api/v1/points", http.StatusOK, &pts)
	if len(pts) != 1 || pts[0].Name != "mixer_temperature" {
		t.Fatalf("expected created point listed, got %+v", pts)
	}

	// Duplicate is rejected.
	postJSON(t, srv, "/api/v1/points", p, http.StatusConflict, nil)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/points/mixer_temperature", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE status %d", resp.StatusCode)
	}

	getJSON(t, srv, "/api/v1/points", http.StatusOK, &pts)
	if len(pts) != 0 {
		t.Errorf("expected point removed, got %+v", pts)
	}
}

func TestWriteUnknownPoint(t *testing.T) {
	srv := newTestServer(t)

	var resp WriteResponse
	postJSON(t, srv, "/api/v1/points/nope/write", WriteRequest{Value: 1}, http.StatusUnprocessableEntity, &resp)
	if resp.Success || resp.Error == "" {
		t.Errorf("expected failed write response, got %+v", resp)
	}
}

func TestRecipeAndTaskEndpoints(t *testing.T) {
	srv := newTestServer(t)

	var recipes []config.RecipeConfig
	getJSON(t, srv, "/api/v1/recipes", http.StatusOK, &recipes)
	if len(recipes) != 1 || recipes[0].ID != "r1" {
		t.Fatalf("expected configured recipe, got %+v", recipes)
	}

	// Unknown recipe is rejected.
	postJSON(t, srv, "/api/v1/tasks", TaskRequest{RecipeID: "nope", Quantity: 1}, http.StatusBadRequest, nil)

	var task struct {
		ID    string `json:"id"`
		Phase string `json:"phase"`
	}
	postJSON(t, srv, "/api/v1/tasks", TaskRequest{RecipeID: "r1", Quantity: 2}, http.StatusCreated, &task)
	if task.ID == "" || task.Phase != "pending" {
		t.Fatalf("unexpected created task: %+v", task)
	}

	getJSON(t, srv, "/api/v1/tasks/"+task.ID, http.StatusOK, &task)
	getJSON(t, srv, "/api/v1/tasks/unknown", http.StatusNotFound, nil)
	getJSON(t, srv, "/api/v1/tasks/current", http.StatusNotFound, nil)

	var tasks []json.RawMessage
	getJSON(t, srv, "/api/v1/tasks", http.StatusOK, &tasks)
	if len(tasks) != 1 {
		t.Errorf("expected 1 task listed, got %d", len(tasks))
	}

	// The start is accepted, then the run fails: the recipe's points have
	// no backing bus.
	postJSON(t, srv, "/api/v1/tasks/"+task.ID+"/start", nil, http.StatusOK, nil)
	deadline := time.Now().Add(5 * time.Second)
	for task.Phase != "failed" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
		getJSON(t, srv, "/api/v1/tasks/"+task.ID, http.StatusOK, &task)
	}
	if task.Phase != "failed" {
		t.Fatalf("expected busless task to fail, stuck at %s", task.Phase)
	}

	// Nothing running anymore, so pause/resume/stop all conflict.
	postJSON(t, srv, "/api/v1/tasks/pause", nil, http.StatusConflict, nil)
	postJSON(t, srv, "/api/v1/tasks/resume", nil, http.StatusConflict, nil)
	postJSON(t, srv, "/api/v1/tasks/stop", map[string]string{"reason": "x"}, http.StatusConflict, nil)
}

func TestSafetyEndpoints(t *testing.T) {
	srv := newTestServer(t)

	var status SafetyResponse
	getJSON(t, srv, "/api/v1/safety", http.StatusOK, &status)
	if status.Latched {
		t.Fatal("fresh engine must not be latched")
	}

	postJSON(t, srv, "/api/v1/safety/emergency-stop", map[string]string{"reason": "spill"}, http.StatusOK, nil)

	getJSON(t, srv, "/api/v1/safety", http.StatusOK, &status)
	if !status.Latched || status.LatchReason != "spill" {
		t.Errorf("expected latch with reason, got %+v", status)
	}

	// The latch raised a critical alarm.
	var alarms []struct {
		Type     string `json:"type"`
		Severity string `json:"severity"`
	}
	getJSON(t, srv, "/api/v1/alarms", http.StatusOK, &alarms)
	if len(alarms) != 1 || alarms[0].Type != "emergency_stop" {
		t.Errorf("expected emergency_stop alarm, got %+v", alarms)
	}

	// Reset requires an operator.
	postJSON(t, srv, "/api/v1/safety/reset", map[string]string{}, http.StatusBadRequest, nil)
	postJSON(t, srv, "/api/v1/safety/reset", map[string]string{"operator": "op1"}, http.StatusOK, nil)

	getJSON(t, srv, "/api/v1/safety", http.StatusOK, &status)
	if status.Latched {
		t.Error("expected latch cleared")
	}

	var resets []struct {
		Operator string `json:"operator"`
	}
	getJSON(t, srv, "/api/v1/safety/resets", http.StatusOK, &resets)
	if len(resets) != 1 || resets[0].Operator != "op1" {
		t.Errorf("expected reset recorded, got %+v", resets)
	}
}

func TestSafetyRuleEndpoints(t *testing.T) {
	srv := newTestServer(t)

	var rules []config.SafetyRuleConfig
	getJSON(t, srv, "/api/v1/safety/rules", http.StatusOK, &rules)
	if len(rules) != 1 {
		t.Fatalf("expected the fixture rule, got %d", len(rules))
	}

	// The rule's point must exist before the rule is accepted.
	p := config.PointConfig{Name: "mixer_temperature", Protocol: config.ProtocolModbus, Address: "ir:100", Type: config.TypeFloat}
	postJSON(t, srv, "/api/v1/points", p, http.StatusCreated, nil)

	newRule := config.SafetyRuleConfig{
		ID: "overtemp", Kind: config.RuleTemperature, Point: "mixer_temperature",
		Comparator: config.CompareGreater, Threshold: 85, Action: config.ActionAlarm, Enabled: true,
	}

	// A misspelled comparator or an unknown point is refused outright
	// rather than accepted as a rule that can never fire.
	badCmp := newRule
	badCmp.ID = "bad-cmp"
	badCmp.Comparator = config.Comparator("graeterThan")
	postJSON(t, srv, "/api/v1/safety/rules", badCmp, http.StatusConflict, nil)
	badPoint := newRule
	badPoint.ID = "bad-point"
	badPoint.Point = "no_such_sensor"
	postJSON(t, srv, "/api/v1/safety/rules", badPoint, http.StatusConflict, nil)

	postJSON(t, srv, "/api/v1/safety/rules", newRule, http.StatusCreated, nil)

	getJSON(t, srv, "/api/v1/safety/rules", http.StatusOK, &rules)
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}

	deleteRule := func(id string) {
		t.Helper()
		req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/safety/rules/"+id, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("DELETE %s: %v", id, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("DELETE %s status %d", id, resp.StatusCode)
		}
	}

	deleteRule("overtemp")
	getJSON(t, srv, "/api/v1/safety/rules", http.StatusOK, &rules)
	if len(rules) != 1 {
		t.Fatalf("expected rule removed, got %d", len(rules))
	}

	// Deleting the last rule leaves the set empty; the default rule set is
	// a startup fallback, not a reconfigure one.
	deleteRule("placeholder")
	getJSON(t, srv, "/api/v1/safety/rules", http.StatusOK, &rules)
	if len(rules) != 0 {
		t.Errorf("expected empty rule set, got %d rules", len(rules))
	}
}

func TestAlarmEndpoints(t *testing.T) {
	srv := newTestServer(t)

	var alarms []struct {
		ID string `json:"id"`
	}
	getJSON(t, srv, "/api/v1/alarms", http.StatusOK, &alarms)
	if len(alarms) != 0 {
		t.Fatalf("expected no alarms, got %d", len(alarms))
	}

	postJSON(t, srv, "/api/v1/alarms/missing/ack", map[string]string{"who": "op"}, http.StatusConflict, nil)
	postJSON(t, srv, "/api/v1/alarms/missing/resolve", map[string]string{"who": "op"}, http.StatusConflict, nil)

	var stats struct {
		Active int `json:"active"`
	}
	getJSON(t, srv, "/api/v1/alarms/stats", http.StatusOK, &stats)
	if stats.Active != 0 {
		t.Errorf("expected no active alarms, got %d", stats.Active)
	}
}

func TestSyncEndpointsWithoutQueue(t *testing.T) {
	srv := newTestServer(t)

	var stats syncq.Stats
	getJSON(t, srv, "/api/v1/sync/stats", http.StatusOK, &stats)
	if stats.Pending != 0 || stats.Online {
		t.Errorf("expected zero stats without a queue, got %+v", stats)
	}

	var replay map[string]int
	postJSON(t, srv, "/api/v1/sync/replay", nil, http.StatusOK, &replay)
	if replay["replayed"] != 0 {
		t.Errorf("expected no replays without a queue, got %d", replay["replayed"])
	}
}
