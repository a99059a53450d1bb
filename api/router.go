package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"batchlink/config"
	"batchlink/engine"
	"batchlink/syncq"
)

// WriteRequest is the JSON request for writing a point value.
type WriteRequest struct {
	Value interface{} `json:"value"`
}

// WriteResponse is the JSON response after writing a point value.
type WriteResponse struct {
	Point     string      `json:"point"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// TaskRequest is the JSON request for creating a production task.
type TaskRequest struct {
	RecipeID string  `json:"recipe_id"`
	Quantity float64 `json:"quantity"`
}

// SafetyResponse is the JSON response for the safety status endpoint.
type SafetyResponse struct {
	Safe        bool        `json:"safe"`
	Latched     bool        `json:"latched"`
	LatchReason string      `json:"latch_reason,omitempty"`
	Violations  interface{} `json:"violations,omitempty"`
	CheckedAt   time.Time   `json:"checked_at"`
}

// HealthResponse summarizes controller health.
type HealthResponse struct {
	Status      string `json:"status"`
	PointCount  int    `json:"point_count"`
	TaskRunning bool   `json:"task_running"`
	SyncOnline  bool   `json:"sync_online"`
	Timestamp   string `json:"timestamp"`
}

// handlers holds the API handler functions.
type handlers struct {
	eng *engine.Engine
	hub *eventHub
}

// NewRouter creates the REST API router. The returned cleanup function
// unsubscribes event listeners and stops the SSE hub.
func NewRouter(eng *engine.Engine) (chi.Router, func()) {
	r := chi.NewRouter()
	h := &handlers{eng: eng, hub: newEventHub()}
	cleanup := h.setupSSE()

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.handleHealth)

		r.Get("/points", h.handleListPoints)
		r.Post("/points", h.handleCreatePoint)
		r.Get("/points/audit", h.handleAudit)
		r.Get("/points/{name}", h.handleGetPoint)
		r.Delete("/points/{name}", h.handleDeletePoint)
		r.Post("/points/{name}/write", h.handleWrite)

		r.Get("/recipes", h.handleListRecipes)

		r.Get("/tasks", h.handleListTasks)
		r.Post("/tasks", h.handleCreateTask)
		r.Get("/tasks/current", h.handleCurrentTask)
		r.Get("/tasks/history", h.handleTaskHistory)
		r.Get("/tasks/{id}", h.handleGetTask)
		r.Post("/tasks/{id}/start", h.handleStartTask)
		r.Post("/tasks/pause", h.handlePauseTask)
		r.Post("/tasks/resume", h.handleResumeTask)
		r.Post("/tasks/stop", h.handleStopTask)

		r.Get("/safety", h.handleSafetyStatus)
		r.Post("/safety/emergency-stop", h.handleEmergencyStop)
		r.Post("/safety/reset", h.handleSafetyReset)
		r.Get("/safety/rules", h.handleListRules)
		r.Post("/safety/rules", h.handleCreateRule)
		r.Delete("/safety/rules/{id}", h.handleDeleteRule)
		r.Get("/safety/resets", h.handleResetHistory)

		r.Get("/alarms", h.handleListAlarms)
		r.Get("/alarms/stats", h.handleAlarmStats)
		r.Post("/alarms/{id}/ack", h.handleAckAlarm)
		r.Post("/alarms/{id}/resolve", h.handleResolveAlarm)

		r.Get("/sync/stats", h.handleSyncStats)
		r.Post("/sync/replay", h.handleSyncReplay)

		r.Get("/events", h.handleSSE)
	})

	return r, cleanup
}

func (h *handlers) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *handlers) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := h.eng.GetRegistry().Snapshot()
	online := false
	if q := h.eng.GetQueue(); q != nil {
		online = q.Online()
	}

	h.writeJSON(w, HealthResponse{
		Status:      "ok",
		PointCount:  len(snapshot),
		TaskRunning: h.eng.GetMachine().Running(),
		SyncOnline:  online,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *handlers) handleListPoints(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.eng.GetRegistry().Snapshot())
}

func (h *handlers) handleGetPoint(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	name, _ = url.PathUnescape(name)

	// Cached value unless the caller asks for a fresh read.
	if r.URL.Query().Get("fresh") != "" {
		v, err := h.eng.ReadPoint(name)
		if err != nil {
			h.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.writeJSON(w, v)
		return
	}

	v, ok := h.eng.GetRegistry().Get(name)
	if !ok {
		h.writeError(w, http.StatusNotFound, "point not found")
		return
	}
	h.writeJSON(w, v)
}

func (h *handlers) handleCreatePoint(w http.ResponseWriter, r *http.Request) {
	var p config.PointConfig
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := h.eng.CreatePoint(p); err != nil {
		h.writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusCreated)
	h.writeJSON(w, p)
}

func (h *handlers) handleDeletePoint(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	name, _ = url.PathUnescape(name)

	if err := h.eng.DeletePoint(name); err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.writeJSON(w, map[string]string{"deleted": name})
}

func (h *handlers) handleAudit(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.eng.GetRegistry().Audit(200))
}

func (h *handlers) handleWrite(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	name, _ = url.PathUnescape(name)

	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	resp := WriteResponse{
		Point:     name,
		Value:     req.Value,
		Success:   true,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if err := h.eng.WritePoint(name, req.Value); err != nil {
		resp.Success = false
		resp.Error = err.Error()
		w.WriteHeader(http.StatusUnprocessableEntity)
	}
	h.writeJSON(w, resp)
}

func (h *handlers) handleListRecipes(w http.ResponseWriter, r *http.Request) {
	cfg := h.eng.GetConfig()
	recipes := cfg.Recipes
	if recipes == nil {
		recipes = []config.RecipeConfig{}
	}
	h.writeJSON(w, recipes)
}

func (h *handlers) handleListTasks(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.eng.GetMachine().Tasks())
}

func (h *handlers) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	t, err := h.eng.CreateTask(req.RecipeID, req.Quantity)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusCreated)
	h.writeJSON(w, t)
}

func (h *handlers) handleCurrentTask(w http.ResponseWriter, r *http.Request) {
	t, ok := h.eng.GetMachine().Current()
	if !ok {
		h.writeError(w, http.StatusNotFound, "no task running")
		return
	}
	h.writeJSON(w, t)
}

func (h *handlers) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.eng.GetMachine().History().Records())
}

func (h *handlers) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, ok := h.eng.GetMachine().GetTask(id)
	if !ok {
		h.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	h.writeJSON(w, t)
}

func (h *handlers) handleStartTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.eng.StartTask(id); err != nil {
		h.writeError(w, http.StatusConflict, err.Error())
		return
	}
	h.writeJSON(w, map[string]string{"started": id})
}

func (h *handlers) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	if err := h.eng.PauseTask(); err != nil {
		h.writeError(w, http.StatusConflict, err.Error())
		return
	}
	h.writeJSON(w, map[string]string{"status": "paused"})
}

func (h *handlers) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	if err := h.eng.ResumeTask(); err != nil {
		h.writeError(w, http.StatusConflict, err.Error())
		return
	}
	h.writeJSON(w, map[string]string{"status": "running"})
}

func (h *handlers) handleStopTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	json.NewDecoder(r.Body).Decode(&body) // Optional body

	if err := h.eng.StopTask(body.Reason); err != nil {
		h.writeError(w, http.StatusConflict, err.Error())
		return
	}
	h.writeJSON(w, map[string]string{"status": "stopping"})
}

func (h *handlers) handleSafetyStatus(w http.ResponseWriter, r *http.Request) {
	result, latched, reason := h.eng.SafetyStatus()
	h.writeJSON(w, SafetyResponse{
		Safe:        result.Safe,
		Latched:     latched,
		LatchReason: reason,
		Violations:  result.Violations,
		CheckedAt:   result.CheckedAt,
	})
}

func (h *handlers) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "operator request"
	}

	h.eng.TriggerEmergencyStop(body.Reason)
	h.writeJSON(w, map[string]string{"status": "latched"})
}

func (h *handlers) handleSafetyReset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Operator string `json:"operator"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	if body.Operator == "" {
		h.writeError(w, http.StatusBadRequest, "operator required")
		return
	}

	if err := h.eng.ResetEmergencyStop(body.Operator); err != nil {
		h.writeError(w, http.StatusConflict, err.Error())
		return
	}
	h.writeJSON(w, map[string]string{"status": "reset"})
}

func (h *handlers) handleListRules(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.eng.GetSafetyEng().Rules())
}

func (h *handlers) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule config.SafetyRuleConfig
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := h.eng.CreateRule(rule); err != nil {
		h.writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusCreated)
	h.writeJSON(w, rule)
}

func (h *handlers) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.eng.DeleteRule(id); err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.writeJSON(w, map[string]string{"deleted": id})
}

func (h *handlers) handleResetHistory(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.eng.GetSafetyEng().ResetHistory())
}

func (h *handlers) handleListAlarms(w http.ResponseWriter, r *http.Request) {
	mgr := h.eng.GetAlarmMgr()
	if r.URL.Query().Get("all") != "" {
		h.writeJSON(w, mgr.ListAll())
		return
	}
	h.writeJSON(w, mgr.ListActive())
}

func (h *handlers) handleAlarmStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.eng.GetAlarmMgr().Statistics())
}

func (h *handlers) handleAckAlarm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Who string `json:"who"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	if err := h.eng.AcknowledgeAlarm(id, body.Who); err != nil {
		h.writeError(w, http.StatusConflict, err.Error())
		return
	}
	h.writeJSON(w, map[string]string{"acknowledged": id})
}

func (h *handlers) handleResolveAlarm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Who  string `json:"who"`
		Note string `json:"note"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	if err := h.eng.ResolveAlarm(id, body.Who, body.Note); err != nil {
		h.writeError(w, http.StatusConflict, err.Error())
		return
	}
	h.writeJSON(w, map[string]string{"resolved": id})
}

func (h *handlers) handleSyncStats(w http.ResponseWriter, r *http.Request) {
	q := h.eng.GetQueue()
	if q == nil {
		h.writeJSON(w, syncq.Stats{})
		return
	}
	h.writeJSON(w, q.Stats())
}

func (h *handlers) handleSyncReplay(w http.ResponseWriter, r *http.Request) {
	n, err := h.eng.ReplayFailedSync()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, map[string]int{"replayed": n})
}
