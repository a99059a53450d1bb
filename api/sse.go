package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"batchlink/engine"
	"batchlink/logging"
)

// SSE event type constants.
const (
	eventPointUpdate = "point-update"
	eventTask        = "task"
	eventSafety      = "safety"
	eventAlarm       = "alarm"
	eventSync        = "sync"
)

// sseEvent is an internal event for the API SSE hub.
type sseEvent struct {
	Type  string
	Point string // set when event is point-specific (for filtering)
	Data  interface{}
}

// sseClient represents a connected SSE client.
type sseClient struct {
	id     string
	events chan sseEvent
}

// eventHub manages SSE client connections and broadcasts events.
type eventHub struct {
	clients    map[string]*sseClient
	register   chan *sseClient
	unregister chan *sseClient
	broadcast  chan sseEvent
	mu         sync.RWMutex
	done       chan struct{}
}

func newEventHub() *eventHub {
	hub := &eventHub{
		clients:    make(map[string]*sseClient),
		register:   make(chan *sseClient),
		unregister: make(chan *sseClient),
		broadcast:  make(chan sseEvent, 256),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

func (h *eventHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.events)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				select {
				case client.events <- event:
				default:
					logging.DebugLog("api", "SSE client %s buffer full, dropping %s event", client.id, event.Type)
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.events)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *eventHub) Broadcast(event sseEvent) {
	select {
	case h.broadcast <- event:
	default:
		logging.DebugLog("api", "SSE broadcast channel full, dropping %s event", event.Type)
	}
}

func (h *eventHub) Stop() {
	close(h.done)
}

// handleSSE serves the /api/v1/events SSE endpoint.
func (h *handlers) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Parse filters from query params
	var typeFilter map[string]bool
	if types := r.URL.Query().Get("types"); types != "" {
		typeFilter = make(map[string]bool)
		for _, t := range strings.Split(types, ",") {
			typeFilter[strings.TrimSpace(t)] = true
		}
	}
	var pointFilter map[string]bool
	if pts := r.URL.Query().Get("points"); pts != "" {
		pointFilter = make(map[string]bool)
		for _, p := range strings.Split(pts, ",") {
			pointFilter[strings.TrimSpace(p)] = true
		}
	}

	client := &sseClient{
		id:     fmt.Sprintf("api-%d", time.Now().UnixNano()),
		events: make(chan sseEvent, 64),
	}
	h.hub.register <- client

	notify := r.Context().Done()

	fmt.Fprintf(w, "event: connected\ndata: {\"id\":%q}\n\n", client.id)
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-notify:
			h.hub.unregister <- client
			return

		case event, ok := <-client.events:
			if !ok {
				return
			}
			if typeFilter != nil && !typeFilter[event.Type] {
				continue
			}
			if pointFilter != nil && event.Point != "" && !pointFilter[event.Point] {
				continue
			}
			data, err := json.Marshal(event.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, string(data))
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// setupSSE subscribes to the engine event bus and broadcasts SSE events.
// Returns a cleanup function that unsubscribes and stops the hub.
func (h *handlers) setupSSE() func() {
	subID := h.eng.Events.Subscribe(func(e engine.Event) {
		switch payload := e.Payload.(type) {
		case engine.PointEvent:
			h.hub.Broadcast(sseEvent{
				Type:  eventPointUpdate,
				Point: payload.Name,
				Data:  payload,
			})
		case engine.TaskEvent:
			h.hub.Broadcast(sseEvent{Type: eventTask, Data: payload})
		case engine.SafetyEvent:
			h.hub.Broadcast(sseEvent{Type: eventSafety, Data: payload})
		case engine.AlarmEvent:
			h.hub.Broadcast(sseEvent{Type: eventAlarm, Data: payload})
		case engine.SystemEvent:
			if e.Type == engine.EventSyncOnline || e.Type == engine.EventSyncOffline {
				h.hub.Broadcast(sseEvent{Type: eventSync, Data: payload})
			}
		}
	})

	return func() {
		h.eng.Events.Unsubscribe(subID)
		h.hub.Stop()
	}
}
