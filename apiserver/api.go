package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itskum47/taskforge/archive"
	"github.com/itskum47/taskforge/ingress"
	"github.com/itskum47/taskforge/liveness"
	"github.com/itskum47/taskforge/provider"
)

// API holds the handler dependencies. The archive is nil unless a
// Postgres DSN was configured.
type API struct {
	svc      *ingress.Service
	monitor  *liveness.Monitor
	provider *provider.StateManager
	arch     *archive.Store
	hub      *Hub
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The dashboard is served from another origin.
		return true
	},
}

func (a *API) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /tasks", a.handleSubmit)
	mux.HandleFunc("GET /tasks", a.handleList)
	mux.HandleFunc("GET /tasks/{id}", a.handleGet)
	mux.HandleFunc("POST /tasks/{id}/retry", a.handleRetry)
	mux.HandleFunc("DELETE /tasks/{id}", a.handleDelete)

	mux.HandleFunc("GET /queues/status", a.handleQueueStatus)
	mux.HandleFunc("GET /queues/dlq", a.handleDLQList)
	mux.HandleFunc("POST /queues/requeue-orphaned", a.handleRequeueOrphaned)
	mux.HandleFunc("PUT /rate-limit", a.handleUpdateRateLimit)

	mux.HandleFunc("GET /workers/status", a.handleWorkerStatus)
	mux.HandleFunc("POST /workers/circuit-breakers/reset", a.handleResetBreakers)
	mux.HandleFunc("POST /workers/circuit-breakers/open", a.handleOpenBreakers)

	mux.HandleFunc("GET /providers/state", a.handleProviderState)
	mux.HandleFunc("GET /archive/recent", a.handleArchiveRecent)

	mux.HandleFunc("GET /ws/updates", a.handleStream)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req ingress.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ingress.NewError(ingress.CodeValidation, "invalid JSON body: %v", err))
		return
	}
	view, err := a.svc.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	view, err := a.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := ingress.ListRequest{
		State:  q.Get("state"),
		Type:   q.Get("task_type"),
		Limit:  queryInt(q.Get("limit"), 50),
		Offset: queryInt(q.Get("offset"), 0),
		Sort:   q.Get("sort"),
	}
	result, err := a.svc.List(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleRetry(w http.ResponseWriter, r *http.Request) {
	view, err := a.svc.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.svc.QueueStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *API) handleDLQList(w http.ResponseWriter, r *http.Request) {
	views, err := a.svc.DLQList(r.Context(), queryInt(r.URL.Query().Get("limit"), 100))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": views, "count": len(views)})
}

func (a *API) handleRequeueOrphaned(w http.ResponseWriter, r *http.Request) {
	n, err := a.svc.RequeueOrphaned(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

func (a *API) handleUpdateRateLimit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxRequests   int `json:"max_requests"`
		WindowSeconds int `json:"window_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ingress.NewError(ingress.CodeValidation, "invalid JSON body: %v", err))
		return
	}
	if err := a.svc.UpdateRateLimit(r.Context(), req.MaxRequests, req.WindowSeconds); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "broadcast"})
}

func (a *API) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	fleet, err := a.monitor.WorkerStatuses(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fleet)
}

func (a *API) handleResetBreakers(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.ResetAllCircuits(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "broadcast"})
}

func (a *API) handleOpenBreakers(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.OpenAllCircuits(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "broadcast"})
}

func (a *API) handleProviderState(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("refresh") == "true"
	info, err := a.provider.GetState(r.Context(), force)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *API) handleArchiveRecent(w http.ResponseWriter, r *http.Request) {
	if a.arch == nil {
		writeError(w, ingress.NewError(ingress.CodeDependencyMissing, "archive is not configured"))
		return
	}
	q := r.URL.Query()
	entries, err := a.arch.Recent(r.Context(), q.Get("state"), queryInt(q.Get("limit"), 100))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": entries, "count": len(entries)})
}

// handleStream upgrades to WebSocket and joins the event hub. The read
// pump exists only to notice disconnects.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	a.hub.Register(conn)
	defer a.hub.Unregister(conn)

	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("WebSocket read: %v", err)
			}
			return
		}
	}
}

func queryInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Response encode failed: %v", err)
	}
}

// writeError maps the stable ingress codes onto HTTP statuses. Anything
// that is not a structured ingress error is an Internal.
func writeError(w http.ResponseWriter, err error) {
	ie, ok := ingress.AsError(err)
	if !ok {
		ie = ingress.NewError(ingress.CodeInternal, "%v", err)
	}
	writeJSON(w, httpStatus(ie.Code), map[string]interface{}{"error": ie})
}

func httpStatus(code ingress.Code) int {
	switch code {
	case ingress.CodeNotFound:
		return http.StatusNotFound
	case ingress.CodeConflict, ingress.CodeAlreadyExists:
		return http.StatusConflict
	case ingress.CodeValidation:
		return http.StatusBadRequest
	case ingress.CodeRateLimitTimeout:
		return http.StatusTooManyRequests
	case ingress.CodeCircuitOpen, ingress.CodeDependencyMissing:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
