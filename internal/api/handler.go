package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/virek/outpost/internal/agent"
	"github.com/virek/outpost/internal/events"
	"github.com/virek/outpost/internal/provider"
	"github.com/virek/outpost/internal/store"
	"go.uber.org/zap"
)

// Handler holds dependencies for HTTP handlers. The audit store and event bus
// are optional; endpoints that need them report unavailability instead of
// failing at startup.
type Handler struct {
	controller *agent.Controller
	client     *provider.Client
	sessions   *store.Store
	bus        *events.Bus
	logger     *zap.Logger
}

// NewHandler creates the API handler.
func NewHandler(controller *agent.Controller, client *provider.Client,
	sessions *store.Store, bus *events.Bus, logger *zap.Logger) *Handler {
	return &Handler{
		controller: controller,
		client:     client,
		sessions:   sessions,
		bus:        bus,
		logger:     logger,
	}
}

// Router builds the HTTP route tree.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/models", h.listModels)
		r.Post("/tasks", h.runTask)
		r.Get("/sessions", h.listSessions)
		r.Get("/sessions/{id}", h.getSession)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	backend := "ok"
	if err := pingBackend(r, h.client); err != nil {
		backend = "unreachable"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"backend": backend,
	})
}

func pingBackend(r *http.Request, client *provider.Client) error {
	_, err := client.ListModels(r.Context())
	return err
}

func (h *Handler) listModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.client.ListModels(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "list models: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"models": models})
}

// taskResponse is the invocation result returned to the cloud-side caller.
type taskResponse struct {
	SessionID     string `json:"session_id"`
	Result        string `json:"result"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
	Iterations    int    `json:"iterations"`
}

func (h *Handler) runTask(w http.ResponseWriter, r *http.Request) {
	var req agent.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	res, err := h.controller.Run(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.record(r, req, res)

	writeJSON(w, http.StatusOK, taskResponse{
		SessionID:     res.SessionID,
		Result:        agent.Format(res),
		Status:        res.Status,
		FailureReason: res.FailureReason,
		Iterations:    res.Iterations,
	})
}

// record persists the audit row and publishes the lifecycle event; both are
// best-effort when the backing services are down.
func (h *Handler) record(r *http.Request, req agent.Request, res *agent.Result) {
	mode := string(agent.ModeDirect)
	if req.Planning {
		mode = string(agent.ModePlanning)
	}
	capability := req.Capability
	if capability == "" {
		capability = "full"
	}

	if h.sessions != nil {
		rec := store.SessionRecord{
			ID:            res.SessionID,
			Task:          req.Task,
			Mode:          mode,
			Capability:    capability,
			Status:        res.Status,
			FailureReason: res.FailureReason,
			Result:        res.Text,
			Iterations:    res.Iterations,
			Elapsed:       res.Elapsed,
		}
		if err := h.sessions.RecordSession(r.Context(), rec); err != nil {
			h.logger.Warn("session audit failed", zap.Error(err))
		}
	}

	if h.bus != nil {
		evType := events.TypeSessionCompleted
		if res.Status == agent.StatusPartial {
			evType = events.TypeSessionFailed
		}
		ev := events.SessionEvent{
			SessionID:     res.SessionID,
			Type:          evType,
			Mode:          mode,
			Capability:    capability,
			FailureReason: res.FailureReason,
			Iterations:    res.Iterations,
		}
		if err := h.bus.Publish(r.Context(), ev); err != nil {
			h.logger.Warn("event publish failed", zap.Error(err))
		}
	}
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "session audit store not configured")
		return
	}
	recs, err := h.sessions.ListSessions(r.Context(), 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": recs})
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "session audit store not configured")
		return
	}
	rec, err := h.sessions.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
