// Package statusapi implements the Status Query API (C9 in SPEC_FULL.md
// §2's component table): a read-only HTTP surface over the job queue
// store. It MUST NOT mutate queue state - it exists only for its contract,
// not as a core scheduling concern.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/joberrors"
	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/models"
	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/queuestore"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler serves the read-only status surface for a single portal's queue
// store.
type Handler struct {
	store  queuestore.Store
	logger arbor.ILogger
	prefix string

	mu      sync.RWMutex
	clients map[*websocket.Conn]*sync.Mutex
}

// New constructs a status API handler over store.
func New(store queuestore.Store, logger arbor.ILogger) *Handler {
	return &Handler{
		store:   store,
		logger:  logger,
		clients: make(map[*websocket.Conn]*sync.Mutex),
	}
}

// Mount registers this handler's routes on mux under prefix. prefix is
// recorded so the path-parameter handlers can strip exactly what was
// mounted, since each portal is mounted under its own prefix
// (app.go mounts every portal at "/api/status/{portal}").
func (h *Handler) Mount(mux *http.ServeMux, prefix string) {
	h.prefix = prefix
	mux.HandleFunc(prefix+"/jobs", h.listJobs)
	mux.HandleFunc(prefix+"/jobs/", h.getJob)
	mux.HandleFunc(prefix+"/jobs/by-correlation-key/", h.getJobByCorrelationKey)
	mux.HandleFunc(prefix+"/counts", h.countByStatus)
	mux.HandleFunc(prefix+"/ws", h.handleWebSocket)
}

type jobView struct {
	ID             string               `json:"id"`
	CorrelationKey string               `json:"correlation_key"`
	Status         models.Status        `json:"status"`
	Attempts       int                  `json:"attempts"`
	MaxAttempts    int                  `json:"max_attempts"`
	CreatedAt      time.Time            `json:"created_at"`
	StartedAt      *time.Time           `json:"started_at,omitempty"`
	CompletedAt    *time.Time           `json:"completed_at,omitempty"`
	FailedAt       *time.Time           `json:"failed_at,omitempty"`
	NextRetryAt    *time.Time           `json:"next_retry_at,omitempty"`
	ErrorLog       []models.ErrorRecord `json:"error_log"`
	LastError      string               `json:"last_error,omitempty"`
	FinalError     string               `json:"final_error,omitempty"`
}

func toJobView(j *models.Job) jobView {
	return jobView{
		ID:             j.ID,
		CorrelationKey: j.CorrelationKey,
		Status:         j.Status,
		Attempts:       j.Attempts,
		MaxAttempts:    j.MaxAttempts,
		CreatedAt:      j.CreatedAt,
		StartedAt:      j.StartedAt,
		CompletedAt:    j.CompletedAt,
		FailedAt:       j.FailedAt,
		NextRetryAt:    j.NextRetryAt,
		ErrorLog:       j.ErrorLog,
		LastError:      j.LastError,
		FinalError:     j.FinalError,
	}
}

// getJob handles GET {prefix}/jobs/{id}.
func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	jobsPrefix := h.prefix + "/jobs/"
	if len(r.URL.Path) <= len(jobsPrefix) {
		http.Error(w, "missing job id", http.StatusBadRequest)
		return
	}
	id := r.URL.Path[len(jobsPrefix):]
	if id == "" {
		http.Error(w, "missing job id", http.StatusBadRequest)
		return
	}

	job, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		h.writeNotFoundOrError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toJobView(job))
}

// getJobByCorrelationKey handles GET {prefix}/jobs/by-correlation-key/{key}.
func (h *Handler) getJobByCorrelationKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	keyPrefix := h.prefix + "/jobs/by-correlation-key/"
	if len(r.URL.Path) <= len(keyPrefix) {
		http.Error(w, "missing correlation key", http.StatusBadRequest)
		return
	}
	key := r.URL.Path[len(keyPrefix):]
	if key == "" {
		http.Error(w, "missing correlation key", http.StatusBadRequest)
		return
	}

	job, err := h.store.GetByCorrelationKey(r.Context(), key)
	if err != nil {
		h.writeNotFoundOrError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toJobView(job))
}

// listJobs handles GET /jobs?status=&limit=&offset=.
func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filter := queuestore.ListFilter{}
	if s := r.URL.Query().Get("status"); s != "" {
		status := models.Status(s)
		filter.Status = &status
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			filter.Limit = n
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil {
			filter.Offset = n
		}
	}

	jobs, err := h.store.Query(r.Context(), filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	views := make([]jobView, len(jobs))
	for i, j := range jobs {
		views[i] = toJobView(j)
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": views, "count": len(views)})
}

// countByStatus handles GET /counts.
func (h *Handler) countByStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	counts, err := h.store.CountByStatus(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, counts)
}

// handleWebSocket upgrades the connection and periodically pushes the
// current status counts, for callers that want a live view instead of
// polling /counts.
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("statusapi: websocket upgrade failed")
		return
	}

	h.mu.Lock()
	h.clients[conn] = &sync.Mutex{}
	h.mu.Unlock()

	h.logger.Debug().Int("clients", len(h.clients)).Msg("statusapi: websocket client connected")

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	h.pushCounts(conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (h *Handler) pushCounts(conn *websocket.Conn) {
	counts, err := h.store.CountByStatus(context.Background())
	if err != nil {
		h.logger.Warn().Err(err).Msg("statusapi: failed to read counts for websocket push")
		return
	}
	data, err := json.Marshal(map[string]interface{}{"type": "counts", "payload": counts})
	if err != nil {
		return
	}

	h.mu.RLock()
	mutex := h.clients[conn]
	h.mu.RUnlock()
	if mutex == nil {
		return
	}
	mutex.Lock()
	_ = conn.WriteMessage(websocket.TextMessage, data)
	mutex.Unlock()
}

// StartCountsBroadcaster pushes status counts to every connected websocket
// client on a fixed interval, mirroring this codebase's own periodic
// status broadcaster.
func (h *Handler) StartCountsBroadcaster(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for range ticker.C {
			h.mu.RLock()
			conns := make([]*websocket.Conn, 0, len(h.clients))
			for c := range h.clients {
				conns = append(conns, c)
			}
			h.mu.RUnlock()
			for _, c := range conns {
				h.pushCounts(c)
			}
		}
	}()
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn().Err(err).Msg("statusapi: failed to encode response")
	}
}

func (h *Handler) writeNotFoundOrError(w http.ResponseWriter, err error) {
	if errors.Is(err, joberrors.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
