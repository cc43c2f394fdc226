package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/cjeanneret/RigSync/internal/acquire"
	"github.com/cjeanneret/RigSync/internal/debug"
	"github.com/cjeanneret/RigSync/internal/session"
	"github.com/cjeanneret/RigSync/internal/trigger"
)

const (
	// MaxRequestBytes caps JSON request bodies.
	MaxRequestBytes = 1 << 20
	// MaxSessionCycles bounds max_cycles in a start request.
	MaxSessionCycles = 100_000_000
	// DefaultStartInterval is the minimum time between two session starts.
	DefaultStartInterval = 2 * time.Second
)

// Sessions is the session surface the handlers drive. *session.Manager
// satisfies it.
type Sessions interface {
	Start(ctx context.Context, req session.Request) (string, error)
	Stop(id string) error
	Trigger(id string) error
	Status(id string) (session.Status, error)
	List() []session.Status
}

// RigInfo is the rig description served on GET /config; its values are
// the defaults of a start request.
type RigInfo struct {
	Devices            []string `json:"devices"`
	Primary            string   `json:"primary"`
	PrimarySource      string   `json:"primary_source"`
	SecondaryLine      string   `json:"secondary_line"`
	Rendezvous         string   `json:"rendezvous"`
	RetrievalTimeoutMs int      `json:"retrieval_timeout_ms"`
	MaxCycles          uint64   `json:"max_cycles"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Sessions    Sessions
	Rig         RigInfo
	// StartInterval rate-limits POST /sessions.
	StartInterval time.Duration

	startMu   sync.Mutex
	lastStart time.Time
	staticFS  fs.FS
}

// NewHandlers creates handlers with the given dependencies.
// If sessions is nil, session routes return 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, sessions Sessions, rig RigInfo, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster:   broadcaster,
		Sessions:      sessions,
		Rig:           rig,
		StartInterval: DefaultStartInterval,
		staticFS:      staticFS,
	}
}

// ValidateRequest checks a start request against the rig's devices.
func ValidateRequest(req session.Request, known []string) error {
	if len(req.DeviceIDs) == 0 {
		return errors.New("device_ids must name at least one device")
	}
	seen := make(map[string]bool, len(req.DeviceIDs))
	for _, id := range req.DeviceIDs {
		if id == "" {
			return errors.New("device_ids contains an empty id")
		}
		if seen[id] {
			return fmt.Errorf("device %s listed twice", id)
		}
		seen[id] = true
		if !slices.Contains(known, id) {
			return fmt.Errorf("unknown device %s", id)
		}
	}
	if req.PrimaryID != "" && !seen[req.PrimaryID] {
		return fmt.Errorf("primary_id %s is not among device_ids", req.PrimaryID)
	}
	if req.MaxCycles > MaxSessionCycles {
		return fmt.Errorf("max_cycles must be at most %d", MaxSessionCycles)
	}
	return nil
}

// HandleConfig returns the rig description as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Rig)
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleStart handles POST /sessions. Missing fields take the rig
// defaults: every device, the configured primary and max cycles.
func (h *Handlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req session.Request
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if len(req.DeviceIDs) == 0 {
		req.DeviceIDs = slices.Clone(h.Rig.Devices)
	}
	if req.PrimaryID == "" && slices.Contains(req.DeviceIDs, h.Rig.Primary) {
		req.PrimaryID = h.Rig.Primary
	}
	if req.MaxCycles == 0 {
		req.MaxCycles = h.Rig.MaxCycles
	}
	if err := ValidateRequest(req, h.Rig.Devices); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if h.Sessions == nil {
		http.Error(w, "sessions not configured", http.StatusServiceUnavailable)
		return
	}

	h.startMu.Lock()
	if !h.lastStart.IsZero() && time.Since(h.lastStart) < h.StartInterval {
		h.startMu.Unlock()
		http.Error(w, "too many session starts, retry later", http.StatusTooManyRequests)
		return
	}
	h.lastStart = time.Now()
	h.startMu.Unlock()

	id, err := h.Sessions.Start(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	debug.Info("web: session %s started on %v", id, req.DeviceIDs)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "started"})
}

// HandleList handles GET /sessions.
func (h *Handlers) HandleList(w http.ResponseWriter, r *http.Request) {
	if h.Sessions == nil {
		http.Error(w, "sessions not configured", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, h.Sessions.List())
}

// HandleStatus handles GET /sessions/{id}.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if h.Sessions == nil {
		http.Error(w, "sessions not configured", http.StatusServiceUnavailable)
		return
	}
	st, err := h.Sessions.Status(r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleStop handles DELETE /sessions/{id}. The session ends at its next
// cycle boundary.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	if h.Sessions == nil {
		http.Error(w, "sessions not configured", http.StatusServiceUnavailable)
		return
	}
	id := r.PathValue("id")
	if err := h.Sessions.Stop(id); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "stopping"})
}

// HandleTrigger handles POST /sessions/{id}/trigger.
func (h *Handlers) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	if h.Sessions == nil {
		http.Error(w, "sessions not configured", http.StatusServiceUnavailable)
		return
	}
	id := r.PathValue("id")
	if err := h.Sessions.Trigger(id); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "triggered"})
}

// fail maps session errors onto HTTP status codes.
func (h *Handlers) fail(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, session.ErrUnknownDevice), errors.Is(err, session.ErrNoDevices),
		errors.Is(err, trigger.ErrInvalidPlan):
		code = http.StatusBadRequest
	case errors.Is(err, session.ErrDeviceBusy), errors.Is(err, session.ErrNoGate),
		errors.Is(err, acquire.ErrGateClosed):
		code = http.StatusConflict
	case errors.Is(err, acquire.ErrGateFull):
		code = http.StatusTooManyRequests
	}
	if code == http.StatusInternalServerError {
		debug.Error(err)
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
