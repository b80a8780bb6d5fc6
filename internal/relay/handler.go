package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// HTTPHandler exposes an Allocator over HTTP.
type HTTPHandler struct {
	allocator Allocator
}

func NewHTTPHandler(allocator Allocator) *HTTPHandler {
	return &HTTPHandler{allocator: allocator}
}

// Routes mounts the allocation API on r.
func (h *HTTPHandler) Routes(r chi.Router) {
	r.Post("/allocations", h.HandleAllocate)
	r.Get("/allocations/{allocationID}/join-code", h.HandleJoinCode)
	r.Post("/joins", h.HandleJoin)
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError maps relay errors to HTTP status codes. Unknown errors become a
// generic 500 so internals do not leak to clients.
func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	for sentinel, code := range errorCodes {
		if errors.Is(err, sentinel) {
			h.writeJSON(w, statusFor(sentinel), errorResponse{Error: err.Error(), Code: code})
			return
		}
	}
	slog.Error("Relay request failed", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "an unexpected error occurred", Code: "internal"})
}

func statusFor(sentinel error) int {
	switch sentinel {
	case ErrAllocationNotFound, ErrJoinCodeNotFound:
		return http.StatusNotFound
	case ErrAllocationFull:
		return http.StatusConflict
	case ErrInvalidToken:
		return http.StatusUnauthorized
	default:
		return http.StatusBadRequest
	}
}

// HandleAllocate is the HTTP handler for POST /allocations.
func (h *HTTPHandler) HandleAllocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, ErrInvalidRequest)
		return
	}

	creds, err := h.allocator.AllocateHost(r.Context(), req.MaxConnections)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, newCredentialsPayload(creds))
}

// HandleJoinCode is the HTTP handler for GET /allocations/{allocationID}/join-code.
func (h *HTTPHandler) HandleJoinCode(w http.ResponseWriter, r *http.Request) {
	allocationID := chi.URLParam(r, "allocationID")
	if allocationID == "" {
		h.writeError(w, ErrInvalidRequest)
		return
	}

	code, err := h.allocator.JoinCode(r.Context(), allocationID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, joinCodeResponse{JoinCode: code})
}

// HandleJoin is the HTTP handler for POST /joins.
func (h *HTTPHandler) HandleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, ErrInvalidRequest)
		return
	}

	creds, err := h.allocator.JoinByCode(r.Context(), req.JoinCode)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newCredentialsPayload(creds))
}
