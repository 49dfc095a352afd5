package bluegreen

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	apperrors "github.com/mir00r/bluegreen/internal/errors"
	"github.com/mir00r/bluegreen/internal/middleware"
	"github.com/mir00r/bluegreen/pkg/logger"
)

// AdminHandler exposes the switch operations under /admin.
type AdminHandler struct {
	sw     *Switch
	logger *logger.Logger
}

// ErrorResponse represents error responses
type ErrorResponse struct {
	Error     string                 `json:"error"`
	Kind      string                 `json:"kind"`
	Code      int                    `json:"code"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	RequestID string                 `json:"request_id,omitempty"`
}

// CutoverRequest is the body of POST /admin/switch/cutover
type CutoverRequest struct {
	Target Color `json:"target"`
}

// DeployRequest is the body of PUT /admin/instances/{color}
type DeployRequest struct {
	Address    string `json:"address"`
	HealthPath string `json:"health_path,omitempty"`
}

func NewAdminHandler(sw *Switch, log *logger.Logger) *AdminHandler {
	return &AdminHandler{sw: sw, logger: log.WithField("component", "admin_api")}
}

// Register mounts the admin routes, guarded by auth when it is not nil.
func (h *AdminHandler) Register(router *mux.Router, auth *middleware.JWTAuthMiddleware) {
	admin := router.PathPrefix("/admin").Subrouter()
	admin.Use(auth.JWTAuth())

	admin.HandleFunc("/switch", h.StatusHandler).Methods(http.MethodGet)
	admin.HandleFunc("/switch/cutover", h.CutoverHandler).Methods(http.MethodPost)
	admin.HandleFunc("/switch/complete", h.CompleteHandler).Methods(http.MethodPost)
	admin.HandleFunc("/instances", h.ListInstancesHandler).Methods(http.MethodGet)
	admin.HandleFunc("/instances/{color}", h.DeployHandler).Methods(http.MethodPut)
	admin.HandleFunc("/instances/{color}/warm", h.WarmHandler).Methods(http.MethodPost)
}

// StatusHandler handles GET /admin/switch
func (h *AdminHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.sw.Status())
}

// CutoverHandler handles POST /admin/switch/cutover
func (h *AdminHandler) CutoverHandler(w http.ResponseWriter, r *http.Request) {
	var req CutoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Target == "" {
		h.writeError(w, r, apperrors.NewError(apperrors.ErrCodeBadRequest, "admin_api", "Body must name a target color"))
		return
	}

	h.auditLog(r, "cutover").WithField("target", req.Target).Info("Admin operation")
	if _, err := h.sw.BeginCutover(r.Context(), req.Target); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, h.sw.Status())
}

// CompleteHandler handles POST /admin/switch/complete
func (h *AdminHandler) CompleteHandler(w http.ResponseWriter, r *http.Request) {
	h.auditLog(r, "complete").Info("Admin operation")
	if _, err := h.sw.CompleteCutover(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.sw.Status())
}

// ListInstancesHandler handles GET /admin/instances
func (h *AdminHandler) ListInstancesHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.sw.Status().Instances)
}

// DeployHandler handles PUT /admin/instances/{color}
func (h *AdminHandler) DeployHandler(w http.ResponseWriter, r *http.Request) {
	color := Color(mux.Vars(r)["color"])

	var req DeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		h.writeError(w, r, apperrors.NewError(apperrors.ErrCodeBadRequest, "admin_api", "Body must carry an address"))
		return
	}

	h.auditLog(r, "deploy").WithField("color", color).WithField("address", req.Address).Info("Admin operation")
	inst, err := h.sw.Deploy(r.Context(), color, req.Address, req.HealthPath)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, inst)
}

// WarmHandler handles POST /admin/instances/{color}/warm
func (h *AdminHandler) WarmHandler(w http.ResponseWriter, r *http.Request) {
	color := Color(mux.Vars(r)["color"])

	inst, err := h.sw.Warm(r.Context(), color)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, inst)
}

func (h *AdminHandler) auditLog(r *http.Request, op string) *logger.Logger {
	return h.logger.WithFields(map[string]interface{}{
		"operation":  op,
		"operator":   middleware.OperatorFromContext(r.Context()),
		"request_id": middleware.RequestIDFromContext(r.Context()),
	})
}

func (h *AdminHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.GetHTTPStatusCode(err)
	kind := string(apperrors.GetErrorCode(err))
	message := err.Error()
	var metadata map[string]interface{}

	var appErr *apperrors.AppError
	switch {
	case errors.As(err, &appErr):
		message = appErr.Message
		metadata = appErr.Metadata
		if appErr.Details != "" {
			message += ": " + appErr.Details
		}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
		kind = string(apperrors.ErrCodeCutoverInProgress)
		message = "Gave up waiting for the cutover in progress"
	}

	requestID := middleware.RequestIDFromContext(r.Context())
	entry := h.logger.WithError(err).WithFields(map[string]interface{}{
		"kind":       kind,
		"code":       status,
		"request_id": requestID,
	})
	if status >= 500 {
		entry.Error("API error response")
	} else {
		entry.Warn("API error response")
	}

	h.writeJSON(w, status, ErrorResponse{
		Error:     message,
		Kind:      kind,
		Code:      status,
		Metadata:  metadata,
		Timestamp: time.Now(),
		RequestID: requestID,
	})
}

func (h *AdminHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.WithError(err).Warn("Failed to encode response")
	}
}
