// Package httpapi is the transport boundary of the catalog: it decodes and
// shape-checks requests, invokes a use case and maps the result to HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/mir00r/bluegreen/internal/catalog/app"
	"github.com/mir00r/bluegreen/internal/catalog/ports"
	apperrors "github.com/mir00r/bluegreen/internal/errors"
	"github.com/mir00r/bluegreen/internal/middleware"
	"github.com/mir00r/bluegreen/pkg/logger"
)

// UseCases groups the use cases served by the handler. The caller builds them
// with the repository adapters it selected.
type UseCases struct {
	CreateProduct  *app.CreateProduct
	GetProduct     *app.GetProduct
	DeleteProduct  *app.DeleteProduct
	CreateUser     *app.CreateUser
	DeactivateUser *app.DeactivateUser
}

// Handler serves the catalog API
type Handler struct {
	useCases UseCases
	validate *validator.Validate
	logger   *logger.Logger
}

// ErrorResponse represents error responses
type ErrorResponse struct {
	Error     string    `json:"error"`
	Kind      string    `json:"kind"`
	Code      int       `json:"code"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// MessageResponse is returned by ping and echo
type MessageResponse struct {
	Message string `json:"message"`
}

type createProductRequest struct {
	Name  string   `json:"name" validate:"required,max=255"`
	Price *float64 `json:"price" validate:"required"`
}

type createUserRequest struct {
	Name     string `json:"name" validate:"required,max=255"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type echoRequest struct {
	Message string `json:"message" validate:"required"`
}

func NewHandler(useCases UseCases, log *logger.Logger) *Handler {
	return &Handler{
		useCases: useCases,
		validate: validator.New(),
		logger:   log.WithField("component", "catalog_api"),
	}
}

// Register mounts the catalog routes under /api/v1.
func (h *Handler) Register(router *mux.Router) {
	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/ping", h.PingHandler).Methods(http.MethodGet)
	api.HandleFunc("/echo", h.EchoHandler).Methods(http.MethodPost)
	api.HandleFunc("/products", h.CreateProductHandler).Methods(http.MethodPost)
	api.HandleFunc("/products/{id:[0-9]+}", h.GetProductHandler).Methods(http.MethodGet)
	api.HandleFunc("/products/{id:[0-9]+}", h.DeleteProductHandler).Methods(http.MethodDelete)
	api.HandleFunc("/users", h.CreateUserHandler).Methods(http.MethodPost)
	api.HandleFunc("/users/{id:[0-9]+}", h.DeactivateUserHandler).Methods(http.MethodDelete)
}

// PingHandler handles GET /api/v1/ping
func (h *Handler) PingHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, MessageResponse{Message: app.Ping{}.Execute(r.Context())})
}

// EchoHandler handles POST /api/v1/echo
func (h *Handler) EchoHandler(w http.ResponseWriter, r *http.Request) {
	var req echoRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.writeJSON(w, http.StatusOK, MessageResponse{Message: app.Echo{}.Execute(r.Context(), req.Message)})
}

// CreateProductHandler handles POST /api/v1/products
func (h *Handler) CreateProductHandler(w http.ResponseWriter, r *http.Request) {
	var req createProductRequest
	if !h.decode(w, r, &req) {
		return
	}

	product, err := h.useCases.CreateProduct.Execute(r.Context(), app.CreateProductCommand{
		Name:  req.Name,
		Price: *req.Price,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/v1/products/"+strconv.FormatInt(product.ID, 10))
	h.writeJSON(w, http.StatusCreated, product)
}

// GetProductHandler handles GET /api/v1/products/{id}
func (h *Handler) GetProductHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	product, err := h.useCases.GetProduct.Execute(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, product)
}

// DeleteProductHandler handles DELETE /api/v1/products/{id}
func (h *Handler) DeleteProductHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	if err := h.useCases.DeleteProduct.Execute(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateUserHandler handles POST /api/v1/users
func (h *Handler) CreateUserHandler(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !h.decode(w, r, &req) {
		return
	}

	user, err := h.useCases.CreateUser.Execute(r.Context(), app.CreateUserCommand{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, user)
}

// DeactivateUserHandler handles DELETE /api/v1/users/{id}
func (h *Handler) DeactivateUserHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	user, err := h.useCases.DeactivateUser.Execute(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, user)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.writeError(w, r, apperrors.WrapError(err, apperrors.ErrCodeBadRequest, "catalog_api", "Invalid JSON body"))
		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		h.writeError(w, r, apperrors.WrapError(err, apperrors.ErrCodeBadRequest, "catalog_api", describeValidation(err)))
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, r, apperrors.NewError(apperrors.ErrCodeBadRequest, "catalog_api", "Invalid id"))
		return 0, false
	}
	return id, true
}

func describeValidation(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return "Invalid request"
	}
	fe := fieldErrs[0]
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "email":
		return fe.Field() + " must be a valid email"
	default:
		return fe.Field() + " failed " + fe.Tag() + " check"
	}
}

// classify maps an error returned by a use case to its kind and status code.
// Anything that is neither a business rule nor a missing entity came from the
// persistence adapter.
func classify(err error) (apperrors.ErrorCode, int) {
	switch {
	case apperrors.IsAppError(err):
		return apperrors.GetErrorCode(err), apperrors.GetHTTPStatusCode(err)
	case errors.Is(err, ports.ErrNotFound):
		return apperrors.ErrCodeNotFound, http.StatusNotFound
	default:
		return apperrors.ErrCodePersistence, http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind, status := classify(err)
	requestID := middleware.RequestIDFromContext(r.Context())

	message := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	if status == http.StatusInternalServerError {
		message = "Internal server error"
	}
	if status == http.StatusNotFound && !apperrors.IsAppError(err) {
		message = "Resource not found"
	}

	entry := h.logger.WithError(err).WithFields(map[string]interface{}{
		"kind":       kind,
		"code":       status,
		"request_id": requestID,
	})
	if status >= 500 {
		entry.Error("API error response")
	} else {
		entry.Debug("API error response")
	}

	h.writeJSON(w, status, ErrorResponse{
		Error:     message,
		Kind:      string(kind),
		Code:      status,
		Timestamp: time.Now(),
		RequestID: requestID,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.WithError(err).Warn("Failed to encode response")
	}
}
