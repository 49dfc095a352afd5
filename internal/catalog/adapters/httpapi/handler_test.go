package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/mir00r/bluegreen/internal/catalog/adapters/memory"
	"github.com/mir00r/bluegreen/internal/catalog/app"
	"github.com/mir00r/bluegreen/internal/catalog/domain"
	"github.com/mir00r/bluegreen/internal/catalog/ports"
	"github.com/mir00r/bluegreen/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type brokenProductRepository struct{}

func (brokenProductRepository) Save(context.Context, domain.Product) (domain.Product, error) {
	return domain.Product{}, errors.New("connection refused")
}

func (brokenProductRepository) FindByID(context.Context, int64) (domain.Product, error) {
	return domain.Product{}, errors.New("connection refused")
}

func (brokenProductRepository) Delete(context.Context, int64) error {
	return errors.New("connection refused")
}

func newRouter(products ports.ProductRepository) *mux.Router {
	users := memory.NewUserRepository()
	h := NewHandler(UseCases{
		CreateProduct:  app.NewCreateProduct(products),
		GetProduct:     app.NewGetProduct(products),
		DeleteProduct:  app.NewDeleteProduct(products),
		CreateUser:     app.NewCreateUser(users).WithHashCost(bcrypt.MinCost),
		DeactivateUser: app.NewDeactivateUser(users),
	}, logger.NewNop())

	router := mux.NewRouter()
	h.Register(router)
	return router
}

func do(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndFetchProduct(t *testing.T) {
	router := newRouter(memory.NewProductRepository())

	rec := do(t, router, http.MethodPost, "/api/v1/products", `{"name":"Widget","price":9.99}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created domain.Product
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotZero(t, created.ID)
	assert.Equal(t, "Widget", created.Name)
	assert.Equal(t, 9.99, created.Price)
	assert.Equal(t, "/api/v1/products/1", rec.Header().Get("Location"))

	rec = do(t, router, http.MethodGet, "/api/v1/products/1", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodDelete, "/api/v1/products/1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, router, http.MethodGet, "/api/v1/products/1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProductErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		repo     ports.ProductRepository
		method   string
		path     string
		body     string
		wantCode int
		wantKind string
		wantMsg  string
	}{
		{
			name: "negative price", repo: memory.NewProductRepository(),
			method: http.MethodPost, path: "/api/v1/products", body: `{"name":"Widget","price":-1.0}`,
			wantCode: http.StatusBadRequest, wantKind: "VALIDATION_FAILED", wantMsg: "Price cannot be negative",
		},
		{
			name: "missing price", repo: memory.NewProductRepository(),
			method: http.MethodPost, path: "/api/v1/products", body: `{"name":"Widget"}`,
			wantCode: http.StatusBadRequest, wantKind: "INVALID_REQUEST", wantMsg: "Price is required",
		},
		{
			name: "malformed json", repo: memory.NewProductRepository(),
			method: http.MethodPost, path: "/api/v1/products", body: `{"name":`,
			wantCode: http.StatusBadRequest, wantKind: "INVALID_REQUEST", wantMsg: "Invalid JSON body",
		},
		{
			name: "unknown product", repo: memory.NewProductRepository(),
			method: http.MethodGet, path: "/api/v1/products/42",
			wantCode: http.StatusNotFound, wantKind: "NOT_FOUND",
		},
		{
			name: "persistence failure", repo: brokenProductRepository{},
			method: http.MethodPost, path: "/api/v1/products", body: `{"name":"Widget","price":1}`,
			wantCode: http.StatusInternalServerError, wantKind: "PERSISTENCE_FAILED", wantMsg: "Internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, newRouter(tt.repo), tt.method, tt.path, tt.body)
			require.Equal(t, tt.wantCode, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantKind, resp.Kind)
			assert.Equal(t, tt.wantCode, resp.Code)
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, resp.Error)
			}
		})
	}
}

func TestUserEndpoints(t *testing.T) {
	router := newRouter(memory.NewProductRepository())
	body := `{"name":"Ada","email":"ada@example.com","password":"correct-horse"}`

	rec := do(t, router, http.MethodPost, "/api/v1/users", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")

	rec = do(t, router, http.MethodPost, "/api/v1/users", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Email already registered")

	rec = do(t, router, http.MethodDelete, "/api/v1/users/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var user domain.User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &user))
	assert.False(t, user.IsActive)

	rec = do(t, router, http.MethodDelete, "/api/v1/users/99", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPingAndEcho(t *testing.T) {
	router := newRouter(memory.NewProductRepository())

	rec := do(t, router, http.MethodGet, "/api/v1/ping", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"pong"}`, rec.Body.String())

	rec = do(t, router, http.MethodPost, "/api/v1/echo", `{"message":"hello"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"hello"}`, rec.Body.String())
}
