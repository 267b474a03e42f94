package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/c0deZ3R0/storefront-sync/auth"
	"github.com/c0deZ3R0/storefront-sync/connectivity"
	"github.com/c0deZ3R0/storefront-sync/entity"
	syncErrors "github.com/c0deZ3R0/storefront-sync/errors"
	"github.com/c0deZ3R0/storefront-sync/logging"
	"github.com/c0deZ3R0/storefront-sync/remote"
	"github.com/c0deZ3R0/storefront-sync/remote/remotetest"
	"github.com/c0deZ3R0/storefront-sync/service"
	"github.com/c0deZ3R0/storefront-sync/storage"
	"github.com/c0deZ3R0/storefront-sync/storage/sqlite"
	storesync "github.com/c0deZ3R0/storefront-sync/sync"
)

type testServer struct {
	handler http.Handler
	remote  *remotetest.Backend
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	config := sqlite.DefaultConfig(filepath.Join(t.TempDir(), "local.db"))
	config.Logger = logging.Discard()
	store, err := sqlite.New(context.Background(), config)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	backend := remotetest.New()
	probe := connectivity.NewProbe(backend, connectivity.WithLogger(logging.Discard()))

	counters := &storesync.Counters{}
	manager, err := storesync.NewManager(store, backend.Remote(), probe,
		storesync.WithLogger(logging.Discard()), storesync.WithMetrics(counters))
	require.NoError(t, err)

	o := service.NewOrchestrator(store, backend.Remote(), probe,
		service.WithLogger(logging.Discard()), service.WithDrainer(manager))

	handler, err := NewServer(Config{
		Users:    service.NewUserService(o, auth.NewBcrypt(bcrypt.MinCost)),
		Products: service.NewProductService(o),
		Cart:     service.NewCartService(o),
		Sync:     manager,
		Metrics:  counters,
		Logger:   logging.Discard(),
		Events:   manager,
	})
	require.NoError(t, err)
	return &testServer{handler: handler, remote: backend}
}

func (ts *testServer) do(t *testing.T, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewServerRequiresServices(t *testing.T) {
	_, err := NewServer(Config{})
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("Content-Type"))
}

func TestRegisterAndLogin(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"email": "Ana@Example.com", "password": "secret", "full_name": "Ana",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "hashed_password")
	created := decodeBody[map[string]interface{}](t, rec)
	assert.Equal(t, "ana@example.com", created["email"])

	rec = ts.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"email": "ana@example.com", "password": "other",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email": "ana@example.com", "password": "secret",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created["id"], decodeBody[map[string]interface{}](t, rec)["id"])

	rec = ts.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email": "ana@example.com", "password": "nope",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/users?email=ANA@example.com", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/api/v1/users/%s", created["id"]), "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGoogleSignIn(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/v1/auth/google", "", map[string]string{"email": "g@example.com", "full_name": "G"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody[map[string]interface{}](t, rec)["is_google_auth"])
}

func TestProducts(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/products", "", service.NewProduct{Name: "Tea", Price: 2, Category: "drinks"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	p := decodeBody[entity.Product](t, rec)
	assert.True(t, p.IsAvailable)

	rec = ts.do(t, http.MethodGet, "/api/v1/products/"+p.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Tea", decodeBody[entity.Product](t, rec).Name)

	rec = ts.do(t, http.MethodGet, "/api/v1/products?category=drinks", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]entity.Product](t, rec), 1)

	rec = ts.do(t, http.MethodGet, "/api/v1/products?category=mains", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/v1/products/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/products", "", service.NewProduct{Name: "Bad", Price: -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCartRequiresUser(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/v1/cart", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCartOfflineThenSync(t *testing.T) {
	ts := newTestServer(t)
	ts.remote.SetOnline(false)

	rec := ts.do(t, http.MethodPost, "/api/v1/cart", "u1", service.NewCartItem{ProductID: "p1", Quantity: 2})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	item := decodeBody[entity.CartItem](t, rec)
	assert.Equal(t, "u1_p1", item.ID)

	rec = ts.do(t, http.MethodPut, "/api/v1/cart/u1_p1", "u1", map[string]int{"quantity": 5})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, decodeBody[entity.CartItem](t, rec).Quantity)

	rec = ts.do(t, http.MethodGet, "/api/v1/cart", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]entity.CartItem](t, rec), 1)

	rec = ts.do(t, http.MethodGet, "/api/v1/sync/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decodeBody[storesync.Status](t, rec)
	assert.False(t, st.Online)
	assert.Equal(t, 2, st.Pending)

	ts.remote.SetOnline(true)
	rec = ts.do(t, http.MethodPost, "/api/v1/sync", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeBody[map[string]interface{}](t, rec)
	assert.Equal(t, float64(2), res["applied"])

	got, ok := ts.remote.Cart().Lookup("u1_p1")
	require.True(t, ok)
	assert.Equal(t, 5, got.Quantity)

	rec = ts.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(2), decodeBody[storesync.CountersSnapshot](t, rec).Applied)
}

func TestCartItemOwnership(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/v1/cart", "u1", service.NewCartItem{ProductID: "p1", Quantity: 1})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/v1/cart/u1_p1", "u2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/v1/cart/u1_p1", "u1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, ok := ts.remote.Cart().Lookup("u1_p1")
	assert.False(t, ok)

	rec = ts.do(t, http.MethodPut, "/api/v1/cart/u1_p1", "u1", map[string]int{"quantity": 2})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCartItemOwnershipIgnoresSharedPrefix(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/v1/cart", "a_b", service.NewCartItem{ProductID: "p1", Quantity: 1})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "a_b_p1", decodeBody[entity.CartItem](t, rec).ID)

	rec = ts.do(t, http.MethodPut, "/api/v1/cart/a_b_p1", "a", map[string]int{"quantity": 9})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = ts.do(t, http.MethodDelete, "/api/v1/cart/a_b_p1", "a", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	got, ok := ts.remote.Cart().Lookup("a_b_p1")
	require.True(t, ok)
	assert.Equal(t, 1, got.Quantity)

	rec = ts.do(t, http.MethodPut, "/api/v1/cart/a_b_p1", "a_b", map[string]int{"quantity": 3})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBadBodies(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/products", "", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/products", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "request body is required")

	rec = ts.do(t, http.MethodPost, "/api/v1/products", "", `{"name":"x","price":1,"colour":"red"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/cart", "u1", `{"product_id":"`+strings.Repeat("a", DefaultMaxRequestSize)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{service.ErrInvalidCredentials, http.StatusUnauthorized},
		{storage.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", remote.ErrNotFound), http.StatusNotFound},
		{syncErrors.NewValidationError(syncErrors.OpStore, errors.New("bad")), http.StatusBadRequest},
		{syncErrors.NewConflictError(syncErrors.OpStore, service.ErrEmailTaken), http.StatusConflict},
		{syncErrors.NewLocalStorageError(syncErrors.OpStore, errors.New("disk")), http.StatusServiceUnavailable},
		{syncErrors.E(syncErrors.OpStore, syncErrors.KindNotFound, errors.New("gone")), http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
