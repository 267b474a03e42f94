package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/c0deZ3R0/storefront-sync/entity"
	"github.com/c0deZ3R0/storefront-sync/remote"
	"github.com/c0deZ3R0/storefront-sync/service"
	"github.com/c0deZ3R0/storefront-sync/storage"
	storesync "github.com/c0deZ3R0/storefront-sync/sync"
)

// userView is a User without its password hash.
type userView struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	FullName     string    `json:"full_name,omitempty"`
	IsGoogleAuth bool      `json:"is_google_auth"`
	CreatedAt    time.Time `json:"created_at"`
}

func viewOf(u entity.User) userView {
	return userView{
		ID:           u.ID,
		Email:        u.Email,
		FullName:     u.FullName,
		IsGoogleAuth: u.IsGoogleAuth,
		CreatedAt:    u.CreatedAt,
	}
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type googleSignIn struct {
	Email    string `json:"email"`
	FullName string `json:"full_name"`
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in service.NewUser
	if !s.decode(w, r, &in) {
		return
	}
	u, err := s.users.Register(r.Context(), in)
	if err != nil {
		s.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, viewOf(u))
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in credentials
	if !s.decode(w, r, &in) {
		return
	}
	u, err := s.users.Authenticate(r.Context(), in.Email, in.Password)
	if err != nil {
		s.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, viewOf(u))
}

func (s *server) handleGoogle(w http.ResponseWriter, r *http.Request) {
	var in googleSignIn
	if !s.decode(w, r, &in) {
		return
	}
	u, err := s.users.EnsureGoogleUser(r.Context(), in.Email, in.FullName)
	if err != nil {
		s.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, viewOf(u))
}

func (s *server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.users.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, viewOf(u))
}

func (s *server) handleUserByEmail(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if email == "" {
		respondWithError(w, http.StatusBadRequest, "email query parameter is required")
		return
	}
	u, err := s.users.GetByEmail(r.Context(), email)
	if err != nil {
		s.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, viewOf(u))
}

func (s *server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := s.products.List(r.Context(), r.URL.Query().Get("category"))
	if err != nil {
		s.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, products)
}

func (s *server) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var in service.NewProduct
	if !s.decode(w, r, &in) {
		return
	}
	p, err := s.products.Create(r.Context(), in)
	if err != nil {
		s.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, p)
}

func (s *server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := s.products.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, p)
}

type userKey struct{}

// requireUser rejects requests without the user header.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(UserHeader))
		if id == "" {
			respondWithError(w, http.StatusUnauthorized, "missing "+UserHeader+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, id)))
	})
}

func userFrom(r *http.Request) string {
	id, _ := r.Context().Value(userKey{}).(string)
	return id
}

// ownItem reports whether the cart line itemID belongs to the caller. A line
// that cannot be found is answered as not owned.
func (s *server) ownItem(r *http.Request, itemID string) (bool, error) {
	item, err := s.cart.Get(r.Context(), itemID)
	switch {
	case err == nil:
		return item.UserID == userFrom(r), nil
	case storage.IsNotFound(err), remote.IsNotFound(err):
		return false, nil
	}
	return false, err
}

func (s *server) handleListCart(w http.ResponseWriter, r *http.Request) {
	items, err := s.cart.List(r.Context(), userFrom(r))
	if err != nil {
		s.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, items)
}

func (s *server) handleAddToCart(w http.ResponseWriter, r *http.Request) {
	var in service.NewCartItem
	if !s.decode(w, r, &in) {
		return
	}
	item, err := s.cart.Add(r.Context(), userFrom(r), in)
	if err != nil {
		s.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, item)
}

func (s *server) handleUpdateCartItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	owned, err := s.ownItem(r, itemID)
	if err != nil {
		s.respondWithServiceError(w, r, err)
		return
	}
	if !owned {
		respondWithError(w, http.StatusNotFound, "cart item not found")
		return
	}
	var upd service.CartItemUpdate
	if !s.decode(w, r, &upd) {
		return
	}
	item, err := s.cart.Update(r.Context(), itemID, upd)
	if err != nil {
		s.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, item)
}

func (s *server) handleRemoveCartItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	owned, err := s.ownItem(r, itemID)
	if err != nil {
		s.respondWithServiceError(w, r, err)
		return
	}
	if !owned {
		respondWithError(w, http.StatusNotFound, "cart item not found")
		return
	}
	if err := s.cart.Remove(r.Context(), itemID); err != nil {
		s.respondWithServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type syncResponse struct {
	Online       bool     `json:"online"`
	Attempted    int      `json:"attempted"`
	Applied      int      `json:"applied"`
	Failed       int      `json:"failed"`
	DeadLettered int      `json:"dead_lettered"`
	Skipped      int      `json:"skipped"`
	DurationMS   int64    `json:"duration_ms"`
	Errors       []string `json:"errors,omitempty"`
}

func (s *server) handleSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.sync.Sync(r.Context())
	if err != nil {
		s.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toSyncResponse(res))
}

func toSyncResponse(res *storesync.Result) syncResponse {
	out := syncResponse{
		Online:       res.Online,
		Attempted:    res.Attempted,
		Applied:      res.Applied,
		Failed:       res.Failed,
		DeadLettered: res.DeadLettered,
		Skipped:      res.Skipped,
		DurationMS:   res.Duration.Milliseconds(),
	}
	for _, e := range res.Errors {
		out.Errors = append(out.Errors, e.Error())
	}
	return out
}

func (s *server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.sync.Status(r.Context())
	if err != nil {
		s.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, st)
}

func (s *server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		respondWithError(w, http.StatusNotFound, "metrics are disabled")
		return
	}
	respondWithJSON(w, http.StatusOK, s.metrics.Snapshot())
}
