package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	syncErrors "github.com/c0deZ3R0/storefront-sync/errors"
	"github.com/c0deZ3R0/storefront-sync/logging"
	"github.com/c0deZ3R0/storefront-sync/remote"
	"github.com/c0deZ3R0/storefront-sync/service"
	"github.com/c0deZ3R0/storefront-sync/storage"
)

var errEmptyBody = errors.New("request body is required")

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		code = http.StatusInternalServerError
		response = []byte(`{"error":"failed to marshal response"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

// statusFor maps a service error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case storage.IsNotFound(err), remote.IsNotFound(err):
		return http.StatusNotFound
	}
	switch syncErrors.KindOf(err) {
	case syncErrors.KindInvalid:
		return http.StatusBadRequest
	case syncErrors.KindNotFound:
		return http.StatusNotFound
	case syncErrors.KindConflict:
		return http.StatusConflict
	case syncErrors.KindLocalStorage:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *server) respondWithServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	switch code {
	case http.StatusNotFound:
		msg = "not found"
	case http.StatusBadRequest, http.StatusConflict:
		var syncErr *syncErrors.SyncError
		if errors.As(err, &syncErr) && syncErr.Err != nil {
			msg = syncErr.Err.Error()
		}
	case http.StatusServiceUnavailable, http.StatusInternalServerError:
		logging.From(s.logger).WithContext(r.Context()).LogError(r.Context(), err, "Request failed",
			slog.String("path", r.URL.Path))
		msg = http.StatusText(code)
	}
	respondWithError(w, code, msg)
}

// decode reads a JSON body into dst, answering 400 on failure.
func (s *server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			respondWithError(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			respondWithError(w, http.StatusBadRequest, errEmptyBody.Error())
		default:
			respondWithError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		}
		return false
	}
	return true
}
