package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiwari-pos/settlement/internal/apperr"
	"github.com/kiwari-pos/settlement/internal/logger"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Logger.Error().Err(err).Msg("failed to encode JSON response")
	}
}

// writeError maps the apperr taxonomy to a status code and body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		re *apperr.ReconciliationError
		se *apperr.InsufficientStockError
		ae *apperr.Error
	)
	switch {
	case errors.As(err, &re):
		logger.Error(r.Context()).Err(err).Str("key", re.Key).Msg("settlement incomplete")
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":     "settlement incomplete",
			"key":       re.Key,
			"completed": re.Completed,
			"failed":    re.Failed,
			"hint":      "retry the same request to resume, or contact support",
		})
	case errors.As(err, &se):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":     "insufficient stock",
			"item_id":   se.ItemID,
			"requested": se.Requested,
			"available": se.Available,
		})
	case errors.As(err, &ae):
		body := map[string]interface{}{"error": ae.Error()}
		if ae.Field != "" {
			body["field"] = ae.Field
		}
		switch ae.Kind {
		case apperr.KindValidation:
			writeJSON(w, http.StatusBadRequest, body)
		case apperr.KindNotFound:
			writeJSON(w, http.StatusNotFound, body)
		case apperr.KindConflict:
			writeJSON(w, http.StatusConflict, body)
		case apperr.KindUnavailable:
			logger.Error(r.Context()).Err(err).Msg("upstream unavailable")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "service temporarily unavailable, retry"})
		default:
			writeInternal(w, r, err)
		}
	default:
		writeInternal(w, r, err)
	}
}

func writeInternal(w http.ResponseWriter, r *http.Request, err error) {
	logger.Error(r.Context()).Err(err).Str("path", r.URL.Path).Msg("unhandled error")
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
}

// decodeBody decodes the JSON request body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

// parseID reads a UUID path parameter, writing a 400 on failure.
func parseID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid " + param})
		return uuid.Nil, false
	}
	return id, true
}
