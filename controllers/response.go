package controllers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"medcrm/models"
	"medcrm/services"
)

// errorResponse тело ответа с ошибкой
type errorResponse struct {
	Error    string   `json:"error"`
	Category string   `json:"category"`
	Details  []string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Ошибка кодирования ответа", "error", err)
	}
}

// statusFor сопоставляет ошибку сервиса с HTTP-кодом
func statusFor(err error) int {
	switch services.Classify(err) {
	case services.CategoryOK:
		return http.StatusOK
	case services.CategoryDeclined:
		return http.StatusPaymentRequired
	case services.CategoryUnavailable:
		return http.StatusServiceUnavailable
	case services.CategoryRejected:
		switch {
		case errors.Is(err, services.ErrNotFound):
			return http.StatusNotFound
		case errors.Is(err, services.ErrConflict),
			errors.Is(err, services.ErrAlreadyConfigured),
			errors.Is(err, services.ErrSweepInProgress),
			errors.Is(err, models.ErrInvalidTransition),
			errors.Is(err, models.ErrTransactionFinalized):
			return http.StatusConflict
		case errors.Is(err, services.ErrUnsupportedPaymentMethod):
			return http.StatusUnprocessableEntity
		default:
			return http.StatusBadRequest
		}
	default:
		return http.StatusInternalServerError
	}
}

// writeError отправляет ошибку сервиса с соответствующим кодом
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := newErrorResponse(err, status)
	if status == http.StatusInternalServerError {
		slog.Error("Внутренняя ошибка", "error", err)
	}
	writeJSON(w, status, body)
}

func newErrorResponse(err error, status int) errorResponse {
	body := errorResponse{Error: err.Error(), Category: string(services.Classify(err))}
	if status == http.StatusInternalServerError {
		body.Error = "Internal server error"
	}
	var validationErr *services.ValidationError
	if errors.As(err, &validationErr) {
		body.Details = validationErr.Messages
	}
	return body
}

// pathID извлекает числовой идентификатор из пути
func pathID(r *http.Request, name string) (uint, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)[name], 10, 32)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func decodeBody(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}
