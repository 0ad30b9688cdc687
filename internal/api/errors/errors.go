// Пакет errors: конструкторы стандартных ошибок HTTP API Clip Relay.
// Единый формат: {"error": {"code": "...", "message": "..."}}.
package errors //nolint:revive // конфликт имени со stdlib, импортируется как apierrors

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// Машиночитаемые коды ошибок.
const (
	CodeValidationError      = "VALIDATION_ERROR"
	CodeNotFound             = "NOT_FOUND"
	CodeModeNotAllowed       = "MODE_NOT_ALLOWED"
	CodeInvalidTransition    = "INVALID_TRANSITION"
	CodeConfirmationRequired = "CONFIRMATION_REQUIRED"
	CodePersistenceError     = "PERSISTENCE_ERROR"
	CodeRequestTooLarge      = "REQUEST_TOO_LARGE"
	CodeRateLimited          = "RATE_LIMITED"
	CodeReconcileInProgress  = "RECONCILE_IN_PROGRESS"
	CodeInternalError        = "INTERNAL_ERROR"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError записывает ответ ошибки в стандартном формате.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// ValidationError: 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound: 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// ModeNotAllowed: 409 операция недоступна в текущем режиме.
func ModeNotAllowed(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeModeNotAllowed, message)
}

// InvalidTransition: 409 недопустимый переход между режимами.
func InvalidTransition(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeInvalidTransition, message)
}

// ConfirmationRequired: 409 обратный переход требует подтверждения.
func ConfirmationRequired(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeConfirmationRequired, message)
}

// PersistenceError: 500 ошибка записи на диск.
func PersistenceError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodePersistenceError, message)
}

// RequestTooLarge: 413 тело запроса превышает лимит.
func RequestTooLarge(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusRequestEntityTooLarge, CodeRequestTooLarge, message)
}

// RateLimited: 429 превышен лимит мутаций, с заголовком Retry-After.
func RateLimited(w http.ResponseWriter, retryAfter time.Duration, message string) {
	secs := int(retryAfter.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	WriteError(w, http.StatusTooManyRequests, CodeRateLimited, message)
}

// ReconcileInProgress: 409 сверка уже выполняется.
func ReconcileInProgress(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeReconcileInProgress, message)
}

// InternalError: 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
