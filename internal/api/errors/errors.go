// Пакет errors — единый формат ошибок HTTP API fileditch.
// Формат: {"error": {"code": "...", "message": "..."}}.
// Все HTTP-ответы с ошибками должны использовать WriteError.
package errors //nolint:revive // имя пакета совпадает со stdlib, импортируется как apierrors

import (
	"encoding/json"
	"net/http"
)

// Коды ошибок, описанные в OpenAPI контракте.
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeUnsupportedType = "UNSUPPORTED_TYPE"
	CodeFileTooLarge    = "FILE_TOO_LARGE"
	CodeNotFound        = "NOT_FOUND"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeRateLimited     = "RATE_LIMITED"
	CodeSweepInProgress = "SWEEP_IN_PROGRESS"
	CodeReconcileBusy   = "RECONCILE_IN_PROGRESS"
	CodeInternalError   = "INTERNAL_ERROR"
)

// errorBody — тело ответа ошибки.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError записывает ответ ошибки в едином формате.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// ValidationError — 400 некорректная форма или параметры.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// UnsupportedType — 400 расширение не разрешено.
func UnsupportedType(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeUnsupportedType, message)
}

// FileTooLarge — 413 файл превышает лимит.
func FileTooLarge(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusRequestEntityTooLarge, CodeFileTooLarge, message)
}

// NotFound — 404. Одинаков для несуществующих и истёкших файлов.
func NotFound(w http.ResponseWriter) {
	WriteError(w, http.StatusNotFound, CodeNotFound, "Файл не найден или срок его хранения истёк")
}

// Unauthorized — 401 требуется вход.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// RateLimited — 429 превышен лимит запросов.
func RateLimited(w http.ResponseWriter) {
	WriteError(w, http.StatusTooManyRequests, CodeRateLimited, "Слишком много запросов, повторите позже")
}

// SweepInProgress — 409 очистка уже выполняется.
func SweepInProgress(w http.ResponseWriter) {
	WriteError(w, http.StatusConflict, CodeSweepInProgress, "Очистка уже выполняется")
}

// ReconcileInProgress — 409 сверка уже выполняется.
func ReconcileInProgress(w http.ResponseWriter) {
	WriteError(w, http.StatusConflict, CodeReconcileBusy, "Сверка уже выполняется")
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
