// Пакет handlers — HTTP handlers fileditch.
// handler.go — общие функции записи ответов.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	apierrors "github.com/aShanki/fileditch/internal/api/errors"
	"github.com/aShanki/fileditch/internal/service"
)

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeServiceError сопоставляет ошибку сервисного слоя с HTTP-ответом.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, service.ErrUnsupportedType):
		apierrors.UnsupportedType(w, "Тип файла не разрешён")
	case errors.Is(err, service.ErrPayloadTooLarge):
		apierrors.FileTooLarge(w, err.Error())
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w)
	case errors.Is(err, service.ErrSweepInProgress):
		apierrors.SweepInProgress(w)
	case errors.Is(err, service.ErrNameGeneration):
		logger.Error("Исчерпан лимит генерации имени", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Не удалось сгенерировать уникальное имя файла")
	default:
		logger.Error("Внутренняя ошибка", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
	}
}
