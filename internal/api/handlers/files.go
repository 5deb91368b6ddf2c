// files.go — HTTP handlers файловых операций: загрузка, скачивание, метаданные.
package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"

	apierrors "github.com/aShanki/fileditch/internal/api/errors"
	"github.com/aShanki/fileditch/internal/service"
)

// multipartOverhead — запас сверх MaxFileSize на заголовки и поля формы.
const multipartOverhead = 1 << 20

// maxFieldLen — максимальная длина текстового поля формы.
const maxFieldLen = 64

// UploadResponse — ответ POST /upload.
type UploadResponse struct {
	URL       string    `json:"url"`
	PublicID  string    `json:"publicId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// FilesHandler — обработчик файловых endpoints.
type FilesHandler struct {
	uploadSvc   *service.UploadService
	downloadSvc *service.DownloadService
	maxFileSize int64
	logger      *slog.Logger
}

// NewFilesHandler создаёт обработчик файловых endpoints.
func NewFilesHandler(
	uploadSvc *service.UploadService,
	downloadSvc *service.DownloadService,
	maxFileSize int64,
	logger *slog.Logger,
) *FilesHandler {
	return &FilesHandler{
		uploadSvc:   uploadSvc,
		downloadSvc: downloadSvc,
		maxFileSize: maxFileSize,
		logger:      logger.With(slog.String("component", "files_handler")),
	}
}

// Upload обрабатывает POST /upload.
// Multipart form: file (обязательно), expireHours (опционально, в любом порядке).
// Файл пишется на диск потоком, без буферизации формы в памяти.
func (h *FilesHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxFileSize+multipartOverhead)

	mr, err := r.MultipartReader()
	if err != nil {
		apierrors.ValidationError(w, "Ожидается multipart/form-data")
		return
	}

	var staged *service.StagedUpload
	// После Commit вызов ничего не делает
	defer func() { h.uploadSvc.Abort(staged) }()

	expireHours := ""
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				apierrors.FileTooLarge(w, "Файл превышает максимальный размер")
				return
			}
			apierrors.ValidationError(w, "Некорректная multipart форма: "+err.Error())
			return
		}

		switch part.FormName() {
		case "file":
			if staged != nil {
				part.Close()
				apierrors.ValidationError(w, "Допускается только один файл")
				return
			}
			staged, err = h.uploadSvc.Stage(service.StageParams{
				Reader:       part,
				OriginalName: part.FileName(),
				ContentType:  part.Header.Get("Content-Type"),
			})
			if err != nil {
				part.Close()
				writeServiceError(w, h.logger, err)
				return
			}
		case "expireHours":
			b, err := io.ReadAll(io.LimitReader(part, maxFieldLen))
			if err != nil {
				part.Close()
				apierrors.ValidationError(w, "Некорректное поле expireHours")
				return
			}
			expireHours = string(b)
		}
		part.Close()
	}

	if staged == nil {
		apierrors.ValidationError(w, "Поле 'file' обязательно")
		return
	}

	result, err := h.uploadSvc.Commit(r.Context(), staged, expireHours)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, UploadResponse{
		URL:       result.URL,
		PublicID:  result.Record.PublicID,
		ExpiresAt: result.ExpiresAt,
	})
}

// Download обрабатывает GET /file/{publicId}.
// Поддерживает Range (206) и If-None-Match (304).
func (h *FilesHandler) Download(w http.ResponseWriter, r *http.Request) {
	publicID, ok := bindPublicID(w, r)
	if !ok {
		return
	}
	if err := h.downloadSvc.Serve(w, r, publicID); err != nil {
		writeServiceError(w, h.logger, err)
	}
}

// Info обрабатывает GET /file/{publicId}/info.
func (h *FilesHandler) Info(w http.ResponseWriter, r *http.Request) {
	publicID, ok := bindPublicID(w, r)
	if !ok {
		return
	}
	rec, err := h.downloadSvc.Info(r.Context(), publicID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, rec)
}

// bindPublicID извлекает path-параметр publicId.
func bindPublicID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var publicID string
	err := runtime.BindStyledParameterWithOptions("simple", "publicId", chi.URLParam(r, "publicId"), &publicID,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil || publicID == "" {
		apierrors.NotFound(w)
		return "", false
	}
	return publicID, true
}
