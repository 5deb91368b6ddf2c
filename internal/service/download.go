// download.go — сервис скачивания файлов и получения метаданных.
//
// Поток скачивания:
//  1. Поиск живой записи (кэш → хранилище метаданных)
//  2. Открытие байт на диске; пропажа файла после поиска — обычный 404
//  3. Отдача через http.ServeContent (Range, If-None-Match)
//  4. Асинхронный учёт: AccessEvent всегда, DownloadCount только при полной отдаче
package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/aShanki/fileditch/internal/api/middleware"
	"github.com/aShanki/fileditch/internal/domain/model"
	"github.com/aShanki/fileditch/internal/repository"
	"github.com/aShanki/fileditch/internal/storage/filestore"
)

const (
	// maxCacheAge — верхняя граница Cache-Control max-age
	maxCacheAge = time.Hour
	// accountingTimeout — таймаут фоновой записи учёта скачивания
	accountingTimeout = 5 * time.Second
)

// DownloadService — сервис скачивания файлов.
type DownloadService struct {
	repo   repository.FileRepository
	files  *filestore.FileStore
	cache  *RecordCache
	now    func() time.Time
	logger *slog.Logger

	// wg отслеживает фоновые горутины учёта скачиваний
	wg sync.WaitGroup
}

// NewDownloadService создаёт сервис скачивания. cache может быть nil.
func NewDownloadService(
	repo repository.FileRepository,
	files *filestore.FileStore,
	cache *RecordCache,
	logger *slog.Logger,
) *DownloadService {
	return &DownloadService{
		repo:   repo,
		files:  files,
		cache:  cache,
		now:    time.Now,
		logger: logger.With(slog.String("component", "download_service")),
	}
}

// SetClock подменяет источник текущего времени.
func (s *DownloadService) SetClock(now func() time.Time) {
	s.now = now
}

// Serve отдаёт байты файла publicID.
// Возвращает ErrNotFound, если запись не найдена, истекла или байты пропали;
// в этом случае в w ничего не записано. После начала отдачи возвращает nil.
func (s *DownloadService) Serve(w http.ResponseWriter, r *http.Request, publicID string) error {
	now := s.now().UTC()

	rec, err := s.lookup(r.Context(), publicID, now)
	if err != nil {
		middleware.OperationsTotal.WithLabelValues("download", "not_found").Inc()
		return err
	}

	f, err := s.files.Open(rec.StorageLocation)
	if err != nil {
		s.cache.Delete(publicID)
		if errors.Is(err, fs.ErrNotExist) {
			// Запись удалена очисткой между поиском и отдачей
			s.logger.Info("Байты файла удалены до начала отдачи",
				slog.String("public_id", publicID),
			)
		} else {
			s.logger.Error("Ошибка открытия файла",
				slog.String("public_id", publicID),
				slog.String("error", err.Error()),
			)
		}
		middleware.OperationsTotal.WithLabelValues("download", "not_found").Inc()
		return ErrNotFound
	}
	defer f.Close()

	h := w.Header()
	h.Set("Content-Type", rec.ContentType())
	h.Set("Content-Disposition", contentDisposition(rec.OriginalName))
	h.Set("Cache-Control", cacheControl(rec.ExpiresAt.Sub(now)))
	h.Set("X-Content-Type-Options", "nosniff")
	if rec.Checksum != "" {
		h.Set("ETag", strconv.Quote(rec.Checksum))
	}

	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	http.ServeContent(sw, r, "", rec.CreatedAt, f)

	disconnected := r.Context().Err() != nil
	complete := r.Method == http.MethodGet &&
		sw.status == http.StatusOK &&
		!disconnected &&
		sw.written == rec.SizeBytes

	switch {
	case disconnected:
		s.logger.Info("Клиент отключился во время скачивания",
			slog.String("public_id", publicID),
			slog.Int64("sent", sw.written),
			slog.Int64("size", rec.SizeBytes),
		)
		middleware.OperationsTotal.WithLabelValues("download", "aborted").Inc()
	case complete:
		middleware.OperationsTotal.WithLabelValues("download", "success").Inc()
	default:
		middleware.OperationsTotal.WithLabelValues("download", "partial").Inc()
	}

	s.account(rec, middleware.ClientIP(r), r.UserAgent(), now, complete)
	return nil
}

// Info возвращает метаданные живой записи.
// Всегда читает хранилище метаданных, чтобы счётчик скачиваний был актуален.
func (s *DownloadService) Info(ctx context.Context, publicID string) (*model.FileRecord, error) {
	rec, err := s.repo.GetLive(ctx, publicID, s.now().UTC())
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Error("Ошибка чтения записи",
				slog.String("public_id", publicID),
				slog.String("error", err.Error()),
			)
		}
		middleware.OperationsTotal.WithLabelValues("info", "not_found").Inc()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, publicID)
	}
	middleware.OperationsTotal.WithLabelValues("info", "success").Inc()
	return rec, nil
}

// Wait ожидает завершения фоновых записей учёта.
func (s *DownloadService) Wait() {
	s.wg.Wait()
}

// lookup ищет живую запись: сначала в кэше, затем в хранилище.
// Ошибка хранилища трактуется как отсутствие файла.
func (s *DownloadService) lookup(ctx context.Context, publicID string, now time.Time) (*model.FileRecord, error) {
	if rec, ok := s.cache.Get(publicID); ok {
		if rec.IsLive(now) {
			return rec, nil
		}
		s.cache.Delete(publicID)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, publicID)
	}

	rec, err := s.repo.GetLive(ctx, publicID, now)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Error("Ошибка чтения записи, ответ 404",
				slog.String("public_id", publicID),
				slog.String("error", err.Error()),
			)
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, publicID)
	}

	s.cache.Set(rec)
	return rec, nil
}

// account в фоне записывает AccessEvent и, при полной отдаче, увеличивает счётчик.
// Ошибки только логируются: запись могла быть удалена очисткой.
func (s *DownloadService) account(rec *model.FileRecord, ip, userAgent string, at time.Time, complete bool) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), accountingTimeout)
		defer cancel()

		event := &model.AccessEvent{
			FileID:     rec.ID,
			IPAddress:  ip,
			UserAgent:  userAgent,
			AccessedAt: at,
		}
		if err := s.repo.LogAccess(ctx, event); err != nil {
			s.logger.Warn("Не удалось записать событие доступа",
				slog.String("public_id", rec.PublicID),
				slog.String("error", err.Error()),
			)
		}

		if !complete {
			return
		}
		if err := s.repo.IncrementDownload(ctx, rec.ID); err != nil {
			s.logger.Warn("Не удалось увеличить счётчик скачиваний",
				slog.String("public_id", rec.PublicID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// contentDisposition формирует inline-заголовок с исходным именем файла.
// Не-ASCII имена кодируются по RFC 2231.
func contentDisposition(name string) string {
	if name == "" {
		return "inline"
	}
	if v := mime.FormatMediaType("inline", map[string]string{"filename": name}); v != "" {
		return v
	}
	return "inline"
}

// cacheControl ограничивает max-age оставшимся сроком жизни файла.
func cacheControl(remaining time.Duration) string {
	if remaining > maxCacheAge {
		remaining = maxCacheAge
	}
	secs := int64(remaining / time.Second)
	if secs < 0 {
		secs = 0
	}
	return "public, max-age=" + strconv.FormatInt(secs, 10)
}

// statusWriter перехватывает статус-код и объём отданных байт.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.written += int64(n)
	return n, err
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
