// upload.go — сервис загрузки файлов с WAL-транзакциями.
//
// Загрузка выполняется в две фазы:
//  1. Stage — проверка расширения, WAL Begin, потоковая запись байт на диск
//  2. Commit — генерация publicId и вставка записи метаданных, WAL Commit
//
// Между фазами обработчик может дочитать остальные поля формы.
// Abort удаляет записанные байты и откатывает WAL. В результате на диске
// и в хранилище метаданных появляется либо файл вместе с записью, либо ничего.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/aShanki/fileditch/internal/api/middleware"
	"github.com/aShanki/fileditch/internal/domain/model"
	"github.com/aShanki/fileditch/internal/repository"
	"github.com/aShanki/fileditch/internal/storage/filestore"
	"github.com/aShanki/fileditch/internal/storage/wal"
)

// UploadPolicy — правила приёма файлов.
type UploadPolicy struct {
	// BaseURL — префикс публичной ссылки без завершающего '/'
	BaseURL string
	// MaxFileSize — максимальный размер файла в байтах
	MaxFileSize int64
	// AllowedTypes — разрешённые расширения без точки; nil — любые
	AllowedTypes []string
	// DefaultExpireHours — срок хранения по умолчанию
	DefaultExpireHours int
	// MaxExpireHours — верхняя граница запрошенного срока
	MaxExpireHours int
	// NameMaxAttempts — лимит повторов вставки при конфликте publicId
	NameMaxAttempts int
}

// StageParams — входные данные первой фазы загрузки.
type StageParams struct {
	// Reader — поток байт файла
	Reader io.Reader
	// OriginalName — имя файла от клиента
	OriginalName string
	// ContentType — MIME-тип из заголовка части формы
	ContentType string
}

// StagedUpload — байты, записанные на диск, но ещё не зарегистрированные.
type StagedUpload struct {
	originalName string
	mimeType     string
	saved        *filestore.SaveResult
	tx           *wal.Entry
	finished     bool
}

// Size возвращает фактический размер записанных байт.
func (st *StagedUpload) Size() int64 {
	return st.saved.Size
}

// UploadResult — результат успешной загрузки.
type UploadResult struct {
	// URL — публичная ссылка {baseUrl}/file/{publicId}
	URL string
	// ExpiresAt — момент истечения
	ExpiresAt time.Time
	// Record — созданная запись
	Record *model.FileRecord
}

// UploadService — сервис загрузки файлов.
type UploadService struct {
	repo   repository.FileRepository
	files  *filestore.FileStore
	wal    *wal.WAL
	names  *NameGenerator
	policy UploadPolicy
	now    func() time.Time
	logger *slog.Logger
}

// NewUploadService создаёт сервис загрузки.
func NewUploadService(
	repo repository.FileRepository,
	files *filestore.FileStore,
	walEngine *wal.WAL,
	names *NameGenerator,
	policy UploadPolicy,
	logger *slog.Logger,
) *UploadService {
	if policy.NameMaxAttempts < 1 {
		policy.NameMaxAttempts = 1
	}
	return &UploadService{
		repo:   repo,
		files:  files,
		wal:    walEngine,
		names:  names,
		policy: policy,
		now:    time.Now,
		logger: logger.With(slog.String("component", "upload_service")),
	}
}

// SetClock подменяет источник текущего времени.
func (s *UploadService) SetClock(now func() time.Time) {
	s.now = now
}

// Upload выполняет обе фазы загрузки подряд.
func (s *UploadService) Upload(ctx context.Context, params StageParams, expireHours string) (*UploadResult, error) {
	staged, err := s.Stage(params)
	if err != nil {
		return nil, err
	}
	return s.Commit(ctx, staged, expireHours)
}

// Stage проверяет расширение и записывает байты на диск под новым путём хранения.
//
// Ошибки: ErrUnsupportedType, ErrPayloadTooLarge, ErrStore.
// При ошибке на диске ничего не остаётся.
func (s *UploadService) Stage(params StageParams) (*StagedUpload, error) {
	if !s.extensionAllowed(params.OriginalName) {
		middleware.OperationsTotal.WithLabelValues("upload", "unsupported_type").Inc()
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, FileExtension(params.OriginalName))
	}

	location := filestore.NewStorageLocation()
	tx, err := s.wal.Begin(location)
	if err != nil {
		middleware.OperationsTotal.WithLabelValues("upload", "error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}

	saved, err := s.files.SaveFile(params.Reader, location, s.policy.MaxFileSize)
	if err != nil {
		s.rollbackWAL(tx.TransactionID)

		var maxBytesErr *http.MaxBytesError
		if errors.Is(err, filestore.ErrTooLarge) || errors.As(err, &maxBytesErr) {
			middleware.OperationsTotal.WithLabelValues("upload", "too_large").Inc()
			return nil, fmt.Errorf("%w: лимит %d байт", ErrPayloadTooLarge, s.policy.MaxFileSize)
		}

		middleware.OperationsTotal.WithLabelValues("upload", "error").Inc()
		s.logger.Warn("Ошибка записи файла",
			slog.String("storage_location", location),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}

	return &StagedUpload{
		originalName: params.OriginalName,
		mimeType:     detectMimeType(params.ContentType, saved.Head),
		saved:        saved,
		tx:           tx,
	}, nil
}

// Commit регистрирует записанный файл: генерирует publicId и вставляет запись.
// Конфликт publicId при вставке приводит к повторной генерации.
//
// Ошибки: ErrNameGeneration, ErrStore. При ошибке байты удаляются.
func (s *UploadService) Commit(ctx context.Context, staged *StagedUpload, expireHours string) (*UploadResult, error) {
	if staged.finished {
		return nil, errors.New("загрузка уже завершена")
	}

	now := s.now().UTC()
	hours := ParseExpireHours(expireHours, s.policy.DefaultExpireHours, s.policy.MaxExpireHours)

	rec := &model.FileRecord{
		OriginalName:    staged.originalName,
		StorageLocation: staged.saved.StorageLocation,
		MimeType:        staged.mimeType,
		SizeBytes:       staged.saved.Size,
		Checksum:        staged.saved.Checksum,
		CreatedAt:       now,
		ExpiresAt:       now.Add(time.Duration(hours) * time.Hour),
	}

	inserted := false
	for attempt := 1; attempt <= s.policy.NameMaxAttempts; attempt++ {
		publicID, err := s.names.Generate(ctx, staged.originalName)
		if err != nil {
			s.Abort(staged)
			s.countFailure(err)
			return nil, err
		}

		rec.PublicID = publicID
		err = s.repo.Insert(ctx, rec)
		if err == nil {
			inserted = true
			break
		}
		if !errors.Is(err, repository.ErrConflict) {
			s.Abort(staged)
			middleware.OperationsTotal.WithLabelValues("upload", "error").Inc()
			return nil, fmt.Errorf("%w: вставка записи: %v", ErrStore, err)
		}

		s.logger.Warn("Конфликт publicId при вставке, повторная генерация",
			slog.String("public_id", publicID),
			slog.Int("attempt", attempt),
		)
	}

	if !inserted {
		s.Abort(staged)
		middleware.OperationsTotal.WithLabelValues("upload", "name_generation").Inc()
		return nil, fmt.Errorf("%w: %d конфликтов при вставке", ErrNameGeneration, s.policy.NameMaxAttempts)
	}

	staged.finished = true
	if err := s.wal.Commit(staged.tx.TransactionID); err != nil {
		// Запись уже вставлена: при рестарте восстановление подтвердит транзакцию
		s.logger.Error("Ошибка подтверждения WAL",
			slog.String("tx_id", staged.tx.TransactionID),
			slog.String("error", err.Error()),
		)
	}

	middleware.OperationsTotal.WithLabelValues("upload", "success").Inc()
	middleware.UploadedBytesTotal.Add(float64(rec.SizeBytes))

	s.logger.Info("Файл загружен",
		slog.String("public_id", rec.PublicID),
		slog.String("storage_location", rec.StorageLocation),
		slog.Int64("size", rec.SizeBytes),
		slog.String("mime_type", rec.MimeType),
		slog.Time("expires_at", rec.ExpiresAt),
	)

	return &UploadResult{
		URL:       s.policy.BaseURL + "/file/" + rec.PublicID,
		ExpiresAt: rec.ExpiresAt,
		Record:    rec,
	}, nil
}

// Abort удаляет записанные байты и откатывает WAL. Повторный вызов ничего не делает.
func (s *UploadService) Abort(staged *StagedUpload) {
	if staged == nil || staged.finished {
		return
	}
	staged.finished = true

	if err := s.files.Delete(staged.saved.StorageLocation); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Error("Ошибка удаления байт отменённой загрузки",
			slog.String("storage_location", staged.saved.StorageLocation),
			slog.String("error", err.Error()),
		)
		// WAL остаётся pending: восстановление при старте удалит файл
		return
	}
	s.rollbackWAL(staged.tx.TransactionID)
}

// RecoverPending завершает транзакции, прерванные остановкой процесса.
// Если запись метаданных ссылается на путь хранения, транзакция подтверждается,
// иначе байты удаляются и транзакция откатывается.
func (s *UploadService) RecoverPending(ctx context.Context) (int, error) {
	pending, err := s.wal.Pending()
	if err != nil {
		return 0, fmt.Errorf("ошибка чтения WAL: %w", err)
	}

	recovered := 0
	for _, entry := range pending {
		log := s.logger.With(
			slog.String("tx_id", entry.TransactionID),
			slog.String("storage_location", entry.StorageLocation),
		)

		referenced, err := s.repo.HasStorageLocation(ctx, entry.StorageLocation)
		if err != nil {
			log.Error("Ошибка проверки записи при восстановлении WAL", slog.String("error", err.Error()))
			continue
		}

		if referenced {
			if err := s.wal.Commit(entry.TransactionID); err != nil {
				log.Error("Ошибка подтверждения WAL при восстановлении", slog.String("error", err.Error()))
				continue
			}
			log.Info("Незавершённая загрузка подтверждена")
			recovered++
			continue
		}

		if err := s.files.Delete(entry.StorageLocation); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Error("Ошибка удаления байт при восстановлении WAL", slog.String("error", err.Error()))
			continue
		}
		if err := s.files.DeleteTemp(entry.StorageLocation); err != nil {
			log.Error("Ошибка удаления временного файла при восстановлении WAL", slog.String("error", err.Error()))
			continue
		}
		s.rollbackWAL(entry.TransactionID)
		log.Info("Незавершённая загрузка откачена")
		recovered++
	}

	return recovered, nil
}

func (s *UploadService) rollbackWAL(txID string) {
	if err := s.wal.Rollback(txID); err != nil {
		s.logger.Error("Ошибка отката WAL",
			slog.String("tx_id", txID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *UploadService) countFailure(err error) {
	result := "error"
	if errors.Is(err, ErrNameGeneration) {
		result = "name_generation"
	}
	middleware.OperationsTotal.WithLabelValues("upload", result).Inc()
}

// extensionAllowed проверяет расширение по списку разрешённых.
func (s *UploadService) extensionAllowed(originalName string) bool {
	if s.policy.AllowedTypes == nil {
		return true
	}
	ext := FileExtension(originalName)
	return ext != "" && slices.Contains(s.policy.AllowedTypes, ext)
}

// ParseExpireHours разбирает запрошенный срок хранения в часах.
// Пустое, нечисловое или неположительное значение заменяется на def,
// значение больше maxHours ограничивается maxHours (если maxHours > 0).
func ParseExpireHours(raw string, def, maxHours int) int {
	hours, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || hours <= 0 {
		hours = def
	}
	if maxHours > 0 && hours > maxHours {
		hours = maxHours
	}
	return hours
}

// detectMimeType возвращает заявленный тип или, если он пустой либо
// application/octet-stream, тип по сигнатуре первых байт.
func detectMimeType(declared string, head []byte) string {
	declared = strings.TrimSpace(declared)
	if declared != "" && declared != model.DefaultMimeType {
		return declared
	}
	if len(head) == 0 {
		return declared
	}
	return mimetype.Detect(head).String()
}
