// Пакет memstore — потокобезопасное in-memory хранилище метаданных.
//
// Реализует repository.FileRepository без внешней БД: используется
// при FD_METADATA_BACKEND=memory (однопроцессный запуск, разработка)
// и в тестах сервисного слоя.
//
// Не персистентный: при рестарте все записи теряются, а файлы на диске
// становятся сиротами и удаляются сверкой.
package memstore

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aShanki/fileditch/internal/domain/model"
	"github.com/aShanki/fileditch/internal/repository"
)

// Store — in-memory хранилище метаданных.
// Использует sync.RWMutex: конкурентное чтение, эксклюзивная запись.
// Уникальность publicId и storageLocation проверяется под блокировкой записи.
type Store struct {
	mu         sync.RWMutex
	files      map[int64]*model.FileRecord // id → запись
	byPublicID map[string]int64
	byLocation map[string]int64
	events     map[int64][]*model.AccessEvent // file_id → события
	nextFileID int64
	nextEvent  int64
	logger     *slog.Logger
}

var _ repository.FileRepository = (*Store)(nil)

// New создаёт пустое хранилище.
func New(logger *slog.Logger) *Store {
	return &Store{
		files:      make(map[int64]*model.FileRecord),
		byPublicID: make(map[string]int64),
		byLocation: make(map[string]int64),
		events:     make(map[int64][]*model.AccessEvent),
		logger:     logger.With(slog.String("component", "memstore")),
	}
}

// Insert сохраняет копию записи и заполняет f.ID.
func (s *Store) Insert(_ context.Context, f *model.FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byPublicID[f.PublicID]; ok {
		return repository.ErrConflict
	}
	if _, ok := s.byLocation[f.StorageLocation]; ok {
		return repository.ErrConflict
	}

	s.nextFileID++
	f.ID = s.nextFileID

	s.files[f.ID] = f.Clone()
	s.byPublicID[f.PublicID] = f.ID
	s.byLocation[f.StorageLocation] = f.ID
	return nil
}

// GetLive возвращает копию записи, если она не истекла на момент now.
func (s *Store) GetLive(_ context.Context, publicID string, now time.Time) (*model.FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byPublicID[publicID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	f := s.files[id]
	if !f.IsLive(now) {
		return nil, repository.ErrNotFound
	}
	return f.Clone(), nil
}

// Exists проверяет занятость publicId, включая истёкшие записи.
func (s *Store) Exists(_ context.Context, publicID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.byPublicID[publicID]
	return ok, nil
}

// IncrementDownload увеличивает счётчик скачиваний.
func (s *Store) IncrementDownload(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[id]
	if !ok {
		return repository.ErrNotFound
	}
	f.DownloadCount++
	return nil
}

// LogAccess добавляет событие доступа к существующей записи.
func (s *Store) LogAccess(_ context.Context, ev *model.AccessEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[ev.FileID]; !ok {
		return repository.ErrNotFound
	}
	s.nextEvent++
	ev.ID = s.nextEvent

	cp := *ev
	s.events[ev.FileID] = append(s.events[ev.FileID], &cp)
	return nil
}

// ListExpired возвращает копии записей с ExpiresAt <= now,
// отсортированные по времени истечения.
func (s *Store) ListExpired(_ context.Context, now time.Time) ([]*model.FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.FileRecord
	for _, f := range s.files {
		if !f.IsLive(now) {
			result = append(result, f.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ExpiresAt.Before(result[j].ExpiresAt)
	})
	return result, nil
}

// DeleteCascade удаляет запись и её события под одной блокировкой.
func (s *Store) DeleteCascade(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[id]
	if !ok {
		return repository.ErrNotFound
	}
	delete(s.events, id)
	delete(s.byPublicID, f.PublicID)
	delete(s.byLocation, f.StorageLocation)
	delete(s.files, id)
	return nil
}

// HasStorageLocation проверяет, ссылается ли запись на путь.
func (s *Store) HasStorageLocation(_ context.Context, location string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.byLocation[location]
	return ok, nil
}

// StorageLocations возвращает множество путей всех записей.
func (s *Store) StorageLocations(_ context.Context) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]struct{}, len(s.byLocation))
	for loc := range s.byLocation {
		result[loc] = struct{}{}
	}
	return result, nil
}

// CountAccessEvents возвращает число событий доступа записи.
func (s *Store) CountAccessEvents(_ context.Context, fileID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.events[fileID]), nil
}

// Count возвращает общее число записей.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.files)
}

// CheckReady — in-memory хранилище всегда готово.
func (s *Store) CheckReady() (status string, message string) {
	return "ok", "in-memory хранилище"
}
