package service

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aShanki/fileditch/internal/domain/model"
	"github.com/aShanki/fileditch/internal/repository"
	"github.com/aShanki/fileditch/internal/storage/filestore"
	"github.com/aShanki/fileditch/internal/storage/memstore"
	"github.com/aShanki/fileditch/internal/storage/wal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeClock — управляемые часы для тестов.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// testEnv — сервисы поверх memstore и временных директорий.
type testEnv struct {
	repo     *memstore.Store
	files    *filestore.FileStore
	wal      *wal.WAL
	cache    *RecordCache
	names    *NameGenerator
	upload   *UploadService
	download *DownloadService
	reaper   *Reaper
	clock    *fakeClock
}

func defaultPolicy() UploadPolicy {
	return UploadPolicy{
		BaseURL:            "http://files.test",
		MaxFileSize:        1 << 20,
		DefaultExpireHours: 24,
		MaxExpireHours:     720,
		NameMaxAttempts:    5,
	}
}

// newTestEnv собирает окружение; repo позволяет обернуть memstore.
func newTestEnv(t *testing.T, policy UploadPolicy, wrap func(repository.FileRepository) repository.FileRepository) *testEnv {
	t.Helper()
	root := t.TempDir()
	logger := testLogger()

	files, err := filestore.New(filepath.Join(root, "data"))
	if err != nil {
		t.Fatalf("Ошибка создания filestore: %v", err)
	}
	w, err := wal.New(filepath.Join(root, "wal"), logger)
	if err != nil {
		t.Fatalf("Ошибка создания WAL: %v", err)
	}

	store := memstore.New(logger)
	var repo repository.FileRepository = store
	if wrap != nil {
		repo = wrap(store)
	}

	clock := newFakeClock()
	cache := NewRecordCache(100, time.Hour)
	names := NewNameGenerator(repo, 32, 5, nil, logger)

	env := &testEnv{
		repo:     store,
		files:    files,
		wal:      w,
		cache:    cache,
		names:    names,
		upload:   NewUploadService(repo, files, w, names, policy, logger),
		download: NewDownloadService(repo, files, cache, logger),
		reaper:   NewReaper(repo, files, w, cache, time.Hour, logger),
		clock:    clock,
	}
	env.upload.SetClock(clock.Now)
	env.download.SetClock(clock.Now)
	env.reaper.SetClock(clock.Now)
	return env
}

// mustUpload загружает содержимое и завершает тест при ошибке.
func (e *testEnv) mustUpload(t *testing.T, name, content, expireHours string) *model.FileRecord {
	t.Helper()
	res, err := e.upload.Upload(context.Background(), StageParams{
		Reader:       strings.NewReader(content),
		OriginalName: name,
		ContentType:  "text/plain",
	}, expireHours)
	if err != nil {
		t.Fatalf("Ошибка загрузки %s: %v", name, err)
	}
	return res.Record
}

// storedFiles возвращает файлы на диске.
func (e *testEnv) storedFiles(t *testing.T) []filestore.StoredFile {
	t.Helper()
	stored, err := e.files.Walk()
	if err != nil {
		t.Fatalf("Ошибка обхода хранилища: %v", err)
	}
	return stored
}

// wrappedRepo — обёртка над хранилищем с подменяемыми методами.
type wrappedRepo struct {
	repository.FileRepository
	insert        func(ctx context.Context, f *model.FileRecord) error
	getLive       func(ctx context.Context, publicID string, now time.Time) (*model.FileRecord, error)
	listExpired   func(ctx context.Context, now time.Time) ([]*model.FileRecord, error)
	deleteCascade func(ctx context.Context, id int64) error
}

func (w *wrappedRepo) Insert(ctx context.Context, f *model.FileRecord) error {
	if w.insert != nil {
		return w.insert(ctx, f)
	}
	return w.FileRepository.Insert(ctx, f)
}

func (w *wrappedRepo) GetLive(ctx context.Context, publicID string, now time.Time) (*model.FileRecord, error) {
	if w.getLive != nil {
		return w.getLive(ctx, publicID, now)
	}
	return w.FileRepository.GetLive(ctx, publicID, now)
}

func (w *wrappedRepo) ListExpired(ctx context.Context, now time.Time) ([]*model.FileRecord, error) {
	if w.listExpired != nil {
		return w.listExpired(ctx, now)
	}
	return w.FileRepository.ListExpired(ctx, now)
}

func (w *wrappedRepo) DeleteCascade(ctx context.Context, id int64) error {
	if w.deleteCascade != nil {
		return w.deleteCascade(ctx, id)
	}
	return w.FileRepository.DeleteCascade(ctx, id)
}
