package wal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WAL — файловый журнал загрузок.
type WAL struct {
	dir    string
	mu     sync.Mutex
	logger *slog.Logger
}

// New создаёт журнал в директории dir. Создаёт директорию и проверяет
// возможность записи в неё.
func New(dir string, logger *slog.Logger) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию WAL %s: %w", dir, err)
	}

	probe := filepath.Join(dir, ".wal_write_test")
	if err := os.WriteFile(probe, []byte("ok"), 0o640); err != nil {
		return nil, fmt.Errorf("директория WAL %s недоступна для записи: %w", dir, err)
	}
	os.Remove(probe)

	return &WAL{
		dir:    dir,
		logger: logger.With(slog.String("component", "wal")),
	}, nil
}

// Begin открывает pending-транзакцию для загрузки по пути storageLocation.
func (w *WAL) Begin(storageLocation string) (*Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry := &Entry{
		TransactionID:   uuid.New().String(),
		StorageLocation: storageLocation,
		Status:          StatusPending,
		StartedAt:       time.Now().UTC(),
	}
	if err := w.write(entry); err != nil {
		return nil, fmt.Errorf("не удалось создать WAL-запись: %w", err)
	}

	w.logger.Debug("WAL транзакция начата",
		slog.String("tx_id", entry.TransactionID),
		slog.String("storage_location", storageLocation),
	)
	return entry, nil
}

// Commit помечает транзакцию завершённой: файл принадлежит записи метаданных.
func (w *WAL) Commit(txID string) error {
	return w.finish(txID, StatusCommitted)
}

// Rollback помечает транзакцию отменённой.
func (w *WAL) Rollback(txID string) error {
	return w.finish(txID, StatusRolledBack)
}

func (w *WAL) finish(txID string, status Status) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry, err := w.read(txID)
	if err != nil {
		return fmt.Errorf("не удалось прочитать WAL-запись %s: %w", txID, err)
	}
	if entry.Status != StatusPending {
		return fmt.Errorf("WAL-запись %s имеет статус %s, ожидается %s", txID, entry.Status, StatusPending)
	}

	now := time.Now().UTC()
	entry.Status = status
	entry.CompletedAt = &now
	if err := w.write(entry); err != nil {
		return fmt.Errorf("не удалось обновить WAL-запись %s: %w", txID, err)
	}

	w.logger.Debug("WAL транзакция завершена",
		slog.String("tx_id", txID),
		slog.String("status", string(status)),
		slog.Duration("duration", now.Sub(entry.StartedAt)),
	)
	return nil
}

// Pending возвращает все незавершённые транзакции.
// Нечитаемые файлы журнала пропускаются с предупреждением.
func (w *WAL) Pending() ([]*Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var pending []*Entry
	err := w.scan(func(path string, entry *Entry) {
		if entry.Status == StatusPending {
			pending = append(pending, entry)
		}
	})
	return pending, err
}

// PendingLocations возвращает множество путей незавершённых загрузок.
// Сверка диска не трогает эти файлы.
func (w *WAL) PendingLocations() (map[string]struct{}, error) {
	entries, err := w.Pending()
	if err != nil {
		return nil, err
	}
	locations := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		locations[e.StorageLocation] = struct{}{}
	}
	return locations, nil
}

// Clean удаляет завершённые (committed/rolled_back) записи журнала.
func (w *WAL) Clean() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cleaned := 0
	err := w.scan(func(path string, entry *Entry) {
		if entry.Status == StatusPending {
			return
		}
		if err := os.Remove(path); err != nil {
			w.logger.Warn("Не удалось удалить завершённую WAL-запись",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			return
		}
		cleaned++
	})

	if cleaned > 0 {
		w.logger.Info("Очистка WAL завершена", slog.Int("cleaned", cleaned))
	}
	return cleaned, err
}

// Dir возвращает путь к директории WAL.
func (w *WAL) Dir() string {
	return w.dir
}

// scan вызывает fn для каждой читаемой записи журнала. Вызывается под w.mu.
func (w *WAL) scan(fn func(path string, entry *Entry)) error {
	paths, err := filepath.Glob(filepath.Join(w.dir, "*.wal.json"))
	if err != nil {
		return fmt.Errorf("не удалось сканировать директорию WAL: %w", err)
	}

	for _, path := range paths {
		txID := strings.TrimSuffix(filepath.Base(path), ".wal.json")
		entry, err := w.read(txID)
		if err != nil {
			w.logger.Warn("Не удалось прочитать WAL-запись",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		fn(path, entry)
	}
	return nil
}

// write заменяет файл записи целиком: данные пишутся во временный файл
// рядом, синхронизируются и переименовываются поверх.
func (w *WAL) write(entry *Entry) (err error) {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации: %w", err)
	}

	f, err := os.CreateTemp(w.dir, ".wal-*.tmp")
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()

	if _, err = f.Write(data); err != nil {
		return fmt.Errorf("ошибка записи: %w", err)
	}
	if err = f.Sync(); err != nil {
		return fmt.Errorf("ошибка fsync: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}
	if err = os.Rename(f.Name(), filepath.Join(w.dir, entryFileName(entry.TransactionID))); err != nil {
		return fmt.Errorf("ошибка переименования: %w", err)
	}
	return nil
}

func (w *WAL) read(txID string) (*Entry, error) {
	data, err := os.ReadFile(filepath.Join(w.dir, entryFileName(txID)))
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("ошибка десериализации: %w", err)
	}
	return &entry, nil
}
