// reaper.go — фоновая очистка истёкших файлов.
//
// Каждый проход:
//  1. listExpired(now) в хранилище метаданных
//  2. Для каждой записи: удаление байт с диска, затем deleteCascade
//     (запись удаляется даже если байт уже нет)
//  3. Удаление пустых подкаталогов хранилища и завершённых записей WAL
//
// Первый проход выполняется сразу при старте, далее по тикеру (FD_REAPER_INTERVAL).
// Проходы не пересекаются: срабатывание во время прохода пропускается.
package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aShanki/fileditch/internal/api/middleware"
	"github.com/aShanki/fileditch/internal/domain/model"
	"github.com/aShanki/fileditch/internal/repository"
	"github.com/aShanki/fileditch/internal/storage/filestore"
	"github.com/aShanki/fileditch/internal/storage/wal"
)

// Prometheus метрики очистки
var (
	reaperRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fd_reaper_runs_total",
		Help: "Общее количество проходов очистки",
	})

	// reaperSkippedTotal — срабатывания, пропущенные из-за незавершённого прохода.
	reaperSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fd_reaper_skipped_total",
		Help: "Общее количество пропущенных запусков очистки",
	})

	reaperFilesDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fd_reaper_files_deleted_total",
		Help: "Общее количество записей, удалённых очисткой",
	})

	reaperErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fd_reaper_errors_total",
		Help: "Общее количество ошибок при обработке записей",
	})

	reaperDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fd_reaper_duration_seconds",
		Help:    "Длительность прохода очистки в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// SweepResult — результат одного прохода очистки.
type SweepResult struct {
	// SweepTime — момент, относительно которого выбирались истёкшие записи
	SweepTime time.Time `json:"sweepTime"`
	// Expired — количество найденных истёкших записей
	Expired int `json:"expired"`
	// Deleted — количество удалённых записей метаданных
	Deleted int `json:"deleted"`
	// MissingFiles — записи, байты которых уже отсутствовали на диске
	MissingFiles int `json:"missingFiles"`
	// Errors — количество ошибок при обработке записей
	Errors int `json:"errors"`
	// RemovedDirs — удалённые пустые подкаталоги
	RemovedDirs int `json:"removedDirs"`
	// Duration — длительность прохода
	Duration time.Duration `json:"-"`
}

// Reaper — сервис очистки истёкших файлов.
type Reaper struct {
	repo     repository.FileRepository
	files    *filestore.FileStore
	wal      *wal.WAL
	cache    *RecordCache
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	// running — идёт проход; защищает от параллельного запуска
	running atomic.Bool
	cancel  context.CancelFunc
	done    sync.WaitGroup
}

// NewReaper создаёт сервис очистки. walEngine и cache могут быть nil.
func NewReaper(
	repo repository.FileRepository,
	files *filestore.FileStore,
	walEngine *wal.WAL,
	cache *RecordCache,
	interval time.Duration,
	logger *slog.Logger,
) *Reaper {
	return &Reaper{
		repo:     repo,
		files:    files,
		wal:      walEngine,
		cache:    cache,
		interval: interval,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "reaper")),
	}
}

// SetClock подменяет источник текущего времени.
func (r *Reaper) SetClock(now func() time.Time) {
	r.now = now
}

// Start запускает фоновую горутину очистки. Вызывается один раз при старте.
func (r *Reaper) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.done.Add(1)
	go r.run(runCtx)

	r.logger.Info("Очистка запущена",
		slog.String("interval", r.interval.String()),
	)
}

// Stop останавливает фоновую очистку и дожидается завершения текущего прохода.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.done.Wait()
	r.logger.Info("Очистка остановлена")
}

// IsRunning сообщает, выполняется ли проход.
func (r *Reaper) IsRunning() bool {
	return r.running.Load()
}

// run — основной цикл фоновой горутины.
func (r *Reaper) run(ctx context.Context) {
	defer r.done.Done()

	// Первый проход — сразу после старта
	r.trigger(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.trigger(ctx)
		}
	}
}

func (r *Reaper) trigger(ctx context.Context) {
	if _, err := r.RunOnce(ctx); err != nil && !errors.Is(err, ErrSweepInProgress) {
		r.logger.Error("Проход очистки завершился ошибкой", slog.String("error", err.Error()))
	}
}

// RunOnce выполняет один проход очистки.
// Если проход уже выполняется, возвращает ErrSweepInProgress.
// Ошибки отдельных записей не прерывают проход и учитываются в SweepResult.Errors.
func (r *Reaper) RunOnce(ctx context.Context) (*SweepResult, error) {
	if !r.running.CompareAndSwap(false, true) {
		reaperSkippedTotal.Inc()
		r.logger.Warn("Очистка уже выполняется, пропуск")
		return nil, ErrSweepInProgress
	}
	defer r.running.Store(false)

	start := time.Now()
	result := &SweepResult{SweepTime: r.now().UTC()}

	expired, err := r.repo.ListExpired(ctx, result.SweepTime)
	if err != nil {
		reaperErrorsTotal.Inc()
		return nil, fmt.Errorf("%w: список истёкших записей: %v", ErrStore, err)
	}
	result.Expired = len(expired)

	for _, rec := range expired {
		if ctx.Err() != nil {
			break
		}
		r.reap(ctx, rec, result)
	}

	if removed, err := r.files.RemoveEmptyDirs(); err != nil {
		r.logger.Warn("Ошибка удаления пустых директорий", slog.String("error", err.Error()))
	} else {
		result.RemovedDirs = removed
	}

	if r.wal != nil {
		if _, err := r.wal.Clean(); err != nil {
			r.logger.Warn("Ошибка очистки WAL", slog.String("error", err.Error()))
		}
	}

	result.Duration = time.Since(start)

	reaperRunsTotal.Inc()
	reaperFilesDeletedTotal.Add(float64(result.Deleted))
	reaperErrorsTotal.Add(float64(result.Errors))
	reaperDurationSeconds.Observe(result.Duration.Seconds())

	level := slog.LevelDebug
	if result.Expired > 0 || result.Errors > 0 {
		level = slog.LevelInfo
	}
	r.logger.Log(ctx, level, "Очистка завершена",
		slog.Int("expired", result.Expired),
		slog.Int("deleted", result.Deleted),
		slog.Int("missing_files", result.MissingFiles),
		slog.Int("errors", result.Errors),
		slog.Int("removed_dirs", result.RemovedDirs),
		slog.Duration("duration", result.Duration),
	)

	return result, nil
}

// reap удаляет байты и метаданные одной записи.
func (r *Reaper) reap(ctx context.Context, rec *model.FileRecord, result *SweepResult) {
	log := r.logger.With(
		slog.String("public_id", rec.PublicID),
		slog.String("storage_location", rec.StorageLocation),
	)

	r.cache.Delete(rec.PublicID)

	if err := r.files.Delete(rec.StorageLocation); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			result.MissingFiles++
			log.Warn("Файл истёкшей записи отсутствует на диске, запись всё равно удаляется")
		} else {
			result.Errors++
			log.Error("Ошибка удаления файла, запись всё равно удаляется", slog.String("error", err.Error()))
		}
	}

	if err := r.repo.DeleteCascade(ctx, rec.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		result.Errors++
		log.Error("Ошибка удаления записи метаданных", slog.String("error", err.Error()))
		return
	}

	result.Deleted++
	middleware.OperationsTotal.WithLabelValues("reap", "success").Inc()
	log.Debug("Истёкший файл удалён")
}
