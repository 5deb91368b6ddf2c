// reconcile.go — фоновая сверка диска с хранилищем метаданных.
//
// Находит файлы-сироты: байты на диске, на которые не ссылается ни одна запись
// и которые не принадлежат незавершённой загрузке (pending WAL).
// Сироты старше FD_ORPHAN_GRACE удаляются, как и зависшие *.tmp файлы.
// Файлы, на которые ссылаются записи, удаляет только очистка истёкших.
//
// Запускается как горутина с периодическим тикером (FD_RECONCILE_INTERVAL).
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aShanki/fileditch/internal/repository"
	"github.com/aShanki/fileditch/internal/storage/filestore"
	"github.com/aShanki/fileditch/internal/storage/wal"
)

// Prometheus метрики сверки
var (
	reconcileRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fd_reconcile_runs_total",
		Help: "Общее количество запусков сверки",
	})

	// reconcileRemovedTotal — удалённые файлы по типу (orphan, temp).
	reconcileRemovedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fd_reconcile_removed_total",
		Help: "Общее количество файлов, удалённых сверкой",
	}, []string{"type"})

	reconcileDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fd_reconcile_duration_seconds",
		Help:    "Длительность сверки в секундах",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	})
)

// ReconcileResult — результат одной сверки.
type ReconcileResult struct {
	// FilesChecked — количество файлов на диске
	FilesChecked int `json:"filesChecked"`
	// OrphansRemoved — удалённые файлы без записи метаданных
	OrphansRemoved int `json:"orphansRemoved"`
	// TempRemoved — удалённые зависшие *.tmp
	TempRemoved int `json:"tempRemoved"`
	// Errors — ошибки удаления
	Errors int `json:"errors"`
	// Duration — длительность
	Duration time.Duration `json:"-"`
}

// Reconciler — сервис сверки диска с метаданными.
type Reconciler struct {
	repo     repository.FileRepository
	files    *filestore.FileStore
	wal      *wal.WAL
	interval time.Duration
	grace    time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu         sync.Mutex
	inProgress bool
	cancel     context.CancelFunc
	done       sync.WaitGroup
}

// NewReconciler создаёт сервис сверки. walEngine может быть nil.
func NewReconciler(
	repo repository.FileRepository,
	files *filestore.FileStore,
	walEngine *wal.WAL,
	interval time.Duration,
	grace time.Duration,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		repo:     repo,
		files:    files,
		wal:      walEngine,
		interval: interval,
		grace:    grace,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "reconcile")),
	}
}

// SetClock подменяет источник текущего времени.
func (rc *Reconciler) SetClock(now func() time.Time) {
	rc.now = now
}

// Start запускает фоновую горутину сверки.
func (rc *Reconciler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	rc.cancel = cancel

	rc.done.Add(1)
	go rc.run(runCtx)

	rc.logger.Info("Сверка запущена",
		slog.String("interval", rc.interval.String()),
		slog.String("grace", rc.grace.String()),
	)
}

// Stop останавливает фоновую сверку.
func (rc *Reconciler) Stop() {
	if rc.cancel != nil {
		rc.cancel()
	}
	rc.done.Wait()
	rc.logger.Info("Сверка остановлена")
}

// IsInProgress возвращает true, если сверка выполняется.
func (rc *Reconciler) IsInProgress() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.inProgress
}

func (rc *Reconciler) run(ctx context.Context) {
	defer rc.done.Done()

	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := rc.RunOnce(ctx); err != nil {
				rc.logger.Error("Сверка завершилась ошибкой", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce выполняет одну сверку.
// Если сверка уже выполняется, возвращает nil, true, nil.
func (rc *Reconciler) RunOnce(ctx context.Context) (*ReconcileResult, bool, error) {
	rc.mu.Lock()
	if rc.inProgress {
		rc.mu.Unlock()
		rc.logger.Warn("Сверка уже выполняется, пропуск")
		return nil, true, nil
	}
	rc.inProgress = true
	rc.mu.Unlock()

	defer func() {
		rc.mu.Lock()
		rc.inProgress = false
		rc.mu.Unlock()
	}()

	start := time.Now()
	now := rc.now()

	// Снимок диска до снимка метаданных: файл, загруженный между ними,
	// окажется в метаданных или в pending WAL.
	stored, err := rc.files.Walk()
	if err != nil {
		return nil, false, fmt.Errorf("%w: обход хранилища: %v", ErrStore, err)
	}

	pending := map[string]struct{}{}
	if rc.wal != nil {
		pending, err = rc.wal.PendingLocations()
		if err != nil {
			return nil, false, fmt.Errorf("ошибка чтения WAL: %w", err)
		}
	}

	referenced, err := rc.repo.StorageLocations(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("%w: список путей хранения: %v", ErrStore, err)
	}

	result := &ReconcileResult{FilesChecked: len(stored)}
	for _, sf := range stored {
		if now.Sub(sf.ModTime) < rc.grace {
			continue
		}
		if _, ok := pending[sf.StorageLocation]; ok {
			continue
		}

		if sf.Temp {
			if err := rc.files.DeleteTemp(sf.StorageLocation); err != nil {
				result.Errors++
				rc.logger.Warn("Ошибка удаления временного файла",
					slog.String("storage_location", sf.StorageLocation),
					slog.String("error", err.Error()),
				)
				continue
			}
			result.TempRemoved++
			reconcileRemovedTotal.WithLabelValues("temp").Inc()
			continue
		}

		if _, ok := referenced[sf.StorageLocation]; ok {
			continue
		}

		if err := rc.files.Delete(sf.StorageLocation); err != nil {
			result.Errors++
			rc.logger.Warn("Ошибка удаления файла-сироты",
				slog.String("storage_location", sf.StorageLocation),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.OrphansRemoved++
		reconcileRemovedTotal.WithLabelValues("orphan").Inc()
		rc.logger.Info("Удалён файл-сирота",
			slog.String("storage_location", sf.StorageLocation),
			slog.Int64("size", sf.Size),
		)
	}

	result.Duration = time.Since(start)
	reconcileRunsTotal.Inc()
	reconcileDurationSeconds.Observe(result.Duration.Seconds())

	rc.logger.Info("Сверка завершена",
		slog.Int("files_checked", result.FilesChecked),
		slog.Int("orphans_removed", result.OrphansRemoved),
		slog.Int("temp_removed", result.TempRemoved),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)

	return result, false, nil
}
