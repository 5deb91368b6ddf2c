// maintenance.go — ручной запуск очистки и сверки.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	apierrors "github.com/aShanki/fileditch/internal/api/errors"
	"github.com/aShanki/fileditch/internal/service"
)

// SweepRunner — запуск одного прохода очистки.
type SweepRunner interface {
	RunOnce(ctx context.Context) (*service.SweepResult, error)
}

// ReconcileRunner — запуск одной сверки диска с метаданными.
// Второе значение — true, если сверка уже выполняется.
type ReconcileRunner interface {
	RunOnce(ctx context.Context) (*service.ReconcileResult, bool, error)
}

// MaintenanceHandler — обработчик endpoints обслуживания.
type MaintenanceHandler struct {
	sweeper    SweepRunner
	reconciler ReconcileRunner
	logger     *slog.Logger
}

// NewMaintenanceHandler создаёт обработчик maintenance endpoints.
func NewMaintenanceHandler(sweeper SweepRunner, reconciler ReconcileRunner, logger *slog.Logger) *MaintenanceHandler {
	return &MaintenanceHandler{
		sweeper:    sweeper,
		reconciler: reconciler,
		logger:     logger.With(slog.String("component", "maintenance_handler")),
	}
}

// Sweep обрабатывает POST /maintenance/sweep.
// Синхронно выполняет проход очистки. Если проход уже идёт — 409.
func (h *MaintenanceHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	result, err := h.sweeper.RunOnce(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Reconcile обрабатывает POST /maintenance/reconcile.
func (h *MaintenanceHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	result, inProgress, err := h.reconciler.RunOnce(r.Context())
	if inProgress {
		apierrors.ReconcileInProgress(w)
		return
	}
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
