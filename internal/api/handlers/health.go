// health.go — обработчики health endpoints для Kubernetes probes.
package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/aShanki/fileditch/internal/config"
)

// statusFail — строковая константа для статуса "fail" в health checks.
const statusFail = "fail"

// serviceName — имя сервиса в ответах health endpoints.
const serviceName = "fileditch"

// ReadinessChecker — проверка готовности зависимости.
// Реализуется database.ReadinessChecker, memstore.Store и service.DephealthService.
type ReadinessChecker interface {
	CheckReady() (status string, message string)
}

// HealthHandler реализует health endpoints: /health/live, /health/ready.
type HealthHandler struct {
	version string
	// dataDir — директория байтов файлов
	dataDir string
	// walDir — директория WAL
	walDir   string
	metadata ReadinessChecker
	// deps — сводка topologymetrics, nil без PostgreSQL
	deps ReadinessChecker
}

// NewHealthHandler создаёт обработчик health endpoints. deps может быть nil.
func NewHealthHandler(dataDir, walDir string, metadata, deps ReadinessChecker) *HealthHandler {
	return &HealthHandler{
		version:  config.Version,
		dataDir:  dataDir,
		walDir:   walDir,
		metadata: metadata,
		deps:     deps,
	}
}

// HealthLive обрабатывает GET /health/live.
// Возвращает 200, если процесс жив. Зависимости не проверяются.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   serviceName,
	})
}

// HealthReady обрабатывает GET /health/ready.
// Проверяет: директория данных, метаданные, WAL, зависимости.
// Недоступный WAL или сбой фонового мониторинга дают "degraded" без 503.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	overallStatus := "ok"
	httpStatus := http.StatusOK

	fsCheck := checkWritable(h.dataDir, "Директория данных недоступна для записи: ")
	if fsCheck["status"] != "ok" {
		overallStatus = statusFail
		httpStatus = http.StatusServiceUnavailable
	}

	metaCheck := map[string]any{"status": "ok", "message": "Проверка не настроена"}
	if h.metadata != nil {
		status, message := h.metadata.CheckReady()
		metaCheck = map[string]any{"status": status, "message": message}
		if status != "ok" {
			overallStatus = statusFail
			httpStatus = http.StatusServiceUnavailable
		}
	}

	checks := map[string]any{
		"filesystem": fsCheck,
		"metadata":   metaCheck,
	}

	walCheck := checkWritable(h.walDir, "Директория WAL недоступна для записи: ")
	checks["wal"] = walCheck
	if walCheck["status"] != "ok" && overallStatus != statusFail {
		overallStatus = "degraded"
	}

	if h.deps != nil {
		status, message := h.deps.CheckReady()
		checks["dependencies"] = map[string]any{"status": status, "message": message}
		if status != "ok" && overallStatus != statusFail {
			overallStatus = "degraded"
		}
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   serviceName,
		"checks":    checks,
	})
}

// checkWritable проверяет, что в директорию можно записать файл.
func checkWritable(dir, failPrefix string) map[string]any {
	if dir == "" {
		return map[string]any{
			"status":  "ok",
			"message": "Проверка не настроена",
		}
	}

	testFile := filepath.Join(dir, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": failPrefix + err.Error(),
		}
	}
	_ = os.Remove(testFile)

	return map[string]any{
		"status": "ok",
	}
}
