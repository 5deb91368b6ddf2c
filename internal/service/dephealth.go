// dephealth.go — мониторинг PostgreSQL через topologymetrics SDK.
//
// Используется только с FD_METADATA_BACKEND=postgres. Проверка идёт через
// существующий pgxpool (connection pool mode), зависимость критическая.
// Метрики app_dependency_* публикуются на /metrics, а сводное состояние
// попадает в /health/ready как проверка "dependencies".
package service

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
)

// DephealthConfig — параметры мониторинга зависимостей.
type DephealthConfig struct {
	// ServiceID — имя вершины графа ("fileditch")
	ServiceID string
	// Group — имя группы в метриках (FD_DEPHEALTH_GROUP)
	Group string
	// DB — *sql.DB поверх pgxpool (stdlib.OpenDBFromPool)
	DB *sql.DB
	// PostgresURL — URL без пароля, только для лейблов
	PostgresURL string
	// CheckInterval — интервал проверки (FD_DEPHEALTH_CHECK_INTERVAL)
	CheckInterval time.Duration
}

// DephealthService — мониторинг хранилища метаданных.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга. Дополнительные opts
// передаются в SDK как есть (в тестах — dephealth.WithRegisterer).
func NewDephealthService(cfg DephealthConfig, logger *slog.Logger, opts ...dephealth.Option) (*DephealthService, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("dephealth: не задан *sql.DB")
	}

	all := append([]dephealth.Option{
		dephealth.WithLogger(logger),
		dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(cfg.DB)),
			dephealth.FromURL(cfg.PostgresURL),
			dephealth.CheckInterval(cfg.CheckInterval),
			dephealth.Critical(true),
		),
	}, opts...)

	dh, err := dephealth.New(cfg.ServiceID, cfg.Group, all...)
	if err != nil {
		return nil, fmt.Errorf("dephealth: %w", err)
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// Start запускает периодическую проверку.
func (ds *DephealthService) Start(ctx context.Context) error {
	if err := ds.dh.Start(ctx); err != nil {
		return err
	}
	ds.logger.Info("Мониторинг PostgreSQL запущен")
	return nil
}

// Stop останавливает мониторинг.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг PostgreSQL остановлен")
}

// Health возвращает состояние зависимостей: имя → true, если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}

// CheckReady сводит состояние зависимостей в статус для /health/ready.
// До первой проверки зависимости считаются доступными.
func (ds *DephealthService) CheckReady() (status string, message string) {
	return summarizeHealth(ds.Health())
}

// summarizeHealth возвращает "fail" со списком недоступных зависимостей
// или "ok".
func summarizeHealth(health map[string]bool) (string, string) {
	if len(health) == 0 {
		return "ok", "проверки ещё не выполнялись"
	}
	var down []string
	for name, ok := range health {
		if !ok {
			down = append(down, name)
		}
	}
	if len(down) == 0 {
		return "ok", "все зависимости доступны"
	}
	sort.Strings(down)
	return "fail", "недоступны: " + strings.Join(down, ", ")
}
