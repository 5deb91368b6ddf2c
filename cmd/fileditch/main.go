// Точка входа fileditch — временного файлового хостинга.
// Загружает конфигурацию, подключает хранилище метаданных (PostgreSQL или
// in-memory), восстанавливает незавершённые загрузки по WAL, запускает
// фоновые очистку и сверку, HTTP-сервер и graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/aShanki/fileditch/internal/api/handlers"
	"github.com/aShanki/fileditch/internal/api/middleware"
	"github.com/aShanki/fileditch/internal/api/openapi"
	"github.com/aShanki/fileditch/internal/config"
	"github.com/aShanki/fileditch/internal/database"
	"github.com/aShanki/fileditch/internal/repository"
	"github.com/aShanki/fileditch/internal/server"
	"github.com/aShanki/fileditch/internal/service"
	"github.com/aShanki/fileditch/internal/storage/filestore"
	"github.com/aShanki/fileditch/internal/storage/memstore"
	"github.com/aShanki/fileditch/internal/storage/wal"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger, logCloser := config.SetupLogger(cfg)
	defer logCloser.Close()
	logger.Info("fileditch запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("metadata_backend", cfg.MetadataBackend),
		slog.String("data_dir", cfg.DataDir),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := openapi.GetSwagger(ctx); err != nil {
		logger.Error("Встроенный OpenAPI контракт некорректен", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 3. Хранилище метаданных
	var (
		repo      repository.FileRepository
		readiness handlers.ReadinessChecker
		depsCheck handlers.ReadinessChecker
		dephealth *service.DephealthService
	)
	switch cfg.MetadataBackend {
	case config.BackendPostgres:
		logger.Info("Применение миграций БД...")
		if err := database.Migrate(cfg, logger); err != nil {
			logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
			os.Exit(1)
		}

		pool, err := database.Connect(ctx, cfg, logger)
		if err != nil {
			logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer pool.Close()

		repo = repository.NewFileRepository(pool, repository.NewTxRunner(pool))
		readiness = database.NewReadinessChecker(pool)

		// Проверка здоровья PostgreSQL идёт через тот же пул соединений
		pgDB := stdlib.OpenDBFromPool(pool)
		defer pgDB.Close()

		dephealth, err = service.NewDephealthService(service.DephealthConfig{
			ServiceID:     "fileditch",
			Group:         cfg.DephealthGroup,
			DB:            pgDB,
			PostgresURL:   cfg.DatabaseURL(),
			CheckInterval: cfg.DephealthCheckInterval,
		}, logger)
		if err != nil {
			logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
				slog.String("error", err.Error()),
			)
		}
	default:
		logger.Warn("Метаданные хранятся в памяти и будут потеряны при перезапуске")
		store := memstore.New(logger)
		repo = store
		readiness = store
	}

	// 4. Хранилище байтов и WAL
	files, err := filestore.New(cfg.DataDir)
	if err != nil {
		logger.Error("Ошибка инициализации хранилища файлов", slog.String("error", err.Error()))
		os.Exit(1)
	}
	walEngine, err := wal.New(cfg.WALDir, logger)
	if err != nil {
		logger.Error("Ошибка инициализации WAL", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 5. Сервисы
	allowedTypes := cfg.AllowedTypes
	if cfg.AllowsAllTypes() {
		allowedTypes = nil
		logger.Info("Проверка расширений отключена (FD_ALLOWED_TYPES=all)")
	}
	cache := service.NewRecordCache(cfg.CacheSize, cfg.CacheTTL)
	names := service.NewNameGenerator(repo, cfg.RandomStringLength, cfg.NameMaxAttempts, nil, logger)
	uploadSvc := service.NewUploadService(repo, files, walEngine, names, service.UploadPolicy{
		BaseURL:            cfg.BaseURL,
		MaxFileSize:        cfg.MaxFileSize,
		AllowedTypes:       allowedTypes,
		DefaultExpireHours: cfg.DefaultExpireHours,
		MaxExpireHours:     cfg.MaxExpireHours,
		NameMaxAttempts:    cfg.NameMaxAttempts,
	}, logger)
	downloadSvc := service.NewDownloadService(repo, files, cache, logger)
	reaper := service.NewReaper(repo, files, walEngine, cache, cfg.ReaperInterval, logger)
	reconciler := service.NewReconciler(repo, files, walEngine, cfg.ReconcileInterval, cfg.OrphanGrace, logger)

	// 6. Восстановление незавершённых загрузок
	recovered, err := uploadSvc.RecoverPending(ctx)
	if err != nil {
		logger.Error("Ошибка восстановления по WAL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if recovered > 0 {
		logger.Info("Незавершённые загрузки обработаны", slog.Int("count", recovered))
	}

	// 7. Сессии и лимиты
	sessionAuth, err := middleware.NewSessionAuth(middleware.SessionAuthConfig{
		Password:     cfg.SitePassword,
		PasswordHash: cfg.SitePasswordHash,
		Secret:       cfg.SessionSecret,
		TTL:          cfg.SessionTTL,
		Secure:       cfg.CookieSecure,
	}, logger)
	if err != nil {
		logger.Error("Ошибка инициализации сессий", slog.String("error", err.Error()))
		os.Exit(1)
	}
	limiter := middleware.NewRateLimiter(cfg.UploadRatePerMinute, cfg.UploadBurst)

	// 8. Фоновые задачи
	reaper.Start(ctx)
	if cfg.ReconcileInterval > 0 {
		reconciler.Start(ctx)
	}
	if dephealth != nil {
		if err := dephealth.Start(ctx); err != nil {
			logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
			dephealth = nil
		} else {
			depsCheck = dephealth
			logger.Info("topologymetrics запущен",
				slog.String("group", cfg.DephealthGroup),
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 9. HTTP-сервер
	srv := server.New(cfg, logger, server.Handlers{
		Files:         handlers.NewFilesHandler(uploadSvc, downloadSvc, cfg.MaxFileSize, logger),
		Auth:          handlers.NewAuthHandler(sessionAuth, logger),
		Health:        handlers.NewHealthHandler(files.DataDir(), walEngine.Dir(), readiness, depsCheck),
		Maintenance:   handlers.NewMaintenanceHandler(reaper, reconciler, logger),
		Session:       sessionAuth,
		UploadLimiter: limiter,
	})

	runErr := srv.Run(ctx)

	// 10. Остановка фоновых задач
	logger.Info("Остановка фоновых задач...")
	cancel()
	reaper.Stop()
	reconciler.Stop()
	downloadSvc.Wait()
	if dephealth != nil {
		dephealth.Stop()
	}

	if runErr != nil {
		logger.Error("Ошибка HTTP-сервера", slog.String("error", runErr.Error()))
		os.Exit(1)
	}
	logger.Info("fileditch остановлен")
}
