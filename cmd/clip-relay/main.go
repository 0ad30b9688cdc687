// Точка входа Clip Relay: сервера синхронизации буфера обмена.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/bigkaa/cliprelay/internal/api/handlers"
	"github.com/bigkaa/cliprelay/internal/api/middleware"
	"github.com/bigkaa/cliprelay/internal/config"
	"github.com/bigkaa/cliprelay/internal/domain/mode"
	"github.com/bigkaa/cliprelay/internal/server"
	"github.com/bigkaa/cliprelay/internal/service"
	"github.com/bigkaa/cliprelay/internal/storage/entrystore"
	"github.com/bigkaa/cliprelay/internal/storage/index"
	"github.com/bigkaa/cliprelay/internal/storage/wal"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	logger := config.SetupLogger(cfg)
	logger.Info("Clip Relay запускается",
		slog.String("version", config.Version),
		slog.String("data_dir", cfg.DataDir),
		slog.Int("port", cfg.Port),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Ошибка запуска", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Clip Relay остановлен")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Хранилище записей
	store, err := entrystore.New(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("инициализация хранилища: %w", err)
	}

	// 2. Журнал
	journal, err := wal.New(cfg.WALDir, logger)
	if err != nil {
		return fmt.Errorf("инициализация WAL: %w", err)
	}

	// 3. Режим: сохранённый .mode.json имеет приоритет над CR_MODE
	modePath := mode.FilePath(cfg.DataDir)
	initialMode, found, err := mode.Load(modePath, mode.StorageMode(cfg.Mode))
	if err != nil {
		return fmt.Errorf("чтение режима: %w", err)
	}
	if !found {
		if err := mode.Save(modePath, initialMode, "initial"); err != nil {
			return fmt.Errorf("сохранение режима: %w", err)
		}
	}
	sm, err := mode.NewStateMachine(initialMode)
	if err != nil {
		return fmt.Errorf("инициализация режима: %w", err)
	}
	logger.Info("Режим работы установлен",
		slog.String("mode", string(initialMode)),
		slog.Bool("restored", found),
	)

	// 4. Индекс, рассылка, синхронизатор
	idx := index.New(store, logger)
	bc := service.NewBroadcaster(cfg.SubscriberBuffer, logger)
	syncer := service.NewSynchronizer(store, idx, journal, sm, bc, cfg.MaxItemSize, logger)

	// Доводим прерванные транзакции и строим индекс до приёма запросов
	if err := syncer.Recover(ctx); err != nil {
		return fmt.Errorf("восстановление: %w", err)
	}

	// 5. Фоновые процессы
	gcSvc := service.NewGCService(syncer, store, journal, cfg.GCInterval, cfg.IncompleteTTL, logger)
	gcSvc.Start(ctx)
	defer gcSvc.Stop()

	reconcileSvc := service.NewReconcileService(syncer, store, cfg.ReconcileInterval, logger)
	reconcileSvc.Start(ctx)
	defer reconcileSvc.Stop()

	if cfg.Watch {
		watcher, err := service.NewWatcher(syncer, cfg.DataDir, cfg.WatchDebounce, logger)
		if err != nil {
			// Без наблюдателя внешние изменения подхватит периодическая сверка
			logger.Warn("Наблюдение за хранилищем недоступно",
				slog.String("error", err.Error()),
			)
		} else {
			go watcher.Run(ctx)
		}
	}

	// 6. Handlers
	apiHandler := handlers.NewAPIHandler(
		handlers.NewClipsHandler(syncer, idx, store, cfg.MaxRequestSize, logger),
		handlers.NewEventsHandler(bc, syncer, cfg.SSEKeepalive, logger),
		handlers.NewSystemHandler(sm, idx, bc, diskUsageFn(cfg.DataDir), logger),
		handlers.NewModeHandler(sm, modePath, logger),
		handlers.NewMaintenanceHandler(reconcileSvc),
		handlers.NewHealthHandler(cfg.DataDir, cfg.WALDir, idx),
	)

	limiter := middleware.NewRateLimiter(cfg.RateLimit, cfg.RateBurst)
	defer limiter.Close()

	// 7. HTTP-сервер
	router := server.NewRouter(cfg, logger, apiHandler, limiter)
	srv := server.New(cfg, logger, router, bc.Close)

	runErr := srv.Run(ctx)
	logger.Info("Остановка фоновых процессов...")
	return runErr
}

// diskUsageFn возвращает функцию для получения информации об ёмкости диска.
func diskUsageFn(dataDir string) handlers.DiskUsageFunc {
	return func() (int64, int64, int64, error) {
		return getDiskUsage(dataDir)
	}
}
