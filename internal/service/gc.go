// gc.go: фоновая очистка незавершённых записей.
//
// Директория записи без .entry.json остаётся после сбоя записи или
// аварийной остановки. Scan её уже пропускает, GC удаляет такие
// директории старше CR_INCOMPLETE_TTL под блокировкой записи: свежая
// директория может принадлежать create, который выполняется прямо сейчас.
// id удалённых директорий остаётся занятым (см. .sequence).
// Заодно из журнала удаляются закрытые транзакции.
//
// Запускается как горутина с периодическим тикером (CR_GC_INTERVAL).
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/cliprelay/internal/storage/entrystore"
	"github.com/bigkaa/cliprelay/internal/storage/wal"
)

// Prometheus метрики GC
var (
	gcRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cr_gc_runs_total",
		Help: "Общее количество запусков GC",
	})

	gcDirsRemovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cr_gc_dirs_removed_total",
		Help: "Количество незавершённых директорий записей, удалённых GC",
	})

	gcDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cr_gc_duration_seconds",
		Help:    "Длительность выполнения GC в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// GCResult: результат одного запуска GC.
type GCResult struct {
	// RemovedCount: удалённые незавершённые директории
	RemovedCount int
	// JournalPruned: удалённые закрытые записи журнала
	JournalPruned int
	Errors        int
	Duration      time.Duration
}

// GCService: сервис фоновой очистки.
type GCService struct {
	sync     *Synchronizer
	store    *entrystore.Store
	journal  *wal.WAL
	interval time.Duration
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
}

// NewGCService создаёт сервис GC.
func NewGCService(
	s *Synchronizer,
	store *entrystore.Store,
	journal *wal.WAL,
	interval, ttl time.Duration,
	logger *slog.Logger,
) *GCService {
	return &GCService{
		sync:     s,
		store:    store,
		journal:  journal,
		interval: interval,
		ttl:      ttl,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "gc")),
	}
}

// Start запускает фоновую горутину GC.
func (gc *GCService) Start(ctx context.Context) {
	gcCtx, cancel := context.WithCancel(ctx)
	gc.cancel = cancel

	go gc.run(gcCtx)

	gc.logger.Info("GC запущен",
		slog.String("interval", gc.interval.String()),
		slog.String("incomplete_ttl", gc.ttl.String()),
	)
}

// Stop останавливает фоновый процесс GC.
func (gc *GCService) Stop() {
	if gc.cancel != nil {
		gc.cancel()
	}
	gc.logger.Info("GC остановлен")
}

func (gc *GCService) run(ctx context.Context) {
	// Первый запуск: сразу после старта
	gc.RunOnce()

	ticker := time.NewTicker(gc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gc.RunOnce()
		}
	}
}

// RunOnce выполняет один цикл GC.
func (gc *GCService) RunOnce() *GCResult {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	start := time.Now()
	result := &GCResult{}

	err := gc.sync.Exclusive(func() error {
		dirs, err := gc.store.Incomplete()
		if err != nil {
			return err
		}

		cutoff := gc.now().Add(-gc.ttl)
		for _, d := range dirs {
			if d.ModTime.After(cutoff) {
				continue
			}
			if err := gc.store.RemoveDir(d.ID); err != nil {
				gc.logger.Error("GC: ошибка удаления незавершённой записи",
					slog.Int64("entry_id", d.ID),
					slog.String("error", err.Error()),
				)
				result.Errors++
				continue
			}
			gc.logger.Debug("GC: незавершённая запись удалена",
				slog.Int64("entry_id", d.ID),
				slog.Time("mod_time", d.ModTime),
			)
			result.RemovedCount++
		}
		return nil
	})
	if err != nil {
		gc.logger.Error("GC: ошибка сканирования хранилища", slog.String("error", err.Error()))
		result.Errors++
	}

	pruned, err := gc.journal.Prune(walRetention)
	if err != nil {
		gc.logger.Warn("GC: ошибка очистки WAL", slog.String("error", err.Error()))
		result.Errors++
	}
	result.JournalPruned = pruned

	result.Duration = time.Since(start)

	gcRunsTotal.Inc()
	gcDirsRemovedTotal.Add(float64(result.RemovedCount))
	gcDurationSeconds.Observe(result.Duration.Seconds())

	gc.logger.Info("GC завершён",
		slog.Int("removed", result.RemovedCount),
		slog.Int("journal_pruned", result.JournalPruned),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)
	return result
}
