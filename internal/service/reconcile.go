// reconcile.go: сервис сверки хранилища.
//
// Сверка синхронизирует индекс с диском (Resync, рассылка только при
// изменениях) и проверяет целостность записей: незавершённые записи,
// отсутствующие элементы, лишние файлы, несовпадение размера и SHA-256.
// Ничего не исправляет: поврежденные записи остаются на диске для
// ручного разбора.
//
// Запускается периодически (CR_RECONCILE_INTERVAL) и по запросу
// POST /api/v1/maintenance/reconcile.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/cliprelay/internal/storage/entrystore"
)

// Prometheus метрики Reconciliation
var (
	reconcileRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cr_reconcile_runs_total",
		Help: "Общее количество запусков reconciliation",
	})

	reconcileIssuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cr_reconcile_issues_total",
		Help: "Общее количество проблем, обнаруженных reconciliation",
	}, []string{"type"})

	reconcileDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cr_reconcile_duration_seconds",
		Help:    "Длительность выполнения reconciliation в секундах",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	})
)

// ReconcileReport: результат сверки.
type ReconcileReport struct {
	StartedAt      time.Time          `json:"started_at"`
	CompletedAt    time.Time          `json:"completed_at"`
	EntriesChecked int                `json:"entries_checked"`
	IndexChanged   bool               `json:"index_changed"`
	Issues         []entrystore.Issue `json:"issues"`
	Summary        ReconcileSummary   `json:"summary"`
}

// ReconcileSummary: количество проблем по типам.
type ReconcileSummary struct {
	Ok                 int `json:"ok"`
	IncompleteEntries  int `json:"incomplete_entries"`
	OrphanedFiles      int `json:"orphaned_files"`
	MissingItems       int `json:"missing_items"`
	SizeMismatches     int `json:"size_mismatches"`
	ChecksumMismatches int `json:"checksum_mismatches"`
}

// ReconcileService: сервис сверки хранилища.
type ReconcileService struct {
	sync     *Synchronizer
	store    *entrystore.Store
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	inProcess bool
	cancel    context.CancelFunc
}

// NewReconcileService создаёт сервис reconciliation.
func NewReconcileService(
	s *Synchronizer,
	store *entrystore.Store,
	interval time.Duration,
	logger *slog.Logger,
) *ReconcileService {
	return &ReconcileService{
		sync:     s,
		store:    store,
		interval: interval,
		logger:   logger.With(slog.String("component", "reconcile")),
	}
}

// Start запускает фоновую горутину с периодическим тикером.
func (rs *ReconcileService) Start(ctx context.Context) {
	rsCtx, cancel := context.WithCancel(ctx)
	rs.cancel = cancel

	go rs.run(rsCtx)

	rs.logger.Info("Reconciliation запущена",
		slog.String("interval", rs.interval.String()),
	)
}

// Stop останавливает фоновой процесс reconciliation.
func (rs *ReconcileService) Stop() {
	if rs.cancel != nil {
		rs.cancel()
	}
	rs.logger.Info("Reconciliation остановлена")
}

// IsInProgress возвращает true, если сверка выполняется.
func (rs *ReconcileService) IsInProgress() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.inProcess
}

func (rs *ReconcileService) run(ctx context.Context) {
	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rs.RunOnce()
		}
	}
}

// RunOnce выполняет одну сверку.
// Если сверка уже выполняется, возвращает nil, true.
func (rs *ReconcileService) RunOnce() (*ReconcileReport, bool) {
	rs.mu.Lock()
	if rs.inProcess {
		rs.mu.Unlock()
		rs.logger.Warn("Reconciliation уже выполняется, пропуск")
		return nil, true
	}
	rs.inProcess = true
	rs.mu.Unlock()

	defer func() {
		rs.mu.Lock()
		rs.inProcess = false
		rs.mu.Unlock()
	}()

	report := &ReconcileReport{StartedAt: time.Now().UTC(), Issues: []entrystore.Issue{}}
	rs.logger.Info("Reconciliation начата")

	changed, err := rs.sync.Resync("reconcile")
	if err != nil {
		rs.logger.Error("Ошибка пересборки индекса", slog.String("error", err.Error()))
	}
	report.IndexChanged = changed

	// Под блокировкой записи: директория create без .entry.json или
	// delete после удаления метаданных не видны как незавершённые.
	var inspected *entrystore.InspectReport
	err = rs.sync.Exclusive(func() error {
		var inspectErr error
		inspected, inspectErr = rs.store.Inspect()
		return inspectErr
	})
	if err != nil {
		rs.logger.Error("Ошибка проверки хранилища", slog.String("error", err.Error()))
	} else {
		report.EntriesChecked = inspected.EntriesChecked
		report.Issues = append(report.Issues, inspected.Issues...)
	}

	broken := make(map[int64]bool)
	for _, issue := range report.Issues {
		switch issue.Type {
		case entrystore.IssueIncompleteEntry:
			report.Summary.IncompleteEntries++
		case entrystore.IssueOrphanedFile:
			report.Summary.OrphanedFiles++
		case entrystore.IssueMissingItem:
			report.Summary.MissingItems++
		case entrystore.IssueSizeMismatch:
			report.Summary.SizeMismatches++
		case entrystore.IssueChecksumMismatch:
			report.Summary.ChecksumMismatches++
		}
		if issue.Type != entrystore.IssueIncompleteEntry {
			broken[issue.EntryID] = true
		}
		reconcileIssuesTotal.WithLabelValues(string(issue.Type)).Inc()
	}
	report.Summary.Ok = max(report.EntriesChecked-len(broken), 0)

	report.CompletedAt = time.Now().UTC()
	duration := report.CompletedAt.Sub(report.StartedAt)
	reconcileRunsTotal.Inc()
	reconcileDurationSeconds.Observe(duration.Seconds())

	rs.logger.Info("Reconciliation завершена",
		slog.Int("entries_checked", report.EntriesChecked),
		slog.Int("issues", len(report.Issues)),
		slog.Int("ok", report.Summary.Ok),
		slog.Bool("index_changed", report.IndexChanged),
		slog.Duration("duration", duration),
	)
	return report, false
}
