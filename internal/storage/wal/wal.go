package wal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WAL: файловый журнал транзакций.
// Порядок работы: Begin (pending) → мутация → Commit или Rollback.
// Pending записи, пережившие рестарт, возвращает Pending.
type WAL struct {
	dir    string
	mu     sync.Mutex
	logger *slog.Logger
}

// New создаёт журнал. Проверяет и создаёт директорию,
// проверяет возможность записи.
func New(dir string, logger *slog.Logger) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию WAL %s: %w", dir, err)
	}

	testFile := filepath.Join(dir, ".wal_write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o640); err != nil {
		return nil, fmt.Errorf("директория WAL %s недоступна для записи: %w", dir, err)
	}
	os.Remove(testFile)

	return &WAL{
		dir:    dir,
		logger: logger.With(slog.String("component", "wal")),
	}, nil
}

// Dir возвращает путь к директории журнала.
func (w *WAL) Dir() string {
	return w.dir
}

// Begin открывает транзакцию со статусом pending.
func (w *WAL) Begin(op OperationType, entryIDs ...int64) (*Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	rec := &Record{
		TransactionID: uuid.New().String(),
		Operation:     op,
		Status:        StatusPending,
		EntryIDs:      slices.Clone(entryIDs),
		StartedAt:     time.Now().UTC(),
	}
	if rec.EntryIDs == nil {
		rec.EntryIDs = []int64{}
	}

	if err := w.write(rec); err != nil {
		return nil, fmt.Errorf("не удалось создать WAL-запись: %w", err)
	}

	w.logger.Debug("WAL транзакция начата",
		slog.String("tx_id", rec.TransactionID),
		slog.String("operation", string(op)),
		slog.Any("entry_ids", rec.EntryIDs),
	)
	return rec, nil
}

// Commit помечает транзакцию как успешно завершённую.
func (w *WAL) Commit(txID string) error {
	return w.finish(txID, StatusCommitted)
}

// Rollback помечает транзакцию как отменённую.
func (w *WAL) Rollback(txID string) error {
	return w.finish(txID, StatusRolledBack)
}

func (w *WAL) finish(txID string, status TransactionStatus) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	rec, err := w.read(txID)
	if err != nil {
		return fmt.Errorf("не удалось прочитать WAL-запись %s: %w", txID, err)
	}
	if rec.Status != StatusPending {
		return fmt.Errorf("WAL-запись %s имеет статус %s, ожидается %s", txID, rec.Status, StatusPending)
	}

	now := time.Now().UTC()
	rec.Status = status
	rec.CompletedAt = &now

	if err := w.write(rec); err != nil {
		return fmt.Errorf("не удалось обновить WAL-запись %s: %w", txID, err)
	}

	w.logger.Debug("WAL транзакция закрыта",
		slog.String("tx_id", txID),
		slog.String("status", string(status)),
		slog.Duration("duration", now.Sub(rec.StartedAt)),
	)
	return nil
}

// Get читает запись журнала по id транзакции.
func (w *WAL) Get(txID string) (*Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.read(txID)
}

// Pending возвращает незавершённые транзакции в порядке начала.
// Нечитаемые файлы журнала пропускаются с предупреждением.
func (w *WAL) Pending() ([]*Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	records, err := w.all()
	if err != nil {
		return nil, err
	}

	var pending []*Record
	for _, rec := range records {
		if rec.Status != StatusPending {
			continue
		}
		pending = append(pending, rec)
		w.logger.Warn("Обнаружена незавершённая WAL-транзакция",
			slog.String("tx_id", rec.TransactionID),
			slog.String("operation", string(rec.Operation)),
			slog.Any("entry_ids", rec.EntryIDs),
			slog.Time("started_at", rec.StartedAt),
		)
	}

	slices.SortFunc(pending, func(a, b *Record) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return pending, nil
}

// Prune удаляет завершённые записи старше olderThan.
// Возвращает количество удалённых файлов.
func (w *WAL) Prune(olderThan time.Duration) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	records, err := w.all()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	removed := 0
	for _, rec := range records {
		if !rec.IsFinished() || rec.CompletedAt == nil || rec.CompletedAt.After(cutoff) {
			continue
		}
		path := filepath.Join(w.dir, recordFileName(rec.TransactionID))
		if err := os.Remove(path); err != nil {
			w.logger.Warn("Не удалось удалить WAL-запись",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
	}

	if removed > 0 {
		w.logger.Info("Очистка WAL завершена", slog.Int("removed", removed))
	}
	return removed, nil
}

// all читает все записи журнала. Вызывается под w.mu.
func (w *WAL) all() ([]*Record, error) {
	paths, err := filepath.Glob(filepath.Join(w.dir, "*"+recordSuffix))
	if err != nil {
		return nil, fmt.Errorf("не удалось сканировать директорию WAL: %w", err)
	}

	records := make([]*Record, 0, len(paths))
	for _, path := range paths {
		rec, err := w.read(strings.TrimSuffix(filepath.Base(path), recordSuffix))
		if err != nil {
			w.logger.Warn("Не удалось прочитать WAL-запись",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// write атомарно сохраняет запись: temp файл → fsync → rename.
func (w *WAL) write(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации: %w", err)
	}

	targetPath := filepath.Join(w.dir, recordFileName(rec.TransactionID))
	tmpPath := targetPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}
	if err := os.Rename(tmpPath, targetPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}
	return nil
}

func (w *WAL) read(txID string) (*Record, error) {
	data, err := os.ReadFile(filepath.Join(w.dir, recordFileName(txID)))
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("ошибка десериализации: %w", err)
	}
	return &rec, nil
}
