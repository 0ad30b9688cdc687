// sync.go: Synchronizer: единственная точка мутаций хранилища.
//
// Глобальная блокировка записи охватывает выделение id, запись на диск,
// удаление, пересборку индекса и постановку рассылки в очередь. Поэтому
// конкурентные create получают разные последовательные id, а порядок
// уведомлений совпадает с порядком мутаций. Чтение идёт через индекс
// без блокировки.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bigkaa/cliprelay/internal/api/middleware"
	"github.com/bigkaa/cliprelay/internal/domain/mode"
	"github.com/bigkaa/cliprelay/internal/domain/model"
	"github.com/bigkaa/cliprelay/internal/storage/entrystore"
	"github.com/bigkaa/cliprelay/internal/storage/index"
	"github.com/bigkaa/cliprelay/internal/storage/itemcodec"
	"github.com/bigkaa/cliprelay/internal/storage/wal"
)

// defaultBinaryType: тип элемента, если клиент его не указал.
const defaultBinaryType = "application/octet-stream"

// walRetention: сколько хранить закрытые записи журнала.
const walRetention = 24 * time.Hour

// DeleteResult: итог пакетного удаления.
type DeleteResult struct {
	// Deleted: id, удалённые этим вызовом
	Deleted []int64 `json:"deleted"`
	// Failed: id, удаление которых завершилось ошибкой ввода-вывода
	Failed []int64 `json:"failed,omitempty"`
}

// Synchronizer координирует мутации диска, пересборку индекса и рассылку.
type Synchronizer struct {
	mu sync.Mutex

	store       *entrystore.Store
	idx         *index.Index
	journal     *wal.WAL
	sm          *mode.StateMachine
	bc          *Broadcaster
	maxItemSize int64
	now         func() time.Time
	// persist записывает один элемент в директорию записи
	persist func(item model.ItemPayload, dir string, position int, entryID int64) (model.ItemRef, error)
	logger  *slog.Logger
}

// NewSynchronizer создаёт Synchronizer. maxItemSize <= 0 отключает
// проверку размера элемента.
func NewSynchronizer(
	store *entrystore.Store,
	idx *index.Index,
	journal *wal.WAL,
	sm *mode.StateMachine,
	bc *Broadcaster,
	maxItemSize int64,
	logger *slog.Logger,
) *Synchronizer {
	return &Synchronizer{
		store:       store,
		idx:         idx,
		journal:     journal,
		sm:          sm,
		bc:          bc,
		maxItemSize: maxItemSize,
		now:         time.Now,
		persist:     itemcodec.Persist,
		logger:      logger.With(slog.String("component", "synchronizer")),
	}
}

// Create сохраняет новую запись и возвращает её id.
//
// Поток:
//  1. Валидация заявки (без обращения к диску)
//  2. Проверка режима
//  3. Под блокировкой: id, .sequence, WAL Begin, директория, элементы,
//     .entry.json, WAL Commit, пересборка индекса, рассылка
//
// При ошибке записи частичная директория остаётся на диске: Scan её
// пропускает, GC удаляет по истечении CR_INCOMPLETE_TTL.
func (s *Synchronizer) Create(ctx context.Context, sub model.Submission) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	items, err := s.normalize(sub.Items)
	if err != nil {
		middleware.OperationsTotal.WithLabelValues("create", "rejected").Inc()
		return 0, err
	}
	if !s.sm.CanPerform(mode.OpCreate) {
		middleware.OperationsTotal.WithLabelValues("create", "rejected").Inc()
		return 0, &Error{
			Kind:    KindModeNotAllowed,
			Message: fmt.Sprintf("создание записей недоступно в режиме %s", s.sm.CurrentMode()),
		}
	}

	meta := sub.Meta
	if meta == nil {
		meta = map[string]any{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.nextID()
	if err != nil {
		middleware.OperationsTotal.WithLabelValues("create", "error").Inc()
		return 0, persistenceError(err, "не удалось выделить id записи")
	}

	if err := s.writeEntry(id, items, meta); err != nil {
		middleware.OperationsTotal.WithLabelValues("create", "error").Inc()
		s.logger.Error("Ошибка сохранения записи",
			slog.Int64("entry_id", id),
			slog.String("error", err.Error()),
		)
		return 0, persistenceError(err, "ошибка сохранения записи", id)
	}

	if err := s.rebuildAndNotify(); err != nil {
		middleware.OperationsTotal.WithLabelValues("create", "error").Inc()
		return 0, persistenceError(err, "запись сохранена, но индекс не пересобран", id)
	}

	middleware.OperationsTotal.WithLabelValues("create", "success").Inc()
	s.logger.Info("Запись создана",
		slog.Int64("entry_id", id),
		slog.Int("items", len(items)),
	)
	return id, nil
}

// normalize проверяет элементы заявки и подставляет имена и типы по умолчанию.
func (s *Synchronizer) normalize(items []model.ItemPayload) ([]model.ItemPayload, error) {
	if len(items) == 0 {
		return nil, validationError("заявка не содержит элементов")
	}

	out := make([]model.ItemPayload, len(items))
	seen := make(map[string]int, len(items))
	for i, item := range items {
		if item.Type == "" {
			item.Type = defaultBinaryType
		}
		if item.Name == "" {
			item.Name = itemcodec.DefaultName(item.Type, i)
		}
		if err := itemcodec.ValidateName(item.Name); err != nil {
			return nil, validationError("элемент %d: %v", i, err)
		}
		if prev, dup := seen[item.Name]; dup {
			return nil, validationError("элементы %d и %d имеют одинаковое имя %q", prev, i, item.Name)
		}
		seen[item.Name] = i
		if s.maxItemSize > 0 && int64(len(item.Data)) > s.maxItemSize {
			return nil, validationError("элемент %d: размер %d байт превышает максимум %d байт",
				i, len(item.Data), s.maxItemSize)
		}
		out[i] = item
	}
	return out, nil
}

// nextID вычисляет следующий id и сохраняет его как верхнюю границу
// до создания директории. Вызывается под s.mu.
func (s *Synchronizer) nextID() (int64, error) {
	high := s.idx.MaxID()

	seq, err := s.store.LoadSequence()
	if err != nil {
		return 0, err
	}
	high = max(high, seq)

	onDisk, err := s.store.MaxDirID()
	if err != nil {
		return 0, err
	}
	high = max(high, onDisk)

	id := high + 1
	if err := s.store.SaveSequence(id); err != nil {
		return 0, err
	}
	return id, nil
}

// writeEntry записывает директорию, элементы и метаданные в рамках
// транзакции журнала. Вызывается под s.mu.
func (s *Synchronizer) writeEntry(id int64, items []model.ItemPayload, meta map[string]any) error {
	tx, err := s.journal.Begin(wal.OpEntryCreate, id)
	if err != nil {
		return err
	}
	rollback := func() {
		if rbErr := s.journal.Rollback(tx.TransactionID); rbErr != nil {
			s.logger.Error("Ошибка отката WAL",
				slog.String("tx_id", tx.TransactionID),
				slog.String("error", rbErr.Error()),
			)
		}
	}

	dir, err := s.store.AllocateDirectory(id)
	if err != nil {
		rollback()
		return err
	}

	refs := make([]model.ItemRef, 0, len(items))
	for i, item := range items {
		ref, err := s.persist(item, dir.Path, i, id)
		if err != nil {
			rollback()
			return fmt.Errorf("элемент %d: %w", i, err)
		}
		refs = append(refs, ref)
	}

	entry := &model.Entry{
		ID:        id,
		Timestamp: model.TimestampMillis(s.now()),
		Items:     refs,
		Meta:      meta,
	}
	if err := entrystore.WriteMetadata(dir, entry); err != nil {
		rollback()
		return err
	}

	if err := s.journal.Commit(tx.TransactionID); err != nil {
		// Данные уже на диске, коммит журнала: best effort
		s.logger.Error("Ошибка коммита WAL (запись сохранена)",
			slog.String("tx_id", tx.TransactionID),
			slog.Int64("entry_id", id),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// Delete удаляет записи по id. Каждый id обрабатывается независимо:
// отсутствующие не попадают ни в Deleted, ни в Failed. Индекс
// пересобирается и рассылка выполняется всегда, даже при частичной
// ошибке. Непустой Failed возвращается вместе с *Error KindPersistence,
// удалённые записи не восстанавливаются.
func (s *Synchronizer) Delete(ctx context.Context, ids []int64) (DeleteResult, error) {
	result := DeleteResult{Deleted: []int64{}}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	if !s.sm.CanPerform(mode.OpDelete) {
		middleware.OperationsTotal.WithLabelValues("delete", "rejected").Inc()
		return result, &Error{
			Kind:    KindModeNotAllowed,
			Message: fmt.Sprintf("удаление записей недоступно в режиме %s", s.sm.CurrentMode()),
		}
	}

	unique := slices.Clone(ids)
	slices.Sort(unique)
	unique = slices.Compact(unique)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.journal.Begin(wal.OpEntryDelete, unique...)
	if err != nil {
		middleware.OperationsTotal.WithLabelValues("delete", "error").Inc()
		result.Failed = slices.Clone(unique)
		return result, persistenceError(err, "не удалось начать транзакцию удаления", unique...)
	}

	for _, id := range ids {
		if slices.Contains(result.Deleted, id) || slices.Contains(result.Failed, id) {
			continue
		}
		ok, err := s.store.DeleteEntry(id)
		switch {
		case err != nil:
			s.logger.Error("Ошибка удаления записи",
				slog.Int64("entry_id", id),
				slog.String("error", err.Error()),
			)
			result.Failed = append(result.Failed, id)
		case ok:
			result.Deleted = append(result.Deleted, id)
		}
	}

	if err := s.journal.Commit(tx.TransactionID); err != nil {
		s.logger.Error("Ошибка коммита WAL удаления",
			slog.String("tx_id", tx.TransactionID),
			slog.String("error", err.Error()),
		)
	}

	rebuildErr := s.rebuildAndNotify()

	s.logger.Info("Удаление записей",
		slog.Any("deleted", result.Deleted),
		slog.Any("failed", result.Failed),
	)

	if len(result.Failed) > 0 {
		middleware.OperationsTotal.WithLabelValues("delete", "error").Inc()
		return result, persistenceError(rebuildErr, "не все записи удалены", result.Failed...)
	}
	if rebuildErr != nil {
		middleware.OperationsTotal.WithLabelValues("delete", "error").Inc()
		return result, persistenceError(rebuildErr, "записи удалены, но индекс не пересобран")
	}
	middleware.OperationsTotal.WithLabelValues("delete", "success").Inc()
	return result, nil
}

// Resync пересобирает индекс под блокировкой записи. Рассылка выполняется
// только если содержимое индекса изменилось. Используется наблюдателем
// файловой системы и сверкой.
func (s *Synchronizer) Resync(reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.idx.Signature()
	wasReady := s.idx.IsReady()
	if _, err := s.idx.Rebuild(); err != nil {
		return false, err
	}
	s.updateGauges()

	changed := !wasReady || s.idx.Signature() != before
	if changed {
		s.bc.Notify(s.idx.List())
		s.logger.Info("Индекс синхронизирован с диском",
			slog.String("reason", reason),
			slog.Int("entries", s.idx.Count()),
		)
	}
	return changed, nil
}

// Exclusive выполняет fn под блокировкой записи.
func (s *Synchronizer) Exclusive(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

// Snapshot возвращает текущее состояние индекса от новых к старым.
func (s *Synchronizer) Snapshot() State {
	return s.idx.List()
}

// Recover доводит до конца транзакции журнала, прерванные аварийной
// остановкой, и строит индекс. Вызывается при старте до приёма запросов.
//
//   - entry_create с валидным .entry.json коммитится, иначе директория
//     удаляется и транзакция откатывается (id остаётся занятым)
//   - entry_delete повторяется (удаление идемпотентно) и коммитится
func (s *Synchronizer) Recover(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.journal.Pending()
	if err != nil {
		return fmt.Errorf("ошибка чтения WAL: %w", err)
	}

	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch rec.Operation {
		case wal.OpEntryCreate:
			s.recoverCreate(rec)
		case wal.OpEntryDelete:
			for _, id := range rec.EntryIDs {
				if _, err := s.store.DeleteEntry(id); err != nil {
					s.logger.Error("Ошибка повторного удаления при восстановлении",
						slog.Int64("entry_id", id),
						slog.String("error", err.Error()),
					)
				}
			}
			s.closeTx(rec.TransactionID, s.journal.Commit)
		default:
			s.logger.Warn("Неизвестная операция в WAL",
				slog.String("tx_id", rec.TransactionID),
				slog.String("operation", string(rec.Operation)),
			)
			s.closeTx(rec.TransactionID, s.journal.Rollback)
		}
	}

	if _, err := s.journal.Prune(walRetention); err != nil {
		s.logger.Warn("Ошибка очистки WAL", slog.String("error", err.Error()))
	}

	if _, err := s.idx.Rebuild(); err != nil {
		return err
	}
	s.updateGauges()

	s.logger.Info("Восстановление завершено",
		slog.Int("pending_transactions", len(pending)),
		slog.Int("entries", s.idx.Count()),
	)
	return nil
}

func (s *Synchronizer) recoverCreate(rec *wal.Record) {
	for _, id := range rec.EntryIDs {
		if _, err := entrystore.ReadMetadata(s.store.EntryPath(id)); err == nil {
			continue
		}
		s.logger.Warn("Удаление незавершённой записи из WAL",
			slog.Int64("entry_id", id),
			slog.String("tx_id", rec.TransactionID),
		)
		if err := s.store.RemoveDir(id); err != nil {
			s.logger.Error("Ошибка удаления незавершённой записи",
				slog.Int64("entry_id", id),
				slog.String("error", err.Error()),
			)
		}
		s.closeTx(rec.TransactionID, s.journal.Rollback)
		return
	}
	s.closeTx(rec.TransactionID, s.journal.Commit)
}

func (s *Synchronizer) closeTx(txID string, finish func(string) error) {
	if err := finish(txID); err != nil {
		s.logger.Error("Ошибка закрытия WAL-транзакции",
			slog.String("tx_id", txID),
			slog.String("error", err.Error()),
		)
	}
}

// rebuildAndNotify пересобирает индекс и ставит рассылку в очередь.
// Вызывается под s.mu.
func (s *Synchronizer) rebuildAndNotify() error {
	if _, err := s.idx.Rebuild(); err != nil {
		s.logger.Error("Ошибка пересборки индекса", slog.String("error", err.Error()))
		return err
	}
	s.updateGauges()
	s.bc.Notify(s.idx.List())
	return nil
}

func (s *Synchronizer) updateGauges() {
	middleware.EntriesTotal.Set(float64(s.idx.Count()))
	middleware.StorageBytes.Set(float64(s.idx.TotalSize()))
}
