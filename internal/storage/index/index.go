// Пакет index: in-memory слой записей Clip Relay.
//
// Индекс не персистентный и не является источником истины: он целиком
// пересобирается из entrystore.Scan() при старте и после каждой мутации.
// Снимок заменяется атомарно, поэтому чтение не берёт блокировок.
package index

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/cliprelay/internal/domain/model"
)

// Prometheus метрики индекса
var (
	rebuildDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cr_index_rebuild_duration_seconds",
		Help:    "Длительность пересборки индекса из файловой системы",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	entriesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cr_index_entries",
		Help: "Количество записей в индексе",
	})
)

// Source: источник записей для пересборки. Реализуется entrystore.Store.
type Source interface {
	Scan() ([]*model.Entry, error)
}

// snapshot: неизменяемое состояние индекса.
type snapshot struct {
	// entries: записи по возрастанию id
	entries   []*model.Entry
	byID      map[int64]*model.Entry
	totalSize int64
	signature uint64
}

// Index: индекс записей с атомарной заменой снимка.
type Index struct {
	source Source
	snap   atomic.Pointer[snapshot]
	logger *slog.Logger
}

// New создаёт пустой индекс. Для заполнения вызовите Rebuild.
func New(source Source, logger *slog.Logger) *Index {
	return &Index{
		source: source,
		logger: logger.With(slog.String("component", "index")),
	}
}

// Rebuild заново читает все завершённые записи с диска и атомарно
// заменяет снимок. Возвращает записи по возрастанию id.
// При ошибке сканирования текущий снимок сохраняется.
func (idx *Index) Rebuild() ([]*model.Entry, error) {
	start := time.Now()

	entries, err := idx.source.Scan()
	if err != nil {
		return nil, fmt.Errorf("ошибка пересборки индекса: %w", err)
	}

	snap := &snapshot{
		entries: entries,
		byID:    make(map[int64]*model.Entry, len(entries)),
	}
	h := xxhash.New()
	var buf [8]byte
	for _, e := range entries {
		snap.byID[e.ID] = e
		snap.totalSize += e.TotalSize()

		binary.LittleEndian.PutUint64(buf[:], uint64(e.ID))
		_, _ = h.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], uint64(e.Timestamp))
		_, _ = h.Write(buf[:])
		for _, item := range e.Items {
			_, _ = h.WriteString(item.Path)
			_, _ = h.WriteString(item.Checksum)
		}
	}
	snap.signature = h.Sum64()

	idx.snap.Store(snap)

	rebuildDurationSeconds.Observe(time.Since(start).Seconds())
	entriesGauge.Set(float64(len(entries)))
	idx.logger.Debug("Индекс пересобран",
		slog.Int("entries", len(entries)),
		slog.Duration("duration", time.Since(start)),
	)

	return cloneAll(entries, false), nil
}

// IsReady возвращает true, если индекс хотя бы раз успешно построен.
func (idx *Index) IsReady() bool {
	return idx.snap.Load() != nil
}

// List возвращает записи от новых к старым.
func (idx *Index) List() []*model.Entry {
	snap := idx.snap.Load()
	if snap == nil {
		return []*model.Entry{}
	}
	return cloneAll(snap.entries, true)
}

// Latest возвращает запись с наибольшим id или nil.
func (idx *Index) Latest() *model.Entry {
	snap := idx.snap.Load()
	if snap == nil || len(snap.entries) == 0 {
		return nil
	}
	return snap.entries[len(snap.entries)-1].Clone()
}

// Get возвращает запись по id или nil.
func (idx *Index) Get(id int64) *model.Entry {
	snap := idx.snap.Load()
	if snap == nil {
		return nil
	}
	e, ok := snap.byID[id]
	if !ok {
		return nil
	}
	return e.Clone()
}

// Count возвращает количество записей.
func (idx *Index) Count() int {
	snap := idx.snap.Load()
	if snap == nil {
		return 0
	}
	return len(snap.entries)
}

// TotalSize возвращает суммарный размер элементов всех записей.
func (idx *Index) TotalSize() int64 {
	snap := idx.snap.Load()
	if snap == nil {
		return 0
	}
	return snap.totalSize
}

// MaxID возвращает наибольший id в индексе (0 если пусто).
func (idx *Index) MaxID() int64 {
	snap := idx.snap.Load()
	if snap == nil || len(snap.entries) == 0 {
		return 0
	}
	return snap.entries[len(snap.entries)-1].ID
}

// Signature: отпечаток содержимого снимка. Меняется при любом
// добавлении, удалении или изменении элементов записи.
func (idx *Index) Signature() uint64 {
	snap := idx.snap.Load()
	if snap == nil {
		return 0
	}
	return snap.signature
}

// cloneAll копирует записи; при reverse порядок меняется на обратный.
func cloneAll(entries []*model.Entry, reverse bool) []*model.Entry {
	out := make([]*model.Entry, len(entries))
	for i, e := range entries {
		j := i
		if reverse {
			j = len(entries) - 1 - i
		}
		out[j] = e.Clone()
	}
	return out
}
