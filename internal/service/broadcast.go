// broadcast.go: рассылка состояния индекса подписчикам.
//
// Доставка fire-and-forget: у каждого подписчика небольшой буферный
// канал. Состояние: полный снимок, поэтому при переполнении буфера
// самое старое ожидающее состояние вытесняется новым.
package service

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/cliprelay/internal/domain/model"
)

var (
	subscribersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cr_subscribers",
		Help: "Текущее количество подписчиков на обновления",
	})

	broadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cr_broadcasts_total",
		Help: "Общее количество рассылок состояния",
	})

	broadcastDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cr_broadcast_dropped_total",
		Help: "Количество состояний, вытесненных из буфера медленного подписчика",
	})
)

// State: снимок индекса от новых записей к старым.
type State []*model.Entry

// Subscription: подписка на обновления состояния.
// Канал C закрывается при Unsubscribe или Close.
type Subscription struct {
	ID string
	C  <-chan State

	ch chan State
}

// Broadcaster: реестр подписчиков.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[string]*Subscription
	buffer int
	closed bool
	logger *slog.Logger
}

// NewBroadcaster создаёт реестр; buffer: ёмкость канала подписчика.
func NewBroadcaster(buffer int, logger *slog.Logger) *Broadcaster {
	if buffer < 1 {
		buffer = 1
	}
	return &Broadcaster{
		subs:   make(map[string]*Subscription),
		buffer: buffer,
		logger: logger.With(slog.String("component", "broadcaster")),
	}
}

// Subscribe регистрирует нового подписчика.
// После Close возвращает подписку с уже закрытым каналом.
func (b *Broadcaster) Subscribe() *Subscription {
	ch := make(chan State, b.buffer)
	sub := &Subscription{ID: uuid.New().String(), C: ch, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub.ID] = sub
	subscribersGauge.Set(float64(len(b.subs)))

	b.logger.Debug("Подписчик зарегистрирован", slog.String("subscriber_id", sub.ID))
	return sub
}

// Unsubscribe удаляет подписчика и закрывает его канал. Идемпотентен.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
	subscribersGauge.Set(float64(len(b.subs)))

	b.logger.Debug("Подписчик удалён", slog.String("subscriber_id", id))
}

// Notify отправляет состояние всем подписчикам без ожидания.
func (b *Broadcaster) Notify(state State) {
	b.mu.Lock()
	defer b.mu.Unlock()

	broadcastsTotal.Inc()
	for _, sub := range b.subs {
		select {
		case sub.ch <- state:
			continue
		default:
		}

		// Буфер полон: вытесняем самое старое состояние
		select {
		case <-sub.ch:
			broadcastDroppedTotal.Inc()
		default:
		}
		select {
		case sub.ch <- state:
		default:
			broadcastDroppedTotal.Inc()
		}
	}
}

// Count возвращает количество подписчиков.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close закрывает все подписки. Используется при остановке сервера,
// чтобы долгоживущие SSE-соединения завершились.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
	subscribersGauge.Set(0)
}
