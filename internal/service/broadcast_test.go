package service

import (
	"testing"

	"github.com/bigkaa/cliprelay/internal/domain/model"
)

func stateOf(ids ...int64) State {
	st := make(State, 0, len(ids))
	for _, id := range ids {
		st = append(st, &model.Entry{ID: id})
	}
	return st
}

func TestBroadcaster_Notify(t *testing.T) {
	bc := NewBroadcaster(4, testLogger())
	a := bc.Subscribe()
	b := bc.Subscribe()

	if a.ID == b.ID {
		t.Fatal("ID подписчиков должны быть уникальны")
	}
	if bc.Count() != 2 {
		t.Errorf("Count: хотели 2, получили %d", bc.Count())
	}

	bc.Notify(stateOf(1))
	for _, sub := range []*Subscription{a, b} {
		if st := receive(t, sub); len(st) != 1 || st[0].ID != 1 {
			t.Errorf("Подписчик %s получил неверное состояние", sub.ID)
		}
	}
}

func TestBroadcaster_DropsOldestWhenFull(t *testing.T) {
	bc := NewBroadcaster(1, testLogger())
	sub := bc.Subscribe()

	bc.Notify(stateOf(1))
	bc.Notify(stateOf(2, 1))
	bc.Notify(stateOf(3, 2, 1))

	st := receive(t, sub)
	if len(st) != 3 || st[0].ID != 3 {
		t.Errorf("Ожидалось самое новое состояние, получили %d записей", len(st))
	}
	assertNoState(t, sub)
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	bc := NewBroadcaster(1, testLogger())
	sub := bc.Subscribe()

	bc.Unsubscribe(sub.ID)
	bc.Unsubscribe(sub.ID) // идемпотентно

	if _, ok := <-sub.C; ok {
		t.Error("Канал должен быть закрыт после Unsubscribe")
	}
	if bc.Count() != 0 {
		t.Errorf("Count: хотели 0, получили %d", bc.Count())
	}
	// Рассылка без подписчиков не блокируется
	bc.Notify(stateOf(1))
}

func TestBroadcaster_Close(t *testing.T) {
	bc := NewBroadcaster(1, testLogger())
	sub := bc.Subscribe()

	bc.Close()
	if _, ok := <-sub.C; ok {
		t.Error("Канал должен быть закрыт после Close")
	}

	late := bc.Subscribe()
	if _, ok := <-late.C; ok {
		t.Error("Подписка после Close должна быть закрыта")
	}
	bc.Close()
}
