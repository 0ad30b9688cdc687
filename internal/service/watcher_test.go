package service

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestWatcher_ExternalChangeReachesSubscribers(t *testing.T) {
	env := newTestEnv(t)
	mustCreate(t, env, "a")
	mustCreate(t, env, "b")

	w, err := NewWatcher(env.sync, env.root, 20*time.Millisecond, testLogger())
	if err != nil {
		t.Fatalf("Ошибка создания Watcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)

	sub := env.bc.Subscribe()
	if err := os.RemoveAll(env.store.EntryPath(1)); err != nil {
		t.Fatal(err)
	}

	st := receive(t, sub)
	if len(st) != 1 || st[0].ID != 2 {
		t.Errorf("Ожидалось состояние [2], получили %d записей", len(st))
	}
}

func TestWatcher_OwnMutationsDoNotDuplicateBroadcast(t *testing.T) {
	env := newTestEnv(t)

	w, err := NewWatcher(env.sync, env.root, 20*time.Millisecond, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)

	sub := env.bc.Subscribe()
	mustCreate(t, env, "a")
	receive(t, sub)

	// Ждём срабатывания debounce: Resync не должен ничего разослать
	time.Sleep(200 * time.Millisecond)
	assertNoState(t, sub)
}
