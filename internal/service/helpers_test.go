package service

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bigkaa/cliprelay/internal/domain/mode"
	"github.com/bigkaa/cliprelay/internal/domain/model"
	"github.com/bigkaa/cliprelay/internal/storage/entrystore"
	"github.com/bigkaa/cliprelay/internal/storage/index"
	"github.com/bigkaa/cliprelay/internal/storage/wal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testEnv: полный стек хранения поверх временной директории.
type testEnv struct {
	root    string
	store   *entrystore.Store
	idx     *index.Index
	journal *wal.WAL
	sm      *mode.StateMachine
	bc      *Broadcaster
	sync    *Synchronizer
}

// newTestEnv создаёт окружение в новой временной директории.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return openTestEnv(t, filepath.Join(t.TempDir(), "data"), mode.ModeRW)
}

// openTestEnv открывает окружение над существующим корнем и выполняет
// Recover, как при старте процесса.
func openTestEnv(t *testing.T, root string, m mode.StorageMode) *testEnv {
	t.Helper()
	logger := testLogger()

	store, err := entrystore.New(root, logger)
	if err != nil {
		t.Fatalf("Ошибка создания Store: %v", err)
	}
	journal, err := wal.New(filepath.Join(root, ".wal"), logger)
	if err != nil {
		t.Fatalf("Ошибка создания WAL: %v", err)
	}
	sm, err := mode.NewStateMachine(m)
	if err != nil {
		t.Fatal(err)
	}
	idx := index.New(store, logger)
	bc := NewBroadcaster(16, logger)
	t.Cleanup(bc.Close)

	s := NewSynchronizer(store, idx, journal, sm, bc, 1<<20, logger)
	if err := s.Recover(context.Background()); err != nil {
		t.Fatalf("Ошибка Recover: %v", err)
	}

	return &testEnv{root: root, store: store, idx: idx, journal: journal, sm: sm, bc: bc, sync: s}
}

// textSubmission: заявка из одного текстового элемента.
func textSubmission(text string) model.Submission {
	return model.Submission{
		Items: []model.ItemPayload{{Type: "text/plain", Data: []byte(text)}},
		Meta:  map[string]any{"source": "test"},
	}
}

// mustCreate создаёт запись и проверяет отсутствие ошибки.
func mustCreate(t *testing.T, env *testEnv, text string) int64 {
	t.Helper()
	id, err := env.sync.Create(context.Background(), textSubmission(text))
	if err != nil {
		t.Fatalf("Ошибка Create: %v", err)
	}
	return id
}

// receive ждёт одно состояние из подписки.
func receive(t *testing.T, sub *Subscription) State {
	t.Helper()
	select {
	case st, ok := <-sub.C:
		if !ok {
			t.Fatal("Канал подписки закрыт")
		}
		return st
	case <-time.After(5 * time.Second):
		t.Fatal("Состояние не получено")
	}
	return nil
}

// assertNoState проверяет, что в подписке нет ожидающих состояний.
func assertNoState(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case st := <-sub.C:
		t.Errorf("Неожиданное состояние: %d записей", len(st))
	default:
	}
}
