package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// openStream подключается к SSE endpoint тестового сервера.
func openStream(t *testing.T, env *testEnv) *bufio.Reader {
	t.Helper()
	srv := httptest.NewServer(env.router)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	// Порядок: сначала отмена запроса, затем остановка сервера
	t.Cleanup(srv.Close)
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/clips/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Ошибка подключения к SSE: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Код ответа SSE: %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type: %q", ct)
	}
	return bufio.NewReader(resp.Body)
}

func storeIDs(t *testing.T, ev sseEvent) []int64 {
	t.Helper()
	if ev.name != updateEvent {
		t.Fatalf("Событие %q, ожидалось %q", ev.name, updateEvent)
	}
	var payload struct {
		Store []struct {
			ID int64 `json:"id"`
		} `json:"store"`
	}
	if err := json.Unmarshal([]byte(ev.data), &payload); err != nil {
		t.Fatalf("Ошибка разбора data %q: %v", ev.data, err)
	}
	if payload.Store == nil {
		t.Fatalf("Поле store отсутствует или null: %s", ev.data)
	}
	ids := make([]int64, 0, len(payload.Store))
	for _, e := range payload.Store {
		ids = append(ids, e.ID)
	}
	return ids
}

// TestEvents_InitialStateAndUpdates проверяет начальное состояние
// и обновления после создания и удаления.
func TestEvents_InitialStateAndUpdates(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, "first")

	stream := openStream(t, env)

	if ids := storeIDs(t, readEvent(t, stream)); len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("Начальное состояние: %v", ids)
	}

	env.mustCreate(t, "second")
	if ids := storeIDs(t, readEvent(t, stream)); len(ids) != 2 || ids[0] != 2 || ids[1] != 1 {
		t.Fatalf("После создания: %v, ожидалось [2 1]", ids)
	}

	rec := env.doJSON(http.MethodDelete, "/clips", `{"ids":[2]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("DELETE: %d", rec.Code)
	}
	if ids := storeIDs(t, readEvent(t, stream)); len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("После удаления: %v, ожидалось [1]", ids)
	}
}

// TestEvents_EmptyStore проверяет, что пустое хранилище отдаётся как store: [].
func TestEvents_EmptyStore(t *testing.T) {
	env := newTestEnv(t)
	stream := openStream(t, env)

	if ids := storeIDs(t, readEvent(t, stream)); len(ids) != 0 {
		t.Fatalf("Ожидался пустой store, получено %v", ids)
	}
}

// TestEvents_Keepalive проверяет периодические комментарии.
func TestEvents_Keepalive(t *testing.T) {
	env := newTestEnvWith(t, envOptions{keepalive: 20 * time.Millisecond})
	stream := openStream(t, env)
	readEvent(t, stream)

	for {
		line, err := stream.ReadString('\n')
		if err != nil {
			t.Fatalf("Ошибка чтения: %v", err)
		}
		if strings.HasPrefix(line, ": keepalive") {
			return
		}
	}
}

// TestEvents_BroadcasterClose проверяет завершение потока при остановке.
func TestEvents_BroadcasterClose(t *testing.T) {
	env := newTestEnv(t)
	stream := openStream(t, env)
	readEvent(t, stream)

	env.bc.Close()

	done := make(chan error, 1)
	go func() {
		_, err := stream.ReadString('\n')
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Error("Ожидалось закрытие потока")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Поток не закрыт после Close")
	}
}
