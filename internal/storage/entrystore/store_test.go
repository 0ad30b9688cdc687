package entrystore

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bigkaa/cliprelay/internal/domain/model"
	"github.com/bigkaa/cliprelay/internal/storage/itemcodec"
)

// testLogger возвращает логгер для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// newTestStore создаёт Store во временной директории.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "data"), testLogger())
	if err != nil {
		t.Fatalf("ошибка создания Store: %v", err)
	}
	return s
}

// writeEntry создаёт завершённую запись с одним текстовым элементом.
func writeEntry(t *testing.T, s *Store, id int64, text string) *model.Entry {
	t.Helper()

	dir, err := s.AllocateDirectory(id)
	if err != nil {
		t.Fatalf("ошибка создания директории %d: %v", id, err)
	}
	ref, err := itemcodec.Persist(model.ItemPayload{Type: "text/plain", Data: []byte(text)}, dir.Path, 0, id)
	if err != nil {
		t.Fatalf("ошибка сохранения элемента: %v", err)
	}
	entry := &model.Entry{
		ID:        id,
		Timestamp: time.Now().UnixMilli(),
		Items:     []model.ItemRef{ref},
		Meta:      map[string]any{"source": "test"},
	}
	if err := WriteMetadata(dir, entry); err != nil {
		t.Fatalf("ошибка записи метаданных: %v", err)
	}
	return entry
}

// TestAllocateDirectory проверяет имя директории и отказ при повторе.
func TestAllocateDirectory(t *testing.T) {
	s := newTestStore(t)

	dir, err := s.AllocateDirectory(7)
	if err != nil {
		t.Fatalf("ошибка создания: %v", err)
	}
	if filepath.Base(dir.Path) != "000007" {
		t.Errorf("имя директории: ожидалось 000007, получено %s", filepath.Base(dir.Path))
	}
	if info, err := os.Stat(dir.Path); err != nil || !info.IsDir() {
		t.Fatalf("директория не создана: %v", err)
	}

	_, err = s.AllocateDirectory(7)
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("ожидалась ErrAlreadyExists, получено %v", err)
	}
}

// TestAllocateDirectory_InvalidID проверяет отказ для неположительного id.
func TestAllocateDirectory_InvalidID(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.AllocateDirectory(0); err == nil {
		t.Error("ожидалась ошибка для id 0")
	}
}

// TestScan_SortedAndComplete проверяет сортировку и пропуск незавершённых записей.
func TestScan_SortedAndComplete(t *testing.T) {
	s := newTestStore(t)

	writeEntry(t, s, 3, "three")
	writeEntry(t, s, 1, "one")
	writeEntry(t, s, 2, "two")

	// Незавершённая запись: директория и элемент без метаданных
	dir, _ := s.AllocateDirectory(4)
	if _, err := itemcodec.Persist(model.ItemPayload{Type: "text/plain", Data: []byte("x")}, dir.Path, 0, 4); err != nil {
		t.Fatal(err)
	}
	// Нецифровые и неканонические директории игнорируются
	for _, name := range []string{"abc", "7", "00000x", ".wal"} {
		if err := os.Mkdir(filepath.Join(s.Root(), name), 0o750); err != nil {
			t.Fatal(err)
		}
	}
	// Битый JSON
	bad, _ := s.AllocateDirectory(5)
	if err := os.WriteFile(filepath.Join(bad.Path, MetadataFile), []byte("{not json"), 0o640); err != nil {
		t.Fatal(err)
	}

	entries, err := s.Scan()
	if err != nil {
		t.Fatalf("ошибка Scan: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("ожидалось 3 записи, получено %d", len(entries))
	}
	for i, e := range entries {
		if e.ID != int64(i+1) {
			t.Errorf("entries[%d].ID = %d, ожидалось %d", i, e.ID, i+1)
		}
	}
}

// TestScan_IDMismatch проверяет пропуск записи с чужим id в метаданных.
func TestScan_IDMismatch(t *testing.T) {
	s := newTestStore(t)

	dir, _ := s.AllocateDirectory(2)
	if err := WriteMetadata(dir, &model.Entry{ID: 9, Items: []model.ItemRef{}}); err != nil {
		t.Fatal(err)
	}

	entries, err := s.Scan()
	if err != nil {
		t.Fatalf("ошибка Scan: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("ожидалось 0 записей, получено %d", len(entries))
	}
}

// TestScan_Empty проверяет пустое хранилище.
func TestScan_Empty(t *testing.T) {
	s := newTestStore(t)

	entries, err := s.Scan()
	if err != nil {
		t.Fatalf("ошибка Scan: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("ожидалось 0 записей, получено %d", len(entries))
	}
}

// TestWriteMetadata_RejectsInlineItems проверяет, что элементы без path не пишутся.
func TestWriteMetadata_RejectsInlineItems(t *testing.T) {
	s := newTestStore(t)
	dir, _ := s.AllocateDirectory(1)

	err := WriteMetadata(dir, &model.Entry{ID: 1, Items: []model.ItemRef{{Type: "text/plain", Name: "a.txt"}}})
	if err == nil {
		t.Fatal("ожидалась ошибка для элемента без path")
	}
	if _, err := os.Stat(filepath.Join(dir.Path, MetadataFile)); !os.IsNotExist(err) {
		t.Error(".entry.json не должен создаваться")
	}
}

// TestReadMetadata_RoundTrip проверяет чтение записанных метаданных.
func TestReadMetadata_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	written := writeEntry(t, s, 1, "hello")

	got, err := ReadMetadata(s.EntryPath(1))
	if err != nil {
		t.Fatalf("ошибка чтения: %v", err)
	}
	if got.ID != written.ID || got.Timestamp != written.Timestamp {
		t.Errorf("заголовок записи не совпадает: %+v", got)
	}
	if len(got.Items) != 1 || got.Items[0] != written.Items[0] {
		t.Errorf("элементы не совпадают: %+v", got.Items)
	}
	if got.Meta["source"] != "test" {
		t.Errorf("meta.source: ожидалось test, получено %v", got.Meta["source"])
	}
}

// TestDeleteEntry проверяет удаление записи и идемпотентность.
func TestDeleteEntry(t *testing.T) {
	s := newTestStore(t)
	writeEntry(t, s, 1, "hello")

	ok, err := s.DeleteEntry(1)
	if err != nil {
		t.Fatalf("ошибка удаления: %v", err)
	}
	if !ok {
		t.Error("ожидалось true для существующей записи")
	}
	if _, err := os.Stat(s.EntryPath(1)); !os.IsNotExist(err) {
		t.Error("директория записи не удалена")
	}

	ok, err = s.DeleteEntry(1)
	if err != nil {
		t.Fatalf("повторное удаление вернуло ошибку: %v", err)
	}
	if ok {
		t.Error("ожидалось false для отсутствующей записи")
	}
}

// TestDeleteEntry_Incomplete проверяет удаление незавершённой записи.
func TestDeleteEntry_Incomplete(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.AllocateDirectory(3); err != nil {
		t.Fatal(err)
	}

	ok, err := s.DeleteEntry(3)
	if err != nil || !ok {
		t.Fatalf("ожидалось (true, nil), получено (%v, %v)", ok, err)
	}
}

// TestMaxDirID проверяет учёт незавершённых директорий.
func TestMaxDirID(t *testing.T) {
	s := newTestStore(t)

	if id, err := s.MaxDirID(); err != nil || id != 0 {
		t.Fatalf("пустое хранилище: ожидалось (0, nil), получено (%d, %v)", id, err)
	}

	writeEntry(t, s, 2, "two")
	if _, err := s.AllocateDirectory(5); err != nil {
		t.Fatal(err)
	}

	id, err := s.MaxDirID()
	if err != nil {
		t.Fatalf("ошибка MaxDirID: %v", err)
	}
	if id != 5 {
		t.Errorf("ожидалось 5, получено %d", id)
	}
}

// TestIncomplete проверяет список незавершённых директорий.
func TestIncomplete(t *testing.T) {
	s := newTestStore(t)
	writeEntry(t, s, 1, "one")
	if _, err := s.AllocateDirectory(2); err != nil {
		t.Fatal(err)
	}

	dirs, err := s.Incomplete()
	if err != nil {
		t.Fatalf("ошибка Incomplete: %v", err)
	}
	if len(dirs) != 1 || dirs[0].ID != 2 {
		t.Fatalf("ожидалась одна незавершённая директория 2, получено %+v", dirs)
	}
	if dirs[0].ModTime.IsZero() {
		t.Error("ModTime не заполнен")
	}
}

// TestSequence проверяет чтение и запись верхней границы id.
func TestSequence(t *testing.T) {
	s := newTestStore(t)

	n, err := s.LoadSequence()
	if err != nil || n != 0 {
		t.Fatalf("без файла: ожидалось (0, nil), получено (%d, %v)", n, err)
	}

	if err := s.SaveSequence(41); err != nil {
		t.Fatalf("ошибка SaveSequence: %v", err)
	}
	n, err = s.LoadSequence()
	if err != nil || n != 41 {
		t.Fatalf("ожидалось (41, nil), получено (%d, %v)", n, err)
	}

	if err := os.WriteFile(filepath.Join(s.Root(), SequenceFile), []byte("garbage"), 0o640); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadSequence(); err == nil {
		t.Error("ожидалась ошибка для некорректного .sequence")
	}
}

// TestOpenItem проверяет чтение элемента и защиту от выхода за корень.
func TestOpenItem(t *testing.T) {
	s := newTestStore(t)
	entry := writeEntry(t, s, 1, "hello")

	f, err := s.OpenItem(entry.Items[0].Path)
	if err != nil {
		t.Fatalf("ошибка открытия: %v", err)
	}
	data, _ := io.ReadAll(f)
	f.Close()
	if string(data) != "hello" {
		t.Errorf("содержимое: ожидалось hello, получено %q", data)
	}

	for _, p := range []string{"../etc/passwd", "000001/missing.txt", "", "/etc/passwd"} {
		if _, err := s.OpenItem(p); !errors.Is(err, ErrNotFound) {
			t.Errorf("OpenItem(%q): ожидалась ErrNotFound, получено %v", p, err)
		}
	}
}

// TestInspect проверяет обнаружение проблем сверки.
func TestInspect(t *testing.T) {
	s := newTestStore(t)

	writeEntry(t, s, 1, "clean")

	// missing_item
	e2 := writeEntry(t, s, 2, "missing")
	if err := os.Remove(filepath.Join(s.Root(), filepath.FromSlash(e2.Items[0].Path))); err != nil {
		t.Fatal(err)
	}

	// size_mismatch
	e3 := writeEntry(t, s, 3, "size")
	if err := os.WriteFile(filepath.Join(s.Root(), filepath.FromSlash(e3.Items[0].Path)), []byte("longer content"), 0o640); err != nil {
		t.Fatal(err)
	}

	// checksum_mismatch (тот же размер)
	e4 := writeEntry(t, s, 4, "abcd")
	if err := os.WriteFile(filepath.Join(s.Root(), filepath.FromSlash(e4.Items[0].Path)), []byte("wxyz"), 0o640); err != nil {
		t.Fatal(err)
	}

	// orphaned_file
	writeEntry(t, s, 5, "orphan")
	if err := os.WriteFile(filepath.Join(s.EntryPath(5), "extra.bin"), []byte("x"), 0o640); err != nil {
		t.Fatal(err)
	}

	// incomplete_entry
	if _, err := s.AllocateDirectory(6); err != nil {
		t.Fatal(err)
	}

	report, err := s.Inspect()
	if err != nil {
		t.Fatalf("ошибка Inspect: %v", err)
	}
	if report.EntriesChecked != 5 {
		t.Errorf("EntriesChecked: ожидалось 5, получено %d", report.EntriesChecked)
	}

	got := make(map[IssueType]int64)
	for _, issue := range report.Issues {
		got[issue.Type] = issue.EntryID
	}
	want := map[IssueType]int64{
		IssueMissingItem:      2,
		IssueSizeMismatch:     3,
		IssueChecksumMismatch: 4,
		IssueOrphanedFile:     5,
		IssueIncompleteEntry:  6,
	}
	if len(report.Issues) != len(want) {
		t.Errorf("ожидалось %d проблем, получено %d: %+v", len(want), len(report.Issues), report.Issues)
	}
	for typ, id := range want {
		if got[typ] != id {
			t.Errorf("%s: ожидалась запись %d, получено %d", typ, id, got[typ])
		}
	}
}
