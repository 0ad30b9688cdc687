// Пакет entrystore: дисковое представление записей Clip Relay.
//
// Одна директория на запись ({root}/000007), внутри: файлы элементов
// и файл метаданных .entry.json. Файл метаданных пишется последним:
// директория без него считается незавершённой и пропускается при Scan.
// Файловая система: единственный источник истины, in-memory индекс
// всегда пересобирается из неё.
package entrystore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bigkaa/cliprelay/internal/domain/model"
)

// ErrAlreadyExists: директория записи с таким id уже существует.
var ErrAlreadyExists = errors.New("директория записи уже существует")

// ErrNotFound: запрошенный файл отсутствует в хранилище.
var ErrNotFound = errors.New("не найдено")

// Store: управление директориями записей в корне хранилища.
type Store struct {
	// root: корневая директория хранения (CR_DATA_DIR)
	root   string
	logger *slog.Logger
}

// Dir: созданная директория записи.
type Dir struct {
	// ID: идентификатор записи
	ID int64
	// Path: абсолютный путь директории
	Path string
}

// IncompleteDir: директория записи без валидного файла метаданных.
type IncompleteDir struct {
	ID      int64
	Path    string
	ModTime time.Time
}

// New создаёт Store. Проверяет и создаёт корневую директорию
// если она не существует.
func New(root string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", root, err)
	}

	return &Store{
		root:   root,
		logger: logger.With(slog.String("component", "entrystore")),
	}, nil
}

// Root возвращает путь к корневой директории хранилища.
func (s *Store) Root() string {
	return s.root
}

// EntryPath возвращает абсолютный путь директории записи.
func (s *Store) EntryPath(id int64) string {
	return filepath.Join(s.root, model.DirName(id))
}

// AllocateDirectory создаёт директорию для новой записи.
// Возвращает ErrAlreadyExists, если директория уже есть:
// уникальность id гарантирует вызывающий код.
func (s *Store) AllocateDirectory(id int64) (Dir, error) {
	if id <= 0 {
		return Dir{}, fmt.Errorf("некорректный id записи: %d", id)
	}

	path := s.EntryPath(id)
	if err := os.Mkdir(path, 0o750); err != nil {
		if errors.Is(err, os.ErrExist) {
			return Dir{}, fmt.Errorf("%w: %s", ErrAlreadyExists, model.DirName(id))
		}
		return Dir{}, fmt.Errorf("ошибка создания директории %s: %w", path, err)
	}

	return Dir{ID: id, Path: path}, nil
}

// DeleteEntry удаляет все файлы записи, затем саму директорию.
// Первым удаляется файл метаданных: при сбое посередине
// запись становится незавершённой и исчезает из индекса целиком.
// Возвращает false (без ошибки), если директории нет.
func (s *Store) DeleteEntry(id int64) (bool, error) {
	path := s.EntryPath(id)

	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("ошибка stat директории %s: %w", path, err)
	}
	if !info.IsDir() {
		return false, nil
	}

	if err := os.Remove(filepath.Join(path, MetadataFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("ошибка удаления метаданных записи %d: %w", id, err)
	}

	if err := s.RemoveDir(id); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveDir удаляет содержимое директории записи и саму директорию.
// Отсутствующая директория не считается ошибкой.
func (s *Store) RemoveDir(id int64) error {
	path := s.EntryPath(id)

	children, err := os.ReadDir(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("ошибка чтения директории %s: %w", path, err)
	}

	for _, child := range children {
		if err := os.RemoveAll(filepath.Join(path, child.Name())); err != nil {
			return fmt.Errorf("ошибка удаления %s записи %d: %w", child.Name(), id, err)
		}
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("ошибка удаления директории %s: %w", path, err)
	}
	return nil
}

// Scan читает корень хранилища и возвращает все завершённые записи,
// отсортированные по возрастанию id. Учитываются только директории
// с чисто цифровым именем. Директории без валидного .entry.json
// пропускаются (незавершённая запись: не ошибка).
func (s *Store) Scan() ([]*model.Entry, error) {
	ids, err := s.entryIDs()
	if err != nil {
		return nil, err
	}

	entries := make([]*model.Entry, 0, len(ids))
	for _, id := range ids {
		entry, err := ReadMetadata(s.EntryPath(id))
		if err != nil {
			s.logger.Debug("Пропуск незавершённой записи",
				slog.Int64("entry_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		if entry.ID != id {
			s.logger.Warn("id в метаданных не совпадает с именем директории",
				slog.Int64("entry_id", id),
				slog.Int64("meta_id", entry.ID),
			)
			continue
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// MaxDirID возвращает наибольший id среди цифровых директорий,
// включая незавершённые. 0, если директорий нет.
func (s *Store) MaxDirID() (int64, error) {
	ids, err := s.entryIDs()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return ids[len(ids)-1], nil
}

// Incomplete возвращает директории записей без валидного файла метаданных.
func (s *Store) Incomplete() ([]IncompleteDir, error) {
	ids, err := s.entryIDs()
	if err != nil {
		return nil, err
	}

	var result []IncompleteDir
	for _, id := range ids {
		path := s.EntryPath(id)
		if _, err := ReadMetadata(path); err == nil {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		result = append(result, IncompleteDir{ID: id, Path: path, ModTime: info.ModTime()})
	}
	return result, nil
}

// OpenItem открывает файл элемента по относительному пути ({id}/{name}).
// Путь не может выходить за пределы корня хранилища.
// Вызывающий код обязан закрыть файл.
func (s *Store) OpenItem(relPath string) (*os.File, error) {
	clean := filepath.Clean(filepath.FromSlash(relPath))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return nil, fmt.Errorf("%w: недопустимый путь %q", ErrNotFound, relPath)
	}

	f, err := os.Open(filepath.Join(s.root, clean))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, relPath)
		}
		return nil, fmt.Errorf("ошибка открытия файла %s: %w", relPath, err)
	}
	return f, nil
}

// entryIDs возвращает отсортированные id всех цифровых директорий.
func (s *Store) entryIDs() ([]int64, error) {
	dirEntries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("ошибка сканирования директории %s: %w", s.root, err)
	}

	ids := make([]int64, 0, len(dirEntries))
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		id, ok := parseDirName(de.Name())
		if !ok {
			continue
		}
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// parseDirName разбирает имя директории записи. Допускаются только цифры
// в каноническом виде (000007): "7" и "0000007" не считаются записями.
func parseDirName(name string) (int64, bool) {
	if name == "" {
		return 0, false
	}
	for _, r := range name {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	id, err := strconv.ParseInt(name, 10, 64)
	if err != nil || id <= 0 || model.DirName(id) != name {
		return 0, false
	}
	return id, true
}
