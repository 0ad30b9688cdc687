// metadata.go: чтение и запись файла метаданных записи (.entry.json)
// и служебных файлов корня хранилища (.sequence).
// Все операции записи выполняются атомарно: temp → fsync → rename.
package entrystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bigkaa/cliprelay/internal/domain/model"
)

// MetadataFile: имя файла метаданных внутри директории записи.
const MetadataFile = ".entry.json"

// SequenceFile: имя файла с верхней границей выданных id.
const SequenceFile = ".sequence"

// WriteMetadata атомарно записывает метаданные записи в директорию.
// Вызывается после записи всех файлов элементов.
func WriteMetadata(dir Dir, entry *model.Entry) error {
	for _, it := range entry.Items {
		if it.Path == "" {
			return fmt.Errorf("элемент %q записи %d не сохранён на диск", it.Name, entry.ID)
		}
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации метаданных: %w", err)
	}

	return writeFileAtomic(filepath.Join(dir.Path, MetadataFile), data)
}

// ReadMetadata читает и десериализует .entry.json из директории записи.
// Возвращает ошибку, если файл не найден или содержит невалидный JSON.
func ReadMetadata(entryDir string) (*model.Entry, error) {
	path := filepath.Join(entryDir, MetadataFile)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения %s: %w", path, err)
	}

	var entry model.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("ошибка десериализации %s: %w", path, err)
	}
	if entry.Items == nil {
		entry.Items = []model.ItemRef{}
	}
	if entry.Meta == nil {
		entry.Meta = map[string]any{}
	}

	return &entry, nil
}

// LoadSequence читает верхнюю границу выданных id из .sequence.
// Отсутствующий файл означает 0.
func (s *Store) LoadSequence() (int64, error) {
	data, err := os.ReadFile(filepath.Join(s.root, SequenceFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("ошибка чтения %s: %w", SequenceFile, err)
	}

	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("некорректное содержимое %s: %q", SequenceFile, data)
	}
	return n, nil
}

// SaveSequence атомарно сохраняет верхнюю границу выданных id.
func (s *Store) SaveSequence(n int64) error {
	return writeFileAtomic(filepath.Join(s.root, SequenceFile), []byte(strconv.FormatInt(n, 10)+"\n"))
}

// writeFileAtomic записывает данные через temp файл с fsync и rename.
func writeFileAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"

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

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return nil
}
