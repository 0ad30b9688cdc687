// inspect.go: сверка содержимого директорий записей с их метаданными.
//
// Обнаруживает проблемы:
//   - incomplete_entry: цифровая директория без валидного .entry.json
//   - orphaned_file: файл в директории записи, не упомянутый в метаданных
//   - missing_item: элемент есть в метаданных, файла нет
//   - size_mismatch: размер файла не совпадает с метаданными
//   - checksum_mismatch: SHA-256 файла не совпадает с метаданными
package entrystore

import (
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/bigkaa/cliprelay/internal/domain/model"
	"github.com/bigkaa/cliprelay/internal/storage/itemcodec"
)

// IssueType: тип проблемы, найденной при сверке.
type IssueType string

const (
	IssueIncompleteEntry  IssueType = "incomplete_entry"
	IssueOrphanedFile     IssueType = "orphaned_file"
	IssueMissingItem      IssueType = "missing_item"
	IssueSizeMismatch     IssueType = "size_mismatch"
	IssueChecksumMismatch IssueType = "checksum_mismatch"
)

// Issue: одна проблема сверки.
type Issue struct {
	Type        IssueType `json:"type"`
	EntryID     int64     `json:"entry_id"`
	Path        string    `json:"path,omitempty"`
	Description string    `json:"description"`
}

// InspectReport: результат сверки хранилища.
type InspectReport struct {
	// EntriesChecked: количество проверенных завершённых записей
	EntriesChecked int `json:"entries_checked"`
	// Issues: найденные проблемы
	Issues []Issue `json:"issues"`
}

// Inspect сверяет каждую директорию записи с её метаданными.
// Только читает диск, ничего не исправляет.
func (s *Store) Inspect() (*InspectReport, error) {
	ids, err := s.entryIDs()
	if err != nil {
		return nil, err
	}

	report := &InspectReport{Issues: []Issue{}}
	for _, id := range ids {
		dir := s.EntryPath(id)
		entry, err := ReadMetadata(dir)
		if err != nil {
			report.Issues = append(report.Issues, Issue{
				Type:        IssueIncompleteEntry,
				EntryID:     id,
				Path:        model.DirName(id),
				Description: "Директория записи без валидного .entry.json",
			})
			continue
		}
		report.EntriesChecked++
		report.Issues = append(report.Issues, s.inspectEntry(dir, entry)...)
	}

	return report, nil
}

// inspectEntry проверяет файлы одной завершённой записи.
func (s *Store) inspectEntry(dir string, entry *model.Entry) []Issue {
	var issues []Issue

	referenced := make(map[string]bool, len(entry.Items))
	for _, it := range entry.Items {
		referenced[it.Name] = true
		full := filepath.Join(dir, it.Name)

		info, err := os.Stat(full)
		if err != nil {
			issues = append(issues, Issue{
				Type:        IssueMissingItem,
				EntryID:     entry.ID,
				Path:        it.Path,
				Description: "Элемент описан в метаданных, но файла нет на диске",
			})
			continue
		}

		if info.Size() != it.Size {
			issues = append(issues, Issue{
				Type:        IssueSizeMismatch,
				EntryID:     entry.ID,
				Path:        it.Path,
				Description: "Размер файла на диске не совпадает с метаданными",
			})
			continue // Если размер не совпадает, checksum точно не совпадёт
		}

		if it.Checksum == "" {
			continue
		}
		actual, err := itemcodec.Checksum(full)
		if err != nil {
			s.logger.Warn("Ошибка вычисления checksum",
				slog.String("path", it.Path),
				slog.String("error", err.Error()),
			)
			continue
		}
		if actual != it.Checksum {
			issues = append(issues, Issue{
				Type:        IssueChecksumMismatch,
				EntryID:     entry.ID,
				Path:        it.Path,
				Description: "Checksum файла на диске не совпадает с метаданными",
			})
		}
	}

	children, err := os.ReadDir(dir)
	if err != nil {
		s.logger.Warn("Ошибка чтения директории записи",
			slog.Int64("entry_id", entry.ID),
			slog.String("error", err.Error()),
		)
		return issues
	}
	for _, child := range children {
		name := child.Name()
		if name == MetadataFile || referenced[name] {
			continue
		}
		issues = append(issues, Issue{
			Type:        IssueOrphanedFile,
			EntryID:     entry.ID,
			Path:        path.Join(model.DirName(entry.ID), name),
			Description: "Файл в директории записи без ссылки в метаданных",
		})
	}

	return issues
}
