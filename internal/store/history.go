package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/HG-ha/Parrot/pkg/types"
)

const historyColumns = "id, text, speaker, reference, file_path, speed, mode, instruction, speaker_text, timestamp"

// AddHistory inserts rec and returns its store-assigned ID. The timestamp is
// set to the current time when absent; speed and mode fall back to their
// defaults (1.0, quick). Records missing text, speaker, reference, or file
// path are rejected with ErrInvalidRecord.
func (s *Store) AddHistory(rec types.HistoryRecord) (int64, error) {
	defer s.observeQuery("history", "add", time.Now())

	if rec.Text == "" || rec.Speaker == "" || rec.Reference == "" || rec.FilePath == "" {
		return 0, fmt.Errorf("%w: history needs text, speaker, reference and file_path", ErrInvalidRecord)
	}
	if rec.Timestamp == "" {
		rec.Timestamp = time.Now().Format(types.TimestampLayout)
	}
	if rec.Speed == 0 {
		rec.Speed = 1.0
	}
	if rec.Mode == "" {
		rec.Mode = types.ModeQuick
	}

	res, err := s.db.Exec(
		"INSERT INTO history (text, speaker, reference, file_path, speed, mode, instruction, speaker_text, timestamp) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		rec.Text, rec.Speaker, rec.Reference, rec.FilePath,
		rec.Speed, string(rec.Mode), rec.Instruction, rec.SpeakerText, rec.Timestamp,
	)
	if err != nil {
		return 0, fmt.Errorf("store: add history: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: add history id: %w", err)
	}
	return id, nil
}

// DeleteHistory removes the record with the given ID. When deleteFile is
// true the backing audio file is removed as well, best-effort: a failed file
// deletion is logged and does not roll back the row deletion.
func (s *Store) DeleteHistory(id int64, deleteFile bool) error {
	defer s.observeQuery("history", "delete", time.Now())

	if id == 0 {
		return ErrMissingID
	}

	var filePath string
	err := s.db.QueryRow("SELECT file_path FROM history WHERE id=?", id).Scan(&filePath)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("store: look up history %d: %w", id, err)
	}

	if _, err := s.db.Exec("DELETE FROM history WHERE id=?", id); err != nil {
		return fmt.Errorf("store: delete history %d: %w", id, err)
	}

	if deleteFile && filePath != "" {
		removeHistoryFile(filePath)
	}
	return nil
}

// ClearHistory removes every record. When deleteFiles is true the backing
// audio files are removed as well, each one best-effort.
func (s *Store) ClearHistory(deleteFiles bool) error {
	defer s.observeQuery("history", "clear", time.Now())

	var paths []string
	if deleteFiles {
		rows, err := s.db.Query("SELECT file_path FROM history")
		if err != nil {
			return fmt.Errorf("store: list history files: %w", err)
		}
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				rows.Close()
				return fmt.Errorf("store: scan history file: %w", err)
			}
			paths = append(paths, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("store: list history files: %w", err)
		}
	}

	if _, err := s.db.Exec("DELETE FROM history"); err != nil {
		return fmt.Errorf("store: clear history: %w", err)
	}

	for _, p := range paths {
		if p != "" {
			removeHistoryFile(p)
		}
	}
	return nil
}

// ListHistory returns every record, newest first.
func (s *Store) ListHistory() ([]types.HistoryRecord, error) {
	defer s.observeQuery("history", "list", time.Now())

	rows, err := s.db.Query("SELECT " + historyColumns + " FROM history ORDER BY timestamp DESC")
	if err != nil {
		return nil, fmt.Errorf("store: list history: %w", err)
	}
	return collectHistory(rows)
}

// FilterHistory returns the records whose text, speaker, or reference
// contains keyword, case-insensitively. An empty or whitespace-only keyword
// is equivalent to ListHistory.
func (s *Store) FilterHistory(keyword string) ([]types.HistoryRecord, error) {
	defer s.observeQuery("history", "filter", time.Now())

	pattern := likePattern(keyword)
	if pattern == "" {
		return s.ListHistory()
	}

	rows, err := s.db.Query(
		"SELECT "+historyColumns+" FROM history "+
			"WHERE LOWER(text) LIKE ? OR LOWER(speaker) LIKE ? OR LOWER(reference) LIKE ? "+
			"ORDER BY timestamp DESC",
		pattern, pattern, pattern,
	)
	if err != nil {
		return nil, fmt.Errorf("store: filter history: %w", err)
	}
	return collectHistory(rows)
}

// ListHistoryPaged returns one page of the ListHistory ordering. page and
// pageSize are clamped to a minimum of 1.
func (s *Store) ListHistoryPaged(page, pageSize int) ([]types.HistoryRecord, error) {
	defer s.observeQuery("history", "list_paged", time.Now())

	page, pageSize = clampPage(page, pageSize)
	rows, err := s.db.Query(
		"SELECT "+historyColumns+" FROM history ORDER BY timestamp DESC LIMIT ? OFFSET ?",
		pageSize, (page-1)*pageSize,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list history page %d: %w", page, err)
	}
	return collectHistory(rows)
}

// FilterHistoryPaged returns one page of the FilterHistory ordering.
func (s *Store) FilterHistoryPaged(keyword string, page, pageSize int) ([]types.HistoryRecord, error) {
	defer s.observeQuery("history", "filter_paged", time.Now())

	pattern := likePattern(keyword)
	if pattern == "" {
		return s.ListHistoryPaged(page, pageSize)
	}

	page, pageSize = clampPage(page, pageSize)
	rows, err := s.db.Query(
		"SELECT "+historyColumns+" FROM history "+
			"WHERE LOWER(text) LIKE ? OR LOWER(speaker) LIKE ? OR LOWER(reference) LIKE ? "+
			"ORDER BY timestamp DESC LIMIT ? OFFSET ?",
		pattern, pattern, pattern, pageSize, (page-1)*pageSize,
	)
	if err != nil {
		return nil, fmt.Errorf("store: filter history page %d: %w", page, err)
	}
	return collectHistory(rows)
}

// CountHistory returns the total number of history records.
func (s *Store) CountHistory() (int, error) {
	return s.count("history", "")
}

// CountFilteredHistory returns the number of records matching keyword under
// the same predicate as FilterHistory.
func (s *Store) CountFilteredHistory(keyword string) (int, error) {
	pattern := likePattern(keyword)
	if pattern == "" {
		return s.CountHistory()
	}
	return s.count("history",
		"LOWER(text) LIKE ? OR LOWER(speaker) LIKE ? OR LOWER(reference) LIKE ?",
		pattern, pattern, pattern)
}

// removeHistoryFile deletes a backing audio file, logging instead of
// returning on failure. The row is already gone by the time this runs.
func removeHistoryFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Error("failed to delete history audio file", "path", path, "err", err)
		return
	}
	slog.Info("deleted history audio file", "path", path)
}

// FindHistoryByPath returns the record whose file_path matches path, or
// sql.ErrNoRows wrapped when none exists.
//
// Like FindRoleByName this is a natural-key lookup kept for callers that
// predate store-assigned IDs. It must not be used as a silent fallback for
// deletion: resolve the ID first, then call DeleteHistory.
func (s *Store) FindHistoryByPath(path string) (types.HistoryRecord, error) {
	defer s.observeQuery("history", "find_by_path", time.Now())

	row := s.db.QueryRow("SELECT "+historyColumns+" FROM history WHERE file_path=?", path)
	rec, err := scanHistory(row)
	if err != nil {
		return types.HistoryRecord{}, fmt.Errorf("store: find history by path %q: %w", path, err)
	}
	return rec, nil
}

// scanHistory reads one history row. Nullable columns come back as empty
// strings.
func scanHistory(row rowScanner) (types.HistoryRecord, error) {
	var (
		rec         types.HistoryRecord
		mode        sql.NullString
		instruction sql.NullString
		speakerText sql.NullString
	)
	if err := row.Scan(
		&rec.ID, &rec.Text, &rec.Speaker, &rec.Reference, &rec.FilePath,
		&rec.Speed, &mode, &instruction, &speakerText, &rec.Timestamp,
	); err != nil {
		return types.HistoryRecord{}, err
	}
	rec.Mode = types.Mode(mode.String)
	rec.Instruction = instruction.String
	rec.SpeakerText = speakerText.String
	return rec, nil
}

// collectHistory drains rows into a slice, closing them in all paths.
func collectHistory(rows *sql.Rows) ([]types.HistoryRecord, error) {
	defer rows.Close()

	var records []types.HistoryRecord
	for rows.Next() {
		rec, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan history: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate history: %w", err)
	}
	return records, nil
}
