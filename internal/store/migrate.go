package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/HG-ha/Parrot/pkg/types"
)

// legacyRole mirrors one entry of the flat roles.json array written by
// releases that predate the database.
type legacyRole struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	File        string `json:"file"`
	SpeakerText string `json:"speaker_text"`
}

// legacyHistory mirrors one entry of the flat history.json array.
type legacyHistory struct {
	Text        string  `json:"text"`
	Speaker     string  `json:"speaker"`
	Reference   string  `json:"reference"`
	FilePath    string  `json:"file_path"`
	Speed       float64 `json:"speed"`
	Mode        string  `json:"mode"`
	Instruction string  `json:"instruction"`
	SpeakerText string  `json:"speaker_text"`
	Timestamp   string  `json:"timestamp"`
}

// MigrateLegacy imports the flat JSON files at rolesFile and historyFile
// into the database, then renames each imported file with a ".bak" suffix so
// the import runs at most once.
//
// A table that already contains rows is never touched: the file is left in
// place and the import skipped, so a half-upgraded installation cannot have
// its database overwritten. Errors are logged and swallowed — a failed
// migration degrades to an empty table, it does not block startup.
func (s *Store) MigrateLegacy(rolesFile, historyFile string) {
	if err := s.migrateRoles(rolesFile); err != nil {
		slog.Error("legacy roles migration failed", "file", rolesFile, "err", err)
	}
	if err := s.migrateHistory(historyFile); err != nil {
		slog.Error("legacy history migration failed", "file", historyFile, "err", err)
	}
}

func (s *Store) migrateRoles(path string) error {
	var legacy []legacyRole
	ok, err := loadLegacyFile(path, &legacy)
	if err != nil || !ok || len(legacy) == 0 {
		return err
	}

	n, err := s.CountRoles()
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("roles table is not empty, skipping legacy migration", "rows", n)
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin roles migration: %w", err)
	}
	for _, r := range legacy {
		if _, err := tx.Exec(
			"INSERT INTO roles (name, description, file, speaker_text) VALUES (?, ?, ?, ?)",
			r.Name, r.Description, r.File, r.SpeakerText,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: migrate role %q: %w", r.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit roles migration: %w", err)
	}

	slog.Info("migrated legacy roles from json", "count", len(legacy))
	return backupLegacyFile(path)
}

func (s *Store) migrateHistory(path string) error {
	var legacy []legacyHistory
	ok, err := loadLegacyFile(path, &legacy)
	if err != nil || !ok || len(legacy) == 0 {
		return err
	}

	n, err := s.CountHistory()
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("history table is not empty, skipping legacy migration", "rows", n)
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin history migration: %w", err)
	}
	for _, h := range legacy {
		rec := types.HistoryRecord{
			Text:        h.Text,
			Speaker:     h.Speaker,
			Reference:   h.Reference,
			FilePath:    h.FilePath,
			Speed:       h.Speed,
			Mode:        types.Mode(h.Mode),
			Instruction: h.Instruction,
			SpeakerText: h.SpeakerText,
			Timestamp:   h.Timestamp,
		}
		if rec.Speed == 0 {
			rec.Speed = 1.0
		}
		if rec.Mode == "" {
			rec.Mode = types.ModeQuick
		}
		if rec.Timestamp == "" {
			rec.Timestamp = time.Now().Format(types.TimestampLayout)
		}
		if _, err := tx.Exec(
			"INSERT INTO history (text, speaker, reference, file_path, speed, mode, instruction, speaker_text, timestamp) "+
				"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
			rec.Text, rec.Speaker, rec.Reference, rec.FilePath,
			rec.Speed, string(rec.Mode), rec.Instruction, rec.SpeakerText, rec.Timestamp,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: migrate history record: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit history migration: %w", err)
	}

	slog.Info("migrated legacy history from json", "count", len(legacy))
	return backupLegacyFile(path)
}

// loadLegacyFile reads a legacy JSON array into out. Returns (false, nil)
// when the file does not exist.
func loadLegacyFile(path string, out any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("store: read legacy file %q: %w", path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("store: parse legacy file %q: %w", path, err)
	}
	return true, nil
}

// backupLegacyFile renames an imported file with a ".bak" suffix so the next
// startup finds nothing to migrate.
func backupLegacyFile(path string) error {
	backup := path + ".bak"
	if err := os.Rename(path, backup); err != nil {
		return fmt.Errorf("store: back up legacy file %q: %w", path, err)
	}
	slog.Info("backed up legacy json file", "from", path, "to", backup)
	return nil
}
