// Package config provides the persisted application settings and the on-disk
// path layout for Parrot.
//
// Settings are stored as a flat JSON document. The file format is an external
// contract shared with existing installations, so fields keep their legacy
// JSON names and the port stays a string (it is only ever spliced into a
// host:port address).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
)

// ThemeMode controls the UI colour scheme. The core only validates and
// persists it; rendering is the embedding UI's concern.
type ThemeMode string

const (
	ThemeSystem ThemeMode = "system"
	ThemeLight  ThemeMode = "light"
	ThemeDark   ThemeMode = "dark"
)

// IsValid reports whether t is a recognised theme mode.
func (t ThemeMode) IsValid() bool {
	switch t {
	case ThemeSystem, ThemeLight, ThemeDark:
		return true
	}
	return false
}

// Settings is the persisted key→value configuration.
type Settings struct {
	// ThemeMode selects the UI colour scheme.
	ThemeMode ThemeMode `json:"theme_mode"`

	// APIURL is the base URL of the inference server used when generating
	// against a remote instance (e.g., "http://127.0.0.1:8000").
	APIURL string `json:"api_url"`

	// ModelHost is the bind address passed to a locally spawned server.
	ModelHost string `json:"model_host"`

	// ModelPort is the bind port passed to a locally spawned server.
	// Stored as a string for compatibility with existing settings files.
	ModelPort string `json:"model_port"`

	// AutoLoadModel starts the local model on application launch.
	AutoLoadModel bool `json:"auto_load_model"`

	// OutputDir receives freshly generated audio before it is moved into
	// the history directory.
	OutputDir string `json:"output_dir"`

	// LoggingEnabled toggles file logging in the embedding application.
	LoggingEnabled bool `json:"logging_enabled"`

	// Paths optionally overrides parts of the default path layout.
	// Nil means defaults throughout.
	Paths *PathOverrides `json:"paths,omitempty"`
}

// PathOverrides relocates data directories away from their defaults.
// Empty fields keep the default location.
type PathOverrides struct {
	// ModelDir is the directory holding the packaged local inference server.
	ModelDir string `json:"model_dir,omitempty"`

	// HistoryDir is the directory that owns generated audio files.
	HistoryDir string `json:"history_dir,omitempty"`
}

// Default returns the settings applied on first run and merged under any
// loaded file.
func Default(rootDir string) Settings {
	return Settings{
		ThemeMode:      ThemeSystem,
		APIURL:         "http://127.0.0.1:8000",
		ModelHost:      "127.0.0.1",
		ModelPort:      "8000",
		AutoLoadModel:  false,
		OutputDir:      filepath.Join(rootDir, "output"),
		LoggingEnabled: false,
	}
}

// Load reads the JSON settings file at path, merges defaults for absent keys,
// and validates the result. A missing file is not an error: defaults are
// returned so first runs work without any setup.
func Load(path, rootDir string) (Settings, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(rootDir), nil
		}
		return Settings{}, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	s, err := LoadFromReader(f, rootDir)
	if err != nil {
		return Settings{}, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return s, nil
}

// LoadFromReader decodes JSON settings from r, merging defaults for absent
// keys and validating the result. Useful in tests where settings are
// constructed from string literals.
func LoadFromReader(r io.Reader, rootDir string) (Settings, error) {
	s := Default(rootDir)
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return Settings{}, fmt.Errorf("config: decode json: %w", err)
	}
	if err := Validate(&s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks that s contains a coherent set of values. Invalid enum
// values are errors; suspicious but workable values only produce warnings.
// It returns a joined error listing all validation failures found.
func Validate(s *Settings) error {
	var errs []error

	if s.ThemeMode != "" && !s.ThemeMode.IsValid() {
		errs = append(errs, fmt.Errorf("theme_mode %q is invalid; valid values: system, light, dark", s.ThemeMode))
	}
	if s.APIURL != "" {
		if _, err := url.Parse(s.APIURL); err != nil {
			errs = append(errs, fmt.Errorf("api_url %q is not a valid URL: %w", s.APIURL, err))
		}
	}
	if s.ModelPort != "" {
		if p, err := strconv.Atoi(s.ModelPort); err != nil || p < 1 || p > 65535 {
			errs = append(errs, fmt.Errorf("model_port %q is not a valid TCP port", s.ModelPort))
		}
	}
	if s.AutoLoadModel && s.ModelHost == "" {
		slog.Warn("auto_load_model is enabled but model_host is empty; falling back to 127.0.0.1")
	}

	return errors.Join(errs...)
}

// Save writes s to path as indented JSON. The write goes through a temp file
// in the same directory followed by a rename, so a crash mid-write never
// leaves a truncated settings file behind.
func Save(s Settings, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create settings dir: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "    ")
	if err != nil {
		return fmt.Errorf("config: marshal settings: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("config: write %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("config: rename %q: %w", tmp, err)
	}
	return nil
}
