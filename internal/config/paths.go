package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Paths is the on-disk layout of everything the application persists. All
// fields are absolute. Construct with NewPaths; the zero value is not usable.
type Paths struct {
	// RootDir is the application data root. Everything below lives under
	// it unless an override relocates it.
	RootDir string

	// DataDir holds the settings file, the database, and the legacy JSON
	// files ("config" under the root).
	DataDir string

	// SettingsFile is the JSON settings document.
	SettingsFile string

	// DatabaseFile is the SQLite database holding roles and history.
	DatabaseFile string

	// RolesFile and HistoryFile are the legacy flat JSON stores. They only
	// exist on installations that predate the database; the store migrates
	// and renames them on first run.
	RolesFile   string
	HistoryFile string

	// HistoryDir owns the audio files referenced by history records.
	HistoryDir string

	// TempDir receives transient files (in-flight downloads, uploads).
	TempDir string

	// OutputDir receives freshly generated audio.
	OutputDir string

	// ModelDir is where the packaged local inference server lives.
	ModelDir string
}

// modelDirName is the directory name of the packaged inference server,
// shared with the archive layout produced by the distribution.
const modelDirName = "cosyvoice_api"

// NewPaths builds the path layout rooted at rootDir, applying any overrides
// from ov (nil means defaults). The model directory defaults to a sibling of
// the executable's working directory because the packaged server ships with
// the installation, not with the user's data.
func NewPaths(rootDir string, ov *PathOverrides) Paths {
	installDir, err := os.Getwd()
	if err != nil {
		installDir = rootDir
	}

	p := Paths{
		RootDir:      rootDir,
		DataDir:      filepath.Join(rootDir, "config"),
		HistoryDir:   filepath.Join(rootDir, "history"),
		TempDir:      filepath.Join(rootDir, "temp"),
		OutputDir:    filepath.Join(rootDir, "output"),
		ModelDir:     filepath.Join(installDir, modelDirName),
	}
	p.SettingsFile = filepath.Join(p.DataDir, "settings.json")
	p.DatabaseFile = filepath.Join(p.DataDir, "cosyvoice.db")
	p.RolesFile = filepath.Join(p.DataDir, "roles.json")
	p.HistoryFile = filepath.Join(p.DataDir, "history.json")

	if ov != nil {
		if ov.ModelDir != "" {
			p.ModelDir = ov.ModelDir
		}
		if ov.HistoryDir != "" {
			p.HistoryDir = ov.HistoryDir
		}
	}
	return p
}

// EnsureDirs creates every directory the layout needs. Call once at startup.
func (p Paths) EnsureDirs() error {
	for _, dir := range []string{p.DataDir, p.HistoryDir, p.TempDir, p.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create %q: %w", dir, err)
		}
	}
	return nil
}

// InterpreterPath returns the path of the embedded interpreter binary inside
// the model directory. The packaged server ships its own interpreter so the
// host machine needs no Python installation.
func (p Paths) InterpreterPath() string {
	name := "python"
	if runtime.GOOS == "windows" {
		name = "python.exe"
	}
	return filepath.Join(p.ModelDir, name)
}

// ArchivePath returns the location of the downloaded model archive, a
// sibling of the model directory so an unpacked installation and its source
// archive sit next to each other.
func (p Paths) ArchivePath() string {
	return filepath.Join(filepath.Dir(p.ModelDir), modelDirName+".7z")
}
