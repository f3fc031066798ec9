package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestNewPathsLayout(t *testing.T) {
	root := t.TempDir()
	p := NewPaths(root, nil)

	if p.DataDir != filepath.Join(root, "config") {
		t.Errorf("DataDir = %q", p.DataDir)
	}
	if p.DatabaseFile != filepath.Join(root, "config", "cosyvoice.db") {
		t.Errorf("DatabaseFile = %q", p.DatabaseFile)
	}
	if p.RolesFile != filepath.Join(root, "config", "roles.json") {
		t.Errorf("RolesFile = %q", p.RolesFile)
	}
	if filepath.Base(p.ModelDir) != "cosyvoice_api" {
		t.Errorf("ModelDir = %q", p.ModelDir)
	}
}

func TestNewPathsOverrides(t *testing.T) {
	root := t.TempDir()
	p := NewPaths(root, &PathOverrides{
		ModelDir:   "/opt/models/cosyvoice_api",
		HistoryDir: "/mnt/audio/history",
	})
	if p.ModelDir != "/opt/models/cosyvoice_api" {
		t.Errorf("ModelDir override lost: %q", p.ModelDir)
	}
	if p.HistoryDir != "/mnt/audio/history" {
		t.Errorf("HistoryDir override lost: %q", p.HistoryDir)
	}
	// Unrelated paths keep their defaults.
	if p.TempDir != filepath.Join(root, "temp") {
		t.Errorf("TempDir = %q", p.TempDir)
	}
}

func TestEnsureDirs(t *testing.T) {
	root := t.TempDir()
	p := NewPaths(root, nil)
	if err := p.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	for _, dir := range []string{p.DataDir, p.HistoryDir, p.TempDir, p.OutputDir} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Errorf("dir %q not created: %v", dir, err)
		}
	}
}

func TestInterpreterPath(t *testing.T) {
	p := NewPaths(t.TempDir(), &PathOverrides{ModelDir: "/opt/cosyvoice_api"})
	got := p.InterpreterPath()
	want := filepath.Join("/opt/cosyvoice_api", "python")
	if runtime.GOOS == "windows" {
		want = filepath.Join("/opt/cosyvoice_api", "python.exe")
	}
	if got != want {
		t.Errorf("InterpreterPath = %q, want %q", got, want)
	}
}

func TestArchivePathIsSiblingOfModelDir(t *testing.T) {
	p := NewPaths(t.TempDir(), &PathOverrides{ModelDir: "/opt/install/cosyvoice_api"})
	got := p.ArchivePath()
	if filepath.Dir(got) != "/opt/install" {
		t.Errorf("archive not a sibling: %q", got)
	}
	if !strings.HasSuffix(got, "cosyvoice_api.7z") {
		t.Errorf("archive name = %q", got)
	}
}
