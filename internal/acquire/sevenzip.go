package acquire

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bodgit/sevenzip"
)

// errUnreadableEntry marks an entry whose compressed stream cannot be decoded
// (unsupported compression method, bad per-entry metadata). Such entries are
// skipped with a warning; the rest of the archive still extracts.
var errUnreadableEntry = errors.New("acquire: unreadable archive entry")

// extractEntryFn is swapped in tests to exercise the skip path without a
// crafted archive.
var extractEntryFn = extractEntry

// extractSevenZip is the default [ExtractFunc]: it unpacks a 7z archive with
// per-entry progress. An archive that cannot be opened is reported as
// [ErrCorruptArchive] so the caller deletes it.
func extractSevenZip(archivePath, destDir string, progress ProgressFunc) error {
	r, err := sevenzip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	defer r.Close()

	return extractAll(r.File, destDir, progress)
}

// extractAll unpacks every entry into destDir. Unreadable entries are skipped
// with a warning; any other failure aborts.
func extractAll(files []*sevenzip.File, destDir string, progress ProgressFunc) error {
	total := int64(len(files))
	phase(progress, fmt.Sprintf("starting extraction of %d entries", total))

	for i, f := range files {
		if progress != nil {
			progress(int64(i+1), total, fmt.Sprintf("extracting (%d/%d): %s", i+1, total, f.Name))
		}
		if err := extractEntryFn(f, destDir); err != nil {
			if errors.Is(err, errUnreadableEntry) {
				slog.Warn("skipping unreadable archive entry", "entry", f.Name, "err", err)
				phase(progress, fmt.Sprintf("skipping unreadable entry: %s", f.Name))
				continue
			}
			return err
		}
	}
	return nil
}

func extractEntry(f *sevenzip.File, destDir string) error {
	target, err := sanitizeEntryPath(destDir, f.Name)
	if err != nil {
		return err
	}

	info := f.FileInfo()
	if info.IsDir() {
		if err := os.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("acquire: create dir %q: %w", target, err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("acquire: create parent dir for %q: %w", target, err)
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w %q: %v", errUnreadableEntry, f.Name, err)
	}
	defer rc.Close()

	mode := info.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("acquire: create file %q: %w", target, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("acquire: extract %q: %w", f.Name, err)
	}
	return nil
}
