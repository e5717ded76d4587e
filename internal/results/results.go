// Package results writes search hits to disk so they can be browsed with a
// file manager, and parks images the store rejected.
package results

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/efebarandurmaz/imagesearch/internal/vector"
)

// NotStoredDir is the dataset subdirectory that rejected images are moved to.
const NotStoredDir = "not_stored"

// Exporter copies hit images out of the dataset directory.
type Exporter struct {
	Fs         afero.Fs
	DatasetDir string
	ResultsDir string
	Logger     *slog.Logger
}

// NewExporter creates an Exporter on fs.
func NewExporter(fs afero.Fs, datasetDir, resultsDir string) *Exporter {
	return &Exporter{Fs: fs, DatasetDir: datasetDir, ResultsDir: resultsDir, Logger: slog.Default()}
}

// Export writes hits to ResultsDir/<query>/, replacing anything from an
// earlier run of the same query. Each image is named "<score> <caption><ext>".
// Images that cannot be copied are skipped and reported in the returned error.
func (e *Exporter) Export(query string, hits []vector.Hit) (string, error) {
	dir := filepath.Join(e.ResultsDir, safeName(query))
	if ok, _ := afero.DirExists(e.Fs, dir); ok {
		e.Clear(dir)
	} else if err := e.Fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create results dir: %w", err)
	}

	var errs []error
	for _, h := range hits {
		src := filepath.Join(e.DatasetDir, h.Name)
		dst := filepath.Join(dir, FileName(h))
		if err := e.copyFile(src, dst); err != nil {
			errs = append(errs, fmt.Errorf("export %s: %w", h.Name, err))
		}
	}
	return dir, errors.Join(errs...)
}

// FileName returns the exported file name for h.
func FileName(h vector.Hit) string {
	return FormatScore(h.Score) + " " + safeName(h.Caption) + filepath.Ext(h.Name)
}

// FormatScore renders a score with 4 significant digits. Fixed-point results
// always carry a decimal point, so 2 is written as "2.0".
func FormatScore(score float64) string {
	s := strconv.FormatFloat(score, 'g', 4, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}

// MoveNotStored moves each path into DatasetDir/not_stored/. It returns how
// many files were moved; failures are logged and joined into the error.
func (e *Exporter) MoveNotStored(paths []string) (int, error) {
	if len(paths) == 0 {
		return 0, nil
	}
	target := filepath.Join(e.DatasetDir, NotStoredDir)
	if err := e.Fs.MkdirAll(target, 0o755); err != nil {
		return 0, fmt.Errorf("create %s: %w", target, err)
	}

	moved := 0
	var errs []error
	for _, p := range paths {
		if err := e.Fs.Rename(p, filepath.Join(target, filepath.Base(p))); err != nil {
			e.logger().Warn("could not move image", "path", p, "error", err)
			errs = append(errs, err)
			continue
		}
		moved++
	}
	return moved, errors.Join(errs...)
}

// Clear removes everything inside dir. Entries that cannot be removed are
// logged and skipped. A missing dir is not an error.
func (e *Exporter) Clear(dir string) {
	entries, err := afero.ReadDir(e.Fs, dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			e.logger().Warn("could not read directory", "dir", dir, "error", err)
		}
		return
	}
	for _, entry := range entries {
		p := filepath.Join(dir, entry.Name())
		if err := e.Fs.RemoveAll(p); err != nil {
			e.logger().Warn("could not remove", "path", p, "error", err)
		}
	}
}

func (e *Exporter) copyFile(src, dst string) error {
	in, err := e.Fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := e.Fs.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	if fi, err := e.Fs.Stat(src); err == nil {
		_ = e.Fs.Chtimes(dst, fi.ModTime(), fi.ModTime())
	}
	return nil
}

func (e *Exporter) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// safeName replaces path separators so a caption or query is a single
// path element.
func safeName(s string) string {
	s = strings.NewReplacer("/", "_", "\\", "_", "\x00", "").Replace(strings.TrimSpace(s))
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
