package leadsync

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

const importedSuffix = ".imported"

// DropWatcher imports CSV files dropped into a directory. Each processed
// file is renamed with an .imported suffix so a restart does not re-merge
// it.
type DropWatcher struct {
	dir    string
	syncer *Syncer
	logger Logger
}

func NewDropWatcher(dir string, syncer *Syncer, logger Logger) *DropWatcher {
	return &DropWatcher{dir: dir, syncer: syncer, logger: logger}
}

// Run processes files already present in the directory, then watches for new
// ones until the context is cancelled.
func (w *DropWatcher) Run(ctx context.Context) error {
	if err := w.importExisting(ctx); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(w.dir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
				continue
			}
			if !isDroppedCSV(event.Name) {
				continue
			}
			if err := w.importFile(ctx, event.Name); err != nil {
				w.logf("drop import %s failed: %v", event.Name, err)
			}
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logf("drop watcher error: %v", watchErr)
		}
	}
}

func (w *DropWatcher) importExisting(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		if !isDroppedCSV(path) {
			continue
		}
		if err := w.importFile(ctx, path); err != nil {
			w.logf("drop import %s failed: %v", path, err)
		}
	}
	return nil
}

func (w *DropWatcher) importFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	report, err := w.syncer.ImportCSV(ctx, string(data))
	if err != nil {
		return err
	}
	w.logf("imported %s: rows=%d matched=%d inserted=%d skipped=%d",
		filepath.Base(path), report.Rows, report.Matched, report.Inserted, report.Skipped)
	return os.Rename(path, path+importedSuffix)
}

func isDroppedCSV(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".csv")
}

func (w *DropWatcher) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}
