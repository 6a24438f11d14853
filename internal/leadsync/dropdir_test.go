package leadsync

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestDropWatcherImportsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "leads.csv")
	raw := "Name,Phone\nNikhil Rao,555-0103\n"
	if err := os.WriteFile(csvPath, []byte(raw), 0o600); err != nil {
		t.Fatalf("write csv failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o600); err != nil {
		t.Fatalf("write txt failed: %v", err)
	}

	store := newFakeLeadStore()
	syncer, err := NewSyncer(SyncerOptions{Store: store})
	if err != nil {
		t.Fatalf("new syncer failed: %v", err)
	}
	defer syncer.Close()

	watcher := NewDropWatcher(dir, syncer, nil)
	if err := watcher.importExisting(context.Background()); err != nil {
		t.Fatalf("import existing failed: %v", err)
	}
	flushSyncer(t, syncer)

	store.mu.Lock()
	inserts := len(store.inserts)
	store.mu.Unlock()
	if inserts != 1 {
		t.Fatalf("expected one insert from the dropped file, got %d", inserts)
	}
	if _, err := os.Stat(csvPath + importedSuffix); err != nil {
		t.Fatalf("expected processed file renamed: %v", err)
	}
	if _, err := os.Stat(csvPath); !os.IsNotExist(err) {
		t.Fatalf("expected original file gone, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Fatalf("non-csv files must be left alone: %v", err)
	}
}
