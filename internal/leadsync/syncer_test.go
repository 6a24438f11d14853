package leadsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/salespipe/leadsync/internal/sheetcsv"
)

type fakeLeadStore struct {
	mu          sync.Mutex
	leads       []Lead
	inserts     []Lead
	updates     map[string]map[string]string
	failInserts bool
	nextID      int
}

func newFakeLeadStore(existing ...Lead) *fakeLeadStore {
	return &fakeLeadStore{leads: existing, updates: map[string]map[string]string{}}
}

func (f *fakeLeadStore) ListLeads(ctx context.Context, opts ListOptions) ([]Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Lead(nil), f.leads...), nil
}

func (f *fakeLeadStore) InsertLead(ctx context.Context, lead Lead) (Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInserts {
		return Lead{}, errors.New("store unavailable")
	}
	f.nextID++
	lead.ID = fmt.Sprintf("srv_%d", f.nextID)
	lead.LocalRef = ""
	f.inserts = append(f.inserts, lead)
	f.leads = append(f.leads, lead)
	return lead, nil
}

func (f *fakeLeadStore) UpdateLeadFields(ctx context.Context, id string, fields map[string]string) (Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates[id] = fields
	for _, lead := range f.leads {
		if lead.ID == id {
			return lead, nil
		}
	}
	return Lead{}, fmt.Errorf("%w: lead %s", ErrNotFound, id)
}

type fakeFetcher struct {
	rows []sheetcsv.MappedRow
	err  error
}

func (f *fakeFetcher) FetchRows(ctx context.Context, shareURL string, tab int) ([]sheetcsv.MappedRow, error) {
	return f.rows, f.err
}

func flushSyncer(t *testing.T, s *Syncer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
}

func TestSyncOnceMergesAndPersists(t *testing.T) {
	store := newFakeLeadStore(Lead{ID: "L1", Name: "Asha Verma", Email: "asha@example.com"})
	fetcher := &fakeFetcher{rows: []sheetcsv.MappedRow{
		{Email: "asha@example.com", Phone: "555-0101"},
		{Name: "Nikhil Rao"},
	}}
	syncer, err := NewSyncer(SyncerOptions{
		SheetURL: "https://docs.google.com/spreadsheets/d/abc/edit",
		Fetcher:  fetcher,
		Store:    store,
	})
	if err != nil {
		t.Fatalf("new syncer failed: %v", err)
	}
	defer syncer.Close()

	report, err := syncer.SyncOnce(context.Background())
	if err != nil {
		t.Fatalf("sync once failed: %v", err)
	}
	if report.Matched != 1 || report.Inserted != 1 || report.Skipped != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	flushSyncer(t, syncer)

	store.mu.Lock()
	defer store.mu.Unlock()
	if fields, ok := store.updates["L1"]; !ok || fields["customer_phone"] != "555-0101" {
		t.Fatalf("expected phone update for L1, got %+v", store.updates)
	}
	if len(store.inserts) != 1 || store.inserts[0].Name != "Nikhil Rao" {
		t.Fatalf("expected one insert for the new lead, got %+v", store.inserts)
	}
}

func TestSyncOnceSwapsPersistedRecordIntoPlace(t *testing.T) {
	store := newFakeLeadStore()
	fetcher := &fakeFetcher{rows: []sheetcsv.MappedRow{{Name: "Nikhil Rao"}}}
	syncer, err := NewSyncer(SyncerOptions{SheetURL: "u", Fetcher: fetcher, Store: store})
	if err != nil {
		t.Fatalf("new syncer failed: %v", err)
	}
	defer syncer.Close()

	if _, err := syncer.SyncOnce(context.Background()); err != nil {
		t.Fatalf("sync once failed: %v", err)
	}
	flushSyncer(t, syncer)

	leads := syncer.Leads()
	if len(leads) != 1 {
		t.Fatalf("expected one lead, got %d", len(leads))
	}
	if leads[0].ID == "" || leads[0].LocalRef != "" {
		t.Fatalf("expected placeholder replaced by persisted record, got %+v", leads[0])
	}
}

func TestSyncOnceKeepsCollectionWhenInsertFails(t *testing.T) {
	store := newFakeLeadStore()
	store.failInserts = true
	fetcher := &fakeFetcher{rows: []sheetcsv.MappedRow{{Name: "Nikhil Rao"}}}
	syncer, err := NewSyncer(SyncerOptions{SheetURL: "u", Fetcher: fetcher, Store: store})
	if err != nil {
		t.Fatalf("new syncer failed: %v", err)
	}
	defer syncer.Close()

	if _, err := syncer.SyncOnce(context.Background()); err != nil {
		t.Fatalf("sync once failed: %v", err)
	}
	flushSyncer(t, syncer)

	leads := syncer.Leads()
	if len(leads) != 1 || leads[0].ID != "" || leads[0].LocalRef == "" {
		t.Fatalf("expected merged placeholder to survive the failed insert, got %+v", leads)
	}
}

func TestSyncOnceReturnsFetchError(t *testing.T) {
	store := newFakeLeadStore()
	fetcher := &fakeFetcher{err: errors.New("sheet unreachable")}
	syncer, err := NewSyncer(SyncerOptions{SheetURL: "u", Fetcher: fetcher, Store: store})
	if err != nil {
		t.Fatalf("new syncer failed: %v", err)
	}
	defer syncer.Close()

	if _, err := syncer.SyncOnce(context.Background()); err == nil {
		t.Fatalf("expected fetch error to surface")
	}
	if status := syncer.Status(); status.LastError == "" {
		t.Fatalf("expected status to record the error, got %+v", status)
	}
}

func TestImportCSVSharesMergePath(t *testing.T) {
	store := newFakeLeadStore(Lead{ID: "L1", Name: "Asha Verma"})
	syncer, err := NewSyncer(SyncerOptions{Store: store})
	if err != nil {
		t.Fatalf("new syncer failed: %v", err)
	}
	defer syncer.Close()

	raw := "Name,Phone\nasha verma,555-0102\nNikhil Rao,555-0103\n"
	report, err := syncer.ImportCSV(context.Background(), raw)
	if err != nil {
		t.Fatalf("import csv failed: %v", err)
	}
	if report.Matched != 1 || report.Inserted != 1 {
		t.Fatalf("unexpected import report: %+v", report)
	}
	flushSyncer(t, syncer)

	store.mu.Lock()
	defer store.mu.Unlock()
	if fields, ok := store.updates["L1"]; !ok || fields["customer_phone"] != "555-0102" {
		t.Fatalf("expected matched row persisted as update, got %+v", store.updates)
	}
}

func TestSyncerDropsTasksWhenQueueFull(t *testing.T) {
	store := newFakeLeadStore()
	fetcher := &fakeFetcher{rows: []sheetcsv.MappedRow{
		{Name: "Lead One"},
		{Name: "Lead Two"},
	}}
	syncer, err := NewSyncer(SyncerOptions{
		SheetURL:       "u",
		Fetcher:        fetcher,
		Store:          store,
		Queue:          NewInMemoryTaskQueue(1),
		DisableWorkers: true,
	})
	if err != nil {
		t.Fatalf("new syncer failed: %v", err)
	}
	defer syncer.Close()

	report, err := syncer.SyncOnce(context.Background())
	if err != nil {
		t.Fatalf("sync once failed: %v", err)
	}
	if report.Inserted != 2 {
		t.Fatalf("both rows should merge even when the queue overflows, got %+v", report)
	}
	if depth := syncer.Status().QueueDepth; depth != 1 {
		t.Fatalf("expected queue depth 1 after drop, got %d", depth)
	}
}
