package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/salespipe/leadsync/internal/leadsync"
)

type fakeTableStore struct {
	mu      sync.Mutex
	leads   []leadsync.Lead
	persons []leadsync.SalesPerson
	nextID  int
}

func (f *fakeTableStore) ListLeads(ctx context.Context, opts leadsync.ListOptions) ([]leadsync.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]leadsync.Lead(nil), f.leads...), nil
}

func (f *fakeTableStore) InsertLead(ctx context.Context, lead leadsync.Lead) (leadsync.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	lead.ID = "srv_" + string(rune('0'+f.nextID))
	lead.LocalRef = ""
	f.leads = append(f.leads, lead)
	return lead, nil
}

func (f *fakeTableStore) UpdateLeadFields(ctx context.Context, id string, fields map[string]string) (leadsync.Lead, error) {
	return leadsync.Lead{ID: id}, nil
}

func (f *fakeTableStore) DeleteLead(ctx context.Context, id string) error { return nil }

func (f *fakeTableStore) ListSalesPersons(ctx context.Context, opts leadsync.ListOptions) ([]leadsync.SalesPerson, error) {
	return f.persons, nil
}

func (f *fakeTableStore) InsertSalesPerson(ctx context.Context, person leadsync.SalesPerson) (leadsync.SalesPerson, error) {
	return person, nil
}

func (f *fakeTableStore) UpdateSalesPersonFields(ctx context.Context, id string, fields map[string]string) (leadsync.SalesPerson, error) {
	return leadsync.SalesPerson{ID: id}, nil
}

func (f *fakeTableStore) DeleteSalesPerson(ctx context.Context, id string) error { return nil }

func (f *fakeTableStore) ListLeadSources(ctx context.Context, opts leadsync.ListOptions) ([]leadsync.LeadSource, error) {
	return nil, nil
}

func (f *fakeTableStore) InsertLeadSource(ctx context.Context, source leadsync.LeadSource) (leadsync.LeadSource, error) {
	return source, nil
}

func (f *fakeTableStore) UpdateLeadSourceFields(ctx context.Context, id string, fields map[string]string) (leadsync.LeadSource, error) {
	return leadsync.LeadSource{ID: id}, nil
}

func (f *fakeTableStore) DeleteLeadSource(ctx context.Context, id string) error { return nil }

func (f *fakeTableStore) ListPipelineStages(ctx context.Context, opts leadsync.ListOptions) ([]leadsync.PipelineStage, error) {
	return nil, nil
}

func (f *fakeTableStore) InsertPipelineStage(ctx context.Context, stage leadsync.PipelineStage) (leadsync.PipelineStage, error) {
	return stage, nil
}

func (f *fakeTableStore) UpdatePipelineStageFields(ctx context.Context, id string, fields map[string]string) (leadsync.PipelineStage, error) {
	return leadsync.PipelineStage{ID: id}, nil
}

func (f *fakeTableStore) DeletePipelineStage(ctx context.Context, id string) error { return nil }

func (f *fakeTableStore) ListStageAssignments(ctx context.Context, opts leadsync.ListOptions) ([]leadsync.StageAssignment, error) {
	return nil, nil
}

func (f *fakeTableStore) UpsertStageAssignment(ctx context.Context, leadID, stageID string) (leadsync.StageAssignment, error) {
	return leadsync.StageAssignment{LeadID: leadID, StageID: stageID}, nil
}

func (f *fakeTableStore) DeleteStageAssignment(ctx context.Context, id string) error { return nil }

func (f *fakeTableStore) Close() error { return nil }

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestServer(t *testing.T, store leadsync.TableStore, cfg ServerConfig) (*Server, *leadsync.Syncer) {
	t.Helper()
	syncer, err := leadsync.NewSyncer(leadsync.SyncerOptions{Store: store})
	if err != nil {
		t.Fatalf("new syncer failed: %v", err)
	}
	t.Cleanup(func() { _ = syncer.Close() })
	return NewServer(syncer, store, nil, quietLogger(), cfg), syncer
}

func TestHealthIsOpen(t *testing.T) {
	server, _ := newTestServer(t, &fakeTableStore{}, ServerConfig{AuthToken: "secret"})
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /health, got %d", rec.Code)
	}
}

func TestAuthRejectsMissingToken(t *testing.T) {
	server, _ := newTestServer(t, &fakeTableStore{}, ServerConfig{AuthToken: "secret"})
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d", rec.Code)
	}
}

func TestImportMergesAndListsLeads(t *testing.T) {
	store := &fakeTableStore{}
	server, syncer := newTestServer(t, store, ServerConfig{})

	rec := httptest.NewRecorder()
	body := strings.NewReader("Name,Phone\nNikhil Rao,555-0103\n")
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/import", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("import failed: %d %s", rec.Code, rec.Body.String())
	}
	var report leadsync.SyncReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report failed: %v", err)
	}
	if report.Inserted != 1 {
		t.Fatalf("expected one inserted lead, got %+v", report)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := syncer.Flush(ctx); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/leads", nil))
	var listing struct {
		Items []leadsync.Lead `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode leads failed: %v", err)
	}
	if len(listing.Items) != 1 || listing.Items[0].Name != "Nikhil Rao" {
		t.Fatalf("unexpected leads listing: %+v", listing.Items)
	}
}

func TestImportRejectsEmptyBody(t *testing.T) {
	server, _ := newTestServer(t, &fakeTableStore{}, ServerConfig{})
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/import", strings.NewReader("  ")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty body, got %d", rec.Code)
	}
}

func TestTableListing(t *testing.T) {
	store := &fakeTableStore{persons: []leadsync.SalesPerson{{ID: "S1", Name: "Priya Shah"}}}
	server, _ := newTestServer(t, store, ServerConfig{})

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tables/sales_persons", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("table listing failed: %d", rec.Code)
	}
	var listing struct {
		Items []leadsync.SalesPerson `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode listing failed: %v", err)
	}
	if len(listing.Items) != 1 || listing.Items[0].Name != "Priya Shah" {
		t.Fatalf("unexpected listing: %+v", listing.Items)
	}

	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tables/unknown_table", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown table, got %d", rec.Code)
	}
}

func TestSubscribeStreamsChangeEvents(t *testing.T) {
	store := &fakeTableStore{}
	notifier := leadsync.NewNotifier()
	syncer, err := leadsync.NewSyncer(leadsync.SyncerOptions{Store: store})
	if err != nil {
		t.Fatalf("new syncer failed: %v", err)
	}
	defer syncer.Close()
	server := NewServer(syncer, store, notifier, quietLogger(), ServerConfig{})

	ts := httptest.NewServer(server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/subscribe?table=leads"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for notifier.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for server-side subscription")
		}
		time.Sleep(5 * time.Millisecond)
	}
	notifier.Publish(leadsync.ChangeEvent{Table: leadsync.TableLeads, Type: leadsync.ChangeInsert, RecordID: "L1"})

	var event leadsync.ChangeEvent
	if err := wsjson.Read(ctx, conn, &event); err != nil {
		t.Fatalf("websocket read failed: %v", err)
	}
	if event.Table != leadsync.TableLeads || event.RecordID != "L1" {
		t.Fatalf("unexpected event: %+v", event)
	}
}
