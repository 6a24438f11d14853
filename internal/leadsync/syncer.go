package leadsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/salespipe/leadsync/internal/sheetcsv"
)

const (
	defaultQueueCapacity = 1024
	defaultWorkers       = 2
	persistTimeout       = 15 * time.Second
	flushPollInterval    = 10 * time.Millisecond
)

// RowFetcher retrieves the mapped rows of one spreadsheet tab.
type RowFetcher interface {
	FetchRows(ctx context.Context, shareURL string, tab int) ([]sheetcsv.MappedRow, error)
}

type SyncerOptions struct {
	SheetURL string
	SheetTab int
	Fetcher  RowFetcher
	Store    LeadStore
	Queue    TaskQueue
	Workers  int
	Logger   Logger
	// ListLimit caps the initial collection load; zero means unbounded.
	ListLimit int
	// DisableWorkers keeps tasks queued without draining them. Used by tests
	// that assert on queue contents.
	DisableWorkers bool
}

// SyncReport summarizes one reconciliation cycle.
type SyncReport struct {
	CycleID   string        `json:"cycle_id"`
	Rows      int           `json:"rows"`
	Matched   int           `json:"matched"`
	Inserted  int           `json:"inserted"`
	Skipped   int           `json:"skipped"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// SyncStatus is the externally visible state of the syncer.
type SyncStatus struct {
	LastReport SyncReport `json:"last_report"`
	LastError  string     `json:"last_error,omitempty"`
	QueueDepth int        `json:"queue_depth"`
}

// Syncer owns the in-memory lead collection and drives reconciliation
// cycles against it. Persistence is decoupled: every cycle enqueues its
// tasks and returns immediately, while background workers drain the queue
// and submit to the store. A failed submission is logged and dropped; the
// merged collection is never rolled back.
type Syncer struct {
	sheetURL  string
	sheetTab  int
	fetcher   RowFetcher
	store     LeadStore
	queue     TaskQueue
	logger    Logger
	listLimit int

	mu         sync.Mutex
	leads      []*Lead
	index      *matchIndex
	loaded     bool
	lastReport SyncReport
	lastErr    error

	running   int64
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

func NewSyncer(opts SyncerOptions) (*Syncer, error) {
	if opts.Fetcher == nil && opts.SheetURL != "" {
		return nil, errors.New("syncer: fetcher is required when a sheet url is set")
	}
	if opts.Store == nil {
		return nil, errors.New("syncer: store is required")
	}
	queue := opts.Queue
	if queue == nil {
		queue = NewInMemoryTaskQueue(defaultQueueCapacity)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	queueCtx, cancel := context.WithCancel(context.Background())
	s := &Syncer{
		sheetURL:  opts.SheetURL,
		sheetTab:  opts.SheetTab,
		fetcher:   opts.Fetcher,
		store:     opts.Store,
		queue:     queue,
		logger:    opts.Logger,
		listLimit: opts.ListLimit,
		cancel:    cancel,
	}

	if !opts.DisableWorkers {
		for i := 0; i < workers; i++ {
			s.wg.Add(1)
			go s.worker(queueCtx)
		}
	}
	return s, nil
}

// SyncOnce fetches the configured sheet tab and reconciles its rows into the
// collection, returning the cycle report. The collection is loaded from the
// store on the first cycle.
func (s *Syncer) SyncOnce(ctx context.Context) (SyncReport, error) {
	if s.fetcher == nil || s.sheetURL == "" {
		return SyncReport{}, errors.New("syncer: no sheet configured")
	}
	if err := s.ensureLoaded(ctx); err != nil {
		s.setErr(err)
		return SyncReport{}, err
	}
	rows, err := s.fetcher.FetchRows(ctx, s.sheetURL, s.sheetTab)
	if err != nil {
		s.setErr(err)
		return SyncReport{}, err
	}
	report := s.reconcileRows(rows)
	return report, nil
}

// ImportCSV reconciles a raw CSV payload through the same merge path as a
// sheet fetch.
func (s *Syncer) ImportCSV(ctx context.Context, raw string) (SyncReport, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		s.setErr(err)
		return SyncReport{}, err
	}
	rows := sheetcsv.MapRecords(sheetcsv.Parse(raw))
	return s.reconcileRows(rows), nil
}

func (s *Syncer) ensureLoaded(ctx context.Context) error {
	s.mu.Lock()
	loaded := s.loaded
	s.mu.Unlock()
	if loaded {
		return nil
	}
	existing, err := s.store.ListLeads(ctx, ListOptions{
		OrderBy:    "created_at",
		Descending: true,
		Limit:      s.listLimit,
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}
	s.leads = make([]*Lead, 0, len(existing))
	for i := range existing {
		lead := existing[i]
		s.leads = append(s.leads, &lead)
	}
	s.loaded = true
	return nil
}

func (s *Syncer) reconcileRows(rows []sheetcsv.MappedRow) SyncReport {
	started := time.Now().UTC()
	cycleID := uuid.NewString()

	s.mu.Lock()
	result := Reconcile(rows, s.leads, started, cycleID)
	s.leads = result.Leads
	s.index = result.index
	s.mu.Unlock()

	for _, task := range result.Tasks {
		if !s.queue.TryEnqueue(task) {
			s.logf("persist queue full, dropping %s task (cycle=%s lead=%s ref=%s)",
				task.Op, cycleID, task.LeadID, task.LocalRef)
		}
	}

	report := SyncReport{
		CycleID:   cycleID,
		Rows:      len(rows),
		Matched:   result.Matched,
		Inserted:  result.Inserted,
		Skipped:   result.Skipped,
		StartedAt: started,
		Duration:  time.Since(started),
	}
	s.mu.Lock()
	s.lastReport = report
	s.lastErr = nil
	s.mu.Unlock()
	return report
}

func (s *Syncer) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		task, ok := s.queue.Dequeue(ctx)
		if !ok {
			return
		}
		atomic.AddInt64(&s.running, 1)
		s.process(task)
		atomic.AddInt64(&s.running, -1)
	}
}

// process submits one task to the store. It runs on a background context so
// an in-flight submission completes even while the syncer is shutting down.
func (s *Syncer) process(task PersistTask) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	switch task.Op {
	case PersistUpdate:
		if _, err := s.store.UpdateLeadFields(ctx, task.LeadID, task.Fields); err != nil {
			s.logf("persist update failed (cycle=%s lead=%s): %v", task.CorrelationID, task.LeadID, err)
		}
	case PersistInsert:
		persisted, err := s.store.InsertLead(ctx, task.Lead)
		if err != nil {
			s.logf("persist insert failed (cycle=%s ref=%s): %v", task.CorrelationID, task.LocalRef, err)
			return
		}
		s.applyInsert(task.LocalRef, persisted)
	default:
		s.logf("unknown persist op %q (cycle=%s)", task.Op, task.CorrelationID)
	}
}

// applyInsert swaps the persisted record back into the placeholder's
// position, keeping the collection order the reconciliation established.
func (s *Syncer) applyInsert(localRef string, persisted Lead) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, lead := range s.leads {
		if lead.LocalRef != localRef {
			continue
		}
		persisted.LocalRef = ""
		*lead = persisted
		if s.index != nil {
			s.index.refresh(lead)
		}
		return
	}
	s.logf("insert completed for unknown placeholder ref=%s id=%s", localRef, persisted.ID)
}

// Leads returns a snapshot of the collection, most recently inserted first.
func (s *Syncer) Leads() []Lead {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Lead, 0, len(s.leads))
	for _, lead := range s.leads {
		out = append(out, *lead)
	}
	return out
}

func (s *Syncer) Status() SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := SyncStatus{
		LastReport: s.lastReport,
		QueueDepth: s.queue.Depth(),
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	return status
}

// Flush blocks until the queue is drained and no worker is mid-submission,
// or the context expires. Intended for tests and for --once runs.
func (s *Syncer) Flush(ctx context.Context) error {
	for {
		if s.queue.Depth() == 0 && atomic.LoadInt64(&s.running) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(flushPollInterval):
		}
	}
}

// Close stops the workers and closes the queue. Tasks already handed to a
// worker finish on their own timeout.
func (s *Syncer) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeErr = s.queue.Close()
		s.wg.Wait()
	})
	return s.closeErr
}

func (s *Syncer) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Syncer) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
