package leadsync

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("LEADSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set LEADSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}

func TestPostgresIntegrationTaskQueueFIFOAndCapacity(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	raw, err := NewPostgresTaskQueue(dsn, 2)
	if err != nil {
		t.Fatalf("new postgres task queue: %v", err)
	}
	queue, ok := raw.(*postgresTaskQueue)
	if !ok {
		t.Fatalf("expected *postgresTaskQueue, got %T", raw)
	}
	queue.tableName = postgresIntegrationTableName("leadsync_queue_it")
	queue.queueKey = postgresIntegrationTableName("qk")
	t.Cleanup(func() {
		_ = raw.Close()
		postgresIntegrationDropTable(t, dsn, queue.tableName)
	})

	if !raw.TryEnqueue(PersistTask{TaskID: "t1", Op: PersistUpdate, LeadID: "L1"}) {
		t.Fatalf("expected enqueue t1 to succeed")
	}
	if !raw.TryEnqueue(PersistTask{TaskID: "t2", Op: PersistInsert, LocalRef: "ref_2"}) {
		t.Fatalf("expected enqueue t2 to succeed")
	}
	if raw.TryEnqueue(PersistTask{TaskID: "t3"}) {
		t.Fatalf("expected enqueue t3 to fail at capacity")
	}
	if got := raw.Depth(); got != 2 {
		t.Fatalf("expected depth 2, got %d", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	first, ok := raw.Dequeue(ctx)
	if !ok || first.TaskID != "t1" || first.LeadID != "L1" {
		t.Fatalf("expected first dequeue t1, got ok=%v task=%+v", ok, first)
	}
	second, ok := raw.Dequeue(ctx)
	if !ok || second.TaskID != "t2" || second.LocalRef != "ref_2" {
		t.Fatalf("expected second dequeue t2, got ok=%v task=%+v", ok, second)
	}

	emptyCtx, emptyCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer emptyCancel()
	if _, ok := raw.Dequeue(emptyCtx); ok {
		t.Fatalf("expected empty dequeue to return false")
	}
}

func TestPostgresIntegrationTaskQueueRestartPersistence(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	tableName := postgresIntegrationTableName("leadsync_queue_restart_it")
	queueKey := postgresIntegrationTableName("qk")

	raw, err := NewPostgresTaskQueue(dsn, 4)
	if err != nil {
		t.Fatalf("new postgres task queue: %v", err)
	}
	first := raw.(*postgresTaskQueue)
	first.tableName = tableName
	first.queueKey = queueKey
	t.Cleanup(func() {
		postgresIntegrationDropTable(t, dsn, tableName)
	})

	if !raw.TryEnqueue(PersistTask{TaskID: "t1", Op: PersistUpdate, LeadID: "L1"}) {
		t.Fatalf("expected enqueue t1 to succeed")
	}
	if err := raw.Close(); err != nil {
		t.Fatalf("close first queue failed: %v", err)
	}

	reopenedRaw, err := NewPostgresTaskQueue(dsn, 4)
	if err != nil {
		t.Fatalf("reopen postgres task queue: %v", err)
	}
	reopened := reopenedRaw.(*postgresTaskQueue)
	reopened.tableName = tableName
	reopened.queueKey = queueKey
	t.Cleanup(func() { _ = reopenedRaw.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	task, ok := reopenedRaw.Dequeue(ctx)
	if !ok || task.TaskID != "t1" {
		t.Fatalf("expected t1 to survive restart, got ok=%v task=%+v", ok, task)
	}
}

func TestPostgresIntegrationTaskQueueCapacityUnderConcurrentEnqueue(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	raw, err := NewPostgresTaskQueue(dsn, 1)
	if err != nil {
		t.Fatalf("new postgres task queue: %v", err)
	}
	queue := raw.(*postgresTaskQueue)
	queue.tableName = postgresIntegrationTableName("leadsync_queue_race_it")
	queue.queueKey = postgresIntegrationTableName("qk")
	t.Cleanup(func() {
		_ = raw.Close()
		postgresIntegrationDropTable(t, dsn, queue.tableName)
	})

	const producers = 16
	var successCount atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if raw.TryEnqueue(PersistTask{TaskID: fmt.Sprintf("t_%d", n)}) {
				successCount.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := successCount.Load(); got != 1 {
		t.Fatalf("expected exactly 1 successful enqueue at capacity=1, got %d", got)
	}
	if depth := raw.Depth(); depth != 1 {
		t.Fatalf("expected queue depth 1 after concurrent enqueue, got %d", depth)
	}
}

func TestPostgresIntegrationStoreLeadRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	store, err := NewPostgresStore(dsn, StoreOptions{})
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	inserted, err := store.InsertLead(ctx, Lead{Name: "Asha Verma", Email: "asha@example.com"})
	if err != nil {
		t.Fatalf("insert lead failed: %v", err)
	}
	t.Cleanup(func() { _ = store.DeleteLead(context.Background(), inserted.ID) })
	if inserted.ID == "" || inserted.Status != DefaultStatus {
		t.Fatalf("unexpected inserted lead: %+v", inserted)
	}

	updated, err := store.UpdateLeadFields(ctx, inserted.ID, map[string]string{
		"customer_phone": "555-0101",
		"ignored_column": "x",
	})
	if err != nil {
		t.Fatalf("update lead failed: %v", err)
	}
	if updated.Phone != "555-0101" || updated.Name != "Asha Verma" {
		t.Fatalf("unexpected updated lead: %+v", updated)
	}
}
