package queue

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/notch8/bulkrax/internal/logging"
	"github.com/notch8/bulkrax/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.Job{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

type workArgs struct {
	EntryID uint `json:"entry_id"`
	RunID   uint `json:"run_id"`
}

func TestEnqueueClaimFinish(t *testing.T) {
	db := testDB(t)
	q := New(db, Options{})
	ctx := context.Background()

	if err := q.Enqueue(ctx, "import_work", workArgs{EntryID: 4, RunID: 2}, 0); err != nil {
		t.Fatal(err)
	}
	job, err := q.Claim(ctx, "w1", []string{"import_work"})
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("expected a job")
	}
	if job.Status != StatusRunning || job.Attempts != 1 || job.LockedBy != "w1" {
		t.Errorf("claimed job = %+v", job)
	}

	var args workArgs
	if err := DecodeArgs(job, &args); err != nil {
		t.Fatal(err)
	}
	if args.EntryID != 4 || args.RunID != 2 {
		t.Errorf("args = %+v", args)
	}

	again, err := q.Claim(ctx, "w2", []string{"import_work"})
	if err != nil || again != nil {
		t.Errorf("second claim = %v, %v; want nothing", again, err)
	}

	if err := q.Finish(ctx, job); err != nil {
		t.Fatal(err)
	}
	n, _ := q.Outstanding(ctx)
	if n != 0 {
		t.Errorf("outstanding = %d", n)
	}
}

func TestClaim_SkipsFutureAndOtherKinds(t *testing.T) {
	db := testDB(t)
	q := New(db, Options{})
	ctx := context.Background()

	if err := q.Enqueue(ctx, "relationships", nil, time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(ctx, "exporter", nil, 0); err != nil {
		t.Fatal(err)
	}

	job, err := q.Claim(ctx, "w1", []string{"relationships", "import_work"})
	if err != nil {
		t.Fatal(err)
	}
	if job != nil {
		t.Errorf("claimed %s, want nothing due", job.Kind)
	}

	next, err := q.NextRunAt(ctx, "relationships")
	if err != nil || next == nil {
		t.Fatalf("NextRunAt = %v, %v", next, err)
	}
	if time.Until(*next) < 50*time.Minute {
		t.Errorf("next run too soon: %v", next)
	}
}

func TestClaim_EmptyWorker(t *testing.T) {
	_, err := New(nil, Options{}).Claim(context.Background(), "", nil)
	if err == nil || !strings.Contains(err.Error(), "worker is required") {
		t.Fatalf("err = %v", err)
	}
}

func TestRetry_BackoffThenDead(t *testing.T) {
	db := testDB(t)
	now := time.Now()
	q := New(db, Options{MaxAttempts: 2, BackoffBase: time.Minute, BackoffMax: time.Hour, Now: func() time.Time { return now }})
	ctx := context.Background()

	if err := q.Enqueue(ctx, "import_work", nil, 0); err != nil {
		t.Fatal(err)
	}
	job, _ := q.Claim(ctx, "w1", nil)
	dead, err := q.Retry(ctx, job, errors.New("db gone"))
	if err != nil {
		t.Fatal(err)
	}
	if dead {
		t.Fatal("first failure must not be dead")
	}

	var stored models.Job
	db.First(&stored, "id = ?", job.ID)
	if stored.Status != StatusPending || stored.LastError != "db gone" {
		t.Errorf("stored = %+v", stored)
	}
	if !stored.RunAt.After(now.Add(59 * time.Second)) {
		t.Errorf("run_at = %v, want backoff of one minute", stored.RunAt)
	}

	now = now.Add(2 * time.Minute)
	job, _ = q.Claim(ctx, "w1", nil)
	if job == nil {
		t.Fatal("expected job after backoff")
	}
	dead, err = q.Retry(ctx, job, errors.New("still gone"))
	if err != nil {
		t.Fatal(err)
	}
	if !dead {
		t.Error("job should be dead after max attempts")
	}
}

func TestHasActive(t *testing.T) {
	db := testDB(t)
	q := New(db, Options{})
	ctx := context.Background()
	key := OwnerKey(models.OwnerImporter, 3)

	active, err := q.HasActive(ctx, "importer", key)
	if err != nil || active {
		t.Fatalf("HasActive before enqueue = %v, %v", active, err)
	}
	job, err := q.EnqueueFor(ctx, "importer", key, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if active, _ := q.HasActive(ctx, "importer", key); !active {
		t.Error("expected active job")
	}
	job, err = q.Claim(ctx, "w1", []string{"importer"})
	if err != nil || job == nil {
		t.Fatalf("Claim = %v, %v", job, err)
	}
	if active, _ := q.HasActive(ctx, "importer", key); !active {
		t.Error("running job must count as active")
	}
	if err := q.Finish(ctx, job); err != nil {
		t.Fatal(err)
	}
	if active, _ := q.HasActive(ctx, "importer", key); active {
		t.Error("finished job must not count as active")
	}
}

func TestReleaseStale(t *testing.T) {
	db := testDB(t)
	q := New(db, Options{})
	ctx := context.Background()
	if err := q.Enqueue(ctx, "import_work", nil, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Claim(ctx, "w1", nil); err != nil {
		t.Fatal(err)
	}
	n, err := q.ReleaseStale(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("released = %d", n)
	}
}

func TestReleaseStale_ReclaimedJobRejectsOldWorker(t *testing.T) {
	db := testDB(t)
	q := New(db, Options{})
	ctx := context.Background()
	if err := q.Enqueue(ctx, "importer", nil, 0); err != nil {
		t.Fatal(err)
	}
	first, err := q.Claim(ctx, "w-a", nil)
	if err != nil || first == nil {
		t.Fatalf("Claim(w-a) = %v, %v", first, err)
	}
	if n, err := q.ReleaseStale(ctx, time.Now().Add(time.Second)); err != nil || n != 1 {
		t.Fatalf("ReleaseStale = %d, %v", n, err)
	}
	second, err := q.Claim(ctx, "w-b", nil)
	if err != nil || second == nil || second.ID != first.ID {
		t.Fatalf("Claim(w-b) = %v, %v", second, err)
	}

	if err := q.Touch(ctx, first); !errors.Is(err, ErrLockLost) {
		t.Errorf("Touch(old claim) = %v, want ErrLockLost", err)
	}
	if err := q.Finish(ctx, first); !errors.Is(err, ErrLockLost) {
		t.Errorf("Finish(old claim) = %v, want ErrLockLost", err)
	}
	if _, err := q.Retry(ctx, first, errors.New("late")); !errors.Is(err, ErrLockLost) {
		t.Errorf("Retry(old claim) = %v, want ErrLockLost", err)
	}

	var stored models.Job
	db.First(&stored, "id = ?", first.ID)
	if stored.Status != StatusRunning || stored.LockedBy != "w-b" {
		t.Errorf("stored = %s locked by %q, want running under w-b", stored.Status, stored.LockedBy)
	}
	if err := q.Finish(ctx, second); err != nil {
		t.Errorf("Finish(current claim) = %v", err)
	}
}

func TestStartHeartbeat_KeepsLockFresh(t *testing.T) {
	db := testDB(t)
	q := New(db, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Enqueue(ctx, "importer", nil, 0); err != nil {
		t.Fatal(err)
	}
	job, err := q.Claim(ctx, "w-a", nil)
	if err != nil || job == nil {
		t.Fatalf("Claim = %v, %v", job, err)
	}
	claimedAt := *job.LockedAt

	beat := StartHeartbeat(ctx, q, job, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	select {
	case err := <-beat:
		t.Fatalf("heartbeat stopped: %v", err)
	default:
	}

	// a cutoff just after the claim only catches a lock nobody refreshed
	if n, err := q.ReleaseStale(ctx, claimedAt.Add(10*time.Millisecond)); err != nil || n != 0 {
		t.Errorf("ReleaseStale = %d, %v; want live job kept", n, err)
	}
}

func TestStartHeartbeat_ReportsLostLock(t *testing.T) {
	db := testDB(t)
	q := New(db, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Enqueue(ctx, "importer", nil, 0); err != nil {
		t.Fatal(err)
	}
	job, err := q.Claim(ctx, "w-a", nil)
	if err != nil || job == nil {
		t.Fatalf("Claim = %v, %v", job, err)
	}
	if err := db.Model(&models.Job{}).Where("id = ?", job.ID).Update("locked_by", "w-b").Error; err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-StartHeartbeat(ctx, q, job, 5*time.Millisecond):
		if !errors.Is(err, ErrLockLost) {
			t.Errorf("heartbeat error = %v, want ErrLockLost", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat did not report the lost lock")
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{10, time.Minute},
	}
	for _, tt := range tests {
		if got := Backoff(5*time.Second, time.Minute, tt.attempts); got != tt.want {
			t.Errorf("Backoff(attempts=%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestPool_DrainRetriesAndFinishes(t *testing.T) {
	db := testDB(t)
	q := New(db, Options{BackoffBase: time.Millisecond, BackoffMax: 5 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var calls, flaky atomic.Int32
	p := NewPool(q, PoolOptions{Concurrency: 3, PollInterval: 10 * time.Millisecond, Logger: logging.Discard()})
	p.Register("import_work", func(ctx context.Context, job *models.Job) error {
		calls.Add(1)
		return nil
	})
	p.Register("flaky", func(ctx context.Context, job *models.Job) error {
		if flaky.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	})
	p.Register("chain", func(ctx context.Context, job *models.Job) error {
		return q.Enqueue(ctx, "import_work", nil, 20*time.Millisecond)
	})

	for i := 0; i < 5; i++ {
		if err := q.Enqueue(ctx, "import_work", workArgs{EntryID: uint(i)}, 0); err != nil {
			t.Fatal(err)
		}
	}
	if err := q.Enqueue(ctx, "flaky", nil, 0); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(ctx, "chain", nil, 0); err != nil {
		t.Fatal(err)
	}

	if err := p.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	if ctx.Err() != nil {
		t.Fatal("drain timed out")
	}
	if got := calls.Load(); got != 6 {
		t.Errorf("import_work calls = %d, want 6", got)
	}
	if got := flaky.Load(); got != 2 {
		t.Errorf("flaky calls = %d, want 2", got)
	}
	if n, _ := q.Outstanding(ctx); n != 0 {
		t.Errorf("outstanding = %d", n)
	}
}

func TestPool_PanicMarksDead(t *testing.T) {
	db := testDB(t)
	q := New(db, Options{MaxAttempts: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p := NewPool(q, PoolOptions{Concurrency: 1, PollInterval: 10 * time.Millisecond, Logger: logging.Discard()})
	p.Register("boom", func(ctx context.Context, job *models.Job) error {
		panic("kaboom")
	})
	if err := q.Enqueue(ctx, "boom", nil, 0); err != nil {
		t.Fatal(err)
	}
	if err := p.Drain(ctx); err != nil {
		t.Fatal(err)
	}

	dead, err := q.List(ctx, StatusDead, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 1 || !strings.Contains(dead[0].LastError, "kaboom") {
		t.Errorf("dead jobs = %+v", dead)
	}
}

func TestPool_RunStopsOnCancel(t *testing.T) {
	db := testDB(t)
	p := NewPool(New(db, Options{}), PoolOptions{Concurrency: 2, PollInterval: 5 * time.Millisecond, Logger: logging.Discard()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestPool_LostLockCancelsHandler(t *testing.T) {
	db := testDB(t)
	q := New(db, Options{})
	p := NewPool(q, PoolOptions{
		Concurrency:       1,
		PollInterval:      5 * time.Millisecond,
		HeartbeatInterval: 5 * time.Millisecond,
		Logger:            logging.Discard(),
	})
	started := make(chan string, 1)
	stopped := make(chan error, 1)
	p.Register("importer", func(ctx context.Context, job *models.Job) error {
		started <- job.ID
		<-ctx.Done()
		stopped <- ctx.Err()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Enqueue(ctx, "importer", nil, 0); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	var id string
	select {
	case id = <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}
	// another worker takes the job over
	if err := db.Model(&models.Job{}).Where("id = ?", id).Update("locked_by", "w-other").Error; err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-stopped:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("handler ctx err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not cancelled after losing its lock")
	}
	cancel()
	<-done

	var stored models.Job
	db.First(&stored, "id = ?", id)
	if stored.Status != StatusRunning || stored.LockedBy != "w-other" {
		t.Errorf("stored = %s locked by %q, want untouched claim of w-other", stored.Status, stored.LockedBy)
	}
}
