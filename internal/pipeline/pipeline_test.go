package pipeline

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/notch8/bulkrax/internal/archive"
	"github.com/notch8/bulkrax/internal/config"
	"github.com/notch8/bulkrax/internal/db"
	"github.com/notch8/bulkrax/internal/entry"
	"github.com/notch8/bulkrax/internal/failure"
	"github.com/notch8/bulkrax/internal/models"
	"github.com/notch8/bulkrax/internal/notify"
	"github.com/notch8/bulkrax/internal/parser"
	"github.com/notch8/bulkrax/internal/queue"
	"github.com/notch8/bulkrax/internal/run"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Summary
}

func (r *recordingNotifier) Notify(_ context.Context, s notify.Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, s)
	return nil
}

func (r *recordingNotifier) summaries() []notify.Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Summary(nil), r.sent...)
}

type harness struct {
	db       *gorm.DB
	cfg      *config.Config
	p        *Pipeline
	pool     *queue.Pool
	notifier *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Workers.RescheduleDelay = 0
	cfg.Workers.RelationshipDelay = 0
	cfg.Workers.BackoffBase = 10 * time.Millisecond
	cfg.Workers.BackoffMax = 10 * time.Millisecond
	cfg.Paths.Import = filepath.Join(t.TempDir(), "imports")
	cfg.Paths.Export = filepath.Join(t.TempDir(), "exports")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	n := &recordingNotifier{}
	p, err := New(Deps{DB: gdb, Config: cfg, Notifier: n, Logger: log})
	if err != nil {
		t.Fatal(err)
	}
	pool := queue.NewPool(p.Queue(), queue.PoolOptions{
		Concurrency:  2,
		PollInterval: 5 * time.Millisecond,
		Logger:       log,
		Name:         "test",
	})
	p.Register(pool)
	return &harness{db: gdb, cfg: cfg, p: p, pool: pool, notifier: n}
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := h.pool.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("drain timed out")
	}
}

func (h *harness) importer(t *testing.T, name, csvBody string) *models.Importer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "import.csv")
	if err := os.WriteFile(path, []byte(csvBody), 0o644); err != nil {
		t.Fatal(err)
	}
	imp, err := SaveImporter(h.db, &config.ImporterDef{
		Name:         name,
		Format:       parser.FormatCSV,
		User:         "admin",
		ParserFields: config.ParserFields{ImportFilePath: path, Visibility: "open"},
	}, time.Now())
	if err != nil {
		t.Fatalf("SaveImporter: %v", err)
	}
	return imp
}

func (h *harness) count(t *testing.T, model any, query string, args ...any) int64 {
	t.Helper()
	var n int64
	if err := h.db.Model(model).Where(query, args...).Count(&n).Error; err != nil {
		t.Fatal(err)
	}
	return n
}

const twoWorks = "source_identifier,title,creator,collection\n" +
	"w1,First map,Ames,Maps\n" +
	"w2,Second map,Burke,Maps\n"

func TestImport_EndToEnd(t *testing.T) {
	h := newHarness(t)
	imp := h.importer(t, "maps", twoWorks)

	started, err := h.p.StartImport(context.Background(), imp.ID, false)
	if err != nil || !started {
		t.Fatalf("StartImport = %v, %v", started, err)
	}
	again, err := h.p.StartImport(context.Background(), imp.ID, false)
	if err != nil || again {
		t.Fatalf("second StartImport = %v, %v; want skipped", again, err)
	}
	h.drain(t)

	r, err := run.Latest(h.db, imp.ID, models.OwnerImporter)
	if err != nil || r == nil {
		t.Fatalf("Latest = %v, %v", r, err)
	}
	if r.Total != 2 || r.Processed != 2 || r.Failed != 0 || r.Enqueued != 0 {
		t.Errorf("run counters = total %d processed %d failed %d enqueued %d", r.Total, r.Processed, r.Failed, r.Enqueued)
	}
	if r.TotalCollections != 1 || r.ProcessedCollections != 1 {
		t.Errorf("collection counters = %d/%d", r.ProcessedCollections, r.TotalCollections)
	}
	if r.Status != models.RunComplete || r.CompletedAt == nil {
		t.Errorf("run status = %q completed_at = %v", r.Status, r.CompletedAt)
	}

	if n := h.count(t, &models.Object{}, "model = ?", entry.CollectionModel); n != 1 {
		t.Errorf("collections created = %d, want 1", n)
	}
	if n := h.count(t, &models.Object{}, "model = ?", entry.DefaultWorkType); n != 2 {
		t.Errorf("works created = %d, want 2", n)
	}
	if n := h.count(t, &models.Membership{}, "kind = ?", models.MemberCollection); n != 2 {
		t.Errorf("collection memberships = %d, want 2", n)
	}
	if n := h.count(t, &models.Entry{}, "status = ?", models.EntrySucceeded); n != 3 {
		t.Errorf("succeeded entries = %d, want 3", n)
	}

	var stored models.Importer
	h.db.First(&stored, imp.ID)
	if stored.Status != models.StatusComplete || stored.LastImportedAt == nil {
		t.Errorf("importer status = %q last_imported_at = %v", stored.Status, stored.LastImportedAt)
	}

	sent := h.notifier.summaries()
	if len(sent) != 1 || sent[0].Name != "maps" || sent[0].Processed != 2 {
		t.Errorf("notifications = %+v", sent)
	}
}

func TestImport_ReimportIsIdempotent(t *testing.T) {
	h := newHarness(t)
	imp := h.importer(t, "maps", twoWorks)
	ctx := context.Background()

	if _, err := h.p.StartImport(ctx, imp.ID, false); err != nil {
		t.Fatal(err)
	}
	h.drain(t)

	// change one title, then import again
	var fields config.ParserFields
	if err := json.Unmarshal(imp.ParserFields, &fields); err != nil {
		t.Fatal(err)
	}
	revised := strings.Replace(twoWorks, "Second map", `"Second map, revised"`, 1)
	if err := os.WriteFile(fields.ImportFilePath, []byte(revised), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := h.p.StartImport(ctx, imp.ID, false); err != nil {
		t.Fatal(err)
	}
	h.drain(t)

	if n := h.count(t, &models.Entry{}, "owner_id = ? AND owner_kind = ?", imp.ID, models.OwnerImporter); n != 3 {
		t.Errorf("entries = %d, want 3", n)
	}
	if n := h.count(t, &models.Object{}, "1 = 1"); n != 3 {
		t.Errorf("objects = %d, want 3", n)
	}
	e, err := entry.Lookup(h.db, imp.ID, models.OwnerImporter, "w2")
	if err != nil || e == nil {
		t.Fatalf("Lookup = %v, %v", e, err)
	}
	rec, err := entry.Record(e)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Fields["title"] != "Second map, revised" {
		t.Errorf("raw title = %q", rec.Fields["title"])
	}
	runs, _ := run.List(h.db, imp.ID, models.OwnerImporter)
	if len(runs) != 2 {
		t.Fatalf("runs = %d, want 2", len(runs))
	}
	for _, r := range runs {
		if r.Processed != 2 || r.Status != models.RunComplete {
			t.Errorf("run %d processed %d status %q", r.ID, r.Processed, r.Status)
		}
	}
}

func TestImport_MissingRequiredColumn(t *testing.T) {
	h := newHarness(t)
	imp := h.importer(t, "broken", "source_identifier,creator\nw1,Ames\n")

	if _, err := h.p.StartImport(context.Background(), imp.ID, false); err != nil {
		t.Fatal(err)
	}
	h.drain(t)

	if n := h.count(t, &models.Entry{}, "owner_id = ?", imp.ID); n != 0 {
		t.Errorf("entries = %d, want 0", n)
	}
	if n := h.count(t, &models.Job{}, "kind = ?", KindImportWork); n != 0 {
		t.Errorf("work jobs = %d, want 0", n)
	}
	var stored models.Importer
	h.db.First(&stored, imp.ID)
	if stored.Status != models.StatusFailed || stored.LastErrorClass != "ConfigurationError" {
		t.Errorf("importer status = %q class = %q", stored.Status, stored.LastErrorClass)
	}
	if !strings.Contains(stored.LastErrorMessage, "Missing required elements") {
		t.Errorf("message = %q", stored.LastErrorMessage)
	}
	r, _ := run.Latest(h.db, imp.ID, models.OwnerImporter)
	if r != nil {
		t.Errorf("run = %+v, want none", r)
	}
}

func TestImport_BlankRequiredValue(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"blank title", "source_identifier,title\nw1,First\nw2,\n"},
		{"blank identifier", "source_identifier,title\nw1,One\n,Orphan\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			imp := h.importer(t, "gaps", tt.body)

			if _, err := h.p.StartImport(context.Background(), imp.ID, false); err != nil {
				t.Fatal(err)
			}
			h.drain(t)

			if n := h.count(t, &models.Entry{}, "owner_id = ?", imp.ID); n != 0 {
				t.Errorf("entries = %d, want 0", n)
			}
			if n := h.count(t, &models.Job{}, "kind = ?", KindImportWork); n != 0 {
				t.Errorf("work jobs = %d, want 0", n)
			}
			var stored models.Importer
			h.db.First(&stored, imp.ID)
			if stored.Status != models.StatusFailed || stored.LastErrorClass != "ConfigurationError" {
				t.Errorf("importer status = %q class = %q", stored.Status, stored.LastErrorClass)
			}
			if r, _ := run.Latest(h.db, imp.ID, models.OwnerImporter); r != nil {
				t.Errorf("run = %+v, want none", r)
			}
		})
	}
}

func TestCreateWorks_EnqueuesOneBuildPerRecord(t *testing.T) {
	h := newHarness(t)
	imp := h.importer(t, "maps", "source_identifier,title\n"+
		"w1,One\n"+
		"w2,Two\n"+
		"w1,One again\n"+
		"w3,Three\n")
	ctx := context.Background()

	loaded, err := h.p.LoadImporter(imp.ID)
	if err != nil {
		t.Fatal(err)
	}
	r, err := run.Start(h.db, imp.ID, models.OwnerImporter, 4)
	if err != nil {
		t.Fatal(err)
	}
	n, err := loaded.CreateWorks(ctx, r, false)
	if err != nil {
		t.Fatalf("CreateWorks: %v", err)
	}
	if n != 3 {
		t.Errorf("enqueued = %d, want 3", n)
	}
	if jobs := h.count(t, &models.Job{}, "kind = ? AND status = ?", KindImportWork, queue.StatusPending); jobs != 3 {
		t.Errorf("import_work jobs = %d, want 3", jobs)
	}
	got, err := run.Get(h.db, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Enqueued != 3 || got.Total != 3 || got.Processed != 0 || got.CompletedAt != nil {
		t.Errorf("run = enqueued %d total %d processed %d completed %v", got.Enqueued, got.Total, got.Processed, got.CompletedAt)
	}
	if entries := h.count(t, &models.Entry{}, "owner_id = ? AND run_id = ?", imp.ID, r.ID); entries != 3 {
		t.Errorf("entries tagged with run = %d, want 3", entries)
	}

	h.drain(t)
	got, _ = run.Get(h.db, r.ID)
	if got.Enqueued != 0 || got.Processed != 3 || got.Status != models.RunComplete {
		t.Errorf("after drain = enqueued %d processed %d status %q", got.Enqueued, got.Processed, got.Status)
	}
}

func TestImport_JobMix(t *testing.T) {
	h := newHarness(t)
	imp := h.importer(t, "maps", twoWorks)

	if _, err := h.p.StartImport(context.Background(), imp.ID, false); err != nil {
		t.Fatal(err)
	}
	h.drain(t)

	tests := []struct {
		kind string
		want int64
	}{
		{KindImporter, 1},
		{KindImportWork, 2},
		{KindRelationships, 1},
		// collections build inline before any work job runs
		{KindImportCollection, 0},
	}
	for _, tt := range tests {
		if n := h.count(t, &models.Job{}, "kind = ?", tt.kind); n != tt.want {
			t.Errorf("%s jobs = %d, want %d", tt.kind, n, tt.want)
		}
	}
	if n := h.count(t, &models.Job{}, "status <> ?", queue.StatusDone); n != 0 {
		t.Errorf("unfinished jobs = %d", n)
	}
	r, _ := run.Latest(h.db, imp.ID, models.OwnerImporter)
	if r.TotalCollections != 1 || r.ProcessedCollections != 1 || r.Processed != 2 {
		t.Errorf("run = collections %d/%d works %d", r.ProcessedCollections, r.TotalCollections, r.Processed)
	}
}

// claimOne claims the only due job of kind.
func claimOne(t *testing.T, q *queue.Queue, kind string) *models.Job {
	t.Helper()
	job, err := q.Claim(context.Background(), "test", []string{kind})
	if err != nil || job == nil {
		t.Fatalf("Claim(%s) = %v, %v", kind, job, err)
	}
	return job
}

func TestHandleImportEntry_DependencyNotReady(t *testing.T) {
	h := newHarness(t)
	h.cfg.Workers.MaxDependencyRetries = 1
	imp := h.importer(t, "orphans", twoWorks)
	ctx := context.Background()

	r, err := run.Start(h.db, imp.ID, models.OwnerImporter, 1)
	if err != nil {
		t.Fatal(err)
	}
	run.RecordEnqueued(h.db, r.ID, 1)
	e, err := entry.FindOrCreate(h.db, imp.ID, models.OwnerImporter, models.EntryWork, parser.Record{
		Identifier:  "w9",
		Fields:      map[string]string{"source_identifier": "w9", "title": "Lost"},
		Collections: []string{"Ghost"},
	})
	if err != nil {
		t.Fatal(err)
	}
	q := h.p.Queue()
	if err := q.Enqueue(ctx, KindImportWork, EntryArgs{EntryID: e.ID, RunID: r.ID}, 0); err != nil {
		t.Fatal(err)
	}

	job := claimOne(t, q, KindImportWork)
	if err := h.p.handleImportEntry(ctx, job); err != nil {
		t.Fatalf("handleImportEntry: %v", err)
	}
	q.Finish(ctx, job)

	again := claimOne(t, q, KindImportWork)
	var args EntryArgs
	if err := queue.DecodeArgs(again, &args); err != nil {
		t.Fatal(err)
	}
	if args.EntryID != e.ID || args.RunID != r.ID || args.Retries != 1 {
		t.Errorf("rescheduled args = %+v", args)
	}
	waiting, _ := entry.Get(h.db, e.ID)
	if waiting.Status != models.EntryWaiting {
		t.Errorf("status after reschedule = %q", waiting.Status)
	}
	pending, err := run.Get(h.db, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if pending.Failed != 0 || pending.Processed != 0 || pending.Enqueued != 1 || pending.CompletedAt != nil {
		t.Errorf("run after reschedule = failed %d processed %d enqueued %d completed %v",
			pending.Failed, pending.Processed, pending.Enqueued, pending.CompletedAt)
	}
	if n := h.count(t, &models.Entry{}, "owner_id = ?", imp.ID); n != 1 {
		t.Errorf("entries after reschedule = %d, want 1", n)
	}

	// retries exhausted: the entry fails and the run completes
	if err := h.p.handleImportEntry(ctx, again); err != nil {
		t.Fatalf("handleImportEntry: %v", err)
	}
	failed, _ := entry.Get(h.db, e.ID)
	if failed.Status != models.EntryFailed || failed.ErrorClass != "DependencyNotReady" {
		t.Errorf("entry = %q %q", failed.Status, failed.ErrorClass)
	}
	got, _ := run.Get(h.db, r.ID)
	if got.Failed != 1 || got.Status != models.RunCompleteWithFailures {
		t.Errorf("run failed = %d status = %q", got.Failed, got.Status)
	}
}

func TestRelationships_WireChildren(t *testing.T) {
	h := newHarness(t)
	h.cfg.Workers.MaxDependencyRetries = -1
	imp := h.importer(t, "family", "source_identifier,title,children\n"+
		"p1,Parent,c1|c2|missing\n"+
		"c1,Child one,\n"+
		"c2,Child two,\n")

	h.p.StartImport(context.Background(), imp.ID, false)
	h.drain(t)

	parent, _ := entry.Lookup(h.db, imp.ID, models.OwnerImporter, "p1")
	if parent == nil || parent.ObjectID == "" {
		t.Fatalf("parent = %+v", parent)
	}
	children, err := h.p.d.Store.ChildrenOf(context.Background(), parent.ObjectID)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 2 || children[0].SystemIdentifier != "c1" || children[1].SystemIdentifier != "c2" {
		t.Errorf("children = %+v", children)
	}
}

func TestExport_EndToEnd(t *testing.T) {
	h := newHarness(t)
	imp := h.importer(t, "maps", twoWorks)
	ctx := context.Background()
	h.p.StartImport(ctx, imp.ID, false)
	h.drain(t)

	ex, err := SaveExporter(h.db, &config.ExporterDef{
		Name:         "maps export",
		Format:       "csv",
		ExportFrom:   "importer",
		ExportSource: "maps",
		ExportType:   entry.ExportMetadata,
	})
	if err != nil {
		t.Fatal(err)
	}
	if started, err := h.p.StartExport(ctx, ex.ID); err != nil || !started {
		t.Fatalf("StartExport = %v, %v", started, err)
	}
	h.drain(t)

	if n := h.count(t, &models.Entry{}, "owner_id = ? AND owner_kind = ?", ex.ID, models.OwnerExporter); n != 2 {
		t.Errorf("export entries = %d, want 2", n)
	}
	var stored models.Exporter
	h.db.First(&stored, ex.ID)
	if stored.Status != models.StatusComplete || stored.ArtifactPath == "" {
		t.Fatalf("exporter = %q %q (%s)", stored.Status, stored.ArtifactPath, stored.LastErrorMessage)
	}

	data, err := archive.ReadFile(stored.ArtifactPath, CSVName)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header + 2", len(rows))
	}
	header := rows[0]
	if header[0] != "id" || header[1] != "model" || header[len(header)-1] != "file" {
		t.Errorf("header = %v", header)
	}
	col := -1
	for i, name := range header {
		if name == "collection" {
			col = i
		}
	}
	if col < 0 || rows[1][col] != "Maps" {
		t.Errorf("collection column missing or wrong in %v", rows)
	}

	sent := h.notifier.summaries()
	last := sent[len(sent)-1]
	if last.OwnerKind != models.OwnerExporter || last.Artifact != stored.ArtifactPath {
		t.Errorf("export notification = %+v", last)
	}
}

func TestExport_UnknownImporterSource(t *testing.T) {
	h := newHarness(t)
	ex, err := SaveExporter(h.db, &config.ExporterDef{
		Name: "nothing", Format: "csv", ExportFrom: "importer", ExportSource: "ghost", ExportType: "metadata",
	})
	if err != nil {
		t.Fatal(err)
	}
	x, err := h.p.LoadExporter(ex.ID)
	if err != nil {
		t.Fatal(err)
	}
	_, err = x.Export(context.Background())
	if failure.Classify(err) != failure.KindConfiguration {
		t.Fatalf("err = %v, want configuration error", err)
	}
	var stored models.Exporter
	h.db.First(&stored, ex.ID)
	if stored.Status != models.StatusFailed {
		t.Errorf("status = %q", stored.Status)
	}
}

func TestWriteErrors(t *testing.T) {
	mk := func(id uint, rec parser.Record, msg string) models.Entry {
		raw, _ := json.Marshal(rec)
		e := models.Entry{ID: id, Identifier: rec.Identifier, RawMetadata: raw}
		e.MarkFailed(time.Now(), "ValidationError", msg, "")
		return e
	}
	entries := []models.Entry{
		mk(1, parser.Record{Identifier: "w1", Fields: map[string]string{"source_identifier": "w1", "title": ""}}, "title is required"),
		mk(2, parser.Record{Identifier: "w2", Fields: map[string]string{"source_identifier": "w2", "creator": "Ames"}}, "title is required"),
		mk(3, parser.Record{Identifier: "oai:1", XML: "<record/>"}, "bad xml"),
	}

	var buf bytes.Buffer
	if err := WriteErrors(&buf, entries); err != nil {
		t.Fatal(err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"creator", "source_identifier", "title", "error_class", "error_message"}
	if strings.Join(rows[0], ",") != strings.Join(want, ",") {
		t.Errorf("header = %v, want %v", rows[0], want)
	}
	if len(rows) != 4 {
		t.Fatalf("rows = %d", len(rows))
	}
	if rows[2][0] != "Ames" || rows[3][1] != "oai:1" || rows[3][4] != "bad xml" {
		t.Errorf("rows = %v", rows)
	}
}

func TestFailedWorks(t *testing.T) {
	h := newHarness(t)
	for i, rec := range []parser.Record{{Identifier: "a"}, {Identifier: "b"}, {Identifier: "c"}} {
		e, err := entry.FindOrCreate(h.db, 1, models.OwnerImporter, models.EntryWork, rec)
		if err != nil {
			t.Fatal(err)
		}
		if i < 2 {
			e.RunID = uint(i + 1)
			entry.Fail(e, time.Now(), failure.Validation("title", "is required"))
			entry.Save(h.db, e)
		}
	}
	all, err := FailedWorks(h.db, 1, 0)
	if err != nil || len(all) != 2 {
		t.Fatalf("FailedWorks(all) = %d, %v", len(all), err)
	}
	one, err := FailedWorks(h.db, 1, 2)
	if err != nil || len(one) != 1 || one[0].Identifier != "b" {
		t.Fatalf("FailedWorks(run 2) = %+v, %v", one, err)
	}
}

func TestImporterModel(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	m, err := ImporterModel(&config.ImporterDef{Name: "nightly", Format: "csv", Frequency: "0 2 * * *"}, now)
	if err != nil {
		t.Fatal(err)
	}
	if m.NextImportAt == nil || !m.NextImportAt.Equal(time.Date(2026, 1, 2, 2, 0, 0, 0, time.UTC)) {
		t.Errorf("NextImportAt = %v", m.NextImportAt)
	}
	if _, err := ImporterModel(&config.ImporterDef{Name: "bad", Frequency: "nope"}, now); err == nil {
		t.Error("expected error for bad frequency")
	}
}
