package duckdb

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/tinytelemetry/gridfinder/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore("", 0)
	if err != nil {
		t.Fatalf("NewStore(\"\") failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

var base = time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC)

func detection(target string, found bool, x, y int, at time.Time) *model.DetectionRecord {
	return &model.DetectionRecord{
		Target:     target,
		IsFound:    found,
		Location:   30000 + int64(x+y),
		Time:       at.Format("15:04:05"),
		SessionID:  "s-" + target,
		ReceivedAt: at,
		X:          x,
		Y:          y,
		Located:    true,
	}
}

func insertTestRecords(t *testing.T, store *Store, records ...*model.DetectionRecord) {
	t.Helper()
	if err := store.InsertDetectionBatch(records); err != nil {
		t.Fatalf("InsertDetectionBatch failed: %v", err)
	}
}

func TestNewStore_OnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "gridfinder.duckdb")
	store, err := NewStore(path, time.Second)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()
	if store.DBPath() != path || store.QueryTimeout != time.Second {
		t.Errorf("store = path %q timeout %v", store.DBPath(), store.QueryTimeout)
	}
}

func TestInsertAndRecentDetections(t *testing.T) {
	store := newTestStore(t)

	first := detection("person", true, 0, 1, base)
	first.EventID = "e1"
	first.ObservedAt = base.Add(-time.Second)
	second := detection("person", false, 3, 3, base.Add(time.Minute))
	second.EventID = "e2"
	unlocated := &model.DetectionRecord{EventID: "e3", Target: "dog", Location: 5, Time: "?", ReceivedAt: base.Add(2 * time.Minute)}
	insertTestRecords(t, store, first, second, unlocated)

	total, err := store.TotalDetections("")
	if err != nil {
		t.Fatalf("TotalDetections: %v", err)
	}
	if total != 3 {
		t.Errorf("TotalDetections = %d, want 3", total)
	}
	if n, _ := store.TotalDetections("person"); n != 2 {
		t.Errorf("TotalDetections(person) = %d, want 2", n)
	}

	got, err := store.RecentDetections(10, "")
	if err != nil {
		t.Fatalf("RecentDetections: %v", err)
	}
	want := []model.DetectionRecord{*unlocated, *second, *first}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("RecentDetections mismatch (-want +got):\n%s", diff)
	}

	limited, err := store.RecentDetections(1, "person")
	if err != nil {
		t.Fatalf("RecentDetections limited: %v", err)
	}
	if len(limited) != 1 || limited[0].EventID != "e2" {
		t.Errorf("RecentDetections(1, person) = %+v", limited)
	}
}

func TestInsertDetectionBatch_SalvagesDuplicateEventIDs(t *testing.T) {
	store := newTestStore(t)

	a := detection("cat", true, 1, 1, base)
	a.EventID = "dup"
	b := detection("cat", false, 2, 2, base)
	b.EventID = "dup"
	c := detection("cat", false, 3, 3, base)
	c.EventID = "unique"

	if err := store.InsertDetectionBatch([]*model.DetectionRecord{a, b, c}); err != nil {
		t.Fatalf("InsertDetectionBatch: %v", err)
	}
	if n, _ := store.TotalDetections("cat"); n != 2 {
		t.Errorf("TotalDetections after salvage = %d, want 2", n)
	}
}

func TestTargetSummaries(t *testing.T) {
	store := newTestStore(t)
	insertTestRecords(t, store,
		detection("person", true, 1, 2, base),
		detection("person", false, 0, 0, base.Add(time.Second)),
		detection("person", true, 5, 3, base.Add(2*time.Second)),
		detection("person", false, 4, 4, base.Add(3*time.Second)),
		detection("dog", false, 7, 7, base.Add(4*time.Second)),
	)

	got, err := store.TargetSummaries()
	if err != nil {
		t.Fatalf("TargetSummaries: %v", err)
	}
	want := []model.TargetSummary{
		{Target: "dog", FoundCount: 0, NotFoundCount: 1, LastSeen: base.Add(4 * time.Second)},
		{Target: "person", FoundCount: 2, NotFoundCount: 2, LastSeen: base.Add(3 * time.Second), LastFound: &model.Coord{X: 5, Y: 3}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("TargetSummaries mismatch (-want +got):\n%s", diff)
	}
}

func TestFoundCells(t *testing.T) {
	store := newTestStore(t)
	insertTestRecords(t, store,
		detection("person", true, 1, 2, base),
		detection("person", true, 1, 2, base.Add(time.Second)),
		detection("person", true, 0, 0, base.Add(-time.Hour)),
		detection("person", false, 3, 3, base),
		detection("dog", true, 2, 0, base),
	)

	got, err := store.FoundCells("person", base.Add(-time.Minute))
	if err != nil {
		t.Fatalf("FoundCells: %v", err)
	}
	if diff := cmp.Diff([]model.Coord{{X: 1, Y: 2}}, got); diff != "" {
		t.Errorf("FoundCells(person) mismatch (-want +got):\n%s", diff)
	}

	all, err := store.FoundCells("", time.Time{})
	if err != nil {
		t.Fatalf("FoundCells all: %v", err)
	}
	want := []model.Coord{{X: 0, Y: 0}, {X: 2, Y: 0}, {X: 1, Y: 2}}
	if diff := cmp.Diff(want, all); diff != "" {
		t.Errorf("FoundCells(all) mismatch (-want +got):\n%s", diff)
	}
}

func TestDeleteBefore(t *testing.T) {
	store := newTestStore(t)
	insertTestRecords(t, store,
		detection("old", true, 0, 0, base.Add(-48*time.Hour)),
		detection("new", true, 0, 0, base),
	)

	n, err := store.DeleteBefore(base.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("DeleteBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("DeleteBefore removed %d rows, want 1", n)
	}
	if total, _ := store.TotalDetections(""); total != 1 {
		t.Errorf("remaining = %d, want 1", total)
	}
}

func TestExecuteQuery_SelectAllowed(t *testing.T) {
	store := newTestStore(t)
	insertTestRecords(t, store, detection("person", true, 1, 1, base))

	rows, err := store.ExecuteQuery("SELECT target, is_found FROM detections")
	if err != nil {
		t.Fatalf("ExecuteQuery: %v", err)
	}
	if len(rows) != 1 || rows[0]["target"] != "person" || rows[0]["is_found"] != true {
		t.Errorf("rows = %+v", rows)
	}
}

func TestExecuteQuery_WithAllowed(t *testing.T) {
	store := newTestStore(t)
	insertTestRecords(t, store, detection("person", true, 1, 1, base))

	rows, err := store.ExecuteQuery(`
		-- found per target
		WITH f AS (SELECT target FROM detections WHERE is_found)
		SELECT COUNT(*) AS n FROM f`)
	if err != nil {
		t.Fatalf("ExecuteQuery: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
}

func TestExecuteQuery_Rejected(t *testing.T) {
	store := newTestStore(t)

	tests := []struct {
		name  string
		query string
		want  string
	}{
		{"delete", "DELETE FROM detections", "only SELECT/WITH"},
		{"chained", "SELECT 1; DROP TABLE detections", "semicolons"},
		{"hidden in comment prefix", "/* SELECT */ DROP TABLE detections", "only SELECT/WITH"},
		{"copy", "SELECT * FROM detections WHERE 1=1 AND 0 = (COPY detections TO 'x.csv')", "COPY"},
		{"attach", "SELECT 1 FROM (ATTACH 'other.db')", "ATTACH"},
		{"pragma", "WITH x AS (PRAGMA database_list) SELECT * FROM x", "PRAGMA"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.ExecuteQuery(tt.query)
			if err == nil {
				t.Fatalf("ExecuteQuery(%q) should fail", tt.query)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestValidateReadOnly_NoFalsePositives(t *testing.T) {
	for _, q := range []string{
		"SELECT 'reset' AS word",
		"SELECT offset_value FROM (SELECT 1 AS offset_value)",
		"select * from detections -- DELETE later",
	} {
		if err := validateReadOnly(q); err != nil {
			t.Errorf("validateReadOnly(%q) = %v", q, err)
		}
	}
}

func TestTableRowCounts(t *testing.T) {
	store := newTestStore(t)
	insertTestRecords(t, store, detection("a", true, 0, 0, base), detection("b", false, 0, 0, base))

	counts, err := store.TableRowCounts()
	if err != nil {
		t.Fatalf("TableRowCounts: %v", err)
	}
	if counts["detections"] != 2 {
		t.Errorf("detections rows = %d, want 2", counts["detections"])
	}
	if _, ok := counts["schema_migrations"]; !ok {
		t.Error("schema_migrations missing from counts")
	}
	if !strings.Contains(store.GetSchemaDescription(), "detections") {
		t.Error("schema description does not mention detections")
	}
}

func TestSetMaxConcurrentQueries(t *testing.T) {
	store := newTestStore(t)
	store.SetMaxConcurrentQueries(2)
	insertTestRecords(t, store, detection("person", true, 0, 1, base))

	errs := make(chan error, 8)
	for i := 0; i < cap(errs); i++ {
		go func() {
			_, err := store.TotalDetections("")
			errs <- err
		}()
	}
	for i := 0; i < cap(errs); i++ {
		if err := <-errs; err != nil {
			t.Fatalf("TotalDetections under cap: %v", err)
		}
	}
	if got := store.db.Stats().MaxOpenConnections; got != 2 {
		t.Errorf("MaxOpenConnections = %d, want 2", got)
	}
}
