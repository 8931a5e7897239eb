package audit_test

import (
	"context"
	"testing"
	"time"

	"northstar/internal/audit"
	"northstar/internal/db"
	"northstar/internal/migrate"
)

func newRecorder(t *testing.T) audit.Recorder {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return audit.Recorder{DB: conn}
}

func TestRecordAndList(t *testing.T) {
	r := newRecorder(t)
	ctx := context.Background()

	if err := r.Record(ctx, nil, "actor-1", audit.ActionCreate, audit.ResourceServiceRequest, "req-1", nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := r.Record(ctx, nil, "actor-1", audit.ActionUpdateStatus, audit.ResourceServiceRequest, "req-1", map[string]any{"from": "DRAFT", "to": "SUBMITTED"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := r.Record(ctx, nil, "actor-2", audit.ActionCreate, audit.ResourceUser, "u-1", nil); err != nil {
		t.Fatalf("record: %v", err)
	}

	records, total, err := r.List(ctx, audit.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(records) != 3 {
		t.Fatalf("list: %d records, total %d", len(records), total)
	}
	// Newest first.
	if records[0].Resource != audit.ResourceUser {
		t.Fatalf("first record = %+v", records[0])
	}

	records, total, err = r.List(ctx, audit.Filter{ActorID: "actor-1", Action: audit.ActionUpdateStatus})
	if err != nil {
		t.Fatalf("filtered list: %v", err)
	}
	if total != 1 || records[0].MetadataJSON == nil {
		t.Fatalf("filtered: total=%d record=%+v", total, records[0])
	}

	records, total, err = r.List(ctx, audit.Filter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("paged list: %v", err)
	}
	if total != 3 || len(records) != 1 {
		t.Fatalf("paged: %d records, total %d", len(records), total)
	}
}

func TestDeleteOlderThan(t *testing.T) {
	r := newRecorder(t)
	ctx := context.Background()

	old := r
	old.Now = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := old.Record(ctx, nil, "sys", audit.ActionCreate, audit.ResourceUser, "ancient", nil); err != nil {
		t.Fatalf("seed old: %v", err)
	}
	if err := r.Record(ctx, nil, "sys", audit.ActionCreate, audit.ResourceUser, "fresh", nil); err != nil {
		t.Fatalf("seed fresh: %v", err)
	}

	n, err := r.DeleteOlderThan(ctx, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted %d, want 1", n)
	}
	records, total, err := r.List(ctx, audit.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || records[0].ResourceID != "fresh" {
		t.Fatalf("survivors = %+v", records)
	}
}
