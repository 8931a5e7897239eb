package jobs_test

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"testing"
	"time"

	"northstar/internal/audit"
	"northstar/internal/bus"
	"northstar/internal/config"
	"northstar/internal/db"
	"northstar/internal/domain"
	"northstar/internal/jobs"
	"northstar/internal/migrate"
	"northstar/internal/queue"
)

type sentMail struct {
	To       string
	Template string
	Data     map[string]any
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentMail
}

func (s *recordingSender) Send(ctx context.Context, to, template string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMail{To: to, Template: template, Data: data})
	return nil
}

func (s *recordingSender) all() []sentMail {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentMail, len(s.sent))
	copy(out, s.sent)
	return out
}

type testEnv struct {
	Bus    *bus.Bus
	Queue  *queue.Manager
	Audit  audit.Recorder
	Sender *recordingSender
	Ctx    context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := config.Default()
	cfg.Jobs.PollInterval = "10ms"
	logger := log.New(testWriter{t}, "", 0)

	env := &testEnv{
		Bus:    bus.New(logger),
		Queue:  queue.NewManager(conn, cfg, logger),
		Audit:  audit.Recorder{DB: conn},
		Sender: &recordingSender{},
		Ctx:    context.Background(),
	}
	jobs.RegisterHandlers(env.Queue, env.Sender, env.Audit, logger)
	jobs.SubscribeEvents(env.Bus, env.Queue)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go env.Queue.Run(ctx)
	return env
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never met")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestIdempotencyKeys(t *testing.T) {
	if got := jobs.SubmittedKey("req-1"); got != "email-submitted-req-1" {
		t.Fatalf("submitted key = %q", got)
	}
	if got := jobs.CompletedKey("req-1"); got != "email-completed-req-1" {
		t.Fatalf("completed key = %q", got)
	}
	day := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	if got := jobs.CleanupKey(day); got != "audit-cleanup-2026-03-01" {
		t.Fatalf("cleanup key = %q", got)
	}
}

func TestSubmittedEventSendsExactlyOneEmail(t *testing.T) {
	env := newTestEnv(t)
	ev := domain.RequestEvent{RequestID: "req-1", OwnerID: "cust-1", OwnerEmail: "cust@example.com"}

	// A duplicate publish must not produce a second email.
	env.Bus.Publish(env.Ctx, domain.EventRequestSubmitted, ev)
	env.Bus.Publish(env.Ctx, domain.EventRequestSubmitted, ev)

	waitFor(t, func() bool { return len(env.Sender.all()) >= 1 })
	time.Sleep(100 * time.Millisecond)

	sent := env.Sender.all()
	if len(sent) != 1 {
		t.Fatalf("sent %d emails, want 1", len(sent))
	}
	if sent[0].To != "cust@example.com" {
		t.Fatalf("recipient = %q", sent[0].To)
	}
	if sent[0].Data["request_id"] != "req-1" {
		t.Fatalf("data = %v", sent[0].Data)
	}

	if got := env.Queue.Stats.Deduped.Load(); got < 1 {
		t.Fatalf("deduped counter = %d, want >= 1", got)
	}
}

func TestMissingOwnerEmailFallsBack(t *testing.T) {
	env := newTestEnv(t)
	env.Bus.Publish(env.Ctx, domain.EventRequestCompleted, domain.RequestEvent{RequestID: "req-2", OwnerID: "cust-2"})

	waitFor(t, func() bool { return len(env.Sender.all()) >= 1 })
	sent := env.Sender.all()
	if sent[0].To != "customer@example.com" {
		t.Fatalf("fallback recipient = %q", sent[0].To)
	}
}

func TestResponseReceivedEmailsPerEvent(t *testing.T) {
	env := newTestEnv(t)
	ev := domain.RequestEvent{RequestID: "req-3", OwnerID: "cust-1", OwnerEmail: "cust@example.com"}

	// Response notifications carry no idempotency key: every response is its
	// own email.
	env.Bus.Publish(env.Ctx, domain.EventResponseReceived, ev)
	env.Bus.Publish(env.Ctx, domain.EventResponseReceived, ev)

	waitFor(t, func() bool { return len(env.Sender.all()) >= 2 })
}

func TestMaintenanceCleanupDeletesOldAuditRecords(t *testing.T) {
	env := newTestEnv(t)

	old := audit.Recorder{DB: env.Audit.DB, Now: func() time.Time {
		return time.Now().UTC().AddDate(0, 0, -40)
	}}
	if err := old.Record(env.Ctx, nil, "sys", audit.ActionCreate, audit.ResourceUser, "u-old", nil); err != nil {
		t.Fatalf("seed old record: %v", err)
	}
	if err := env.Audit.Record(env.Ctx, nil, "sys", audit.ActionCreate, audit.ResourceUser, "u-new", nil); err != nil {
		t.Fatalf("seed fresh record: %v", err)
	}

	_, enqueued, err := env.Queue.Enqueue(env.Ctx, config.QueueMaintenance, jobs.CleanupKey(time.Now()), jobs.CleanupJob{RetentionDays: 30})
	if err != nil || !enqueued {
		t.Fatalf("enqueue cleanup: enqueued=%v err=%v", enqueued, err)
	}

	waitFor(t, func() bool {
		records, total, err := env.Audit.List(env.Ctx, audit.Filter{Resource: audit.ResourceUser})
		if err != nil {
			t.Fatalf("list audit: %v", err)
		}
		return total == 1 && len(records) == 1 && records[0].ResourceID == "u-new"
	})
}

func TestMaintenanceRejectsBadRetention(t *testing.T) {
	h := jobs.MaintenanceHandler(audit.Recorder{}, nil)
	payload, _ := json.Marshal(jobs.CleanupJob{RetentionDays: 0})
	err := h(context.Background(), domain.Job{PayloadJSON: string(payload)})
	if err == nil {
		t.Fatal("retention below one day must be rejected")
	}
}
