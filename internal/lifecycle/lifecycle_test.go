package lifecycle_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"northstar/internal/audit"
	"northstar/internal/bus"
	"northstar/internal/db"
	"northstar/internal/domain"
	"northstar/internal/lifecycle"
	"northstar/internal/migrate"
	"northstar/internal/repo"
)

type testEnv struct {
	Engine lifecycle.Engine
	Bus    *bus.Bus
	Ctx    context.Context

	mu     sync.Mutex
	events []publishedEvent
}

type publishedEvent struct {
	Name    string
	Payload domain.RequestEvent
}

func (env *testEnv) published() []publishedEvent {
	env.mu.Lock()
	defer env.mu.Unlock()
	out := make([]publishedEvent, len(env.events))
	copy(out, env.events)
	return out
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

	b := bus.New(nil)
	env := &testEnv{Bus: b, Ctx: context.Background()}
	capture := func(name string) bus.Handler {
		return func(ctx context.Context, payload any) error {
			ev, _ := payload.(domain.RequestEvent)
			env.mu.Lock()
			env.events = append(env.events, publishedEvent{Name: name, Payload: ev})
			env.mu.Unlock()
			return nil
		}
	}
	b.Subscribe(domain.EventRequestSubmitted, capture(domain.EventRequestSubmitted))
	b.Subscribe(domain.EventRequestCompleted, capture(domain.EventRequestCompleted))
	b.Subscribe(domain.EventResponseReceived, capture(domain.EventResponseReceived))

	eng := lifecycle.New(conn, b)
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	env.Engine = eng

	seedUser(t, eng.Repo, "cust-1", "cust@example.com", domain.RoleCustomer)
	seedUser(t, eng.Repo, "cust-2", "other@example.com", domain.RoleCustomer)
	seedUser(t, eng.Repo, "staff-1", "staff@example.com", domain.RoleStaff)
	seedUser(t, eng.Repo, "prov-1", "prov@example.com", domain.RoleProvider)
	return env
}

func seedUser(t *testing.T, r repo.Repo, id, email string, role domain.Role) {
	t.Helper()
	err := r.InsertUser(context.Background(), domain.User{
		ID:        id,
		Email:     email,
		Role:      role,
		Status:    "ACTIVE",
		CreatedAt: "2026-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("seed user %s: %v", id, err)
	}
}

func createRequest(t *testing.T, env *testEnv, owner string) domain.ServiceRequest {
	t.Helper()
	req, err := env.Engine.Create(env.Ctx, lifecycle.CreateOptions{
		OwnerID:  owner,
		Title:    "Fix leaking sink",
		Priority: 2,
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	return req
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name string
		opts lifecycle.CreateOptions
	}{
		{"missing title", lifecycle.CreateOptions{OwnerID: "cust-1"}},
		{"missing owner", lifecycle.CreateOptions{Title: "x"}},
		{"priority too high", lifecycle.CreateOptions{OwnerID: "cust-1", Title: "x", Priority: 99}},
		{"priority too low", lifecycle.CreateOptions{OwnerID: "cust-1", Title: "x", Priority: -1}},
		{"unknown owner", lifecycle.CreateOptions{OwnerID: "nobody", Title: "x"}},
	}
	for _, tc := range cases {
		_, err := env.Engine.Create(env.Ctx, tc.opts)
		var verr lifecycle.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("%s: expected validation error, got %v", tc.name, err)
		}
	}
}

func TestCreateStartsAsDraft(t *testing.T) {
	env := newTestEnv(t)
	req := createRequest(t, env, "cust-1")
	if req.Status != domain.StatusDraft {
		t.Fatalf("new request status = %s, want DRAFT", req.Status)
	}
	if req.SubmittedAt != nil {
		t.Fatalf("new request must not have submitted_at")
	}
	if len(env.published()) != 0 {
		t.Fatalf("creation must not publish events")
	}
}

func TestFullLifecyclePath(t *testing.T) {
	env := newTestEnv(t)
	req := createRequest(t, env, "cust-1")

	steps := []struct {
		to    domain.Status
		actor string
		role  domain.Role
	}{
		{domain.StatusSubmitted, "cust-1", domain.RoleCustomer},
		{domain.StatusInReview, "staff-1", domain.RoleStaff},
		{domain.StatusAccepted, "staff-1", domain.RoleStaff},
		{domain.StatusInProgress, "staff-1", domain.RoleStaff},
		{domain.StatusCompleted, "staff-1", domain.RoleStaff},
	}
	for _, s := range steps {
		var err error
		req, err = env.Engine.Transition(env.Ctx, req.ID, s.to, s.actor, s.role)
		if err != nil {
			t.Fatalf("to %s: %v", s.to, err)
		}
		if req.Status != s.to {
			t.Fatalf("status = %s, want %s", req.Status, s.to)
		}
	}

	// Terminal: nothing moves out of COMPLETED.
	_, err := env.Engine.Transition(env.Ctx, req.ID, domain.StatusCancelled, "staff-1", domain.RoleStaff)
	var terr lifecycle.InvalidTransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected invalid transition out of COMPLETED, got %v", err)
	}
}

func TestInvalidTransitions(t *testing.T) {
	env := newTestEnv(t)
	req := createRequest(t, env, "cust-1")

	for _, to := range []domain.Status{domain.StatusDraft, domain.StatusInReview, domain.StatusCompleted} {
		_, err := env.Engine.Transition(env.Ctx, req.ID, to, "staff-1", domain.RoleAdmin)
		var terr lifecycle.InvalidTransitionError
		if !errors.As(err, &terr) {
			t.Errorf("DRAFT -> %s: expected invalid transition, got %v", to, err)
		}
	}

	_, err := env.Engine.Transition(env.Ctx, req.ID, "BOGUS", "staff-1", domain.RoleAdmin)
	var verr lifecycle.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("unknown status: expected validation error, got %v", err)
	}
}

func TestSubmitIsOwnerOnly(t *testing.T) {
	env := newTestEnv(t)
	req := createRequest(t, env, "cust-1")

	_, err := env.Engine.Transition(env.Ctx, req.ID, domain.StatusSubmitted, "cust-2", domain.RoleCustomer)
	var ferr lifecycle.ForbiddenError
	if !errors.As(err, &ferr) {
		t.Fatalf("non-owner submit: expected forbidden, got %v", err)
	}

	// Staff cannot submit on the owner's behalf either.
	_, err = env.Engine.Transition(env.Ctx, req.ID, domain.StatusSubmitted, "staff-1", domain.RoleStaff)
	if !errors.As(err, &ferr) {
		t.Fatalf("staff submit: expected forbidden, got %v", err)
	}

	if _, err := env.Engine.Transition(env.Ctx, req.ID, domain.StatusSubmitted, "cust-1", domain.RoleCustomer); err != nil {
		t.Fatalf("owner submit: %v", err)
	}
}

func TestReviewAndAcceptAreStaffOnly(t *testing.T) {
	env := newTestEnv(t)
	req := createRequest(t, env, "cust-1")
	if _, err := env.Engine.Transition(env.Ctx, req.ID, domain.StatusSubmitted, "cust-1", domain.RoleCustomer); err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, err := env.Engine.Transition(env.Ctx, req.ID, domain.StatusInReview, "cust-1", domain.RoleCustomer)
	var ferr lifecycle.ForbiddenError
	if !errors.As(err, &ferr) {
		t.Fatalf("customer to IN_REVIEW: expected forbidden, got %v", err)
	}

	req, err = env.Engine.Transition(env.Ctx, req.ID, domain.StatusInReview, "staff-1", domain.RoleStaff)
	if err != nil {
		t.Fatalf("staff to IN_REVIEW: %v", err)
	}
	if _, err := env.Engine.Transition(env.Ctx, req.ID, domain.StatusAccepted, "staff-1", domain.RoleAdmin); err != nil {
		t.Fatalf("admin to ACCEPTED: %v", err)
	}
}

func TestSubmittedAtStampedExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	eng := env.Engine
	req := createRequest(t, env, "cust-1")

	req, err := eng.Transition(env.Ctx, req.ID, domain.StatusSubmitted, "cust-1", domain.RoleCustomer)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if req.SubmittedAt == nil {
		t.Fatal("submitted_at not stamped on submit")
	}
	stamped := *req.SubmittedAt

	// Later transitions must not move the stamp even with a different clock.
	eng.Now = func() time.Time { return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC) }
	req, err = eng.Transition(env.Ctx, req.ID, domain.StatusInReview, "staff-1", domain.RoleStaff)
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if req.SubmittedAt == nil || *req.SubmittedAt != stamped {
		t.Fatalf("submitted_at changed: %v, want %s", req.SubmittedAt, stamped)
	}
}

func TestTransitionWritesOneAuditRecord(t *testing.T) {
	env := newTestEnv(t)
	req := createRequest(t, env, "cust-1")
	if _, err := env.Engine.Transition(env.Ctx, req.ID, domain.StatusSubmitted, "cust-1", domain.RoleCustomer); err != nil {
		t.Fatalf("submit: %v", err)
	}

	records, _, err := env.Engine.Audit.List(env.Ctx, audit.Filter{
		Resource: audit.ResourceServiceRequest,
		Action:   audit.ActionUpdateStatus,
	})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("audit records = %d, want 1", len(records))
	}
	rec := records[0]
	if rec.ActorID != "cust-1" || rec.ResourceID != req.ID {
		t.Fatalf("unexpected audit record: %+v", rec)
	}
	if rec.MetadataJSON == nil {
		t.Fatal("audit metadata missing")
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(*rec.MetadataJSON), &meta); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if meta["from"] != string(domain.StatusDraft) || meta["to"] != string(domain.StatusSubmitted) {
		t.Fatalf("audit metadata = %v", meta)
	}
}

func TestEventsOnlyOnSubmitAndComplete(t *testing.T) {
	env := newTestEnv(t)
	req := createRequest(t, env, "cust-1")

	// Cancelling a draft publishes nothing.
	if _, err := env.Engine.Transition(env.Ctx, req.ID, domain.StatusCancelled, "cust-1", domain.RoleCustomer); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := env.published(); len(got) != 0 {
		t.Fatalf("cancel published %d events, want 0", len(got))
	}

	req2 := createRequest(t, env, "cust-1")
	if _, err := env.Engine.Transition(env.Ctx, req2.ID, domain.StatusSubmitted, "cust-1", domain.RoleCustomer); err != nil {
		t.Fatalf("submit: %v", err)
	}
	for _, to := range []domain.Status{domain.StatusInReview, domain.StatusAccepted, domain.StatusInProgress, domain.StatusCompleted} {
		if _, err := env.Engine.Transition(env.Ctx, req2.ID, to, "staff-1", domain.RoleStaff); err != nil {
			t.Fatalf("to %s: %v", to, err)
		}
	}

	got := env.published()
	if len(got) != 2 {
		t.Fatalf("published %d events, want 2: %+v", len(got), got)
	}
	if got[0].Name != domain.EventRequestSubmitted || got[1].Name != domain.EventRequestCompleted {
		t.Fatalf("event order = %s, %s", got[0].Name, got[1].Name)
	}
	if got[0].Payload.RequestID != req2.ID || got[0].Payload.OwnerEmail != "cust@example.com" {
		t.Fatalf("submitted payload = %+v", got[0].Payload)
	}
}

func TestConcurrentTransitionConflicts(t *testing.T) {
	env := newTestEnv(t)
	req := createRequest(t, env, "cust-1")
	if _, err := env.Engine.Transition(env.Ctx, req.ID, domain.StatusSubmitted, "cust-1", domain.RoleCustomer); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// First write wins; the stale second write must surface as a conflict,
	// not silently overwrite.
	if _, err := env.Engine.Transition(env.Ctx, req.ID, domain.StatusInReview, "staff-1", domain.RoleStaff); err != nil {
		t.Fatalf("first transition: %v", err)
	}
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	err = env.Engine.Repo.UpdateRequestStatus(env.Ctx, tx, req.ID, domain.StatusSubmitted, domain.StatusCancelled, nil, "2026-03-01T12:00:00Z")
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("stale CAS: got %v, want ErrConflict", err)
	}
}

func TestGetAndListScoping(t *testing.T) {
	env := newTestEnv(t)
	mine := createRequest(t, env, "cust-1")
	theirs := createRequest(t, env, "cust-2")

	if _, err := env.Engine.Get(env.Ctx, theirs.ID, "cust-1", domain.RoleCustomer); err == nil {
		t.Fatal("customer read of foreign request must be forbidden")
	}
	if _, err := env.Engine.Get(env.Ctx, theirs.ID, "staff-1", domain.RoleStaff); err != nil {
		t.Fatalf("staff read: %v", err)
	}
	if _, err := env.Engine.Get(env.Ctx, "missing", "staff-1", domain.RoleStaff); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("missing request: got %v, want ErrNotFound", err)
	}

	items, total, err := env.Engine.List(env.Ctx, repo.RequestFilter{}, "cust-1", domain.RoleCustomer)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(items) != 1 || items[0].ID != mine.ID {
		t.Fatalf("customer list = %d items, total %d", len(items), total)
	}

	_, total, err = env.Engine.List(env.Ctx, repo.RequestFilter{}, "staff-1", domain.RoleStaff)
	if err != nil {
		t.Fatalf("staff list: %v", err)
	}
	if total != 2 {
		t.Fatalf("staff list total = %d, want 2", total)
	}
}

func TestUpdateIsOwnerOnlyAndDraftish(t *testing.T) {
	env := newTestEnv(t)
	req := createRequest(t, env, "cust-1")

	title := "New title"
	if _, err := env.Engine.Update(env.Ctx, req.ID, lifecycle.UpdateOptions{Title: &title}, "cust-2"); err == nil {
		t.Fatal("non-owner update must fail")
	}
	got, err := env.Engine.Update(env.Ctx, req.ID, lifecycle.UpdateOptions{Title: &title}, "cust-1")
	if err != nil {
		t.Fatalf("owner update: %v", err)
	}
	if got.Title != title {
		t.Fatalf("title = %q, want %q", got.Title, title)
	}

	empty := "  "
	if _, err := env.Engine.Update(env.Ctx, req.ID, lifecycle.UpdateOptions{Title: &empty}, "cust-1"); err == nil {
		t.Fatal("blank title must be rejected")
	}
}

func TestRespondGuards(t *testing.T) {
	env := newTestEnv(t)
	req := createRequest(t, env, "cust-1")
	if _, err := env.Engine.Transition(env.Ctx, req.ID, domain.StatusSubmitted, "cust-1", domain.RoleCustomer); err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, err := env.Engine.Respond(env.Ctx, lifecycle.RespondOptions{RequestID: req.ID, ProviderID: "cust-2", Quote: 10}, domain.RoleCustomer)
	var ferr lifecycle.ForbiddenError
	if !errors.As(err, &ferr) {
		t.Fatalf("customer respond: expected forbidden, got %v", err)
	}

	_, err = env.Engine.Respond(env.Ctx, lifecycle.RespondOptions{RequestID: req.ID, ProviderID: "prov-1", Quote: -1}, domain.RoleProvider)
	var verr lifecycle.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("negative quote: expected validation error, got %v", err)
	}

	days := 3
	resp, err := env.Engine.Respond(env.Ctx, lifecycle.RespondOptions{
		RequestID:     req.ID,
		ProviderID:    "prov-1",
		Quote:         149.99,
		Message:       "Can start Monday",
		EstimatedDays: &days,
	}, domain.RoleProvider)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if resp.Status != "PENDING" || resp.Quote != 149.99 {
		t.Fatalf("response = %+v", resp)
	}

	events := env.published()
	last := events[len(events)-1]
	if last.Name != domain.EventResponseReceived {
		t.Fatalf("last event = %s, want %s", last.Name, domain.EventResponseReceived)
	}
}

func TestRespondRejectedOnClosedRequest(t *testing.T) {
	env := newTestEnv(t)
	req := createRequest(t, env, "cust-1")
	if _, err := env.Engine.Transition(env.Ctx, req.ID, domain.StatusCancelled, "cust-1", domain.RoleCustomer); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	_, err := env.Engine.Respond(env.Ctx, lifecycle.RespondOptions{RequestID: req.ID, ProviderID: "prov-1", Quote: 10}, domain.RoleProvider)
	if err == nil {
		t.Fatal("responding to a cancelled request must fail")
	}
}

func TestNotes(t *testing.T) {
	env := newTestEnv(t)
	req := createRequest(t, env, "cust-1")

	if _, err := env.Engine.AddNote(env.Ctx, req.ID, "cust-2", "hi", domain.RoleCustomer); err == nil {
		t.Fatal("stranger note must be forbidden")
	}
	if _, err := env.Engine.AddNote(env.Ctx, req.ID, "cust-1", " ", domain.RoleCustomer); err == nil {
		t.Fatal("blank note must be rejected")
	}
	if _, err := env.Engine.AddNote(env.Ctx, req.ID, "cust-1", "owner note", domain.RoleCustomer); err != nil {
		t.Fatalf("owner note: %v", err)
	}
	if _, err := env.Engine.AddNote(env.Ctx, req.ID, "staff-1", "staff note", domain.RoleStaff); err != nil {
		t.Fatalf("staff note: %v", err)
	}

	notes, err := env.Engine.Notes(env.Ctx, req.ID, "cust-1", domain.RoleCustomer)
	if err != nil {
		t.Fatalf("list notes: %v", err)
	}
	if len(notes) != 2 {
		t.Fatalf("notes = %d, want 2", len(notes))
	}
}
