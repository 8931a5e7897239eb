package lifecycle

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"northstar/internal/audit"
	"northstar/internal/domain"
)

// RespondOptions are parameters for a provider response on a request.
type RespondOptions struct {
	RequestID     string
	ProviderID    string
	Quote         float64
	Message       string
	EstimatedDays *int
}

// Respond attaches a provider response to a request. Closed requests no
// longer accept responses.
func (e Engine) Respond(ctx context.Context, opts RespondOptions, role domain.Role) (domain.ProviderResponse, error) {
	if role != domain.RoleProvider && !role.Staff() {
		return domain.ProviderResponse{}, ForbiddenError{Reason: "only providers can respond to requests"}
	}
	if opts.Quote < 0 {
		return domain.ProviderResponse{}, ValidationError{Field: "quote", Reason: "cannot be negative"}
	}
	req, err := e.Repo.GetRequest(ctx, opts.RequestID)
	if err != nil {
		return domain.ProviderResponse{}, err
	}
	if req.Status.Terminal() {
		return domain.ProviderResponse{}, ForbiddenError{Reason: "request is closed"}
	}

	now := e.now().UTC().Format(time.RFC3339)
	resp := domain.ProviderResponse{
		ID:            uuid.New().String(),
		RequestID:     req.ID,
		ProviderID:    opts.ProviderID,
		Quote:         opts.Quote,
		Message:       opts.Message,
		EstimatedDays: opts.EstimatedDays,
		Status:        "PENDING",
		CreatedAt:     now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProviderResponse{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertResponse(ctx, tx, resp); err != nil {
		return domain.ProviderResponse{}, err
	}
	if err := e.Audit.Record(ctx, tx, opts.ProviderID, audit.ActionCreate, audit.ResourceProviderResponse, resp.ID, map[string]any{
		"request_id": req.ID,
	}); err != nil {
		return domain.ProviderResponse{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProviderResponse{}, err
	}

	if e.Bus != nil {
		email := ""
		if owner, err := e.Repo.GetUser(ctx, req.OwnerID); err == nil {
			email = owner.Email
		}
		e.Bus.Publish(ctx, domain.EventResponseReceived, domain.RequestEvent{
			RequestID:  req.ID,
			OwnerID:    req.OwnerID,
			OwnerEmail: email,
		})
	}
	return resp, nil
}

// Responses lists provider responses for a request, under the same read guard
// as Get.
func (e Engine) Responses(ctx context.Context, requestID, actorID string, role domain.Role) ([]domain.ProviderResponse, error) {
	if _, err := e.Get(ctx, requestID, actorID, role); err != nil {
		return nil, err
	}
	return e.Repo.ListResponsesByRequest(ctx, requestID)
}

// AddNote records a free-form note on a request. The owner and staff can
// write notes; anyone else is rejected.
func (e Engine) AddNote(ctx context.Context, requestID, authorID, body string, role domain.Role) (domain.Note, error) {
	if strings.TrimSpace(body) == "" {
		return domain.Note{}, ValidationError{Field: "body", Reason: "is required"}
	}
	req, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return domain.Note{}, err
	}
	if !role.Staff() && req.OwnerID != authorID {
		return domain.Note{}, ForbiddenError{Reason: "access denied"}
	}

	note := domain.Note{
		ID:        uuid.New().String(),
		RequestID: req.ID,
		AuthorID:  authorID,
		Body:      body,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Note{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertNote(ctx, tx, note); err != nil {
		return domain.Note{}, err
	}
	if err := e.Audit.Record(ctx, tx, authorID, audit.ActionCreate, audit.ResourceNote, note.ID, map[string]any{
		"request_id": req.ID,
	}); err != nil {
		return domain.Note{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Note{}, err
	}
	return note, nil
}

// Notes lists notes on a request under the read guard.
func (e Engine) Notes(ctx context.Context, requestID, actorID string, role domain.Role) ([]domain.Note, error) {
	if _, err := e.Get(ctx, requestID, actorID, role); err != nil {
		return nil, err
	}
	return e.Repo.ListNotes(ctx, requestID)
}
