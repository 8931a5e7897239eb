package lifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"northstar/internal/audit"
	"northstar/internal/bus"
	"northstar/internal/domain"
	"northstar/internal/repo"
)

// Priority bounds applied when the config does not override them.
const (
	DefaultMinPriority = 0
	DefaultMaxPriority = 5
)

// transitions is the lifecycle graph. Missing source or target means the
// transition is illegal, including same-state transitions.
var transitions = map[domain.Status][]domain.Status{
	domain.StatusDraft:      {domain.StatusSubmitted, domain.StatusCancelled},
	domain.StatusSubmitted:  {domain.StatusInReview, domain.StatusCancelled},
	domain.StatusInReview:   {domain.StatusAccepted, domain.StatusCancelled},
	domain.StatusAccepted:   {domain.StatusInProgress, domain.StatusCancelled},
	domain.StatusInProgress: {domain.StatusCompleted, domain.StatusCancelled},
	domain.StatusCompleted:  {},
	domain.StatusCancelled:  {},
}

// CanTransition reports whether the edge from -> to exists in the graph.
func CanTransition(from, to domain.Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Engine owns the service-request state machine. All status changes go through
// Transition; direct writes to the status column are not part of its API.
type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	Audit       audit.Recorder
	Bus         *bus.Bus
	MinPriority int
	MaxPriority int
	Now         func() time.Time
}

func New(db *sql.DB, b *bus.Bus) Engine {
	return Engine{
		DB:          db,
		Repo:        repo.Repo{DB: db},
		Audit:       audit.Recorder{DB: db},
		Bus:         b,
		MinPriority: DefaultMinPriority,
		MaxPriority: DefaultMaxPriority,
		Now:         time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// CreateOptions are parameters for creating a service request.
type CreateOptions struct {
	OwnerID     string
	Title       string
	Description string
	Priority    int
	Metadata    map[string]any
}

// Create validates input and stores a new DRAFT request owned by OwnerID.
// No event is published on creation.
func (e Engine) Create(ctx context.Context, opts CreateOptions) (domain.ServiceRequest, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.ServiceRequest{}, ValidationError{Field: "title", Reason: "is required"}
	}
	if strings.TrimSpace(opts.OwnerID) == "" {
		return domain.ServiceRequest{}, ValidationError{Field: "owner_id", Reason: "is required"}
	}
	if opts.Priority < e.MinPriority || opts.Priority > e.MaxPriority {
		return domain.ServiceRequest{}, ValidationError{Field: "priority", Reason: fmt.Sprintf("must be between %d and %d", e.MinPriority, e.MaxPriority)}
	}
	if _, err := e.Repo.GetUser(ctx, opts.OwnerID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ServiceRequest{}, ValidationError{Field: "owner_id", Reason: "unknown user"}
		}
		return domain.ServiceRequest{}, err
	}

	metadataJSON, err := marshalMetadata(opts.Metadata)
	if err != nil {
		return domain.ServiceRequest{}, ValidationError{Field: "metadata", Reason: err.Error()}
	}
	now := e.now().UTC().Format(time.RFC3339)
	req := domain.ServiceRequest{
		ID:           uuid.New().String(),
		OwnerID:      opts.OwnerID,
		Title:        opts.Title,
		Description:  opts.Description,
		Priority:     opts.Priority,
		MetadataJSON: metadataJSON,
		Status:       domain.StatusDraft,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertRequest(ctx, tx, req); err != nil {
		return domain.ServiceRequest{}, fmt.Errorf("insert request: %w", err)
	}
	if err := e.Audit.Record(ctx, tx, opts.OwnerID, audit.ActionCreate, audit.ResourceServiceRequest, req.ID, nil); err != nil {
		return domain.ServiceRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ServiceRequest{}, err
	}
	return req, nil
}

// guard is one authorization predicate evaluated during Transition, after the
// transition-graph check. The first failing guard aborts the call.
type guard func(req domain.ServiceRequest, target domain.Status, actorID string, role domain.Role) error

var transitionGuards = []guard{
	// Submitting is reserved for the request's owner.
	func(req domain.ServiceRequest, target domain.Status, actorID string, _ domain.Role) error {
		if target == domain.StatusSubmitted && req.OwnerID != actorID {
			return ForbiddenError{Reason: "only the owner can submit this request"}
		}
		return nil
	},
	// Review and acceptance are staff decisions.
	func(_ domain.ServiceRequest, target domain.Status, _ string, role domain.Role) error {
		if (target == domain.StatusInReview || target == domain.StatusAccepted) && !role.Staff() {
			return ForbiddenError{Reason: "only staff or admin can perform this action"}
		}
		return nil
	},
}

// Transition moves a request along the lifecycle graph on behalf of an actor.
// The status write is a compare-and-swap on the loaded status; a concurrent
// transition from the same source status surfaces as a conflict, never as a
// silent overwrite. Events publish only after the new status has committed.
func (e Engine) Transition(ctx context.Context, requestID string, target domain.Status, actorID string, role domain.Role) (domain.ServiceRequest, error) {
	if !target.Valid() {
		return domain.ServiceRequest{}, ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", string(target))}
	}
	req, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	if !CanTransition(req.Status, target) {
		return domain.ServiceRequest{}, InvalidTransitionError{From: req.Status, To: target}
	}
	for _, g := range transitionGuards {
		if err := g(req, target, actorID, role); err != nil {
			return domain.ServiceRequest{}, err
		}
	}

	now := e.now().UTC().Format(time.RFC3339)
	var submittedAt *string
	if target == domain.StatusSubmitted && req.SubmittedAt == nil {
		submittedAt = &now
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateRequestStatus(ctx, tx, req.ID, req.Status, target, submittedAt, now); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.ServiceRequest{}, InvalidTransitionError{From: req.Status, To: target, Conflict: true}
		}
		return domain.ServiceRequest{}, err
	}
	if err := e.Audit.Record(ctx, tx, actorID, audit.ActionUpdateStatus, audit.ResourceServiceRequest, req.ID, map[string]any{
		"from": req.Status,
		"to":   target,
	}); err != nil {
		return domain.ServiceRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ServiceRequest{}, err
	}

	updated := req
	updated.Status = target
	updated.UpdatedAt = now
	if submittedAt != nil {
		updated.SubmittedAt = submittedAt
	}
	e.publishStatusEvent(ctx, updated)
	return updated, nil
}

// publishStatusEvent emits the submitted/completed domain events. It runs
// strictly after commit; failures inside subscribers cannot undo the
// transition.
func (e Engine) publishStatusEvent(ctx context.Context, req domain.ServiceRequest) {
	if e.Bus == nil {
		return
	}
	var name string
	switch req.Status {
	case domain.StatusSubmitted:
		name = domain.EventRequestSubmitted
	case domain.StatusCompleted:
		name = domain.EventRequestCompleted
	default:
		return
	}
	email := ""
	if owner, err := e.Repo.GetUser(ctx, req.OwnerID); err == nil {
		email = owner.Email
	}
	e.Bus.Publish(ctx, name, domain.RequestEvent{
		RequestID:  req.ID,
		OwnerID:    req.OwnerID,
		OwnerEmail: email,
	})
}

// Get loads a request enforcing the read guard: staff and admin read anything,
// everyone else only their own requests.
func (e Engine) Get(ctx context.Context, requestID, actorID string, role domain.Role) (domain.ServiceRequest, error) {
	req, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	if !role.Staff() && req.OwnerID != actorID {
		return domain.ServiceRequest{}, ForbiddenError{Reason: "access denied"}
	}
	return req, nil
}

// UpdateOptions carries owner-editable draft fields; nil leaves a field
// unchanged. Status is deliberately absent: use Transition.
type UpdateOptions struct {
	Title       *string
	Description *string
	Priority    *int
	Metadata    map[string]any
}

// Update applies owner edits to a request's descriptive fields.
func (e Engine) Update(ctx context.Context, requestID string, opts UpdateOptions, actorID string) (domain.ServiceRequest, error) {
	req, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	if req.OwnerID != actorID {
		return domain.ServiceRequest{}, ForbiddenError{Reason: "only the owner can update this request"}
	}
	if opts.Title != nil && strings.TrimSpace(*opts.Title) == "" {
		return domain.ServiceRequest{}, ValidationError{Field: "title", Reason: "cannot be empty"}
	}
	if opts.Priority != nil && (*opts.Priority < e.MinPriority || *opts.Priority > e.MaxPriority) {
		return domain.ServiceRequest{}, ValidationError{Field: "priority", Reason: fmt.Sprintf("must be between %d and %d", e.MinPriority, e.MaxPriority)}
	}
	upd := repo.RequestUpdate{
		Title:       opts.Title,
		Description: opts.Description,
		Priority:    opts.Priority,
	}
	if opts.Metadata != nil {
		metadataJSON, err := marshalMetadata(opts.Metadata)
		if err != nil {
			return domain.ServiceRequest{}, ValidationError{Field: "metadata", Reason: err.Error()}
		}
		upd.MetadataJSON = metadataJSON
	}

	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRequestFields(ctx, tx, req.ID, upd, now); err != nil {
		return domain.ServiceRequest{}, err
	}
	if err := e.Audit.Record(ctx, tx, actorID, audit.ActionUpdate, audit.ResourceServiceRequest, req.ID, nil); err != nil {
		return domain.ServiceRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ServiceRequest{}, err
	}
	return e.Repo.GetRequest(ctx, requestID)
}

// List pages requests. Non-staff actors only ever see their own.
func (e Engine) List(ctx context.Context, f repo.RequestFilter, actorID string, role domain.Role) ([]domain.ServiceRequest, int, error) {
	if !role.Staff() {
		f.OwnerID = actorID
	}
	return e.Repo.ListRequests(ctx, f)
}

func marshalMetadata(metadata map[string]any) (*string, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}
