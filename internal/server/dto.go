package server

import (
	"encoding/json"

	"northstar/internal/domain"
)

type CreateRequestBody struct {
	Title       string         `json:"title" example:"Replace kitchen faucet"`
	Description string         `json:"description,omitempty"`
	Priority    int            `json:"priority,omitempty" example:"2"`
	Metadata    map[string]any `json:"metadata,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type UpdateRequestBody struct {
	Title       *string        `json:"title,omitempty"`
	Description *string        `json:"description,omitempty"`
	Priority    *int           `json:"priority,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type TransitionBody struct {
	Status string `json:"status" example:"SUBMITTED" enum:"DRAFT,SUBMITTED,IN_REVIEW,ACCEPTED,IN_PROGRESS,COMPLETED,CANCELLED"`
}

type RequestResponse struct {
	ID          string         `json:"id"`
	OwnerID     string         `json:"owner_id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Priority    int            `json:"priority"`
	Metadata    map[string]any `json:"metadata,omitempty" jsonschema:"type=object,additionalProperties=true"`
	Status      string         `json:"status"`
	SubmittedAt *string        `json:"submitted_at,omitempty"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
}

func requestResponse(req domain.ServiceRequest) RequestResponse {
	resp := RequestResponse{
		ID:          req.ID,
		OwnerID:     req.OwnerID,
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
		Status:      string(req.Status),
		SubmittedAt: req.SubmittedAt,
		CreatedAt:   req.CreatedAt,
		UpdatedAt:   req.UpdatedAt,
	}
	if req.MetadataJSON != nil {
		_ = json.Unmarshal([]byte(*req.MetadataJSON), &resp.Metadata)
	}
	return resp
}

func mapRequests(items []domain.ServiceRequest) []RequestResponse {
	out := make([]RequestResponse, 0, len(items))
	for _, req := range items {
		out = append(out, requestResponse(req))
	}
	return out
}

type paginatedRequests struct {
	Items []RequestResponse `json:"items"`
	Total int               `json:"total"`
}

type CreateResponseBody struct {
	Quote         float64 `json:"quote" example:"149.99"`
	Message       string  `json:"message,omitempty"`
	EstimatedDays *int    `json:"estimated_days,omitempty"`
}

type ResponseResponse struct {
	ID            string  `json:"id"`
	RequestID     string  `json:"request_id"`
	ProviderID    string  `json:"provider_id"`
	Quote         float64 `json:"quote"`
	Message       string  `json:"message,omitempty"`
	EstimatedDays *int    `json:"estimated_days,omitempty"`
	Status        string  `json:"status"`
	CreatedAt     string  `json:"created_at"`
}

func responseResponse(r domain.ProviderResponse) ResponseResponse {
	return ResponseResponse{
		ID:            r.ID,
		RequestID:     r.RequestID,
		ProviderID:    r.ProviderID,
		Quote:         r.Quote,
		Message:       r.Message,
		EstimatedDays: r.EstimatedDays,
		Status:        r.Status,
		CreatedAt:     r.CreatedAt,
	}
}

func mapResponses(items []domain.ProviderResponse) []ResponseResponse {
	out := make([]ResponseResponse, 0, len(items))
	for _, r := range items {
		out = append(out, responseResponse(r))
	}
	return out
}

type CreateNoteBody struct {
	Body string `json:"body"`
}

type NoteResponse struct {
	ID        string `json:"id"`
	RequestID string `json:"request_id"`
	AuthorID  string `json:"author_id"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at"`
}

func noteResponse(n domain.Note) NoteResponse {
	return NoteResponse{
		ID:        n.ID,
		RequestID: n.RequestID,
		AuthorID:  n.AuthorID,
		Body:      n.Body,
		CreatedAt: n.CreatedAt,
	}
}

func mapNotes(items []domain.Note) []NoteResponse {
	out := make([]NoteResponse, 0, len(items))
	for _, n := range items {
		out = append(out, noteResponse(n))
	}
	return out
}

type AuditResponse struct {
	ID         int64          `json:"id"`
	ActorID    string         `json:"actor_id"`
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	ResourceID string         `json:"resource_id"`
	Metadata   map[string]any `json:"metadata,omitempty" jsonschema:"type=object,additionalProperties=true"`
	CreatedAt  string         `json:"created_at"`
}

func auditResponse(rec domain.AuditRecord) AuditResponse {
	resp := AuditResponse{
		ID:         rec.ID,
		ActorID:    rec.ActorID,
		Action:     rec.Action,
		Resource:   rec.Resource,
		ResourceID: rec.ResourceID,
		CreatedAt:  rec.CreatedAt,
	}
	if rec.MetadataJSON != nil {
		_ = json.Unmarshal([]byte(*rec.MetadataJSON), &resp.Metadata)
	}
	return resp
}

type paginatedAudit struct {
	Items []AuditResponse `json:"items"`
	Total int             `json:"total"`
}

type JobResponse struct {
	ID             string  `json:"id"`
	Queue          string  `json:"queue"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
	State          string  `json:"state"`
	Attempts       int     `json:"attempts"`
	MaxAttempts    int     `json:"max_attempts"`
	LastError      string  `json:"last_error,omitempty"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
	CompletedAt    *string `json:"completed_at,omitempty"`
}

func jobResponse(j domain.Job) JobResponse {
	return JobResponse{
		ID:             j.ID,
		Queue:          j.Queue,
		IdempotencyKey: j.IdempotencyKey,
		State:          string(j.State),
		Attempts:       j.Attempts,
		MaxAttempts:    j.MaxAttempts,
		LastError:      j.LastError,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
		CompletedAt:    j.CompletedAt,
	}
}

func mapJobs(items []domain.Job) []JobResponse {
	out := make([]JobResponse, 0, len(items))
	for _, j := range items {
		out = append(out, jobResponse(j))
	}
	return out
}

type paginatedJobs struct {
	Items []JobResponse `json:"items"`
	Total int           `json:"total"`
}

type UserResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	Role      string `json:"role"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		Role:      string(u.Role),
		Status:    u.Status,
		CreatedAt: u.CreatedAt,
	}
}
