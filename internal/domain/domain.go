package domain

// Status is the lifecycle status of a service request.
type Status string

const (
	StatusDraft      Status = "DRAFT"
	StatusSubmitted  Status = "SUBMITTED"
	StatusInReview   Status = "IN_REVIEW"
	StatusAccepted   Status = "ACCEPTED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

// Statuses lists every lifecycle status in graph order.
var Statuses = []Status{
	StatusDraft,
	StatusSubmitted,
	StatusInReview,
	StatusAccepted,
	StatusInProgress,
	StatusCompleted,
	StatusCancelled,
}

// Valid reports whether s names a known status.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether s has no outgoing transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Role is the coarse role attached to an authenticated user.
type Role string

const (
	RoleCustomer Role = "CUSTOMER"
	RoleProvider Role = "PROVIDER"
	RoleStaff    Role = "STAFF"
	RoleAdmin    Role = "ADMIN"
)

// Staff reports whether the role may act on any request regardless of ownership.
func (r Role) Staff() bool {
	return r == RoleStaff || r == RoleAdmin
}

type ServiceRequest struct {
	ID           string  `json:"id"`
	OwnerID      string  `json:"owner_id"`
	Title        string  `json:"title"`
	Description  string  `json:"description,omitempty"`
	Priority     int     `json:"priority"`
	MetadataJSON *string `json:"metadata_json,omitempty"`
	Status       Status  `json:"status" enum:"DRAFT,SUBMITTED,IN_REVIEW,ACCEPTED,IN_PROGRESS,COMPLETED,CANCELLED"`
	SubmittedAt  *string `json:"submitted_at,omitempty" format:"date-time"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	Role      Role   `json:"role" enum:"CUSTOMER,PROVIDER,STAFF,ADMIN"`
	Status    string `json:"status" enum:"ACTIVE,SUSPENDED"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ProviderResponse struct {
	ID            string  `json:"id"`
	RequestID     string  `json:"request_id"`
	ProviderID    string  `json:"provider_id"`
	Quote         float64 `json:"quote"`
	Message       string  `json:"message,omitempty"`
	EstimatedDays *int    `json:"estimated_days,omitempty"`
	Status        string  `json:"status" enum:"PENDING,ACCEPTED,REJECTED"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

type Note struct {
	ID        string `json:"id"`
	RequestID string `json:"request_id"`
	AuthorID  string `json:"author_id"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// AuditRecord is an immutable row describing who did what to which entity.
type AuditRecord struct {
	ID           int64   `json:"id"`
	ActorID      string  `json:"actor_id"`
	Action       string  `json:"action"`
	Resource     string  `json:"resource"`
	ResourceID   string  `json:"resource_id"`
	MetadataJSON *string `json:"metadata_json,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

// JobState is the queue-side state of a job.
type JobState string

const (
	JobPending    JobState = "PENDING"
	JobActive     JobState = "ACTIVE"
	JobCompleted  JobState = "COMPLETED"
	JobDeadLetter JobState = "DEAD_LETTER"
)

// BackoffKind selects how retry delays grow.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

type Job struct {
	ID             string      `json:"id"`
	Queue          string      `json:"queue"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
	PayloadJSON    string      `json:"payload_json"`
	State          JobState    `json:"state" enum:"PENDING,ACTIVE,COMPLETED,DEAD_LETTER"`
	Attempts       int         `json:"attempts"`
	MaxAttempts    int         `json:"max_attempts"`
	BackoffKind    BackoffKind `json:"backoff_kind" enum:"fixed,exponential"`
	BackoffDelayMS int64       `json:"backoff_delay_ms"`
	RunAtMS        int64       `json:"run_at_ms"`
	ClaimedUntilMS int64       `json:"claimed_until_ms,omitempty"`
	LastError      string      `json:"last_error,omitempty"`
	CreatedAt      string      `json:"created_at" format:"date-time"`
	UpdatedAt      string      `json:"updated_at" format:"date-time"`
	CompletedAt    *string     `json:"completed_at,omitempty" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// RequestEvent is the payload carried by service-request domain events.
type RequestEvent struct {
	RequestID  string `json:"request_id"`
	OwnerID    string `json:"owner_id"`
	OwnerEmail string `json:"owner_email"`
}

// Event names published by the lifecycle engine.
const (
	EventRequestSubmitted = "service-request.submitted"
	EventRequestCompleted = "service-request.completed"
	EventResponseReceived = "service-request.response-received"
)
