// Package jobs wires the event bus to the durable queues: lifecycle events
// become notification jobs, and a scheduler enqueues periodic maintenance.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"northstar/internal/audit"
	"northstar/internal/bus"
	"northstar/internal/config"
	"northstar/internal/domain"
	"northstar/internal/mailer"
	"northstar/internal/queue"
)

// EmailJob is the payload of every notification-queue job.
type EmailJob struct {
	To       string         `json:"to"`
	Template string         `json:"template"`
	Data     map[string]any `json:"data,omitempty"`
}

// CleanupJob is the payload of an audit-cleanup maintenance job.
type CleanupJob struct {
	RetentionDays int `json:"retention_days"`
}

const fallbackRecipient = "customer@example.com"

// SubmittedKey returns the idempotency key for the submission email of one
// request. A request submits at most once, so the key is stable per request.
func SubmittedKey(requestID string) string {
	return "email-submitted-" + requestID
}

// CompletedKey returns the idempotency key for the completion email of one
// request.
func CompletedKey(requestID string) string {
	return "email-completed-" + requestID
}

// CleanupKey returns the idempotency key for the audit cleanup of one day.
func CleanupKey(day time.Time) string {
	return "audit-cleanup-" + day.UTC().Format("2006-01-02")
}

// SubscribeEvents connects lifecycle events to the notification queue. Each
// subscriber only enqueues; delivery and retries belong to the queue.
func SubscribeEvents(b *bus.Bus, m *queue.Manager) {
	b.Subscribe(domain.EventRequestSubmitted, enqueueEmail(m, mailer.TemplateRequestSubmitted, SubmittedKey))
	b.Subscribe(domain.EventRequestCompleted, enqueueEmail(m, mailer.TemplateRequestCompleted, CompletedKey))
	b.Subscribe(domain.EventResponseReceived, enqueueEmail(m, mailer.TemplateResponseReceived, func(requestID string) string {
		return ""
	}))
}

func enqueueEmail(m *queue.Manager, template string, key func(requestID string) string) bus.Handler {
	return func(ctx context.Context, payload any) error {
		ev, ok := payload.(domain.RequestEvent)
		if !ok {
			return fmt.Errorf("unexpected payload %T", payload)
		}
		to := ev.OwnerEmail
		if to == "" {
			to = fallbackRecipient
		}
		_, _, err := m.Enqueue(ctx, config.QueueNotification, key(ev.RequestID), EmailJob{
			To:       to,
			Template: template,
			Data: map[string]any{
				"request_id": ev.RequestID,
				"owner_id":   ev.OwnerID,
			},
		})
		return err
	}
}

// RegisterHandlers binds the notification and maintenance queue handlers.
func RegisterHandlers(m *queue.Manager, sender mailer.Sender, rec audit.Recorder, logger *log.Logger) {
	m.Register(config.QueueNotification, NotificationHandler(sender))
	m.Register(config.QueueMaintenance, MaintenanceHandler(rec, logger))
}

// NotificationHandler decodes an EmailJob and hands it to the sender.
func NotificationHandler(sender mailer.Sender) queue.Handler {
	return func(ctx context.Context, job domain.Job) error {
		var email EmailJob
		if err := json.Unmarshal([]byte(job.PayloadJSON), &email); err != nil {
			return fmt.Errorf("decode email payload: %w", err)
		}
		return sender.Send(ctx, email.To, email.Template, email.Data)
	}
}

// MaintenanceHandler prunes audit records past the retention window named in
// the job payload.
func MaintenanceHandler(rec audit.Recorder, logger *log.Logger) queue.Handler {
	if logger == nil {
		logger = log.Default()
	}
	return func(ctx context.Context, job domain.Job) error {
		var cleanup CleanupJob
		if err := json.Unmarshal([]byte(job.PayloadJSON), &cleanup); err != nil {
			return fmt.Errorf("decode cleanup payload: %w", err)
		}
		if cleanup.RetentionDays < 1 {
			return fmt.Errorf("retention_days must be >= 1, got %d", cleanup.RetentionDays)
		}
		cutoff := time.Now().UTC().AddDate(0, 0, -cleanup.RetentionDays)
		n, err := rec.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Printf("audit cleanup: removed %d records older than %d days", n, cleanup.RetentionDays)
		}
		return nil
	}
}

// StartMaintenanceScheduler enqueues one audit-cleanup job per day until ctx
// is cancelled. The per-day idempotency key makes restarts harmless.
func StartMaintenanceScheduler(ctx context.Context, m *queue.Manager, cfg *config.Config, logger *log.Logger) {
	if logger == nil {
		logger = log.Default()
	}
	every := cfg.AuditCleanupEvery(24 * time.Hour)
	payload := CleanupJob{RetentionDays: cfg.Audit.RetentionDays}

	enqueue := func() {
		if _, _, err := m.Enqueue(ctx, config.QueueMaintenance, CleanupKey(time.Now()), payload); err != nil {
			logger.Printf("schedule audit cleanup: %v", err)
		}
	}
	enqueue()

	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				enqueue()
			}
		}
	}()
}
