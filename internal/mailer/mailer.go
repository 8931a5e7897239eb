package mailer

import (
	"context"
	"fmt"
	"log"
	"net/mail"
	"sort"
	"strings"
)

// Templates known to the notification pipeline.
const (
	TemplateRequestSubmitted = "service-request-submitted"
	TemplateRequestCompleted = "service-request-completed"
	TemplateResponseReceived = "provider-response-received"
	TemplateWelcome          = "welcome"
)

// Sender delivers one templated email. Implementations must be safe for
// concurrent use.
type Sender interface {
	Send(ctx context.Context, to, template string, data map[string]any) error
}

// LogSender writes deliveries to a logger instead of an SMTP relay. It is the
// default sender for development and tests.
type LogSender struct {
	Logger *log.Logger
}

func NewLogSender(logger *log.Logger) *LogSender {
	if logger == nil {
		logger = log.Default()
	}
	return &LogSender{Logger: logger}
}

func (s *LogSender) Send(ctx context.Context, to, template string, data map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := mail.ParseAddress(to); err != nil {
		return fmt.Errorf("invalid recipient %q: %w", to, err)
	}
	if template == "" {
		return fmt.Errorf("template is required")
	}
	s.Logger.Printf("mail: to=%s template=%s %s", to, template, formatData(data))
	return nil
}

func formatData(data map[string]any) string {
	if len(data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, data[k]))
	}
	return strings.Join(parts, " ")
}
