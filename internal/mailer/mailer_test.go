package mailer_test

import (
	"bytes"
	"context"
	"log"
	"strings"
	"testing"

	"northstar/internal/mailer"
)

func TestLogSenderWritesDelivery(t *testing.T) {
	var buf bytes.Buffer
	s := mailer.NewLogSender(log.New(&buf, "", 0))

	err := s.Send(context.Background(), "cust@example.com", mailer.TemplateRequestSubmitted, map[string]any{
		"request_id": "req-1",
		"owner_id":   "cust-1",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	line := buf.String()
	if !strings.Contains(line, "to=cust@example.com") || !strings.Contains(line, mailer.TemplateRequestSubmitted) {
		t.Fatalf("log line = %q", line)
	}
	// Data keys render sorted so log lines are stable.
	if !strings.Contains(line, "owner_id=cust-1 request_id=req-1") {
		t.Fatalf("log line = %q", line)
	}
}

func TestLogSenderRejectsBadInput(t *testing.T) {
	s := mailer.NewLogSender(log.New(&bytes.Buffer{}, "", 0))
	ctx := context.Background()

	if err := s.Send(ctx, "not-an-address", mailer.TemplateWelcome, nil); err == nil {
		t.Fatal("invalid recipient accepted")
	}
	if err := s.Send(ctx, "ok@example.com", "", nil); err == nil {
		t.Fatal("empty template accepted")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := s.Send(cancelled, "ok@example.com", mailer.TemplateWelcome, nil); err == nil {
		t.Fatal("cancelled context accepted")
	}
}
