package bus_test

import (
	"context"
	"errors"
	"log"
	"testing"

	"northstar/internal/bus"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := bus.New(log.New(testWriter{t}, "", 0))

	var first, second int
	b.Subscribe("thing.happened", func(ctx context.Context, payload any) error {
		first++
		return nil
	})
	b.Subscribe("thing.happened", func(ctx context.Context, payload any) error {
		second++
		return nil
	})
	b.Subscribe("other.event", func(ctx context.Context, payload any) error {
		t.Error("wrong event delivered")
		return nil
	})

	b.Publish(context.Background(), "thing.happened", "payload")
	if first != 1 || second != 1 {
		t.Fatalf("deliveries = %d, %d, want 1, 1", first, second)
	}
}

func TestPublishWithNoSubscribersIsANoOp(t *testing.T) {
	b := bus.New(log.New(testWriter{t}, "", 0))
	b.Publish(context.Background(), "nobody.listening", nil)
}

func TestSubscriberErrorDoesNotStopOthers(t *testing.T) {
	b := bus.New(log.New(testWriter{t}, "", 0))

	var delivered bool
	b.Subscribe("ev", func(ctx context.Context, payload any) error {
		return errors.New("handler broke")
	})
	b.Subscribe("ev", func(ctx context.Context, payload any) error {
		delivered = true
		return nil
	})

	b.Publish(context.Background(), "ev", nil)
	if !delivered {
		t.Fatal("second subscriber skipped after first errored")
	}
}

func TestSubscriberPanicIsContained(t *testing.T) {
	b := bus.New(log.New(testWriter{t}, "", 0))

	var delivered bool
	b.Subscribe("ev", func(ctx context.Context, payload any) error {
		panic("boom")
	})
	b.Subscribe("ev", func(ctx context.Context, payload any) error {
		delivered = true
		return nil
	})

	b.Publish(context.Background(), "ev", nil)
	if !delivered {
		t.Fatal("panic in one subscriber took down delivery")
	}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}
