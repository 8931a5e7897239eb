package queue

import (
	"fmt"
	"testing"
	"time"
)

func TestKeyCacheTTL(t *testing.T) {
	c := newKeyCache(time.Minute, 10)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return at }

	if c.Seen("k") {
		t.Fatal("unmarked key reported seen")
	}
	c.Mark("k")
	if !c.Seen("k") {
		t.Fatal("marked key not seen")
	}

	at = at.Add(59 * time.Second)
	if !c.Seen("k") {
		t.Fatal("key expired before TTL")
	}
	at = at.Add(2 * time.Second)
	if c.Seen("k") {
		t.Fatal("key survived past TTL")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry not dropped, len=%d", c.Len())
	}
}

func TestKeyCacheIgnoresEmptyKey(t *testing.T) {
	c := newKeyCache(time.Minute, 10)
	c.Mark("")
	if c.Seen("") {
		t.Fatal("empty key must never be seen")
	}
	if c.Len() != 0 {
		t.Fatalf("empty key stored, len=%d", c.Len())
	}
}

func TestKeyCacheBound(t *testing.T) {
	c := newKeyCache(time.Hour, 3)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return at }

	for i := 0; i < 5; i++ {
		c.Mark(fmt.Sprintf("k%d", i))
		at = at.Add(time.Second)
	}
	if c.Len() > 3 {
		t.Fatalf("cache exceeded bound: len=%d", c.Len())
	}
	// The most recent key always survives eviction.
	if !c.Seen("k4") {
		t.Fatal("newest key evicted")
	}
}
