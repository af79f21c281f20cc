package cache

import (
	"testing"
	"time"
)

func TestExpansionCache_AdmissionGate(t *testing.T) {
	ec := NewExpansionCache[string](4, 16, time.Hour, 2000*time.Millisecond)

	if ec.Admit("key-fast", "computed-fast", 100*time.Millisecond) {
		t.Error("expected a 100ms computation not to be admitted (below the 2000ms minimum)")
	}
	if _, ok := ec.Get("key-fast"); ok {
		t.Error("expected the rejected entry not to be retrievable")
	}

	if !ec.Admit("key-slow", "computed-slow", 3000*time.Millisecond) {
		t.Error("expected a 3000ms computation to be admitted")
	}
	v, ok := ec.Get("key-slow")
	if !ok || v != "computed-slow" {
		t.Errorf("Get(key-slow) = %q, %v; want computed-slow, true", v, ok)
	}
}

func TestExpansionCache_ContentHashStable(t *testing.T) {
	a := ContentHash([]byte("same input"))
	b := ContentHash([]byte("same input"))
	c := ContentHash([]byte("different input"))
	if a != b {
		t.Error("expected identical inputs to hash identically")
	}
	if a == c {
		t.Error("expected different inputs to hash differently")
	}
}

func TestExpansionCache_TTLExpiry(t *testing.T) {
	ec := NewExpansionCache[string](1, 16, time.Millisecond, 0)
	now := time.Now()
	ec.nowFunc = func() time.Time { return now }
	ec.Admit("key", "value", 0)

	ec.nowFunc = func() time.Time { return now.Add(2 * time.Millisecond) }
	if _, ok := ec.Get("key"); ok {
		t.Error("expected entry older than TTL to be evicted on access")
	}
}

func TestExpansionCache_HitCountIncrementsOnGet(t *testing.T) {
	ec := NewExpansionCache[string](1, 16, time.Hour, 0)
	ec.Admit("key", "value", 5*time.Second)

	_, _, durationMs, hitCount, ok := ec.EntryInfo("key")
	if !ok {
		t.Fatal("expected the admitted entry to be present")
	}
	if durationMs != 5000 {
		t.Errorf("durationMs = %d; want 5000", durationMs)
	}
	if hitCount != 0 {
		t.Errorf("hitCount = %d before any Get; want 0", hitCount)
	}

	for i := 1; i <= 3; i++ {
		if _, ok := ec.Get("key"); !ok {
			t.Fatalf("Get #%d missed", i)
		}
		_, _, _, hitCount, _ := ec.EntryInfo("key")
		if hitCount != uint64(i) {
			t.Errorf("hitCount after %d Get calls = %d; want %d", i, hitCount, i)
		}
	}
}

func TestExpansionCache_Delete(t *testing.T) {
	ec := NewExpansionCache[string](1, 16, time.Hour, 0)
	ec.Admit("key", "value", time.Second)
	ec.Delete("key")
	if _, ok := ec.Get("key"); ok {
		t.Error("expected deleted entry to miss")
	}
}
