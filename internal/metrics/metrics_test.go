package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestVerifier_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	size := 3
	m := NewVerifier(reg, func() int { return size })

	m.Verified(OutcomeLocal, "ok")
	m.Verified(OutcomeLocal, "ok")
	m.Verified(OutcomeRejected, "inactive")
	m.Introspected("ok", 20*time.Millisecond)

	if got := testutil.ToFloat64(m.Verifications.WithLabelValues(OutcomeLocal, "ok")); got != 2 {
		t.Fatalf("local/ok = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.CacheEntries); got != 3 {
		t.Fatalf("cache entries = %v, want 3", got)
	}
	size = 1
	if got := testutil.ToFloat64(m.CacheEntries); got != 1 {
		t.Fatalf("cache entries read at scrape time = %v, want 1", got)
	}
	n, err := testutil.GatherAndCount(reg)
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n != 4 {
		t.Fatalf("series = %d, want 4", n)
	}
}

func TestVerifier_NilSafe(t *testing.T) {
	var m *Verifier
	m.Verified(OutcomeCache, "ok")
	m.Introspected("ok", time.Second)
}

func TestNewVerifier_NilCacheLen(t *testing.T) {
	m := NewVerifier(nil, nil)
	if got := testutil.ToFloat64(m.CacheEntries); got != 0 {
		t.Fatalf("cache entries = %v, want 0", got)
	}
}

func TestNewVerifier_Unregistered(t *testing.T) {
	// Two unregistered instances must not collide.
	a, b := NewVerifier(nil, nil), NewVerifier(nil, nil)
	a.Verified(OutcomeLocal, "ok")
	if got := testutil.ToFloat64(b.Verifications.WithLabelValues(OutcomeLocal, "ok")); got != 0 {
		t.Fatalf("instances share state: %v", got)
	}
}
