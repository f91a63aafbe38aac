package transcribe

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSelectTierBoundaries(t *testing.T) {
	cases := []struct {
		available uint64
		want      Tier
	}{
		{1 * gib, TierTiny},
		{tierSmallMin - 1, TierTiny},
		{tierSmallMin, TierSmall},
		{4 * gib, TierSmall},
		{4*gib + 1, TierMedium},
		{8 * gib, TierMedium},
		{8*gib + 1, TierLarge},
		{16 * gib, TierLarge},
		{16*gib + 1, TierLargest},
		{64 * gib, TierLargest},
	}
	for _, tc := range cases {
		if got := SelectTier(tc.available); got != tc.want {
			t.Errorf("SelectTier(%d) = %s, want %s", tc.available, got, tc.want)
		}
	}
}

func TestDowngradeChain(t *testing.T) {
	order := []Tier{TierLargest, TierLarge, TierMedium, TierSmall, TierTiny}
	for i := 0; i < len(order)-1; i++ {
		got, ok := Downgrade(order[i])
		if !ok || got != order[i+1] {
			t.Errorf("Downgrade(%s) = %s/%v, want %s", order[i], got, ok, order[i+1])
		}
	}
	if _, ok := Downgrade(TierTiny); ok {
		t.Error("Downgrade(tiny) should report no smaller tier")
	}
}

func TestSelectorProbesOnInterval(t *testing.T) {
	probes := 0
	s := NewSelector(func() (uint64, error) {
		probes++
		return 20 * gib, nil
	}, 5*time.Minute, newLogger())

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }

	if got := s.Tier(); got != TierLargest {
		t.Fatalf("expected largest with 20GiB available, got %s", got)
	}
	s.Tier()
	if probes != 1 {
		t.Fatalf("expected 1 probe within the interval, got %d", probes)
	}

	now = now.Add(6 * time.Minute)
	s.Tier()
	if probes != 2 {
		t.Fatalf("expected re-probe after the interval, got %d", probes)
	}
}

func TestSelectorOOMDowngradeIsSticky(t *testing.T) {
	s := NewSelector(func() (uint64, error) { return 20 * gib, nil }, 0, newLogger())
	var degraded []Tier
	s.OnDegrade = func(_, to Tier) { degraded = append(degraded, to) }

	if got := s.Tier(); got != TierLargest {
		t.Fatalf("expected largest, got %s", got)
	}
	if got := s.ReportOOM(TierLargest); got != TierLarge {
		t.Fatalf("expected downgrade to large, got %s", got)
	}
	// Interval 0 forces a fresh probe, but the ceiling holds.
	if got := s.Tier(); got != TierLarge {
		t.Fatalf("expected ceiling to cap re-probe at large, got %s", got)
	}
	if got := s.ReportOOM(TierLarge); got != TierMedium {
		t.Fatalf("expected downgrade to medium, got %s", got)
	}
	if len(degraded) != 2 || degraded[1] != TierMedium {
		t.Errorf("unexpected degrade notifications: %v", degraded)
	}
}

func TestSelectorOOMAtSmallestTier(t *testing.T) {
	s := NewSelector(func() (uint64, error) { return 1 * gib, nil }, 0, newLogger())
	if got := s.Tier(); got != TierTiny {
		t.Fatalf("expected tiny, got %s", got)
	}
	if got := s.ReportOOM(TierTiny); got != TierTiny {
		t.Fatalf("expected tiny unchanged, got %s", got)
	}
}

func TestSelectorProbeFailure(t *testing.T) {
	s := NewSelector(func() (uint64, error) { return 0, errors.New("no procfs") }, time.Minute, newLogger())
	if got := s.Tier(); got != TierSmall {
		t.Fatalf("expected small fallback when the probe fails, got %s", got)
	}
}
