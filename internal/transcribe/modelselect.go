package transcribe

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
)

// Memory thresholds between model tiers. Boundaries belong to the smaller
// tier: exactly 4 GiB still selects small.
const (
	gib            = uint64(1) << 30
	tierSmallMin   = gib * 5 / 2
	tierMediumMin  = 4 * gib
	tierLargeMin   = 8 * gib
	tierLargestMin = 16 * gib
)

var tierRanks = map[Tier]int{
	TierTiny:    0,
	TierSmall:   1,
	TierMedium:  2,
	TierLarge:   3,
	TierLargest: 4,
}

// SelectTier maps available memory to the largest model tier that fits.
func SelectTier(available uint64) Tier {
	switch {
	case available > tierLargestMin:
		return TierLargest
	case available > tierLargeMin:
		return TierLarge
	case available > tierMediumMin:
		return TierMedium
	case available >= tierSmallMin:
		return TierSmall
	default:
		return TierTiny
	}
}

// Downgrade returns the next smaller tier. ok is false when t is already the
// smallest.
func Downgrade(t Tier) (Tier, bool) {
	switch t {
	case TierLargest:
		return TierLarge, true
	case TierLarge:
		return TierMedium, true
	case TierMedium:
		return TierSmall, true
	case TierSmall:
		return TierTiny, true
	default:
		return TierTiny, false
	}
}

// MemProber reports currently available memory in bytes.
type MemProber func() (uint64, error)

// SystemMemory probes the host's available memory.
func SystemMemory() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("probe memory: %w", err)
	}
	return vm.Available, nil
}

// Selector picks the model tier before each window, re-probing memory on an
// interval. Out-of-memory reports lower a ceiling that later probes cannot
// exceed, so a host that once failed a tier is not asked to load it again.
type Selector struct {
	// OnDegrade, when set, observes every OOM-driven tier change.
	OnDegrade func(from, to Tier)

	mu        sync.Mutex
	probe     MemProber
	interval  time.Duration
	clock     func() time.Time
	log       *slog.Logger
	current   Tier
	ceiling   Tier
	lastProbe time.Time
}

// NewSelector builds a selector that re-probes at most every interval.
func NewSelector(probe MemProber, interval time.Duration, log *slog.Logger) *Selector {
	return &Selector{
		probe:    probe,
		interval: interval,
		clock:    time.Now,
		log:      log,
		ceiling:  TierLargest,
	}
}

// Tier returns the tier to use for the next window, probing memory when the
// last probe has gone stale.
func (s *Selector) Tier() Tier {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if s.current == "" || now.Sub(s.lastProbe) >= s.interval {
		s.probeLocked(now)
	}
	return s.current
}

func (s *Selector) probeLocked(now time.Time) {
	s.lastProbe = now
	available, err := s.probe()
	if err != nil {
		if s.current == "" {
			s.current = TierSmall
		}
		s.log.Warn("memory probe failed, keeping model tier",
			slog.String("tier", string(s.current)),
			slog.String("error", err.Error()))
		return
	}
	tier := SelectTier(available)
	if tierRanks[tier] > tierRanks[s.ceiling] {
		tier = s.ceiling
	}
	if tier != s.current {
		s.log.Info("model tier selected",
			slog.String("tier", string(tier)),
			slog.Uint64("available_bytes", available))
		s.current = tier
	}
}

// ReportOOM records that the given tier failed with out-of-memory and
// returns the tier to retry with. The failed tier is capped out for the rest
// of the session.
func (s *Selector) ReportOOM(failed Tier) Tier {
	s.mu.Lock()
	defer s.mu.Unlock()

	lower, ok := Downgrade(failed)
	if !ok {
		s.log.Warn("out of memory at smallest model tier")
		return failed
	}
	if tierRanks[lower] < tierRanks[s.ceiling] {
		s.ceiling = lower
	}
	prev := s.current
	if s.current == "" || tierRanks[s.current] > tierRanks[s.ceiling] {
		s.current = s.ceiling
	}
	s.log.Warn("model tier degraded after out-of-memory",
		slog.String("failed", string(failed)),
		slog.String("tier", string(s.current)))
	if s.OnDegrade != nil && prev != s.current {
		s.OnDegrade(prev, s.current)
	}
	return s.current
}
