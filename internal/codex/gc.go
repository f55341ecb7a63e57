package codex

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/sagemathinc/project-host/internal/metrics"
)

// Sweep cadence and expiry. The interval floor keeps a mistyped
// millisecond config from turning the GC into a busy loop.
const (
	DefaultSweepInterval = time.Hour
	MinSweepInterval     = time.Minute
	DefaultCredentialTTL = 72 * time.Hour
)

// ContainerScanner answers which live containers bind a directory.
// The podman adapter implements it.
type ContainerScanner interface {
	UsedBy(ctx context.Context, destination, source string) ([]string, error)
}

// SweeperOption configures the sweeper.
type SweeperOption func(*Sweeper)

// WithCredentialTTL overrides the expiry age.
func WithCredentialTTL(ttl time.Duration) SweeperOption {
	return func(s *Sweeper) { s.ttl = ttl }
}

// WithSweepInterval overrides the cadence, clamped to the floor.
func WithSweepInterval(interval time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if interval < MinSweepInterval {
			interval = MinSweepInterval
		}
		s.interval = interval
	}
}

// WithSweeperLogger overrides the default logger.
func WithSweeperLogger(log *slog.Logger) SweeperOption {
	return func(s *Sweeper) { s.log = log }
}

// WithSweeperMetrics records removals on the given instruments.
func WithSweeperMetrics(m *metrics.Metrics) SweeperOption {
	return func(s *Sweeper) { s.metrics = m }
}

// WithSweeperClock overrides the clock, for tests.
func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

// Sweeper garbage-collects credential directories that no live
// container binds and that have gone unused past the TTL. It
// implements transport.Listener.
type Sweeper struct {
	root     string
	scanner  ContainerScanner
	ttl      time.Duration
	interval time.Duration
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	running atomic.Bool
}

// NewSweeper builds a sweeper over the subscriptions root.
func NewSweeper(root string, scanner ContainerScanner, opts ...SweeperOption) (*Sweeper, error) {
	if scanner == nil {
		return nil, fmt.Errorf("codex: container scanner is required")
	}
	s := &Sweeper{
		root:     root,
		scanner:  scanner,
		ttl:      DefaultCredentialTTL,
		interval: DefaultSweepInterval,
		log:      slog.Default().With("component", "codex-gc"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start sweeps on the configured cadence until ctx ends. The first
// sweep is delayed by a random jitter of up to half the interval so a
// fleet restarted together does not sweep in lockstep.
func (s *Sweeper) Start(ctx context.Context) error {
	jitter := rand.N(s.interval / 2)
	t := time.NewTimer(jitter)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return nil
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil {
			s.log.Warn("credential sweep failed", "err", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

// Stop is a no-op; the loop exits with its context.
func (s *Sweeper) Stop(context.Context) error { return nil }

// Sweep scans the subscription root once and removes expired unused
// directories, reporting how many went. Sweeps are serialized with
// themselves: a call while one is in flight returns immediately.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if !s.running.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer s.running.Store(false)

	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("scan subscription root: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, entry.Name())

		users, err := s.scanner.UsedBy(ctx, MountDestination, dir)
		if err != nil {
			// Cannot prove the directory is unused, so keep it.
			s.log.Warn("container scan failed, keeping credentials",
				"account_id", entry.Name(), "err", err)
			continue
		}
		if len(users) > 0 {
			continue
		}

		age := s.now().Sub(newestMtime(dir))
		if age <= s.ttl {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			s.log.Warn("remove expired credentials", "account_id", entry.Name(), "err", err)
			continue
		}
		removed++
		s.log.Info("removed expired codex credentials",
			"account_id", entry.Name(), "age", age.Round(time.Minute))
	}
	if removed > 0 {
		s.metrics.CodexSwept(ctx, int64(removed))
	}
	return removed, nil
}

// newestMtime is the most recent modification across the directory
// itself and the files that count as "use".
func newestMtime(dir string) time.Time {
	newest := time.Time{}
	if info, err := os.Stat(dir); err == nil {
		newest = info.ModTime()
	}
	for _, name := range []string{markerFile, authFile, configFile} {
		if info, err := os.Stat(filepath.Join(dir, name)); err == nil && info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	return newest
}
