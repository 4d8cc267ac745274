// Package sweeper runs the single low-priority ticking goroutine that
// times out stalled connections, per spec.md §4.5. Generalizes the
// teacher's concurrent.checkWorkerHealth (relative speed comparison
// against a tracked-connection mean) with an absolute
// timeout_counter/threshold check and FTP NOOP keep-alive cadence,
// neither of which the teacher's worker-pool-local health check covers
// since it only ever compared sibling workers within one download.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/surge-downloader/surge/internal/engine/types"
)

// Tracked is anything the sweeper can inspect and, if it's stalled or
// due for a keep-alive, act on.
type Tracked interface {
	ID() string
	Speed() float64
	StartedAt() time.Time
	LastActivity() time.Time
	IsFTPControl() bool
	KeepAlive() error
	TimeoutNow()
}

// Sweeper periodically scans every registered Tracked connection.
type Sweeper struct {
	Runtime *types.RuntimeConfig
	Interval time.Duration

	mu      sync.Mutex
	tracked map[string]Tracked

	logger zerolog.Logger
}

func New(runtime *types.RuntimeConfig) *Sweeper {
	interval := types.HealthCheckInterval
	return &Sweeper{
		Runtime:  runtime,
		Interval: interval,
		tracked:  make(map[string]Tracked),
		logger:   log.With().Str("component", "sweeper").Logger(),
	}
}

func (s *Sweeper) Track(t Tracked) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracked[t.ID()] = t
}

func (s *Sweeper) Untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tracked, id)
}

// Run blocks, sweeping every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	s.mu.Lock()
	snapshot := make([]Tracked, 0, len(s.tracked))
	for _, t := range s.tracked {
		snapshot = append(snapshot, t)
	}
	s.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}

	now := time.Now()
	stallTimeout := s.Runtime.GetStallTimeout()
	gracePeriod := s.Runtime.GetSlowWorkerGracePeriod()
	threshold := s.Runtime.GetSlowWorkerThreshold()

	var totalSpeed float64
	var speedCount int
	for _, t := range snapshot {
		if speed := t.Speed(); speed > 0 {
			totalSpeed += speed
			speedCount++
		}
	}
	var meanSpeed float64
	if speedCount > 0 {
		meanSpeed = totalSpeed / float64(speedCount)
	}

	for _, t := range snapshot {
		// Absolute stall: no bytes at all since stallTimeout ago,
		// regardless of how its siblings are doing.
		if now.Sub(t.LastActivity()) >= stallTimeout {
			s.logger.Warn().Str("id", t.ID()).Msg("connection stalled, timing out")
			t.TimeoutNow()
			continue
		}

		if t.IsFTPControl() {
			if err := t.KeepAlive(); err != nil {
				s.logger.Debug().Str("id", t.ID()).Err(err).Msg("ftp keepalive failed")
			}
			continue
		}

		if now.Sub(t.StartedAt()) < gracePeriod {
			continue
		}
		if meanSpeed <= 0 {
			continue
		}
		speed := t.Speed()
		if speed > 0 && speed < threshold*meanSpeed {
			s.logger.Debug().Str("id", t.ID()).Float64("speed", speed).Float64("mean", meanSpeed).
				Msg("connection slow relative to siblings, timing out")
			t.TimeoutNow()
		}
	}
}
