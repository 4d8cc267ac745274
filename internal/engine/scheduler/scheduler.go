// Package scheduler admits and queues downloads, generalizing the
// teacher's internal/download.WorkerPool (max_downloads-capped active
// map + queued map, pause/resume/cancel) into a protocol-agnostic
// admission controller. It hands each admitted download to a Runner
// and moves on; spec.md §4.4's retry taxonomy lives one layer up, in
// the engine package's Runner implementation: address retry (DNS/
// connect failover) and part retry (resume in place) happen inside the
// downloader before the Runner ever returns, and the outermost
// download retry (retry_downloads_count budget; once it is spent the
// download is marked Errored, or TimedOut when the sweeper timed it
// out, never Stopped) wraps the Runner call itself, re-admitting the same config
// rather than asking this package to understand retry budgets.
package scheduler

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/surge-downloader/surge/internal/engine/types"
)

// Runner performs one admitted download to completion, returning
// context.Canceled for pause, or any other error for failure. It is
// supplied by the engine package so this package stays protocol-
// agnostic.
type Runner func(ctx context.Context, cfg types.DownloadConfig) error

type job struct {
	cfg    types.DownloadConfig
	cancel context.CancelFunc
}

// Scheduler admission-controls concurrently active downloads against
// MaxDownloads, queueing the rest.
type Scheduler struct {
	MaxDownloads int
	run          Runner

	mu     sync.Mutex
	active map[string]*job
	queued []types.DownloadConfig

	wg  sync.WaitGroup
	log zerolog.Logger
}

func New(maxDownloads int, run Runner) *Scheduler {
	if maxDownloads < 1 {
		maxDownloads = 1
	}
	return &Scheduler{
		MaxDownloads: maxDownloads,
		run:          run,
		active:       make(map[string]*job),
		log:          log.With().Str("component", "scheduler").Logger(),
	}
}

// Add admits cfg immediately if under MaxDownloads, else queues it.
func (s *Scheduler) Add(cfg types.DownloadConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.active) >= s.MaxDownloads {
		s.queued = append(s.queued, cfg)
		s.log.Info().Str("id", cfg.ID).Int("queue_len", len(s.queued)).Msg("download queued")
		return
	}
	s.startLocked(cfg)
}

func (s *Scheduler) startLocked(cfg types.DownloadConfig) {
	ctx, cancel := context.WithCancel(context.Background())
	j := &job{cfg: cfg, cancel: cancel}
	s.active[cfg.ID] = j

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.run(ctx, cfg)
		s.onFinished(cfg.ID, err)
	}()
}

func (s *Scheduler) onFinished(id string, err error) {
	s.mu.Lock()
	delete(s.active, id)
	var next *types.DownloadConfig
	if len(s.queued) > 0 && len(s.active) < s.MaxDownloads {
		cfg := s.queued[0]
		s.queued = s.queued[1:]
		next = &cfg
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn().Str("id", id).Err(err).Msg("download finished with error")
	} else {
		s.log.Info().Str("id", id).Msg("download finished")
	}

	if next != nil {
		s.mu.Lock()
		s.startLocked(*next)
		s.mu.Unlock()
	}
}

// Pause cancels an active download's context; the Runner is expected
// to persist resumable state before returning.
func (s *Scheduler) Pause(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.active[id]
	if !ok {
		return false
	}
	j.cancel()
	return true
}

// PauseAll cancels every active download's context.
func (s *Scheduler) PauseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.active {
		j.cancel()
	}
}

// Cancel is Pause by another name, used for a terminal stop/remove
// rather than a resumable pause; callers distinguish via the Runner's
// persisted status.
func (s *Scheduler) Cancel(id string) bool {
	return s.Pause(id)
}

// ActiveCount reports the number of currently-running downloads.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// HasDownload reports whether id is active or queued.
func (s *Scheduler) HasDownload(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[id]; ok {
		return true
	}
	for _, q := range s.queued {
		if q.ID == id {
			return true
		}
	}
	return false
}

// Wait blocks until every active download goroutine has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
