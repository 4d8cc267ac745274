// Package engine wires the protocol, planning, scheduling, and
// persistence packages under internal/engine/ into the control surface
// a caller (the CLI, or an embedding program) drives a download with:
// Add/Start/Pause/Resume/Stop/Remove/Restart. It generalizes the
// teacher's cmd/root.go handleDownload + internal/download.WorkerPool
// split into a single, protocol-agnostic entry point that decides
// single-connection vs range-split strategy from a server probe rather
// than assuming HTTP range support up front.
package engine

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/surge-downloader/surge/internal/config"
	"github.com/surge-downloader/surge/internal/engine/concurrent"
	engineerrors "github.com/surge-downloader/surge/internal/engine/errors"
	"github.com/surge-downloader/surge/internal/engine/events"
	"github.com/surge-downloader/surge/internal/engine/limiter"
	"github.com/surge-downloader/surge/internal/engine/move"
	"github.com/surge-downloader/surge/internal/engine/prompt"
	"github.com/surge-downloader/surge/internal/engine/protocol/ftpx"
	"github.com/surge-downloader/surge/internal/engine/registry"
	"github.com/surge-downloader/surge/internal/engine/scheduler"
	"github.com/surge-downloader/surge/internal/engine/single"
	"github.com/surge-downloader/surge/internal/engine/state"
	"github.com/surge-downloader/surge/internal/engine/sweeper"
	"github.com/surge-downloader/surge/internal/engine/types"
	"github.com/surge-downloader/surge/internal/utils"
)

// promptTimeout bounds how long resolveDestination waits for a
// file-exists decision before assuming no one is listening. Var (not
// const) so tests can shrink it rather than block for the real value.
var promptTimeout = 30 * time.Second

// Engine is the top-level object a caller holds for the process
// lifetime. It owns the download/connection registries, the admission
// scheduler, the timeout sweeper, the three prompt queues, and the
// single move-worker that relocates completed files into place.
type Engine struct {
	Runtime *types.RuntimeConfig

	downloads   *registry.Downloads
	connections *registry.Connections
	scheduler   *scheduler.Scheduler
	sweeper     *sweeper.Sweeper
	prompts     *prompt.Queues
	mover       *move.Queue

	events chan any

	sweeperCtx    context.Context
	sweeperCancel context.CancelFunc

	log zerolog.Logger
}

// New builds an Engine ready to accept downloads. maxDownloads bounds
// how many run concurrently; the rest queue in the scheduler.
func New(runtime *types.RuntimeConfig, maxDownloads int) *Engine {
	e := &Engine{
		Runtime:     runtime,
		downloads:   registry.NewDownloads(),
		connections: registry.NewConnections(),
		prompts:     prompt.NewQueues(types.ProgressChannelBuffer),
		mover:       move.NewQueue(types.ProgressChannelBuffer),
		events:      make(chan any, types.ProgressChannelBuffer),
		log:         log.With().Str("component", "engine").Logger(),
	}
	e.scheduler = scheduler.New(maxDownloads, e.run)
	e.sweeper = sweeper.New(runtime)
	e.sweeperCtx, e.sweeperCancel = context.WithCancel(context.Background())

	go e.mover.Run(e.sweeperCtx)
	go e.sweeper.Run(e.sweeperCtx)

	return e
}

// Events returns the channel every download posts
// events.DownloadStartedMsg / events.DownloadCompleteMsg /
// events.DownloadErrorMsg / events.DownloadPausedMsg to. A single
// caller is expected to drain it; when the buffer is full, emit drops
// the event rather than block the transfer, completion and error
// events included.
func (e *Engine) Events() <-chan any {
	return e.events
}

func (e *Engine) emit(msg any) {
	select {
	case e.events <- msg:
	default:
	}
}

// Prompts exposes the file-exists/too-large/remote-modified queues so
// a frontend can either set a Queue.Resolve policy (headless/scripted
// use) or drain Next/Respond interactively.
func (e *Engine) Prompts() *prompt.Queues {
	return e.prompts
}

// List returns every in-memory Download the engine currently tracks
// (active, queued, or recently finished before its registry entry was
// cleaned up by Remove).
func (e *Engine) List() []*types.Download {
	var out []*types.Download
	e.downloads.Each(func(_ string, v any) {
		if dl, ok := v.(*types.Download); ok {
			out = append(out, dl)
		}
	})
	return out
}

// Get returns the in-memory Download record for id, if tracked.
func (e *Engine) Get(id string) *types.Download {
	return e.getDownload(id)
}

// Shutdown stops the sweeper and move queue and waits for every active
// download's goroutine to exit. It does not cancel active downloads;
// call PauseAll first if that's wanted.
func (e *Engine) Shutdown() {
	e.sweeperCancel()
	e.scheduler.Wait()
}

// Add registers a new download and admits it to the scheduler (or
// queues it if MaxDownloads active downloads are already running). The
// destination path is resolved against cfg.OutputPath plus whatever
// filename a probe or Content-Disposition header supplies, with
// collision suffixing via internal/engine/move.
func (e *Engine) Add(cfg types.DownloadConfig) (*types.Download, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if cfg.Runtime == nil {
		cfg.Runtime = e.Runtime
	}
	if cfg.State == nil {
		cfg.State = types.NewProgressState(cfg.ID, 0)
	}

	dl := &types.Download{
		ID:         cfg.ID,
		URL:        cfg.URL,
		DestPath:   cfg.OutputPath,
		Filename:   cfg.Filename,
		Status:     types.StatusQueued,
		PartsLimit: cfg.Runtime.GetPartsLimit(),
		Progress:   cfg.State,
	}
	e.downloads.Put(dl.ID, dl)

	if !cfg.IsResume {
		if err := state.AddToMasterList(types.DownloadEntry{
			ID:       dl.ID,
			URL:      dl.URL,
			DestPath: dl.DestPath,
			Filename: dl.Filename,
			Status:   string(types.StatusQueued),
			URLHash:  state.URLHash(dl.URL),
		}); err != nil {
			e.log.Warn().Str("id", dl.ID).Err(err).Msg("failed to persist new download")
		}
		if cfg.Username != "" || cfg.Password != "" {
			if err := state.SaveCredentials(dl.ID, cfg.Username, cfg.Password); err != nil {
				e.log.Warn().Str("id", dl.ID).Err(err).Msg("failed to persist credentials")
			}
		}
	}

	e.scheduler.Add(cfg)
	return dl, nil
}

// Pause marks an active download's ProgressState paused, which cancels
// its in-flight transfer's context and — because IsPaused() is true
// when the worker pool notices the cancellation — makes it persist
// resumable range state before returning, rather than treating the
// cancellation as a stop.
func (e *Engine) Pause(id string) bool {
	dl := e.getDownload(id)
	if dl == nil || dl.Progress == nil {
		return false
	}
	dl.Progress.Pause()
	dl.Lock()
	dl.Status = types.StatusPaused
	dl.Unlock()
	_ = state.UpdateStatus(id, string(types.StatusPaused))
	return true
}

// PauseAll pauses every active download, used on graceful shutdown.
func (e *Engine) PauseAll() {
	e.downloads.Each(func(id string, v any) {
		if dl, ok := v.(*types.Download); ok && dl.Progress != nil {
			dl.Progress.Pause()
		}
	})
	_ = state.PauseAllDownloads()
}

// ResumeAll re-admits every persisted paused download, used by the
// "resume all" control-surface operation.
func (e *Engine) ResumeAll() error {
	entries, err := state.LoadPausedDownloads()
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if _, err := e.Resume(entry.ID); err != nil {
			e.log.Warn().Str("id", entry.ID).Err(err).Msg("failed to resume during resume-all")
		}
	}
	return nil
}

// Stop interrupts an active download the same way Pause does (so the
// in-flight transfer takes its save-resumable-state branch rather than
// the bare-cancel branch, which some strategies treat as silent
// success), but marks it Stopped rather than Paused so Resume won't
// pick it back up automatically; Restart is required to run it again.
func (e *Engine) Stop(id string) bool {
	dl := e.getDownload(id)
	if dl == nil || dl.Progress == nil {
		return e.scheduler.Cancel(id)
	}
	dl.Lock()
	dl.Status = types.StatusStopped
	dl.Unlock()
	dl.Progress.Pause()
	_ = state.UpdateStatus(id, string(types.StatusStopped))
	return true
}

// Remove stops (if active) and deletes a download's persisted and
// in-memory state entirely.
func (e *Engine) Remove(id string) error {
	e.scheduler.Cancel(id)
	e.downloads.Delete(id)
	return state.DeleteState(id, "", "")
}

// Resume re-admits a previously paused or queued download by ID,
// rebuilding its DownloadConfig from persisted state.
func (e *Engine) Resume(id string) (*types.Download, error) {
	entry, err := state.GetDownload(id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("engine: no persisted download %s", id)
	}

	username, password, _ := state.LoadCredentials(id)
	cfg := types.DownloadConfig{
		ID:         id,
		URL:        entry.URL,
		OutputPath: entry.DestPath,
		Filename:   entry.Filename,
		Runtime:    e.Runtime,
		State:      types.NewProgressState(id, entry.TotalSize),
		IsResume:   true,
		Username:   username,
		Password:   password,
	}
	cfg.State.Downloaded.Store(entry.Downloaded)

	return e.Add(cfg)
}

// Restart discards any persisted range progress for id and re-adds it
// as if freshly submitted, used when a download exhausted its retry
// budget and the caller wants to try again from scratch.
func (e *Engine) Restart(id string) (*types.Download, error) {
	entry, err := state.GetDownload(id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("engine: no persisted download %s", id)
	}
	if err := state.DeleteState(id, "", ""); err != nil {
		e.log.Warn().Str("id", id).Err(err).Msg("failed clearing state before restart")
	}

	cfg := types.DownloadConfig{
		ID:         id,
		URL:        entry.URL,
		OutputPath: entry.DestPath,
		Filename:   entry.Filename,
		Runtime:    e.Runtime,
		State:      types.NewProgressState(id, 0),
	}
	return e.Add(cfg)
}

func (e *Engine) getDownload(id string) *types.Download {
	v, ok := e.downloads.Get(id)
	if !ok {
		return nil
	}
	dl, _ := v.(*types.Download)
	return dl
}

// run is the scheduler.Runner: it probes the target, resolves the
// destination path, picks a single-connection or range-split
// strategy, drives it to completion, persists the outcome, and emits
// the lifecycle events a CLI or other frontend renders.
func (e *Engine) run(ctx context.Context, cfg types.DownloadConfig) error {
	dl := e.getDownload(cfg.ID)
	start := time.Now()

	probeResult, err := ProbeServer(ctx, cfg.URL, cfg.Filename)
	if err != nil {
		e.finish(cfg, dl, err)
		return err
	}

	destPath, err := e.resolveDestination(ctx, cfg, probeResult)
	if err != nil {
		e.finish(cfg, dl, err)
		return err
	}
	if destPath == "" {
		// The file-exists prompt resolved to Skip.
		e.finish(cfg, dl, engineerrors.New(engineerrors.KindUser, fmt.Errorf("download skipped: destination already exists")))
		return context.Canceled
	}
	if err := config.EnsureDirs(); err != nil {
		e.finish(cfg, dl, err)
		return err
	}
	stagingPath := filepath.Join(config.GetStagingDir(), cfg.ID+"-"+filepath.Base(destPath))

	if dl != nil {
		dl.Lock()
		dl.Status = types.StatusActive
		dl.Filename = probeResult.Filename
		dl.DestPath = destPath
		dl.TotalSize = probeResult.FileSize
		dl.Unlock()
	}
	if cfg.State != nil {
		cfg.State.SetTotalSize(probeResult.FileSize)
	}

	e.emit(events.DownloadStartedMsg{
		DownloadID: cfg.ID,
		URL:        cfg.URL,
		Filename:   probeResult.Filename,
		Total:      probeResult.FileSize,
		DestPath:   destPath,
		State:      cfg.State,
	})

	if cfg.State != nil {
		e.sweeper.Track(&progressTracked{id: cfg.ID, ps: cfg.State, dl: dl})
		defer e.sweeper.Untrack(cfg.ID)
	}

	runErr := e.runTransfer(ctx, cfg, probeResult, stagingPath)

	// The concurrent strategy returns nil when its context is cancelled
	// without a pause (the sweeper's TimeoutNow), so a TimedOut status
	// routes a nil result here too.
	timedOut := false
	if dl != nil {
		dl.Lock()
		timedOut = dl.Status == types.StatusTimedOut
		dl.Unlock()
	}
	if runErr == types.ErrPaused || (runErr == nil && (ctx.Err() != nil || timedOut)) {
		// The concurrent strategy persists its own resumable range
		// state (keyed by stagingPath) before returning ErrPaused; the
		// single-connection strategy never resumes mid-transfer by
		// design, so there's nothing further to save here either way.
		status := types.DownloadStatus("")
		if dl != nil {
			dl.Lock()
			status = dl.Status
			dl.Unlock()
		}
		switch status {
		case types.StatusStopped:
			// Stop already persisted its terminal status; nothing more
			// to report beyond the saved range state above.
			return context.Canceled
		case types.StatusTimedOut:
			// The sweeper cancelled this one for stalling or lagging its
			// siblings; report it as an error, not a user pause.
			timeoutErr := engineerrors.New(engineerrors.KindTransient, cfg.State.GetError())
			e.finish(cfg, dl, timeoutErr)
			return timeoutErr
		default:
			e.emit(events.DownloadPausedMsg{DownloadID: cfg.ID, Downloaded: downloadedOf(cfg.State)})
			return context.Canceled
		}
	}
	if runErr != nil {
		if e.shouldRetryDownload(cfg, dl, runErr) {
			count := 0
			if dl != nil {
				dl.Lock()
				count = dl.RetryDownloadCount
				dl.Unlock()
			}
			e.log.Warn().Str("id", cfg.ID).Int("attempt", count).Err(runErr).
				Msg("download failed, retrying whole download")
			select {
			case <-time.After(time.Duration(count) * types.RetryBaseDelay):
			case <-ctx.Done():
				e.finish(cfg, dl, runErr)
				return runErr
			}
			return e.run(ctx, cfg)
		}
		e.finish(cfg, dl, runErr)
		return runErr
	}

	finalPath, err := e.mover.Enqueue(context.Background(), stagingPath, destPath)
	if err != nil {
		e.finish(cfg, dl, err)
		return err
	}

	if dl != nil {
		dl.Lock()
		dl.Status = types.StatusCompleted
		dl.Unlock()
	}
	_ = state.UpdateStatus(cfg.ID, string(types.StatusCompleted))

	e.emit(events.DownloadCompleteMsg{
		DownloadID: cfg.ID,
		Filename:   filepath.Base(finalPath),
		Elapsed:    time.Since(start),
		Total:      probeResult.FileSize,
	})
	return nil
}

func downloadedOf(ps *types.ProgressState) int64 {
	if ps == nil {
		return 0
	}
	d, _, _, _, _ := ps.GetProgress()
	return d
}

func (e *Engine) finish(cfg types.DownloadConfig, dl *types.Download, err error) {
	status := types.StatusErrored
	if dl != nil {
		dl.Lock()
		if dl.Status == types.StatusTimedOut {
			status = types.StatusTimedOut
		} else {
			dl.Status = types.StatusErrored
		}
		dl.Unlock()
	}
	if cfg.State != nil {
		cfg.State.SetError(err)
	}
	_ = state.UpdateStatus(cfg.ID, string(status))
	e.emit(events.DownloadErrorMsg{DownloadID: cfg.ID, Err: err})
}

// shouldRetryDownload decides whether runErr warrants a fresh whole-
// download attempt (re-probe, re-split, start over) rather than a
// terminal failure, per spec.md §4.4's download-retry budget. Address
// and part retries already happened inside the downloader before
// runErr ever reached here; this is the outermost, coarsest retry tier
// and the only one bounded by RetryDownloadsCount.
func (e *Engine) shouldRetryDownload(cfg types.DownloadConfig, dl *types.Download, runErr error) bool {
	ee, ok := runErr.(*engineerrors.EngineError)
	kind := engineerrors.KindFatal
	if ok {
		kind = ee.Kind
	}
	switch kind {
	case engineerrors.KindUser, engineerrors.KindPolicy, engineerrors.KindFatal:
		return false
	}
	if dl == nil {
		return false
	}

	dl.Lock()
	defer dl.Unlock()
	if dl.RetryDownloadCount >= cfg.Runtime.GetRetryDownloadsCount() {
		return false
	}
	dl.RetryDownloadCount++
	return true
}

// runTransfer dispatches to the single-connection downloader when the
// probe found no Range support, otherwise to the concurrent range-
// split downloader, rate-limited per host via internal/engine/limiter.
func (e *Engine) runTransfer(ctx context.Context, cfg types.DownloadConfig, probe *ProbeResult, destPath string) error {
	host := hostOf(cfg.URL)
	rl := limiter.GetLimiter(host)
	if wait := rl.BlockDuration(); wait > 0 {
		utils.Debug("engine: host %s rate limited, waiting %s", host, wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return types.ErrPaused
		}
	}

	// FTP/FTPS/FTPES always goes through the single-connection path:
	// range-splitting an FTP transfer would mean juggling N control
	// connections per download, which protocol/ftpx doesn't attempt.
	if !probe.SupportsRange || probe.FileSize <= 0 || ftpx.IsScheme(cfg.URL) {
		// Give Pause and the sweeper's TimeoutNow a CancelFunc to reach
		// this transfer; a transfer ended by that cancel reports ErrPaused.
		singleCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if cfg.State != nil {
			cfg.State.CancelFunc = cancel
		}
		d := single.New(cfg.ID, e.events, cfg.State, cfg.Runtime)
		d.Headers = cfg.Headers
		d.Username = cfg.Username
		d.Password = cfg.Password
		err := d.Download(singleCtx, cfg.URL, destPath, probe.FileSize, probe.Filename)
		if err != nil && singleCtx.Err() != nil {
			return types.ErrPaused
		}
		return err
	}

	d := concurrent.NewConcurrentDownloader(cfg.ID, e.events, cfg.State, cfg.Runtime, e.connections)
	d.URL = cfg.URL
	d.DestPath = destPath
	d.Username = cfg.Username
	d.Password = cfg.Password
	err := d.Download(ctx, cfg.URL, destPath, probe.FileSize, cfg.Verbose)
	if err != nil {
		if engErr, ok := err.(*engineerrors.EngineError); ok && engErr.Kind == engineerrors.KindTransient && engErr.Status == 429 {
			rl.Handle429(nil)
		} else {
			rl.ReportSuccess()
		}
	} else {
		rl.ReportSuccess()
	}
	return err
}

func hostOf(rawurl string) string {
	u, err := url.Parse(rawurl)
	if err != nil {
		return rawurl
	}
	return u.Host
}

// resolveDestination joins cfg.OutputPath (a directory or full file
// path) with the probed filename, falling back to a generic name. If
// the resolved path already exists on disk, it asks the file-exists
// prompt queue how to proceed (overwrite, skip, or rename to a free
// sibling name) rather than silently picking a name, unless the
// caller already committed to a decision via cfg.IsResume
// (a resume, which always reuses its own prior path) or
// this is a fresh download and no prompt consumer is attached (falls
// back to auto-rename so headless/unattended use never blocks).
func (e *Engine) resolveDestination(ctx context.Context, cfg types.DownloadConfig, probe *ProbeResult) (string, error) {
	filename := probe.Filename
	if filename == "" {
		filename = "download.bin"
	}
	outputPath := cfg.OutputPath

	var full string
	switch {
	case outputPath == "":
		full = filename
	case strings.HasSuffix(outputPath, string(filepath.Separator)):
		full = filepath.Join(outputPath, filename)
	default:
		ext := filepath.Ext(outputPath)
		if ext == "" && filepath.Base(outputPath) != filename {
			// Treat a bare path with no extension as a directory target.
			full = filepath.Join(outputPath, filename)
		} else {
			full = outputPath
		}
	}

	if cfg.IsResume {
		return full, nil
	}
	if _, err := os.Stat(full); err != nil {
		return full, nil
	}

	// Bound the wait: if nothing is draining the queue (headless run
	// with no policy attached), fall back to an automatic
	// collision-free name rather than hang the scheduler slot forever.
	askCtx, cancelAsk := context.WithTimeout(ctx, promptTimeout)
	defer cancelAsk()

	req := &prompt.Request{DownloadID: cfg.ID, Path: full, RemoteSize: probe.FileSize}
	decision, err := e.prompts.FileExists.Ask(askCtx, req)
	if err != nil {
		return move.UniqueFilePath(full), nil
	}

	switch decision {
	case prompt.DecisionOverwrite:
		return full, nil
	case prompt.DecisionSkip:
		return "", nil
	case prompt.DecisionRename:
		return move.UniqueFilePath(full), nil
	default:
		return move.UniqueFilePath(full), nil
	}
}

// progressTracked adapts a running download's ProgressState to the
// sweeper's Tracked interface, so a stalled or siblings-outpaced
// transfer gets timed out the same way regardless of whether it's
// running single-connection or range-split.
//
// FTP control-channel keepalive is not wired here: that requires a
// handle on the live FTP control connection, which only the protocol
// layer (protocol/ftpx) holds — a download-level adapter can't issue
// NOOP itself. IsFTPControl always reports false; the relevant keepalive
// path stays available for a future per-connection Tracked registered
// by protocol/ftpx directly.
type progressTracked struct {
	id string
	ps *types.ProgressState
	dl *types.Download
}

func (t *progressTracked) ID() string { return t.id }

func (t *progressTracked) Speed() float64 {
	downloaded, _, elapsed, _, sessionStart := t.ps.GetProgress()
	secs := elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(downloaded-sessionStart) / secs
}

func (t *progressTracked) StartedAt() time.Time    { return t.ps.SessionStartedAt() }
func (t *progressTracked) LastActivity() time.Time { return t.ps.LastActivity() }
func (t *progressTracked) IsFTPControl() bool      { return false }
func (t *progressTracked) KeepAlive() error        { return nil }

func (t *progressTracked) TimeoutNow() {
	if t.dl != nil {
		t.dl.Lock()
		t.dl.Status = types.StatusTimedOut
		t.dl.Unlock()
	}
	t.ps.SetError(fmt.Errorf("download timed out: stalled or too slow relative to peers"))
	if t.ps.CancelFunc != nil {
		t.ps.CancelFunc()
	}
}
