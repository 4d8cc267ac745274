package concurrent

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/surge-downloader/surge/internal/engine/planner"
	"github.com/surge-downloader/surge/internal/engine/protocol/socks"
	"github.com/surge-downloader/surge/internal/engine/reactor"
	"github.com/surge-downloader/surge/internal/engine/registry"
	"github.com/surge-downloader/surge/internal/engine/state"
	"github.com/surge-downloader/surge/internal/engine/types"
	"github.com/surge-downloader/surge/internal/utils"
)

// ConcurrentDownloader handles multi-connection downloads
type ConcurrentDownloader struct {
	ProgressChan chan<- any           // Channel for events (start/complete/error)
	ID           string               // Download ID
	State        *types.ProgressState // Shared progress state, read by the engine and sweeper
	activeTasks  map[int]*ActiveTask
	activeMu     sync.Mutex
	URL          string // For pause/resume
	DestPath     string // For pause/resume
	Runtime      *types.RuntimeConfig
	Connections  *registry.Connections // per-task Connection state machines, keyed by ID
	Username     string                 // Digest-auth credentials, if any
	Password     string
	bufPool      sync.Pool
}

// NewConcurrentDownloader creates a new concurrent downloader with all required parameters
func NewConcurrentDownloader(id string, progressCh chan<- any, progState *types.ProgressState, runtime *types.RuntimeConfig, connections *registry.Connections) *ConcurrentDownloader {
	if connections == nil {
		connections = registry.NewConnections()
	}
	return &ConcurrentDownloader{
		ID:           id,
		ProgressChan: progressCh,
		State:        progState,
		activeTasks:  make(map[int]*ActiveTask),
		Runtime:      runtime,
		Connections:  connections,
		bufPool: sync.Pool{
			New: func() any {
				// Use configured buffer size
				size := runtime.GetWorkerBufferSize()
				buf := make([]byte, size)
				return &buf
			},
		},
	}
}

// getInitialConnections returns the starting number of connections based on file size
func (d *ConcurrentDownloader) getInitialConnections(fileSize int64) int {
	maxConns := d.Runtime.GetMaxConnectionsPerHost()

	var recConns int
	switch {
	case fileSize < 10*types.MB:
		recConns = 1
	case fileSize < 100*types.MB:
		recConns = 4
	case fileSize < 1*types.GB:
		recConns = 6
	default:
		recConns = 32
	}

	if recConns > maxConns {
		return maxConns
	}
	return recConns
}

// newConcurrentClient creates an http.Client tuned for concurrent downloads
func (d *ConcurrentDownloader) newConcurrentClient(numConns int) *http.Client {
	// Ensure we have enough connections per host
	maxConns := d.Runtime.GetMaxConnectionsPerHost()
	if numConns > maxConns {
		maxConns = numConns
	}

	transport := &http.Transport{
		// Connection pooling
		MaxIdleConns:        types.DefaultMaxIdleConns,
		MaxIdleConnsPerHost: maxConns + 2, // Slightly more than max to handle bursts
		MaxConnsPerHost:     maxConns,

		// Timeouts to prevent hung connections
		IdleConnTimeout:       types.DefaultIdleConnTimeout,
		TLSHandshakeTimeout:   types.DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: types.DefaultResponseHeaderTimeout,
		ExpectContinueTimeout: types.DefaultExpectContinueTimeout,

		// Performance tuning
		DisableCompression: true,  // Files are usually already compressed
		ForceAttemptHTTP2:  false, // FORCE HTTP/1.1 for multiple TCP connections
		TLSNextProto:       make(map[string]func(authority string, c *tls.Conn) http.RoundTripper),

		// Dial settings for TCP reliability
		DialContext: (&net.Dialer{
			Timeout:   types.DialTimeout,
			KeepAlive: types.KeepAliveDuration,
		}).DialContext,
	}

	if d.Runtime != nil && d.Runtime.ProxyURL != "" {
		applyProxy(transport, d.Runtime.ProxyURL)
	}

	return &http.Client{
		Transport: transport,
	}
}

// applyProxy routes transport's dials through the proxy named by
// proxyURL: SOCKS4/4a/5 via internal/engine/protocol/socks, anything
// else via the stdlib's CONNECT-based http.ProxyURL. Mirrors
// single.applyProxy so a configured proxy is honored on both the
// single-connection and range-split paths.
func applyProxy(transport *http.Transport, proxyURL string) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		utils.Debug("concurrent: invalid proxy URL %q: %v", proxyURL, err)
		return
	}

	switch {
	case strings.HasPrefix(u.Scheme, "socks5"):
		var username, password string
		if u.User != nil {
			username = u.User.Username()
			password, _ = u.User.Password()
		}
		d := &socks.Dialer{ProxyAddr: u.Host, Version: socks.V5, Username: username, Password: password}
		transport.DialContext = d.DialContext

	case u.Scheme == "socks4" || u.Scheme == "socks4a":
		version := socks.V4
		if u.Scheme == "socks4a" {
			version = socks.V4a
		}
		d := &socks.Dialer{ProxyAddr: u.Host, Version: version}
		transport.DialContext = d.DialContext

	default:
		transport.Proxy = http.ProxyURL(u)
	}
}

// Download downloads a file using multiple concurrent connections
// Uses pre-probed metadata (file size already known)
func (d *ConcurrentDownloader) Download(ctx context.Context, rawurl, destPath string, fileSize int64, verbose bool) error {
	utils.Debug("ConcurrentDownloader.Download: %s -> %s (size: %d)", rawurl, destPath, fileSize)

	// Store URL and path for pause/resume (final path without .surge)
	d.URL = rawurl
	d.DestPath = destPath

	// Working file has .surge suffix until download completes
	workingPath := destPath + types.IncompleteSuffix

	// Create cancellable context for pause support
	downloadCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if d.State != nil {
		d.State.CancelFunc = cancel
	}

	// Determine connections, clamped to the configured parts_limit
	// regardless of how many the file-size heuristic would otherwise
	// pick (spec.md §3's "at most parts_limit Connections simultaneously"
	// invariant).
	numConns := d.getInitialConnections(fileSize)
	if limit := d.Runtime.GetPartsLimit(); limit > 0 && numConns > limit {
		numConns = limit
	}
	parts := numConns * types.TasksPerWorker

	// Create tuned HTTP client for concurrent downloads
	client := d.newConcurrentClient(numConns)

	if verbose {
		fmt.Printf("File size: %s, connections: %d, parts: %d\n",
			utils.ConvertBytesToHumanReadable(fileSize), numConns, parts)
	}

	// Create and preallocate output file with .surge suffix
	outFile, err := os.OpenFile(workingPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer outFile.Close()

	// Check for saved state BEFORE truncating (resume case)
	var tasks []types.Task
	savedState, err := state.LoadState(rawurl, destPath)
	isResume := err == nil && savedState != nil && len(savedState.Tasks) > 0

	if isResume {
		// Resume: re-plan the saved incomplete ranges across the
		// current connection count (planner.Replan), rather than
		// replaying the exact split the previous session happened to
		// leave behind — this is the part of spec.md §4.3 that only a
		// resume can actually exercise: the initial split is already
		// fully covered by planner.Plan below.
		incomplete := make([]types.Range, 0, len(savedState.Tasks))
		for _, t := range savedState.Tasks {
			incomplete = append(incomplete, types.FromTask(t))
		}
		replanned := planner.Replan(incomplete, parts, d.Runtime)
		tasks = make([]types.Task, 0, len(replanned))
		for _, r := range replanned {
			tasks = append(tasks, r.ToTask())
		}
		if d.State != nil {
			d.State.Downloaded.Store(savedState.Downloaded)
			// Restore elapsed time from previous sessions
			d.State.SetSavedElapsed(time.Duration(savedState.Elapsed))
			// Fix speed spike: sync session start so we don't count previous bytes as new speed
			d.State.SyncSessionStart()
		}
		utils.Debug("Resuming from saved state: %d tasks, %d bytes downloaded", len(tasks), savedState.Downloaded)
	} else {
		// Fresh download: preallocate file and create new tasks
		if err := outFile.Truncate(fileSize); err != nil {
			return fmt.Errorf("failed to preallocate file: %w", err)
		}
		ranges := planner.Plan(fileSize, parts, d.Runtime)
		tasks = make([]types.Task, 0, len(ranges))
		for _, r := range ranges {
			tasks = append(tasks, r.ToTask())
		}
		// Robustness: ensure state counter starts at 0 for fresh download
		if d.State != nil {
			d.State.Downloaded.Store(0)
			d.State.SyncSessionStart()
		}
	}
	queue := NewTaskQueue()
	queue.PushMultiple(tasks)

	// Start time for stats
	startTime := time.Now()

	// Start balancer goroutine for dynamic chunk splitting
	balancerCtx, cancelBalancer := context.WithCancel(downloadCtx)
	defer cancelBalancer()

	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()

		maxSplits := 50
		splitCount := 0

		for {
			select {
			case <-balancerCtx.Done():
				return
			case <-ticker.C:
				if queue.IdleWorkers() > 0 && splitCount < maxSplits {
					if queue.SplitLargestIfNeeded() {
						splitCount++
						utils.Debug("Balancer: split largest task (total splits: %d)", splitCount)
					} else if queue.Len() == 0 {
						// Try to steal from an active worker
						if d.StealWork(queue) {
							splitCount++
						}
					}
				}
			}
		}
	}()

	// Monitor for completion
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				queue.Close()
				return
			case <-balancerCtx.Done():
				queue.Close()
				return
			case <-ticker.C:
				// Ensure queue is empty (no pending retries) before considering byte count.
				// This protects against cutting off active retries even if byte count seems high (due to overlaps etc).
				if queue.Len() == 0 && (int(queue.IdleWorkers()) == numConns || d.State.Downloaded.Load() >= fileSize) {
					queue.Close()
					return
				}
			}
		}
	}()

	// Health monitor: detect slow workers
	go func() {
		ticker := time.NewTicker(types.HealthCheckInterval) // Fixed: using types constant
		defer ticker.Stop()

		for {
			select {
			case <-balancerCtx.Done():
				return
			case <-ticker.C:
				d.checkWorkerHealth()
			}
		}
	}()

	// Start one reactor actor per connection slot; each actor is a
	// worker draining the shared task queue until it's closed. Run
	// blocks until every actor returns.
	pool := reactor.New(numConns)
	downloadErr := pool.Run(downloadCtx, func(actorCtx context.Context, slot int) error {
		return d.worker(actorCtx, slot, rawurl, outFile, queue, fileSize, startTime, verbose, client)
	})
	queue.Close()

	// Handle pause: state saved
	if d.State != nil && d.State.IsPaused() {
		// 1. Collect active tasks as remaining work FIRST
		var activeRemaining []types.Task
		d.activeMu.Lock()
		for _, active := range d.activeTasks {
			if remaining := active.RemainingTask(); remaining != nil {
				activeRemaining = append(activeRemaining, *remaining)
			}
		}
		d.activeMu.Unlock()

		// 2. Collect remaining tasks from queue
		remainingTasks := queue.DrainRemaining()
		remainingTasks = append(remainingTasks, activeRemaining...)

		// Calculate Downloaded from remaining tasks (ensures consistency)
		var remainingBytes int64
		for _, task := range remainingTasks {
			remainingBytes += task.Length
		}
		computedDownloaded := fileSize - remainingBytes

		// Calculate total elapsed time
		var totalElapsed time.Duration
		if d.State != nil {
			totalElapsed = d.State.SavedElapsed + time.Since(startTime)
		} else {
			totalElapsed = time.Since(startTime)
		}

		// Save state for resume (use computed value for consistency)
		s := &types.DownloadState{
			URL:        d.URL,
			ID:         d.ID,
			DestPath:   destPath,
			TotalSize:  fileSize,
			Downloaded: computedDownloaded,
			Tasks:      remainingTasks,
			Filename:   filepath.Base(destPath),
			Elapsed:    totalElapsed.Nanoseconds(),
		}
		if err := state.SaveState(d.URL, destPath, s); err != nil {
			utils.Debug("Failed to save pause state: %v", err)
		}

		utils.Debug("Download paused, state saved (Downloaded=%d, RemainingTasks=%d, RemainingBytes=%d)",
			computedDownloaded, len(remainingTasks), remainingBytes)
		return types.ErrPaused // Signal valid pause to caller
	}

	// Handle cancel: context was cancelled but not via Pause() - just exit cleanly
	// The .surge working file stays on disk; nothing here removes it
	if downloadCtx.Err() == context.Canceled {
		return nil
	}

	if downloadErr != nil {
		return downloadErr
	}

	// Final sync
	if err := outFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}

	// Close file before renaming
	outFile.Close()

	// Rename from .surge to final destination
	if err := os.Rename(workingPath, destPath); err != nil {
		// Check for race condition: did someone else already rename it?
		if os.IsNotExist(err) {
			if info, statErr := os.Stat(destPath); statErr == nil && info.Size() == fileSize {
				utils.Debug("Race condition detected: File already exists and has correct size. Treating as success.")
				// Clean up state just in case, though usually done by caller
				_ = state.DeleteState(d.ID, d.URL, destPath)
				return nil
			}
		}
		return fmt.Errorf("failed to rename completed file: %w", err)
	}

	// Delete state file on successful completion
	_ = state.DeleteState(d.ID, d.URL, destPath)

	// Note: engine.run emits DownloadCompleteMsg once the move queue has placed the file

	return nil
}
