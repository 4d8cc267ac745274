package types

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type ProgressState struct {
	ID            string
	Downloaded    atomic.Int64
	TotalSize     int64
	StartTime     time.Time
	ActiveWorkers atomic.Int32
	Done          atomic.Bool
	Error         atomic.Pointer[error]
	Paused        atomic.Bool
	CancelFunc    context.CancelFunc

	SessionStartBytes int64 // SessionStartBytes tracks how many bytes were already downloaded when the current session started
	SavedElapsed      time.Duration
	mu                sync.Mutex // Protects TotalSize, StartTime, SessionStartBytes, SavedElapsed

	lastActivityNano atomic.Int64
}

// Touch records that bytes were just written, for stall detection.
func (ps *ProgressState) Touch() {
	ps.lastActivityNano.Store(time.Now().UnixNano())
}

// LastActivity returns the last time Touch was called, or StartTime if
// Touch has never been called.
func (ps *ProgressState) LastActivity() time.Time {
	if n := ps.lastActivityNano.Load(); n != 0 {
		return time.Unix(0, n)
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.StartTime
}

// SetSavedElapsed records how much wall-clock time a resumed download
// already spent in prior sessions, so GetProgress's elapsed reflects
// total time across pauses rather than resetting on each resume.
func (ps *ProgressState) SetSavedElapsed(d time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.SavedElapsed = d
}

func NewProgressState(id string, totalSize int64) *ProgressState {
	ps := &ProgressState{
		ID:        id,
		TotalSize: totalSize,
		StartTime: time.Now(),
	}
	ps.Touch()
	return ps
}

// SessionStartedAt returns when the current download session began
// (reset on resume), safe for concurrent access.
func (ps *ProgressState) SessionStartedAt() time.Time {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.StartTime
}

func (ps *ProgressState) SetTotalSize(size int64) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.TotalSize = size
	ps.SessionStartBytes = ps.Downloaded.Load()
	ps.StartTime = time.Now()
}

func (ps *ProgressState) SyncSessionStart() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.SessionStartBytes = ps.Downloaded.Load()
	ps.StartTime = time.Now()
}

func (ps *ProgressState) SetError(err error) {
	ps.Error.Store(&err)
}

func (ps *ProgressState) GetError() error {
	if e := ps.Error.Load(); e != nil {
		return *e
	}
	return nil
}

func (ps *ProgressState) GetProgress() (downloaded int64, total int64, elapsed time.Duration, connections int32, sessionStartBytes int64) {
	downloaded = ps.Downloaded.Load()
	connections = ps.ActiveWorkers.Load()

	ps.mu.Lock()
	total = ps.TotalSize
	elapsed = ps.SavedElapsed + time.Since(ps.StartTime)
	sessionStartBytes = ps.SessionStartBytes
	ps.mu.Unlock()
	return
}

func (ps *ProgressState) Pause() {
	ps.Paused.Store(true)
	if ps.CancelFunc != nil {
		ps.CancelFunc()
	}
}

func (ps *ProgressState) Resume() {
	ps.Paused.Store(false)
}

func (ps *ProgressState) IsPaused() bool {
	return ps.Paused.Load()
}
