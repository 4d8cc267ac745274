package types

import "time"

// Size constants used for chunk sizing and config defaults.
const (
	KB = 1024
	MB = 1024 * KB
	GB = 1024 * MB
)

// AlignSize is the byte boundary range offsets are aligned to when split.
const AlignSize = 4 * KB

// IncompleteSuffix is appended to a download's destination path while
// it's still in flight; the working file is renamed to its final name
// (with the suffix stripped) on successful completion.
const IncompleteSuffix = ".surge"

// Chunk sizing defaults.
const (
	MinChunk     = 256 * KB
	MaxChunk     = 64 * MB
	TargetChunk  = 8 * MB
	WorkerBuffer = 32 * KB
)

// TasksPerWorker is the target number of queued tasks per connection
// used when sizing the initial chunk split.
const TasksPerWorker = 4

// Retry / health defaults.
const (
	MaxTaskRetries      = 5
	SlowWorkerThreshold = 0.3
	SlowWorkerGrace     = 5 * time.Second
	StallTimeout        = 20 * time.Second
	SpeedEMAAlpha       = 0.2
	RetryBaseDelay      = 250 * time.Millisecond
)

// Transport timeout defaults.
const (
	DefaultIdleConnTimeout       = 90 * time.Second
	DefaultTLSHandshakeTimeout   = 10 * time.Second
	DefaultResponseHeaderTimeout = 30 * time.Second
	DefaultExpectContinueTimeout = 1 * time.Second
	DialTimeout                  = 15 * time.Second
	KeepAliveDuration            = 30 * time.Second
	ProbeTimeout                 = 10 * time.Second
	HealthCheckInterval          = 2 * time.Second
)

// Connection limits.
const (
	PerHostMax            = 16
	DefaultMaxIdleConns    = 100
	ProgressChannelBuffer = 64
)

// RuntimeConfig holds the tunable knobs for a single download's engine
// behavior. A nil *RuntimeConfig, or any zero-valued field on one, falls
// back to the package defaults via the Get* accessors below.
type RuntimeConfig struct {
	MaxConnectionsPerHost int
	UserAgent             string
	MinChunkSize          int64
	MaxChunkSize          int64
	TargetChunkSize       int64
	WorkerBufferSize      int64
	MaxTaskRetries        int
	SlowWorkerThreshold   float64
	SlowWorkerGracePeriod time.Duration
	StallTimeout          time.Duration
	SpeedEmaAlpha         float64

	// Parts controls the requested part count for a download's range
	// planner; PartsLimit bounds how many ranges may be concurrently
	// in-flight regardless of how many were planned.
	Parts      int
	PartsLimit int

	// ProxyURL, if set, routes this download's connections through a
	// proxy. Scheme determines dialer: http(s), socks4, socks4a, socks5.
	ProxyURL string

	// SkipTLSVerification disables certificate validation for HTTPS/
	// FTPS/FTPES connections. Off by default.
	SkipTLSVerification bool

	// TLSMinVersionIndex names a TLS version floor: 0=1.0, 1=1.1,
	// 2=1.2, 3=1.3. Neither downloader reads it; connections use
	// crypto/tls's default version range.
	TLSMinVersionIndex int

	// RetryDownloadsCount bounds whole-download retries (address/part
	// retries don't count against this). Once it is spent the download
	// is marked Errored, or TimedOut when the sweeper timed it out.
	RetryDownloadsCount int
}

func defaultUserAgent() string {
	return "Surge/1.0 (+https://github.com/surge-downloader/surge)"
}

func (r *RuntimeConfig) GetUserAgent() string {
	if r == nil || r.UserAgent == "" {
		return defaultUserAgent()
	}
	return r.UserAgent
}

func (r *RuntimeConfig) GetMaxConnectionsPerHost() int {
	if r == nil || r.MaxConnectionsPerHost <= 0 {
		return PerHostMax
	}
	return r.MaxConnectionsPerHost
}

func (r *RuntimeConfig) GetMinChunkSize() int64 {
	if r == nil || r.MinChunkSize <= 0 {
		return MinChunk
	}
	return r.MinChunkSize
}

func (r *RuntimeConfig) GetMaxChunkSize() int64 {
	if r == nil || r.MaxChunkSize <= 0 {
		return MaxChunk
	}
	return r.MaxChunkSize
}

func (r *RuntimeConfig) GetTargetChunkSize() int64 {
	if r == nil || r.TargetChunkSize <= 0 {
		return TargetChunk
	}
	return r.TargetChunkSize
}

func (r *RuntimeConfig) GetWorkerBufferSize() int64 {
	if r == nil || r.WorkerBufferSize <= 0 {
		return WorkerBuffer
	}
	return r.WorkerBufferSize
}

func (r *RuntimeConfig) GetMaxTaskRetries() int {
	if r == nil || r.MaxTaskRetries <= 0 {
		return MaxTaskRetries
	}
	return r.MaxTaskRetries
}

func (r *RuntimeConfig) GetSlowWorkerThreshold() float64 {
	if r == nil || r.SlowWorkerThreshold <= 0 {
		return SlowWorkerThreshold
	}
	return r.SlowWorkerThreshold
}

func (r *RuntimeConfig) GetSlowWorkerGracePeriod() time.Duration {
	if r == nil || r.SlowWorkerGracePeriod <= 0 {
		return SlowWorkerGrace
	}
	return r.SlowWorkerGracePeriod
}

func (r *RuntimeConfig) GetStallTimeout() time.Duration {
	if r == nil || r.StallTimeout <= 0 {
		return StallTimeout
	}
	return r.StallTimeout
}

func (r *RuntimeConfig) GetSpeedEmaAlpha() float64 {
	if r == nil || r.SpeedEmaAlpha <= 0 {
		return SpeedEMAAlpha
	}
	return r.SpeedEmaAlpha
}

func (r *RuntimeConfig) GetParts() int {
	if r == nil || r.Parts <= 0 {
		return 1
	}
	return r.Parts
}

func (r *RuntimeConfig) GetPartsLimit() int {
	if r == nil || r.PartsLimit <= 0 {
		return r.GetMaxConnectionsPerHost()
	}
	return r.PartsLimit
}

func (r *RuntimeConfig) GetRetryDownloadsCount() int {
	if r == nil || r.RetryDownloadsCount <= 0 {
		return 3
	}
	return r.RetryDownloadsCount
}

// DownloadConfig is the caller-facing request to start or resume a
// single download.
type DownloadConfig struct {
	URL        string
	OutputPath string
	ID         string
	Filename   string
	Verbose    bool
	ProgressCh chan<- any
	State      *ProgressState
	Runtime    *RuntimeConfig

	// IsResume indicates this config was produced by resuming a
	// previously paused/queued download rather than a fresh add.
	IsResume bool

	// Headers reach only the single-connection downloader. Cookies and
	// PostData are carried here but neither downloader sends them.
	// Username and Password are the credentials for the Digest retry.
	Headers  map[string]string
	Cookies  string
	PostData []byte
	Username string
	Password string
}
