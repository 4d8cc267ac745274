package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/surge-downloader/surge/internal/config"
)

var (
	debugMu   sync.Mutex
	debugDir  string
	debugFile *os.File
	debugOnce sync.Once
)

// ConfigureDebug points the trace logger at dir, opening a fresh
// timestamped log file there on the next Debug call. Safe to call
// before or after the first Debug call.
func ConfigureDebug(dir string) {
	debugMu.Lock()
	defer debugMu.Unlock()
	if debugFile != nil {
		debugFile.Close()
		debugFile = nil
	}
	debugDir = dir
}

func openDebugFileLocked() error {
	dir := debugDir
	if dir == "" {
		dir = config.GetLogsDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("debug-%s.log", time.Now().Format("20060102-150405"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	debugFile = f
	return nil
}

// Debug appends a timestamped, printf-formatted trace line to the
// current debug log file, opening one lazily on first use.
func Debug(format string, args ...any) {
	debugMu.Lock()
	defer debugMu.Unlock()

	if debugFile == nil {
		if err := openDebugFileLocked(); err != nil {
			return
		}
	}

	line := fmt.Sprintf("[%s] %s\n", time.Now().Format(time.RFC3339Nano), fmt.Sprintf(format, args...))
	debugFile.WriteString(line)
}

// CleanupLogs removes all but the keep newest debug-*.log files under
// the configured logs directory.
func CleanupLogs(keep int) {
	dir := debugDir
	if dir == "" {
		dir = config.GetLogsDir()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	type logFile struct {
		name string
		ts   time.Time
	}

	const prefix, suffix = "debug-", ".log"

	var logs []logFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) <= len(prefix)+len(suffix) || name[:len(prefix)] != prefix || name[len(name)-len(suffix):] != suffix {
			continue
		}
		stamp := name[len(prefix) : len(name)-len(suffix)]
		ts, err := time.Parse("20060102-150405", stamp)
		if err != nil {
			info, ierr := e.Info()
			if ierr != nil {
				continue
			}
			ts = info.ModTime()
		}
		logs = append(logs, logFile{name: name, ts: ts})
	}

	if len(logs) <= keep {
		return
	}

	sort.Slice(logs, func(i, j int) bool {
		return logs[i].ts.After(logs[j].ts)
	})

	for _, lf := range logs[keep:] {
		os.Remove(filepath.Join(dir, lf.name))
	}
}
