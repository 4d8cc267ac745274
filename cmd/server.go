package cmd

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/surge-downloader/surge/internal/config"
	"github.com/surge-downloader/surge/internal/engine"
	"github.com/surge-downloader/surge/internal/engine/events"
	"github.com/surge-downloader/surge/internal/engine/types"
	"github.com/surge-downloader/surge/internal/utils"
)

// eng is the running Engine. It's only non-nil in the process that won
// the single-instance lock and is therefore acting as the daemon.
var eng *engine.Engine

// activeDownloads counts downloads this daemon currently has in
// flight, so a foreground 'get' invocation that bootstrapped the
// daemon itself knows when every request it admitted has finished.
var activeDownloads int32

// DownloadRequest is the JSON body a client posts to /download.
type DownloadRequest struct {
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	Path     string `json:"path,omitempty"`
}

// startDaemon builds the Engine, starts its event consumer, and serves
// the control API on ln until the process exits.
func startDaemon(ln net.Listener, port int, defaultOutputDir string) {
	eng = engine.New(nil, 4)
	go consumeEvents()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealth(port))
	mux.HandleFunc("/download", handleDownloadRequest(defaultOutputDir))
	mux.HandleFunc("/list", handleList)
	mux.HandleFunc("/pause", handlePause)
	mux.HandleFunc("/pause-all", handlePauseAll)
	mux.HandleFunc("/resume", handleResume)
	mux.HandleFunc("/resume-all", handleResumeAll)
	mux.HandleFunc("/stop", handleStop)
	mux.HandleFunc("/delete", handleDelete)
	mux.HandleFunc("/restart", handleRestart)

	srv := &http.Server{Handler: corsMiddleware(mux)}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			utils.Debug("control server stopped: %v", err)
		}
	}()
}

// shutdownDaemon pauses every active download (so resumable state is
// saved) and waits for their goroutines to exit.
func shutdownDaemon() {
	if eng == nil {
		return
	}
	eng.PauseAll()
	eng.Shutdown()
}

// consumeEvents drains eng.Events() for the lifetime of the daemon,
// printing a line per lifecycle event and maintaining activeDownloads.
func consumeEvents() {
	for msg := range eng.Events() {
		switch m := msg.(type) {
		case events.DownloadStartedMsg:
			atomic.AddInt32(&activeDownloads, 1)
			fmt.Printf("Downloading: %s (%s)\n", m.Filename, utils.ConvertBytesToHumanReadable(m.Total))
		case events.DownloadCompleteMsg:
			atomic.AddInt32(&activeDownloads, -1)
			fmt.Printf("Complete: %s in %s\n", m.Filename, m.Elapsed.Round(time.Millisecond))
		case events.DownloadErrorMsg:
			atomic.AddInt32(&activeDownloads, -1)
			fmt.Printf("Error (%s): %v\n", m.DownloadID, m.Err)
		case events.DownloadPausedMsg:
			atomic.AddInt32(&activeDownloads, -1)
		}
	}
}

// corsMiddleware allows the browser extension (served from its own
// origin) to reach the local control API.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func handleHealth(port int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"status": "ok", "port": port})
	}
}

func handleDownloadRequest(defaultOutputDir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req DownloadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		if req.URL == "" {
			http.Error(w, "URL is required", http.StatusBadRequest)
			return
		}
		if strings.Contains(req.Path, "..") {
			http.Error(w, "invalid path", http.StatusBadRequest)
			return
		}
		if strings.ContainsAny(req.Filename, "/\\") {
			http.Error(w, "invalid filename", http.StatusBadRequest)
			return
		}

		outPath := req.Path
		if outPath == "" {
			outPath = defaultOutputDir
		}
		if outPath == "" {
			if settings, err := config.LoadSettings(); err == nil && settings.General.DefaultDownloadDir != "" {
				outPath = settings.General.DefaultDownloadDir
			}
		}
		if outPath == "" {
			outPath = "."
		}
		_ = os.MkdirAll(outPath, 0o755)

		dl, err := eng.Add(types.DownloadConfig{
			URL:        req.URL,
			OutputPath: outPath,
			Filename:   req.Filename,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		utils.Debug("queued download %s: URL=%s Path=%s", dl.ID, req.URL, outPath)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"status": "queued", "id": dl.ID})
	}
}

func handleList(w http.ResponseWriter, r *http.Request) {
	out := make([]downloadInfo, 0)
	for _, dl := range eng.List() {
		out = append(out, downloadInfoFromEngine(dl))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func queryID(r *http.Request) string {
	return r.URL.Query().Get("id")
}

func handlePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !eng.Pause(queryID(r)) {
		http.Error(w, "download not found or not active", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func handlePauseAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	eng.PauseAll()
	w.WriteHeader(http.StatusOK)
}

func handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := eng.Resume(queryID(r)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func handleResumeAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := eng.ResumeAll(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !eng.Stop(queryID(r)) {
		http.Error(w, "download not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func handleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := eng.Remove(queryID(r)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := eng.Restart(queryID(r)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// downloadInfoFromEngine builds the /list wire shape from a live
// Download, reading its ProgressState for fields the offline database
// fallback (ls.go) can't supply, like current speed.
func downloadInfoFromEngine(dl *types.Download) downloadInfo {
	dl.Lock()
	info := downloadInfo{
		ID:        dl.ID,
		Filename:  dl.Filename,
		Status:    string(dl.Status),
		TotalSize: dl.TotalSize,
	}
	progress := dl.Progress
	dl.Unlock()

	if progress == nil {
		return info
	}

	downloaded, total, elapsed, _, sessionStart := progress.GetProgress()
	info.Downloaded = downloaded
	if total > 0 {
		info.TotalSize = total
	}
	if info.TotalSize > 0 {
		info.Progress = float64(downloaded) * 100 / float64(info.TotalSize)
	}
	if secs := elapsed.Seconds(); secs > 0 {
		info.Speed = float64(downloaded-sessionStart) / secs / (1024 * 1024)
	}
	return info
}
