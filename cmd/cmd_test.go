package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/surge-downloader/surge/internal/config"
	"github.com/surge-downloader/surge/internal/engine"
)

func init() {
	// Gives handler-level unit tests a real Engine to call into without
	// standing up a full daemon via startDaemon.
	eng = engine.New(nil, 1)
}

// =============================================================================
// findAvailablePort Tests
// =============================================================================

func TestFindAvailablePort_Success(t *testing.T) {
	port, ln := findAvailablePort(50000)
	if ln == nil {
		t.Fatal("findAvailablePort returned nil listener")
	}
	defer ln.Close()

	if port < 50000 || port >= 50100 {
		t.Errorf("Port %d is outside expected range [50000-50100)", port)
	}

	_, err := net.Listen("tcp", ln.Addr().String())
	if err == nil {
		t.Error("Should not be able to bind to same port")
	}
}

func TestFindAvailablePort_ReturnsListener(t *testing.T) {
	port, ln := findAvailablePort(51000)
	if ln == nil {
		t.Fatal("Expected non-nil listener")
	}
	defer ln.Close()

	addr := ln.Addr().(*net.TCPAddr)
	if addr.Port != port {
		t.Errorf("Listener port %d doesn't match returned port %d", addr.Port, port)
	}
}

func TestFindAvailablePort_SkipsOccupiedPorts(t *testing.T) {
	ln1, err := net.Listen("tcp", "127.0.0.1:52000")
	if err != nil {
		t.Fatalf("Failed to occupy port: %v", err)
	}
	defer ln1.Close()

	port, ln2 := findAvailablePort(52000)
	if ln2 == nil {
		t.Fatal("findAvailablePort returned nil listener")
	}
	defer ln2.Close()

	if port == 52000 {
		t.Error("Should have skipped occupied port 52000")
	}
	if port < 52001 || port >= 52100 {
		t.Errorf("Port %d is outside expected range", port)
	}
}

// =============================================================================
// saveActivePort / removeActivePort Tests
// =============================================================================

func TestSaveAndRemoveActivePort(t *testing.T) {
	if err := config.EnsureDirs(); err != nil {
		t.Fatalf("Failed to ensure dirs: %v", err)
	}

	testPort := 12345
	saveActivePort(testPort)

	portFile := filepath.Join(config.GetSurgeDir(), "port")
	data, err := os.ReadFile(portFile)
	if err != nil {
		t.Fatalf("Failed to read port file: %v", err)
	}

	if string(data) != "12345" {
		t.Errorf("Port file contains %q, expected '12345'", string(data))
	}

	removeActivePort()

	if _, err := os.Stat(portFile); !os.IsNotExist(err) {
		t.Error("Port file should be removed")
	}
}

func TestPortFileLifecycle(t *testing.T) {
	if err := config.EnsureDirs(); err != nil {
		t.Fatalf("Failed to ensure dirs: %v", err)
	}
	removeActivePort()

	portFile := filepath.Join(config.GetSurgeDir(), "port")
	if _, err := os.Stat(portFile); !os.IsNotExist(err) {
		os.Remove(portFile)
	}

	saveActivePort(9999)

	data, err := os.ReadFile(portFile)
	if err != nil {
		t.Fatalf("Port file not created: %v", err)
	}
	if string(data) != "9999" {
		t.Errorf("Expected '9999', got %q", string(data))
	}

	removeActivePort()

	if _, err := os.Stat(portFile); !os.IsNotExist(err) {
		t.Error("Port file should be removed")
	}
}

// =============================================================================
// corsMiddleware Tests
// =============================================================================

func TestCorsMiddleware_SetsHeaders(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	corsHandler := corsMiddleware(handler)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()
	corsHandler.ServeHTTP(rec, req)

	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS origin header to be set")
	}
}

func TestCorsMiddleware_OptionsHandledWithoutCallingNext(t *testing.T) {
	called := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	corsHandler := corsMiddleware(handler)

	req := httptest.NewRequest(http.MethodOptions, "/test", nil)
	rec := httptest.NewRecorder()
	corsHandler.ServeHTTP(rec, req)

	if called {
		t.Error("Preflight OPTIONS should short-circuit before reaching the handler")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 for OPTIONS, got %d", rec.Code)
	}
}

func TestCorsMiddleware_PassesThroughOtherMethods(t *testing.T) {
	called := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusCreated)
	})
	corsHandler := corsMiddleware(handler)

	req := httptest.NewRequest(http.MethodPost, "/test", nil)
	rec := httptest.NewRecorder()
	corsHandler.ServeHTTP(rec, req)

	if !called {
		t.Error("Handler was not called")
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("Expected 201, got %d", rec.Code)
	}
}

// =============================================================================
// handleDownloadRequest Tests
// =============================================================================

func TestHandleDownloadRequest_MethodNotAllowed(t *testing.T) {
	handler := handleDownloadRequest("")
	req := httptest.NewRequest(http.MethodPut, "/download", nil)
	rec := httptest.NewRecorder()

	handler(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rec.Code)
	}
}

func TestHandleDownloadRequest_InvalidJSON(t *testing.T) {
	handler := handleDownloadRequest("")
	req := httptest.NewRequest(http.MethodPost, "/download", bytes.NewBufferString("not json"))
	rec := httptest.NewRecorder()

	handler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("Invalid JSON")) {
		t.Error("Expected 'Invalid JSON' in response body")
	}
}

func TestHandleDownloadRequest_MissingURL(t *testing.T) {
	handler := handleDownloadRequest("")
	body := `{"filename": "test.bin"}`
	req := httptest.NewRequest(http.MethodPost, "/download", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	handler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("URL is required")) {
		t.Error("Expected 'URL is required' in response body")
	}
}

func TestHandleDownloadRequest_PathTraversal(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"path with ..", `{"url": "http://x.com/f", "path": "../etc"}`},
		{"filename with slash", `{"url": "http://x.com/f", "filename": "foo/bar"}`},
		{"filename with backslash", `{"url": "http://x.com/f", "filename": "foo\\bar"}`},
	}

	handler := handleDownloadRequest("")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/download", bytes.NewBufferString(tt.body))
			rec := httptest.NewRecorder()
			handler(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestHandleDownloadRequest_EmptyBody(t *testing.T) {
	handler := handleDownloadRequest("")
	req := httptest.NewRequest(http.MethodPost, "/download", bytes.NewBufferString(""))
	rec := httptest.NewRecorder()

	handler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
}

func TestHandleDownloadRequest_ValidRequestIsAccepted(t *testing.T) {
	handler := handleDownloadRequest(t.TempDir())
	body := `{"url": "http://example.invalid/file.zip"}`
	req := httptest.NewRequest(http.MethodPost, "/download", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	handler(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Errorf("Expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["id"] == "" {
		t.Error("Expected a non-empty id in response")
	}
}

// =============================================================================
// DownloadRequest Tests
// =============================================================================

func TestDownloadRequest_JSONSerialization(t *testing.T) {
	req := DownloadRequest{
		URL:      "https://example.com/file.zip",
		Filename: "file.zip",
		Path:     "/downloads",
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}

	var loaded DownloadRequest
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}

	if loaded != req {
		t.Errorf("round-tripped request mismatch: got %+v, want %+v", loaded, req)
	}
}

func TestDownloadRequest_OptionalFields(t *testing.T) {
	jsonStr := `{"url": "https://example.com/file.zip"}`

	var req DownloadRequest
	if err := json.Unmarshal([]byte(jsonStr), &req); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}

	if req.URL != "https://example.com/file.zip" {
		t.Error("URL not parsed correctly")
	}
	if req.Filename != "" || req.Path != "" {
		t.Error("Optional fields should be empty")
	}
}

// =============================================================================
// Version Variables Tests
// =============================================================================

func TestVersion_DefaultValue(t *testing.T) {
	if Version == "" {
		t.Error("Version should not be empty")
	}
}

func TestBuildTime_DefaultValue(t *testing.T) {
	if BuildTime == "" {
		t.Error("BuildTime should not be empty")
	}
}

// =============================================================================
// rootCmd Tests
// =============================================================================

func TestRootCmd_HasSubcommands(t *testing.T) {
	want := []string{"get", "add", "ls", "pause", "resume", "rm"}
	have := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Errorf("%q subcommand not registered", name)
		}
	}
}

func TestRootCmd_Use(t *testing.T) {
	if rootCmd.Use != "surge" {
		t.Errorf("Expected Use='surge', got %q", rootCmd.Use)
	}
}

// =============================================================================
// Health Check Endpoint Tests
// =============================================================================

func TestHandleHealth(t *testing.T) {
	handler := handleHealth(8080)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if result["status"] != "ok" {
		t.Errorf("Expected status 'ok', got %v", result["status"])
	}
	if int(result["port"].(float64)) != 8080 {
		t.Errorf("Expected port 8080, got %v", result["port"])
	}
}

// =============================================================================
// sendToServer Tests
// =============================================================================

func TestSendToServer_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/download" {
			t.Errorf("Expected /download, got %s", r.URL.Path)
		}

		body, _ := io.ReadAll(r.Body)
		var req DownloadRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("Failed to parse request: %v", err)
		}
		if req.URL != "https://example.com/file.zip" {
			t.Errorf("URL mismatch: %s", req.URL)
		}

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
	}))
	defer server.Close()

	port := serverPort(t, server)
	if err := sendToServer("https://example.com/file.zip", "", port); err != nil {
		t.Errorf("sendToServer returned error: %v", err)
	}
}

func TestSendToServer_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Internal error", http.StatusInternalServerError)
	}))
	defer server.Close()

	port := serverPort(t, server)
	if err := sendToServer("https://example.com/file.zip", "", port); err == nil {
		t.Error("Expected an error for a 500 response")
	}
}

// serverPort extracts the numeric port httptest bound server to.
func serverPort(t *testing.T, server *httptest.Server) int {
	t.Helper()
	addr := server.Listener.Addr().(*net.TCPAddr)
	return addr.Port
}

// =============================================================================
// getCmd Tests
// =============================================================================

func TestGetCmd_Flags(t *testing.T) {
	outputFlag := getCmd.Flags().Lookup("output")
	if outputFlag == nil || outputFlag.Shorthand != "o" {
		t.Error("Missing or misconfigured 'output' flag")
	}

	portFlag := getCmd.Flags().Lookup("port")
	if portFlag == nil || portFlag.Shorthand != "p" {
		t.Error("Missing or misconfigured 'port' flag")
	}

	batchFlag := getCmd.Flags().Lookup("batch")
	if batchFlag == nil || batchFlag.Shorthand != "b" {
		t.Error("Missing or misconfigured 'batch' flag")
	}
}

func TestGetCmd_Use(t *testing.T) {
	if getCmd.Use != "get [url]" {
		t.Errorf("Expected Use='get [url]', got %q", getCmd.Use)
	}
}

func TestGetCmd_Args(t *testing.T) {
	if getCmd.Args == nil {
		t.Error("Args validator not set")
	}
}

func TestCollectURLs_DedupesTrailingSlash(t *testing.T) {
	urls, err := collectURLs([]string{"http://x.com/a", "http://x.com/a/"}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(urls) != 1 {
		t.Errorf("expected 1 deduped URL, got %d: %v", len(urls), urls)
	}
}

func TestCollectURLs_NoneProvided(t *testing.T) {
	if _, err := collectURLs(nil, ""); err == nil {
		t.Error("expected an error when no URLs are given")
	}
}

// =============================================================================
// startDaemon Integration Tests
// =============================================================================

func newTestDaemon(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create listener: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	startDaemon(ln, port, "")
	time.Sleep(50 * time.Millisecond)
	return port
}

func TestStartDaemon_HealthEndpoint(t *testing.T) {
	port := newTestDaemon(t)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	if err != nil {
		t.Fatalf("Failed to get health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
}

func TestStartDaemon_CORSHeadersSet(t *testing.T) {
	port := newTestDaemon(t)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS origin header to be set")
	}
}

func TestStartDaemon_ListEndpoint(t *testing.T) {
	port := newTestDaemon(t)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/list", port))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}

	var out []downloadInfo
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

func TestStartDaemon_DownloadEndpoint_MethodNotAllowed(t *testing.T) {
	port := newTestDaemon(t)

	req, _ := http.NewRequest(http.MethodPut, fmt.Sprintf("http://127.0.0.1:%d/download", port), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", resp.StatusCode)
	}
}

func TestStartDaemon_DownloadEndpoint_BadRequest(t *testing.T) {
	port := newTestDaemon(t)

	resp, err := http.Post(
		fmt.Sprintf("http://127.0.0.1:%d/download", port),
		"application/json",
		bytes.NewBufferString("not json"),
	)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
}

func TestStartDaemon_NotFoundEndpoint(t *testing.T) {
	port := newTestDaemon(t)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/nonexistent", port))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
}

// =============================================================================
// Execute Function Test
// =============================================================================

func TestExecute_NoArgs(t *testing.T) {
	// Can't easily test Execute() as it calls os.Exit
	_ = Execute
}
