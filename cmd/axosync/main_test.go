package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/angeld23/axosync/internal/config"
	"github.com/angeld23/axosync/internal/journal"
	"github.com/angeld23/axosync/internal/scrape"
	"github.com/angeld23/axosync/internal/server"
	"github.com/angeld23/axosync/internal/sourcemap"
	"github.com/angeld23/axosync/internal/syncer"
)

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 10, 19, 15, 0, 0, 0, time.UTC)

	tests := []struct {
		in   string
		want time.Time
	}{
		{"2026-10-18T10:00:00Z", time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)},
		{"90m", now.Add(-90 * time.Minute)},
		{"2h", now.Add(-2 * time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseSince(tt.in, now)
			if err != nil {
				t.Fatalf("parseSince(%q) failed: %v", tt.in, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("parseSince(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}

	t.Run("natural language", func(t *testing.T) {
		got, err := parseSince("yesterday", now)
		if err != nil {
			t.Fatalf("parseSince(yesterday) failed: %v", err)
		}
		if !got.Before(now) || got.Before(now.Add(-48*time.Hour)) {
			t.Errorf("Expected yesterday within the last two days, got %v", got)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, err := parseSince("qwerty", now); err == nil {
			t.Error("Expected error for unparseable input")
		}
	})
}

func TestFormatEntry(t *testing.T) {
	applied := formatEntry(journal.Entry{
		ID:         "b1",
		ReceivedAt: time.Now(),
		Operations: 3,
		Status:     journal.StatusApplied,
		Nodes:      12,
	})
	if !strings.Contains(applied, "3 op(s)") || !strings.Contains(applied, "12 node(s)") {
		t.Errorf("Unexpected applied line: %q", applied)
	}

	rejected := formatEntry(journal.Entry{
		ID:     "b2",
		Status: journal.StatusRejected,
		Error:  `operation 0: "A" is not a valid member of DataModel game`,
	})
	if strings.Contains(rejected, "node(s)") || !strings.Contains(rejected, "not a valid member") {
		t.Errorf("Unexpected rejected line: %q", rejected)
	}
}

// inProject points the CLI at a settings file in a fresh directory.
func inProject(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	old := configPath
	configPath = filepath.Join(dir, config.FileName)
	t.Cleanup(func() { configPath = old })
	return dir
}

func TestLoadSettings_MissingFileUsesDefaults(t *testing.T) {
	dir := inProject(t)

	cfg, exists, err := loadSettings()
	if err != nil {
		t.Fatalf("loadSettings() failed: %v", err)
	}
	if exists {
		t.Error("Expected exists=false without a settings file")
	}
	if cfg.SourcemapDirectory != dir || cfg.Port != config.DefaultPort {
		t.Errorf("Unexpected defaults: %+v", cfg)
	}
	if _, err := os.Stat(configPath); !os.IsNotExist(err) {
		t.Error("loadSettings must not create the settings file")
	}
}

func TestSourcemapApplyCommand(t *testing.T) {
	dir := inProject(t)
	if _, err := config.WriteDefault(configPath, false); err != nil {
		t.Fatalf("WriteDefault() failed: %v", err)
	}

	batch := filepath.Join(dir, "batch.json")
	content := `[
		{"path": [], "value": {"name": "game", "className": "DataModel"}},
		{"path": ["Workspace"], "value": {"name": "Workspace", "className": "Workspace"}}
	]`
	if err := os.WriteFile(batch, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write batch: %v", err)
	}

	rootCmd.SetArgs([]string{"--config", configPath, "sourcemap", "apply", batch})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("sourcemap apply failed: %v", err)
	}

	root, err := sourcemap.NewStore(dir).Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if root.Name != "game" || root.FindFirstChild("Workspace") == nil {
		t.Errorf("Unexpected tree after apply: %+v", root)
	}
}

func TestReadBatch_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte(`{"path": []}`), 0644); err != nil {
		t.Fatalf("Failed to write batch: %v", err)
	}

	if _, err := readBatch(path); err == nil || !strings.Contains(err.Error(), path) {
		t.Errorf("Expected format error naming %s, got %v", path, err)
	}

	trailing := filepath.Join(t.TempDir(), "trailing.json")
	content := `[{"path": ["A"], "value": {"name": "A", "className": "Folder"}}] }}not json`
	if err := os.WriteFile(trailing, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write batch: %v", err)
	}
	if _, err := readBatch(trailing); err == nil || !strings.Contains(err.Error(), trailing) {
		t.Errorf("Expected format error naming %s for trailing data, got %v", trailing, err)
	}

	if _, err := readBatch(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestHistoryPruneCommand(t *testing.T) {
	dir := inProject(t)
	settings := "[config]\nhistory_file = \"history.db\"\n"
	if err := os.WriteFile(configPath, []byte(settings), 0644); err != nil {
		t.Fatalf("Failed to write settings: %v", err)
	}

	batch := filepath.Join(dir, "batch.json")
	if err := os.WriteFile(batch, []byte(`[{"path": [], "value": {"name": "game", "className": "DataModel"}}]`), 0644); err != nil {
		t.Fatalf("Failed to write batch: %v", err)
	}
	for i := 0; i < 3; i++ {
		rootCmd.SetArgs([]string{"--config", configPath, "sourcemap", "apply", batch})
		if err := rootCmd.Execute(); err != nil {
			t.Fatalf("sourcemap apply failed: %v", err)
		}
	}

	rootCmd.SetArgs([]string{"--config", configPath, "history", "prune", "--keep", "1"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("history prune failed: %v", err)
	}

	j, err := openJournal(filepath.Join(dir, "history.db"))
	if err != nil {
		t.Fatalf("openJournal() failed: %v", err)
	}
	defer j.Close()

	count, err := j.Count(t.Context())
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 batch after prune, got %d", count)
	}
}

// startProjectServer serves dir's sourcemap on a loopback port and returns
// the base URL, the port and a count of batches the server applied.
func startProjectServer(t *testing.T, dir, project string) (string, int, *atomic.Int32) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	applied := &atomic.Int32{}

	worker, err := syncer.New(syncer.Config{
		Store:     sourcemap.NewStore(dir),
		OnApplied: func(syncer.Result) { applied.Add(1) },
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("syncer.New() failed: %v", err)
	}
	if err := worker.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { _ = worker.Stop() })

	srv, err := server.New(server.Config{
		ProjectName: project,
		Syncer:      worker,
		Paths:       scrape.New(scrape.Config{Root: dir, Logger: logger}),
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("server.New() failed: %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL, ts.Listener.Addr().(*net.TCPAddr).Port, applied
}

func postJSON(t *testing.T, url, body string) {
	t.Helper()

	resp, err := http.Post(url+"/sourcemapSet", "application/json", strings.NewReader(body))
	if err != nil {
		t.Errorf("POST failed: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		t.Errorf("Expected 200, got %d: %s", resp.StatusCode, msg)
	}
}

func TestSourcemapApplyCommand_JoinsRunningServerQueue(t *testing.T) {
	dir := inProject(t)
	url, port, applied := startProjectServer(t, dir, "Shared")

	settings := fmt.Sprintf("[config]\nproject_name = \"Shared\"\nport = %d\n", port)
	if err := os.WriteFile(configPath, []byte(settings), 0644); err != nil {
		t.Fatalf("Failed to write settings: %v", err)
	}
	postJSON(t, url, `[{"path": [], "value": {"name": "game", "className": "DataModel"}}]`)

	batch := filepath.Join(dir, "batch.json")
	if err := os.WriteFile(batch, []byte(`[{"path": ["FromCli"], "value": {"name": "FromCli", "className": "Folder"}}]`), 0644); err != nil {
		t.Fatalf("Failed to write batch: %v", err)
	}

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			postJSON(t, url, fmt.Sprintf(`[{"path": ["Server%d"], "value": {"name": "Server%d", "className": "Folder"}}]`, i, i))
		}(i)
	}

	rootCmd.SetArgs([]string{"--config", configPath, "sourcemap", "apply", batch})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("sourcemap apply failed: %v", err)
	}
	wg.Wait()

	if got := applied.Load(); got != n+2 {
		t.Errorf("Expected the server to apply %d batches, got %d", n+2, got)
	}

	root, err := sourcemap.NewStore(dir).Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if len(root.Children) != n+1 {
		t.Errorf("Expected %d children, got %d", n+1, len(root.Children))
	}
	if root.FindFirstChild("FromCli") == nil {
		t.Error("Batch applied by the command was lost")
	}
	for i := 0; i < n; i++ {
		if root.FindFirstChild(fmt.Sprintf("Server%d", i)) == nil {
			t.Errorf("Server%d was lost", i)
		}
	}
}

func TestSourcemapApplyCommand_ServerRejection(t *testing.T) {
	dir := inProject(t)
	_, port, applied := startProjectServer(t, dir, "Shared")

	settings := fmt.Sprintf("[config]\nproject_name = \"Shared\"\nport = %d\n", port)
	if err := os.WriteFile(configPath, []byte(settings), 0644); err != nil {
		t.Fatalf("Failed to write settings: %v", err)
	}

	batch := filepath.Join(dir, "batch.json")
	if err := os.WriteFile(batch, []byte(`[{"path": ["A", "B"], "value": {"name": "B", "className": "Folder"}}]`), 0644); err != nil {
		t.Fatalf("Failed to write batch: %v", err)
	}

	rootCmd.SetArgs([]string{"--config", configPath, "sourcemap", "apply", batch})
	err := rootCmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "is not a valid member of") {
		t.Errorf("Expected the server's address error, got %v", err)
	}
	if got := applied.Load(); got != 0 {
		t.Errorf("Expected no applied batches, got %d", got)
	}
}

func TestWatchFilePaths_IgnoresSourcemapWrites(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("EvalSymlinks() failed: %v", err)
	}
	store := sourcemap.NewStore(dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan []string, 16)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stop := watchFilePaths(ctx, dir, store.Owns, func(paths []string) { changed <- paths }, logger)
	defer stop()

	if err := store.Lock(); err != nil {
		t.Fatalf("Lock() failed: %v", err)
	}
	if err := store.Save(&sourcemap.Instance{Name: "game", ClassName: "DataModel"}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if err := store.Unlock(); err != nil {
		t.Fatalf("Unlock() failed: %v", err)
	}

	script := filepath.Join(dir, "init.lua")
	if err := os.WriteFile(script, []byte("return {}"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	deadline := time.After(5 * time.Second)
	sawScript := false
	for !sawScript {
		select {
		case paths := <-changed:
			for _, p := range paths {
				if store.Owns(p) {
					t.Errorf("Sourcemap write reported as a layout change: %s", p)
				}
				if p == script {
					sawScript = true
				}
			}
		case <-deadline:
			t.Fatal("Timed out waiting for init.lua to be reported")
		}
	}

	// Nothing owned by the store may trail behind
	select {
	case paths := <-changed:
		for _, p := range paths {
			if store.Owns(p) {
				t.Errorf("Sourcemap write reported as a layout change: %s", p)
			}
		}
	case <-time.After(3 * watchDebounce):
	}
}
