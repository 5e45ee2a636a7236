package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/angeld23/axosync/internal/config"
	"github.com/angeld23/axosync/internal/sourcemap"
)

// serverCheckTimeout bounds the check for a server already running.
const serverCheckTimeout = 500 * time.Millisecond

// runningServer returns the base URL of a server answering for this project
// on the configured port, or "" when there is none.
func runningServer(ctx context.Context, cfg config.Config) string {
	base := "http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Port))

	ctx, cancel := context.WithTimeout(ctx, serverCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/getProjectFolderName", nil)
	if err != nil {
		return ""
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()

	name, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || resp.StatusCode != http.StatusOK || string(name) != cfg.ProjectName {
		return ""
	}
	return base
}

// postBatch submits patches to a running server's queue.
func postBatch(ctx context.Context, base string, patches []sourcemap.Patch) error {
	if patches == nil {
		patches = []sourcemap.Patch{}
	}
	body, err := json.Marshal(patches)
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/sourcemapSet", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send batch to %s: %w", base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return fmt.Errorf("server rejected batch (%d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
