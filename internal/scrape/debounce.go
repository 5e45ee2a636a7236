package scrape

import (
	"context"
	"sort"
	"time"
)

// Debounce collects event paths and calls flush with the paths that have
// been quiet for at least interval, sorted. Bursts of writes to the same
// file are reported once. When events is closed the remaining paths are
// flushed immediately. It returns when ctx is done or events is closed.
func Debounce(ctx context.Context, events <-chan FileEvent, interval time.Duration, flush func(paths []string)) {
	pending := make(map[string]time.Time)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// drain flushes entries queued at least minAge ago
	drain := func(minAge time.Duration) {
		now := time.Now()
		var ready []string
		for path, queuedAt := range pending {
			if now.Sub(queuedAt) < minAge {
				continue
			}
			ready = append(ready, path)
			delete(pending, path)
		}
		if len(ready) > 0 {
			sort.Strings(ready)
			flush(ready)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				drain(0)
				return
			}
			pending[ev.Path] = time.Now()

		case <-ticker.C:
			drain(interval)
		}
	}
}
