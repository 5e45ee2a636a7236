// Package scrape lists the files under the project's scrape directory in
// the form the editor plugin expects, and watches that directory for changes.
package scrape

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/angeld23/axosync/internal/errs"
)

var (
	scrapeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "axosync_scrape_total",
		Help: "Total file path scrapes by result",
	}, []string{"result"})

	scrapeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "axosync_scrape_duration_seconds",
		Help:    "File path scrape duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
	})

	scrapeEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "axosync_scrape_entries",
		Help: "Number of entries returned by the last successful scrape",
	})
)

// Config holds scraper configuration.
type Config struct {
	// Root is the directory to walk.
	Root string

	// Base is the directory returned paths are relative to. It should be
	// an ancestor of Root. Empty means the file system root, so paths are
	// absolute.
	Base string

	// Logger for scrape activity (default: slog.Default())
	Logger *slog.Logger
}

// Scraper produces sorted, slash-separated path listings of a directory.
// It is safe for concurrent use; concurrent calls to Paths share one walk.
type Scraper struct {
	root   string
	base   string
	logger *slog.Logger
	group  singleflight.Group
}

// New creates a Scraper.
func New(config Config) *Scraper {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scraper{
		root:   config.Root,
		base:   config.Base,
		logger: logger,
	}
}

// Root returns the configured scrape directory.
func (s *Scraper) Root() string {
	return s.root
}

// Paths walks the scrape directory and returns every entry under it,
// the directory itself included. Entries are canonical (absolute, symlinks
// resolved), expressed relative to Base, use '/' separators, and are
// sorted by full path.
//
// Any unreadable entry fails the whole call with an *errs.FileSystemError;
// a partial listing is never returned.
func (s *Scraper) Paths(ctx context.Context) ([]string, error) {
	// The walk is shared, so it does not inherit any single caller's cancellation
	ch := s.group.DoChan("paths", func() (interface{}, error) {
		return s.scrape()
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		paths := res.Val.([]string)
		if res.Shared {
			// Callers may modify their slice
			paths = append([]string(nil), paths...)
		}
		return paths, nil
	}
}

func (s *Scraper) scrape() ([]string, error) {
	start := time.Now()

	paths, err := s.walk()
	scrapeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		scrapeTotal.WithLabelValues("error").Inc()
		s.logger.Warn("Scrape failed", slog.String("root", s.root), slog.String("error", err.Error()))
		return nil, err
	}

	scrapeTotal.WithLabelValues("ok").Inc()
	scrapeEntries.Set(float64(len(paths)))
	s.logger.Debug("Scrape complete",
		slog.String("root", s.root),
		slog.Int("entries", len(paths)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return paths, nil
}

func (s *Scraper) walk() ([]string, error) {
	root, err := canonical(s.root)
	if err != nil {
		return nil, &errs.FileSystemError{Op: "read", Path: s.root, Err: err}
	}

	base := ""
	if s.base != "" {
		base, err = canonical(s.base)
		if err != nil {
			return nil, &errs.FileSystemError{Op: "read", Path: s.base, Err: err}
		}
	}

	var paths []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return &errs.FileSystemError{Op: "read", Path: path, Err: walkErr}
		}

		// Entries below a canonical root are canonical except for symlinks
		if d.Type()&fs.ModeSymlink != 0 {
			resolved, err := filepath.EvalSymlinks(path)
			if err != nil {
				return &errs.FileSystemError{Op: "resolve", Path: path, Err: err}
			}
			path = resolved
		}

		out, err := relativeTo(base, path)
		if err != nil {
			return &errs.FileSystemError{Op: "relativize", Path: path, Err: err}
		}
		paths = append(paths, out)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(paths)
	return paths, nil
}

// canonical returns the absolute, symlink-free form of path.
func canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

func relativeTo(base, path string) (string, error) {
	if base == "" {
		return filepath.ToSlash(path), nil
	}
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return "", fmt.Errorf("%s is not below %s: %w", path, base, err)
	}
	return filepath.ToSlash(rel), nil
}
