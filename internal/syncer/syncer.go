package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/angeld23/axosync/internal/errs"
	"github.com/angeld23/axosync/internal/journal"
	"github.com/angeld23/axosync/internal/sourcemap"
)

var (
	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "axosync_batches_total",
		Help: "Patch batches processed, by outcome",
	}, []string{"status"})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "axosync_batch_duration_seconds",
		Help:    "Time spent in one load-apply-save cycle",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	batchOperations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "axosync_batch_operations",
		Help:    "Operations per patch batch",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "axosync_queue_depth",
		Help: "Jobs waiting for the sync worker",
	})

	treeNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "axosync_tree_nodes",
		Help: "Nodes in the persisted tree after the last applied batch",
	})
)

// ErrStopped is returned for jobs submitted to a syncer that is not running.
var ErrStopped = errors.New("syncer is not running")

// Store loads and saves the whole tree. *sourcemap.Store satisfies it.
type Store interface {
	Load() (*sourcemap.Instance, error)
	Save(root *sourcemap.Instance) error
}

// Locker is implemented by stores whose document is shared with other
// processes. The lock is held for the whole load-apply-save cycle.
type Locker interface {
	Lock() error
	Unlock() error
}

// Recorder receives one entry per processed batch. *journal.Journal
// satisfies it.
type Recorder interface {
	Record(ctx context.Context, e journal.Entry) error
}

// Result describes an applied batch.
type Result struct {
	BatchID    string
	ReceivedAt time.Time
	Operations int
	Nodes      int
	Duration   time.Duration
}

// Config holds configuration for a Syncer.
type Config struct {
	// Store persists the tree (required).
	Store Store

	// Journal records every batch outcome. Nil disables recording.
	Journal Recorder

	// OnApplied is called on the worker goroutine after a batch has been
	// saved. It must not block.
	OnApplied func(Result)

	// QueueSize is the capacity of the job queue (default 64).
	QueueSize int

	// Logger for sync activity (default slog.Default()).
	Logger *slog.Logger
}

const (
	jobPending int32 = iota
	jobRunning
	jobCancelled
)

type job struct {
	run   func()
	state atomic.Int32
	done  chan struct{}
}

// Syncer runs load-apply-save cycles one at a time.
type Syncer struct {
	store     Store
	journal   Recorder
	onApplied func(Result)
	logger    *slog.Logger

	jobs    chan *job
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	stopped bool
}

// New creates a Syncer. Start must be called before jobs are accepted.
func New(cfg Config) (*Syncer, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Syncer{
		store:     cfg.Store,
		journal:   cfg.Journal,
		onApplied: cfg.OnApplied,
		logger:    cfg.Logger,
		jobs:      make(chan *job, cfg.QueueSize),
		done:      make(chan struct{}),
	}, nil
}

// Start launches the worker goroutine.
func (s *Syncer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("syncer already running")
	}
	if s.stopped {
		return fmt.Errorf("syncer cannot be restarted")
	}

	s.running = true
	s.wg.Add(1)
	go s.work()

	s.logger.Debug("sync worker started")
	return nil
}

// Stop lets the current job finish, then stops the worker. Queued jobs
// that were not started fail with ErrStopped.
func (s *Syncer) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.stopped = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()

	s.logger.Debug("sync worker stopped")
	return nil
}

// Apply submits a patch batch and waits for its outcome.
func (s *Syncer) Apply(ctx context.Context, patches []sourcemap.Patch) (Result, error) {
	res := Result{
		BatchID:    uuid.NewString(),
		ReceivedAt: time.Now(),
		Operations: len(patches),
	}

	var applyErr error
	err := s.submit(ctx, func() {
		res, applyErr = s.applyBatch(res, patches)
	})
	if err != nil {
		return Result{}, err
	}
	return res, applyErr
}

// Snapshot returns the persisted tree as seen after every job queued
// before it.
func (s *Syncer) Snapshot(ctx context.Context) (*sourcemap.Instance, error) {
	var (
		root    *sourcemap.Instance
		loadErr error
	)
	err := s.submit(ctx, func() {
		root, loadErr = s.store.Load()
	})
	if err != nil {
		return nil, err
	}
	return root, loadErr
}

// submit queues fn and blocks until it has run or was skipped.
func (s *Syncer) submit(ctx context.Context, fn func()) error {
	j := &job{run: fn, done: make(chan struct{})}

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return ErrStopped
	}

	select {
	case s.jobs <- j:
		queueDepth.Inc()
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStopped
	}

	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		if j.state.CompareAndSwap(jobPending, jobCancelled) {
			return ctx.Err()
		}
		<-j.done
		return nil
	case <-s.done:
		if j.state.CompareAndSwap(jobPending, jobCancelled) {
			return ErrStopped
		}
		<-j.done
		return nil
	}
}

func (s *Syncer) work() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case j := <-s.jobs:
			queueDepth.Dec()
			if !j.state.CompareAndSwap(jobPending, jobRunning) {
				continue
			}
			j.run()
			close(j.done)
		}
	}
}

// applyBatch runs one load-apply-save cycle on the worker.
func (s *Syncer) applyBatch(res Result, patches []sourcemap.Patch) (Result, error) {
	start := time.Now()
	logger := s.logger.With("batch", res.BatchID, "operations", res.Operations)

	next, err := s.cycle(patches)
	if err == nil {
		res.Nodes = next.Count()
	}
	res.Duration = time.Since(start)

	status := journal.StatusApplied
	switch {
	case err == nil:
		logger.Info("batch applied", "nodes", res.Nodes, "duration", res.Duration)
	case errors.Is(err, errs.ErrAddress):
		status = journal.StatusRejected
		logger.Warn("batch rejected", "error", err)
	default:
		status = journal.StatusFailed
		logger.Error("batch failed", "error", err)
	}

	batchesTotal.WithLabelValues(string(status)).Inc()
	batchDuration.Observe(res.Duration.Seconds())
	batchOperations.Observe(float64(res.Operations))

	s.record(res, status, err)

	if err != nil {
		return res, err
	}

	treeNodes.Set(float64(res.Nodes))
	if s.onApplied != nil {
		s.onApplied(res)
	}
	return res, nil
}

// cycle loads, patches and saves the tree under the store's lock, if any.
func (s *Syncer) cycle(patches []sourcemap.Patch) (*sourcemap.Instance, error) {
	if l, ok := s.store.(Locker); ok {
		if err := l.Lock(); err != nil {
			return nil, fmt.Errorf("failed to lock sourcemap: %w", err)
		}
		defer func() {
			if err := l.Unlock(); err != nil {
				s.logger.Warn("failed to unlock sourcemap", "error", err)
			}
		}()
	}

	next, err := s.loadAndApply(patches)
	if err != nil {
		return nil, err
	}
	if err := s.store.Save(next); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *Syncer) loadAndApply(patches []sourcemap.Patch) (*sourcemap.Instance, error) {
	root, err := s.store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load sourcemap: %w", err)
	}
	return sourcemap.Apply(root, patches)
}

func (s *Syncer) record(res Result, status journal.Status, batchErr error) {
	if s.journal == nil {
		return
	}

	entry := journal.Entry{
		ID:         res.BatchID,
		ReceivedAt: res.ReceivedAt,
		Operations: res.Operations,
		Status:     status,
		Duration:   res.Duration,
		Nodes:      res.Nodes,
	}
	if batchErr != nil {
		entry.Error = batchErr.Error()
	}

	// Journal writes are not tied to the caller; a cancelled request must
	// still leave a record of a batch that ran.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.journal.Record(ctx, entry); err != nil {
		s.logger.Warn("failed to record batch", "batch", res.BatchID, "error", err)
	}
}
