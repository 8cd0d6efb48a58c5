// Package mirrorsync drives one sync pass: discovery against the primary
// mirror, static partitioning across workers, throttled downloads and the
// Idle/Scanning/Syncing lifecycle.
package mirrorsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/aweston/repomirror/internal/crawler"
	"github.com/aweston/repomirror/internal/event"
	"github.com/aweston/repomirror/internal/fetch"
	"github.com/aweston/repomirror/internal/listing"
)

// ErrAlreadyRunning is returned by Start and Run while a pass is active.
var ErrAlreadyRunning = errors.New("sync already running")

// Config controls one Sync instance.
type Config struct {
	// Mirrors is the ordered mirror list. Mirrors[0] is the discovery
	// source; order defines failover priority in single-worker mode and
	// worker assignment in multi-mirror mode.
	Mirrors []string

	// Roots is the allow-list of top-level folders to mirror.
	Roots []string

	// DestRoot is the local mirror root.
	DestRoot string

	// BWLimit caps aggregate throughput in bytes/sec; divided evenly
	// across workers at partition time. 0 disables throttling.
	BWLimit int64

	// Multithread runs one worker per mirror. With one mirror or
	// Multithread off, a single worker processes all tasks with full
	// mirror failover.
	Multithread bool

	// Pause inserts a delay between downloads within one worker.
	Pause time.Duration

	// ProbeSize issues a HEAD per missing file during scanning to project
	// the run's download volume.
	ProbeSize bool

	// CrawlWorkers bounds concurrent directory listings.
	CrawlWorkers int

	Logger *slog.Logger
}

// Sync orchestrates mirror passes. A single Sync serves the whole process;
// passes run one at a time.
type Sync struct {
	cfg     Config
	crawler *crawler.Crawler
	fetcher *fetch.Fetcher
	events  chan<- event.Event
	log     *slog.Logger

	running atomic.Bool
	stopped atomic.Bool
}

// New creates a Sync. Events flow to the state tracker.
func New(cfg Config, lister *listing.Lister, fetcher *fetch.Fetcher, events chan<- event.Event) *Sync {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sync{
		cfg: cfg,
		crawler: crawler.New(lister, crawler.Config{
			Roots:   cfg.Roots,
			Workers: cfg.CrawlWorkers,
			Logger:  cfg.Logger,
		}),
		fetcher: fetcher,
		events:  events,
		log:     cfg.Logger,
	}
}

// Start begins a pass in the background. A no-op returning
// ErrAlreadyRunning when a pass is active.
func (s *Sync) Start(ctx context.Context) error {
	if s.running.Load() {
		return ErrAlreadyRunning
	}
	go func() {
		if err := s.Run(ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			s.log.Error("sync pass failed", "error", err)
		}
	}()
	return nil
}

// Stop requests cooperative cancellation. The flag is polled at task
// boundaries only: in-flight transfers run to completion or failure, so up
// to one extra file per worker may finish after a stop.
func (s *Sync) Stop() {
	s.stopped.Store(true)
}

// Running reports whether a pass is active.
func (s *Sync) Running() bool {
	return s.running.Load()
}

// Run executes one full pass, blocking until it reaches a terminal
// condition. Per-task failures never abort the run; only a stop request or
// a fatal discovery failure ends it abnormally.
func (s *Sync) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)
	s.stopped.Store(false)

	if len(s.cfg.Mirrors) == 0 {
		err := errors.New("no mirrors configured")
		s.emit(event.Event{Type: event.RunFailed, Error: err})
		return err
	}

	s.emit(event.Event{Type: event.ScanStarted})

	discovered, err := s.discover(ctx)
	if err != nil {
		err = fmt.Errorf("discovery against %s: %w", s.cfg.Mirrors[0], err)
		s.emit(event.Event{Type: event.RunFailed, Error: err})
		return err
	}

	pending := s.filterExisting(discovered)

	var projected int64
	if s.cfg.ProbeSize {
		projected = s.probeSizes(ctx, pending)
	}

	s.emit(event.Event{
		Type:      event.ScanComplete,
		Total:     int64(len(pending)),
		TotalSize: projected,
	})

	workers := s.workerCount()
	shards := Partition(pending, workers)
	perWorker := splitRate(s.cfg.BWLimit, workers)

	g := new(errgroup.Group)
	for i, shard := range shards {
		g.Go(func() error {
			s.runWorker(ctx, i, shard, s.mirrorsFor(i), fetch.NewBWLimiter(perWorker))
			return nil
		})
	}
	_ = g.Wait()

	if s.stopped.Load() || ctx.Err() != nil {
		s.emit(event.Event{Type: event.RunStopped})
	} else {
		s.emit(event.Event{Type: event.RunComplete})
	}
	return nil
}

// discover crawls the primary mirror's tree. Discovery trusts Mirrors[0]
// as authoritative for the whole mirror set.
func (s *Sync) discover(ctx context.Context) ([]fetch.FileTask, error) {
	tasks, errs, err := s.crawler.Crawl(ctx, s.cfg.Mirrors[0])
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for crawlErr := range errs {
			s.log.Warn("listing failed", "error", crawlErr)
			s.emit(event.Event{Type: event.ListFailed, Error: crawlErr})
		}
	}()

	var discovered []fetch.FileTask
	for task := range tasks {
		discovered = append(discovered, task)
	}
	<-done

	return discovered, nil
}

// filterExisting drops tasks whose destination already exists. Existence is
// the sole completion marker; contents are never inspected.
func (s *Sync) filterExisting(tasks []fetch.FileTask) []fetch.FileTask {
	pending := tasks[:0]
	for _, task := range tasks {
		dst := filepath.Join(s.cfg.DestRoot, filepath.FromSlash(task.RelPath))
		if _, err := os.Stat(dst); err == nil {
			s.emit(event.Event{Type: event.FileSkipped, Path: task.RelPath})
			continue
		}
		pending = append(pending, task)
	}
	return pending
}

// probeSizes HEADs each pending file against the primary mirror and
// accumulates the projected download volume.
func (s *Sync) probeSizes(ctx context.Context, pending []fetch.FileTask) int64 {
	var projected int64
	for i := range pending {
		if s.stopped.Load() || ctx.Err() != nil {
			break
		}
		size, err := s.fetcher.Probe(ctx, pending[i], s.cfg.Mirrors[0])
		if err != nil || size < 0 {
			continue
		}
		pending[i].Size = size
		projected += size
	}
	return projected
}

func (s *Sync) runWorker(
	ctx context.Context,
	idx int,
	shard []fetch.FileTask,
	mirrors []string,
	limiter *rate.Limiter,
) {
	for _, task := range shard {
		// Cooperative stop, polled per task boundary, never mid-transfer.
		if s.stopped.Load() || ctx.Err() != nil {
			return
		}

		if err := s.fetcher.Fetch(ctx, task, mirrors, limiter, idx); err != nil {
			s.log.Warn("task failed", "worker", idx, "path", task.RelPath, "error", err)
		}

		if s.cfg.Pause > 0 {
			select {
			case <-time.After(s.cfg.Pause):
			case <-ctx.Done():
				return
			}
		}
	}
}

// workerCount is 1 in single-shard mode, one per mirror otherwise.
func (s *Sync) workerCount() int {
	if !s.cfg.Multithread || len(s.cfg.Mirrors) == 1 {
		return 1
	}
	return len(s.cfg.Mirrors)
}

// mirrorsFor returns the mirror set worker idx fetches from: the full
// ordered list in single-shard mode (failover), exactly its own mirror in
// multi-mirror mode (no cross-mirror failover).
func (s *Sync) mirrorsFor(idx int) []string {
	if s.workerCount() == 1 {
		return s.cfg.Mirrors
	}
	return s.cfg.Mirrors[idx : idx+1]
}

// Partition statically shards tasks: task i goes to shard i mod n. Shards
// are disjoint, cover the input exactly, and preserve assignment order.
func Partition(tasks []fetch.FileTask, n int) [][]fetch.FileTask {
	if n <= 0 {
		n = 1
	}
	shards := make([][]fetch.FileTask, n)
	for i, task := range tasks {
		shards[i%n] = append(shards[i%n], task)
	}
	return shards
}

func splitRate(limit int64, workers int) int64 {
	if limit <= 0 || workers <= 0 {
		return 0
	}
	return limit / int64(workers)
}

func (s *Sync) emit(ev event.Event) {
	if s.events == nil {
		return
	}
	ev.Timestamp = time.Now()
	s.events <- ev
}
