// Package crawler expands a mirror's remote tree into the set of files to sync.
package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sync"

	"github.com/aweston/repomirror/internal/fetch"
	"github.com/aweston/repomirror/internal/listing"
)

// Config controls crawler behavior.
type Config struct {
	// Roots is the allow-list of top-level folder names to descend into.
	// It applies at depth 0 only; deeper levels are never filtered.
	Roots []string

	// Workers bounds concurrent in-flight listing requests.
	// Default: 4
	Workers int

	Logger *slog.Logger
}

// Crawler recursively discovers every file under a mirror's included roots.
type Crawler struct {
	lister *listing.Lister
	cfg    Config
	roots  map[string]bool
}

// New creates a Crawler using lister for directory listings.
func New(lister *listing.Lister, cfg Config) *Crawler {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	roots := make(map[string]bool, len(cfg.Roots))
	for _, r := range cfg.Roots {
		roots[r] = true
	}
	return &Crawler{lister: lister, cfg: cfg, roots: roots}
}

// Crawl expands the tree under mirror. The root index is listed
// synchronously; an unreachable root is fatal and returned immediately.
// Deeper listing failures flow to the error channel and only prune their
// own subtree. The caller must consume both channels until they close.
func (c *Crawler) Crawl(ctx context.Context, mirror string) (<-chan fetch.FileTask, <-chan error, error) {
	rootEntries, err := c.lister.List(ctx, mirror+"/")
	if err != nil {
		return nil, nil, fmt.Errorf("list mirror root: %w", err)
	}

	tasks := make(chan fetch.FileTask, c.cfg.Workers*4)
	errs := make(chan error, c.cfg.Workers*4)
	pool := NewPool(c.cfg.Workers)
	var outstanding sync.WaitGroup

	for _, e := range rootEntries {
		// Depth 0: descend only into included roots; root-level files and
		// everything else are skipped without being listed.
		if !e.IsDir || !c.roots[e.Name] {
			continue
		}
		c.descend(ctx, pool, mirror, e.Name, tasks, errs, &outstanding)
	}

	go func() {
		outstanding.Wait()
		close(tasks)
		close(errs)
	}()

	return tasks, errs, nil
}

func (c *Crawler) descend(
	ctx context.Context,
	pool *Pool,
	mirror, relPath string,
	tasks chan<- fetch.FileTask,
	errs chan<- error,
	outstanding *sync.WaitGroup,
) {
	outstanding.Add(1)
	pool.Submit(func() {
		defer outstanding.Done()

		if ctx.Err() != nil {
			return
		}

		entries, err := c.lister.List(ctx, listing.JoinURL(mirror, relPath)+"/")
		if err != nil {
			c.sendErr(errs, fmt.Errorf("subtree %s: %w", relPath, err))
			return
		}

		for _, e := range entries {
			if e.IsDir {
				c.descend(ctx, pool, mirror, path.Join(relPath, e.Name), tasks, errs, outstanding)
				continue
			}
			select {
			case tasks <- fetch.FileTask{RelPath: path.Join(relPath, e.Name)}:
			case <-ctx.Done():
				return
			}
		}
	})
}

func (c *Crawler) sendErr(errs chan<- error, err error) {
	select {
	case errs <- err:
	default:
		c.cfg.Logger.Warn("dropping crawl error", "error", err)
	}
}
