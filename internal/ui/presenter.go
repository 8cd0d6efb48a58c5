// Package ui renders sync progress. Presenters consume full state
// snapshots from the tracker; they never touch the engine directly.
package ui

import (
	"io"

	"github.com/aweston/repomirror/internal/stats"
	"github.com/aweston/repomirror/internal/state"
)

// Presenter consumes state snapshots and displays progress.
type Presenter interface {
	// Run consumes snapshots until the channel closes. Blocks until done.
	Run(snaps <-chan state.Snapshot) error
	// Summary returns the final summary line.
	Summary() string
}

// Config configures a Presenter.
type Config struct {
	Writer     io.Writer
	ErrWriter  io.Writer
	Stats      *stats.Collector
	Workers    int
	IsTTY      bool
	Quiet      bool
	NoProgress bool
}

// NewPresenter creates the appropriate presenter based on configuration.
//
//nolint:ireturn // factory function returns interface by design
func NewPresenter(cfg Config) Presenter {
	if cfg.Quiet {
		return &quietPresenter{stats: cfg.Stats}
	}
	if !cfg.IsTTY || cfg.NoProgress {
		return &plainPresenter{
			w:     cfg.Writer,
			errW:  cfg.ErrWriter,
			stats: cfg.Stats,
		}
	}
	return &hudPresenter{
		w:       cfg.ErrWriter, // HUD renders to stderr (the TTY)
		stats:   cfg.Stats,
		workers: cfg.Workers,
	}
}
