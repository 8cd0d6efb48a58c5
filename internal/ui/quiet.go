package ui

import (
	"github.com/aweston/repomirror/internal/stats"
	"github.com/aweston/repomirror/internal/state"
)

// quietPresenter consumes snapshots but produces no output.
type quietPresenter struct {
	stats *stats.Collector
}

func (p *quietPresenter) Run(snaps <-chan state.Snapshot) error {
	for range snaps {
	}
	return nil
}

func (p *quietPresenter) Summary() string {
	return ""
}
