package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/aweston/repomirror/internal/stats"
	"github.com/aweston/repomirror/internal/state"
)

// plainPresenter prints one log line per file to stdout and periodic
// progress to stderr when not a TTY.
type plainPresenter struct {
	w     io.Writer
	errW  io.Writer
	stats *stats.Collector

	last    state.Snapshot
	lastSeq int64
}

func (p *plainPresenter) Run(snaps <-chan state.Snapshot) error {
	tickTicker := time.NewTicker(1 * time.Second)
	defer tickTicker.Stop()
	progTicker := time.NewTicker(5 * time.Second)
	defer progTicker.Stop()

	for {
		select {
		case snap, ok := <-snaps:
			if !ok {
				return nil
			}
			p.handleSnapshot(snap)
		case <-tickTicker.C:
			if p.stats != nil {
				p.stats.Tick()
			}
		case <-progTicker.C:
			p.printProgress()
		}
	}
}

// handleSnapshot prints log entries this presenter has not seen yet.
// LogSeq counts every entry ever appended; the ring holds the tail, so
// anything past the ring is lost and silently dropped.
func (p *plainPresenter) handleSnapshot(snap state.Snapshot) {
	if snap.LogSeq < p.lastSeq {
		// The tracker reset for a new run.
		p.lastSeq = 0
	}
	fresh := snap.LogSeq - p.lastSeq
	if fresh > int64(len(snap.Log)) {
		fresh = int64(len(snap.Log))
	}
	for _, line := range snap.Log[int64(len(snap.Log))-fresh:] {
		fmt.Fprintln(p.w, line)
	}
	p.lastSeq = snap.LogSeq
	p.last = snap
}

func (p *plainPresenter) printProgress() {
	snap := p.last
	if snap.Phase != state.PhaseSyncing.String() {
		return
	}
	speed := 0.0
	if p.stats != nil {
		speed = p.stats.RollingSpeed(10)
	}
	if snap.TotalTasks > 0 {
		done := snap.Completed + snap.Failed
		pct := float64(done) / float64(snap.TotalTasks) * 100
		fmt.Fprintf(p.errW, "progress: %.0f%% %s/%s files %s %s eta %s\n",
			pct,
			FormatCount(done), FormatCount(snap.TotalTasks),
			FormatBytes(snap.BytesFetched),
			FormatRate(speed),
			FormatETA(time.Duration(snap.ETASeconds*float64(time.Second))),
		)
	} else {
		fmt.Fprintf(p.errW, "progress: %s fetched %s files\n",
			FormatBytes(snap.BytesFetched),
			FormatCount(snap.Completed),
		)
	}
}

func (p *plainPresenter) Summary() string {
	if p.stats == nil {
		return ""
	}
	return CompletionSummary(p.stats.Snapshot())
}
