package ui

import (
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aweston/repomirror/internal/stats"
	"github.com/aweston/repomirror/internal/state"
)

// ANSI escape sequences.
const (
	ansiDim   = "\033[2m"
	ansiReset = "\033[0m"
)

const (
	progressBarWidth = 20
	hudMinInterval   = 50 * time.Millisecond // don't redraw faster than this
)

// hudPresenter provides a rich TTY display with a scrolling feed of log
// lines and a 2-line HUD that redraws in place.
type hudPresenter struct {
	w       io.Writer
	stats   *stats.Collector
	workers int

	last         state.Snapshot
	lastSeq      int64
	hudDrawn     bool
	hudLineCount int
	lastHUDDraw  time.Time
}

func (p *hudPresenter) Run(snaps <-chan state.Snapshot) error {
	// Fire the first tick quickly to seed the ring buffer with initial
	// speed data, then switch to 1s interval.
	secTicker := time.NewTicker(250 * time.Millisecond)
	defer secTicker.Stop()
	firstTickDone := false

	// Redraw ticker for when no snapshots are flowing (large downloads).
	redrawTicker := time.NewTicker(100 * time.Millisecond)
	defer redrawTicker.Stop()

	for {
		select {
		case snap, ok := <-snaps:
			if !ok {
				p.clearHUD()
				return nil
			}
			p.handleSnapshot(snap)
			p.maybeDrawHUD()

		case <-redrawTicker.C:
			p.drawHUD()

		case <-secTicker.C:
			if p.stats != nil {
				p.stats.Tick()
			}
			if !firstTickDone {
				firstTickDone = true
				secTicker.Reset(1 * time.Second)
			}
		}
	}
}

// handleSnapshot moves fresh log lines into the scrolling feed above the HUD.
func (p *hudPresenter) handleSnapshot(snap state.Snapshot) {
	if snap.LogSeq < p.lastSeq {
		p.lastSeq = 0
	}
	fresh := snap.LogSeq - p.lastSeq
	if fresh > int64(len(snap.Log)) {
		fresh = int64(len(snap.Log))
	}
	if fresh > 0 {
		p.clearHUD()
		for _, line := range snap.Log[int64(len(snap.Log))-fresh:] {
			fmt.Fprintln(p.w, styledLogLine(line))
		}
	}
	p.lastSeq = snap.LogSeq
	p.last = snap
	if fresh > 0 {
		p.drawHUD()
	}
}

// maybeDrawHUD redraws the HUD if enough time has passed since the last draw.
func (p *hudPresenter) maybeDrawHUD() {
	if time.Since(p.lastHUDDraw) < hudMinInterval {
		return
	}
	p.drawHUD()
}

func (p *hudPresenter) drawHUD() {
	snap := p.last
	p.clearHUD()

	speed := 0.0
	if p.stats != nil {
		speed = p.stats.RollingSpeed(10)
	}

	lines := 0

	// Line 1: rate + bytes fetched (with projection when probed) + busy workers.
	busy := 0
	for _, w := range snap.Workers {
		if w != "" {
			busy++
		}
	}
	total := p.workers
	if len(snap.Workers) > total {
		total = len(snap.Workers)
	}
	byteStr := FormatBytes(snap.BytesFetched)
	if snap.ProjectedBytes > 0 {
		byteStr += " / " + FormatBytes(snap.ProjectedBytes)
	}
	phase := snap.Phase
	if phase == "" {
		phase = "idle"
	}
	fmt.Fprintf(p.w, " %-8s  %s   %s   workers %s\n",
		phase, FormatRate(speed), byteStr, WorkerIndicator(busy, total))
	lines++

	// Line 2: progress bar + files + eta.
	var pct float64
	done := snap.Completed + snap.Failed
	if snap.TotalTasks > 0 {
		pct = float64(done) / float64(snap.TotalTasks)
	}
	bar := ProgressBar(pct, progressBarWidth)
	fmt.Fprintf(p.w, " %3.0f%%  %s   %s / %s files   eta %s\n",
		pct*100, bar,
		FormatCount(done), FormatCount(snap.TotalTasks),
		FormatETA(time.Duration(snap.ETASeconds*float64(time.Second))))
	lines++

	p.hudDrawn = true
	p.hudLineCount = lines
	p.lastHUDDraw = time.Now()
}

func (p *hudPresenter) clearHUD() {
	if !p.hudDrawn {
		return
	}
	lines := p.hudLineCount
	if lines == 0 {
		lines = 2 // fallback
	}
	// Move cursor up N lines and clear to end of screen.
	fmt.Fprintf(p.w, "\033[%dA\033[J", lines)
	p.hudDrawn = false
}

func (p *hudPresenter) Summary() string {
	if p.stats == nil {
		return ""
	}
	return CompletionSummary(p.stats.Snapshot())
}

// styledLogLine dims the directory portion of any path in a feed line so
// the filename stands out. Lines without a slash pass through unchanged.
func styledLogLine(line string) string {
	idx := strings.LastIndexByte(line, '/')
	if idx < 0 {
		return line
	}
	// Find the start of the path token containing the last slash.
	start := strings.LastIndexByte(line[:idx], ' ') + 1
	token := line[start:]
	end := strings.IndexByte(token, ' ')
	if end < 0 {
		end = len(token)
	}
	p := token[:end]
	dir, base := path.Split(p)
	if dir == "" {
		return line
	}
	return line[:start] + ansiDim + dir + ansiReset + base + token[end:]
}
