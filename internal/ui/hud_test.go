package ui

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aweston/repomirror/internal/state"
	"github.com/aweston/repomirror/internal/stats"
)

func runHUD(t *testing.T, snaps ...state.Snapshot) string {
	t.Helper()

	var out bytes.Buffer
	p := &hudPresenter{w: &out, stats: stats.NewCollector(), workers: 2}

	ch := make(chan state.Snapshot, len(snaps))
	for _, s := range snaps {
		ch <- s
	}
	close(ch)

	assert.NoError(t, p.Run(ch))
	return out.String()
}

func TestHUDFeedAndRedraw(t *testing.T) {
	out := runHUD(t,
		state.Snapshot{
			LogSeq:     1,
			Log:        []string{"12:00:00 fetching core/a.tar"},
			TotalTasks: 10,
			Workers:    []string{"core/a.tar", ""},
		},
	)

	assert.Contains(t, out, "fetching")
	assert.Contains(t, out, "a.tar")
	// Progress line with file counts.
	assert.Contains(t, out, "0 / 10 files")
	// One busy slot out of two.
	assert.Contains(t, out, "workers ▪□")
	// HUD cleared on channel close.
	assert.Contains(t, out, "\033[2A\033[J")
}

func TestHUDProgressPercent(t *testing.T) {
	out := runHUD(t, state.Snapshot{TotalTasks: 4, Completed: 2})
	assert.Contains(t, out, " 50%")
	assert.Contains(t, out, "2 / 4 files")
}

func TestStyledLogLine(t *testing.T) {
	got := styledLogLine("12:00:01 done core/os/a.tar (1.0 KiB)")
	assert.Contains(t, got, ansiDim+"core/os/"+ansiReset+"a.tar")
	assert.True(t, strings.HasPrefix(got, "12:00:01 done "))

	// No path: unchanged.
	assert.Equal(t, "12:00:00 scan started", styledLogLine("12:00:00 scan started"))
}
