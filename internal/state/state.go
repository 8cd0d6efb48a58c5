// Package state owns the shared sync state record. All mutation flows
// through a single tracker goroutine fed by the event channel; observers
// receive full snapshots, never the record itself.
package state

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/aweston/repomirror/internal/event"
	"github.com/aweston/repomirror/internal/stats"
)

// Phase is the sync engine's lifecycle state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseScanning
	PhaseSyncing
	PhaseStopped
	PhaseError
)

var phaseNames = [...]string{
	PhaseIdle:     "idle",
	PhaseScanning: "scanning",
	PhaseSyncing:  "syncing",
	PhaseStopped:  "stopped",
	PhaseError:    "error",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// LogCapacity bounds the in-memory log ring; oldest entries drop first.
const LogCapacity = 200

// Snapshot is a full copy of the sync state, broadcast to observers on
// every mutation. Last write wins; there is no versioning.
type Snapshot struct {
	Phase          string    `json:"phase"`
	StartedAt      time.Time `json:"started_at"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
	TotalTasks     int64     `json:"total_tasks"`
	Completed      int64     `json:"completed"`
	Failed         int64     `json:"failed"`
	Skipped        int64     `json:"skipped"`
	BytesFetched   int64     `json:"bytes_fetched"`
	ProjectedBytes int64     `json:"projected_bytes"`
	DiskUsage      int64     `json:"disk_usage"`
	ETASeconds     float64   `json:"eta_seconds"`
	Workers        []string  `json:"workers"` // current task per worker slot, "" = idle
	LogSeq         int64     `json:"log_seq"` // total entries ever appended
	Log            []string  `json:"log"`     // ring tail, oldest first
}

// Tracker consumes engine events and maintains the sync state.
type Tracker struct {
	destRoot  string
	collector *stats.Collector
	logger    *slog.Logger
	events    chan event.Event

	mu        sync.Mutex
	phase     Phase
	cur       Snapshot
	subs      map[int]chan Snapshot
	nextSub   int
	runStart  time.Time
	syncStart time.Time
}

// NewTracker creates a Tracker for the given local mirror root. The
// collector receives counter updates for presenters; it may be nil.
func NewTracker(destRoot string, collector *stats.Collector, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		destRoot:  destRoot,
		collector: collector,
		logger:    logger,
		events:    make(chan event.Event, 256),
		subs:      make(map[int]chan Snapshot),
		cur:       Snapshot{Phase: PhaseIdle.String()},
	}
}

// Events returns the channel emitters send into. Many emitters, one writer.
func (t *Tracker) Events() chan<- event.Event { return t.events }

// Run consumes events until the channel closes or ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	for {
		select {
		case ev, ok := <-t.events:
			if !ok {
				return
			}
			t.apply(ev)
		case <-ctx.Done():
			return
		}
	}
}

// Subscribe registers an observer. The returned channel holds the latest
// snapshot; a slow observer drops intermediate snapshots, never blocking
// the tracker. The cancel func unsubscribes and closes the channel.
func (t *Tracker) Subscribe() (<-chan Snapshot, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextSub
	t.nextSub++
	ch := make(chan Snapshot, 1)
	t.subs[id] = ch

	return ch, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(ch)
		}
	}
}

// Current returns the latest snapshot.
func (t *Tracker) Current() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Phase returns the current lifecycle phase.
func (t *Tracker) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

func (t *Tracker) apply(ev event.Event) {
	t.mu.Lock()

	switch ev.Type {
	case event.ScanStarted:
		// New run: the record resets; nothing persists across passes.
		t.phase = PhaseScanning
		t.runStart = ev.Timestamp
		t.syncStart = time.Time{}
		t.cur = Snapshot{StartedAt: ev.Timestamp}
		t.appendLog(ev.Timestamp, "scan started")

	case event.ScanComplete:
		t.phase = PhaseSyncing
		t.syncStart = ev.Timestamp
		t.cur.TotalTasks = ev.Total
		t.cur.ProjectedBytes = ev.TotalSize
		if t.collector != nil {
			t.collector.SetTotals(ev.Total, ev.TotalSize)
		}
		t.appendLog(ev.Timestamp, fmt.Sprintf("scan complete: %d files to fetch", ev.Total))

	case event.ListFailed:
		t.appendLog(ev.Timestamp, fmt.Sprintf("listing failed: %v", ev.Error))

	case event.FileStarted:
		t.setWorker(ev.WorkerID, ev.Path)
		t.appendLog(ev.Timestamp, fmt.Sprintf("fetching %s", ev.Path))

	case event.FileCompleted:
		t.setWorker(ev.WorkerID, "")
		t.cur.Completed++
		t.cur.BytesFetched += ev.Size
		if t.collector != nil {
			t.collector.AddFilesFetched(1)
			t.collector.AddBytesFetched(ev.Size)
		}
		t.recomputeETA(ev.Timestamp)
		t.appendLog(ev.Timestamp, fmt.Sprintf("done %s (%s)", ev.Path, stats.FormatBytes(ev.Size)))

	case event.FileFailed:
		t.setWorker(ev.WorkerID, "")
		t.cur.Failed++
		if t.collector != nil {
			t.collector.AddFilesFailed(1)
		}
		t.recomputeETA(ev.Timestamp)
		t.appendLog(ev.Timestamp, fmt.Sprintf("failed %s: %v", ev.Path, ev.Error))

	case event.FileSkipped:
		t.cur.Skipped++
		if t.collector != nil {
			t.collector.AddFilesSkipped(1)
		}

	case event.RunComplete:
		t.phase = PhaseIdle
		t.clearWorkers()
		t.cur.ETASeconds = 0
		t.appendLog(ev.Timestamp, fmt.Sprintf(
			"sync complete: %d fetched, %d failed, %d skipped",
			t.cur.Completed, t.cur.Failed, t.cur.Skipped))

	case event.RunStopped:
		t.phase = PhaseStopped
		t.clearWorkers()
		t.appendLog(ev.Timestamp, "sync stopped on request")

	case event.RunFailed:
		t.phase = PhaseError
		t.clearWorkers()
		t.appendLog(ev.Timestamp, fmt.Sprintf("sync failed: %v", ev.Error))
	}

	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.broadcast(snap)
}

// recomputeETA refreshes the projected remaining time as a plain average:
// (elapsed / files completed) * files remaining. Failed tasks shrink the
// remaining count but never feed the rate. Not monotonic.
func (t *Tracker) recomputeETA(now time.Time) {
	if now.IsZero() {
		now = time.Now()
	}
	if t.cur.Completed <= 0 || t.syncStart.IsZero() {
		t.cur.ETASeconds = 0
		return
	}
	remaining := t.cur.TotalTasks - t.cur.Completed - t.cur.Failed
	if remaining < 0 {
		remaining = 0
	}
	elapsed := now.Sub(t.syncStart).Seconds()
	t.cur.ETASeconds = elapsed / float64(t.cur.Completed) * float64(remaining)
}

func (t *Tracker) setWorker(id int, path string) {
	for len(t.cur.Workers) <= id {
		t.cur.Workers = append(t.cur.Workers, "")
	}
	t.cur.Workers[id] = path
}

func (t *Tracker) clearWorkers() {
	for i := range t.cur.Workers {
		t.cur.Workers[i] = ""
	}
}

func (t *Tracker) appendLog(ts time.Time, msg string) {
	if ts.IsZero() {
		ts = time.Now()
	}
	entry := fmt.Sprintf("%s %s", ts.Format("15:04:05"), msg)
	t.cur.Log = append(t.cur.Log, entry)
	if len(t.cur.Log) > LogCapacity {
		t.cur.Log = t.cur.Log[len(t.cur.Log)-LogCapacity:]
	}
	t.cur.LogSeq++
}

// snapshotLocked deep-copies the current record. Callers hold t.mu.
func (t *Tracker) snapshotLocked() Snapshot {
	snap := t.cur
	snap.Phase = t.phase.String()
	if !t.runStart.IsZero() {
		snap.ElapsedSeconds = time.Since(t.runStart).Seconds()
	}
	snap.Workers = append([]string(nil), t.cur.Workers...)
	snap.Log = append([]string(nil), t.cur.Log...)
	return snap
}

// broadcast refreshes disk usage and pushes the snapshot to every
// subscriber, latest-wins. Sends happen under the lock so an unsubscribe
// can never close a channel mid-send.
func (t *Tracker) broadcast(snap Snapshot) {
	snap.DiskUsage = t.diskUsage()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.cur.DiskUsage = snap.DiskUsage
	for _, ch := range t.subs {
		select {
		case ch <- snap:
		default:
			// Drop the stale snapshot, keep the fresh one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// diskUsage walks the whole mirror root and sums file sizes.
func (t *Tracker) diskUsage() int64 {
	var total int64
	_ = filepath.WalkDir(t.destRoot, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil //nolint:nilerr // unreadable entries just don't count
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
