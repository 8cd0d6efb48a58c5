package mirrorsync

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweston/repomirror/internal/event"
	"github.com/aweston/repomirror/internal/fetch"
	"github.com/aweston/repomirror/internal/listing"
)

// mirrorServer serves an in-memory file tree the way a package mirror
// does: HTML indexes for directories, raw bytes for files.
type mirrorServer struct {
	files map[string]string // rel path -> content

	mu       sync.Mutex
	fileHits map[string]int
	down     bool
}

func newMirrorServer(files map[string]string) *mirrorServer {
	return &mirrorServer{files: files, fileHits: make(map[string]int)}
}

func (m *mirrorServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	down := m.down
	m.mu.Unlock()
	if down {
		http.Error(w, "mirror offline", http.StatusServiceUnavailable)
		return
	}

	rel := strings.TrimPrefix(r.URL.Path, "/")

	if content, ok := m.files[rel]; ok {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", fmt.Sprint(len(content)))
			return
		}
		m.mu.Lock()
		m.fileHits[rel]++
		m.mu.Unlock()
		fmt.Fprint(w, content)
		return
	}

	// Directory index: list immediate children of rel.
	prefix := rel
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	children := make(map[string]bool) // name -> isDir
	for p := range m.files {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			children[rest[:i]+"/"] = true
		} else {
			children[rest] = true
		}
	}
	if len(children) == 0 {
		http.NotFound(w, r)
		return
	}
	fmt.Fprint(w, `<html><body><a href="../">../</a>`)
	for name := range children {
		fmt.Fprintf(w, `<a href=%q>%s</a>`, name, name)
	}
	fmt.Fprint(w, `</body></html>`)
}

func (m *mirrorServer) totalFileHits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.fileHits {
		total += n
	}
	return total
}

func (m *mirrorServer) setDown(down bool) {
	m.mu.Lock()
	m.down = down
	m.mu.Unlock()
}

// eventLog drains an event channel into a slice.
type eventLog struct {
	mu     sync.Mutex
	events []event.Event
}

func (l *eventLog) drain(ch <-chan event.Event, done chan<- struct{}) {
	for ev := range ch {
		l.mu.Lock()
		l.events = append(l.events, ev)
		l.mu.Unlock()
	}
	close(done)
}

func (l *eventLog) ofType(t event.Type) []event.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []event.Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestSync(t *testing.T, cfg Config) (*Sync, *eventLog, func()) {
	t.Helper()
	events := make(chan event.Event, 1024)
	log := &eventLog{}
	done := make(chan struct{})
	go log.drain(events, done)

	lister := listing.NewLister(listing.DefaultOptions())
	fetcher := fetch.New(fetch.Config{DestRoot: cfg.DestRoot, Events: events})
	s := New(cfg, lister, fetcher, events)

	return s, log, func() {
		close(events)
		<-done
	}
}

var testTree = map[string]string{
	"core/os/x86_64/a.tar": "aaaa",
	"core/os/x86_64/b.tar": "bb",
	"core/core.db":         "db",
	"extra/extra.db":       "xdb",
}

func TestRunFullPass(t *testing.T) {
	m := newMirrorServer(testTree)
	srv := httptest.NewServer(m)
	defer srv.Close()

	dest := t.TempDir()
	s, log, finish := newTestSync(t, Config{
		Mirrors:  []string{srv.URL},
		Roots:    []string{"core", "extra"},
		DestRoot: dest,
	})

	require.NoError(t, s.Run(context.Background()))
	finish()

	for rel, want := range testTree {
		data, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(rel)))
		require.NoError(t, err, rel)
		assert.Equal(t, want, string(data))
	}

	scans := log.ofType(event.ScanComplete)
	require.Len(t, scans, 1)
	assert.Equal(t, int64(4), scans[0].Total)
	assert.Len(t, log.ofType(event.FileCompleted), 4)
	assert.Len(t, log.ofType(event.RunComplete), 1)
	assert.Empty(t, log.ofType(event.RunFailed))
}

func TestRunIdempotent(t *testing.T) {
	m := newMirrorServer(testTree)
	srv := httptest.NewServer(m)
	defer srv.Close()

	dest := t.TempDir()
	cfg := Config{Mirrors: []string{srv.URL}, Roots: []string{"core", "extra"}, DestRoot: dest}

	s1, _, finish1 := newTestSync(t, cfg)
	require.NoError(t, s1.Run(context.Background()))
	finish1()
	firstHits := m.totalFileHits()
	assert.Equal(t, 4, firstHits)

	s2, log2, finish2 := newTestSync(t, cfg)
	require.NoError(t, s2.Run(context.Background()))
	finish2()

	assert.Equal(t, firstHits, m.totalFileHits(), "second pass must fetch nothing")
	assert.Len(t, log2.ofType(event.FileSkipped), 4)
	assert.Empty(t, log2.ofType(event.FileCompleted))
	scans := log2.ofType(event.ScanComplete)
	require.Len(t, scans, 1)
	assert.Zero(t, scans[0].Total)
}

func TestRunFailover(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "broken mirror", http.StatusBadGateway)
	}))
	defer bad.Close()

	m := newMirrorServer(testTree)
	good := httptest.NewServer(m)
	defer good.Close()

	dest := t.TempDir()
	// Primary serves everything; the dead secondary is never needed.
	s, log, finish := newTestSync(t, Config{
		Mirrors:  []string{good.URL, bad.URL},
		Roots:    []string{"core"},
		DestRoot: dest,
	})
	require.NoError(t, s.Run(context.Background()))
	finish()

	assert.Len(t, log.ofType(event.FileCompleted), 3)
	assert.Empty(t, log.ofType(event.FileFailed))
}

func TestRunFailoverFromBrokenPrimaryFiles(t *testing.T) {
	// The primary serves indexes but every file download fails, forcing
	// per-file failover to the secondary.
	primary := newMirrorServer(testTree)
	secondary := newMirrorServer(testTree)

	primarySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rel := strings.TrimPrefix(r.URL.Path, "/")
		if _, isFile := testTree[rel]; isFile {
			http.Error(w, "corrupt storage", http.StatusInternalServerError)
			return
		}
		primary.ServeHTTP(w, r)
	}))
	defer primarySrv.Close()
	secondarySrv := httptest.NewServer(secondary)
	defer secondarySrv.Close()

	dest := t.TempDir()
	s, log, finish := newTestSync(t, Config{
		Mirrors:  []string{primarySrv.URL, secondarySrv.URL},
		Roots:    []string{"core", "extra"},
		DestRoot: dest,
	})
	require.NoError(t, s.Run(context.Background()))
	finish()

	assert.Len(t, log.ofType(event.FileCompleted), 4)
	assert.Empty(t, log.ofType(event.FileFailed))
	assert.Equal(t, 4, secondary.totalFileHits())
}

func TestRunRoundRobinNoFailover(t *testing.T) {
	mA := newMirrorServer(testTree)
	srvA := httptest.NewServer(mA)
	defer srvA.Close()

	mB := newMirrorServer(testTree)
	srvB := httptest.NewServer(mB)
	defer srvB.Close()
	mB.setDown(true)

	dest := t.TempDir()
	s, log, finish := newTestSync(t, Config{
		Mirrors:     []string{srvA.URL, srvB.URL},
		Roots:       []string{"core", "extra"},
		DestRoot:    dest,
		Multithread: true,
	})
	require.NoError(t, s.Run(context.Background()))
	finish()

	// Half the tasks are pinned to the dead mirror and fail without being
	// retried elsewhere; the other half complete.
	assert.Len(t, log.ofType(event.FileCompleted), 2)
	failed := log.ofType(event.FileFailed)
	require.Len(t, failed, 2)
	for _, ev := range failed {
		var dlErr *fetch.DownloadError
		require.ErrorAs(t, ev.Error, &dlErr)
		assert.Equal(t, 1, dlErr.Attempts, "round-robin mode must not fail over")
	}
	assert.Len(t, log.ofType(event.RunComplete), 1, "per-task failures never abort the run")
}

func TestRunFatalDiscovery(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	dest := t.TempDir()
	s, log, finish := newTestSync(t, Config{
		Mirrors:  []string{srv.URL},
		Roots:    []string{"core"},
		DestRoot: dest,
	})

	err := s.Run(context.Background())
	require.Error(t, err)
	finish()

	assert.Len(t, log.ofType(event.RunFailed), 1)
	assert.Empty(t, log.ofType(event.FileCompleted))

	entries, readErr := os.ReadDir(dest)
	require.NoError(t, readErr)
	assert.Empty(t, entries, "nothing synced on fatal discovery failure")
}

func TestRunStopBetweenTasks(t *testing.T) {
	m := newMirrorServer(testTree)
	srv := httptest.NewServer(m)
	defer srv.Close()

	dest := t.TempDir()
	s, log, finish := newTestSync(t, Config{
		Mirrors:  []string{srv.URL},
		Roots:    []string{"core", "extra"},
		DestRoot: dest,
		Pause:    50 * time.Millisecond,
	})

	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(context.Background()) }()

	// Let the first file start, then request a stop.
	require.Eventually(t, func() bool {
		return m.totalFileHits() >= 1
	}, 5*time.Second, time.Millisecond)
	s.Stop()

	require.NoError(t, <-runDone)
	finish()

	// One worker: at most the in-flight file finishes after the stop.
	completed := len(log.ofType(event.FileCompleted))
	assert.LessOrEqual(t, completed, 2)
	assert.Less(t, completed, 4, "stop must prevent the remaining tasks")
	assert.Len(t, log.ofType(event.RunStopped), 1)
	assert.Empty(t, log.ofType(event.RunComplete))
}

func TestRunAlreadyRunning(t *testing.T) {
	m := newMirrorServer(testTree)
	srv := httptest.NewServer(m)
	defer srv.Close()

	s, _, finish := newTestSync(t, Config{
		Mirrors:  []string{srv.URL},
		Roots:    []string{"core", "extra"},
		DestRoot: t.TempDir(),
		Pause:    10 * time.Millisecond,
	})

	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(context.Background()) }()

	require.Eventually(t, s.Running, 5*time.Second, time.Millisecond)
	assert.ErrorIs(t, s.Run(context.Background()), ErrAlreadyRunning)
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyRunning)

	require.NoError(t, <-runDone)
	finish()
}

func TestRunProbeSize(t *testing.T) {
	m := newMirrorServer(testTree)
	srv := httptest.NewServer(m)
	defer srv.Close()

	s, log, finish := newTestSync(t, Config{
		Mirrors:   []string{srv.URL},
		Roots:     []string{"core", "extra"},
		DestRoot:  t.TempDir(),
		ProbeSize: true,
	})
	require.NoError(t, s.Run(context.Background()))
	finish()

	var want int64
	for _, content := range testTree {
		want += int64(len(content))
	}
	scans := log.ofType(event.ScanComplete)
	require.Len(t, scans, 1)
	assert.Equal(t, want, scans[0].TotalSize)
}

func TestPartition(t *testing.T) {
	t.Parallel()

	tasks := make([]fetch.FileTask, 11)
	for i := range tasks {
		tasks[i] = fetch.FileTask{RelPath: fmt.Sprintf("pool/p%02d.tar", i)}
	}

	shards := Partition(tasks, 3)
	require.Len(t, shards, 3)

	// Union equals the task set exactly once.
	var union []string
	for _, shard := range shards {
		for _, task := range shard {
			union = append(union, task.RelPath)
		}
	}
	require.Len(t, union, len(tasks))
	sort.Strings(union)
	for i, rel := range union {
		assert.Equal(t, fmt.Sprintf("pool/p%02d.tar", i), rel)
	}

	// Deterministic assignment: index i goes to shard i mod n, in order.
	assert.Equal(t, "pool/p00.tar", shards[0][0].RelPath)
	assert.Equal(t, "pool/p03.tar", shards[0][1].RelPath)
	assert.Equal(t, "pool/p01.tar", shards[1][0].RelPath)
	assert.Equal(t, "pool/p10.tar", shards[1][3].RelPath)
	assert.Equal(t, "pool/p02.tar", shards[2][0].RelPath)
}

func TestPartitionClampsWorkers(t *testing.T) {
	t.Parallel()

	shards := Partition([]fetch.FileTask{{RelPath: "a"}}, 0)
	require.Len(t, shards, 1)
	assert.Equal(t, "a", shards[0][0].RelPath)
}

func TestSplitRate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int64(0), splitRate(0, 4))
	assert.Equal(t, int64(0), splitRate(-1, 4))
	assert.Equal(t, int64(250), splitRate(1000, 4))
	assert.Equal(t, int64(1000), splitRate(1000, 1))
}
