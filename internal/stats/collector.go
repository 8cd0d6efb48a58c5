package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const ringSize = 60

// Collector tracks sync statistics using lock-free atomic counters.
// Workers (via the state tracker) write; presenters read.
type Collector struct {
	filesFetched atomic.Int64
	filesFailed  atomic.Int64
	filesSkipped atomic.Int64
	bytesFetched atomic.Int64
	bytesTotal   atomic.Int64
	filesTotal   atomic.Int64
	startTime    time.Time

	// Ring buffer, written only by the presenter's Tick(), not workers.
	mu         sync.Mutex
	throughput [ringSize]int64 // bytes delta per second
	ringIdx    int
	ringCount  int // samples written, capped at ringSize
	lastBytes  int64
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetTotals records discovery totals (called once when scanning completes).
func (c *Collector) SetTotals(files, bytes int64) {
	c.filesTotal.Store(files)
	c.bytesTotal.Store(bytes)
}

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	FilesFetched int64
	FilesFailed  int64
	FilesSkipped int64
	BytesFetched int64
	BytesTotal   int64
	FilesTotal   int64
	Elapsed      time.Duration
}

func (c *Collector) AddFilesFetched(n int64) { c.filesFetched.Add(n) }
func (c *Collector) AddFilesFailed(n int64)  { c.filesFailed.Add(n) }
func (c *Collector) AddFilesSkipped(n int64) { c.filesSkipped.Add(n) }
func (c *Collector) AddBytesFetched(n int64) { c.bytesFetched.Add(n) }

// Snapshot returns a consistent point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		FilesFetched: c.filesFetched.Load(),
		FilesFailed:  c.filesFailed.Load(),
		FilesSkipped: c.filesSkipped.Load(),
		BytesFetched: c.bytesFetched.Load(),
		BytesTotal:   c.bytesTotal.Load(),
		FilesTotal:   c.filesTotal.Load(),
		Elapsed:      c.Elapsed(),
	}
}

// Tick snapshots the byte delta into the ring buffer. Called 1/sec by the presenter.
func (c *Collector) Tick() {
	currentBytes := c.bytesFetched.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	delta := currentBytes - c.lastBytes
	c.lastBytes = currentBytes

	c.throughput[c.ringIdx] = delta
	c.ringIdx = (c.ringIdx + 1) % ringSize
	if c.ringCount < ringSize {
		c.ringCount++
	}
}

// RollingSpeed returns average bytes/sec over the last n seconds of samples.
func (c *Collector) RollingSpeed(seconds int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := seconds
	if count > c.ringCount {
		count = c.ringCount
	}
	if count == 0 {
		return 0
	}
	var sum int64
	for i := range count {
		idx := (c.ringIdx - 1 - i + ringSize) % ringSize
		sum += c.throughput[idx]
	}
	return float64(sum) / float64(count)
}

// ByteETA estimates remaining time based on rolling speed and remaining bytes.
// Zero when no byte total is known (size probe disabled).
func (c *Collector) ByteETA() time.Duration {
	speed := c.RollingSpeed(10)
	if speed <= 0 {
		return 0
	}
	remaining := c.bytesTotal.Load() - c.bytesFetched.Load()
	if remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining)/speed) * time.Second
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"fetched=%d failed=%d skipped=%d bytes=%d",
		s.FilesFetched, s.FilesFailed, s.FilesSkipped, s.BytesFetched,
	)
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
