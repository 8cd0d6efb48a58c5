// Package fetch downloads single files from an ordered mirror set with
// failover, throttling and atomic placement.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/aweston/repomirror/internal/event"
	"github.com/aweston/repomirror/internal/listing"
)

// DownloadError reports that every attempted mirror failed for one file.
// It is isolated to that file; the run continues with the next task.
type DownloadError struct {
	RelPath  string
	Attempts int
	Err      error // last attempt's failure
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s: all %d mirrors failed: %v", e.RelPath, e.Attempts, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// Config controls fetcher behavior.
type Config struct {
	// DestRoot is the local mirror root; tasks materialize at
	// DestRoot/<RelPath>.
	DestRoot string

	// ResponseTimeout bounds the wait for response headers. The body
	// stream itself has no deadline beyond the transport's.
	// Default: 30s
	ResponseTimeout time.Duration

	// Events receives FileStarted/FileCompleted/FileFailed/FileSkipped.
	Events chan<- event.Event

	Logger *slog.Logger
}

// Fetcher downloads files into the local mirror tree.
type Fetcher struct {
	cfg    Config
	client *http.Client
}

// New creates a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Fetcher{
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   16,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: cfg.ResponseTimeout,
				DisableCompression:    true,
			},
		},
	}
}

// Fetch downloads one task, trying mirrors strictly in order. A file
// already present locally is a success with no re-fetch. A nil limiter
// disables throttling. worker is the reporting slot index.
func (f *Fetcher) Fetch(
	ctx context.Context,
	task FileTask,
	mirrors []string,
	limiter *rate.Limiter,
	worker int,
) error {
	dst := filepath.Join(f.cfg.DestRoot, filepath.FromSlash(task.RelPath))
	if _, err := os.Stat(dst); err == nil {
		f.emit(event.Event{Type: event.FileSkipped, Path: task.RelPath, WorkerID: worker})
		return nil
	}

	f.emit(event.Event{Type: event.FileStarted, Path: task.RelPath, Size: task.Size, WorkerID: worker})

	var lastErr error
	attempts := 0
	for _, mirror := range mirrors {
		attempts++
		n, err := f.attempt(ctx, mirror, task, dst, limiter)
		if err == nil {
			f.emit(event.Event{Type: event.FileCompleted, Path: task.RelPath, Size: n, WorkerID: worker})
			return nil
		}
		lastErr = err
		f.cfg.Logger.Warn("mirror attempt failed",
			"path", task.RelPath, "mirror", mirror, "error", err)
		if ctx.Err() != nil {
			break
		}
	}

	derr := &DownloadError{RelPath: task.RelPath, Attempts: attempts, Err: lastErr}
	f.emit(event.Event{Type: event.FileFailed, Path: task.RelPath, Error: derr, WorkerID: worker})
	return derr
}

func (f *Fetcher) attempt(
	ctx context.Context,
	mirror string,
	task FileTask,
	dst string,
	limiter *rate.Limiter,
) (int64, error) {
	u := listing.JoinURL(mirror, task.RelPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("unexpected status %s", resp.Status)
	}

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("create parent dir %s: %w", dir, err)
	}

	tmpName := fmt.Sprintf(".%s.%s.repomirror-tmp", filepath.Base(dst), uuid.New().String()[:8])
	tmpPath := filepath.Join(dir, tmpName)

	RegisterTmp(tmpPath)
	defer func() {
		DeregisterTmp(tmpPath)
		_ = os.Remove(tmpPath) // no-op if rename succeeded
	}()

	fd, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return 0, fmt.Errorf("create tmp %s: %w", tmpPath, err)
	}

	var body io.Reader = resp.Body
	if limiter != nil {
		body = newRateLimitedReader(ctx, resp.Body, limiter)
	}

	n, err := io.Copy(fd, body)
	if err != nil {
		fd.Close()
		return n, fmt.Errorf("stream %s: %w", u, err)
	}
	if err := fd.Close(); err != nil {
		return n, fmt.Errorf("close tmp %s: %w", tmpPath, err)
	}

	// Atomic rename: the destination only ever holds complete files.
	if err := os.Rename(tmpPath, dst); err != nil {
		return n, fmt.Errorf("rename %s -> %s: %w", tmpPath, dst, err)
	}
	return n, nil
}

// Probe issues a HEAD request for the task against one mirror and returns
// the advertised content length, or -1 when the server does not report one.
func (f *Fetcher) Probe(ctx context.Context, task FileTask, mirror string) (int64, error) {
	u := listing.JoinURL(mirror, task.RelPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return 0, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return resp.ContentLength, nil
}

func (f *Fetcher) emit(ev event.Event) {
	if f.cfg.Events == nil {
		return
	}
	ev.Timestamp = time.Now()
	f.cfg.Events <- ev
}
