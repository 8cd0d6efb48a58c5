// Package listing fetches and parses remote HTML directory indexes.
package listing

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Entry is one child of a remote directory: a file or a subdirectory.
type Entry struct {
	Name  string
	IsDir bool
}

// ListError reports a failed or timed-out directory listing. The caller
// decides whether the affected subtree is skipped or the run aborts.
type ListError struct {
	URL string
	Err error
}

func (e *ListError) Error() string {
	return fmt.Sprintf("list %s: %v", e.URL, e.Err)
}

func (e *ListError) Unwrap() error { return e.Err }

// Options configures the listing HTTP client.
type Options struct {
	// Timeout bounds one listing request including the body read.
	// Default: 7s
	Timeout time.Duration

	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 32
	MaxIdleConnsPerHost int
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:             7 * time.Second,
		MaxIdleConnsPerHost: 32,
	}
}

// Lister retrieves the child entries of remote directory URLs.
type Lister struct {
	client *http.Client
}

// NewLister creates a Lister with the given options. Zero option fields
// fall back to defaults.
func NewLister(opts Options) *Lister {
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = def.MaxIdleConnsPerHost
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxIdleConns:        opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true,
	}

	return &Lister{
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
	}
}

// List fetches rawURL as a directory index and returns its child entries.
// Order is not significant. Failures are reported as *ListError.
func (l *Lister) List(ctx context.Context, rawURL string) ([]Entry, error) {
	if !strings.HasSuffix(rawURL, "/") {
		rawURL += "/"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &ListError{URL: rawURL, Err: err}
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, &ListError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ListError{URL: rawURL, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	entries, err := ParseIndex(resp.Body)
	if err != nil {
		return nil, &ListError{URL: rawURL, Err: err}
	}
	return entries, nil
}

// JoinURL appends a slash-separated relative path to a mirror base URL,
// escaping each path segment.
func JoinURL(base, relPath string) string {
	base = strings.TrimSuffix(base, "/")
	if relPath == "" {
		return base
	}
	segments := strings.Split(relPath, "/")
	escaped := make([]string, 0, len(segments))
	for _, seg := range segments {
		escaped = append(escaped, url.PathEscape(seg))
	}
	return base + "/" + strings.Join(escaped, "/")
}
