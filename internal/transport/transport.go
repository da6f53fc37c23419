// Package transport implements the sink contract: HTTP and File
// transports with independent retry/backoff and rotation policy.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Transport is the sink contract. SendBatch receives an already-framed
// batch (see package wire); the pipeline fans out to every registered
// Transport concurrently and considers delivery successful if at least one
// succeeds.
type Transport interface {
	Name() string
	Type() string
	SendBatch(ctx context.Context, frame []byte) error
}

// RetryPolicy is the exponential-backoff-with-jitter policy shared by
// transports that retry internally before escalating to the caller's spill
// path. Jitter is applied to the nominal delay before the max-delay cap, as
// required by the wire protocol's retry invariant.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 200 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.Factor <= 0 {
		p.Factor = 2.0
	}
	return p
}

// nextDelay computes delay_{n+1} = min(jitter * (delay_n * factor), max)
// with jitter in [0.75, 1.25). Jitter is applied before the cap.
func nextDelay(prev time.Duration, p RetryPolicy) time.Duration {
	nominal := float64(prev) * p.Factor
	jitter := 0.75 + rand.Float64()*0.5
	jittered := time.Duration(nominal * jitter)
	if jittered > p.MaxDelay {
		return p.MaxDelay
	}
	return jittered
}

// HTTPTransport ships frames to a sink endpoint over HTTP with the retry
// policy above.
type HTTPTransport struct {
	name    string
	url     string
	client  *http.Client
	policy  RetryPolicy
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewHTTPTransport constructs a named HTTP transport targeting url. ratePerSec
// <= 0 disables rate limiting.
func NewHTTPTransport(name, url string, policy RetryPolicy, ratePerSec float64, logger *slog.Logger) *HTTPTransport {
	var limiter *rate.Limiter
	if ratePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), int(ratePerSec)+1)
	}
	return &HTTPTransport{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		policy: policy.withDefaults(),
		limiter: limiter,
		logger: logger,
	}
}

func (h *HTTPTransport) Name() string { return h.name }
func (h *HTTPTransport) Type() string { return "http" }

// SendBatch posts frame as application/octet-stream, retrying with
// exponential backoff and jitter applied before the cap.
func (h *HTTPTransport) SendBatch(ctx context.Context, frame []byte) error {
	var lastErr error
	delay := h.policy.InitialDelay

	for attempt := 1; attempt <= h.policy.MaxAttempts; attempt++ {
		if h.limiter != nil {
			if err := h.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("transport: rate limiter: %w", err)
			}
		}

		err := h.post(ctx, frame)
		if err == nil {
			return nil
		}
		lastErr = err
		h.logger.Warn("http transport send failed",
			slog.String("transport", h.name), slog.Int("attempt", attempt), slog.Any("error", err))

		if attempt == h.policy.MaxAttempts {
			break
		}

		wait := nextDelay(delay, h.policy)
		delay = wait
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	return fmt.Errorf("transport %s: exhausted %d attempts: %w", h.name, h.policy.MaxAttempts, lastErr)
}

func (h *HTTPTransport) post(ctx context.Context, frame []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Probe-Protocol-Version", "1")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// FileTransport appends frames to a rotating set of local files, honoring
// rotation by size and by time with oldest-first retention.
type FileTransport struct {
	name       string
	dir        string
	prefix     string
	maxSize    int64
	maxAge     time.Duration
	maxFiles   int

	mu         sync.Mutex
	current    *os.File
	currentLen int64
	opened     time.Time
}

// NewFileTransport constructs a File transport rooted at dir.
func NewFileTransport(name, dir, prefix string, maxSize int64, maxAge time.Duration, maxFiles int) *FileTransport {
	return &FileTransport{
		name:     name,
		dir:      dir,
		prefix:   prefix,
		maxSize:  maxSize,
		maxAge:   maxAge,
		maxFiles: maxFiles,
	}
}

func (f *FileTransport) Name() string { return f.name }
func (f *FileTransport) Type() string { return "file" }

func (f *FileTransport) SendBatch(ctx context.Context, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.rotateIfNeeded(int64(len(frame))); err != nil {
		return err
	}
	n, err := f.current.Write(frame)
	if err != nil {
		return fmt.Errorf("file transport %s: write: %w", f.name, err)
	}
	f.currentLen += int64(n)
	return nil
}

func (f *FileTransport) rotateIfNeeded(nextWrite int64) error {
	needsRotate := f.current == nil ||
		(f.maxSize > 0 && f.currentLen+nextWrite > f.maxSize) ||
		(f.maxAge > 0 && time.Since(f.opened) > f.maxAge)

	if !needsRotate {
		return nil
	}
	if f.current != nil {
		f.current.Close()
	}

	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("file transport %s: mkdir: %w", f.name, err)
	}
	name := filepath.Join(f.dir, fmt.Sprintf("%s-%d.bin", f.prefix, time.Now().UnixNano()))
	fh, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("file transport %s: create: %w", f.name, err)
	}
	f.current = fh
	f.currentLen = 0
	f.opened = time.Now()

	return f.enforceRetention()
}

func (f *FileTransport) enforceRetention() error {
	if f.maxFiles <= 0 {
		return nil
	}
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil
	}
	type fileInfo struct {
		name string
		seq  int64
	}
	var files []fileInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var seq int64
		if _, err := fmt.Sscanf(e.Name(), f.prefix+"-%d.bin", &seq); err == nil {
			files = append(files, fileInfo{name: e.Name(), seq: seq})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].seq < files[j].seq })

	for len(files) > f.maxFiles {
		oldest := files[0]
		files = files[1:]
		_ = os.Remove(filepath.Join(f.dir, oldest.name))
	}
	return nil
}
