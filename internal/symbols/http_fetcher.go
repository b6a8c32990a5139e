package symbols

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const maxSymbolFileSize = 1 << 30

// HTTPFetcher downloads symbol files from breakpad symbol servers laid out
// as <url>/<debug_file>/<DEBUG_ID>/<name>.sym.
type HTTPFetcher struct {
	URLs       []string
	Client     *http.Client
	MaxRetries int
	// RetryBackoff doubles after every failed attempt.
	RetryBackoff time.Duration
	// Limiter paces requests across all servers; nil disables pacing.
	Limiter   *rate.Limiter
	UserAgent string
}

// errRetryable marks failures worth another attempt against the same
// server.
var errRetryable = errors.New("retryable")

func (h *HTTPFetcher) Fetch(ctx context.Context, id ModuleIdentity) (*Fetched, error) {
	rel, err := id.relPath()
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, base := range h.URLs {
		url := strings.TrimSuffix(base, "/") + "/" + rel
		data, err := h.fetchWithRetry(ctx, url)
		if err == nil {
			slog.Debug("Downloaded symbols", "module", id.DebugFile, "url", url, "bytes", len(data))
			return &Fetched{Data: data, URL: url}, nil
		}
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
}

func (h *HTTPFetcher) fetchWithRetry(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= h.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := h.RetryBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		data, err := h.get(ctx, url)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, errRetryable) {
			return nil, err
		}
		lastErr = err
		slog.Warn("Symbol download failed, retrying", "url", url, "attempt", attempt+1, "max_retries", h.MaxRetries, "error", err)
	}
	return nil, lastErr
}

func (h *HTTPFetcher) get(ctx context.Context, url string) ([]byte, error) {
	if h.Limiter != nil {
		if err := h.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if h.UserAgent != "" {
		req.Header.Set("User-Agent", h.UserAgent)
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", errRetryable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s returned %s", errRetryable, url, resp.Status)
	default:
		return nil, fmt.Errorf("%s returned %s", url, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSymbolFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", errRetryable, err)
	}
	if len(data) > maxSymbolFileSize {
		return nil, fmt.Errorf("%s: symbol file larger than %d bytes", url, maxSymbolFileSize)
	}
	return data, nil
}
