package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// ErrChecksumMismatch is returned when a downloaded file does not hash to the expected value.
var ErrChecksumMismatch = errors.New("core: checksum mismatch")

// DownloadOptions configures a single download.
type DownloadOptions struct {
	URL      string
	DestPath string
	// ExpectedSHA256 is optional (lowercase hex, 64 chars).
	ExpectedSHA256 string
	// Headers are added to the request, e.g. an Authorization bearer token.
	Headers    map[string]string
	HTTPClient *http.Client
	OnProgress func(ProgressInfo)
	// Resume continues from DestPath + ".part" when the server supports ranges.
	Resume bool
}

// DownloadResult contains information about a completed download.
type DownloadResult struct {
	BytesDownloaded int64
	TotalBytes      int64
	Resumed         bool
	ChecksumValid   bool
	Path            string
}

// StatusError is returned for non-success HTTP responses.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Retryable reports whether a later attempt could succeed.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// DownloadWithProgress downloads a file into DestPath.
// Data is written to DestPath + ".part" and renamed once complete (and
// verified, when ExpectedSHA256 is set), so DestPath never holds a truncated file.
func DownloadWithProgress(ctx context.Context, opts DownloadOptions) (*DownloadResult, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}
	if opts.DestPath == "" {
		return nil, fmt.Errorf("DestPath is required")
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	if err := os.MkdirAll(filepath.Dir(opts.DestPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create destination directory: %w", err)
	}

	partPath := opts.DestPath + ".part"
	var resumeFrom int64
	if opts.Resume {
		if info, err := os.Stat(partPath); err == nil {
			resumeFrom = info.Size()
		}
	} else {
		_ = os.Remove(partPath)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	if resumeFrom > 0 {
		req.Header.Set("Range", BuildRangeHeader(resumeFrom))
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	var totalSize int64
	var resumed bool

	switch resp.StatusCode {
	case http.StatusOK:
		totalSize = resp.ContentLength
		resumeFrom = 0

	case http.StatusPartialContent:
		resumed = true
		if _, _, total, perr := ParseContentRange(resp.Header.Get("Content-Range")); perr == nil && total > 0 {
			totalSize = total
		} else if resp.ContentLength > 0 {
			totalSize = resumeFrom + resp.ContentLength
		}

	case http.StatusRequestedRangeNotSatisfiable:
		// The partial file is already complete or unusable; start over.
		_ = os.Remove(partPath)
		opts.Resume = false
		return DownloadWithProgress(ctx, opts)

	default:
		return nil, &StatusError{URL: opts.URL, StatusCode: resp.StatusCode}
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if resumed {
		flags = os.O_APPEND | os.O_WRONLY
	}
	file, err := os.OpenFile(partPath, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open destination file: %w", err)
	}

	tracker := NewProgressTracker(filepath.Base(opts.DestPath), totalSize)
	if resumed {
		tracker.SetDownloaded(resumeFrom)
	}
	reader := &progressReader{reader: resp.Body, tracker: tracker, onProgress: opts.OnProgress}

	written, copyErr := io.Copy(file, reader)
	syncErr := file.Sync()
	closeErr := file.Close()
	if copyErr != nil {
		return nil, fmt.Errorf("download interrupted: %w", copyErr)
	}
	if syncErr != nil {
		return nil, fmt.Errorf("failed to sync file: %w", syncErr)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("failed to close file: %w", closeErr)
	}
	if opts.OnProgress != nil {
		opts.OnProgress(tracker.Progress())
	}

	result := &DownloadResult{
		BytesDownloaded: written,
		TotalBytes:      totalSize,
		Resumed:         resumed,
		Path:            opts.DestPath,
	}

	if opts.ExpectedSHA256 != "" {
		valid, verifyErr := VerifyChecksum(partPath, opts.ExpectedSHA256)
		if verifyErr != nil {
			return nil, fmt.Errorf("checksum verification failed: %w", verifyErr)
		}
		if !valid {
			_ = os.Remove(partPath)
			return nil, fmt.Errorf("%s: %w", filepath.Base(opts.DestPath), ErrChecksumMismatch)
		}
		result.ChecksumValid = true
	}

	if err := os.Rename(partPath, opts.DestPath); err != nil {
		return nil, fmt.Errorf("failed to finalize download: %w", err)
	}
	return result, nil
}

// progressReader wraps an io.Reader to track download progress.
type progressReader struct {
	reader       io.Reader
	tracker      *ProgressTracker
	onProgress   func(ProgressInfo)
	lastCallback int64
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.tracker.Update(int64(n))
		// roughly every 1 MiB
		if r.onProgress != nil {
			if downloaded := r.tracker.Downloaded(); downloaded-r.lastCallback >= 1<<20 {
				r.onProgress(r.tracker.Progress())
				r.lastCallback = downloaded
			}
		}
	}
	return n, err
}

// BuildRangeHeader returns an open-ended Range header value starting at resumeFrom.
func BuildRangeHeader(resumeFrom int64) string {
	if resumeFrom < 0 {
		resumeFrom = 0
	}
	return fmt.Sprintf("bytes=%d-", resumeFrom)
}

// ParseContentRange parses "bytes start-end/total". total is -1 for "*".
func ParseContentRange(header string) (start, end, total int64, err error) {
	if header == "" {
		return 0, 0, 0, fmt.Errorf("empty Content-Range header")
	}

	var totalStr string
	n, scanErr := fmt.Sscanf(header, "bytes %d-%d/%s", &start, &end, &totalStr)
	if scanErr != nil || n < 3 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %q", header)
	}
	if totalStr == "*" {
		return start, end, -1, nil
	}
	if _, err := fmt.Sscanf(totalStr, "%d", &total); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid total in Content-Range: %q", totalStr)
	}
	return start, end, total, nil
}

// Downloader fetches files with retries and exponential backoff.
type Downloader struct {
	client         *http.Client
	headers        map[string]string
	maxRetries     int
	baseRetryDelay time.Duration
	onProgress     func(ProgressInfo)
}

// DownloaderOption is a functional option for configuring Downloader.
type DownloaderOption func(*Downloader)

// WithMaxRetries sets the number of attempts per file.
func WithMaxRetries(n int) DownloaderOption {
	return func(d *Downloader) {
		if n > 0 {
			d.maxRetries = n
		}
	}
}

// WithBaseRetryDelay sets the delay before the second attempt; it doubles afterwards.
func WithBaseRetryDelay(delay time.Duration) DownloaderOption {
	return func(d *Downloader) { d.baseRetryDelay = delay }
}

// WithBearerToken authenticates every request.
func WithBearerToken(token string) DownloaderOption {
	return func(d *Downloader) {
		if token != "" {
			d.headers["Authorization"] = "Bearer " + token
		}
	}
}

// WithProgress installs a progress callback for every file.
func WithProgress(fn func(ProgressInfo)) DownloaderOption {
	return func(d *Downloader) { d.onProgress = fn }
}

// NewDownloader creates a Downloader. A nil client uses http.DefaultClient.
func NewDownloader(client *http.Client, opts ...DownloaderOption) *Downloader {
	if client == nil {
		client = http.DefaultClient
	}
	d := &Downloader{
		client:         client,
		headers:        map[string]string{},
		maxRetries:     3,
		baseRetryDelay: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Fetch downloads url into destPath unless a non-empty file is already there.
// It returns true when bytes were transferred.
func (d *Downloader) Fetch(ctx context.Context, url, destPath, expectedSHA256 string) (bool, error) {
	if info, err := os.Stat(destPath); err == nil && !info.IsDir() && info.Size() > 0 {
		if expectedSHA256 == "" {
			return false, nil
		}
		if ok, _ := VerifyChecksum(destPath, expectedSHA256); ok {
			return false, nil
		}
		_ = os.Remove(destPath)
	}

	var lastErr error
	for attempt := 1; attempt <= d.maxRetries; attempt++ {
		if attempt > 1 {
			delay := d.baseRetryDelay * time.Duration(1<<(attempt-2))
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(delay):
			}
		}

		_, err := DownloadWithProgress(ctx, DownloadOptions{
			URL:            url,
			DestPath:       destPath,
			ExpectedSHA256: expectedSHA256,
			Headers:        d.headers,
			HTTPClient:     d.client,
			OnProgress:     d.onProgress,
			Resume:         true,
		})
		if err == nil {
			return true, nil
		}
		lastErr = err
		if !isRetryable(err) {
			break
		}
	}
	return false, lastErr
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrChecksumMismatch) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	return true
}
