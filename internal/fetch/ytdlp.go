package fetch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/tubequeue/tubequeue-go/internal/errors"
)

const defaultOutputTemplate = "%(playlist_index)02d-%(title)s.%(ext)s"

// YtDlp fetches media by running the yt-dlp binary as a child process and
// parsing its progress output. The process inherits the fetch context, so
// cancelling the context kills the download.
type YtDlp struct {
	// Binary overrides the yt-dlp executable name for tests.
	Binary string

	logger      *zap.Logger
	retryConfig apperrors.RetryConfig
}

// NewYtDlp creates a yt-dlp backed fetcher.
func NewYtDlp(logger *zap.Logger) *YtDlp {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &YtDlp{
		Binary:      "yt-dlp",
		logger:      logger,
		retryConfig: apperrors.DefaultRetryConfig(),
	}
}

// Fetch downloads the media behind rawURL. The returned error's type encodes
// the outcome: nil on success, network errors are recoverable, auth and
// not_found errors are fatal, cancelled when ctx was cancelled.
func (y *YtDlp) Fetch(ctx context.Context, rawURL string, opts Options, onProgress func(float64)) error {
	if !CanHandle(rawURL) {
		return apperrors.NewInvalidURLError(fmt.Sprintf("not a YouTube URL: %s", rawURL))
	}
	if err := ValidateCookies(opts.CookieMethod, opts.CookieFile); err != nil {
		return err
	}

	binary := y.Binary
	if binary == "" {
		binary = "yt-dlp"
	}
	if _, err := exec.LookPath(binary); err != nil {
		return apperrors.NewNotFoundError(fmt.Sprintf("%s binary not found in PATH", binary))
	}

	if opts.OutputDir != "" {
		if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
			return apperrors.NewPersistenceError("failed to create output directory", err)
		}
	}

	args := buildArgs(rawURL, opts)
	y.logger.Debug("starting yt-dlp",
		zap.String("url", rawURL),
		zap.String("quality", opts.Quality))

	cmd := exec.CommandContext(ctx, binary, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return apperrors.NewNetworkError("failed to open yt-dlp stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return apperrors.NewNetworkError("failed to open yt-dlp stderr", err)
	}

	if err := cmd.Start(); err != nil {
		return apperrors.NewNetworkError("failed to start yt-dlp", err)
	}

	var (
		g       errgroup.Group
		tailMu  sync.Mutex
		errTail []string
	)
	g.Go(func() error {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			if frac, ok := parseProgressLine(scanner.Text()); ok && onProgress != nil {
				onProgress(frac)
			}
		}
		return scanner.Err()
	})
	g.Go(func() error {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			tailMu.Lock()
			errTail = append(errTail, line)
			if len(errTail) > 20 {
				errTail = errTail[1:]
			}
			tailMu.Unlock()
		}
		return scanner.Err()
	})

	scanErr := g.Wait()
	waitErr := cmd.Wait()

	if waitErr == nil {
		if scanErr != nil {
			y.logger.Debug("yt-dlp output read error", zap.Error(scanErr))
		}
		if onProgress != nil {
			onProgress(1)
		}
		return nil
	}

	if ctx.Err() != nil {
		return apperrors.NewCancelledError("download cancelled")
	}
	return classifyFailure(strings.Join(errTail, "\n"), waitErr)
}

// Probe fetches flat playlist metadata without downloading any media.
// Transient failures are retried with backoff.
func (y *YtDlp) Probe(ctx context.Context, rawURL string) (*PlaylistInfo, error) {
	if !CanHandle(rawURL) {
		return nil, apperrors.NewInvalidURLError(fmt.Sprintf("not a YouTube URL: %s", rawURL))
	}

	binary := y.Binary
	if binary == "" {
		binary = "yt-dlp"
	}

	var info *PlaylistInfo
	err := apperrors.RetryWithBackoff(ctx, y.retryConfig, func() error {
		cmd := exec.CommandContext(ctx, binary, "--flat-playlist", "-J", "--no-warnings", rawURL)
		out, err := cmd.Output()
		if err != nil {
			var stderr string
			if exitErr, ok := err.(*exec.ExitError); ok {
				stderr = string(exitErr.Stderr)
			}
			return classifyFailure(stderr, err)
		}
		var parsed PlaylistInfo
		if err := json.Unmarshal(out, &parsed); err != nil {
			return apperrors.NewNetworkError("failed to parse playlist metadata", err)
		}
		info = &parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

func buildArgs(rawURL string, opts Options) []string {
	template := opts.OutputTemplate
	if template == "" {
		template = defaultOutputTemplate
	}
	outPath := template
	if opts.PlaylistFolder {
		outPath = filepath.Join("%(playlist_title)s", outPath)
	}
	if opts.OutputDir != "" {
		outPath = filepath.Join(opts.OutputDir, outPath)
	}

	args := []string{
		"--newline",
		"--no-warnings",
		"--yes-playlist",
		"-f", FormatForQuality(opts.Quality),
		"-o", outPath,
	}

	switch opts.CookieMethod {
	case "", "none":
	case "file":
		args = append(args, "--cookies", opts.CookieFile)
	default:
		args = append(args, "--cookies-from-browser", opts.CookieMethod)
	}

	if opts.RateLimit != "" && opts.RateLimit != "0" {
		args = append(args, "--limit-rate", opts.RateLimit)
	}
	if opts.Timeout > 0 {
		args = append(args, "--socket-timeout", strconv.Itoa(opts.Timeout))
	}

	return append(args, rawURL)
}

// parseProgressLine extracts the completion fraction from a yt-dlp
// "[download]  12.5% of 4.00MiB at ..." line.
func parseProgressLine(line string) (float64, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "[download]") {
		return 0, false
	}
	content := strings.TrimSpace(strings.TrimPrefix(trimmed, "[download]"))
	fields := strings.Fields(content)
	if len(fields) == 0 || !strings.HasSuffix(fields[0], "%") {
		return 0, false
	}
	pct, err := strconv.ParseFloat(strings.TrimSuffix(fields[0], "%"), 64)
	if err != nil {
		return 0, false
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return pct / 100, true
}

// classifyFailure maps yt-dlp diagnostics onto the error taxonomy. Fatal
// conditions are those a retry cannot fix: the source is gone, private, or
// needs credentials. Everything else is treated as transient, matching
// yt-dlp's own behavior of succeeding on a later attempt for network and
// throttling errors.
func classifyFailure(stderr string, cause error) error {
	lower := strings.ToLower(stderr)

	fatalNotFound := []string{
		"video unavailable",
		"this video is not available",
		"has been removed",
		"does not exist",
		"playlist does not exist",
	}
	for _, marker := range fatalNotFound {
		if strings.Contains(lower, marker) {
			return apperrors.NewNotFoundError(firstErrorLine(stderr, cause))
		}
	}

	fatalAuth := []string{
		"private video",
		"sign in to confirm",
		"login required",
		"members-only",
		"age-restricted",
		"http error 401",
		"http error 403",
	}
	for _, marker := range fatalAuth {
		if strings.Contains(lower, marker) {
			return apperrors.NewAuthError(firstErrorLine(stderr, cause), cause)
		}
	}

	return apperrors.NewNetworkError(firstErrorLine(stderr, cause), cause)
}

// firstErrorLine picks the first ERROR line from yt-dlp stderr, falling back
// to the process error when stderr carried nothing useful.
func firstErrorLine(stderr string, cause error) string {
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "ERROR:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "ERROR:"))
		}
	}
	for _, line := range strings.Split(stderr, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	if cause != nil {
		return cause.Error()
	}
	return "download failed"
}
