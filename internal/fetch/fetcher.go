// Package fetch defines the media fetcher capability and its yt-dlp backed
// implementation. The queue and download service treat a fetcher as opaque:
// they hand it a URL and options, receive progress callbacks, and classify
// the returned error by its type.
package fetch

import (
	"context"
	"net/url"
	"strings"
)

// Options carries the per-download settings resolved from configuration at
// admission time. A fetcher must not reach back into live configuration.
type Options struct {
	// Quality is one of best, 1080p, 720p, 480p, audio_only.
	Quality string
	// OutputDir is the directory downloads are written to.
	OutputDir string
	// OutputTemplate is the yt-dlp output filename template.
	OutputTemplate string
	// PlaylistFolder creates a per-playlist subdirectory when true.
	PlaylistFolder bool
	// CookieMethod is none, file, or a browser name (chrome, firefox, ...).
	CookieMethod string
	// CookieFile is the Netscape cookie file path when CookieMethod is file.
	CookieFile string
	// RateLimit caps download bandwidth, in yt-dlp rate syntax such as
	// "500K" or "4.2M". Empty or "0" means unlimited.
	RateLimit string
	// Timeout is the network socket timeout in seconds. Zero keeps the
	// downloader's default.
	Timeout int
}

// Fetcher retrieves the media behind a URL. Implementations report progress
// as a fraction in [0, 1] through onProgress, which may be called from other
// goroutines. The returned error's type encodes the outcome: nil means
// success, a network error is recoverable, auth and not_found errors are
// fatal, and a cancelled error means the context was cancelled.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, opts Options, onProgress func(float64)) error
}

// PlaylistInfo is the minimal metadata returned by a playlist probe.
type PlaylistInfo struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Uploader   string `json:"uploader"`
	EntryCount int    `json:"playlist_count"`
}

// CanHandle reports whether rawURL points at a YouTube host this fetcher
// knows how to download from.
func CanHandle(rawURL string) bool {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return false
	}
	host := strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))
	switch host {
	case "youtube.com", "youtu.be", "music.youtube.com", "youtube-nocookie.com":
		return true
	}
	return strings.HasSuffix(host, ".youtube.com")
}
