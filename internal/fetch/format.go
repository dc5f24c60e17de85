package fetch

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	apperrors "github.com/tubequeue/tubequeue-go/internal/errors"
)

// formatSelectors maps a quality setting to the yt-dlp format selector that
// requests it. Height-capped selectors fall back to the best single stream
// when separate video and audio streams are unavailable.
var formatSelectors = map[string]string{
	"best":       "bestvideo+bestaudio/best",
	"1080p":      "bestvideo[height<=1080]+bestaudio/best[height<=1080]/best",
	"720p":       "bestvideo[height<=720]+bestaudio/best[height<=720]/best",
	"480p":       "bestvideo[height<=480]+bestaudio/best[height<=480]/best",
	"audio_only": "bestaudio/best",
}

// FormatForQuality returns the yt-dlp format selector for a quality setting.
// Unknown qualities fall back to the "best" selector.
func FormatForQuality(quality string) string {
	if sel, ok := formatSelectors[strings.ToLower(strings.TrimSpace(quality))]; ok {
		return sel
	}
	return formatSelectors["best"]
}

// requiredCookies are the session cookies YouTube needs for an authenticated
// download of private or age-gated content.
var requiredCookies = map[string]bool{
	"SID":     true,
	"HSID":    true,
	"SAPISID": true,
}

// ValidateCookies checks the cookie settings before a download starts.
// The none method and browser methods need no validation here. The file
// method requires a readable Netscape cookie file that carries the required
// youtube.com session cookies.
func ValidateCookies(method, filePath string) error {
	switch method {
	case "", "none":
		return nil
	case "file":
		if filePath == "" {
			return apperrors.NewAuthError("cookie file path not provided", nil)
		}
		return validateCookieFile(filePath)
	default:
		// Browser extraction is delegated to yt-dlp.
		return nil
	}
}

func validateCookieFile(filePath string) error {
	info, err := os.Stat(filePath)
	if err != nil {
		return apperrors.NewAuthError(fmt.Sprintf("cookie file not found: %s", filePath), err)
	}
	if info.Size() == 0 {
		return apperrors.NewAuthError("cookie file is empty", nil)
	}

	f, err := os.Open(filePath)
	if err != nil {
		return apperrors.NewAuthError("could not read cookie file", err)
	}
	defer f.Close()

	present := make(map[string]bool)
	sawYouTube := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, "youtube.com") {
			continue
		}
		sawYouTube = true
		// Netscape format: domain, flag, path, secure, expiry, name, value.
		fields := strings.Split(strings.TrimSpace(line), "\t")
		if len(fields) >= 7 {
			present[fields[5]] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return apperrors.NewAuthError("could not read cookie file", err)
	}

	if !sawYouTube {
		return apperrors.NewAuthError("cookie file does not contain YouTube cookies", nil)
	}

	var missing []string
	for name := range requiredCookies {
		if !present[name] {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	if len(missing) > 0 {
		return apperrors.NewAuthError(fmt.Sprintf("missing required cookies: %s", strings.Join(missing, ", ")), nil)
	}
	return nil
}
