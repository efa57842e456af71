package utils

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EnsureDir creates a directory if it doesn't exist
func EnsureDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}

// GetFileExtension returns the file extension without the dot
func GetFileExtension(filename string) string {
	ext := filepath.Ext(filename)
	if len(ext) > 0 {
		return strings.ToLower(ext[1:])
	}
	return ""
}

// IsImageFile checks if a file has an image extension
func IsImageFile(filename string) bool {
	switch GetFileExtension(filename) {
	case "jpg", "jpeg", "png", "gif", "webp":
		return true
	}
	return false
}

// TimestampedName builds "<prefix>-<unix millis>-<id>.<ext>", the naming
// used for uploads, masks and re-hosted results. The random id keeps names
// from colliding within one millisecond.
func TimestampedName(prefix, ext string, now time.Time) string {
	return fmt.Sprintf("%s-%d-%s.%s", prefix, now.UnixMilli(), shortID(), strings.TrimPrefix(ext, "."))
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// DownloadFilename names a generated image for download
func DownloadFilename(prompt, format string, now time.Time) string {
	base := SanitizeFilename(strings.ToLower(prompt))
	base = strings.Join(strings.Fields(base), "-")
	if r := []rune(base); len(r) > 40 {
		base = strings.TrimRight(string(r[:40]), "-")
	}
	if base == "" {
		base = "inpaint"
	}
	if format == "" {
		format = "png"
	}
	return fmt.Sprintf("%s-%d.%s", base, now.Unix(), format)
}

// ContentTypeFor guesses a MIME type from a file name, defaulting to
// application/octet-stream.
func ContentTypeFor(filename string) string {
	switch GetFileExtension(filename) {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "webp":
		return "image/webp"
	case "gif":
		return "image/gif"
	}
	if t := mime.TypeByExtension(filepath.Ext(filename)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// ExtensionFor maps an image MIME type to a file extension
func ExtensionFor(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0])) {
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	default:
		return "png"
	}
}

// FileExists checks if a file exists and is not a directory
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}

// SanitizeFilename removes or replaces invalid characters in filenames
func SanitizeFilename(filename string) string {
	invalid := []string{"/", "\\", ":", "*", "?", "\"", "<", ">", "|", "\x00"}
	result := filename

	for _, char := range invalid {
		result = strings.ReplaceAll(result, char, "_")
	}

	// Remove leading/trailing spaces and dots
	result = strings.Trim(result, " .")

	return result
}

// FormatFileSize formats file size in human-readable format
func FormatFileSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}

	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
