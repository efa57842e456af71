// Package storage implements the Storage port on local disk and Google Cloud
// Storage, plus a guarded HTTP fetcher for foreign references.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/menta2k/kontext-inpaint/internal/utils"
)

// Local stores objects as files in a directory. When BaseURL is set, refs
// are BaseURL/name, otherwise file:// URLs.
type Local struct {
	dir     string
	baseURL string
}

// NewLocal creates the directory if needed and returns a Local store
func NewLocal(dir, baseURL string) (*Local, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage dir: %w", err)
	}
	if err := utils.EnsureDir(abs); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	return &Local{dir: abs, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Dir returns the absolute storage directory
func (l *Local) Dir() string {
	return l.dir
}

// Put writes data to dir/name and returns its ref
func (l *Local) Put(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	name = utils.SanitizeFilename(filepath.Base(name))
	if name == "" {
		return "", fmt.Errorf("invalid object name")
	}
	path := filepath.Join(l.dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	slog.DebugContext(ctx, "stored object", "backend", "local", "name", name, "bytes", len(data), "content_type", contentType)
	return l.ref(name), nil
}

// Get reads an object previously returned by Put
func (l *Local) Get(ctx context.Context, ref string) ([]byte, error) {
	name, ok := l.objectName(ref)
	if !ok {
		return nil, fmt.Errorf("reference %q is not in local storage", ref)
	}
	data, err := os.ReadFile(filepath.Join(l.dir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

// Owns reports whether ref points into this store
func (l *Local) Owns(ref string) bool {
	_, ok := l.objectName(ref)
	return ok
}

func (l *Local) ref(name string) string {
	if l.baseURL != "" {
		return l.baseURL + "/" + url.PathEscape(name)
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(filepath.Join(l.dir, name))}).String()
}

func (l *Local) objectName(ref string) (string, bool) {
	var rel string
	switch {
	case l.baseURL != "" && strings.HasPrefix(ref, l.baseURL+"/"):
		rel = strings.TrimPrefix(ref, l.baseURL+"/")
		unescaped, err := url.PathUnescape(rel)
		if err != nil {
			return "", false
		}
		rel = unescaped
	case strings.HasPrefix(ref, "file://"):
		u, err := url.Parse(ref)
		if err != nil {
			return "", false
		}
		dir, file := filepath.Split(filepath.FromSlash(u.Path))
		if filepath.Clean(dir) != l.dir {
			return "", false
		}
		rel = file
	default:
		return "", false
	}
	if rel == "" || rel != filepath.Base(rel) || rel == "." || rel == ".." {
		return "", false
	}
	return rel, true
}
