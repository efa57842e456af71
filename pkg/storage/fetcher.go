package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"
)

// DefaultMaxFetchBytes caps downloads of foreign images
const DefaultMaxFetchBytes = 32 << 20

// ErrUnsafeURL is returned for URLs that resolve to restricted networks
var ErrUnsafeURL = errors.New("url targets a restricted network")

// FetcherConfig holds HTTP fetch settings
type FetcherConfig struct {
	Timeout              time.Duration
	MaxBytes             int64
	AllowPrivateNetworks bool
}

// Fetcher downloads http(s) references. Hosts resolving to private,
// loopback or link-local addresses are refused unless allowed. The check runs
// on the request URL, on every redirect hop and on the address actually
// dialed.
type Fetcher struct {
	client       *http.Client
	maxBytes     int64
	allowPrivate bool
	lookupIP     func(host string) ([]net.IP, error)
}

// NewFetcher creates a Fetcher
func NewFetcher(config FetcherConfig) *Fetcher {
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.MaxBytes <= 0 {
		config.MaxBytes = DefaultMaxFetchBytes
	}
	f := &Fetcher{
		maxBytes:     config.MaxBytes,
		allowPrivate: config.AllowPrivateNetworks,
		lookupIP:     net.LookupIP,
	}

	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second, Control: f.checkDial}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = dialer.DialContext
	f.client = &http.Client{
		Timeout:       config.Timeout,
		Transport:     transport,
		CheckRedirect: f.checkRedirect,
	}
	return f
}

// Fetch downloads rawURL and returns the body and its Content-Type
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	if err := f.checkURL(rawURL); err != nil {
		slog.WarnContext(ctx, "blocked image fetch", "url", rawURL, "error", err)
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("failed to fetch %s: status %d", rawURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read %s: %w", rawURL, err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, "", fmt.Errorf("response from %s exceeds %d bytes", rawURL, f.maxBytes)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// Get implements the read side of the Storage port for foreign URLs
func (f *Fetcher) Get(ctx context.Context, ref string) ([]byte, error) {
	data, _, err := f.Fetch(ctx, ref)
	return data, err
}

func (f *Fetcher) checkURL(rawURL string) error {
	u, err := url.ParseRequestURI(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if f.allowPrivate {
		return nil
	}

	host := u.Hostname()
	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		ips, err = f.lookupIP(host)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", host, err)
		}
	}
	if len(ips) == 0 {
		return fmt.Errorf("no addresses for %s", host)
	}
	for _, ip := range ips {
		if restricted(ip) {
			return fmt.Errorf("%w: %s", ErrUnsafeURL, ip)
		}
	}
	return nil
}

const maxRedirects = 10

func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if err := f.checkURL(req.URL.String()); err != nil {
		slog.WarnContext(req.Context(), "blocked image redirect", "url", req.URL.String(), "error", err)
		return err
	}
	return nil
}

// checkDial runs after name resolution, so it sees the address the
// connection really goes to.
func (f *Fetcher) checkDial(_, address string, _ syscall.RawConn) error {
	if f.allowPrivate {
		return nil
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("invalid dial address %q: %w", address, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("%w: unresolved address %s", ErrUnsafeURL, host)
	}
	if restricted(ip) {
		return fmt.Errorf("%w: %s", ErrUnsafeURL, ip)
	}
	return nil
}

func restricted(ip net.IP) bool {
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}
