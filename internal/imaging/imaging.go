// Package imaging provides the shared image helpers used by multimodal
// adapters: MIME sniffing by magic bytes, size validation, HTTP download
// with a scheme allowlist, and data-URL encoding/decoding.
package imaging

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/conduitllm/conduit/conduiterr"
)

// DefaultMaxBytes is the largest image accepted anywhere in the pipeline.
const DefaultMaxBytes = 20 << 20 // 20 MiB

// DownloadTimeout bounds a single remote image fetch.
const DownloadTimeout = 30 * time.Second

// SniffMIME identifies an image format from its leading magic bytes.
// Returns "" for unknown formats.
func SniffMIME(data []byte) string {
	switch {
	case len(data) >= 3 && bytes.Equal(data[:3], []byte{0xFF, 0xD8, 0xFF}):
		return "image/jpeg"
	case len(data) >= 8 && bytes.Equal(data[:8], []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}):
		return "image/png"
	case len(data) >= 4 && bytes.Equal(data[:4], []byte("GIF8")):
		return "image/gif"
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return "image/webp"
	case len(data) >= 2 && bytes.Equal(data[:2], []byte("BM")):
		return "image/bmp"
	default:
		return ""
	}
}

// Validate checks that data is a recognized image no larger than maxBytes
// (DefaultMaxBytes when maxBytes <= 0). It returns the sniffed MIME type.
func Validate(data []byte, maxBytes int) (string, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if len(data) == 0 {
		return "", conduiterr.New(conduiterr.Validation, "image data is empty")
	}
	if len(data) > maxBytes {
		return "", conduiterr.New(conduiterr.Validation, "image size %d exceeds limit of %d bytes", len(data), maxBytes)
	}
	mime := SniffMIME(data)
	if mime == "" {
		return "", conduiterr.New(conduiterr.Validation, "unrecognized image format")
	}
	return mime, nil
}

// Downloader fetches remote images with a bounded timeout and an optional
// allowlist of host suffixes. A nil Downloader uses defaults.
type Downloader struct {
	Client       *http.Client
	MaxBytes     int
	AllowedHosts []string // suffix match; empty allows any host
}

func (d *Downloader) client() *http.Client {
	if d != nil && d.Client != nil {
		return d.Client
	}
	return &http.Client{Timeout: DownloadTimeout}
}

func (d *Downloader) maxBytes() int {
	if d != nil && d.MaxBytes > 0 {
		return d.MaxBytes
	}
	return DefaultMaxBytes
}

func (d *Downloader) hostAllowed(host string) bool {
	if d == nil || len(d.AllowedHosts) == 0 {
		return true
	}
	for _, suffix := range d.AllowedHosts {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// Download fetches an image from an http(s) URL and validates it.
// Non-http(s) schemes are rejected before any network activity.
func (d *Downloader) Download(ctx context.Context, rawURL string) ([]byte, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", conduiterr.Wrap(conduiterr.Validation, err, "invalid image URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, "", conduiterr.New(conduiterr.Validation, "unsupported image URL scheme %q", u.Scheme)
	}
	if !d.hostAllowed(u.Hostname()) {
		return nil, "", conduiterr.New(conduiterr.Validation, "image host %q is not allowed", u.Hostname())
	}

	ctx, cancel := context.WithTimeout(ctx, DownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", conduiterr.Wrap(conduiterr.Communication, err, "creating image request")
	}
	resp, err := d.client().Do(req)
	if err != nil {
		return nil, "", conduiterr.Wrap(conduiterr.Communication, err, "fetching image")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, "", conduiterr.New(conduiterr.Validation, "image fetch returned status %d", resp.StatusCode)
	}

	limit := int64(d.maxBytes())
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", conduiterr.Wrap(conduiterr.Communication, err, "reading image body")
	}
	mime, err := Validate(data, d.maxBytes())
	if err != nil {
		return nil, "", err
	}
	return data, mime, nil
}

// ToDataURL encodes image bytes as a base64 data URL. The MIME type is
// sniffed when mime is empty.
func ToDataURL(data []byte, mime string) string {
	if mime == "" {
		mime = SniffMIME(data)
	}
	if mime == "" {
		mime = "application/octet-stream"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// ParseDataURL decodes a base64 data URL into its MIME type and raw bytes.
func ParseDataURL(dataURL string) (string, []byte, error) {
	if !strings.HasPrefix(dataURL, "data:") {
		return "", nil, conduiterr.New(conduiterr.Validation, "not a data URL")
	}
	rest := strings.TrimPrefix(dataURL, "data:")
	sep := strings.Index(rest, ",")
	if sep < 0 {
		return "", nil, conduiterr.New(conduiterr.Validation, "malformed data URL: missing comma")
	}
	meta, payload := rest[:sep], rest[sep+1:]
	if !strings.HasSuffix(meta, ";base64") {
		return "", nil, conduiterr.New(conduiterr.Validation, "data URL is not base64-encoded")
	}
	mime := strings.TrimSuffix(meta, ";base64")
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, conduiterr.Wrap(conduiterr.Validation, err, "decoding data URL payload")
	}
	return mime, data, nil
}

// IsDataURL reports whether s looks like a data URL.
func IsDataURL(s string) bool { return strings.HasPrefix(s, "data:") }

// Describe returns a short human-readable tag for logs, e.g. "image/png (12345 bytes)".
func Describe(data []byte) string {
	return fmt.Sprintf("%s (%d bytes)", SniffMIME(data), len(data))
}
