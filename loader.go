package compositor

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
)

// maxImageFileSize is the maximum size of an image fetched by a loader.
const maxImageFileSize = 50 << 20 // 50 MB

// ImageLoader fetches and decodes one image candidate.
type ImageLoader interface {
	LoadImage(ctx context.Context, src string) (image.Image, error)
}

// SourceLoader loads data URIs, http(s) URLs, proxy paths and local files.
//
// Paths that start with "/" (including proxy paths) are resolved against
// BaseURL, the origin the scene is served from. Without a BaseURL proxy
// paths fail, so the cascade falls through to the direct candidate, and
// other paths are read from disk relative to BaseDir.
type SourceLoader struct {
	Client  *http.Client
	BaseURL string
	BaseDir string
	// MaxBytes caps a single image; 0 means maxImageFileSize.
	MaxBytes int64
	// Confined restricts file reads to relative paths inside BaseDir and
	// URL fetches to the BaseURL origin and AllowedHosts.
	Confined     bool
	AllowedHosts []string
}

// NewSourceLoader creates a SourceLoader with a default HTTP client.
func NewSourceLoader(baseURL, baseDir string) *SourceLoader {
	return &SourceLoader{
		Client:  &http.Client{Timeout: 60 * time.Second},
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		BaseDir: baseDir,
	}
}

// LoadImage fetches src and decodes it, honoring EXIF orientation.
func (l *SourceLoader) LoadImage(ctx context.Context, src string) (image.Image, error) {
	data, err := l.fetch(ctx, src)
	if err != nil {
		return nil, err
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image %s: %w", shortSource(src), err)
	}
	return img, nil
}

// ReadSource returns the raw bytes behind src without decoding them.
func (l *SourceLoader) ReadSource(ctx context.Context, src string) ([]byte, error) {
	return l.fetch(ctx, src)
}

func (l *SourceLoader) fetch(ctx context.Context, src string) ([]byte, error) {
	src = strings.TrimSpace(src)
	lower := strings.ToLower(src)
	switch {
	case src == "":
		return nil, fmt.Errorf("%w: empty source", ErrUnsupportedSource)
	case strings.HasPrefix(lower, "data:"):
		data, _, err := DecodeDataURI(src)
		return data, err
	case strings.HasPrefix(lower, "http:"), strings.HasPrefix(lower, "https:"):
		return l.fetchURL(ctx, src)
	case strings.HasPrefix(lower, "blob:"):
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSource, shortSource(src))
	case isProxied(src):
		if l.BaseURL == "" {
			return nil, ErrProxyUnavailable
		}
		return l.fetchURL(ctx, l.BaseURL+"/"+strings.TrimPrefix(src, "/"))
	case l.BaseURL != "" && strings.HasPrefix(src, "/"):
		return l.fetchURL(ctx, l.BaseURL+src)
	default:
		return l.readFile(src)
	}
}

func (l *SourceLoader) fetchURL(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}
	if l.Confined {
		if err := l.checkHost(req.URL); err != nil {
			return nil, err
		}
		confined := *client
		confined.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("stopped after %d redirects", len(via))
			}
			return l.checkHost(req.URL)
		}
		client = &confined
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", shortSource(target), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", shortSource(target), resp.StatusCode)
	}
	return readLimited(resp.Body, l.limit())
}

// checkHost reports whether a confined loader may contact u.
func (l *SourceLoader) checkHost(u *url.URL) error {
	if l.BaseURL != "" {
		if base, err := url.Parse(l.BaseURL); err == nil && strings.EqualFold(u.Host, base.Host) {
			return nil
		}
	}
	host := u.Hostname()
	for _, h := range l.AllowedHosts {
		if strings.EqualFold(h, host) {
			return nil
		}
	}
	return fmt.Errorf("%w: host %q not allowed", ErrUnsupportedSource, host)
}

func (l *SourceLoader) readFile(src string) ([]byte, error) {
	p := src
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if unescaped, err := url.PathUnescape(p); err == nil {
		p = unescaped
	}
	p = filepath.FromSlash(p)
	if l.Confined {
		clean := filepath.Clean(p)
		if l.BaseDir == "" || filepath.IsAbs(clean) || clean == ".." ||
			strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
			return nil, fmt.Errorf("%w: path outside asset directory", ErrUnsupportedSource)
		}
		p = clean
	}
	if !filepath.IsAbs(p) && l.BaseDir != "" {
		p = filepath.Join(l.BaseDir, p)
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("failed to stat image file: %w", err)
	}
	if info.Size() > l.limit() {
		return nil, fmt.Errorf("image file too large: %d bytes (max %d)", info.Size(), l.limit())
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read image file: %w", err)
	}
	return data, nil
}

func (l *SourceLoader) limit() int64 {
	if l.MaxBytes > 0 {
		return l.MaxBytes
	}
	return maxImageFileSize
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("image too large (max %d bytes)", limit)
	}
	return data, nil
}

// DecodeDataURI returns the payload and media type of a data URI. Both
// base64 and percent-encoded payloads are accepted.
func DecodeDataURI(s string) ([]byte, string, error) {
	if !strings.HasPrefix(strings.ToLower(s), "data:") {
		return nil, "", fmt.Errorf("%w: not a data URI", ErrUnsupportedSource)
	}
	meta, payload, ok := strings.Cut(s[len("data:"):], ",")
	if !ok {
		return nil, "", fmt.Errorf("%w: malformed data URI", ErrUnsupportedSource)
	}
	isBase64 := false
	mimeType := ""
	for i, part := range strings.Split(meta, ";") {
		switch {
		case i == 0:
			mimeType = strings.ToLower(strings.TrimSpace(part))
		case strings.EqualFold(part, "base64"):
			isBase64 = true
		}
	}
	if mimeType == "" {
		mimeType = "text/plain"
	}
	if isBase64 {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			// some encoders drop the padding
			data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		}
		if err != nil {
			return nil, "", fmt.Errorf("decode data URI: %w", err)
		}
		return data, mimeType, nil
	}
	data, err := url.PathUnescape(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode data URI: %w", err)
	}
	return []byte(data), mimeType, nil
}

// shortSource trims long sources (data URIs mostly) for error messages.
func shortSource(src string) string {
	const max = 64
	if len(src) <= max {
		return src
	}
	return src[:max] + "..."
}
