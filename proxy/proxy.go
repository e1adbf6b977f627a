// Package proxy implements the same-origin image proxy used to fetch
// content-host images that cannot be loaded cross-origin. Only an
// allow-listed set of hosts is reachable through it.
package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	compositor "github.com/VantageDataChat/GoCompositor"
	"github.com/labstack/echo/v4"
)

// DefaultTimeout bounds a single upstream fetch.
const DefaultTimeout = 20 * time.Second

const userAgent = "Mozilla/5.0"

// DefaultAllowedHosts are the only upstream hosts the proxy will contact.
var DefaultAllowedHosts = []string{
	"drive.google.com",
	"docs.google.com",
	"drive.usercontent.google.com",
}

var (
	errMissingURL     = errors.New("Missing url parameter")
	errInvalidURL     = errors.New("Invalid url")
	errHostNotAllowed = errors.New("Host not allowed")
)

// Handler serves GET <path>?url=<encoded upstream URL>.
type Handler struct {
	// AllowedHosts is matched exactly against the upstream host name.
	AllowedHosts []string
	Client       *http.Client
	Timeout      time.Duration
	Logger       *slog.Logger
}

// New returns a Handler with the default allow-list and timeout.
func New() *Handler {
	return &Handler{
		AllowedHosts: append([]string(nil), DefaultAllowedHosts...),
		Client:       &http.Client{},
		Timeout:      DefaultTimeout,
		Logger:       slog.Default(),
	}
}

// Register mounts the handler on both proxy paths.
func (h *Handler) Register(e *echo.Echo) {
	e.Any(compositor.ProxyPath, h.Serve)
	e.Any(compositor.LocalProxyPath, h.Serve)
}

// Serve handles one proxy request.
func (h *Handler) Serve(c echo.Context) error {
	header := c.Response().Header()
	header.Set("Access-Control-Allow-Origin", "*")
	header.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	header.Set("Access-Control-Allow-Headers", "Content-Type")

	switch c.Request().Method {
	case http.MethodOptions:
		return c.NoContent(http.StatusNoContent)
	case http.MethodGet:
	default:
		return jsonError(c, http.StatusMethodNotAllowed, "Method not allowed")
	}

	target, err := h.Target(c.QueryParam("url"))
	if err != nil {
		return jsonError(c, http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return jsonError(c, http.StatusBadRequest, errInvalidURL.Error())
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := h.client().Do(req)
	if err != nil {
		h.logger().Warn("proxy fetch failed", "url", target, "error", err)
		return jsonError(c, http.StatusBadGateway, "Proxy fetch failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		h.logger().Warn("upstream fetch failed", "url", target, "status", resp.StatusCode)
		status := resp.StatusCode
		if status < 400 {
			status = http.StatusBadGateway
		}
		return jsonError(c, status, "Upstream fetch failed")
	}

	if resp.ContentLength >= 0 {
		header.Set(echo.HeaderContentLength, strconv.FormatInt(resp.ContentLength, 10))
	}
	header.Set("Cache-Control", "no-store")
	contentType := resp.Header.Get(echo.HeaderContentType)
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}
	return c.Stream(resp.StatusCode, contentType, resp.Body)
}

// Target validates raw and returns the URL to fetch upstream. Share links
// on content hosts are rewritten to their direct download URL.
func (h *Handler) Target(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errMissingURL
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", errInvalidURL
	}
	if scheme := strings.ToLower(u.Scheme); scheme != "http" && scheme != "https" {
		return "", errInvalidURL
	}
	host := strings.ToLower(u.Hostname())
	if !h.allowed(host) {
		return "", errHostNotAllowed
	}
	if host == "drive.google.com" || host == "docs.google.com" {
		if id := compositor.ContentHostFileID(u); id != "" {
			return compositor.DirectDownloadURL(id), nil
		}
	}
	return u.String(), nil
}

func (h *Handler) allowed(host string) bool {
	hosts := h.AllowedHosts
	if hosts == nil {
		hosts = DefaultAllowedHosts
	}
	for _, a := range hosts {
		if strings.EqualFold(host, a) {
			return true
		}
	}
	return false
}

func (h *Handler) client() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	return http.DefaultClient
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func jsonError(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}
