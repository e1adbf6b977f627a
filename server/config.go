package server

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for a compositor server.
type Config struct {
	Addr string // Listen address (default ":8080")
	// URL is the origin the server is reachable at. Proxy candidates of the
	// image cascade are fetched through it (default "http://localhost" + Addr).
	URL          string
	DatabasePath string   // SQLite path (default "data/compositor.db")
	AssetDir     string   // Directory relative image paths are read from (default "assets")
	FontDirs     []string // Extra font directories

	Format         string        // Output image format, "png" or "jpeg" (default "png")
	JPEGQuality    int           // JPEG quality (default 90)
	LoadTimeout    time.Duration // Per-candidate image load timeout (default 15s)
	ProxyTimeout   time.Duration // Upstream proxy timeout (default 20s)
	BodyLimit      string        // Maximum request body (default "64M")
	SkipFailedRows bool          // Skip rows that fail to render instead of aborting
}

func (c *Config) setDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.URL == "" {
		host := c.Addr
		if strings.HasPrefix(host, ":") {
			host = "localhost" + host
		}
		c.URL = "http://" + host
	}
	c.URL = strings.TrimSuffix(c.URL, "/")
	if c.DatabasePath == "" {
		c.DatabasePath = "data/compositor.db"
	}
	if c.AssetDir == "" {
		c.AssetDir = "assets"
	}
	if c.Format == "" {
		c.Format = "png"
	}
	if c.JPEGQuality == 0 {
		c.JPEGQuality = 90
	}
	if c.LoadTimeout == 0 {
		c.LoadTimeout = 15 * time.Second
	}
	if c.ProxyTimeout == 0 {
		c.ProxyTimeout = 20 * time.Second
	}
	if c.BodyLimit == "" {
		c.BodyLimit = "64M"
	}
}

// ConfigFromEnv reads a Config from COMPOSITOR_* environment variables.
// Unset variables keep their defaults.
func ConfigFromEnv() Config {
	cfg := Config{
		Addr:           EnvOr("COMPOSITOR_ADDR", ""),
		URL:            EnvOr("COMPOSITOR_URL", ""),
		DatabasePath:   EnvOr("COMPOSITOR_DB", ""),
		AssetDir:       EnvOr("COMPOSITOR_ASSETS", ""),
		Format:         EnvOr("COMPOSITOR_FORMAT", ""),
		BodyLimit:      EnvOr("COMPOSITOR_BODY_LIMIT", ""),
		SkipFailedRows: EnvOr("COMPOSITOR_SKIP_FAILED_ROWS", "") == "true",
	}
	if dirs := EnvOr("COMPOSITOR_FONT_DIRS", ""); dirs != "" {
		cfg.FontDirs = filepath.SplitList(dirs)
	}
	if q, err := strconv.Atoi(EnvOr("COMPOSITOR_JPEG_QUALITY", "")); err == nil {
		cfg.JPEGQuality = q
	}
	if d, err := time.ParseDuration(EnvOr("COMPOSITOR_LOAD_TIMEOUT", "")); err == nil {
		cfg.LoadTimeout = d
	}
	if d, err := time.ParseDuration(EnvOr("COMPOSITOR_PROXY_TIMEOUT", "")); err == nil {
		cfg.ProxyTimeout = d
	}
	return cfg
}

// EnvOr returns the value of the environment variable key, or fallback if empty.
func EnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
