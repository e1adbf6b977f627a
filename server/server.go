// Package server exposes compositor projects over HTTP: project storage,
// row previews, archive exports and the image proxy.
package server

import (
	"fmt"
	"log/slog"
	"net/http"

	compositor "github.com/VantageDataChat/GoCompositor"
	"github.com/VantageDataChat/GoCompositor/proxy"
	"github.com/VantageDataChat/GoCompositor/store"
	"github.com/labstack/echo/v4"
)

// App wires the store, renderer, proxy and HTTP handlers together.
type App struct {
	Config   Config
	Echo     *echo.Echo
	Store    *store.Store
	Renderer *compositor.Renderer
	Loader   *compositor.SourceLoader
	Proxy    *proxy.Handler
	Logger   *slog.Logger

	fonts  *compositor.FontCache
	format compositor.ImageFormat
	ready  bool
}

// Option configures additional App behavior.
type Option func(*App)

// WithLogger sets the logger used for request and error logging.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		a.Logger = l
	}
}

// WithStore uses an already opened store instead of opening
// Config.DatabasePath.
func WithStore(s *store.Store) Option {
	return func(a *App) {
		a.Store = s
	}
}

// WithFontCache shares a font cache with the renderer.
func WithFontCache(fc *compositor.FontCache) Option {
	return func(a *App) {
		a.fonts = fc
	}
}

// New creates an App with the given configuration.
func New(cfg Config, opts ...Option) *App {
	cfg.setDefaults()
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	a := &App{
		Config: cfg,
		Echo:   e,
		Logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Init opens the store, builds the renderer and registers middleware and
// routes. Start calls it; tests call it directly and drive a.Echo.
func (a *App) Init() error {
	if a.ready {
		return nil
	}
	format, err := compositor.ParseImageFormat(a.Config.Format)
	if err != nil {
		return fmt.Errorf("compositor: %w", err)
	}
	a.format = format

	if a.Store == nil {
		s, err := store.Open(a.Config.DatabasePath)
		if err != nil {
			return fmt.Errorf("compositor: init store: %w", err)
		}
		a.Store = s
	}

	a.Loader = compositor.NewSourceLoader(a.Config.URL, a.Config.AssetDir)
	a.Loader.Confined = true
	a.Loader.AllowedHosts = append([]string(nil), proxy.DefaultAllowedHosts...)

	opts := compositor.DefaultRenderOptions()
	opts.Format = format
	opts.JPEGQuality = a.Config.JPEGQuality
	opts.FontDirs = a.Config.FontDirs
	opts.FontCache = a.fonts
	opts.Loader = a.Loader
	opts.LoadTimeout = a.Config.LoadTimeout
	opts.Logger = a.Logger
	a.Renderer = compositor.NewRenderer(opts)

	a.Proxy = proxy.New()
	a.Proxy.Timeout = a.Config.ProxyTimeout
	a.Proxy.Logger = a.Logger

	a.setupMiddleware()
	a.setupRoutes()
	a.ready = true
	return nil
}

// Start initializes the app and serves until the server is closed.
func (a *App) Start() error {
	if err := a.Init(); err != nil {
		return err
	}
	a.Logger.Info("listening", "addr", a.Config.Addr, "url", a.Config.URL, "version", compositor.Version)
	if err := a.Echo.Start(a.Config.Addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (a *App) setupRoutes() {
	e := a.Echo

	a.Proxy.Register(e)

	e.GET("/api/version", handleVersion)
	e.GET("/api/resolve", handleResolve)

	e.GET("/api/projects", a.handleListProjects)
	e.GET("/api/projects/:name", a.handleGetProject)
	e.PUT("/api/projects/:name", a.handlePutProject)
	e.DELETE("/api/projects/:name", a.handleDeleteProject)
	e.PUT("/api/projects/:name/dataset", a.handlePutDataset)
	e.PUT("/api/projects/:name/overlays/:row", a.handlePutOverlay)
	e.DELETE("/api/projects/:name/overlays/:row", a.handlePutOverlay)
	e.GET("/api/projects/:name/preview", a.handlePreview)
	e.POST("/api/projects/:name/export", a.handleExport)
	e.GET("/api/projects/:name/exports", a.handleListExports)
}

// Close cleans up resources. Call this when the app is shutting down.
func (a *App) Close() error {
	if a.Store != nil {
		return a.Store.Close()
	}
	return nil
}
