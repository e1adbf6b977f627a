package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	compositor "github.com/VantageDataChat/GoCompositor"
	"github.com/VantageDataChat/GoCompositor/store"
	"github.com/VantageDataChat/GoCompositor/table"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

func (a *App) setupMiddleware() {
	e := a.Echo

	e.HTTPErrorHandler = a.httpErrorHandler

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			a.Logger.Info("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))

	e.Use(middleware.Recover())

	e.Use(middleware.BodyLimit(a.Config.BodyLimit))

	e.Use(middleware.GzipWithConfig(middleware.GzipConfig{
		Level: 5,
		// Images and archives are already compressed.
		Skipper: func(c echo.Context) bool {
			path := c.Request().URL.Path
			return strings.HasSuffix(path, "/preview") ||
				strings.HasSuffix(path, "/export") ||
				path == compositor.ProxyPath ||
				path == compositor.LocalProxyPath
		},
	}))

	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		ReferrerPolicy:     "strict-origin-when-cross-origin",
	}))
}

func (a *App) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code, msg := statusOf(err)
	if code >= 500 {
		a.Logger.Error("server error", "method", c.Request().Method, "uri", c.Request().RequestURI, "error", err)
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, map[string]string{"error": msg})
}

// statusOf maps an error to an HTTP status and a client-facing message.
func statusOf(err error) (int, string) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code, fmt.Sprint(he.Message)
	}
	var ue *compositor.UserInputError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "project not found"
	case errors.Is(err, compositor.ErrNothingToExport):
		return http.StatusUnprocessableEntity, "No enabled rows to export."
	case errors.As(err, &ue),
		errors.Is(err, table.ErrMalformedTable),
		errors.Is(err, compositor.ErrNoTemplate),
		errors.Is(err, compositor.ErrUnknownElement),
		errors.Is(err, compositor.ErrDuplicateElement),
		errors.Is(err, compositor.ErrOverlayOnText):
		return http.StatusBadRequest, err.Error()
	}
	return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
}
