package api

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"hardwire/internal/server/apperr"
	"hardwire/internal/server/config"
)

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = HTTPErrorHandler

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "HEAD", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization", "Range", "X-Transaction-Id"},
		// Cross-origin clients need the minted transaction id to resume
		// range downloads.
		ExposeHeaders: []string{"X-Transaction-Id", "Content-Range"},
	}))
	e.Use(RequestLogger())

	// Rate limiter on the public download surface only
	downloadLimiter := NewRateLimiter(cfg.RateLimitRPM)

	e.GET("/healthcheck", handler.HandleHealthcheck)

	// Public shares (rate-limited)
	share := e.Group("/s", downloadLimiter.Middleware())
	share.GET("/:share_id", handler.HandleSharePage)
	share.GET("/:share_id/:file_ref", handler.HandleFileDownload)
	share.HEAD("/:share_id/:file_ref", handler.HandleFileDownload)

	// Admin auth
	e.GET("/admin/auth/google/login", handler.oidc.HandleLogin)
	e.GET("/admin/auth/google/callback", handler.oidc.HandleCallback)

	// Live updates (token query auth inside the handler)
	e.GET("/admin/live_update", handler.HandleLiveUpdate)

	// Admin API (bearer JWT)
	admin := e.Group("/admin/api", handler.auth.Middleware())
	admin.GET("/list_files", handler.HandleListFiles)
	admin.POST("/files/rescan", handler.HandleRescan)
	admin.POST("/create_shared_link", handler.HandleCreateShare)
	admin.POST("/tasks", handler.HandleCreateTask)
	admin.GET("/tasks/:id", handler.HandleGetTask)
	admin.GET("/tasks/:id/download", handler.HandleTaskArtifact)
	admin.HEAD("/tasks/:id/download", handler.HandleTaskArtifact)
	admin.GET("/stats/downloads", handler.HandleDownloadStats)
	admin.GET("/stats/downloads/by_period", handler.HandleDownloadsByPeriod)
	admin.GET("/stats/downloads/recent", handler.HandleRecentDownloads)
	admin.GET("/stats/downloads/status", handler.HandleStatusDistribution)
	admin.GET("/users", handler.HandleListUsers)
	admin.POST("/users", handler.HandleCreateUser)
	admin.GET("/users/:id", handler.HandleGetUser)
	admin.DELETE("/users/:id", handler.HandleDeleteUser)

	// Admin SPA: static assets plus index.html fallback for client routing
	e.Static("/assets", "dist")
	e.GET("/admin*", spaFallback("dist/admin"))

	return e
}

// HTTPErrorHandler renders application errors as their JSON envelope.
// Internal error kinds are logged with their cause and returned redacted.
func HTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		details := appErr.Detail
		if appErr.Internal() {
			slog.Error("request failed",
				"code", appErr.Code,
				"path", c.Request().URL.Path,
				"error", err,
			)
			details = ""
		}
		writeErrorBody(c, appErr.Status(), appErr.Message, details, appErr.Code)
		return
	}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		msg := http.StatusText(httpErr.Code)
		if s, ok := httpErr.Message.(string); ok {
			msg = s
		}
		writeErrorBody(c, httpErr.Code, msg, "", "HTTP_ERROR")
		return
	}

	slog.Error("unhandled error", "path", c.Request().URL.Path, "error", err)
	writeErrorBody(c, http.StatusInternalServerError, "An internal error occurred", "", "INTERNAL_ERROR")
}

func writeErrorBody(c echo.Context, status int, message, details, code string) {
	var err error
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, echo.Map{
			"error":   message,
			"details": details,
			"code":    code,
		})
	}
	if err != nil {
		slog.Error("failed to write error response", "error", err)
	}
}

// spaFallback serves files from root, falling back to index.html so the
// admin SPA can own its client-side routes.
func spaFallback(root string) echo.HandlerFunc {
	return func(c echo.Context) error {
		rel := strings.TrimPrefix(c.Request().URL.Path, "/admin")
		rel = path.Clean("/" + rel)

		full := filepath.Join(root, filepath.FromSlash(rel))
		if info, err := os.Stat(full); err == nil && !info.IsDir() {
			return c.File(full)
		}
		return c.File(filepath.Join(root, "index.html"))
	}
}
