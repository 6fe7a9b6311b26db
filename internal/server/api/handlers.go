package api

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"hardwire/internal/server/config"
	"hardwire/internal/server/database"
	"hardwire/internal/server/indexer"
	"hardwire/internal/server/progress"
	"hardwire/internal/server/service"
	"hardwire/internal/server/task"
)

// Handler contains the HTTP handlers for the Hardwire API.
type Handler struct {
	cfg       *config.Config
	db        *database.DB
	repo      *database.Repository
	shares    *service.Shares
	downloads *service.Downloads
	tasks     *task.Manager
	idx       *indexer.Indexer
	bus       *progress.Bus
	auth      *Auth
	oidc      *OIDC
}

// NewHandler creates a handler wired to all server components.
func NewHandler(
	cfg *config.Config,
	db *database.DB,
	repo *database.Repository,
	shares *service.Shares,
	downloads *service.Downloads,
	tasks *task.Manager,
	idx *indexer.Indexer,
	bus *progress.Bus,
	auth *Auth,
	oidcFlow *OIDC,
) *Handler {
	return &Handler{
		cfg:       cfg,
		db:        db,
		repo:      repo,
		shares:    shares,
		downloads: downloads,
		tasks:     tasks,
		idx:       idx,
		bus:       bus,
		auth:      auth,
		oidc:      oidcFlow,
	}
}

// HandleHealthcheck handles GET /healthcheck.
// Returns the health status of the server, including database connectivity.
func (h *Handler) HandleHealthcheck(c echo.Context) error {
	status := "healthy"
	dbStatus := "connected"

	if err := h.db.HealthCheck(c.Request().Context()); err != nil {
		status = "degraded"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":   status,
		"database": dbStatus,
	})
}
