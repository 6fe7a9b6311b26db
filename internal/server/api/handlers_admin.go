package api

import (
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"hardwire/internal/server/apperr"
	"hardwire/internal/server/database"
	"hardwire/internal/server/task"
)

// HandleListFiles handles GET /admin/api/list_files.
// Returns the current indexer snapshot, directories first.
func (h *Handler) HandleListFiles(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"files": h.idx.SortedSnapshot(),
	})
}

// HandleRescan handles POST /admin/api/files/rescan.
// Triggers a rescan and blocks until a scan completes.
func (h *Handler) HandleRescan(c echo.Context) error {
	if err := h.idx.Rescan(c.Request().Context()); err != nil {
		return apperr.Internal(err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"status": "ok",
	})
}

// createShareRequest is the body of POST /admin/api/create_shared_link.
type createShareRequest struct {
	FilePaths []string `json:"file_paths"`
	ExpiresAt *int64   `json:"expires_at"`
}

// HandleCreateShare handles POST /admin/api/create_shared_link.
func (h *Handler) HandleCreateShare(c echo.Context) error {
	var req createShareRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("malformed request body")
	}

	result, err := h.shares.Create(c.Request().Context(), req.FilePaths, req.ExpiresAt)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, result)
}

// HandleCreateTask handles POST /admin/api/tasks.
func (h *Handler) HandleCreateTask(c echo.Context) error {
	var input task.Input
	if err := c.Bind(&input); err != nil {
		return apperr.Validation("malformed request body")
	}

	taskID, err := h.tasks.Create(c.Request().Context(), input)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, echo.Map{
		"task_id": taskID,
	})
}

// HandleGetTask handles GET /admin/api/tasks/:id.
func (h *Handler) HandleGetTask(c echo.Context) error {
	view, err := h.tasks.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

// HandleTaskArtifact handles GET and HEAD /admin/api/tasks/:id/download.
// Streams a completed task's archive through the download engine.
func (h *Handler) HandleTaskArtifact(c echo.Context) error {
	absPath, err := h.tasks.ArchiveAbsPath(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return h.streamFile(c, absPath, filepath.Base(absPath))
}

// HandleDownloadStats handles GET /admin/api/stats/downloads.
func (h *Handler) HandleDownloadStats(c echo.Context) error {
	stats, err := h.repo.DownloadStats(c.Request().Context())
	if err != nil {
		return apperr.Database(err)
	}
	return c.JSON(http.StatusOK, stats)
}

// HandleDownloadsByPeriod handles GET /admin/api/stats/downloads/by_period.
func (h *Handler) HandleDownloadsByPeriod(c echo.Context) error {
	period := c.QueryParam("period")
	limit := queryInt(c, "limit", 30)

	buckets, err := h.repo.DownloadsByPeriod(c.Request().Context(), period, limit)
	if err != nil {
		return apperr.Database(err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"period":  period,
		"buckets": buckets,
	})
}

// HandleRecentDownloads handles GET /admin/api/stats/downloads/recent.
func (h *Handler) HandleRecentDownloads(c echo.Context) error {
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)

	records, err := h.repo.RecentDownloads(c.Request().Context(), limit, offset)
	if err != nil {
		return apperr.Database(err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"downloads": records,
	})
}

// HandleStatusDistribution handles GET /admin/api/stats/downloads/status.
func (h *Handler) HandleStatusDistribution(c echo.Context) error {
	counts, err := h.repo.StatusDistribution(c.Request().Context())
	if err != nil {
		return apperr.Database(err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"statuses": counts,
	})
}

// HandleListUsers handles GET /admin/api/users.
func (h *Handler) HandleListUsers(c echo.Context) error {
	users, err := h.repo.ListAdminUsers(c.Request().Context())
	if err != nil {
		return apperr.Database(err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"users": users,
	})
}

// createUserRequest is the body of POST /admin/api/users.
type createUserRequest struct {
	Email string `json:"email"`
}

// HandleCreateUser handles POST /admin/api/users.
// Pre-provisions an admin by email; the Google binding is completed on
// first login.
func (h *Handler) HandleCreateUser(c echo.Context) error {
	var req createUserRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("malformed request body")
	}
	if req.Email == "" {
		return apperr.Validation("email is required")
	}

	user, err := h.repo.CreateAdminUser(c.Request().Context(), req.Email, "", time.Now().Unix())
	if err != nil {
		return apperr.Database(err)
	}
	return c.JSON(http.StatusCreated, user)
}

// HandleGetUser handles GET /admin/api/users/:id.
func (h *Handler) HandleGetUser(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return apperr.Validation("malformed user id")
	}

	user, err := h.repo.GetAdminUserByID(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrUserNotFound) {
			return apperr.UserNotFound(c.Param("id"))
		}
		return apperr.Database(err)
	}
	return c.JSON(http.StatusOK, user)
}

// HandleDeleteUser handles DELETE /admin/api/users/:id.
// An admin cannot delete their own account.
func (h *Handler) HandleDeleteUser(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return apperr.Validation("malformed user id")
	}
	if me := currentUser(c); me != nil && me.ID == id {
		return apperr.Validation("cannot delete the authenticated user")
	}

	if err := h.repo.DeleteAdminUser(c.Request().Context(), id); err != nil {
		if errors.Is(err, database.ErrUserNotFound) {
			return apperr.UserNotFound(c.Param("id"))
		}
		return apperr.Database(err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"status": "deleted",
	})
}

// queryInt reads an integer query parameter with a fallback.
func queryInt(c echo.Context, name string, fallback int64) int64 {
	if raw := c.QueryParam(name); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n >= 0 {
			return n
		}
	}
	return fallback
}
