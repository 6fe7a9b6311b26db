package api

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"hardwire/internal/server/apperr"
	"hardwire/internal/server/database"
	"hardwire/internal/server/progress"
	"hardwire/internal/server/service"
)

// downloadChunkSize is the copy buffer used when streaming file bodies.
const downloadChunkSize = 64 * 1024

//go:embed templates/share.html
var templateFS embed.FS

var sharePageTmpl = template.Must(template.ParseFS(templateFS, "templates/share.html"))

// sharePageFile is one row of the share landing page.
type sharePageFile struct {
	Name string
	URL  string
	Size int64
}

// sharePageData feeds the share landing page template.
type sharePageData struct {
	Title     string
	Host      string
	Files     []sharePageFile
	ExpiresAt *int64
}

// HandleSharePage handles GET /s/:share_id.
// Renders the HTML listing of a share's files with per-file download links.
func (h *Handler) HandleSharePage(c echo.Context) error {
	shareID := c.Param("share_id")

	share, files, err := h.shares.Resolve(c.Request().Context(), shareID)
	if err != nil {
		return err
	}

	data := sharePageData{
		Title: shareID,
		Host:  h.cfg.Host,
		Files: make([]sharePageFile, 0, len(files)),
	}
	if len(files) > 0 {
		data.Title = files[0].ShortName
	}
	if share.Expiration != database.ShareNeverExpires {
		data.ExpiresAt = &share.Expiration
	}
	for _, f := range files {
		data.Files = append(data.Files, sharePageFile{
			Name: f.ShortName,
			URL:  fmt.Sprintf("%s/s/%s/%s", h.cfg.Host, shareID, f.Ref),
			Size: f.FileSize,
		})
	}

	var buf bytes.Buffer
	if err := sharePageTmpl.Execute(&buf, data); err != nil {
		return apperr.Internal(err)
	}
	return c.HTMLBlob(http.StatusOK, buf.Bytes())
}

// HandleFileDownload handles GET and HEAD /s/:share_id/:file_ref.
// Streams the file with single-range support; every GET is one download
// transaction identified by X-Transaction-Id.
func (h *Handler) HandleFileDownload(c echo.Context) error {
	file, err := h.shares.ResolveFileRef(c.Request().Context(), c.Param("share_id"), c.Param("file_ref"))
	if err != nil {
		return err
	}
	return h.streamFile(c, file.Path, file.ShortName)
}

// streamFile is the shared download engine: range negotiation, transaction
// row lifecycle, and the instrumented body copy. displayName is used for
// Content-Disposition and content-type detection.
func (h *Handler) streamFile(c echo.Context, absPath, displayName string) error {
	ctx := c.Request().Context()

	// The indexed row may outlive the file on disk.
	info, err := os.Stat(absPath)
	if err != nil || info.IsDir() {
		return apperr.FileNotFound(displayName)
	}
	size := info.Size()

	transactionID := c.Request().Header.Get("X-Transaction-Id")
	if transactionID == "" {
		transactionID = uuid.NewString()
	}

	res := c.Response()
	res.Header().Set("X-Transaction-Id", transactionID)
	res.Header().Set("Accept-Ranges", "bytes")
	res.Header().Set("Content-Type", service.ContentTypeFor(displayName))
	res.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", displayName))

	rng, err := service.ParseRange(c.Request().Header.Get("Range"), size)
	if err != nil {
		if errors.Is(err, apperr.RangeNotSatisfiable(size)) {
			res.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		}
		return err
	}

	status := http.StatusOK
	expected := size
	if rng != nil {
		status = http.StatusPartialContent
		expected = rng.Length()
		res.Header().Set("Content-Range", rng.ContentRange(size))
	}
	res.Header().Set("Content-Length", strconv.FormatInt(expected, 10))

	if c.Request().Method == http.MethodHead {
		res.WriteHeader(status)
		return nil
	}

	if err := h.downloads.Begin(ctx, transactionID, absPath, c.RealIP(), size); err != nil {
		return err
	}

	f, err := os.Open(absPath)
	if err != nil {
		return apperr.FileSystem(err)
	}
	defer f.Close()

	if rng != nil {
		if _, err := f.Seek(rng.Start, io.SeekStart); err != nil {
			return apperr.FileSystem(err)
		}
	}

	reader := progress.NewReader(io.LimitReader(f, expected), transactionID, absPath, expected, h.bus)

	res.WriteHeader(status)
	// A client abort surfaces as a copy error; headers are already sent,
	// so the outcome is recorded rather than reported.
	_, _ = io.CopyBuffer(res, reader, make([]byte, downloadChunkSize))
	reader.Close()

	// The request context is cancelled on client abort; finalise with a
	// detached one so the row is always written.
	h.downloads.Finish(context.WithoutCancel(ctx), transactionID, reader.ReadBytes(), expected)
	return nil
}
