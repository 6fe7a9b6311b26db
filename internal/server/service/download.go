package service

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"hardwire/internal/server/apperr"
	"hardwire/internal/server/database"
	"hardwire/internal/server/progress"
)

// contentTypes maps common filename extensions. Everything else streams as
// application/octet-stream.
var contentTypes = map[string]string{
	".txt":  "text/plain; charset=utf-8",
	".html": "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "text/javascript; charset=utf-8",
	".json": "application/json",
	".xml":  "application/xml",
	".pdf":  "application/pdf",
	".zip":  "application/zip",
	".7z":   "application/x-7z-compressed",
	".gz":   "application/gzip",
	".tar":  "application/x-tar",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".webp": "image/webp",
	".mp3":  "audio/mpeg",
	".flac": "audio/flac",
	".mp4":  "video/mp4",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".iso":  "application/x-iso9660-image",
}

// ContentTypeFor returns the content type for a filename by extension.
func ContentTypeFor(name string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// ByteRange is one satisfiable single range of a response body.
type ByteRange struct {
	Start int64
	End   int64 // inclusive
}

// Length returns the number of bytes the range covers.
func (r ByteRange) Length() int64 { return r.End - r.Start + 1 }

// ContentRange renders the Content-Range header value for a 206 response.
func (r ByteRange) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

// ParseRange parses a single-range Range header against the given file size.
// A nil range with nil error means no Range header (serve the full body).
// Multi-range and unsatisfiable requests map to 416; anything else malformed
// is a 400.
func ParseRange(header string, size int64) (*ByteRange, error) {
	if header == "" {
		return nil, nil
	}

	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, apperr.Validation("unsupported range unit")
	}
	if strings.Contains(spec, ",") {
		// Single range only.
		return nil, apperr.RangeNotSatisfiable(size)
	}

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return nil, apperr.Validation("malformed range")
	}
	startStr = strings.TrimSpace(startStr)
	endStr = strings.TrimSpace(endStr)

	if startStr == "" {
		// Suffix form: last N bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return nil, apperr.Validation("malformed range")
		}
		if n > size {
			n = size
		}
		if size == 0 {
			return nil, apperr.RangeNotSatisfiable(size)
		}
		return &ByteRange{Start: size - n, End: size - 1}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return nil, apperr.Validation("malformed range")
	}

	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < 0 {
			return nil, apperr.Validation("malformed range")
		}
		if end > size-1 {
			end = size - 1
		}
	}

	if start >= size || end < start {
		return nil, apperr.RangeNotSatisfiable(size)
	}
	return &ByteRange{Start: start, End: end}, nil
}

// Downloads owns the download transaction lifecycle: one row per logical
// download, surviving range continuations under the same transaction id.
type Downloads struct {
	repo *database.Repository
	bus  *progress.Bus
}

// NewDownloads creates the download transaction service.
func NewDownloads(repo *database.Repository, bus *progress.Bus) *Downloads {
	return &Downloads{repo: repo, bus: bus}
}

// Begin records the transaction row. Idempotent per transaction id: range
// continuations re-use the row created by the first request.
func (d *Downloads) Begin(ctx context.Context, transactionID, filePath, ip string, fileSize int64) error {
	rec := &database.DownloadRecord{
		TransactionID: transactionID,
		FilePath:      filePath,
		IPAddress:     ip,
		Status:        database.DownloadStarted,
		FileSize:      &fileSize,
		StartedAt:     time.Now().Unix(),
	}
	if err := d.repo.InsertDownload(ctx, rec); err != nil {
		return apperr.Database(err)
	}
	return nil
}

// Finish finalises the transaction after a response body terminates.
// delivered == expected means completed; anything less is a failed
// (aborted) transfer. The store-side guard keeps an earlier completion from
// being downgraded by a later partial request.
func (d *Downloads) Finish(ctx context.Context, transactionID string, delivered, expected int64) {
	status := database.DownloadCompleted
	if delivered < expected {
		status = database.DownloadFailed
	}
	if err := d.repo.FinishDownload(ctx, transactionID, status, time.Now().Unix()); err != nil {
		slog.Error("failed to finalise download transaction",
			"transaction_id", transactionID, "status", status, "error", err)
	}
}

// RunRecorder consumes the progress bus and advances transaction rows to
// in_progress as bytes flow. Terminal events are handled by Finish on the
// request path; the recorder only reflects live progress. Returns when ctx
// is cancelled.
func (d *Downloads) RunRecorder(ctx context.Context) {
	id, events := d.bus.Subscribe()
	defer d.bus.Unsubscribe(id)

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.Terminal {
				continue
			}
			if err := d.repo.MarkDownloadInProgress(ctx, evt.TransactionID); err != nil {
				slog.Error("failed to mark download in progress",
					"transaction_id", evt.TransactionID, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
