package database

import (
	"context"
	"fmt"
)

// InsertDownload records a download attempt. INSERT OR IGNORE against the
// unique transaction_id index makes re-insertion for range continuations a
// no-op: only the first request of a logical download creates the row.
func (r *Repository) InsertDownload(ctx context.Context, d *DownloadRecord) error {
	ctx, cancel := r.db.opContext(ctx)
	defer cancel()

	_, err := r.db.Pool.ExecContext(ctx, `
		INSERT OR IGNORE INTO download
			(transaction_id, file_path, ip_address, status, file_size, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, d.TransactionID, d.FilePath, d.IPAddress, d.Status, d.FileSize, d.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to insert download: %w", err)
	}
	return nil
}

// MarkDownloadInProgress advances a started transaction to in_progress.
// Later statuses are never rewound.
func (r *Repository) MarkDownloadInProgress(ctx context.Context, transactionID string) error {
	ctx, cancel := r.db.opContext(ctx)
	defer cancel()

	_, err := r.db.Pool.ExecContext(ctx, `
		UPDATE download SET status = ? WHERE transaction_id = ? AND status = ?
	`, DownloadInProgress, transactionID, DownloadStarted)
	if err != nil {
		return fmt.Errorf("failed to mark download in progress: %w", err)
	}
	return nil
}

// FinishDownload finalises a transaction row. The status guard means the
// first completion wins: a later aborted range request cannot downgrade a
// transaction that already completed.
func (r *Repository) FinishDownload(ctx context.Context, transactionID, status string, finishedAt int64) error {
	ctx, cancel := r.db.opContext(ctx)
	defer cancel()

	_, err := r.db.Pool.ExecContext(ctx, `
		UPDATE download SET status = ?, finished_at = ?
		WHERE transaction_id = ? AND status != ?
	`, status, finishedAt, transactionID, DownloadCompleted)
	if err != nil {
		return fmt.Errorf("failed to finish download: %w", err)
	}
	return nil
}

// GetDownload retrieves a download row by transaction id.
func (r *Repository) GetDownload(ctx context.Context, transactionID string) (*DownloadRecord, error) {
	ctx, cancel := r.db.opContext(ctx)
	defer cancel()

	d := &DownloadRecord{}
	err := r.db.Pool.QueryRowContext(ctx, `
		SELECT id, transaction_id, file_path, ip_address, status, file_size, started_at, finished_at
		FROM download WHERE transaction_id = ?
	`, transactionID).Scan(
		&d.ID, &d.TransactionID, &d.FilePath, &d.IPAddress,
		&d.Status, &d.FileSize, &d.StartedAt, &d.FinishedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get download: %w", err)
	}
	return d, nil
}

// DownloadStats returns the aggregate download counters.
func (r *Repository) DownloadStats(ctx context.Context) (*DownloadStats, error) {
	ctx, cancel := r.db.opContext(ctx)
	defer cancel()

	stats := &DownloadStats{}
	err := r.db.Pool.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(file_size), 0),
			COUNT(*) FILTER (WHERE status = ?),
			AVG(finished_at - started_at) FILTER (WHERE finished_at IS NOT NULL)
		FROM download
	`, DownloadCompleted).Scan(
		&stats.TotalDownloads,
		&stats.TotalSize,
		&stats.CompletedDownloads,
		&stats.AverageDownloadTime,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get download stats: %w", err)
	}

	if stats.TotalDownloads > 0 {
		stats.SuccessRate = float64(stats.CompletedDownloads) / float64(stats.TotalDownloads) * 100.0
	}
	return stats, nil
}

// periodFormats maps the by-period bucket names to strftime formats.
var periodFormats = map[string]string{
	"day":   "%Y-%m-%d",
	"week":  "%Y-W%W",
	"month": "%Y-%m",
}

// DownloadsByPeriod buckets downloads by started_at. Unknown periods fall
// back to day.
func (r *Repository) DownloadsByPeriod(ctx context.Context, period string, limit int64) ([]PeriodBucket, error) {
	ctx, cancel := r.db.opContext(ctx)
	defer cancel()

	format, ok := periodFormats[period]
	if !ok {
		format = periodFormats["day"]
	}

	rows, err := r.db.Pool.QueryContext(ctx, `
		SELECT strftime(?, datetime(started_at, 'unixepoch')) AS date,
		       COUNT(*) AS count,
		       COALESCE(SUM(file_size), 0) AS size
		FROM download
		GROUP BY date
		ORDER BY date DESC
		LIMIT ?
	`, format, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query downloads by period: %w", err)
	}
	defer rows.Close()

	var buckets []PeriodBucket
	for rows.Next() {
		var b PeriodBucket
		if err := rows.Scan(&b.Date, &b.Count, &b.Size); err != nil {
			return nil, fmt.Errorf("failed to scan period bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// RecentDownloads lists download rows newest first.
func (r *Repository) RecentDownloads(ctx context.Context, limit, offset int64) ([]DownloadRecord, error) {
	ctx, cancel := r.db.opContext(ctx)
	defer cancel()

	rows, err := r.db.Pool.QueryContext(ctx, `
		SELECT id, transaction_id, file_path, ip_address, status, file_size, started_at, finished_at
		FROM download
		ORDER BY finished_at DESC NULLS LAST, started_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent downloads: %w", err)
	}
	defer rows.Close()

	var downloads []DownloadRecord
	for rows.Next() {
		var d DownloadRecord
		if err := rows.Scan(
			&d.ID, &d.TransactionID, &d.FilePath, &d.IPAddress,
			&d.Status, &d.FileSize, &d.StartedAt, &d.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan download: %w", err)
		}
		downloads = append(downloads, d)
	}
	return downloads, rows.Err()
}

// StatusDistribution counts downloads per status with percentages.
func (r *Repository) StatusDistribution(ctx context.Context) ([]StatusCount, error) {
	ctx, cancel := r.db.opContext(ctx)
	defer cancel()

	var total int64
	if err := r.db.Pool.QueryRowContext(ctx, "SELECT COUNT(*) FROM download").Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count downloads: %w", err)
	}

	rows, err := r.db.Pool.QueryContext(ctx, `
		SELECT status, COUNT(*) AS count FROM download
		GROUP BY status ORDER BY count DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query status distribution: %w", err)
	}
	defer rows.Close()

	var counts []StatusCount
	for rows.Next() {
		var c StatusCount
		if err := rows.Scan(&c.Status, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		if total > 0 {
			c.Percentage = float64(c.Count) / float64(total) * 100.0
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}
