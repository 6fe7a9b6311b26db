package database

// Download statuses. Lowercase on the wire and in the store.
const (
	DownloadStarted    = "started"
	DownloadInProgress = "in_progress"
	DownloadCompleted  = "completed"
	DownloadFailed     = "failed"
)

// Task statuses. Capitalised on the wire and in the store.
const (
	TaskPending   = "Pending"
	TaskRunning   = "Running"
	TaskCompleted = "Completed"
	TaskFailed    = "Failed"
)

// ShareNeverExpires is the expiration sentinel for shares without a deadline.
const ShareNeverExpires int64 = -1

// PersistedFile is a row in the files table. Rows may outlive the on-disk
// file; downloads check filesystem existence at stream time.
type PersistedFile struct {
	ID       int64
	Path     string
	SHA256   *string
	FileSize int64
	Info     *string
}

// ShareLink groups an ordered set of persisted files behind an opaque token.
type ShareLink struct {
	ID         string
	Expiration int64 // unix seconds, ShareNeverExpires for none
	CreatedAt  int64
}

// DownloadRecord is one logical download attempt, possibly spanning several
// range requests under the same transaction id.
type DownloadRecord struct {
	ID            int64   `json:"id"`
	TransactionID string  `json:"transaction_id"`
	FilePath      string  `json:"file_path"`
	IPAddress     string  `json:"ip_address"`
	Status        string  `json:"status"`
	FileSize      *int64  `json:"file_size"`
	StartedAt     int64   `json:"started_at"`
	FinishedAt    *int64  `json:"finished_at"`
}

// Task is a durably persisted unit of background work.
type Task struct {
	ID         string
	TaskType   string
	Status     string
	InputData  string
	OutputData *string
	Progress   int
	Error      *string
	CreatedAt  int64
	StartedAt  *int64
	FinishedAt *int64
}

// AdminUser is a local identity row keyed by federated subject id.
// Authorization is binary: row exists means admin.
type AdminUser struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	GoogleID  string `json:"google_id"`
	CreatedAt int64  `json:"created_at"`
}

// DownloadStats holds the aggregate download counters.
type DownloadStats struct {
	TotalDownloads      int64    `json:"total_downloads"`
	TotalSize           int64    `json:"total_size"`
	CompletedDownloads  int64    `json:"completed_downloads"`
	AverageDownloadTime *float64 `json:"average_download_time"`
	SuccessRate         float64  `json:"success_rate"`
}

// PeriodBucket is one row of the per-period download aggregate.
type PeriodBucket struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
	Size  int64  `json:"size"`
}

// StatusCount is one row of the status distribution aggregate.
type StatusCount struct {
	Status     string  `json:"status"`
	Count      int64   `json:"count"`
	Percentage float64 `json:"percentage"`
}
