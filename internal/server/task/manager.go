// Package task runs durable background jobs off the request path. The only
// job type today builds 7z archives from indexed files.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"hardwire/internal/server/apperr"
	"hardwire/internal/server/database"
)

// TypeCreateArchive is the discriminator for archive-build jobs.
const TypeCreateArchive = "CreateArchive"

// queueCapacity bounds the in-memory work queue. Tasks are durable in the
// store regardless; the queue only feeds the worker.
const queueCapacity = 32

// Input is the tagged union of task parameters. The discriminator is kept
// on the wire so task kinds can be added without breaking compatibility.
type Input struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ArchiveInput parameterises a CreateArchive task. Exactly one of Files or
// Directory must be set.
type ArchiveInput struct {
	Files      []string `json:"files,omitempty"`
	Directory  string   `json:"directory,omitempty"`
	Password   string   `json:"password,omitempty"` // empty means unencrypted
	OutputPath string   `json:"output_path"`
}

// ArchiveOutput is the JSON-encoded result of a completed archive task.
type ArchiveOutput struct {
	ArchivePath string `json:"archive_path"` // relative to the data root
}

// View is the API representation of a task row.
type View struct {
	ID          string  `json:"id"`
	TaskType    string  `json:"task_type"`
	Status      string  `json:"status"`
	Progress    int     `json:"progress"`
	Error       *string `json:"error"`
	ArchivePath *string `json:"archive_path"`
	CreatedAt   int64   `json:"created_at"`
	StartedAt   *int64  `json:"started_at"`
	FinishedAt  *int64  `json:"finished_at"`
}

// Manager accepts jobs, persists their lifecycle, and feeds the worker
// loop. Status transitions hit the store before they become observable
// through Get.
type Manager struct {
	repo     *database.Repository
	dataRoot string
	queue    chan string
	done     chan struct{}
	killJobs context.CancelFunc
}

// NewManager creates a Manager writing archives under dataRoot.
func NewManager(repo *database.Repository, dataRoot string) *Manager {
	return &Manager{
		repo:     repo,
		dataRoot: dataRoot,
		queue:    make(chan string, queueCapacity),
		done:     make(chan struct{}),
	}
}

// ReconcileInterrupted marks tasks left unfinished by a previous process as
// Failed. Called once at boot, before the worker starts.
func (m *Manager) ReconcileInterrupted(ctx context.Context) error {
	n, err := m.repo.FailUnfinishedTasks(ctx, "interrupted", time.Now().Unix())
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Warn("marked interrupted tasks failed", "count", n)
	}
	return nil
}

// Create validates the input, persists the task in Pending state, and
// enqueues it for the worker.
func (m *Manager) Create(ctx context.Context, input Input) (string, error) {
	if input.Type != TypeCreateArchive {
		return "", apperr.Validation(fmt.Sprintf("unknown task type %q", input.Type))
	}

	var archiveInput ArchiveInput
	if err := json.Unmarshal(input.Data, &archiveInput); err != nil {
		return "", apperr.Validation("malformed task data")
	}
	if err := m.validateArchiveInput(&archiveInput); err != nil {
		return "", err
	}

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return "", apperr.Internal(err)
	}

	taskID := uuid.NewString()
	t := &database.Task{
		ID:        taskID,
		TaskType:  input.Type,
		InputData: string(inputJSON),
		CreatedAt: time.Now().Unix(),
	}
	if err := m.repo.CreateTask(ctx, t); err != nil {
		return "", apperr.Database(err)
	}

	select {
	case m.queue <- taskID:
	default:
		// The row stays Pending; boot reconciliation would catch it, but
		// the caller should know the queue is saturated now.
		return "", apperr.Internal(errors.New("task queue is full"))
	}

	slog.Info("task created", "task_id", taskID, "type", input.Type)
	return taskID, nil
}

func (m *Manager) validateArchiveInput(in *ArchiveInput) error {
	hasFiles := len(in.Files) > 0
	hasDir := in.Directory != ""
	if hasFiles == hasDir {
		return apperr.Validation("exactly one of files or directory must be provided")
	}
	if in.OutputPath == "" {
		return apperr.Validation("output_path is required")
	}
	// Reject traversal up front; the builder re-checks after resolution.
	if _, err := resolveUnderRoot(m.dataRoot, in.OutputPath); err != nil {
		return err
	}
	return nil
}

// Get returns the API view of a task.
func (m *Manager) Get(ctx context.Context, taskID string) (*View, error) {
	t, err := m.repo.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, database.ErrTaskNotFound) {
			return nil, apperr.TaskNotFound(taskID)
		}
		return nil, apperr.Database(err)
	}

	view := &View{
		ID:         t.ID,
		TaskType:   t.TaskType,
		Status:     t.Status,
		Progress:   t.Progress,
		Error:      t.Error,
		CreatedAt:  t.CreatedAt,
		StartedAt:  t.StartedAt,
		FinishedAt: t.FinishedAt,
	}
	if t.OutputData != nil {
		var out ArchiveOutput
		if err := json.Unmarshal([]byte(*t.OutputData), &out); err == nil && out.ArchivePath != "" {
			view.ArchivePath = &out.ArchivePath
		}
	}
	return view, nil
}

// ArchiveAbsPath resolves a completed task's artifact to an absolute path
// under the data root.
func (m *Manager) ArchiveAbsPath(ctx context.Context, taskID string) (string, error) {
	view, err := m.Get(ctx, taskID)
	if err != nil {
		return "", err
	}
	if view.Status != database.TaskCompleted {
		return "", apperr.Validation("task is not completed")
	}
	if view.ArchivePath == nil {
		return "", apperr.Internal(errors.New("completed task has no archive path"))
	}
	return resolveUnderRoot(m.dataRoot, *view.ArchivePath)
}

// Start launches the worker loop. Archive building is CPU-heavy, so the
// default concurrency is one worker. Cancelling ctx stops the loop from
// dequeuing but does not kill an in-flight job: the job keeps its own
// context so Shutdown can grant it the grace period first.
func (m *Manager) Start(ctx context.Context) {
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.killJobs = cancel
	go func() {
		defer close(m.done)
		for {
			select {
			case taskID := <-m.queue:
				m.process(jobCtx, taskID)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Shutdown waits for the worker to drain up to the grace period, then kills
// any still-running job and marks whatever is unfinished as Failed with
// reason "shutdown".
func (m *Manager) Shutdown(ctx context.Context, grace time.Duration) {
	select {
	case <-m.done:
	case <-time.After(grace):
		slog.Warn("task worker did not finish within grace period")
	}
	if m.killJobs != nil {
		m.killJobs()
	}
	if _, err := m.repo.FailUnfinishedTasks(ctx, "shutdown", time.Now().Unix()); err != nil {
		slog.Error("failed to mark in-flight tasks failed at shutdown", "error", err)
	}
}

func (m *Manager) process(ctx context.Context, taskID string) {
	if err := m.run(ctx, taskID); err != nil {
		slog.Error("task failed", "task_id", taskID, "error", err)
		msg := err.Error()
		if uerr := m.repo.UpdateTaskStatus(ctx, taskID, database.TaskFailed, &msg, time.Now().Unix()); uerr != nil {
			slog.Error("failed to record task failure", "task_id", taskID, "error", uerr)
		}
	}
}

func (m *Manager) run(ctx context.Context, taskID string) error {
	if err := m.repo.UpdateTaskStatus(ctx, taskID, database.TaskRunning, nil, time.Now().Unix()); err != nil {
		return err
	}

	t, err := m.repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	var input Input
	if err := json.Unmarshal([]byte(t.InputData), &input); err != nil {
		return fmt.Errorf("malformed stored task input: %w", err)
	}
	var archiveInput ArchiveInput
	if err := json.Unmarshal(input.Data, &archiveInput); err != nil {
		return fmt.Errorf("malformed stored archive input: %w", err)
	}

	started := time.Now()
	relPath, err := m.buildArchive(ctx, taskID, &archiveInput)
	if err != nil {
		return err
	}

	outputJSON, err := json.Marshal(ArchiveOutput{ArchivePath: relPath})
	if err != nil {
		return err
	}
	if err := m.repo.SetTaskOutput(ctx, taskID, string(outputJSON)); err != nil {
		return err
	}
	if err := m.repo.UpdateTaskProgress(ctx, taskID, 100); err != nil {
		return err
	}
	if err := m.repo.UpdateTaskStatus(ctx, taskID, database.TaskCompleted, nil, time.Now().Unix()); err != nil {
		return err
	}

	slog.Info("task completed",
		"task_id", taskID,
		"archive_path", relPath,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return nil
}

// progressThrottle rate-limits task progress writes: at most one commit per
// interval or per percentage-point step, whichever comes first. Progress is
// monotonic; stale lower values are ignored.
type progressThrottle struct {
	interval time.Duration
	last     int
	lastAt   time.Time
	commit   func(int)
}

func newProgressThrottle(interval time.Duration, commit func(int)) *progressThrottle {
	return &progressThrottle{interval: interval, last: -1, commit: commit}
}

func (p *progressThrottle) update(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if percent <= p.last {
		return
	}
	now := time.Now()
	if p.last >= 0 && percent-p.last < 1 && now.Sub(p.lastAt) < p.interval {
		return
	}
	p.last = percent
	p.lastAt = now
	p.commit(percent)
}
