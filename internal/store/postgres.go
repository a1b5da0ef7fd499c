package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"render-scheduler/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

var _ Repository = (*Store)(nil)

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for health endpoints.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, owner, source_remote_ref, source_local_path, compressed, engine, engine_config,
	priority, lane, status, total_frames, completed_frames, project_file, workspace_dir, output_dir,
	retry_count, max_retries, execution_handle, error_message, created_at, updated_at, started_at, finished_at`

const frameColumns = `id, job_id, frame_number, status, output_path, thumbnail_path, render_duration_ms,
	stdout, stderr, error_message, created_at, updated_at`

// CreateJob inserts the job row and its frames 1..TotalFrames in one transaction.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.RenderJob, error) {
	if p.TotalFrames <= 0 {
		return models.RenderJob{}, fmt.Errorf("total frames must be positive, got %d", p.TotalFrames)
	}
	if p.EngineConfig == nil {
		p.EngineConfig = map[string]any{}
	}
	cfgJSON, err := json.Marshal(p.EngineConfig)
	if err != nil {
		return models.RenderJob{}, fmt.Errorf("marshal engine config: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.RenderJob{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO render_jobs (id, owner, source_remote_ref, source_local_path, compressed, engine, engine_config,
			priority, lane, status, total_frames, completed_frames, retry_count, max_retries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, 0, $12, $13, $13)
	`, id, p.Owner, emptyToNil(p.Source.RemoteRef), emptyToNil(p.Source.LocalPath), p.Compressed, string(p.Engine), cfgJSON,
		p.Priority, p.Lane, string(models.JobPending), p.TotalFrames, p.MaxRetries, now)
	if err != nil {
		return models.RenderJob{}, fmt.Errorf("insert job: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO render_frames (job_id, frame_number, status, created_at, updated_at)
		SELECT $1, n, $2, $3, $3 FROM generate_series(1, $4::int) AS n
	`, id, string(models.FramePending), now, p.TotalFrames); err != nil {
		return models.RenderJob{}, fmt.Errorf("insert frames: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.RenderJob{}, fmt.Errorf("commit: %w", err)
	}

	return models.RenderJob{
		ID:           id,
		Owner:        p.Owner,
		Source:       p.Source,
		Compressed:   p.Compressed,
		Engine:       p.Engine,
		EngineConfig: p.EngineConfig,
		Priority:     p.Priority,
		Lane:         p.Lane,
		Status:       models.JobPending,
		TotalFrames:  p.TotalFrames,
		MaxRetries:   p.MaxRetries,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.RenderJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM render_jobs WHERE id = $1`, id)
	return scanJob(row)
}

// ListJobs returns jobs newest first, optionally filtered by owner and status.
func (s *Store) ListJobs(ctx context.Context, p ListJobsParams) ([]models.RenderJob, error) {
	var (
		where []string
		args  []any
	)
	if p.Owner != "" {
		args = append(args, p.Owner)
		where = append(where, fmt.Sprintf("owner = $%d", len(args)))
	}
	if p.Status != "" {
		args = append(args, string(p.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + jobColumns + ` FROM render_jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, defaultLimit(p.Limit), max(p.Offset, 0))
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.RenderJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// StartJob moves a pending job to running and records the execution handle.
func (s *Store) StartJob(ctx context.Context, id, handle string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE render_jobs
		SET status = $2, execution_handle = $3, started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, string(models.JobRunning), handle, string(models.JobPending))
	if err != nil {
		return fmt.Errorf("start job: %w", err)
	}
	return s.jobTransitionResult(ctx, tag, id)
}

// AdoptJob hands a running job to a new execution handle after its previous
// worker was lost.
func (s *Store) AdoptJob(ctx context.Context, id, handle string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE render_jobs
		SET execution_handle = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, handle, string(models.JobRunning))
	if err != nil {
		return fmt.Errorf("adopt job: %w", err)
	}
	return s.jobTransitionResult(ctx, tag, id)
}

// SetWorkspace stores the paths resolved during workspace preparation.
func (s *Store) SetWorkspace(ctx context.Context, id string, ws models.Workspace) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE render_jobs
		SET project_file = $2, workspace_dir = $3, output_dir = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, id, ws.ProjectFile, ws.Dir, ws.OutputDir, string(models.JobRunning))
	if err != nil {
		return fmt.Errorf("set workspace: %w", err)
	}
	return s.jobTransitionResult(ctx, tag, id)
}

// IncrementCompleted bumps completed_frames while the job is still running.
func (s *Store) IncrementCompleted(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE render_jobs
		SET completed_frames = completed_frames + 1, updated_at = NOW()
		WHERE id = $1 AND status = $2 AND completed_frames < total_frames
	`, id, string(models.JobRunning))
	if err != nil {
		return fmt.Errorf("increment completed: %w", err)
	}
	return s.jobTransitionResult(ctx, tag, id)
}

// FinishJob moves a running job to a terminal status.
func (s *Store) FinishJob(ctx context.Context, id string, status models.JobStatus, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("finish job: %s is not terminal", status)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE render_jobs
		SET status = $2, error_message = $3, finished_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, string(status), emptyToNil(errMsg), string(models.JobRunning))
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return s.jobTransitionResult(ctx, tag, id)
}

// CancelJob cancels a pending or running job and returns the updated row.
func (s *Store) CancelJob(ctx context.Context, id string) (models.RenderJob, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE render_jobs
		SET status = $2, finished_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)
		RETURNING `+jobColumns,
		id, string(models.JobCancelled), string(models.JobPending), string(models.JobRunning))
	job, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		if _, getErr := s.GetJob(ctx, id); getErr != nil {
			return models.RenderJob{}, getErr
		}
		return models.RenderJob{}, ErrConflict
	}
	return job, err
}

// RecomputeJob resets completed_frames from the frame table. Jobs that already
// finished as completed or failed get their status re-derived from the new count.
func (s *Store) RecomputeJob(ctx context.Context, id string) (models.RenderJob, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.RenderJob{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		status string
		total  int
	)
	err = tx.QueryRow(ctx, `SELECT status, total_frames FROM render_jobs WHERE id = $1 FOR UPDATE`, id).Scan(&status, &total)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RenderJob{}, ErrNotFound
	}
	if err != nil {
		return models.RenderJob{}, fmt.Errorf("lock job: %w", err)
	}

	var completed int
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM render_frames WHERE job_id = $1 AND status = $2
	`, id, string(models.FrameCompleted)).Scan(&completed); err != nil {
		return models.RenderJob{}, fmt.Errorf("count completed frames: %w", err)
	}

	next := models.JobStatus(status)
	var errMsg *string
	if next == models.JobCompleted || next == models.JobFailed {
		resolved, msg := models.ResolveTerminal(completed, total)
		next = resolved
		errMsg = emptyToNil(msg)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE render_jobs
		SET completed_frames = $2, status = $3,
			error_message = CASE WHEN $3 IN ('completed', 'failed') THEN $4 ELSE error_message END,
			updated_at = NOW()
		WHERE id = $1
	`, id, completed, string(next), errMsg); err != nil {
		return models.RenderJob{}, fmt.Errorf("recompute job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.RenderJob{}, fmt.Errorf("commit: %w", err)
	}
	return s.GetJob(ctx, id)
}

// IncrementRetry bumps retry_count and returns the new value.
func (s *Store) IncrementRetry(ctx context.Context, id string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		UPDATE render_jobs SET retry_count = retry_count + 1, updated_at = NOW()
		WHERE id = $1 RETURNING retry_count
	`, id).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment retry: %w", err)
	}
	return n, nil
}

// ListFrames returns a job's frames ordered by frame number.
func (s *Store) ListFrames(ctx context.Context, jobID string) ([]models.RenderFrame, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+frameColumns+` FROM render_frames WHERE job_id = $1 ORDER BY frame_number
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list frames: %w", err)
	}
	defer rows.Close()

	var frames []models.RenderFrame
	for rows.Next() {
		f, err := scanFrame(rows)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

// GetFrame fetches a frame by job and frame number.
func (s *Store) GetFrame(ctx context.Context, jobID string, frame int) (models.RenderFrame, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+frameColumns+` FROM render_frames WHERE job_id = $1 AND frame_number = $2
	`, jobID, frame)
	return scanFrame(row)
}

// GetFrameByID fetches a frame by its surrogate id.
func (s *Store) GetFrameByID(ctx context.Context, id int64) (models.RenderFrame, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+frameColumns+` FROM render_frames WHERE id = $1`, id)
	return scanFrame(row)
}

// MarkFrameRendering moves a pending frame to rendering.
func (s *Store) MarkFrameRendering(ctx context.Context, jobID string, frame int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE render_frames SET status = $3, updated_at = NOW()
		WHERE job_id = $1 AND frame_number = $2 AND status = $4
	`, jobID, frame, string(models.FrameRendering), string(models.FramePending))
	if err != nil {
		return fmt.Errorf("mark frame rendering: %w", err)
	}
	return s.frameTransitionResult(ctx, tag, jobID, frame)
}

// ResetFrameForRetry moves a finished frame back to rendering and clears its previous outcome.
func (s *Store) ResetFrameForRetry(ctx context.Context, jobID string, frame int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE render_frames
		SET status = $3, error_message = NULL, output_path = NULL, thumbnail_path = NULL, updated_at = NOW()
		WHERE job_id = $1 AND frame_number = $2 AND status IN ($4, $5)
	`, jobID, frame, string(models.FrameRendering), string(models.FrameFailed), string(models.FrameCompleted))
	if err != nil {
		return fmt.Errorf("reset frame: %w", err)
	}
	return s.frameTransitionResult(ctx, tag, jobID, frame)
}

// CompleteFrame records a successful render.
func (s *Store) CompleteFrame(ctx context.Context, jobID string, frame int, res models.FrameResult) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE render_frames
		SET status = $3, output_path = $4, render_duration_ms = $5, stdout = $6, stderr = $7,
			error_message = NULL, updated_at = NOW()
		WHERE job_id = $1 AND frame_number = $2 AND status = $8
	`, jobID, frame, string(models.FrameCompleted), res.OutputPath, res.Duration.Milliseconds(), res.Stdout, res.Stderr,
		string(models.FrameRendering))
	if err != nil {
		return fmt.Errorf("complete frame: %w", err)
	}
	return s.frameTransitionResult(ctx, tag, jobID, frame)
}

// FailFrame records a failed render.
func (s *Store) FailFrame(ctx context.Context, jobID string, frame int, errMsg string, res models.FrameResult) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE render_frames
		SET status = $3, error_message = $4, render_duration_ms = $5, stdout = $6, stderr = $7, updated_at = NOW()
		WHERE job_id = $1 AND frame_number = $2 AND status = $8
	`, jobID, frame, string(models.FrameFailed), errMsg, res.Duration.Milliseconds(), res.Stdout, res.Stderr,
		string(models.FrameRendering))
	if err != nil {
		return fmt.Errorf("fail frame: %w", err)
	}
	return s.frameTransitionResult(ctx, tag, jobID, frame)
}

// FailOpenFrames marks every frame in one of the given statuses as failed and returns how many changed.
func (s *Store) FailOpenFrames(ctx context.Context, jobID string, statuses []models.FrameStatus, errMsg string) (int, error) {
	raw := make([]string, 0, len(statuses))
	for _, st := range statuses {
		raw = append(raw, string(st))
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE render_frames SET status = $2, error_message = $3, updated_at = NOW()
		WHERE job_id = $1 AND status = ANY($4)
	`, jobID, string(models.FrameFailed), errMsg, raw)
	if err != nil {
		return 0, fmt.Errorf("fail open frames: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountFrames counts a job's frames in the given status.
func (s *Store) CountFrames(ctx context.Context, jobID string, status models.FrameStatus) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM render_frames WHERE job_id = $1 AND status = $2
	`, jobID, string(status)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count frames: %w", err)
	}
	return n, nil
}

// SetFrameThumbnail stores the thumbnail location of a frame.
func (s *Store) SetFrameThumbnail(ctx context.Context, jobID string, frame int, path string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE render_frames SET thumbnail_path = $3, updated_at = NOW()
		WHERE job_id = $1 AND frame_number = $2
	`, jobID, frame, path)
	if err != nil {
		return fmt.Errorf("set thumbnail: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type commandTag interface {
	RowsAffected() int64
}

func (s *Store) jobTransitionResult(ctx context.Context, tag commandTag, id string) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM render_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func (s *Store) frameTransitionResult(ctx context.Context, tag commandTag, jobID string, frame int) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM render_frames WHERE job_id = $1 AND frame_number = $2)
	`, jobID, frame).Scan(&exists); err != nil {
		return fmt.Errorf("check frame: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func scanJob(row pgx.Row) (models.RenderJob, error) {
	var (
		job                                  models.RenderJob
		remote, local                        pgtype.Text
		engine, status                       string
		cfgJSON                              []byte
		projectFile, workspaceDir, outputDir pgtype.Text
		handle, errMsg                       pgtype.Text
		startedAt, finishedAt                pgtype.Timestamptz
	)
	if err := row.Scan(&job.ID, &job.Owner, &remote, &local, &job.Compressed, &engine, &cfgJSON,
		&job.Priority, &job.Lane, &status, &job.TotalFrames, &job.CompletedFrames, &projectFile, &workspaceDir, &outputDir,
		&job.RetryCount, &job.MaxRetries, &handle, &errMsg, &job.CreatedAt, &job.UpdatedAt, &startedAt, &finishedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.RenderJob{}, ErrNotFound
		}
		return models.RenderJob{}, fmt.Errorf("scan job: %w", err)
	}
	if len(cfgJSON) > 0 {
		if err := json.Unmarshal(cfgJSON, &job.EngineConfig); err != nil {
			return models.RenderJob{}, fmt.Errorf("unmarshal engine config: %w", err)
		}
	}
	job.Source = models.Source{RemoteRef: remote.String, LocalPath: local.String}
	job.Engine = models.Engine(engine)
	job.Status = models.JobStatus(status)
	job.ProjectFile = textPtr(projectFile)
	job.WorkspaceDir = textPtr(workspaceDir)
	job.OutputDir = textPtr(outputDir)
	job.ExecutionHandle = textPtr(handle)
	job.ErrorMessage = textPtr(errMsg)
	job.StartedAt = timePtr(startedAt)
	job.FinishedAt = timePtr(finishedAt)
	return job, nil
}

func scanFrame(row pgx.Row) (models.RenderFrame, error) {
	var (
		f                     models.RenderFrame
		status                string
		output, thumb, errMsg pgtype.Text
		durationMs            int64
	)
	if err := row.Scan(&f.ID, &f.JobID, &f.FrameNumber, &status, &output, &thumb, &durationMs,
		&f.Stdout, &f.Stderr, &errMsg, &f.CreatedAt, &f.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.RenderFrame{}, ErrNotFound
		}
		return models.RenderFrame{}, fmt.Errorf("scan frame: %w", err)
	}
	f.Status = models.FrameStatus(status)
	f.OutputPath = textPtr(output)
	f.ThumbnailPath = textPtr(thumb)
	f.ErrorMessage = textPtr(errMsg)
	f.RenderDuration = time.Duration(durationMs) * time.Millisecond
	return f, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
