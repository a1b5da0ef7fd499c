package models

import (
	"time"
)

// JobStatus enumerates render job lifecycle states persisted in Postgres.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobRunning, JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Engine identifies a render engine variant.
type Engine string

const (
	EngineMaya   Engine = "maya"
	EngineUnreal Engine = "ue"
)

// Valid reports whether e names a supported engine.
func (e Engine) Valid() bool {
	return e == EngineMaya || e == EngineUnreal
}

// ProjectExtensions lists the scene file extensions the engine opens.
func (e Engine) ProjectExtensions() []string {
	switch e {
	case EngineMaya:
		return []string{".ma", ".mb"}
	case EngineUnreal:
		return []string{".uproject"}
	}
	return nil
}

// Source describes where the project input comes from. Exactly one field is set.
type Source struct {
	RemoteRef string `json:"remote_ref,omitempty"`
	LocalPath string `json:"local_path,omitempty"`
}

// IsRemote reports whether the source is fetched from the blob store.
func (s Source) IsRemote() bool { return s.RemoteRef != "" }

// Valid reports whether exactly one of the source fields is set.
func (s Source) Valid() bool {
	return (s.RemoteRef == "") != (s.LocalPath == "")
}

// Workspace holds the paths resolved by workspace preparation.
type Workspace struct {
	ProjectFile string `json:"project_file"`
	Dir         string `json:"workspace_dir"`
	OutputDir   string `json:"output_dir"`
}

// RenderJob represents one submitted rendering request.
type RenderJob struct {
	ID              string         `json:"id"`
	Owner           string         `json:"owner"`
	Source          Source         `json:"source"`
	Compressed      bool           `json:"compressed"`
	Engine          Engine         `json:"engine"`
	EngineConfig    map[string]any `json:"engine_config"`
	Priority        int            `json:"priority"`
	Lane            string         `json:"lane"`
	Status          JobStatus      `json:"status"`
	TotalFrames     int            `json:"total_frames"`
	CompletedFrames int            `json:"completed_frames"`
	ProjectFile     *string        `json:"project_file,omitempty"`
	WorkspaceDir    *string        `json:"workspace_dir,omitempty"`
	OutputDir       *string        `json:"output_dir,omitempty"`
	RetryCount      int            `json:"retry_count"`
	MaxRetries      int            `json:"max_retries"`
	ExecutionHandle *string        `json:"execution_handle,omitempty"`
	ErrorMessage    *string        `json:"error_message,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
}

// Workspace returns the stored workspace paths, if preparation already ran.
func (j RenderJob) Workspace() (Workspace, bool) {
	if j.ProjectFile == nil || j.WorkspaceDir == nil || j.OutputDir == nil {
		return Workspace{}, false
	}
	return Workspace{ProjectFile: *j.ProjectFile, Dir: *j.WorkspaceDir, OutputDir: *j.OutputDir}, true
}

// Progress returns the completed share of frames as a percentage.
func (j RenderJob) Progress() float64 {
	if j.TotalFrames == 0 {
		return 0
	}
	return float64(j.CompletedFrames) / float64(j.TotalFrames) * 100
}

// Degraded is true for a job reported completed although some frames failed.
func (j RenderJob) Degraded() bool {
	return j.Status == JobCompleted && j.CompletedFrames < j.TotalFrames
}

// ErrAllFramesFailed is the job error message when no frame rendered.
const ErrAllFramesFailed = "all frames failed"

// ResolveTerminal derives the job outcome from the number of completed frames.
// Partial success is reported as completed; callers use Degraded to tell it apart.
func ResolveTerminal(completed, total int) (JobStatus, string) {
	if completed > 0 {
		return JobCompleted, ""
	}
	return JobFailed, ErrAllFramesFailed
}
