package models

import "time"

// FrameStatus enumerates per-frame states.
type FrameStatus string

const (
	FramePending   FrameStatus = "pending"
	FrameRendering FrameStatus = "rendering"
	FrameCompleted FrameStatus = "completed"
	FrameFailed    FrameStatus = "failed"
)

// Valid reports whether s is a known frame status.
func (s FrameStatus) Valid() bool {
	switch s {
	case FramePending, FrameRendering, FrameCompleted, FrameFailed:
		return true
	}
	return false
}

// Frame failure reasons written by the orchestrator and the cancel path.
const (
	ReasonJobCancelled = "job cancelled"
	ReasonWorkerLost   = "worker lost during render"
)

// RenderFrame is one unit of rendering work within a job.
type RenderFrame struct {
	ID             int64         `json:"id"`
	JobID          string        `json:"job_id"`
	FrameNumber    int           `json:"frame_number"`
	Status         FrameStatus   `json:"status"`
	OutputPath     *string       `json:"output_path,omitempty"`
	ThumbnailPath  *string       `json:"thumbnail_path,omitempty"`
	RenderDuration time.Duration `json:"render_duration"`
	Stdout         string        `json:"-"`
	Stderr         string        `json:"-"`
	ErrorMessage   *string       `json:"error_message,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// FrameResult carries the outcome of one dispatch for persistence.
type FrameResult struct {
	OutputPath string
	Duration   time.Duration
	Stdout     string
	Stderr     string
}
