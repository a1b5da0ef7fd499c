package queue

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind distinguishes the unit of work carried by a queue entry.
type Kind string

const (
	KindJob   Kind = "job"
	KindFrame Kind = "frame"
)

// Task is a queue entry: either a whole render job or a single frame retry.
type Task struct {
	Kind  Kind
	JobID string
	Frame int
}

// JobTask addresses a full job run.
func JobTask(jobID string) Task {
	return Task{Kind: KindJob, JobID: jobID}
}

// FrameTask addresses a retry of one frame.
func FrameTask(jobID string, frame int) Task {
	return Task{Kind: KindFrame, JobID: jobID, Frame: frame}
}

// String encodes the task as stored in Redis: job:<id> or frame:<id>:<n>.
func (t Task) String() string {
	if t.Kind == KindFrame {
		return fmt.Sprintf("frame:%s:%d", t.JobID, t.Frame)
	}
	return "job:" + t.JobID
}

// ParseTask decodes a Redis queue member.
func ParseTask(raw string) (Task, error) {
	parts := strings.Split(raw, ":")
	switch {
	case len(parts) == 2 && parts[0] == string(KindJob) && parts[1] != "":
		return JobTask(parts[1]), nil
	case len(parts) == 3 && parts[0] == string(KindFrame) && parts[1] != "":
		n, err := strconv.Atoi(parts[2])
		if err != nil || n < 1 {
			return Task{}, fmt.Errorf("invalid frame number in task %q", raw)
		}
		return FrameTask(parts[1], n), nil
	}
	return Task{}, fmt.Errorf("malformed task %q", raw)
}
