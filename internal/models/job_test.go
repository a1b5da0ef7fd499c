package models

import "testing"

func TestResolveTerminal(t *testing.T) {
	cases := []struct {
		name      string
		completed int
		total     int
		status    JobStatus
		msg       string
	}{
		{"all frames", 5, 5, JobCompleted, ""},
		{"partial success", 2, 5, JobCompleted, ""},
		{"nothing rendered", 0, 3, JobFailed, ErrAllFramesFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, msg := ResolveTerminal(tc.completed, tc.total)
			if status != tc.status || msg != tc.msg {
				t.Fatalf("ResolveTerminal(%d,%d) = %s %q", tc.completed, tc.total, status, msg)
			}
		})
	}
}

func TestDegradedAndProgress(t *testing.T) {
	job := RenderJob{Status: JobCompleted, TotalFrames: 4, CompletedFrames: 1}
	if !job.Degraded() {
		t.Fatalf("partial completion must be degraded")
	}
	if job.Progress() != 25 {
		t.Fatalf("expected 25%%, got %v", job.Progress())
	}
	job.CompletedFrames = 4
	if job.Degraded() {
		t.Fatalf("full completion must not be degraded")
	}
}

func TestSourceValid(t *testing.T) {
	if (Source{}).Valid() {
		t.Fatalf("empty source must be invalid")
	}
	if (Source{RemoteRef: "a", LocalPath: "b"}).Valid() {
		t.Fatalf("both sources set must be invalid")
	}
	if !(Source{RemoteRef: "projects/a.zip"}).Valid() || !(Source{LocalPath: "/tmp/a.ma"}).Valid() {
		t.Fatalf("single source must be valid")
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []JobStatus{JobCompleted, JobFailed, JobCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []JobStatus{JobPending, JobRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
