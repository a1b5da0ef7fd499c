// Package thumbnail builds preview images for completed frames off the render path.
package thumbnail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gosimple/slug"

	"render-scheduler/internal/blob"
	"render-scheduler/internal/logger"
	"render-scheduler/internal/models"
	"render-scheduler/internal/telemetry"
)

// ErrSourceMissing means the frame artifact is not (yet) on disk.
var ErrSourceMissing = errors.New("thumbnail source missing")

// Generator scales an image down to fit a square box and writes it as JPEG.
type Generator struct {
	Size int
}

// Generate writes a thumbnail of src to dst.
func (g Generator) Generate(src, dst string) error {
	size := g.Size
	if size <= 0 {
		size = 200
	}
	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrSourceMissing, src)
		}
		return fmt.Errorf("open image: %w", err)
	}
	thumb := imaging.Fit(img, size, size, imaging.Lanczos)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create thumbnail dir: %w", err)
	}
	if err := imaging.Save(thumb, dst, imaging.JPEGQuality(85)); err != nil {
		return fmt.Errorf("save thumbnail: %w", err)
	}
	return nil
}

// FrameSource is the slice of the store the sidecar needs.
type FrameSource interface {
	GetFrameByID(ctx context.Context, id int64) (models.RenderFrame, error)
	SetFrameThumbnail(ctx context.Context, jobID string, frame int, path string) error
}

// Policy bounds retries per failure class.
type Policy struct {
	MissingRetries int
	MissingDelay   time.Duration
	OtherRetries   int
	OtherDelay     time.Duration
}

// DefaultPolicy retries a missing artifact 3 times 5s apart and other failures 3 times 10s apart.
var DefaultPolicy = Policy{MissingRetries: 3, MissingDelay: 5 * time.Second, OtherRetries: 3, OtherDelay: 10 * time.Second}

// Sidecar generates thumbnails asynchronously. Its failures never reach frame or job state.
type Sidecar struct {
	frames FrameSource
	gen    Generator
	dir    string
	policy Policy

	mirror       blob.Store
	mirrorPrefix string

	log *logger.Logger
	ctx context.Context
	wg  sync.WaitGroup
}

// Option customizes a Sidecar.
type Option func(*Sidecar)

// WithMirror uploads every thumbnail to store under prefix as well.
func WithMirror(store blob.Store, prefix string) Option {
	return func(s *Sidecar) {
		s.mirror = store
		s.mirrorPrefix = prefix
	}
}

// WithPolicy overrides the retry policy.
func WithPolicy(p Policy) Option {
	return func(s *Sidecar) { s.policy = p }
}

// NewSidecar builds a sidecar writing under dir. ctx bounds all background work.
func NewSidecar(ctx context.Context, frames FrameSource, gen Generator, dir string, log *logger.Logger, opts ...Option) *Sidecar {
	if log == nil {
		log = logger.Nop()
	}
	s := &Sidecar{
		frames: frames,
		gen:    gen,
		dir:    dir,
		policy: DefaultPolicy,
		log:    log.WithComponent("thumbnail"),
		ctx:    ctx,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path is where the thumbnail for a frame's artifact lives. Frames render into
// separate directories and may share a basename, so the frame number is part
// of the name.
func (s *Sidecar) Path(owner, jobID string, frame int, artifact string) string {
	stem := strings.TrimSuffix(filepath.Base(artifact), filepath.Ext(artifact))
	ownerDir := slug.Make(owner)
	if ownerDir == "" {
		ownerDir = "anonymous"
	}
	return filepath.Join(s.dir, ownerDir, jobID, fmt.Sprintf("thumb_%04d_%s.jpg", frame, stem))
}

// OnFrameCompleted schedules thumbnail generation and returns immediately.
func (s *Sidecar) OnFrameCompleted(frameID int64, owner, jobID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.run(frameID, owner, jobID); err != nil {
			telemetry.ThumbnailOutcomes.WithLabelValues("failed").Inc()
			s.log.Warn("thumbnail generation gave up", "job_id", jobID, "frame_id", frameID, "error", err)
			return
		}
		telemetry.ThumbnailOutcomes.WithLabelValues("generated").Inc()
	}()
}

// Wait blocks until every scheduled thumbnail finished or gave up.
func (s *Sidecar) Wait() {
	s.wg.Wait()
}

func (s *Sidecar) run(frameID int64, owner, jobID string) error {
	missing, other := 0, 0
	for {
		err := s.attempt(frameID, owner, jobID)
		if err == nil {
			return nil
		}
		var delay time.Duration
		if errors.Is(err, ErrSourceMissing) {
			if missing >= s.policy.MissingRetries {
				return err
			}
			missing++
			delay = s.policy.MissingDelay
		} else {
			if other >= s.policy.OtherRetries {
				return err
			}
			other++
			delay = s.policy.OtherDelay
		}
		s.log.Debug("thumbnail attempt failed, retrying", "job_id", jobID, "frame_id", frameID, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return s.ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Sidecar) attempt(frameID int64, owner, jobID string) error {
	frame, err := s.frames.GetFrameByID(s.ctx, frameID)
	if err != nil {
		return fmt.Errorf("load frame: %w", err)
	}
	if frame.OutputPath == nil || *frame.OutputPath == "" {
		return fmt.Errorf("%w: frame %d has no artifact", ErrSourceMissing, frame.FrameNumber)
	}
	dst := s.Path(owner, jobID, frame.FrameNumber, *frame.OutputPath)
	if err := s.gen.Generate(*frame.OutputPath, dst); err != nil {
		return err
	}

	location := dst
	if s.mirror != nil {
		data, err := os.ReadFile(dst)
		if err != nil {
			return fmt.Errorf("read thumbnail: %w", err)
		}
		rel, _ := filepath.Rel(s.dir, dst)
		key := filepath.ToSlash(filepath.Join(s.mirrorPrefix, rel))
		if _, err := s.mirror.Put(s.ctx, key, bytes.NewReader(data), "image/jpeg"); err != nil {
			// local copy is still usable
			s.log.Warn("thumbnail mirror upload failed", "job_id", jobID, "key", key, "error", err)
		}
	}
	return s.frames.SetFrameThumbnail(s.ctx, frame.JobID, frame.FrameNumber, location)
}
