// Package render runs one frame of a scene through an external render engine
// and locates the produced image.
package render

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"render-scheduler/internal/models"
)

var (
	ErrArtifactNotFound = errors.New("render artifact not found")
	ErrUnknownEngine    = errors.New("unknown render engine")
)

// ImageExtensions are accepted when falling back to a directory scan.
var ImageExtensions = []string{".png", ".jpg", ".jpeg", ".exr", ".tif", ".tiff", ".bmp", ".gif"}

// Request describes one frame to render.
type Request struct {
	JobID       string
	Frame       int
	ProjectFile string
	OutputDir   string
	Config      map[string]any
}

// Result is what a dispatch produced. Logs and duration are filled even on failure.
type Result struct {
	OutputPath string
	Duration   time.Duration
	Stdout     string
	Stderr     string
}

// Renderer renders a single frame.
type Renderer interface {
	Render(ctx context.Context, req Request) (Result, error)
}

// FrameOutputDir is the per-frame output directory under the job's output root.
func FrameOutputDir(outputRoot string, frame int) string {
	return filepath.Join(outputRoot, fmt.Sprintf("frame_%04d", frame))
}

type argBuilder func(cfg EngineConfig, req Request, frameDir string) []string

type commandRenderer struct {
	engine     models.Engine
	executable string
	runner     Runner
	written    *regexp.Regexp
	build      argBuilder
}

func (r *commandRenderer) Render(ctx context.Context, req Request) (Result, error) {
	cfg, err := DecodeConfig(r.engine, req.Config)
	if err != nil {
		return Result{}, err
	}
	frameDir := FrameOutputDir(req.OutputDir, req.Frame)
	if err := os.MkdirAll(frameDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create frame output dir: %w", err)
	}

	args := r.build(cfg, req, frameDir)
	start := time.Now()
	stdout, stderr, err := r.runner.Run(ctx, r.executable, args, filepath.Dir(req.ProjectFile))
	res := Result{Duration: time.Since(start), Stdout: stdout, Stderr: stderr}
	if err != nil {
		return res, err
	}

	path, err := discoverArtifact(stdout, r.written, frameDir)
	if err != nil {
		return res, fmt.Errorf("frame %d: %w", req.Frame, err)
	}
	res.OutputPath = path
	return res, nil
}

// discoverArtifact takes the last "file written" line if its path exists.
// Otherwise it falls back to the first image in frameDir by lexical order;
// earlier written lines are never considered.
func discoverArtifact(stdout string, written *regexp.Regexp, frameDir string) (string, error) {
	if written != nil {
		if matches := written.FindAllStringSubmatch(stdout, -1); len(matches) > 0 {
			candidate := strings.Trim(strings.TrimSpace(matches[len(matches)-1][1]), `"'`)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate, nil
			}
		}
	}

	var images []string
	err := filepath.WalkDir(frameDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && slices.Contains(ImageExtensions, strings.ToLower(filepath.Ext(path))) {
			images = append(images, path)
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("scan output: %w", err)
	}
	if len(images) == 0 {
		return "", ErrArtifactNotFound
	}
	sort.Strings(images)
	return images[0], nil
}

var mayaWritten = regexp.MustCompile(`(?i)(?:Rendering|Result):\s*([^\n]+\.(?:exr|png|jpg|jpeg|tif|tiff))`)

// NewMayaRenderer builds a renderer around Maya's batch Render executable.
func NewMayaRenderer(executable string, runner Runner) Renderer {
	return &commandRenderer{
		engine:     models.EngineMaya,
		executable: executable,
		runner:     runner,
		written:    mayaWritten,
		build:      mayaArgs,
	}
}

func mayaArgs(c EngineConfig, req Request, frameDir string) []string {
	cfg := c.(MayaConfig)
	frame := strconv.Itoa(req.Frame)
	args := []string{
		"-r", cfg.Renderer,
		"-rd", frameDir,
		"-s", frame,
		"-e", frame,
		"-b", strconv.Itoa(cfg.FrameStep),
	}
	if cfg.Width > 0 {
		args = append(args, "-x", strconv.Itoa(cfg.Width))
	}
	if cfg.Height > 0 {
		args = append(args, "-y", strconv.Itoa(cfg.Height))
	}
	args = append(args, cfg.ExtraArgs...)
	return append(args, req.ProjectFile)
}

var unrealWritten = regexp.MustCompile(`(?i)(?:Wrote|Saved|Writing)[^\n]*?\s"?([^\s"]+\.(?:png|jpg|jpeg|exr|bmp))`)

// NewUnrealRenderer builds a renderer around UnrealEditor-Cmd with a level sequence capture.
func NewUnrealRenderer(executable string, runner Runner) Renderer {
	return &commandRenderer{
		engine:     models.EngineUnreal,
		executable: executable,
		runner:     runner,
		written:    unrealWritten,
		build:      unrealArgs,
	}
}

func unrealArgs(c EngineConfig, req Request, frameDir string) []string {
	cfg := c.(UnrealConfig)
	args := []string{
		req.ProjectFile,
		"-game",
		"-NOTEXTURESTREAMING",
		"-MovieSceneCaptureType=/Script/MovieSceneCapture.AutomatedLevelSequenceCapture",
		"-LevelSequence=" + cfg.LevelSequence,
		fmt.Sprintf("-MovieFrameStart=%d", req.Frame),
		fmt.Sprintf("-MovieFrameEnd=%d", req.Frame),
		"-MovieFolder=" + frameDir,
		"-MovieFormat=" + cfg.Format,
		fmt.Sprintf("-MovieQuality=%d", cfg.Quality),
		fmt.Sprintf("-ResX=%d", cfg.ResX),
		fmt.Sprintf("-ResY=%d", cfg.ResY),
		"-ForceRes",
		"-Windowed",
		"-NoLoadingScreen",
		"-NoSplash",
		"-Unattended",
	}
	if cfg.UseNullRHI() {
		args = append(args, "-NullRHI")
	}
	return append(args, cfg.ExtraArgs...)
}

// Dispatcher picks the renderer for a job's engine.
type Dispatcher struct {
	renderers map[models.Engine]Renderer
}

func NewDispatcher(renderers map[models.Engine]Renderer) *Dispatcher {
	return &Dispatcher{renderers: renderers}
}

// Render dispatches req to the engine's renderer.
func (d *Dispatcher) Render(ctx context.Context, engine models.Engine, req Request) (Result, error) {
	r, ok := d.renderers[engine]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownEngine, engine)
	}
	return r.Render(ctx, req)
}
