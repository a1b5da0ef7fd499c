package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"render-scheduler/internal/models"
)

type stubRunner struct {
	name   string
	args   []string
	dir    string
	run    func(args []string) (string, string, error)
	called int
}

func (s *stubRunner) Run(_ context.Context, name string, args []string, dir string) (string, string, error) {
	s.name, s.args, s.dir = name, args, dir
	s.called++
	if s.run == nil {
		return "", "", nil
	}
	return s.run(args)
}

func argAfter(args []string, flag string) string {
	i := slices.Index(args, flag)
	if i < 0 || i+1 >= len(args) {
		return ""
	}
	return args[i+1]
}

func TestMayaCommandLine(t *testing.T) {
	runner := &stubRunner{run: func(args []string) (string, string, error) {
		out := filepath.Join(argAfter(args, "-rd"), "shot.0007.exr")
		return "", "", os.WriteFile(out, []byte("exr"), 0o644)
	}}
	r := NewMayaRenderer("Render", runner)
	outRoot := t.TempDir()

	res, err := r.Render(context.Background(), Request{
		Frame:       7,
		ProjectFile: "/work/source/scene.ma",
		OutputDir:   outRoot,
		Config:      map[string]any{"width": 1280, "height": 720},
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	want := []string{"-r", "arnold", "-rd", FrameOutputDir(outRoot, 7), "-s", "7", "-e", "7", "-b", "1",
		"-x", "1280", "-y", "720", "/work/source/scene.ma"}
	if !slices.Equal(runner.args, want) {
		t.Fatalf("unexpected args:\n got %v\nwant %v", runner.args, want)
	}
	if runner.dir != "/work/source" {
		t.Fatalf("command should run next to the project, got %s", runner.dir)
	}
	if filepath.Base(res.OutputPath) != "shot.0007.exr" {
		t.Fatalf("unexpected artifact %s", res.OutputPath)
	}
}

func TestUnrealCommandLineDefaults(t *testing.T) {
	runner := &stubRunner{run: func(args []string) (string, string, error) {
		return "", "", errors.New("boom")
	}}
	r := NewUnrealRenderer("UnrealEditor-Cmd", runner)
	outRoot := t.TempDir()

	_, err := r.Render(context.Background(), Request{Frame: 3, ProjectFile: "/p/Game.uproject", OutputDir: outRoot})
	if err == nil {
		t.Fatalf("expected runner error to propagate")
	}
	for _, want := range []string{
		"/p/Game.uproject",
		"-LevelSequence=/Game/Sequences/MasterSequence",
		"-MovieFrameStart=3",
		"-MovieFrameEnd=3",
		"-MovieFolder=" + FrameOutputDir(outRoot, 3),
		"-MovieFormat=PNG",
		"-MovieQuality=100",
		"-ResX=1920",
		"-ResY=1080",
		"-NullRHI",
	} {
		if !slices.Contains(runner.args, want) {
			t.Errorf("missing arg %q in %v", want, runner.args)
		}
	}

	disabled := false
	_, _ = r.Render(context.Background(), Request{Frame: 1, ProjectFile: "/p/Game.uproject", OutputDir: outRoot,
		Config: map[string]any{"null_rhi": disabled, "res_x": 640}})
	if slices.Contains(runner.args, "-NullRHI") || !slices.Contains(runner.args, "-ResX=640") {
		t.Fatalf("config overrides not applied: %v", runner.args)
	}
}

func TestDiscoveryLastWrittenLineWins(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a_first.png")
	last := filepath.Join(dir, "z_last.exr")
	for _, p := range []string{first, last} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	stdout := fmt.Sprintf("Rendering: %s\nsome noise\nResult: %s\n", first, last)

	got, err := discoverArtifact(stdout, mayaWritten, dir)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if got != last {
		t.Fatalf("expected last written file %s, got %s", last, got)
	}
}

func TestDiscoveryMissingLastLineScansFrameDir(t *testing.T) {
	root := t.TempDir()
	frameDir := filepath.Join(root, "frame_0002")
	if err := os.MkdirAll(frameDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	stale := filepath.Join(root, "stale_pass.exr")
	beauty := filepath.Join(frameDir, "beauty.0002.png")
	for _, p := range []string{stale, beauty} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	stdout := fmt.Sprintf("Result: %s\nResult: %s\n", stale, filepath.Join(frameDir, "missing.0002.exr"))

	got, err := discoverArtifact(stdout, mayaWritten, frameDir)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if got != beauty {
		t.Fatalf("expected frame dir image %s, got %s", beauty, got)
	}
}

func TestDiscoveryFallsBackToDirectoryScan(t *testing.T) {
	dir := t.TempDir()
	_ = os.WriteFile(filepath.Join(dir, "render.log"), []byte("log"), 0o644)
	_ = os.WriteFile(filepath.Join(dir, "b.png"), []byte("b"), 0o644)
	_ = os.WriteFile(filepath.Join(dir, "a.JPG"), []byte("a"), 0o644)

	got, err := discoverArtifact("no paths here", mayaWritten, dir)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if filepath.Base(got) != "a.JPG" {
		t.Fatalf("expected lexical first image, got %s", got)
	}

	empty := t.TempDir()
	if _, err := discoverArtifact("", mayaWritten, empty); !errors.Is(err, ErrArtifactNotFound) {
		t.Fatalf("expected ErrArtifactNotFound, got %v", err)
	}
}

func TestUnrealWrittenPattern(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "MasterSequence.0004.png")
	_ = os.WriteFile(out, []byte("png"), 0o644)
	stdout := fmt.Sprintf("LogMovieSceneCapture: Display: Wrote frame to %s\n", out)

	got, err := discoverArtifact(stdout, unrealWritten, t.TempDir())
	if err != nil || got != out {
		t.Fatalf("expected %s, got %s err=%v", out, got, err)
	}
}

func TestDecodeConfigUnknownEngine(t *testing.T) {
	if _, err := DecodeConfig(models.Engine("blender"), nil); !errors.Is(err, ErrUnknownEngine) {
		t.Fatalf("expected ErrUnknownEngine, got %v", err)
	}
	cfg, err := DecodeConfig(models.EngineMaya, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m := cfg.(MayaConfig); m.Renderer != "arnold" || m.FrameStep != 1 {
		t.Fatalf("defaults not applied: %+v", m)
	}
}

func TestDispatcherUnknownEngine(t *testing.T) {
	d := NewDispatcher(map[models.Engine]Renderer{})
	if _, err := d.Render(context.Background(), models.EngineMaya, Request{}); !errors.Is(err, ErrUnknownEngine) {
		t.Fatalf("expected ErrUnknownEngine, got %v", err)
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecRunnerNonZeroExit(t *testing.T) {
	requireShell(t)
	_, stderr, err := ExecRunner{Timeout: 10 * time.Second}.Run(context.Background(), "sh",
		[]string{"-c", "echo bad scene >&2; exit 3"}, "")
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError, got %v", err)
	}
	if cmdErr.ExitCode != 3 || !errors.Is(err, ErrCommandFailed) {
		t.Fatalf("unexpected error %+v", cmdErr)
	}
	if stderr != "bad scene\n" {
		t.Fatalf("stderr not captured: %q", stderr)
	}
}

func TestExecRunnerTimeout(t *testing.T) {
	requireShell(t)
	start := time.Now()
	_, _, err := ExecRunner{Timeout: 200 * time.Millisecond, WaitDelay: 100 * time.Millisecond}.Run(
		context.Background(), "sh", []string{"-c", "sleep 5"}, "")
	if !errors.Is(err, ErrRenderTimeout) {
		t.Fatalf("expected ErrRenderTimeout, got %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("timeout did not kill the process promptly")
	}
}

func TestExecRunnerParentCancel(t *testing.T) {
	requireShell(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	_, _, err := ExecRunner{Timeout: time.Minute, WaitDelay: 100 * time.Millisecond}.Run(ctx, "sh", []string{"-c", "sleep 5"}, "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
