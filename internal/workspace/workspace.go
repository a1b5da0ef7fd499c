// Package workspace turns a job's source reference into a prepared directory
// containing the located project file and an output directory.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gosimple/slug"

	"render-scheduler/internal/archive"
	"render-scheduler/internal/blob"
	"render-scheduler/internal/logger"
	"render-scheduler/internal/models"
)

var (
	ErrSourceNotFound   = errors.New("source not found")
	ErrProjectNotFound  = errors.New("project file not found")
	ErrAmbiguousProject = errors.New("multiple project files found")
)

const (
	sourceDirName = "source"
	outputDirName = "output"
)

// Preparer allocates job workspaces under a root directory.
type Preparer struct {
	root   string
	blobs  blob.Store
	strict bool
	log    *logger.Logger
}

// NewPreparer builds a preparer. blobs may be nil when only local sources are used.
// With strict set, more than one candidate project file is an error instead of first-match.
func NewPreparer(root string, blobs blob.Store, strict bool, log *logger.Logger) *Preparer {
	if log == nil {
		log = logger.Nop()
	}
	return &Preparer{root: root, blobs: blobs, strict: strict, log: log.WithComponent("workspace")}
}

// Paths are the directories owned by one job.
type Paths struct {
	Dir    string
	Source string
	Output string
}

// JobDir is where the job's workspace lives: <root>/<slug(owner)>/<jobID>.
func (p *Preparer) JobDir(owner, jobID string) string {
	ownerDir := slug.Make(owner)
	if ownerDir == "" {
		ownerDir = "anonymous"
	}
	return filepath.Join(p.root, ownerDir, jobID)
}

// Allocate creates the workspace directories. Calling it again for the same job returns the same paths.
func (p *Preparer) Allocate(owner, jobID string) (Paths, error) {
	dir := p.JobDir(owner, jobID)
	paths := Paths{
		Dir:    dir,
		Source: filepath.Join(dir, sourceDirName),
		Output: filepath.Join(dir, outputDirName),
	}
	for _, d := range []string{paths.Source, paths.Output} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return Paths{}, fmt.Errorf("allocate workspace: %w", err)
		}
	}
	return paths, nil
}

// Prepare allocates, materializes, optionally decompresses and locates the project file.
// On any failure the job directory is removed.
func (p *Preparer) Prepare(ctx context.Context, owner, jobID string, src models.Source, compressed bool, engine models.Engine) (ws models.Workspace, err error) {
	paths, err := p.Allocate(owner, jobID)
	if err != nil {
		return models.Workspace{}, err
	}
	defer func() {
		if err != nil {
			if rmErr := os.RemoveAll(paths.Dir); rmErr != nil {
				p.log.Warn("workspace cleanup failed", "job_id", jobID, "error", rmErr)
			}
		}
	}()

	materialized, err := p.materialize(ctx, src, paths.Source)
	if err != nil {
		return models.Workspace{}, err
	}
	if compressed {
		if _, err := archive.Decompress(materialized, paths.Source); err != nil {
			return models.Workspace{}, fmt.Errorf("decompress source: %w", err)
		}
	}

	project, err := p.findProject(paths.Source, engine)
	if err != nil {
		return models.Workspace{}, err
	}
	p.log.Info("workspace prepared", "job_id", jobID, "project_file", project)
	return models.Workspace{ProjectFile: project, Dir: paths.Dir, OutputDir: paths.Output}, nil
}

// materialize puts the source into dest and returns the path of the copied file or directory.
func (p *Preparer) materialize(ctx context.Context, src models.Source, dest string) (string, error) {
	if src.IsRemote() {
		return p.fetchRemote(ctx, src.RemoteRef, dest)
	}
	info, err := os.Stat(src.LocalPath)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrSourceNotFound, src.LocalPath)
	}
	if err != nil {
		return "", fmt.Errorf("stat source: %w", err)
	}
	if info.IsDir() {
		if err := copyTree(src.LocalPath, dest); err != nil {
			return "", fmt.Errorf("copy source: %w", err)
		}
		return dest, nil
	}
	target := filepath.Join(dest, filepath.Base(src.LocalPath))
	if err := copyFile(src.LocalPath, target, info.Mode()); err != nil {
		return "", fmt.Errorf("copy source: %w", err)
	}
	return target, nil
}

func (p *Preparer) fetchRemote(ctx context.Context, ref, dest string) (string, error) {
	if p.blobs == nil {
		return "", fmt.Errorf("%w: no blob store configured for %s", ErrSourceNotFound, ref)
	}
	ok, err := p.blobs.Exists(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("check source: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSourceNotFound, ref)
	}
	rc, err := p.blobs.Fetch(ctx, ref)
	if errors.Is(err, blob.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrSourceNotFound, ref)
	}
	if err != nil {
		return "", fmt.Errorf("fetch source: %w", err)
	}
	defer rc.Close()

	name := filepath.Base(filepath.FromSlash(ref))
	if name == "." || name == string(filepath.Separator) {
		name = "source"
	}
	target := filepath.Join(dest, name)
	out, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("create source file: %w", err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return "", fmt.Errorf("download source: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return target, nil
}

// findProject walks dir in lexical order and returns the first file with one of the engine's extensions.
func (p *Preparer) findProject(dir string, engine models.Engine) (string, error) {
	exts := engine.ProjectExtensions()
	if len(exts) == 0 {
		return "", fmt.Errorf("%w: unknown engine %q", ErrProjectNotFound, engine)
	}
	var matches []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if slices.Contains(exts, strings.ToLower(filepath.Ext(path))) {
			matches = append(matches, path)
			if !p.strict {
				return fs.SkipAll
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("search project: %w", err)
	}
	switch {
	case len(matches) == 0:
		return "", fmt.Errorf("%w (%s)", ErrProjectNotFound, strings.Join(exts, ", "))
	case len(matches) > 1 && p.strict:
		return "", fmt.Errorf("%w: %s", ErrAmbiguousProject, strings.Join(matches, ", "))
	}
	return matches[0], nil
}

func copyTree(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dest string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm()|0o200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
