// Package publish packages the outputs of succeeded build instances into
// per-target tar.gz archives and hands them to an Uploader.
package publish

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mholt/archives"

	"github.com/sofmeright/switchyard/src/cond"
	"github.com/sofmeright/switchyard/src/ctxlog"
	"github.com/sofmeright/switchyard/src/matrix"
)

// ArchiveExt is the extension of every packaged artifact.
const ArchiveExt = ".tar.gz"

var archiveFormat = archives.CompressedArchive{
	Compression: archives.Gz{},
	Archival:    archives.Tar{},
}

// Artifact is one packaged archive ready for upload.
type Artifact struct {
	Path   string `json:"path"`   // local archive file
	Name   string `json:"name"`   // asset name on the destination
	Target string `json:"target"` // instance target the archive was built for
}

// Uploader delivers an artifact somewhere and returns where it landed.
type Uploader interface {
	Upload(ctx context.Context, a Artifact) (string, error)
}

// Error is a packaging or upload failure for one target. It never changes
// the build status of the instance that produced the outputs.
type Error struct {
	Target string
	Op     string // "package", "name" or "upload"
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("publish %s: %s: %v", e.Target, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Publisher turns instance outputs into uploaded artifacts.
type Publisher struct {
	ArtifactsDir string
	Pipeline     string
	Uploader     Uploader

	assetName *cond.Expr
	scope     cond.Scope
}

// DefaultAssetName returns the asset name template used when none is
// configured: the archive name, prefixed with the short commit sha when
// one is known.
func DefaultAssetName(git map[string]string) string {
	if git["short_sha"] != "" {
		return "${git.short_sha}-${archive}"
	}
	return "${archive}"
}

// NewPublisher compiles assetName against scope. The template may use the
// git, run and runner roots plus the target, archive and pipeline
// variables; anything else is rejected up front.
func NewPublisher(artifactsDir, pipeline, assetName string, scope cond.Scope, up Uploader) (*Publisher, error) {
	if assetName == "" {
		assetName = DefaultAssetName(scope.Git)
	}
	expr, err := cond.CompileTemplate(assetName)
	if err != nil {
		return nil, fmt.Errorf("asset name: %w", err)
	}
	p := &Publisher{
		ArtifactsDir: artifactsDir,
		Pipeline:     pipeline,
		Uploader:     up,
		assetName:    expr,
		scope:        scope,
	}
	if err := expr.Check(p.nameScope("", "")); err != nil {
		return nil, fmt.Errorf("asset name: %w", err)
	}
	return p, nil
}

func (p *Publisher) nameScope(target, archive string) *cond.Scope {
	return p.scope.
		WithVar("target", target).
		WithVar("archive", archive).
		WithVar("pipeline", p.Pipeline)
}

// ArchivePath is where the archive for target is written.
func (p *Publisher) ArchivePath(target string) string {
	name := fmt.Sprintf("%s-%s%s", p.Pipeline, strings.ReplaceAll(target, "/", "-"), ArchiveExt)
	return filepath.Join(p.ArtifactsDir, name)
}

// Publish packages in.Outputs (relative to workdir) and uploads the archive.
// The archive path is returned even when the upload fails.
func (p *Publisher) Publish(ctx context.Context, in *matrix.Instance, workdir string) ([]string, error) {
	path := p.ArchivePath(in.Target)
	if err := pack(ctx, workdir, in.Outputs, path); err != nil {
		return nil, &Error{Target: in.Target, Op: "package", Err: err}
	}
	if err := p.Upload(ctx, in.Target, path); err != nil {
		return []string{path}, err
	}
	return []string{path}, nil
}

// Upload names an existing archive for target and passes it to the
// uploader.
func (p *Publisher) Upload(ctx context.Context, target, path string) error {
	name, err := p.assetName.String(p.nameScope(target, filepath.Base(path)))
	if err != nil {
		return &Error{Target: target, Op: "name", Err: err}
	}
	if p.Uploader == nil {
		return nil
	}

	where, err := p.Uploader.Upload(ctx, Artifact{Path: path, Name: name, Target: target})
	if err != nil {
		return &Error{Target: target, Op: "upload", Err: err}
	}
	ctxlog.FromContext(ctx).Info("artifact published", "target", target, "asset", name, "location", where)
	return nil
}

// pack writes outputs into a tar.gz at dest. Each output is stored under
// its base name, so "out/x86_64-linux-gnu" unpacks as "x86_64-linux-gnu/".
func pack(ctx context.Context, workdir string, outputs []string, dest string) error {
	names := make(map[string]string, len(outputs))
	var missing []string
	for _, out := range outputs {
		if filepath.IsAbs(out) {
			return fmt.Errorf("output %s: path must be relative", out)
		}
		abs := filepath.Join(workdir, filepath.FromSlash(out))
		if _, err := os.Stat(abs); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				missing = append(missing, out)
				continue
			}
			return err
		}
		names[abs] = filepath.Base(abs)
	}
	if len(missing) > 0 {
		return fmt.Errorf("outputs not found: %s", strings.Join(missing, ", "))
	}

	files, err := archives.FilesFromDisk(ctx, nil, names)
	if err != nil {
		return fmt.Errorf("collecting outputs: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".pack-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := archiveFormat.Archive(ctx, tmp, files); err != nil {
		tmp.Close()
		return fmt.Errorf("writing archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}
