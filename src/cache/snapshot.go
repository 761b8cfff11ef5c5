package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/mholt/archives"
)

var snapshotFormat = archives.CompressedArchive{
	Compression: archives.Gz{},
	Archival:    archives.Tar{},
	Extraction:  archives.Tar{},
}

// Snapshot writes the given paths, relative to root, into w as a tar.gz
// archive. Paths that do not exist are left out; the number of paths found
// is returned so callers can skip empty snapshots.
func Snapshot(ctx context.Context, root string, paths []string, w io.Writer) (int, error) {
	names := make(map[string]string, len(paths))
	for _, p := range paths {
		rel, err := within(p)
		if err != nil {
			return 0, err
		}
		abs := filepath.Join(root, filepath.FromSlash(rel))
		if _, err := os.Lstat(abs); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return 0, fmt.Errorf("snapshot %s: %w", p, err)
		}
		names[abs] = rel
	}
	if len(names) == 0 {
		return 0, nil
	}

	files, err := archives.FilesFromDisk(ctx, nil, names)
	if err != nil {
		return 0, fmt.Errorf("collecting snapshot files: %w", err)
	}
	if err := snapshotFormat.Archive(ctx, w, files); err != nil {
		return 0, fmt.Errorf("writing snapshot: %w", err)
	}
	return len(names), nil
}

// Unpack extracts a Snapshot archive under root. The archive is first
// extracted into a staging directory and moved into place only once the
// whole stream, trailer and checksum included, has been read; a failure
// leaves root as it was. All writes go through an os.Root, so neither an
// entry name nor a symlink can place a file outside root.
func Unpack(ctx context.Context, root string, r io.Reader) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	dst, err := os.OpenRoot(root)
	if err != nil {
		return err
	}
	defer dst.Close()

	stage, err := os.MkdirTemp(root, ".restore-*")
	if err != nil {
		return fmt.Errorf("staging restore: %w", err)
	}
	defer os.RemoveAll(stage)

	sr, err := os.OpenRoot(stage)
	if err != nil {
		return err
	}
	defer sr.Close()

	if err := extract(ctx, sr, r); err != nil {
		return err
	}
	// tar stops at its end marker; read the rest so a checksumming reader
	// underneath sees EOF.
	if _, err := io.Copy(io.Discard, r); err != nil {
		return err
	}
	return merge(dst, filepath.Base(stage), ".")
}

func extract(ctx context.Context, root *os.Root, r io.Reader) error {
	return snapshotFormat.Extract(ctx, r, func(ctx context.Context, f archives.FileInfo) error {
		rel, err := within(f.NameInArchive)
		if err != nil {
			return err
		}
		name := filepath.FromSlash(rel)

		switch {
		case f.IsDir():
			return root.MkdirAll(name, dirMode(f.Mode()))
		case f.Mode()&fs.ModeSymlink != 0:
			if err := linkWithin(rel, f.LinkTarget); err != nil {
				return err
			}
			if err := root.MkdirAll(filepath.Dir(name), 0o755); err != nil {
				return err
			}
			_ = root.Remove(name)
			return root.Symlink(f.LinkTarget, name)
		case !f.Mode().IsRegular():
			return nil
		}

		if err := root.MkdirAll(filepath.Dir(name), 0o755); err != nil {
			return err
		}
		src, err := f.Open()
		if err != nil {
			return err
		}
		defer src.Close()

		_ = root.Remove(name)
		dst, err := root.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_EXCL, f.Mode().Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(dst, src); err != nil {
			dst.Close()
			return err
		}
		return dst.Close()
	})
}

// merge moves the contents of stage/rel onto rel. Directories present on
// both sides are merged; anything else in the way is replaced.
func merge(root *os.Root, stage, rel string) error {
	dir, err := root.Open(filepath.Join(stage, rel))
	if err != nil {
		return err
	}
	entries, err := dir.ReadDir(-1)
	dir.Close()
	if err != nil {
		return err
	}

	for _, e := range entries {
		from := filepath.Join(stage, rel, e.Name())
		to := filepath.Join(rel, e.Name())

		existing, err := root.Lstat(to)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return err
		case e.IsDir() && existing.IsDir():
			if err := merge(root, stage, to); err != nil {
				return err
			}
			continue
		default:
			if err := root.RemoveAll(to); err != nil {
				return err
			}
		}
		if err := root.Rename(from, to); err != nil {
			return fmt.Errorf("restoring %s: %w", filepath.ToSlash(to), err)
		}
	}
	return nil
}

// linkWithin rejects symlink targets that are absolute or resolve outside
// the root, relative to the link's own directory.
func linkWithin(name, target string) error {
	t := filepath.ToSlash(target)
	if t == "" || path.IsAbs(t) || filepath.IsAbs(target) {
		return fmt.Errorf("symlink %q -> %q escapes the workspace", name, target)
	}
	if _, err := within(path.Join(path.Dir(name), t)); err != nil {
		return fmt.Errorf("symlink %q -> %q escapes the workspace", name, target)
	}
	return nil
}

// within cleans p and rejects absolute paths and paths leaving the root.
func within(p string) (string, error) {
	clean := path.Clean(filepath.ToSlash(p))
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path %q escapes the workspace", p)
	}
	return clean, nil
}

func dirMode(m fs.FileMode) fs.FileMode {
	if perm := m.Perm(); perm != 0 {
		return perm | 0o700
	}
	return 0o755
}
