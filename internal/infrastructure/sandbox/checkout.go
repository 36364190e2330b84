package sandbox

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/davarch/ci-runner/internal/domain"
)

// checkout copies the source tree into the workspace, or into the "path"
// parameter relative to it. VCS metadata is not copied.
func (w *workspace) checkout(st domain.Step) error {
	if w.source == "" {
		return fmt.Errorf("no source directory configured")
	}
	dst := filepath.Join(w.dir, filepath.FromSlash(st.Param("path", ".")))
	return copyTree(w.source, dst, filepath.Dir(w.dir))
}

// copyTree copies src to dst, leaving out skip when the workspace root sits
// inside the source tree.
func copyTree(src, dst, skip string) error {
	src = filepath.Clean(src)
	skip = filepath.Clean(skip)
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && path != src && (d.Name() == ".git" || path == skip) {
			return filepath.SkipDir
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			_ = os.Remove(target)
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		}
		return nil
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
