package application

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/davarch/ci-runner/internal/domain"
	"github.com/gobwas/glob"
	"github.com/pkg/errors"
)

// CachePrefix is the restore fallback shared by every key of spec in scope.
func CachePrefix(spec domain.CacheKeySpec, scope string) string {
	return spec.Name + "-" + scope + "-"
}

// CacheKey hashes the files under root matching spec.HashFiles. Files are
// hashed in lexical path order so the key is stable across walks.
func CacheKey(spec domain.CacheKeySpec, scope, root string) (string, error) {
	globs := make([]glob.Glob, 0, len(spec.HashFiles))
	for _, p := range spec.HashFiles {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return "", errors.Wrapf(err, "cache %s: bad pattern %q", spec.Name, p)
		}
		globs = append(globs, g)
	}

	var matched []string
	if len(globs) > 0 {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if d.Name() == ".git" {
					return filepath.SkipDir
				}
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			for _, g := range globs {
				if g.Match(rel) {
					matched = append(matched, rel)
					break
				}
			}
			return nil
		})
		if err != nil {
			return "", errors.Wrapf(err, "cache %s: hashing inputs", spec.Name)
		}
	}
	sort.Strings(matched)

	h := sha256.New()
	for _, rel := range matched {
		_, _ = io.WriteString(h, rel)
		h.Write([]byte{0})
		f, err := os.Open(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return "", errors.Wrapf(err, "cache %s", spec.Name)
		}
		_, err = io.Copy(h, f)
		_ = f.Close()
		if err != nil {
			return "", errors.Wrapf(err, "cache %s", spec.Name)
		}
	}
	return CachePrefix(spec, scope) + hex.EncodeToString(h.Sum(nil))[:16], nil
}
