package toolchain

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sdassow/atomic"
	"go.uber.org/zap"
)

// download fetches src. Gzipped tarballs are extracted into dest; anything
// else is stored as the executable dest/bin/<binary>.
func (p *Provisioner) download(ctx context.Context, src, dest, binary string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	res, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", src, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading %s: received HTTP %d", src, res.StatusCode)
	}
	p.log.Info("downloading toolchain", zap.String("url", src))

	body := bufio.NewReader(res.Body)
	if magic, err := body.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		if err := extract(body, dest); err != nil {
			return fmt.Errorf("extracting %s: %w", src, err)
		}
		return nil
	}
	return atomic.WriteFile(filepath.Join(dest, "bin", binary), body, atomic.DefaultFileMode(0o755))
}

func extract(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer func() { _ = gz.Close() }()

	root := filepath.Clean(dest) + string(os.PathSeparator)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(dest, filepath.FromSlash(hdr.Name))
		if !strings.HasPrefix(target, root) {
			return fmt.Errorf("entry %q escapes destination", hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := atomic.WriteFile(target, tr, atomic.DefaultFileMode(os.FileMode(hdr.Mode).Perm())); err != nil {
				return err
			}
		}
	}
}
