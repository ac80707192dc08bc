package source

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/cochaviz/pimage/internal/provision"
)

const copyBlockSize = 1 << 20

// Stage copies the decompressed image to the output directory. The copy is
// the only file later mutated; the source stays untouched.
func (r *Resolver) Stage(ctx context.Context, ws provision.Workspace, spec provision.ImageSpec) (string, error) {
	if spec.DecompressedPath == "" {
		return "", provision.Errorf(provision.CodeMissingSource, nil, "image has not been resolved")
	}
	dst := filepath.Join(ws.ImageDir, provision.OutputImageName(spec.DecompressedPath, spec.Architecture))
	if err := os.MkdirAll(ws.ImageDir, 0o755); err != nil {
		return "", provision.Errorf(provision.CodeWriteFailed, err, "create %s", ws.ImageDir)
	}

	r.logger().Info("copying image", "from", spec.DecompressedPath, "to", dst)
	if err := copyFile(ctx, spec.DecompressedPath, dst, 0o644); err != nil {
		return "", err
	}
	return dst, nil
}

func copyFile(ctx context.Context, src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return provision.Errorf(provision.CodeMissingSource, err, "open %s", src)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return provision.Errorf(provision.CodeWriteFailed, err, "create %s", dst)
	}

	if _, err := copySparse(out, contextReader{ctx: ctx, r: in}); err != nil {
		out.Close()
		return failure(ctx, provision.CodeWriteFailed, err, "copy %s to %s", src, dst)
	}
	if err := out.Close(); err != nil {
		return provision.Errorf(provision.CodeWriteFailed, err, "write %s", dst)
	}
	return nil
}

// copySparse copies r into out, seeking over all-zero blocks so that holes in
// disk images stay holes. The file is truncated to the full length at the
// end.
func copySparse(out *os.File, r io.Reader) (int64, error) {
	buf := make([]byte, copyBlockSize)
	zero := make([]byte, copyBlockSize)
	var written int64
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			block := buf[:n]
			if bytes.Equal(block, zero[:n]) {
				if _, serr := out.Seek(int64(n), io.SeekCurrent); serr != nil {
					return written, serr
				}
			} else if _, werr := out.Write(block); werr != nil {
				return written, werr
			}
			written += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return written, err
		}
	}
	if err := out.Truncate(written); err != nil {
		return written, err
	}
	return written, nil
}
