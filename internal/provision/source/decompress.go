package source

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cochaviz/pimage/internal/provision"

	"github.com/gobwas/glob"
	"github.com/klauspost/compress/zip"
	"github.com/ulikunitz/xz"
)

// decompressXZ writes the raw image next to compressed, named after it minus
// the .xz suffix. An existing target is reused and reported as skipped.
func decompressXZ(ctx context.Context, compressed string) (string, bool, error) {
	target := compressed[:len(compressed)-len(".xz")]
	if exists(target) {
		return target, true, nil
	}

	in, err := os.Open(compressed)
	if err != nil {
		return "", false, provision.Errorf(provision.CodeMissingSource, err, "open %s", compressed)
	}
	defer in.Close()

	reader, err := xz.NewReader(in)
	if err != nil {
		return "", false, provision.Errorf(provision.CodeUnsupportedFormat, err, "%s is not a valid xz stream", compressed)
	}
	if err := writeAtomically(ctx, target, reader); err != nil {
		return "", false, err
	}
	return target, false, nil
}

// extractZip extracts the first entry whose base name matches the image
// pattern, and only that entry, next to the archive.
func (r *Resolver) extractZip(ctx context.Context, archive string) (string, bool, error) {
	pattern := r.ImagePattern
	if pattern == "" {
		pattern = DefaultImagePattern
	}
	matcher, err := glob.Compile(strings.ToLower(pattern))
	if err != nil {
		return "", false, provision.Errorf(provision.CodeInvalidRequest, err, "invalid image pattern %q", pattern)
	}

	zr, err := zip.OpenReader(archive)
	if err != nil {
		return "", false, provision.Errorf(provision.CodeUnsupportedFormat, err, "%s is not a valid zip archive", archive)
	}
	defer zr.Close()

	var entry *zip.File
	for _, file := range zr.File {
		if file.FileInfo().IsDir() {
			continue
		}
		if matcher.Match(strings.ToLower(path.Base(file.Name))) {
			entry = file
			break
		}
	}
	if entry == nil {
		return "", false, provision.Errorf(provision.CodeNoImageInArchive, nil,
			"no entry matching %q in %s", pattern, filepath.Base(archive))
	}

	target := filepath.Join(filepath.Dir(archive), path.Base(entry.Name))
	if exists(target) {
		return target, true, nil
	}

	rc, err := entry.Open()
	if err != nil {
		return "", false, provision.Errorf(provision.CodeUnsupportedFormat, err, "open %s in %s", entry.Name, archive)
	}
	defer rc.Close()

	if err := writeAtomically(ctx, target, rc); err != nil {
		return "", false, err
	}
	return target, false, nil
}

// writeAtomically streams r into target through target.part.
func writeAtomically(ctx context.Context, target string, r io.Reader) error {
	part := target + ".part"
	out, err := os.Create(part)
	if err != nil {
		return provision.Errorf(provision.CodeWriteFailed, err, "create %s", part)
	}
	if _, err := copySparse(out, contextReader{ctx: ctx, r: r}); err != nil {
		out.Close()
		os.Remove(part)
		return failure(ctx, provision.CodeUnsupportedFormat, err, "decompress into %s", target)
	}
	if err := out.Close(); err != nil {
		os.Remove(part)
		return provision.Errorf(provision.CodeWriteFailed, err, "write %s", part)
	}
	if err := os.Rename(part, target); err != nil {
		return provision.Errorf(provision.CodeWriteFailed, err, "finalize %s", target)
	}
	return nil
}
