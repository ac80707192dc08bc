// Package source resolves an image locator (path, file:// URI or http(s)
// URL) into a local raw disk image and stages a working copy of it.
package source

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cochaviz/pimage/internal/arch"
	"github.com/cochaviz/pimage/internal/provision"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/mattn/go-isatty"
)

// DefaultImagePattern selects the image entry inside a zip archive.
const DefaultImagePattern = "*.img"

// Resolver implements provision.SourceResolver.
type Resolver struct {
	Logger *slog.Logger
	Client *retryablehttp.Client
	// ImagePattern is a glob matched against the base name of zip entries.
	ImagePattern string
	// Progress receives download progress bars. Nil disables them.
	Progress io.Writer
}

// NewResolver returns a Resolver whose HTTP client retries retryMax times.
// The default of the CLI is zero: failures are reported, never retried.
func NewResolver(logger *slog.Logger, retryMax int, progress io.Writer) *Resolver {
	client := retryablehttp.NewClient()
	client.RetryMax = retryMax
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if logger != nil {
		client.Logger = logger.With("component", "http")
	} else {
		client.Logger = nil
	}
	return &Resolver{
		Logger:       logger,
		Client:       client,
		ImagePattern: DefaultImagePattern,
		Progress:     progress,
	}
}

// ProgressOutput returns f when it is a terminal and nil otherwise.
func ProgressOutput(f *os.File) io.Writer {
	if f == nil {
		return nil
	}
	if isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()) {
		return f
	}
	return nil
}

// DetectFormat maps a file name onto a recognized image format.
func DetectFormat(name string) (provision.ImageFormat, bool) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, string(provision.FormatXZ)):
		return provision.FormatXZ, true
	case strings.HasSuffix(lower, string(provision.FormatRaw)):
		return provision.FormatRaw, true
	case strings.HasSuffix(lower, string(provision.FormatZip)):
		return provision.FormatZip, true
	default:
		return "", false
	}
}

// Resolve implements provision.SourceResolver. Unsupported extensions are
// rejected before any network or file access.
func (r *Resolver) Resolve(ctx context.Context, ws provision.Workspace, locator string, target arch.Architecture) (provision.ImageSpec, error) {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return provision.ImageSpec{}, provision.Errorf(provision.CodeMissingSource, nil, "no image source given").
			WithRemedy("pass --image <path> or --url <url>")
	}

	spec := provision.ImageSpec{SourceLocator: locator, Architecture: target}
	logger := r.logger().With("source", locator)

	localPath, remote, err := classify(locator)
	if err != nil {
		return spec, err
	}

	if remote != nil {
		name := path.Base(remote.Path)
		format, ok := DetectFormat(name)
		if !ok || name == "/" || name == "." {
			return spec, provision.Errorf(provision.CodeUnsupportedSource, nil,
				"unsupported download %q: expected .img, .img.xz or .zip", name)
		}
		spec.Format = format
		localPath = filepath.Join(ws.TmpDir, name)
		if err := r.download(ctx, logger, remote.String(), localPath); err != nil {
			return spec, err
		}
	} else {
		format, ok := DetectFormat(localPath)
		if !ok {
			return spec, provision.Errorf(provision.CodeUnsupportedFormat, nil,
				"unsupported image format %q: expected .img, .img.xz or .zip", filepath.Base(localPath))
		}
		spec.Format = format
		info, err := os.Stat(localPath)
		if errors.Is(err, fs.ErrNotExist) {
			return spec, provision.Errorf(provision.CodeMissingSource, err, "image %s does not exist", localPath)
		}
		if err != nil {
			return spec, provision.Errorf(provision.CodeMissingSource, err, "inspect image %s", localPath)
		}
		if info.IsDir() {
			return spec, provision.Errorf(provision.CodeUnsupportedFormat, nil, "image %s is a directory", localPath)
		}
	}

	switch spec.Format {
	case provision.FormatRaw:
		spec.DecompressedPath = localPath
	case provision.FormatXZ:
		spec.DecompressedPath, spec.DecompressionSkipped, err = decompressXZ(ctx, localPath)
	case provision.FormatZip:
		spec.DecompressedPath, spec.DecompressionSkipped, err = r.extractZip(ctx, localPath)
	}
	if err != nil {
		return spec, err
	}
	if spec.DecompressionSkipped {
		logger.Info("decompressed image already present, skipping", "path", spec.DecompressedPath)
	}

	if hint, ok := arch.HintFromFilename(spec.DecompressedPath); ok && hint != target {
		logger.Warn("image name suggests a different architecture",
			"hint", hint.String(),
			"target", target.String(),
			"path", spec.DecompressedPath,
		)
	}
	return spec, nil
}

func classify(locator string) (string, *url.URL, error) {
	lower := strings.ToLower(locator)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		u, err := url.Parse(locator)
		if err != nil || u.Host == "" {
			return "", nil, provision.Errorf(provision.CodeUnsupportedSource, err, "invalid URL %q", locator)
		}
		return "", u, nil
	case strings.HasPrefix(lower, "file://"):
		u, err := url.Parse(locator)
		if err != nil || u.Path == "" {
			return "", nil, provision.Errorf(provision.CodeUnsupportedSource, err, "invalid file URI %q", locator)
		}
		return u.Path, nil, nil
	case strings.Contains(locator, "://"):
		return "", nil, provision.Errorf(provision.CodeUnsupportedSource, nil, "unsupported URL scheme in %q", locator)
	default:
		return locator, nil, nil
	}
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// contextReader stops a copy once ctx is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// failure tags err with code, or with Interrupted when ctx was cancelled.
func failure(ctx context.Context, code provision.ErrorCode, err error, format string, args ...any) error {
	if ctx.Err() != nil {
		return provision.Errorf(provision.CodeInterrupted, err, format, args...)
	}
	return provision.Errorf(code, err, format, args...)
}
