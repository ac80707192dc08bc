package source

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/cochaviz/pimage/internal/provision"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// download fetches rawURL into dest through dest.part. An existing dest is
// reused as is.
func (r *Resolver) download(ctx context.Context, logger *slog.Logger, rawURL, dest string) error {
	if exists(dest) {
		logger.Info("reusing downloaded image", "path", dest)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return provision.Errorf(provision.CodeWriteFailed, err, "create download directory")
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return provision.Errorf(provision.CodeUnsupportedSource, err, "build request for %s", rawURL)
	}

	logger.Info("downloading image", "url", rawURL, "path", dest)
	resp, err := r.client().Do(req)
	if err != nil {
		return failure(ctx, provision.CodeDownloadFailed, err, "download %s", rawURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return provision.Errorf(provision.CodeDownloadFailed, nil, "download %s: %s", rawURL, resp.Status).
			WithRemedy("check the URL or download the image manually and pass --image")
	}

	part := dest + ".part"
	out, err := os.Create(part)
	if err != nil {
		return provision.Errorf(provision.CodeWriteFailed, err, "create %s", part)
	}

	body, finish := r.track(ctx, filepath.Base(dest), resp.ContentLength, resp.Body)
	written, copyErr := io.Copy(out, contextReader{ctx: ctx, r: body})
	finish(copyErr == nil)
	closeErr := out.Close()

	if copyErr != nil {
		os.Remove(part)
		return failure(ctx, provision.CodeDownloadFailed, copyErr, "download %s", rawURL)
	}
	if closeErr != nil {
		os.Remove(part)
		return provision.Errorf(provision.CodeWriteFailed, closeErr, "write %s", part)
	}
	if resp.ContentLength > 0 && written != resp.ContentLength {
		os.Remove(part)
		return provision.Errorf(provision.CodeDownloadFailed, nil,
			"download %s: got %d of %d bytes", rawURL, written, resp.ContentLength)
	}
	if err := os.Rename(part, dest); err != nil {
		return provision.Errorf(provision.CodeWriteFailed, err, "finalize %s", dest)
	}
	logger.Info("download complete", "path", dest, "bytes", written)
	return nil
}

// track wraps body in a progress bar when a progress writer is configured
// and the size is known. finish must be called once the copy ends.
func (r *Resolver) track(ctx context.Context, name string, size int64, body io.Reader) (io.Reader, func(ok bool)) {
	if r.Progress == nil || size <= 0 {
		return body, func(bool) {}
	}

	progress := mpb.NewWithContext(ctx, mpb.WithOutput(r.Progress), mpb.WithWidth(48))
	bar := progress.AddBar(size,
		mpb.PrependDecorators(
			decor.Name(name, decor.WC{C: decor.DindentRight | decor.DextraSpace}),
			decor.CountersKibiByte("% .1f / % .1f"),
		),
		mpb.AppendDecorators(decor.Percentage(decor.WC{W: 5})),
	)
	proxy := bar.ProxyReader(body)
	return proxy, func(ok bool) {
		proxy.Close()
		if !ok || !bar.Completed() {
			bar.Abort(true)
		}
		progress.Wait()
	}
}

func (r *Resolver) client() *retryablehttp.Client {
	if r.Client != nil {
		return r.Client
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = nil
	return client
}
