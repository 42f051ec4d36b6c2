package gsplat

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

// Fetcher opens a scene file for streaming. size is -1 when unknown. The
// returned reader must stop with ctx.Err() once ctx is canceled.
type Fetcher interface {
	Fetch(ctx context.Context, path string) (rc io.ReadCloser, size int64, err error)
}

// HTTPFetcher downloads http and https URLs.
type HTTPFetcher struct {
	Client *http.Client
}

func (f HTTPFetcher) Fetch(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("fetch %s: %s", url, resp.Status)
	}
	return resp.Body, resp.ContentLength, nil
}

// FileFetcher reads local files.
type FileFetcher struct{}

func (FileFetcher) Fetch(ctx context.Context, path string) (io.ReadCloser, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return &ctxReader{ctx: ctx, rc: f}, st.Size(), nil
}

// DefaultFetcher routes URLs to HTTPFetcher and everything else to FileFetcher.
type DefaultFetcher struct {
	HTTP HTTPFetcher
	File FileFetcher
}

func (f DefaultFetcher) Fetch(ctx context.Context, path string) (io.ReadCloser, int64, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return f.HTTP.Fetch(ctx, path)
	}
	return f.File.Fetch(ctx, path)
}

type ctxReader struct {
	ctx context.Context
	rc  io.ReadCloser
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.rc.Read(p)
}

func (r *ctxReader) Close() error {
	return r.rc.Close()
}
