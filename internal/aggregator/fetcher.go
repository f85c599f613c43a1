package aggregator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Fetcher materializes an artifact reference as a local file inside dir.
type Fetcher interface {
	Fetch(ctx context.Context, ref, dir, name string) (string, error)
}

// ErrLocalArtifact rejects a file reference outside the allowed local root.
var ErrLocalArtifact = errors.New("local artifact not allowed")

// HTTPFetcher downloads http(s) artifacts. File references are copied only
// from beneath localRoot; with no root they are refused.
type HTTPFetcher struct {
	client    *resty.Client
	maxBytes  int64
	localRoot string
}

func NewHTTPFetcher(timeout time.Duration, maxBytes int64, localRoot string) *HTTPFetcher {
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	if maxBytes <= 0 {
		maxBytes = 512 * 1024 * 1024
	}
	client := resty.New().SetTimeout(timeout)
	return &HTTPFetcher{client: client, maxBytes: maxBytes, localRoot: localRoot}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, ref, dir, name string) (string, error) {
	dest := filepath.Join(dir, name+extension(ref))
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse artifact ref: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		return dest, f.download(ctx, ref, dest)
	case "file":
		return dest, f.copyLocal(u.Path, dest)
	case "":
		return dest, f.copyLocal(ref, dest)
	}
	return "", fmt.Errorf("unsupported artifact scheme %q", u.Scheme)
}

func (f *HTTPFetcher) download(ctx context.Context, ref, dest string) error {
	resp, err := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(ref)
	if err != nil {
		return fmt.Errorf("download artifact: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.StatusCode() >= 400 {
		return fmt.Errorf("download artifact: status %d", resp.StatusCode())
	}
	return f.write(body, dest)
}

func (f *HTTPFetcher) copyLocal(ref, dest string) error {
	path, err := f.resolveLocal(ref)
	if err != nil {
		return err
	}
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer src.Close()
	return f.write(src, dest)
}

// resolveLocal maps ref to a real path under localRoot. Relative refs are
// taken from the root; symlinks are followed before the containment check.
func (f *HTTPFetcher) resolveLocal(ref string) (string, error) {
	if f.localRoot == "" {
		return "", fmt.Errorf("%w: %s", ErrLocalArtifact, ref)
	}
	root, err := filepath.EvalSymlinks(f.localRoot)
	if err != nil {
		return "", fmt.Errorf("artifact root: %w", err)
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("artifact root: %w", err)
	}
	path := ref
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	path, err = filepath.EvalSymlinks(path)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside %s", ErrLocalArtifact, ref, f.localRoot)
	}
	return path, nil
}

func (f *HTTPFetcher) write(r io.Reader, dest string) error {
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create artifact file: %w", err)
	}
	n, err := io.Copy(out, io.LimitReader(r, f.maxBytes+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	if n > f.maxBytes {
		_ = os.Remove(dest)
		return fmt.Errorf("artifact too large (>%d bytes)", f.maxBytes)
	}
	return nil
}

func extension(ref string) string {
	if u, err := url.Parse(ref); err == nil {
		ref = u.Path
	}
	ext := strings.ToLower(filepath.Ext(ref))
	if ext == "" || len(ext) > 5 {
		return ".mp4"
	}
	return ext
}
