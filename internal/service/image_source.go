package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/formbricks/hdir/internal/huberrors"
)

// ImageRef names where an image comes from. Exactly one of Path, URL or Data is set.
type ImageRef struct {
	Path string
	URL  string
	Data []byte
}

func (r ImageRef) sources() int {
	n := 0

	if r.Path != "" {
		n++
	}

	if r.URL != "" {
		n++
	}

	if len(r.Data) > 0 {
		n++
	}

	return n
}

// SourceImage holds raw image bytes and their content id.
type SourceImage struct {
	ID   string
	Path string
	Data []byte
}

// NewSourceImage wraps data and computes its id.
func NewSourceImage(data []byte, path string) *SourceImage {
	return &SourceImage{ID: ContentID(data), Path: path, Data: data}
}

// ContentID returns the lowercase hex SHA-256 of data.
func ContentID(data []byte) string {
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}

var errOutsideRoot = huberrors.NewValidationError("img-path", "img-path is outside the image root")

// ImageRoots maps img-path values to directories. A portable path "ALIAS:rel/path" resolves
// under Aliases[ALIAS], or under Default when the alias is not configured. Other paths resolve
// under Default.
type ImageRoots struct {
	Default string
	Aliases map[string]string
}

// Resolve splits an optional alias prefix off p and resolves the rest with ResolvePath.
func (r ImageRoots) Resolve(p string) (string, error) {
	alias, rel, ok := splitAlias(p)
	if !ok {
		return ResolvePath(r.Default, p)
	}

	root, known := r.Aliases[alias]
	if !known {
		root = r.Default
	}

	if root == "" {
		return "", huberrors.NewValidationError("img-path", "unknown path alias "+strconv.Quote(alias))
	}

	if strings.TrimSpace(rel) == "" {
		return "", huberrors.NewValidationError("img-path", "img-path is required")
	}

	return ResolvePath(root, strings.TrimLeft(rel, "/"))
}

// splitAlias recognizes "ALIAS:rel". The alias must be non-empty and free of path separators,
// so ordinary file names are left alone.
func splitAlias(p string) (alias, rel string, ok bool) {
	alias, rel, found := strings.Cut(p, ":")
	if !found || alias == "" || strings.ContainsAny(alias, `/\`) {
		return "", "", false
	}

	return alias, rel, true
}

// ResolvePath cleans p and resolves it under root. Paths that escape root, directly or through a
// symlink, are a validation error and missing files are not found. With an empty root, p is used
// as given.
func ResolvePath(root, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", huberrors.NewValidationError("img-path", "img-path is required")
	}

	resolved := filepath.Clean(p)

	if root != "" {
		root = filepath.Clean(root)
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(root, resolved)
		}

		if !within(root, resolved) {
			return "", errOutsideRoot
		}
	}

	info, err := os.Stat(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", huberrors.NewNotFoundError("image", "image file not found: "+p)
		}

		return "", fmt.Errorf("stat image: %w", err)
	}

	if info.IsDir() {
		return "", huberrors.NewValidationError("img-path", "img-path is a directory")
	}

	if root != "" {
		realRoot, err := filepath.EvalSymlinks(root)
		if err != nil {
			return "", fmt.Errorf("resolve image root: %w", err)
		}

		realPath, err := filepath.EvalSymlinks(resolved)
		if err != nil {
			return "", fmt.Errorf("resolve image path: %w", err)
		}

		if !within(realRoot, realPath) {
			return "", errOutsideRoot
		}
	}

	return resolved, nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)

	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// ImageFetcherConfig configures ImageFetcher. Zero values fall back to defaults.
type ImageFetcherConfig struct {
	Timeout    time.Duration
	MaxRetries int
	MaxBytes   int64
	// RetryWaitMin and RetryWaitMax bound the backoff between attempts.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// ImageFetcher downloads images for requests that carry an image_url.
type ImageFetcher struct {
	client   *retryablehttp.Client
	maxBytes int64
}

// NewImageFetcher creates a fetcher. Redirects are followed and 5xx responses are retried.
func NewImageFetcher(cfg ImageFetcherConfig) *ImageFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient.Timeout = cfg.Timeout
	retryClient.RetryMax = cfg.MaxRetries
	retryClient.Logger = nil // we log at the request layer

	if cfg.RetryWaitMin > 0 {
		retryClient.RetryWaitMin = cfg.RetryWaitMin
	}

	if cfg.RetryWaitMax > 0 {
		retryClient.RetryWaitMax = cfg.RetryWaitMax
	}

	// Hand the last response back instead of a generic "giving up" error.
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &ImageFetcher{client: retryClient, maxBytes: cfg.MaxBytes}
}

// Fetch downloads rawURL. Only http and https are accepted.
func (f *ImageFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, huberrors.NewValidationError("image_url", "image_url must be an absolute http or https URL")
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create image request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Warn("failed to close image response body", "url", u.Redacted(), "error", closeErr)
		}
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, huberrors.NewNotFoundError("image", "image_url returned 404")
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, huberrors.NewValidationError("image_url", "image_url returned status "+strconv.Itoa(resp.StatusCode))
	}

	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return nil, tooLarge(f.maxBytes)
	}

	return readLimited(resp.Body, f.maxBytes)
}

// ImageLoader turns an ImageRef into a SourceImage.
type ImageLoader struct {
	roots    ImageRoots
	fetcher  *ImageFetcher
	maxBytes int64
}

// NewImageLoader creates a loader. fetcher may be nil, in which case image_url is rejected.
func NewImageLoader(roots ImageRoots, fetcher *ImageFetcher, maxBytes int64) *ImageLoader {
	return &ImageLoader{roots: roots, fetcher: fetcher, maxBytes: maxBytes}
}

// Resolve maps an img-path value to a file on disk without reading it.
func (l *ImageLoader) Resolve(p string) (string, error) { return l.roots.Resolve(p) }

// Load reads the referenced image.
func (l *ImageLoader) Load(ctx context.Context, ref ImageRef) (*SourceImage, error) {
	switch n := ref.sources(); {
	case n == 0:
		return nil, huberrors.NewValidationError("image", "an image, img-path or image_url is required")
	case n > 1:
		return nil, huberrors.NewValidationError("image", "only one of image, img-path or image_url may be given")
	}

	switch {
	case len(ref.Data) > 0:
		if l.maxBytes > 0 && int64(len(ref.Data)) > l.maxBytes {
			return nil, tooLarge(l.maxBytes)
		}

		return NewSourceImage(ref.Data, ""), nil
	case ref.URL != "":
		if l.fetcher == nil {
			return nil, huberrors.NewValidationError("image_url", "image_url is not supported")
		}

		data, err := l.fetcher.Fetch(ctx, ref.URL)
		if err != nil {
			return nil, err
		}

		return NewSourceImage(data, ""), nil
	default:
		return l.LoadPath(ref.Path)
	}
}

// LoadPath resolves p under the image roots and reads the file.
func (l *ImageLoader) LoadPath(p string) (*SourceImage, error) {
	resolved, err := l.roots.Resolve(p)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(resolved)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	data, err := readLimited(f, l.maxBytes)
	if err != nil {
		return nil, err
	}

	return NewSourceImage(data, resolved), nil
}

func readLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read image: %w", err)
		}

		return data, nil
	}

	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}

	if int64(len(data)) > maxBytes {
		return nil, tooLarge(maxBytes)
	}

	return data, nil
}

func tooLarge(maxBytes int64) error {
	return huberrors.NewLimitExceededError("image exceeds the " + strconv.FormatInt(maxBytes, 10) + " byte limit")
}
