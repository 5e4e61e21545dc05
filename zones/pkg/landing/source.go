package landing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/malbeclabs/zones/utils/pkg/retry"
	"golang.org/x/time/rate"
)

// defaultFilename names downloads that carry no usable file name.
const defaultFilename = "out"

// Source downloads the file behind a URL into dir and returns the file name it used.
type Source interface {
	Download(ctx context.Context, u *url.URL, dir string) (string, error)
}

// StatusError is a non-2xx HTTP response. Wait carries the server's Retry-After, if any.
type StatusError struct {
	URL  string
	Code int
	Wait time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request to %s failed with status %d", e.URL, e.Code)
}

func (e *StatusError) StatusCode() int {
	return e.Code
}

func (e *StatusError) RetryAfter() time.Duration {
	return e.Wait
}

// parseRetryAfter reads a Retry-After header given in seconds; HTTP dates are ignored.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

type httpSource struct {
	log     *slog.Logger
	client  *http.Client
	limiter *rate.Limiter
	retry   retry.Config
}

func (s *httpSource) Download(ctx context.Context, u *url.URL, dir string) (string, error) {
	cfg := s.retry
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		s.log.Warn("landing: download attempt failed, retrying", "url", u.Redacted(), "attempt", attempt, "wait", wait.String(), "error", err)
	}
	var name string
	err := retry.Do(ctx, cfg, func() error {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		var err error
		name, err = s.get(ctx, u, dir)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", u.Redacted(), err)
	}
	return name, nil
}

func (s *httpSource) get(ctx context.Context, u *url.URL, dir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		return "", &StatusError{
			URL:  u.Redacted(),
			Code: resp.StatusCode,
			Wait: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	name := filenameFromDisposition(resp.Header.Get("Content-Disposition"))
	return name, writeFile(dir, name, resp.Body)
}

// filenameFromDisposition extracts the file name of a Content-Disposition header, falling back to
// "out" when there is none.
func filenameFromDisposition(header string) string {
	if header == "" {
		return defaultFilename
	}
	_, params, err := mime.ParseMediaType(header)
	name := params["filename"]
	if err != nil || name == "" {
		// Malformed headers still often carry filename=...
		if _, after, ok := strings.Cut(header, "filename="); ok {
			name = strings.Trim(strings.TrimSpace(strings.SplitN(after, ";", 2)[0]), `"'`)
		}
	}
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "" || name == "." || name == "/" || name == ".." {
		return defaultFilename
	}
	return name
}

// S3API is the subset of the S3 client used to land objects.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type s3Source struct {
	client func(ctx context.Context) (S3API, error)
}

func (s *s3Source) Download(ctx context.Context, u *url.URL, dir string) (string, error) {
	bucket, key := u.Host, strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", fmt.Errorf("invalid s3 url %s: expected s3://bucket/key", u)
	}
	client, err := s.client(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to create s3 client: %w", err)
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	name := path.Base(key)
	if out.ContentDisposition != nil {
		if n := filenameFromDisposition(*out.ContentDisposition); n != defaultFilename {
			name = n
		}
	}
	return name, writeFile(dir, name, out.Body)
}

type fileSource struct{}

func (fileSource) Download(_ context.Context, u *url.URL, dir string) (string, error) {
	f, err := os.Open(u.Path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", u.Path, err)
	}
	defer f.Close()
	name := path.Base(u.Path)
	return name, writeFile(dir, name, f)
}

func writeFile(dir, name string, r io.Reader) error {
	target := joinInside(dir, name)
	if target == "" {
		return fmt.Errorf("invalid file name %q", name)
	}
	f, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", name, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return f.Close()
}

var errUnsupportedScheme = errors.New("unsupported url scheme")
