package landing

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/zones/utils/pkg/retry"
	"github.com/malbeclabs/zones/zones/pkg/config"
	"golang.org/x/time/rate"
)

const (
	defaultHTTPTimeout = 60 * time.Second
	snapshotDateLayout = "2006_01_02"
)

type Config struct {
	Logger *slog.Logger
	Layout config.Layout
	Clock  clockwork.Clock

	HTTPClient *http.Client
	// RequestsPerSecond bounds outgoing HTTP requests, retries included.
	RequestsPerSecond float64
	Retry             retry.Config

	// S3 is used for s3:// URLs; the default client is built from the environment on first use.
	S3 S3API

	// Overwrite replaces a file already landed for the same dataset and day.
	Overwrite bool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Layout.Root == "" {
		return errors.New("layout root is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 2
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// Lander brings the file behind a pipeline URL into the persistent landing zone.
type Lander struct {
	log *slog.Logger
	cfg Config

	sources map[string]Source

	s3Once   sync.Once
	s3Client S3API
	s3Err    error
}

func New(cfg Config) (*Lander, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Lander{log: cfg.Logger, cfg: cfg}
	hs := &httpSource{
		log:     cfg.Logger,
		client:  cfg.HTTPClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		retry:   cfg.Retry,
	}
	l.sources = map[string]Source{
		"http":  hs,
		"https": hs,
		"s3":    &s3Source{client: l.s3},
		"file":  fileSource{},
	}
	return l, nil
}

func (l *Lander) s3(ctx context.Context) (S3API, error) {
	if l.cfg.S3 != nil {
		return l.cfg.S3, nil
	}
	l.s3Once.Do(func() {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			l.s3Err = fmt.Errorf("failed to load aws config: %w", err)
			return
		}
		l.s3Client = s3.NewFromConfig(awsCfg)
	})
	return l.s3Client, l.s3Err
}

type Result struct {
	// Path of the persistent file for today's snapshot.
	Path string
	// Snapshot is the file name without extension, which becomes the formatted table name.
	Snapshot string
	// Kept is set when a file for the same day already existed and was left in place.
	Kept bool
}

// Land downloads the pipeline's file, applies its unfold steps and moves the result to
// landing/persistent/<dataset>/<dataset>_<YYYY_MM_DD>.<ext>.
func (l *Lander) Land(ctx context.Context, p *config.Pipeline) (*Result, error) {
	u, err := url.Parse(p.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL for pipeline %s: %w", p.Name, err)
	}
	src, ok := l.sources[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w %q for pipeline %s", errUnsupportedScheme, u.Scheme, p.Name)
	}

	tmp := filepath.Join(l.cfg.Layout.LandingTemporalDir(), p.Name)
	if err := os.RemoveAll(tmp); err != nil {
		return nil, fmt.Errorf("failed to clear %s: %w", tmp, err)
	}
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	defer os.RemoveAll(tmp)

	l.log.Info("landing: downloading", "dataset", p.Name, "url", u.Redacted())
	name, err := src.Download(ctx, u, tmp)
	if err != nil {
		return nil, err
	}

	if len(p.Unfold) > 0 {
		name, err = unfold(tmp, p.Unfold)
		if err != nil {
			return nil, fmt.Errorf("failed to unfold download of %s: %w", p.Name, err)
		}
	}

	return l.persist(p.Name, filepath.Join(tmp, name))
}

func (l *Lander) persist(dataset, file string) (*Result, error) {
	dir := l.cfg.Layout.LandingPersistentDir(dataset)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	snapshot := dataset + "_" + l.cfg.Clock.Now().UTC().Format(snapshotDateLayout)
	target := filepath.Join(dir, snapshot+"."+extension(filepath.Base(file)))
	res := &Result{Path: target, Snapshot: snapshot}

	if _, err := os.Stat(target); err == nil {
		if !l.cfg.Overwrite {
			l.log.Warn("landing: file for this date already exists, keeping it", "dataset", dataset, "path", target)
			res.Kept = true
			return res, nil
		}
		l.log.Info("landing: overwriting file for this date", "dataset", dataset, "path", target)
	}

	if err := os.Rename(file, target); err != nil {
		return nil, fmt.Errorf("failed to move %s to %s: %w", file, target, err)
	}
	l.log.Info("landing: stored", "dataset", dataset, "path", target)
	return res, nil
}

// extension returns the text after the last dot of name, or name itself when it has none.
func extension(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 && i < len(name)-1 {
		return name[i+1:]
	}
	return name
}

// unfold runs the steps against dir and returns the selected file. Each step matches the whole file
// name against its pattern and uses the first match in name order.
func unfold(dir string, steps []config.UnfoldStep) (string, error) {
	for _, step := range steps {
		re, err := regexp.Compile("^" + step.Pattern + "$")
		if err != nil {
			return "", fmt.Errorf("invalid pattern %q: %w", step.Pattern, err)
		}
		match, err := firstMatch(dir, re)
		if err != nil {
			return "", err
		}
		switch step.Step {
		case config.UnfoldFile:
			return match, nil
		case config.UnfoldZip:
			if err := extractZip(filepath.Join(dir, match), dir); err != nil {
				return "", err
			}
		default:
			return "", fmt.Errorf("unknown unfold step %q", step.Step)
		}
	}
	return "", errors.New("unfold steps must end with a file step")
}

func firstMatch(dir string, re *regexp.Regexp) (string, error) {
	var names []string
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to list %s: %w", dir, err)
	}
	slices.Sort(names)
	for _, n := range names {
		if re.MatchString(n) || re.MatchString(filepath.Base(n)) {
			return filepath.FromSlash(n), nil
		}
	}
	return "", fmt.Errorf("no file matches %s", re)
}

func extractZip(archive, dir string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("failed to open zip %s: %w", filepath.Base(archive), err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		target := joinInside(dir, f.Name)
		if target == "" {
			return fmt.Errorf("zip entry %q escapes the extraction directory", f.Name)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := extractEntry(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to read zip entry %s: %w", f.Name, err)
	}
	defer rc.Close()
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("failed to extract %s: %w", f.Name, err)
	}
	return out.Close()
}

// joinInside joins name under dir and returns "" if the result would leave dir.
func joinInside(dir, name string) string {
	p := filepath.Join(dir, filepath.FromSlash(name))
	rel, err := filepath.Rel(dir, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}
	return p
}
