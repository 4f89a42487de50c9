// Package scraper downloads course handbooks into the data directory.
package scraper

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xhad/handbookqa/internal/logging"
	"github.com/xhad/handbookqa/internal/models"
	"github.com/xhad/handbookqa/pkg/retry"
)

type FetcherConfig struct {
	RateLimit float64 // requests per second
	UserAgent string
	Timeout   time.Duration
	Retry     retry.Policy
	// OnProgress is called once per course after its download finished or failed.
	OnProgress func(result Result)
}

// Result is the outcome for one course.
type Result struct {
	Course  string
	Path    string
	Bytes   int64
	Skipped bool
	Err     error
}

type Fetcher struct {
	config  FetcherConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewWithConfig(config FetcherConfig, logger *zap.Logger) *Fetcher {
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if config.RateLimit == 0 {
		config.RateLimit = 1
	}
	if config.UserAgent == "" {
		config.UserAgent = "handbookqa/1.0"
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = retry.NoRetry
	}

	return &Fetcher{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		logger:  logging.OrNop(logger),
	}
}

// Fetch downloads every course that has a source URL into dir/<file>. A failed
// course is reported in its Result and does not stop the others.
func (f *Fetcher) Fetch(ctx context.Context, courses []models.Course, dir string) ([]Result, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	results := make([]Result, 0, len(courses))
	for _, course := range courses {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		result := Result{Course: course.Name, Path: filepath.Join(dir, course.File)}
		if course.SourceURL == "" {
			result.Skipped = true
		} else {
			result.Bytes, result.Err = f.fetchCourse(ctx, course, result.Path)
		}

		switch {
		case result.Skipped:
			f.logger.Debug("course has no source url", zap.String("course", course.Name))
		case result.Err != nil:
			f.logger.Warn("handbook download failed", zap.String("course", course.Name), zap.Error(result.Err))
		default:
			f.logger.Info("downloaded handbook",
				zap.String("course", course.Name),
				zap.String("path", result.Path),
				zap.Int64("bytes", result.Bytes))
		}

		results = append(results, result)
		if f.config.OnProgress != nil {
			f.config.OnProgress(result)
		}
	}
	return results, nil
}

func (f *Fetcher) fetchCourse(ctx context.Context, course models.Course, dest string) (int64, error) {
	target, err := url.Parse(course.SourceURL)
	if err != nil {
		return 0, fmt.Errorf("invalid source url: %w", err)
	}

	body, contentType, err := f.get(ctx, target.String())
	if err != nil {
		return 0, err
	}

	// A landing page pointing at the handbook rather than the handbook itself.
	if isHTML(contentType) && !isHTMLFile(course.File) {
		link, err := findDocumentLink(body, target, filepath.Ext(course.File))
		if err != nil {
			return 0, err
		}
		f.logger.Debug("following handbook link", zap.String("course", course.Name), zap.String("url", link))
		if body, _, err = f.get(ctx, link); err != nil {
			return 0, err
		}
	}

	return writeAtomic(dest, body)
}

func (f *Fetcher) get(ctx context.Context, rawURL string) ([]byte, string, error) {
	var (
		body        []byte
		contentType string
	)
	err := retry.Do(ctx, f.config.Retry, func(ctx context.Context) error {
		if err := f.limiter.Wait(ctx); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", f.config.UserAgent)

		resp, err := f.client.Do(req)
		if err != nil {
			return retry.Transient(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &retry.StatusError{Service: "handbook", Code: resp.StatusCode, Body: string(data)}
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.Transient(err)
		}
		body = data
		contentType = resp.Header.Get("Content-Type")
		return nil
	})
	return body, contentType, err
}

// findDocumentLink returns the first link on the page whose path ends in ext.
func findDocumentLink(page []byte, base *url.URL, ext string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(page)))
	if err != nil {
		return "", fmt.Errorf("failed to parse landing page: %w", err)
	}

	ext = strings.ToLower(ext)
	var found string
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, _ := sel.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return true
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return true
		}
		if strings.HasSuffix(strings.ToLower(abs.Path), ext) {
			found = abs.String()
			return false
		}
		return true
	})

	if found == "" {
		return "", fmt.Errorf("no %s link found on %s", ext, base)
	}
	return found, nil
}

func isHTML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && (mediaType == "text/html" || mediaType == "application/xhtml+xml")
}

func isHTMLFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".html", ".htm":
		return true
	}
	return false
}

func writeAtomic(dest string, data []byte) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	n, err := tmp.Write(data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return 0, err
	}
	return int64(n), nil
}
