// Package loader extracts typed text elements from handbook files.
package loader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/tmc/langchaingo/documentloaders"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"

	"github.com/xhad/handbookqa/internal/logging"
	"github.com/xhad/handbookqa/internal/models"
	"github.com/xhad/handbookqa/pkg/processor"
)

var ErrUnsupported = errors.New("unsupported file type")

var extensions = map[string]string{
	".pdf":      "pdf",
	".html":     "html",
	".htm":      "html",
	".txt":      "text",
	".md":       "text",
	".markdown": "text",
}

// Supported reports whether path has a loadable extension.
func Supported(path string) bool {
	_, ok := extensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// SupportedExtensions returns file extensions this loader handles.
func SupportedExtensions() []string {
	out := make([]string, 0, len(extensions))
	for ext := range extensions {
		out = append(out, ext)
	}
	return out
}

type Loader struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Loader {
	return &Loader{logger: logging.OrNop(logger)}
}

// Load reads the document at path and partitions it into elements.
func (l *Loader) Load(ctx context.Context, path string) (*models.Document, error) {
	kind, ok := extensions[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, filepath.Base(path))
	}

	var (
		elements []models.Element
		err      error
	)
	switch kind {
	case "pdf":
		elements, err = l.loadPDF(ctx, path)
	case "html":
		elements, err = l.loadHTML(path)
	default:
		elements, err = l.loadText(ctx, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", filepath.Base(path), err)
	}

	l.logger.Debug("loaded document",
		zap.String("path", path),
		zap.Int("elements", len(elements)))

	return &models.Document{
		Path:     path,
		Filename: filepath.Base(path),
		Elements: elements,
	}, nil
}

func (l *Loader) loadPDF(ctx context.Context, path string) ([]models.Element, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	pages, err := documentloaders.NewPDF(f, info.Size()).Load(ctx)
	if err != nil {
		return nil, err
	}

	var elements []models.Element
	for i, page := range pages {
		elements = append(elements, processor.Partition(page.PageContent, pageNumber(page, i+1))...)
	}
	return elements, nil
}

func pageNumber(doc schema.Document, fallback int) int {
	switch v := doc.Metadata["page"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

func (l *Loader) loadText(ctx context.Context, path string) ([]models.Element, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	docs, err := documentloaders.NewText(f).Load(ctx)
	if err != nil {
		return nil, err
	}

	var elements []models.Element
	for _, doc := range docs {
		elements = append(elements, processor.Partition(doc.PageContent, 0)...)
	}
	return elements, nil
}

const htmlBlocks = "h1, h2, h3, h4, h5, h6, p, li, table, pre, blockquote"

func (l *Loader) loadHTML(path string) ([]models.Element, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	doc, err := goquery.NewDocumentFromReader(f)
	if err != nil {
		return nil, err
	}
	doc.Find("script, style, nav, footer, header, noscript").Remove()

	var elements []models.Element
	doc.Find(htmlBlocks).Each(func(_ int, s *goquery.Selection) {
		name := goquery.NodeName(s)

		// nested blocks are emitted by their outermost block
		if s.ParentsFiltered("table").Length() > 0 {
			return
		}
		if name != "li" && s.ParentsFiltered("li, blockquote").Length() > 0 {
			return
		}

		switch name {
		case "table":
			if text := tableText(s); text != "" {
				elements = append(elements, models.Element{Kind: models.KindTable, Text: text})
			}
		case "h1", "h2", "h3", "h4", "h5", "h6":
			if text := collapse(s.Text()); text != "" {
				elements = append(elements, models.Element{Kind: models.KindTitle, Text: text})
			}
		default:
			if text := collapse(s.Text()); text != "" {
				elements = append(elements, models.Element{Kind: models.KindText, Text: text})
			}
		}
	})

	return elements, nil
}

func tableText(table *goquery.Selection) string {
	var rows []string
	table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		var cells []string
		tr.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
			if text := collapse(cell.Text()); text != "" {
				cells = append(cells, text)
			}
		})
		if len(cells) > 0 {
			rows = append(rows, strings.Join(cells, " | "))
		}
	})
	return strings.Join(rows, "\n")
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
