package rag

import (
	"embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/xhad/handbookqa/internal/models"
)

//go:embed prompts/*.tmpl
var defaultPrompts embed.FS

// Prompts holds the reformulation and answer templates.
type Prompts struct {
	reformulate *template.Template
	qa          *template.Template
}

type reformulateData struct {
	ChatHistory   string
	LatestMessage string
}

type qaData struct {
	Context string
}

// legacy {placeholder} names are accepted in prompt files
var placeholders = strings.NewReplacer(
	"{chat_history}", "{{.ChatHistory}}",
	"{latest_message}", "{{.LatestMessage}}",
	"{context_str}", "{{.Context}}",
)

// LoadPrompts reads the templates from the given paths. Empty paths use the
// built-in templates.
func LoadPrompts(reformulatePath, qaPath string) (*Prompts, error) {
	reformulate, err := loadTemplate("reformulate", reformulatePath)
	if err != nil {
		return nil, err
	}
	qa, err := loadTemplate("qa", qaPath)
	if err != nil {
		return nil, err
	}
	return &Prompts{reformulate: reformulate, qa: qa}, nil
}

// DefaultPrompts returns the built-in templates.
func DefaultPrompts() *Prompts {
	p, err := LoadPrompts("", "")
	if err != nil {
		panic(err)
	}
	return p
}

func loadTemplate(name, path string) (*template.Template, error) {
	var (
		data []byte
		err  error
	)
	if path == "" {
		data, err = defaultPrompts.ReadFile("prompts/" + name + ".tmpl")
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("error reading %s prompt: %w", name, err)
	}

	text := string(data)
	if !strings.Contains(text, "{{") {
		text = placeholders.Replace(text)
	}

	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("error parsing %s prompt: %w", name, err)
	}
	return tmpl, nil
}

func (p *Prompts) Reformulate(history []models.Turn, latest string) (string, error) {
	var b strings.Builder
	err := p.reformulate.Execute(&b, reformulateData{
		ChatHistory:   FormatHistory(history),
		LatestMessage: latest,
	})
	if err != nil {
		return "", fmt.Errorf("error rendering reformulate prompt: %w", err)
	}
	return b.String(), nil
}

func (p *Prompts) QA(context string) (string, error) {
	var b strings.Builder
	if err := p.qa.Execute(&b, qaData{Context: context}); err != nil {
		return "", fmt.Errorf("error rendering qa prompt: %w", err)
	}
	return b.String(), nil
}

// FormatHistory renders turns as alternating User/Assistant lines.
func FormatHistory(history []models.Turn) string {
	var b strings.Builder
	for i, turn := range history {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "User: %s\nAssistant: %s", turn.User, turn.Assistant)
	}
	return b.String()
}
