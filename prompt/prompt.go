// Package prompt loads and renders the prompt templates used for segment
// explanations and studio-mode conversations. Templates are plain
// text/template files; user-provided templates in a project directory
// override the embedded defaults.
package prompt

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Template names shipped with the engine.
const (
	// NameExplain renders the single-segment explanation prompt.
	NameExplain = "explain"

	// NameStudio renders the tutor-persona studio conversation prompt.
	NameStudio = "studio"
)

//go:embed prompts/*.txt
var embeddedPrompts embed.FS

// Loader loads and renders prompt templates.
type Loader struct {
	dirs    []string
	cache   map[string]*template.Template
	funcMap template.FuncMap
}

// NewLoader creates a prompt loader. It searches dataDir/prompts before
// falling back to the embedded defaults.
func NewLoader(dataDir string) *Loader {
	var dirs []string
	if dataDir != "" {
		dirs = append(dirs, filepath.Join(dataDir, "prompts"))
	}
	return &Loader{
		dirs:    dirs,
		cache:   make(map[string]*template.Template),
		funcMap: defaultPromptFuncMap(),
	}
}

// AddSearchDir prepends a directory to the search path.
func (l *Loader) AddSearchDir(dir string) {
	l.dirs = append([]string{dir}, l.dirs...)
}

// Vars holds the substitution variables the shipped templates understand.
type Vars struct {
	Sentence string // The segment text being explained or discussed
	Context  string // Surrounding transcript text
	Language string // Target response language (e.g., "English")
	Question string // User's question, studio mode only
}

// Render loads a template by name and renders it.
func (l *Loader) Render(name string, vars Vars) (string, error) {
	tmpl, err := l.getTemplate(name)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", name, err)
	}
	return buf.String(), nil
}

// Exists checks whether a template is available.
func (l *Loader) Exists(name string) bool {
	_, err := l.loadRaw(name)
	return err == nil
}

func (l *Loader) getTemplate(name string) (*template.Template, error) {
	if tmpl, ok := l.cache[name]; ok {
		return tmpl, nil
	}

	content, err := l.loadRaw(name)
	if err != nil {
		return nil, err
	}

	tmpl, err := template.New(name).Funcs(l.funcMap).Parse(content)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template %s: %w", name, err)
	}

	l.cache[name] = tmpl
	return tmpl, nil
}

func (l *Loader) loadRaw(name string) (string, error) {
	filename := name + ".txt"

	for _, dir := range l.dirs {
		data, err := os.ReadFile(filepath.Join(dir, filename))
		if err == nil {
			return string(data), nil
		}
	}

	data, err := embeddedPrompts.ReadFile("prompts/" + filename)
	if err != nil {
		return "", fmt.Errorf("prompt not found: %s", name)
	}
	return string(data), nil
}

func defaultPromptFuncMap() template.FuncMap {
	return template.FuncMap{
		"join":  strings.Join,
		"trim":  strings.TrimSpace,
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
		"title": cases.Title(language.English).String,
		"quote": func(s string) string { return fmt.Sprintf("%q", s) },
	}
}

// Builder helps construct conversation prompts programmatically.
type Builder struct {
	parts []string
}

// NewBuilder creates a new prompt builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Add adds text to the prompt.
func (b *Builder) Add(text string) *Builder {
	b.parts = append(b.parts, text)
	return b
}

// AddSection adds a markdown section with header.
func (b *Builder) AddSection(header, content string) *Builder {
	b.parts = append(b.parts, fmt.Sprintf("## %s\n\n%s", header, content))
	return b
}

// AddTurn adds one conversation turn in role-prefixed form.
func (b *Builder) AddTurn(role, content string) *Builder {
	b.parts = append(b.parts, fmt.Sprintf("%s: %s", cases.Title(language.English).String(role), content))
	return b
}

// Build returns the constructed prompt.
func (b *Builder) Build() string {
	return strings.Join(b.parts, "\n\n")
}
