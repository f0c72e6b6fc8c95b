package render

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

const (
	entryTemplate  = "entry.ipxe.tmpl"
	rejectTemplate = "reject.ipxe.tmpl"
)

// Engine renders templates embedded in the package.
type Engine struct {
	templates *template.Template
}

// New initialises an Engine by parsing all embedded templates.
func New() (*Engine, error) {
	t, err := template.New("render").ParseFS(templatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Engine{templates: t}, nil
}

// Render executes the named template with the provided data and returns the rendered string.
func (e *Engine) Render(name string, data any) (string, error) {
	if e == nil || e.templates == nil {
		return "", fmt.Errorf("nil engine")
	}

	buf := bytes.NewBuffer(nil)
	if err := e.templates.ExecuteTemplate(buf, name, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

// Scripts holds the two fixed iPXE scripts of the boot protocol. Both depend only on the public
// base URL, so they are rendered once at startup.
type Scripts struct {
	// Entry asks the operator for credentials and chains to the resolve endpoint.
	Entry string
	// Reject reports bad credentials and chains back to the entry script.
	Reject string
}

// NewScripts renders the boot scripts for the given public base URL, e.g. "http://10.0.0.2:8080".
func (e *Engine) NewScripts(baseURL string) (Scripts, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return Scripts{}, errors.New("base url is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return Scripts{}, fmt.Errorf("invalid base url %q", baseURL)
	}

	data := struct{ BaseURL string }{BaseURL: baseURL}
	entry, err := e.Render(entryTemplate, data)
	if err != nil {
		return Scripts{}, fmt.Errorf("render entry script: %w", err)
	}
	reject, err := e.Render(rejectTemplate, data)
	if err != nil {
		return Scripts{}, fmt.Errorf("render reject script: %w", err)
	}
	return Scripts{Entry: entry, Reject: reject}, nil
}
