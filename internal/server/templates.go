package server

import (
	"bytes"
	"html/template"
	"net/http"

	"github.com/rs/zerolog"

	"devtunnel/internal/ui"
)

type TemplateManager struct {
	Templates map[string]*template.Template
	log       zerolog.Logger
}

func NewTemplateManager(log zerolog.Logger) (*TemplateManager, error) {
	tmpls, err := loadTemplates()
	if err != nil {
		return nil, err
	}
	return &TemplateManager{Templates: tmpls, log: log}, nil
}

func loadTemplates() (map[string]*template.Template, error) {
	tmpls := make(map[string]*template.Template)

	layoutContent, err := ui.Templates.ReadFile("layout.html")
	if err != nil {
		return nil, err
	}

	baseTmpl, err := template.New("layout").Parse(string(layoutContent))
	if err != nil {
		return nil, err
	}

	pages := []string{"status.html"}

	for _, page := range pages {
		pageContent, err := ui.Templates.ReadFile(page)
		if err != nil {
			return nil, err
		}

		pageTmpl, err := baseTmpl.Clone()
		if err != nil {
			return nil, err
		}

		if _, err = pageTmpl.Parse(string(pageContent)); err != nil {
			return nil, err
		}

		tmpls[page] = pageTmpl
	}

	return tmpls, nil
}

// Render executes the named page into a buffer first so a template error
// still yields a clean 500.
func (tm *TemplateManager) Render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := tm.Templates[name]
	if !ok {
		tm.log.Error().Msgf("Template %s not found", name)
		http.Error(w, "Template not found", http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		tm.log.Error().Err(err).Msgf("Error executing template %s", name)
		http.Error(w, "Template error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}
