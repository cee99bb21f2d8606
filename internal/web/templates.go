package web

import (
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"time"
)

//go:embed templates/*.html
var templateFiles embed.FS

// templateFuncs provides helper functions available in all templates.
var templateFuncs = template.FuncMap{
	"formatTime":    formatTime,
	"humidityLevel": humidityLevel,
}

// loadTemplates parses the layout and each page template. Each page
// template is a clone of the layout with the page-specific blocks
// overridden. Panics on syntax errors so that startup fails fast.
func loadTemplates() map[string]*template.Template {
	layout := template.Must(
		template.New("layout.html").Funcs(templateFuncs).ParseFS(templateFiles, "templates/layout.html"),
	)

	pages := []string{"dashboard.html", "device.html", "login.html"}
	result := make(map[string]*template.Template, len(pages))

	for _, page := range pages {
		t := template.Must(layout.Clone())
		template.Must(t.ParseFS(templateFiles, "templates/"+page))
		result[page] = t
	}

	return result
}

// render executes a named template. If the request has the HX-Request
// header (htmx partial), only the "content" block is rendered.
// Otherwise the full layout is rendered.
func (s *WebServer) render(w http.ResponseWriter, r *http.Request, name string, data any) {
	t, ok := s.templates[name]
	if !ok {
		http.Error(w, "template not found", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	block := "layout.html"
	if r.Header.Get("HX-Request") == "true" {
		block = "content"
	}

	if err := t.ExecuteTemplate(w, block, data); err != nil {
		s.logger.Error("template render failed", "template", name, "block", block, "error", err)
	}
}

// renderBlock executes a single named block of a page template, used
// for htmx fragment swaps. Returns false if the template is unknown.
func (s *WebServer) renderBlock(w http.ResponseWriter, name, block string, data any) bool {
	t, ok := s.templates[name]
	if !ok {
		return false
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := t.ExecuteTemplate(w, block, data); err != nil {
		s.logger.Error("template render failed", "template", name, "block", block, "error", err)
	}
	return true
}

// formatTime renders a timestamp for display. The zero time shows as
// "never", which is what a freshly claimed device reports.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// humidityLevel buckets a moisture percentage into a CSS class.
func humidityLevel(pct float64) string {
	switch {
	case pct < 25:
		return "dry"
	case pct < 60:
		return "ok"
	default:
		return "wet"
	}
}

// pageError formats a REST failure for inline display next to the
// form that triggered it.
func pageError(prefix string, code int, message string) string {
	if message == "" {
		return fmt.Sprintf("%s (status %d)", prefix, code)
	}
	return fmt.Sprintf("%s: %s", prefix, message)
}
