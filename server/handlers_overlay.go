package server

import (
	"bytes"
	"embed"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/onnwee/clipcast/playback"
)

//go:embed templates/*.html
var templateFiles embed.FS

func parseTemplates() *template.Template {
	return template.Must(template.ParseFS(templateFiles, "templates/*.html"))
}

func (h *Handlers) render(w http.ResponseWriter, name string, data any) {
	var buf bytes.Buffer
	if err := h.templates.ExecuteTemplate(&buf, name, data); err != nil {
		slog.Error("template render failed", slog.String("template", name), slog.Any("err", err))
		http.Error(w, "render error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

// HandleOverlay serves the browser-source page for /overlay/{channel}.
func (h *Handlers) HandleOverlay(w http.ResponseWriter, r *http.Request) {
	channel := playback.Key(r.PathValue("channel"))
	if !channelNamePattern.MatchString(channel) {
		http.Error(w, "invalid channel", http.StatusBadRequest)
		return
	}
	h.render(w, "overlay.html", map[string]any{"Channel": channel})
}
