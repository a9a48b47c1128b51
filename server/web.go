package server

import (
	"embed"
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/mbocsi/wattstream/dashboard"
	"github.com/mbocsi/wattstream/proto"
)

//go:embed templates/*.html
var templateFS embed.FS

type Templates struct {
	templates *template.Template
}

func NewTemplates() *Templates {
	funcMap := template.FuncMap{
		"watts": dashboard.FormatWatts,
	}
	templates := template.New("").Funcs(funcMap)
	return &Templates{
		templates: template.Must(templates.ParseFS(templateFS, "templates/*.html")),
	}
}

func (t *Templates) Render(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := t.templates.ExecuteTemplate(w, name, data)
	if err != nil {
		http.Error(w, "Template rendering error: "+err.Error(), http.StatusInternalServerError)
	}
}

func (s *FeedServer) HandleHome(w http.ResponseWriter, r *http.Request) {
	reading, ok := s.poller.Latest()
	s.templates.Render(w, "home", map[string]any{
		"Reading":    reading,
		"HasReading": ok,
		"Clients":    s.hub.Count(),
		"StreamPath": proto.StreamPath,
	})
}

// HandleLatest serves the latest reading as JSON, or 204 before the first one.
func (s *FeedServer) HandleLatest(w http.ResponseWriter, r *http.Request) {
	reading, ok := s.poller.Latest()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	data, err := reading.Marshal()
	if err != nil {
		slog.Error("Failed to marshal reading", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *FeedServer) HandleClients(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.hub.Clients()); err != nil {
		slog.Error("Failed to encode clients", "error", err)
	}
}

func (s *FeedServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok"))
}
