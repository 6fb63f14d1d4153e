package web

import (
	"bytes"
	_ "embed"
	"html/template"
	"net/http"
)

//go:embed static/dashboard.html
var dashboardHTML string

var dashboardTemplate = template.Must(template.New("dashboard").Parse(dashboardHTML))

// Dashboard serves a page that follows dataset jobs over the WebSocket hub
type Dashboard struct {
	page []byte
}

// NewDashboard renders the page for the hub mounted at wsPath
func NewDashboard(wsPath, version string) (*Dashboard, error) {
	var buf bytes.Buffer
	err := dashboardTemplate.Execute(&buf, struct {
		WSPath  string
		Version string
	}{wsPath, version})
	if err != nil {
		return nil, err
	}
	return &Dashboard{page: buf.Bytes()}, nil
}

// ServeHTTP serves the dashboard HTML
func (d *Dashboard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	_, _ = w.Write(d.page)
}
