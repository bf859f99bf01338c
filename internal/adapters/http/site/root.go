// Package site serves the embedded live dashboard.
package site

import (
	"context"
	"errors"
	"net/http"
)

// ErrServe is reported when the embedded page cannot be served.
var ErrServe = errors.New("dashboard serve failed")

// DashboardPath is where the dashboard is mounted.
const DashboardPath = "/dashboard"

// Register attaches the dashboard routes to mux. The bare root redirects
// to the dashboard; every other unknown path stays a 404.
func Register(_ context.Context, mux *http.ServeMux) {
	if mux == nil {
		panic("mux is nil")
	}
	h := NewRootHandler()
	mux.HandleFunc("GET "+DashboardPath, h.HandleDashboard)
	mux.Handle("GET /assets/", http.StripPrefix("/assets/", http.FileServer(FS())))
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, DashboardPath, http.StatusFound)
	})
}

// RootHandler serves the dashboard page.
type RootHandler struct {
	files http.FileSystem
}

// NewRootHandler creates a new root handler.
func NewRootHandler() *RootHandler {
	return &RootHandler{files: FS()}
}

// HandleDashboard handles GET /dashboard requests.
func (h *RootHandler) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	f, err := h.files.Open("index.html")
	if err != nil {
		http.Error(w, ErrServe.Error(), http.StatusInternalServerError)
		return
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		http.Error(w, ErrServe.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	http.ServeContent(w, r, "index.html", info.ModTime(), f)
}
