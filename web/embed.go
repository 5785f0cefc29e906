// Package web holds the ops dashboard, a single page that reads the ops API
// and follows broadcast progress over the websocket feed.
package web

import (
	"embed"
	"io/fs"
	"net/http"
	"strings"
)

//go:embed all:dist
var distFS embed.FS

// DashboardHandler serves the embedded dashboard. Unknown paths get the page
// itself, except under /api/ and /ws/ where a missing route stays a 404.
func DashboardHandler() http.Handler {
	site, err := fs.Sub(distFS, "dist")
	if err != nil {
		panic("web: dashboard assets missing: " + err.Error())
	}
	assets := http.FileServer(http.FS(site))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") || strings.HasPrefix(r.URL.Path, "/ws/") {
			http.NotFound(w, r)
			return
		}

		name := strings.TrimPrefix(r.URL.Path, "/")
		if name != "" && name != "index.html" {
			if info, err := fs.Stat(site, name); err == nil && !info.IsDir() {
				assets.ServeHTTP(w, r)
				return
			}
		}

		// Always revalidate the page.
		w.Header().Set("Cache-Control", "no-cache")
		http.ServeFileFS(w, r, site, "index.html")
	})
}
