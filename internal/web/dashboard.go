package web

import (
	_ "embed"
	"net/http"
	"strings"
)

//go:embed dashboard.html
var dashboardHTML string

// DashboardHandler serves the live event dashboard. wsPath is the
// WebSocket endpoint the page subscribes to.
func DashboardHandler(wsPath string) http.Handler {
	page := strings.ReplaceAll(dashboardHTML, "{{WS_PATH}}", wsPath)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'unsafe-inline'; script-src 'unsafe-inline'; connect-src 'self' ws: wss:")

		w.Write([]byte(page))
	})
}
