package middleware

import (
	"net/http"
	"os"
	"path/filepath"
)

const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 200 200"><rect width="200" height="200" fill="#f0f0f0"/><rect x="40" y="40" width="35" height="35" fill="#999"/><rect x="125" y="40" width="35" height="35" fill="#999"/><rect x="40" y="125" width="35" height="35" fill="#999"/><rect x="95" y="95" width="15" height="15" fill="#999"/><text x="100" y="185" text-anchor="middle" font-family="Arial" font-size="14" fill="#666">QR</text></svg>`

// StaticFileServer serves rendered QR images, falling back to a placeholder
// when an image has not been rendered yet.
func StaticFileServer(dir string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Join(dir, filepath.Clean(r.URL.Path))

		if _, err := os.Stat(path); err == nil {
			w.Header().Set("Cache-Control", "public, max-age=2592000")
			http.ServeFile(w, r, path)
			return
		}

		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "public, max-age=86400")
		w.Write([]byte(placeholderSVG))
	})
}
