package middleware

import (
	"fmt"
	"html"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const iconTemplate = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 200 200"><circle cx="100" cy="100" r="96" fill="#1d4ed8"/><circle cx="100" cy="100" r="78" fill="none" stroke="#93c5fd" stroke-width="6"/><text x="100" y="122" text-anchor="middle" font-family="Arial" font-weight="bold" font-size="%d" fill="#ffffff">%s</text></svg>`

// AssetIconServer serves asset icons from dir. Missing icons get a generated
// badge carrying the asset code taken from the file name.
func AssetIconServer(dir string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := filepath.Base(filepath.Clean("/" + r.URL.Path))
		path := filepath.Join(dir, name)

		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			w.Header().Set("Cache-Control", "public, max-age=2592000")
			http.ServeFile(w, r, path)
			return
		}

		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "public, max-age=86400")
		w.Write([]byte(assetBadge(name)))
	})
}

func assetBadge(name string) string {
	code := strings.ToUpper(strings.TrimSuffix(name, filepath.Ext(name)))
	if code == "" || code == "/" || code == "." || len(code) > 12 {
		code = "BD"
	}
	size := 64
	if len(code) > 4 {
		size = 256 / len(code)
	}
	return fmt.Sprintf(iconTemplate, size, html.EscapeString(code))
}
