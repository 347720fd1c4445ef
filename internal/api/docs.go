package api

import (
	"embed"
	"net/http"
)

//go:embed static/openapi.yaml
var docsFS embed.FS

// docsPage renders the bundled OpenAPI document. The status API is read-only,
// so "try it out" is limited to GET.
const docsPage = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8"/>
  <title>imgcrawler · crawl status</title>
  <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/swagger-ui-dist@5/swagger-ui.css" />
  <style>
    body { margin: 0; font-family: sans-serif; background: #fafafa; }
    header { padding: 16px 24px; background: #263238; color: #eceff1; }
    header h1 { margin: 0 0 4px; font-size: 20px; }
    header p { margin: 0; font-size: 13px; }
    header a { color: #80cbc4; margin-right: 12px; }
  </style>
</head>
<body>
<header>
  <h1>imgcrawler crawl status</h1>
  <p>
    Live view of a running crawl:
    <a href="/api/stats">counters</a>
    <a href="/api/stats/events">event stream</a>
    <a href="/api/proxies">proxy pool</a>
    <a href="/openapi.yaml">openapi.yaml</a>
  </p>
</header>
<div id="swagger-ui"></div>
<script src="https://cdn.jsdelivr.net/npm/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
<script>
window.onload = () => {
  SwaggerUIBundle({
    url: '/openapi.yaml',
    dom_id: '#swagger-ui',
    presets: [SwaggerUIBundle.presets.apis],
    docExpansion: 'list',
    defaultModelsExpandDepth: 0,
    supportedSubmitMethods: ['get']
  });
};
</script>
</body>
</html>`

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	http.ServeFileFS(w, r, docsFS, "static/openapi.yaml")
}

func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write([]byte(docsPage))
}
