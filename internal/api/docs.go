package api

import (
	"bytes"
	"html/template"
	"net/http"
	"sort"

	"github.com/danielgtaylor/huma/v2"
)

type docRoute struct {
	Method      string
	Path        string
	Summary     string
	OperationID string
}

// docRoutes lists the registered operations, ordered by path then method.
func docRoutes(oapi *huma.OpenAPI) []docRoute {
	var routes []docRoute
	for path, item := range oapi.Paths {
		for method, op := range map[string]*huma.Operation{
			http.MethodGet:    item.Get,
			http.MethodPost:   item.Post,
			http.MethodPut:    item.Put,
			http.MethodDelete: item.Delete,
		} {
			if op == nil {
				continue
			}
			routes = append(routes, docRoute{Method: method, Path: path, Summary: op.Summary, OperationID: op.OperationID})
		}
	}
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Path != routes[j].Path {
			return routes[i].Path < routes[j].Path
		}
		return routes[i].Method < routes[j].Method
	})
	return routes
}

// renderDocs builds the /docs page: a quick reference of the tracker's
// routes above the interactive OpenAPI viewer.
func renderDocs(oapi *huma.OpenAPI) ([]byte, error) {
	var buf bytes.Buffer
	err := docsTemplate.Execute(&buf, struct {
		Title  string
		Routes []docRoute
	}{Title: oapi.Info.Title, Routes: docRoutes(oapi)})
	return buf.Bytes(), err
}

var docsTemplate = template.Must(template.New("docs").Parse(`<!doctype html>
<html lang="en" data-theme="dark">
<head>
  <meta charset="utf-8" />
  <meta name="referrer" content="same-origin" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>{{.Title}}</title>
  <link href="https://unpkg.com/@stoplight/elements@9.0.0/styles.min.css" rel="stylesheet" />
  <script src="https://unpkg.com/@stoplight/elements@9.0.0/web-components.min.js" crossorigin="anonymous"></script>
  <style>
    body { margin: 0; height: 100vh; display: flex; flex-direction: column; background: #0d1117; }
    header { padding: 10px 16px; border-bottom: 1px solid #30363d; color: #c9d1d9;
      font: 12px -apple-system, BlinkMacSystemFont, "Segoe UI", sans-serif; }
    header h1 { display: inline; font-size: 14px; margin-right: 12px; }
    header a { color: #58a6ff; text-decoration: none; }
    header ul { list-style: none; margin: 8px 0 0; padding: 0; columns: 2; }
    header code { color: #8b949e; }
    .method { display: inline-block; width: 40px; font-weight: 600; color: #3fb950; }
    elements-api { flex: 1; min-height: 0; }
  </style>
</head>
<body>
  <header>
    <h1>{{.Title}}</h1>
    <a href="/docs/events">Event stream: badge, count and session feeds</a>
    <ul>
    {{- range .Routes}}
      <li><span class="method">{{.Method}}</span><a href="#/operations/{{.OperationID}}"><code>{{.Path}}</code></a> {{.Summary}}</li>
    {{- end}}
      <li><span class="method">GET</span><a href="/docs/events"><code>/api/v1/events</code></a> Server-sent events</li>
    </ul>
  </header>
  <elements-api
    apiDescriptionUrl="/openapi.json"
    router="hash"
    layout="sidebar"
    tryItCredentialsPolicy="same-origin"
    darkMode
  />
</body>
</html>`))
