package mcpserver

import (
	"encoding/json"
	"html/template"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/mark3labs/mcp-go/server"
	log "github.com/sirupsen/logrus"

	"marketplace-backend/internal/catalog"
	"marketplace-backend/internal/logging"
)

var homepage = template.Must(template.New("home").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<title>Used Goods Marketplace - MCP Server</title>
<style>
body { font-family: sans-serif; max-width: 900px; margin: 0 auto; padding: 20px; }
.stats { display: flex; gap: 16px; }
.stat { background: #f4f6f8; padding: 16px; border-radius: 6px; flex: 1; text-align: center; }
.num { font-size: 24px; font-weight: bold; }
.tool { margin: 10px 0; padding: 10px; border-left: 4px solid #e74c3c; background: #fafafa; }
</style>
</head>
<body>
<h1>Used Goods Marketplace</h1>
<p>MCP server for second-hand items.</p>
<div class="stats">
  <div class="stat"><div class="num">{{.Stats.TotalItems}}</div>Active Listings</div>
  <div class="stat"><div class="num">{{.Stats.TotalOffers}}</div>Total Offers</div>
  <div class="stat"><div class="num">{{len .Stats.Categories}}</div>Categories</div>
  <div class="stat"><div class="num">${{printf "%.0f" .Stats.AvgAskingPrice}}</div>Avg. Asking Price</div>
</div>
<h3>Available Tools</h3>
{{range .Tools}}<div class="tool"><b>{{.Name}}</b><br>{{.Description}}</div>
{{end}}
<h3>Endpoints</h3>
<ul>
  <li>SSE: <code>{{.BaseURL}}/sse</code> (messages: <code>{{.BaseURL}}/message</code>)</li>
  <li>Streamable HTTP: <code>{{.BaseURL}}/mcp</code></li>
</ul>
</body>
</html>
`))

type toolInfo struct {
	Name        string
	Description string
}

type homeData struct {
	Stats   catalog.Stats
	Tools   []toolInfo
	BaseURL string
}

// NewRouter mounts the MCP transports and the informational pages.
// gorilla/mux: /sse and /mcp hold long-lived connections, so no middleware
// here may buffer the response.
func NewRouter(c *catalog.Catalog, baseURL string) http.Handler {
	baseURL = strings.TrimRight(baseURL, "/")
	s := New(c)

	// mark3labs/mcp-go: the SSE transport hands each client a session-scoped
	// message endpoint under baseURL.
	sse := server.NewSSEServer(s, server.WithBaseURL(baseURL))
	streamable := server.NewStreamableHTTPServer(s)

	data := homeData{Stats: c.Stats(), BaseURL: baseURL}
	for _, d := range toolDefs(nil) {
		data.Tools = append(data.Tools, toolInfo{Name: d.tool.Name, Description: d.tool.Description})
	}

	r := mux.NewRouter()
	r.Handle("/sse", sse.SSEHandler()).Methods(http.MethodGet)
	r.Handle("/message", sse.MessageHandler()).Methods(http.MethodPost)
	r.PathPrefix("/mcp").Handler(streamable)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "items": c.Len()})
	}).Methods(http.MethodGet)
	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := homepage.Execute(w, data); err != nil {
			log.WithError(err).Error("mcpserver: render homepage")
		}
	}).Methods(http.MethodGet)

	return logging.Middleware(r)
}
