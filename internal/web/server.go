// Package web serves a read-only status UI and JSON API over the run
// store and the SQLite event log.
package web

import (
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"

	"github.com/panoforge/panoforge/internal/db"
	"github.com/panoforge/panoforge/internal/pipeline"
)

var funcMap = template.FuncMap{
	"badgeClass": func(status string) string {
		return "badge badge-" + strings.ReplaceAll(status, "_", "-")
	},
	"stepName": pipeline.StepName,
}

// Server is the read-only web UI server.
type Server struct {
	store  *pipeline.Store
	db     *db.DB
	port   int
	logger *slog.Logger

	dashboardTmpl *template.Template
	runTmpl       *template.Template
}

// NewServer creates a Server with parsed templates.
func NewServer(store *pipeline.Store, database *db.DB, port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:         store,
		db:            database,
		port:          port,
		logger:        logger,
		dashboardTmpl: mustParseTmpl("dashboard", dashboardTemplate),
		runTmpl:       mustParseTmpl("run", runTemplate),
	}
}

func mustParseTmpl(name, body string) *template.Template {
	return template.Must(template.New(name).Funcs(funcMap).Parse(body))
}

// Routes returns the server's handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleDashboard)
	mux.HandleFunc("GET /runs/{id}", s.handleRun)
	mux.HandleFunc("GET /runs/{id}/stream", s.handleEventStream)
	mux.HandleFunc("GET /api/runs", s.handleAPIRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleAPIRun)
	mux.HandleFunc("GET /api/runs/{id}/events", s.handleAPIEvents)
	return mux
}

// ListenAndServe starts the server on the configured port.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.logger.Info("web ui listening", "addr", addr)
	return http.ListenAndServe(addr, s.Routes())
}

const dashboardTemplate = `<!DOCTYPE html>
<html>
<head><title>panoforge</title><style>
body { font-family: sans-serif; margin: 2rem; }
table { border-collapse: collapse; }
td, th { padding: 0.3rem 0.8rem; border-bottom: 1px solid #ddd; text-align: left; }
.badge { padding: 0.1rem 0.4rem; border-radius: 4px; background: #eee; font-size: 0.85em; }
</style></head>
<body>
<h1>panoforge runs</h1>
<table>
<tr><th>Run</th><th>Phase</th><th>Step</th><th>Source</th><th>Updated</th></tr>
{{range .Runs}}
<tr>
  <td><a href="/runs/{{.ID}}">{{.ID}}</a></td>
  <td><span class="{{badgeClass (printf "%s" .Phase)}}">{{.Phase}}</span></td>
  <td>{{stepName .CurrentStep}}</td>
  <td>{{.SourceImage}}</td>
  <td>{{.UpdatedAt}}</td>
</tr>
{{end}}
</table>
</body>
</html>`

const runTemplate = `<!DOCTYPE html>
<html>
<head><title>run {{.Run.ID}}</title><style>
body { font-family: sans-serif; margin: 2rem; }
table { border-collapse: collapse; margin-bottom: 1.5rem; }
td, th { padding: 0.3rem 0.8rem; border-bottom: 1px solid #ddd; text-align: left; }
.badge { padding: 0.1rem 0.4rem; border-radius: 4px; background: #eee; font-size: 0.85em; }
#events li { font-family: monospace; font-size: 0.9em; }
</style></head>
<body>
<p><a href="/">&larr; all runs</a></p>
<h1>{{.Run.ID}}</h1>
<p>Phase <span class="{{badgeClass (printf "%s" .Run.Phase)}}">{{.Run.Phase}}</span>
   &mdash; step {{stepName .Run.CurrentStep}} &mdash; source {{.Run.SourceImage}}</p>

{{if .Spaces}}
<h2>Spaces</h2>
<table>
<tr><th>Space</th><th>Primary</th><th>Opposite</th></tr>
{{range .Spaces}}
<tr><td>{{.Name}}</td><td>{{.KindAStatus}}</td><td>{{.KindBStatus}}</td></tr>
{{end}}
</table>
{{end}}

{{if .Assets}}
<h2>Assets</h2>
<table>
<tr><th>Asset</th><th>Kind</th><th>Status</th><th>Attempts</th><th>QA</th><th>Blocked</th></tr>
{{range .Assets}}
<tr>
  <td>{{.ID}}</td><td>{{.Kind}}</td>
  <td><span class="{{badgeClass (printf "%s" .Status)}}">{{.Status}}</span></td>
  <td>{{.AttemptCount}}</td><td>{{.QAStatus}}</td><td>{{.BlockReason}}</td>
</tr>
{{end}}
</table>
{{end}}

<h2>Events</h2>
<ul id="events"></ul>
<script>
const es = new EventSource("/runs/{{.Run.ID}}/stream");
es.onmessage = (e) => {
  const li = document.createElement("li");
  li.textContent = e.data;
  document.getElementById("events").prepend(li);
};
es.addEventListener("done", () => es.close());
</script>
</body>
</html>`
