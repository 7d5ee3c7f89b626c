package ecsyslog

import (
	"encoding/json"
	"errors"
	"html/template"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/justinas/nosurf"
	"github.com/rs/zerolog"

	"github.com/eventconsole/ecsyslog/logging"
)

// Searcher runs a bleve query string query over archived events.
type Searcher interface {
	Search(query string) ([]string, error)
}

// Server serves query clients: a form at / and JSON at /search.
type Server struct {
	iface    string
	Searcher Searcher

	addr     net.Addr
	srv      *http.Server
	template *template.Template
	logger   zerolog.Logger
}

// NewServer returns a new Server instance.
func NewServer(iface string, searcher Searcher) *Server {
	return &Server{
		iface:    iface,
		Searcher: searcher,
		template: template.Must(template.New("ServerTemplate").Parse(templateSource)),
		logger:   logging.Component("server"),
	}
}

// Start instructs the Server to bind to the interface and accept connections.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.iface)
	if err != nil {
		return err
	}
	s.addr = ln.Addr()

	csrfHandler := nosurf.New(s.Handler())
	csrfHandler.SetBaseCookie(http.Cookie{HttpOnly: true, Path: "/"})
	csrfHandler.ExemptPath("/search")

	s.srv = &http.Server{
		Handler:           csrfHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("query server stopped")
		}
	}()
	return nil
}

// Close stops the server.
func (s *Server) Close() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Close()
}

// Addr returns the address to which the Server is bound.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Handler returns the routes of the server, without CSRF protection.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/search", s.handleSearch)
	mux.HandleFunc("/", s.handleForm)
	return mux
}

// handleSearch serves GET /search?q=<query> as a JSON array of messages.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	dontCache(w)
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Unsupported method", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query().Get("q")
	if q == "" {
		http.Error(w, "query parameter q is required", http.StatusBadRequest)
		return
	}

	s.logger.Debug().Str("query", q).Msg("executing query")
	results, err := s.Searcher.Search(q)
	if err != nil {
		s.logger.Warn().Err(err).Str("query", q).Msg("query failed")
		http.Error(w, "Error executing query: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if results == nil {
		results = []string{}
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(results); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write query results")
	}
}

type formData struct {
	Token         string
	Title         string
	Headline      string
	ReturnResults bool
	LogMessages   []string
}

// handleForm serves the query form on GET, and the results of a query on POST.
func (s *Server) handleForm(w http.ResponseWriter, r *http.Request) {
	dontCache(w)

	data := formData{
		Token:    nosurf.Token(r),
		Title:    "ecsyslog query interface",
		Headline: "ecsyslog query interface",
	}

	switch r.Method {
	case http.MethodGet, http.MethodHead:
	case http.MethodPost:
		if err := r.ParseForm(); err != nil {
			s.logger.Warn().Err(err).Msg("error parsing form")
			http.Error(w, "Error parsing form", http.StatusBadRequest)
			return
		}
		q := r.FormValue("query")
		if q == "" {
			break
		}
		s.logger.Debug().Str("query", q).Msg("executing query")
		results, err := s.Searcher.Search(q)
		if err != nil {
			s.logger.Warn().Err(err).Str("query", q).Msg("query failed")
			http.Error(w, "Error executing query: "+err.Error(), http.StatusInternalServerError)
			return
		}
		data.ReturnResults = true
		data.LogMessages = results
		data.Headline = "Listing " + strconv.Itoa(len(results)) + " results for '" + q + "'"
	default:
		http.Error(w, "Unsupported method", http.StatusMethodNotAllowed)
		return
	}

	if err := s.template.Execute(w, data); err != nil {
		s.logger.Warn().Err(err).Msg("error executing template")
	}
}

// dontCache sets headers to avoid client and intermediate caching of the response.
func dontCache(w http.ResponseWriter) {
	w.Header().Set("Expires", time.Unix(0, 0).Format(time.RFC1123))
	w.Header().Set("Last-Modified", time.Now().Format(time.RFC1123))
	w.Header().Set("Cache-Control", "private, no-store, max-age=0, no-cache, must-revalidate")
}

const templateSource string = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8" />
<title>{{ $.Title }}</title>
<style type="text/css">
body, h3 { margin: 50px; font-family: sans-serif; font-size: 13px; }
pre { white-space: pre-wrap; }
textarea { margin: 20px 20px 20px 0; }
</style>
</head>
<body>
	<h2>{{ $.Headline }}</h2>
	<div id="help">Query language reference: <a href="http://www.blevesearch.com/docs/Query-String-Query/">Bleve Query Strings</a></div>
	<form action="/" method="POST">
	<textarea name="query" cols="100" rows="2"></textarea>
	<br>
	<input name="submit" type="submit" value="Query">
	<input name="csrf_token" type="hidden" value="{{ $.Token }}">
	</form>
{{ if $.ReturnResults }}
	<hr>
	<ul>
	{{ range $message := $.LogMessages }}<li><pre>{{ $message }}</pre></li>
	{{ end }}
	</ul>
{{ end }}
</body>
</html>
`
