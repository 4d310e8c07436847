// Package web serves the cowfork dashboard: the scenarios the server
// knows, the reports it has kept, and the final page mappings of every
// environment a report ran.
package web

import (
	"crypto/sha256"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kahiteam/cowfork/internal/kernel"
	"github.com/kahiteam/cowfork/internal/mmu"
	"github.com/kahiteam/cowfork/internal/scenario"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

// ReportSource provides kept reports, oldest first.
type ReportSource interface {
	Reports() []*scenario.Report
}

// ReportView is the template data for one row of the reports table.
type ReportView struct {
	Index       int
	Scenario    string
	Result      string
	ResultLower string
	Passed      int
	Total       int
	Forks       int
	Faults      int
	Copies      int
	Duration    string
	StartedAt   string
}

// MappingView is one page-table entry on the report page.
type MappingView struct {
	VA    string
	Frame string
	Perm  string
	Refs  int
	COW   bool
}

// EnvView is one environment on the report page.
type EnvView struct {
	ID       string
	Parent   string
	Killed   bool
	Cause    string
	Faults   int
	Mappings []MappingView
}

// IndexPageData is the template data for the dashboard.
type IndexPageData struct {
	Scenarios []scenario.Program
	Reports   []ReportView
}

// ReportPageData is the template data for one report.
type ReportPageData struct {
	Report ReportView
	Error  string
	Checks []scenario.Check
	Memory kernel.MemStats
	Envs   []EnvView
	Env    string // set when the page is narrowed to one environment
}

// Handler serves the cowfork dashboard.
type Handler struct {
	source    ReportSource
	templates *template.Template
	staticFS  http.FileSystem
	mux       *http.ServeMux
	logger    *slog.Logger
}

// Config configures the web handler.
type Config struct {
	StaticDir string // override embedded assets with files from this directory
}

// NewHandler creates a dashboard handler.
func NewHandler(source ReportSource, cfg Config, logger *slog.Logger) (*Handler, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("cannot parse templates: %w", err)
	}

	var sfs http.FileSystem
	if cfg.StaticDir != "" {
		if info, err := os.Stat(cfg.StaticDir); err != nil || !info.IsDir() {
			logger.Warn("static_dir not found, using embedded assets", "path", cfg.StaticDir)
			sub, _ := fs.Sub(staticFS, "static")
			sfs = http.FS(sub)
		} else {
			sfs = http.Dir(cfg.StaticDir)
		}
	} else {
		sub, _ := fs.Sub(staticFS, "static")
		sfs = http.FS(sub)
	}

	h := &Handler{
		source:    source,
		templates: tmpl,
		staticFS:  sfs,
		logger:    logger,
	}
	h.mux = http.NewServeMux()
	h.RegisterRoutes(h.mux)
	return h, nil
}

// RegisterRoutes adds dashboard routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /", h.handleIndex)
	mux.HandleFunc("GET /report/{index}", h.handleReport)
	mux.Handle("GET /static/", http.StripPrefix("/static/", h.staticHandler()))
}

// ServeHTTP serves the dashboard routes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) reports() []*scenario.Report {
	if h.source == nil {
		return nil
	}
	return h.source.Reports()
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	data := IndexPageData{Scenarios: scenario.Programs()}
	reports := h.reports()
	// Newest first.
	for i := len(reports) - 1; i >= 0; i-- {
		data.Reports = append(data.Reports, reportView(i, reports[i]))
	}
	h.render(w, "index.html", data)
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	reports := h.reports()
	i, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || i < 0 || i >= len(reports) {
		http.NotFound(w, r)
		return
	}
	rep := reports[i]

	data := ReportPageData{
		Report: reportView(i, rep),
		Error:  rep.Error,
		Checks: rep.Checks,
		Memory: rep.Memory,
	}
	if v := r.URL.Query().Get("env"); v != "" {
		id, err := kernel.ParseEnvID(v)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rep = rep.ForEnv(id)
		if rep == nil {
			http.NotFound(w, r)
			return
		}
		data.Env = id.String()
	}
	for _, e := range rep.Envs {
		data.Envs = append(data.Envs, envView(e))
	}
	h.render(w, "report.html", data)
}

func (h *Handler) render(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.templates.ExecuteTemplate(w, name, data); err != nil {
		h.logger.Error("template render error", "template", name, "error", err)
	}
}

func reportView(i int, r *scenario.Report) ReportView {
	v := ReportView{
		Index:     i,
		Scenario:  r.Scenario,
		Result:    "FAIL",
		Total:     len(r.Checks),
		Forks:     r.Forks,
		Faults:    r.Faults,
		Copies:    r.Copies,
		Duration:  FormatDuration(r.Duration),
		StartedAt: r.StartedAt.Format(time.DateTime),
	}
	if r.Passed {
		v.Result = "PASS"
	}
	v.ResultLower = strings.ToLower(v.Result)
	for _, c := range r.Checks {
		if c.Passed {
			v.Passed++
		}
	}
	return v
}

func envView(e scenario.EnvReport) EnvView {
	v := EnvView{
		ID:     e.ID.String(),
		Parent: e.Parent.String(),
		Killed: e.Killed,
		Cause:  e.Cause,
		Faults: e.Faults,
	}
	for _, m := range e.Mappings {
		v.Mappings = append(v.Mappings, MappingView{
			VA:    m.VA.String(),
			Frame: m.Frame.String(),
			Perm:  m.Perm.String(),
			Refs:  m.Refs,
			COW:   m.Perm.Has(mmu.COW),
		})
	}
	return v
}

func (h *Handler) staticHandler() http.Handler {
	fileServer := http.FileServer(h.staticFS)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch filepath.Ext(r.URL.Path) {
		case ".css":
			w.Header().Set("Content-Type", "text/css; charset=utf-8")
		case ".js":
			w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		}

		// ETag based on file name and modification time.
		f, err := h.staticFS.Open(r.URL.Path)
		if err == nil {
			defer f.Close()
			if info, err := f.Stat(); err == nil && !info.IsDir() {
				etag := fmt.Sprintf(`"%x"`, sha256.Sum256([]byte(info.Name()+info.ModTime().String())))
				w.Header().Set("ETag", etag)
				w.Header().Set("Cache-Control", "public, max-age=3600")
				if match := r.Header.Get("If-None-Match"); match != "" && strings.Contains(match, etag) {
					w.WriteHeader(http.StatusNotModified)
					return
				}
			}
		}

		fileServer.ServeHTTP(w, r)
	})
}

// FormatDuration rounds d for display: microseconds below a millisecond,
// milliseconds below a second.
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return d.Round(time.Microsecond).String()
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	default:
		return d.Round(10 * time.Millisecond).String()
	}
}
