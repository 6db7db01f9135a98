package server

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/TobiSchelling/qapintel/internal/bench"
	"github.com/TobiSchelling/qapintel/internal/database"
	"github.com/TobiSchelling/qapintel/internal/report"
	"github.com/TobiSchelling/qapintel/internal/universe"
)

//go:embed templates/*.html
var templateFS embed.FS

const highestAuthorityExamples = 5

// Server serves persisted universes, regulations, and benchmark runs.
type Server struct {
	db     *database.DB
	router *gin.Engine
}

type regulationView struct {
	ID int64 `json:"id"`
	universe.ExternalRegulation
	Attempts             int     `json:"attempts"`
	LastError            *string `json:"last_error,omitempty"`
	NestedReferenceCount int     `json:"nested_reference_count"`
	UpdatedAt            *string `json:"updated_at,omitempty"`
}

type universeView struct {
	RunID                   string   `json:"run_id"`
	SourceID                string   `json:"source_id"`
	Jurisdiction            string   `json:"jurisdiction"`
	CreatedAt               string   `json:"created_at"`
	HubReferenceCount       int      `json:"hub_reference_count"`
	SpokeCount              int      `json:"spoke_count"`
	TotalEstimatedPages     int      `json:"total_estimated_external_pages"`
	CoverageCompletenessPct *float64 `json:"coverage_completeness_pct"`
}

type benchmarkView struct {
	RunID         string  `json:"run_id"`
	Baseline      string  `json:"baseline"`
	Candidate     string  `json:"candidate"`
	Iterations    int     `json:"iterations"`
	OverallWinner string  `json:"overall_winner"`
	Significance  string  `json:"significance"`
	CreatedAt     *string `json:"created_at,omitempty"`
}

// New creates a Server.
func New(db *database.DB) (*Server, error) {
	funcMap := template.FuncMap{
		"pct": func(p *float64) string {
			if p == nil {
				return "n/a"
			}
			return fmt.Sprintf("%.1f%%", *p)
		},
		"deref": func(s *string) string {
			if s == nil {
				return ""
			}
			return *s
		},
	}
	tmpl, err := template.New("").Funcs(funcMap).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parsing templates: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.SetHTMLTemplate(tmpl)

	s := &Server{db: db, router: r}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.GET("/", s.handleIndex)
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.router.GET("/universes/:id", s.handleUniversePage)
	s.router.GET("/benchmarks/:id", s.handleBenchmarkPage)

	api := s.router.Group("/api")
	{
		api.GET("/stats", s.handleStats)
		api.GET("/universes", s.handleListUniverses)
		api.GET("/universes/:id", s.handleGetUniverse)
		api.GET("/regulations", s.handleListRegulations)
		api.GET("/benchmarks", s.handleListBenchmarks)
		api.GET("/benchmarks/:id", s.handleGetBenchmark)
	}
}

func (s *Server) handleIndex(c *gin.Context) {
	stats, err := s.db.GetStats()
	if err != nil {
		log.Printf("Error getting stats: %v", err)
	}
	universes, err := s.db.ListUniverses(20)
	if err != nil {
		log.Printf("Error listing universes: %v", err)
	}
	runs, err := s.db.ListBenchmarkRuns(20)
	if err != nil {
		log.Printf("Error listing benchmark runs: %v", err)
	}
	c.HTML(http.StatusOK, "index.html", gin.H{
		"Stats":      stats,
		"Universes":  universes,
		"Benchmarks": runs,
	})
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.db.GetStats()
	if err != nil {
		serverError(c, err)
		return
	}
	regs := make(map[string]int, len(stats.Regulations))
	for status, n := range stats.Regulations {
		regs[string(status)] = n
	}
	c.JSON(http.StatusOK, gin.H{
		"universes":         stats.Universes,
		"regulations":       regs,
		"active_chunks":     stats.ActiveChunks,
		"ingestion_runs":    stats.IngestionRuns,
		"benchmark_runs":    stats.BenchmarkRuns,
		"cache_entries":     stats.CacheEntries,
		"last_universe_run": stats.LastUniverseRun,
	})
}

func (s *Server) handleListUniverses(c *gin.Context) {
	list, err := s.db.ListUniverses(queryInt(c, "limit", 50))
	if err != nil {
		serverError(c, err)
		return
	}
	out := make([]universeView, 0, len(list))
	for _, u := range list {
		out = append(out, universeView(u))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetUniverse(c *gin.Context) {
	u, ok := s.loadUniverse(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, universe.NewReport(u, highestAuthorityExamples, nil))
}

func (s *Server) handleUniversePage(c *gin.Context) {
	u, ok := s.loadUniverse(c)
	if !ok {
		return
	}
	r := universe.NewReport(u, highestAuthorityExamples, nil)
	s.renderPage(c, "Regulatory universe: "+r.SourceID, report.UniverseMarkdown(r))
}

func (s *Server) loadUniverse(c *gin.Context) (*universe.Universe, bool) {
	u, err := s.db.GetUniverse(c.Param("id"))
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "universe not found"})
		return nil, false
	}
	if err != nil {
		serverError(c, err)
		return nil, false
	}
	return u, true
}

func (s *Server) handleListRegulations(c *gin.Context) {
	status := universe.Status(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid status %q", status)})
		return
	}
	regs, err := s.db.ListRegulations(status, queryInt(c, "limit", 100))
	if err != nil {
		serverError(c, err)
		return
	}
	out := make([]regulationView, 0, len(regs))
	for _, r := range regs {
		out = append(out, regulationView{
			ID:                   r.ID,
			ExternalRegulation:   r.ExternalRegulation,
			Attempts:             r.Attempts,
			LastError:            r.LastError,
			NestedReferenceCount: r.NestedReferenceCount,
			UpdatedAt:            r.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleListBenchmarks(c *gin.Context) {
	runs, err := s.db.ListBenchmarkRuns(queryInt(c, "limit", 50))
	if err != nil {
		serverError(c, err)
		return
	}
	out := make([]benchmarkView, 0, len(runs))
	for _, r := range runs {
		out = append(out, benchmarkView{
			RunID:         r.RunID,
			Baseline:      r.Baseline,
			Candidate:     r.Candidate,
			Iterations:    r.Iterations,
			OverallWinner: r.OverallWinner,
			Significance:  r.Significance,
			CreatedAt:     r.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetBenchmark(c *gin.Context) {
	run, ok := s.loadBenchmark(c)
	if !ok {
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", []byte(run.ReportJSON))
}

func (s *Server) handleBenchmarkPage(c *gin.Context) {
	run, ok := s.loadBenchmark(c)
	if !ok {
		return
	}
	var r bench.ComparisonReport
	if err := json.Unmarshal([]byte(run.ReportJSON), &r); err != nil {
		serverError(c, fmt.Errorf("decoding benchmark %s: %w", run.RunID, err))
		return
	}
	s.renderPage(c, "Benchmark "+run.RunID, report.BenchmarkMarkdown(r))
}

func (s *Server) loadBenchmark(c *gin.Context) (*database.BenchmarkRun, bool) {
	run, err := s.db.GetBenchmarkRun(c.Param("id"))
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "benchmark run not found"})
		return nil, false
	}
	if err != nil {
		serverError(c, err)
		return nil, false
	}
	return run, true
}

func (s *Server) renderPage(c *gin.Context, title, markdown string) {
	html, err := report.ToHTML(title, markdown)
	if err != nil {
		serverError(c, err)
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", html)
}

func serverError(c *gin.Context, err error) {
	log.Printf("Error serving %s: %v", c.Request.URL.Path, err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}

func queryInt(c *gin.Context, name string, def int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// Serve starts the HTTP server on the given port.
func Serve(db *database.DB, port int) error {
	srv, err := New(db)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	log.Printf("Server listening on http://%s", addr)
	return http.ListenAndServe(addr, srv.Handler())
}
