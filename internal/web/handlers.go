package web

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/panoforge/panoforge/internal/db"
	"github.com/panoforge/panoforge/internal/pipeline"
)

type dashboardData struct {
	Runs []pipeline.PipelineRun
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.List()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// RFC3339 strings sort chronologically
	sort.Slice(runs, func(i, j int) bool { return runs[i].UpdatedAt > runs[j].UpdatedAt })

	if err := s.dashboardTmpl.Execute(w, dashboardData{Runs: runs}); err != nil {
		s.logger.Error("render dashboard", "err", err)
	}
}

type runData struct {
	Run    *pipeline.PipelineRun
	Spaces []db.Space
	Assets []db.Asset
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.Get(r.PathValue("id"))
	if err != nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	spaces, _ := s.db.ListSpaces(run.ID, run.CurrentStep)
	assets, _ := s.db.ListAssets(run.ID, run.CurrentStep)

	if err := s.runTmpl.Execute(w, runData{Run: run, Spaces: spaces, Assets: assets}); err != nil {
		s.logger.Error("render run", "err", err, "run", run.ID)
	}
}

func (s *Server) handleAPIRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.List()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, runs)
}

func (s *Server) handleAPIRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.Get(r.PathValue("id"))
	if err != nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	spaces, _ := s.db.ListSpaces(run.ID, run.CurrentStep)
	assets, _ := s.db.ListAssets(run.ID, run.CurrentStep)
	writeJSON(w, runData{Run: run, Spaces: spaces, Assets: assets})
}

func (s *Server) handleAPIEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.Get(id); err != nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	events, err := s.db.GetRunHistory(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, events)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
