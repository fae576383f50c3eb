package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/panoforge/panoforge/internal/db"
	"github.com/panoforge/panoforge/internal/pipeline"
)

func testServer(t *testing.T) (*Server, *pipeline.Store, *db.DB) {
	t.Helper()
	store := pipeline.NewStore(t.TempDir())
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := database.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewServer(store, database, 0, nil), store, database
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	return rec
}

func TestDashboardListsRuns(t *testing.T) {
	s, store, _ := testServer(t)
	if _, err := store.Create("run-1", "s3://src/a.png"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Create("run-2", "s3://src/b.png"); err != nil {
		t.Fatal(err)
	}

	rec := get(t, s, "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"run-1", "run-2", "s3://src/a.png", "geometry"} {
		if !strings.Contains(body, want) {
			t.Errorf("dashboard missing %q", want)
		}
	}
}

func TestRunPageShowsSpaces(t *testing.T) {
	s, store, database := testServer(t)
	if _, err := store.Create("run-1", "s3://src/a.png"); err != nil {
		t.Fatal(err)
	}
	sp := db.Space{ID: "sp-1", RunID: "run-1", Step: pipeline.StepGeometry, Name: "kitchen"}
	if err := database.CreateSpace(&sp); err != nil {
		t.Fatal(err)
	}

	rec := get(t, s, "/runs/run-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "kitchen") {
		t.Error("run page missing the space")
	}
}

func TestRunPageNotFound(t *testing.T) {
	s, _, _ := testServer(t)
	if rec := get(t, s, "/runs/absent"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestAPIRunsJSON(t *testing.T) {
	s, store, _ := testServer(t)
	if _, err := store.Create("run-1", "s3://src/a.png"); err != nil {
		t.Fatal(err)
	}

	rec := get(t, s, "/api/runs")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	var runs []pipeline.PipelineRun
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-1" {
		t.Errorf("runs = %+v", runs)
	}
}

func TestAPIEvents(t *testing.T) {
	s, store, database := testServer(t)
	if _, err := store.Create("run-1", "s3://src/a.png"); err != nil {
		t.Fatal(err)
	}
	if err := database.LogRunEvent("run-1", "created", 0, "s3://src/a.png"); err != nil {
		t.Fatal(err)
	}

	rec := get(t, s, "/api/runs/run-1/events")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var events []db.RunEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 1 || events[0].Event != "created" {
		t.Errorf("events = %+v", events)
	}

	if rec := get(t, s, "/api/runs/absent/events"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
