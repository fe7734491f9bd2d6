package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hochfrequenz/devicerun/internal/domain"
	"github.com/hochfrequenz/devicerun/internal/resultstore"
)

// RunResponse is the API response for a run
type RunResponse struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	Outcome    string    `json:"outcome"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	Duration   string    `json:"duration"`
	Total      int       `json:"total"`
	Passed     int       `json:"passed"`
	Flaky      int       `json:"flaky"`
	Failed     int       `json:"failed"`
	Unfinished int       `json:"unfinished"`
	ReportPath string    `json:"report_path,omitempty"`
}

// TestResponse is the API response for a test verdict
type TestResponse struct {
	Pool       string `json:"pool"`
	ID         string `json:"id"`
	Verdict    string `json:"verdict"`
	Flaky      bool   `json:"flaky"`
	Attempts   int    `json:"attempts"`
	DurationMs int64  `json:"duration_ms"`
	Trace      string `json:"trace,omitempty"`
}

// RunDetailResponse is a run with its tests
type RunDetailResponse struct {
	RunResponse
	Tests []TestResponse `json:"tests"`
}

func runToResponse(r resultstore.Run) RunResponse {
	return RunResponse{
		ID:         r.ID,
		Name:       r.Name,
		Outcome:    string(r.Outcome),
		StartedAt:  r.StartedAt,
		EndedAt:    r.EndedAt,
		Duration:   r.EndedAt.Sub(r.StartedAt).Round(time.Second).String(),
		Total:      r.Counts.Total,
		Passed:     r.Counts.Passed,
		Flaky:      r.Counts.Flaky,
		Failed:     r.Counts.Failed,
		Unfinished: r.Counts.Unfinished,
		ReportPath: r.ReportPath,
	}
}

func intParam(r *http.Request, name string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(name)); err == nil && v > 0 {
		return v
	}
	return def
}

func (s *Server) listRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runs, err := s.store.ListRuns(resultstore.ListOptions{
			Name:    r.URL.Query().Get("name"),
			Outcome: domain.RunOutcome(r.URL.Query().Get("outcome")),
			Limit:   intParam(r, "limit", 50),
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		resp := make([]RunResponse, 0, len(runs))
		for _, run := range runs {
			resp = append(resp, runToResponse(run))
		}
		writeJSON(w, resp)
	}
}

func (s *Server) getRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := s.store.GetRun(chi.URLParam(r, "id"))
		if errors.Is(err, resultstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		rows, err := s.store.TestResults(run.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		resp := RunDetailResponse{RunResponse: runToResponse(run), Tests: make([]TestResponse, 0, len(rows))}
		for _, row := range rows {
			resp.Tests = append(resp.Tests, TestResponse{
				Pool:       row.Pool,
				ID:         row.TestID,
				Verdict:    string(row.Verdict),
				Flaky:      row.Flaky,
				Attempts:   row.Attempts,
				DurationMs: row.Duration.Milliseconds(),
				Trace:      row.Trace,
			})
		}
		writeJSON(w, resp)
	}
}

func (s *Server) flakyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.store.FlakyTests(intParam(r, "runs", 20), intParam(r, "limit", 20))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if stats == nil {
			stats = []resultstore.FlakyStat{}
		}
		writeJSON(w, stats)
	}
}
