package web

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"taskcal/internal/ics"
	appLog "taskcal/internal/log"
	"taskcal/internal/model"
	"taskcal/internal/recurrence"
)

type instanceDTO struct {
	DefinitionID string     `json:"definition_id,omitempty"`
	TaskID       string     `json:"task_id,omitempty"`
	OverrideID   string     `json:"override_id,omitempty"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Priority     int        `json:"priority"`
	SortOrder    int        `json:"sort_order"`
	Start        time.Time  `json:"start"`
	Due          time.Time  `json:"due"`
	LogicalDate  *time.Time `json:"logical_date,omitempty"`
	Completed    bool       `json:"completed"`
	Recurring    bool       `json:"recurring"`
}

type failureDTO struct {
	DefinitionID string `json:"definition_id"`
	Error        string `json:"error"`
}

type instancesResponse struct {
	Instances     []instanceDTO `json:"instances"`
	RangeStart    time.Time     `json:"range_start"`
	RangeEnd      time.Time     `json:"range_end"`
	TimeZone      string        `json:"timezone"`
	Failures      []failureDTO  `json:"failures,omitempty"`
	Truncated     []string      `json:"truncated,omitempty"`
	ZoneFallbacks []string      `json:"zone_fallbacks,omitempty"`
}

// windowFromQuery reads either an explicit start/end pair (RFC3339) or a
// days/backfill pair relative to now in the display zone.
func (s *Server) windowFromQuery(q url.Values) (model.Window, error) {
	rawStart, rawEnd := q.Get("start"), q.Get("end")
	if rawStart != "" || rawEnd != "" {
		if rawStart == "" || rawEnd == "" {
			return model.Window{}, errors.New("start and end must be given together")
		}
		start, err := time.Parse(time.RFC3339, rawStart)
		if err != nil {
			return model.Window{}, fmt.Errorf("start: %w", err)
		}
		end, err := time.Parse(time.RFC3339, rawEnd)
		if err != nil {
			return model.Window{}, fmt.Errorf("end: %w", err)
		}
		return model.Window{Start: start, End: end}, nil
	}

	days := parseIntDefault(q.Get("days"), s.cfg.WindowDays)
	if days <= 0 {
		days = s.cfg.WindowDays
	}
	backfill := parseIntDefault(q.Get("backfill"), s.cfg.BackfillDays)
	if backfill < 0 {
		backfill = 0
	}
	now := s.now().In(s.loc)
	return model.Window{Start: now.AddDate(0, 0, -backfill), End: now.AddDate(0, 0, days)}, nil
}

// materialize loads a snapshot and runs the engine over it.
func (s *Server) materialize(r *http.Request) (recurrence.Result, model.Window, int, error) {
	q := r.URL.Query()
	w, err := s.windowFromQuery(q)
	if err != nil {
		return recurrence.Result{}, w, http.StatusBadRequest, err
	}

	defs, tasks, err := s.store.Snapshot(r.Context())
	if err != nil {
		return recurrence.Result{}, w, http.StatusInternalServerError, err
	}

	res, err := s.engine.Assemble(tasks, defs, w, recurrence.Query{
		IncludeCompleted: q.Get("include_completed") == "1" || q.Get("include_completed") == "true",
		SortBy:           recurrence.ParseSortOrder(q.Get("sort")),
	})
	if err != nil {
		return recurrence.Result{}, w, http.StatusBadRequest, err
	}
	return res, w, http.StatusOK, nil
}

// handleInstances returns the materialized instances of a window.
//
// GET /api/instances?start=&end=  or  ?days=14&backfill=1
func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	res, win, status, err := s.materialize(r)
	if err != nil {
		if status == http.StatusInternalServerError {
			appLog.Error("api instances: snapshot failed", err)
			writeError(w, status, "failed to load tasks")
			return
		}
		writeError(w, status, err.Error())
		return
	}

	appLog.Debug("api instances request",
		"range_start", win.Start,
		"range_end", win.End,
		"instances", len(res.Instances),
		"failures", len(res.Report.Failures),
	)

	resp := instancesResponse{
		Instances:     make([]instanceDTO, 0, len(res.Instances)),
		RangeStart:    win.Start.In(s.loc),
		RangeEnd:      win.End.In(s.loc),
		TimeZone:      s.loc.String(),
		Truncated:     res.Report.Truncated,
		ZoneFallbacks: res.Report.ZoneFallbacks,
	}
	for _, occ := range res.Instances {
		resp.Instances = append(resp.Instances, s.toDTO(occ))
	}
	for _, f := range res.Report.Failures {
		resp.Failures = append(resp.Failures, failureDTO{DefinitionID: f.DefinitionID, Error: f.Err.Error()})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCalendar exports the same window as a VTODO feed.
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	res, _, status, err := s.materialize(r)
	if err != nil {
		if status == http.StatusInternalServerError {
			appLog.Error("calendar export: snapshot failed", err)
			http.Error(w, "failed to load tasks", status)
			return
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(ics.Export(res.Instances, "taskcal")))
}

func (s *Server) toDTO(occ model.Occurrence) instanceDTO {
	dto := instanceDTO{
		DefinitionID: occ.DefinitionID,
		TaskID:       occ.TaskID,
		OverrideID:   occ.OverrideID,
		Title:        occ.Title,
		Description:  occ.Description,
		Priority:     occ.Priority,
		SortOrder:    occ.SortOrder,
		Start:        occ.Start.In(s.loc),
		Due:          occ.Due.In(s.loc),
		Completed:    occ.Completed,
		Recurring:    occ.Recurring,
	}
	if occ.Recurring {
		ld := occ.LogicalDate.UTC()
		dto.LogicalDate = &ld
	}
	return dto
}
