package web

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"taskcal/internal/model"
	"taskcal/internal/recurrence"
	"taskcal/internal/store"
)

type definitionRequest struct {
	ID                  string      `json:"id"`
	Title               string      `json:"title"`
	Description         string      `json:"description"`
	Priority            int         `json:"priority"`
	SortOrder           int         `json:"sort_order"`
	Start               time.Time   `json:"start"`
	Due                 time.Time   `json:"due"`
	RecurrenceRule      string      `json:"rrule"`
	TimeZone            string      `json:"timezone"`
	ExcludedOccurrences []time.Time `json:"excluded_occurrences"`
}

type overrideDTO struct {
	ID          string     `json:"id"`
	LogicalDate time.Time  `json:"logical_date"`
	Start       *time.Time `json:"start,omitempty"`
	Due         *time.Time `json:"due,omitempty"`
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	Priority    *int       `json:"priority,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type definitionDTO struct {
	ID                  string        `json:"id"`
	Title               string        `json:"title"`
	Description         string        `json:"description,omitempty"`
	Priority            int           `json:"priority"`
	SortOrder           int           `json:"sort_order"`
	Start               time.Time     `json:"start"`
	Due                 time.Time     `json:"due"`
	RecurrenceRule      string        `json:"rrule"`
	TimeZone            string        `json:"timezone"`
	ExcludedOccurrences []time.Time   `json:"excluded_occurrences,omitempty"`
	Overrides           []overrideDTO `json:"overrides,omitempty"`
}

func toDefinitionDTO(def model.Definition) definitionDTO {
	dto := definitionDTO{
		ID:                  def.ID,
		Title:               def.Title,
		Description:         def.Description,
		Priority:            def.Priority,
		SortOrder:           def.SortOrder,
		Start:               def.Start,
		Due:                 def.Due,
		RecurrenceRule:      def.RecurrenceRule,
		TimeZone:            def.TimeZone,
		ExcludedOccurrences: def.ExcludedOccurrences,
	}
	for _, ov := range def.Overrides {
		dto.Overrides = append(dto.Overrides, toOverrideDTO(ov))
	}
	return dto
}

func toOverrideDTO(ov model.Override) overrideDTO {
	return overrideDTO{
		ID:          ov.ID,
		LogicalDate: ov.NaturalKey,
		Start:       ov.Start,
		Due:         ov.Due,
		Title:       ov.Title,
		Description: ov.Description,
		Priority:    ov.Priority,
		CompletedAt: ov.CompletedAt,
	}
}

// POST /api/definitions
func (s *Server) handleCreateDefinition(w http.ResponseWriter, r *http.Request) {
	var req definitionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.Contains(req.ID, ":") {
		writeError(w, http.StatusBadRequest, "id must not contain ':'")
		return
	}

	def := model.Definition{
		ID:                  req.ID,
		Title:               req.Title,
		Description:         req.Description,
		Priority:            req.Priority,
		SortOrder:           req.SortOrder,
		Start:               req.Start,
		Due:                 req.Due,
		RecurrenceRule:      req.RecurrenceRule,
		TimeZone:            req.TimeZone,
		ExcludedOccurrences: req.ExcludedOccurrences,
	}
	if def.Due.IsZero() {
		def.Due = def.Start
	}
	if err := recurrence.Validate(&def); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := s.store.CreateDefinition(r.Context(), def)
	if err != nil {
		writeStoreError(w, "create definition", err)
		return
	}
	writeJSON(w, http.StatusCreated, toDefinitionDTO(created))
}

// GET /api/definitions/{id}
func (s *Server) handleGetDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := s.store.GetDefinition(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, "get definition", err)
		return
	}
	writeJSON(w, http.StatusOK, toDefinitionDTO(def))
}

// DELETE /api/definitions/{id}
func (s *Server) handleDeleteDefinition(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteDefinition(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, "delete definition", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type scheduleRequest struct {
	Start          time.Time `json:"start"`
	Due            time.Time `json:"due"`
	RecurrenceRule string    `json:"rrule"`
	TimeZone       string    `json:"timezone"`
}

// PUT /api/definitions/{id}/schedule
func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req scheduleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Due.IsZero() {
		req.Due = req.Start
	}

	candidate := model.Definition{ID: id, Start: req.Start, Due: req.Due, RecurrenceRule: req.RecurrenceRule, TimeZone: req.TimeZone}
	if err := recurrence.Validate(&candidate); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cleared, err := s.store.UpdateSchedule(r.Context(), id, store.Schedule{
		Start:          req.Start,
		Due:            req.Due,
		RecurrenceRule: req.RecurrenceRule,
		TimeZone:       req.TimeZone,
	})
	if err != nil {
		writeStoreError(w, "update schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"overrides_cleared": cleared})
}

type occurrenceEditRequest struct {
	Start       *time.Time `json:"start"`
	Due         *time.Time `json:"due"`
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	Priority    *int       `json:"priority"`
}

// PATCH /api/definitions/{id}/occurrences/{date}
//
// {date} is the occurrence's logical date as returned by /api/instances,
// never its current (possibly moved) start.
func (s *Server) handleEditOccurrence(w http.ResponseWriter, r *http.Request) {
	natural, err := parseInstant(r.PathValue("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req occurrenceEditRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if (req.Start == nil) != (req.Due == nil) {
		writeError(w, http.StatusBadRequest, "start and due must be edited together")
		return
	}
	if req.Start != nil && req.Due.Before(*req.Start) {
		writeError(w, http.StatusBadRequest, "due is before start")
		return
	}

	ov, err := s.store.UpsertOverride(r.Context(), r.PathValue("id"), natural, store.OverridePatch{
		Start:       req.Start,
		Due:         req.Due,
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
	})
	if err != nil {
		writeStoreError(w, "edit occurrence", err)
		return
	}
	writeJSON(w, http.StatusOK, toOverrideDTO(ov))
}

type completeRequest struct {
	At *time.Time `json:"at"`
}

// completedAt reads an optional {"at": ...} body; an empty body means now.
func (s *Server) completedAt(w http.ResponseWriter, r *http.Request) (time.Time, error) {
	if r.ContentLength == 0 {
		return s.now().UTC(), nil
	}
	var req completeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return time.Time{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if req.At == nil {
		return s.now().UTC(), nil
	}
	return req.At.UTC(), nil
}

// POST /api/definitions/{id}/occurrences/{date}/complete
func (s *Server) handleCompleteOccurrence(w http.ResponseWriter, r *http.Request) {
	natural, err := parseInstant(r.PathValue("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	at, err := s.completedAt(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ov, err := s.store.CompleteOccurrence(r.Context(), r.PathValue("id"), natural, at)
	if err != nil {
		writeStoreError(w, "complete occurrence", err)
		return
	}
	writeJSON(w, http.StatusOK, toOverrideDTO(ov))
}

// POST /api/definitions/{id}/occurrences/{date}/cancel
func (s *Server) handleCancelOccurrence(w http.ResponseWriter, r *http.Request) {
	natural, err := parseInstant(r.PathValue("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.CancelOccurrence(r.Context(), r.PathValue("id"), natural); err != nil {
		writeStoreError(w, "cancel occurrence", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type taskRequest struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Priority    int       `json:"priority"`
	SortOrder   int       `json:"sort_order"`
	Start       time.Time `json:"start"`
	Due         time.Time `json:"due"`
}

// POST /api/tasks
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Start.IsZero() {
		writeError(w, http.StatusBadRequest, "start is required")
		return
	}
	t, err := s.store.CreateTask(r.Context(), model.Task{
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
		SortOrder:   req.SortOrder,
		Start:       req.Start,
		Due:         req.Due,
	})
	if err != nil {
		writeStoreError(w, "create task", err)
		return
	}
	writeJSON(w, http.StatusCreated, s.toDTO(model.FromTask(t)))
}

// POST /api/tasks/{id}/complete
func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	at, err := s.completedAt(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.CompleteTask(r.Context(), r.PathValue("id"), at); err != nil {
		writeStoreError(w, "complete task", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// parseInstant accepts RFC3339 or the compact iCalendar UTC form used in
// exported RECURRENCE-IDs.
func parseInstant(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("occurrence date is required")
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("20060102T150405Z", raw); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("occurrence date %q is not RFC3339", raw)
}
