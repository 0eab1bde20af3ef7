// Package web exposes the local HTTP API: event and checklist browsing,
// interactive item mutations, sync triggers, and an iCalendar feed of the
// synced window.
package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"

	"calcheck/internal/models"
	"calcheck/internal/parser"
	"calcheck/internal/store"
	"calcheck/internal/syncer"
)

// Server holds the HTTP handlers and their collaborators.
type Server struct {
	logger *slog.Logger
	store  *store.Store
	syncer *syncer.Syncer

	lookBehind time.Duration
	lookAhead  time.Duration
}

// New creates a Server. The look-behind/ahead window bounds event listings
// and the iCalendar feed.
func New(logger *slog.Logger, st *store.Store, s *syncer.Syncer, lookBehind, lookAhead time.Duration) *Server {
	return &Server{
		logger:     logger,
		store:      st,
		syncer:     s,
		lookBehind: lookBehind,
		lookAhead:  lookAhead,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /sync/now", s.handleSyncNow)
	mux.HandleFunc("GET /sync/status", s.handleSyncStatus)

	mux.HandleFunc("GET /events", s.handleListEvents)
	mux.HandleFunc("GET /events/{id}", s.handleGetEvent)
	mux.HandleFunc("POST /events/{id}/items", s.handleAddItem)
	mux.HandleFunc("POST /events/{id}/items/{itemID}/toggle", s.handleToggleItem)
	mux.HandleFunc("DELETE /events/{id}/items/{itemID}", s.handleDeleteItem)
	mux.HandleFunc("POST /events/{id}/confirm", s.handleConfirm)
	mux.HandleFunc("POST /events/{id}/archive", s.handleArchive)
	mux.HandleFunc("POST /events/{id}/push", s.handlePush)
	mux.HandleFunc("POST /events/{id}/refresh", s.handleRefresh)

	mux.HandleFunc("POST /parse", s.handleParse)
	mux.HandleFunc("GET /calendar.ics", s.handleICS)

	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("Handled request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError maps store sentinels onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, store.ErrArchived):
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		s.logger.Error("Request failed", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func eventID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid event id: %w", err)
	}
	return id, nil
}

func (s *Server) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	report := s.syncer.Run(r.Context())
	status := http.StatusOK
	if report.Fatal != "" {
		status = http.StatusBadGateway
	}
	s.writeJSON(w, status, report)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	cursor, err := s.store.LoadCursor(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	status := map[string]any{
		"incremental": cursor.Token != "",
	}
	if !cursor.UpdatedAt.IsZero() {
		status["cursor_updated_at"] = cursor.UpdatedAt
	}
	if report := s.syncer.LastReport(); report != nil {
		status["last_pass"] = report
	}
	s.writeJSON(w, http.StatusOK, status)
}

type eventSummary struct {
	models.Event
	Items           []models.Item `json:"items"`
	UnpushedChanges bool          `json:"unpushed_changes"`
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	from, to := now.Add(-s.lookBehind), now.Add(s.lookAhead)

	events, err := s.store.ListUpcoming(r.Context(), from, to)
	if err != nil {
		s.writeError(w, err)
		return
	}

	summaries := make([]eventSummary, 0, len(events))
	for _, event := range events {
		items, err := s.store.ListItems(r.Context(), event.ID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		summaries = append(summaries, eventSummary{
			Event:           event,
			Items:           items,
			UnpushedChanges: syncer.HasUnpushedChanges(&event, items),
		})
	}
	s.writeJSON(w, http.StatusOK, summaries)
}

type eventDetail struct {
	models.Event
	Items           []models.Item         `json:"items"`
	Attendees       []models.Attendee     `json:"attendees"`
	Confirmations   []models.Confirmation `json:"confirmations"`
	UnpushedChanges bool                  `json:"unpushed_changes"`
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id, err := eventID(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	event, err := s.store.GetEvent(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	items, err := s.store.ListItems(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	attendees, err := s.store.ListAttendees(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	confirmations, err := s.store.ListConfirmations(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, eventDetail{
		Event:           *event,
		Items:           items,
		Attendees:       attendees,
		Confirmations:   confirmations,
		UnpushedChanges: syncer.HasUnpushedChanges(event, items),
	})
}

type addItemRequest struct {
	Name         string `json:"name"`
	AllInstances bool   `json:"all_instances"`
}

func (s *Server) handleAddItem(w http.ResponseWriter, r *http.Request) {
	id, err := eventID(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	var req addItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.Name == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "item name is required"})
		return
	}

	item, err := s.store.AddItem(r.Context(), id, req.Name, models.SourceManual)
	if err != nil {
		s.writeError(w, err)
		return
	}

	response := map[string]any{"item": item}
	if req.AllInstances {
		added, err := s.syncer.AddItemToSeries(r.Context(), id, req.Name)
		if err != nil {
			s.logger.Error("Failed to fan item out to series", "eventID", id, "error", err)
		}
		response["instances_updated"] = added
	}
	s.writeJSON(w, http.StatusCreated, response)
}

func (s *Server) handleToggleItem(w http.ResponseWriter, r *http.Request) {
	id, err := eventID(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	itemID, err := uuid.Parse(r.PathValue("itemID"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid item id"})
		return
	}

	item, err := s.store.ToggleItem(r.Context(), id, itemID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	id, err := eventID(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	itemID, err := uuid.Parse(r.PathValue("itemID"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid item id"})
		return
	}

	// The series fan-out needs the name before the row goes away.
	var name string
	if r.URL.Query().Get("all_instances") == "true" {
		items, err := s.store.ListItems(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		for _, item := range items {
			if item.ID == itemID {
				name = item.Name
				break
			}
		}
	}

	if err := s.store.DeleteItem(r.Context(), id, itemID); err != nil {
		s.writeError(w, err)
		return
	}

	response := map[string]any{"deleted": true}
	if name != "" {
		removed, err := s.syncer.RemoveItemFromSeries(r.Context(), id, name)
		if err != nil {
			s.logger.Error("Failed to remove item from series", "eventID", id, "error", err)
		}
		response["instances_updated"] = removed
	}
	s.writeJSON(w, http.StatusOK, response)
}

type confirmRequest struct {
	UserID int `json:"user_id"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	id, err := eventID(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	confirmation, err := s.store.ConfirmEvent(r.Context(), id, req.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, confirmation)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	id, err := eventID(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := s.store.ArchiveEvent(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"archived": true})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	id, err := eventID(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	if r.URL.Query().Get("series") == "true" {
		report, err := s.syncer.PushSeries(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, report)
		return
	}

	if err := s.syncer.PushItems(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"pushed": true})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	id, err := eventID(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	event, err := s.store.GetEvent(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.syncer.RefreshEvent(r.Context(), event.ProviderEventID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"refreshed": true})
}

type parseRequest struct {
	Description string `json:"description"`
}

type parsePreview struct {
	Name    string `json:"name"`
	Checked bool   `json:"checked"`
}

// handleParse previews the checklist a description would produce, without
// touching any event.
func (s *Server) handleParse(w http.ResponseWriter, r *http.Request) {
	var req parseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	parsed := parser.Parse(req.Description)
	preview := make([]parsePreview, 0, len(parsed))
	for _, p := range parsed {
		preview = append(preview, parsePreview{Name: p.Name, Checked: p.Checked})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": preview})
}

// handleICS serves the synced window as an iCalendar feed. Checklist state
// is rendered into each event's description so calendar apps that subscribe
// to the feed see it.
func (s *Server) handleICS(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	events, err := s.store.ListUpcoming(r.Context(), now.Add(-s.lookBehind), now.Add(s.lookAhead))
	if err != nil {
		s.writeError(w, err)
		return
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//calcheck//EN")

	for _, event := range events {
		items, err := s.store.ListItems(r.Context(), event.ID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		cal.Children = append(cal.Children, toVEvent(event, items, now))
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		s.logger.Error("Failed to encode calendar feed", "error", err)
	}
}

func toVEvent(event models.Event, items []models.Item, now time.Time) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, event.ID.String())
	ve.Props.SetText(ical.PropSummary, event.Title)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, now)
	ve.Props.SetDateTime(ical.PropDateTimeStart, event.StartTime)
	ve.Props.SetDateTime(ical.PropDateTimeEnd, event.EndTime)

	if description := feedDescription(event, items); description != "" {
		ve.Props.SetText(ical.PropDescription, description)
	}
	return ve
}

// feedDescription renders the description with the live checklist state in
// place of the parsed item block. The feed is read-only, so the checkbox
// markers are for the subscriber's eyes, not for round-tripping.
func feedDescription(event models.Event, items []models.Item) string {
	if len(items) == 0 {
		return event.Description
	}

	// Strip the stale parsed block, then append the live state.
	base := parser.FormatItems(event.Description, nil)
	var b strings.Builder
	if trimmed := strings.TrimRight(base, " \t\n"); trimmed != "" {
		b.WriteString(trimmed)
		b.WriteString("\n\n")
	}
	b.WriteString("Items:")
	for _, item := range items {
		mark := "[ ]"
		if item.Checked {
			mark = "[x]"
		}
		fmt.Fprintf(&b, "\n%s %s", mark, item.Name)
	}
	return b.String()
}
