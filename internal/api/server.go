package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pbaille/chronicle/internal/associate"
	"github.com/pbaille/chronicle/internal/domain"
	"github.com/pbaille/chronicle/internal/store"
)

// Server handles HTTP requests for the chronicle API
type Server struct {
	store  *store.Store
	assoc  *associate.Associator
	addr   string
	logger *slog.Logger
}

// New creates a new API server
func New(s *store.Store, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:  s,
		assoc:  associate.New(s, logger),
		addr:   addr,
		logger: logger,
	}
}

// Handler builds the full route table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Session start: runs the tag-matching associator
	mux.HandleFunc("POST /sessions", s.startSession)

	// Entries
	mux.HandleFunc("GET /entries", s.listEntries)
	mux.HandleFunc("POST /entries", s.addEntry)
	mux.HandleFunc("GET /entries/{id}", s.getEntry)
	mux.HandleFunc("DELETE /entries/{id}", s.deleteEntry)
	mux.HandleFunc("POST /entries/{id}/tags", s.tagEntry)

	// Tags
	mux.HandleFunc("GET /tags", s.listTags)

	// Narratives
	mux.HandleFunc("GET /narratives", s.listNarratives)
	mux.HandleFunc("POST /narratives", s.addNarrative)
	mux.HandleFunc("GET /narratives/{id}", s.getNarrative)
	mux.HandleFunc("DELETE /narratives/{id}", s.deleteNarrative)
	mux.HandleFunc("GET /narratives/{id}/entries", s.narrativeEntries)
	mux.HandleFunc("POST /narratives/{id}/entries", s.linkEntry)

	// Events
	mux.HandleFunc("GET /events", s.listEvents)
	mux.HandleFunc("POST /events", s.addEvent)
	mux.HandleFunc("GET /events/{id}/relationships", s.eventRelationships)
	mux.HandleFunc("POST /events/{id}/relationships", s.relateEvents)

	// Calendar
	mux.HandleFunc("GET /calendar", s.calendar)

	// Search
	mux.HandleFunc("GET /search", s.searchEntries)

	// Health check
	mux.HandleFunc("GET /health", s.health)

	return withCORS(mux)
}

// Run starts the HTTP server
func (s *Server) Run() error {
	s.logger.Info("starting server", "addr", s.addr)
	return http.ListenAndServe(s.addr, s.Handler())
}

// withCORS adds CORS headers for frontend development
func withCORS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-User")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}

// userID extracts the caller identity from the X-User header.
// Auth hardening is out of scope; the header is trusted as-is.
func userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User"))
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeError(w, http.StatusBadRequest, "X-User header is required")
		return
	}

	report, err := s.assoc.Run(r.Context(), user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// AddEntryRequest is the request body for adding an entry
type AddEntryRequest struct {
	Title      string   `json:"title,omitempty"`
	Body       string   `json:"body"`
	OccurredOn string   `json:"occurred_on,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

func (s *Server) addEntry(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeError(w, http.StatusBadRequest, "X-User header is required")
		return
	}

	var req AddEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Body) == "" {
		writeError(w, http.StatusBadRequest, "body is required")
		return
	}
	if req.OccurredOn != "" {
		if _, err := time.Parse("2006-01-02", req.OccurredOn); err != nil {
			writeError(w, http.StatusBadRequest, "occurred_on must be YYYY-MM-DD")
			return
		}
	}

	entry, err := s.store.AddEntry(user, req.Title, req.Body, req.OccurredOn)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	for _, name := range req.Tags {
		tag, err := s.store.GetOrCreateTag(name)
		if err != nil {
			s.logger.Warn("tag not created", "name", name, "error", err)
			continue
		}
		if err := s.store.TagEntry(entry.ID, tag.ID); err != nil {
			s.logger.Warn("tag not linked", "name", name, "error", err)
		}
	}

	entry, err = s.store.GetEntry(entry.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) getEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.store.GetEntry(r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "entry not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) deleteEntry(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteEntry(r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listEntries(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeError(w, http.StatusBadRequest, "X-User header is required")
		return
	}

	limit := 20
	offset := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil && n >= 0 {
			offset = n
		}
	}

	entries, err := s.store.ListEntries(user, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"limit":   limit,
		"offset":  offset,
	})
}

// TagEntryRequest attaches tags (by name) to an entry
type TagEntryRequest struct {
	Tags []string `json:"tags"`
}

func (s *Server) tagEntry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req TagEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Tags) == 0 {
		writeError(w, http.StatusBadRequest, "tags are required")
		return
	}

	if _, err := s.store.GetEntry(id); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "entry not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	for _, name := range req.Tags {
		tag, err := s.store.GetOrCreateTag(name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if err := s.store.TagEntry(id, tag.ID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	entry, err := s.store.GetEntry(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) listTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.store.ListTags()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tags": tags})
}

// AddNarrativeRequest is the request body for creating a narrative
type AddNarrativeRequest struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	RequiredTags []string `json:"required_tags,omitempty"`
}

func (s *Server) addNarrative(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeError(w, http.StatusBadRequest, "X-User header is required")
		return
	}

	var req AddNarrativeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	// Required tags arrive as names; resolve to tag ids
	tagIDs := make([]string, 0, len(req.RequiredTags))
	for _, name := range req.RequiredTags {
		tag, err := s.store.GetOrCreateTag(name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		tagIDs = append(tagIDs, tag.ID)
	}

	narrative, err := s.store.AddNarrative(user, req.Name, req.Description, tagIDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, narrative)
}

func (s *Server) listNarratives(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeError(w, http.StatusBadRequest, "X-User header is required")
		return
	}

	narratives, err := s.store.ListNarratives(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"narratives": narratives})
}

func (s *Server) getNarrative(w http.ResponseWriter, r *http.Request) {
	narrative, err := s.store.GetNarrative(r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "narrative not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, narrative)
}

func (s *Server) deleteNarrative(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteNarrative(r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) narrativeEntries(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetNarrative(id); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "narrative not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	entries, err := s.store.NarrativeEntries(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// LinkEntryRequest links an entry to a narrative by explicit user action
type LinkEntryRequest struct {
	EntryID string `json:"entry_id"`
}

func (s *Server) linkEntry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req LinkEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.EntryID == "" {
		writeError(w, http.StatusBadRequest, "entry_id is required")
		return
	}

	if _, err := s.store.GetNarrative(id); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "narrative not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if _, err := s.store.GetEntry(req.EntryID); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "entry not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	created, err := s.store.Associate(id, req.EntryID, domain.SourceManual)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"created": created})
}

// AddEventRequest is the request body for creating an event
type AddEventRequest struct {
	Title    string     `json:"title"`
	Notes    string     `json:"notes,omitempty"`
	StartsAt time.Time  `json:"starts_at"`
	EndsAt   *time.Time `json:"ends_at,omitempty"`
	EntryID  *string    `json:"entry_id,omitempty"`
}

func (s *Server) addEvent(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeError(w, http.StatusBadRequest, "X-User header is required")
		return
	}

	var req AddEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if req.StartsAt.IsZero() {
		writeError(w, http.StatusBadRequest, "starts_at is required")
		return
	}

	event, err := s.store.AddEvent(user, req.Title, req.Notes, req.StartsAt, req.EndsAt, req.EntryID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeError(w, http.StatusBadRequest, "X-User header is required")
		return
	}

	// Default window: a year either side of now
	to := time.Now().AddDate(1, 0, 0)
	from := to.AddDate(-2, 0, 0)

	events, err := s.store.EventsBetween(user, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// RelateEventsRequest records a relationship from the path event to a target
type RelateEventsRequest struct {
	TargetID string `json:"target_id"`
	RelType  string `json:"rel_type"`
}

func (s *Server) relateEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req RelateEventsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TargetID == "" || req.RelType == "" {
		writeError(w, http.StatusBadRequest, "target_id and rel_type are required")
		return
	}

	for _, eventID := range []string{id, req.TargetID} {
		if _, err := s.store.GetEvent(eventID); errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("event not found: %s", eventID))
			return
		} else if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	if err := s.store.RelateEvents(id, req.TargetID, req.RelType); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) eventRelationships(w http.ResponseWriter, r *http.Request) {
	rels, err := s.store.EventRelationships(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"relationships": rels})
}

// CalendarDay groups one day's entries and events
type CalendarDay struct {
	Date    string         `json:"date"`
	Entries []domain.Entry `json:"entries,omitempty"`
	Events  []domain.Event `json:"events,omitempty"`
}

func (s *Server) calendar(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeError(w, http.StatusBadRequest, "X-User header is required")
		return
	}

	year, err := strconv.Atoi(r.URL.Query().Get("year"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "year is required")
		return
	}
	month, err := strconv.Atoi(r.URL.Query().Get("month"))
	if err != nil || month < 1 || month > 12 {
		writeError(w, http.StatusBadRequest, "month must be 1-12")
		return
	}

	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	entries, err := s.store.EntriesBetween(user, start.Format("2006-01-02"), end.AddDate(0, 0, -1).Format("2006-01-02"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	events, err := s.store.EventsBetween(user, start, end)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	byDay := make(map[string]*CalendarDay)
	day := func(date string) *CalendarDay {
		d, ok := byDay[date]
		if !ok {
			d = &CalendarDay{Date: date}
			byDay[date] = d
		}
		return d
	}
	for _, e := range entries {
		d := day(e.OccurredOn)
		d.Entries = append(d.Entries, e)
	}
	for _, ev := range events {
		d := day(ev.StartsAt.Format("2006-01-02"))
		d.Events = append(d.Events, ev)
	}

	// Days come back in date order
	days := make([]*CalendarDay, 0, len(byDay))
	for d := start; d.Before(end); d = d.AddDate(0, 0, 1) {
		if cd, ok := byDay[d.Format("2006-01-02")]; ok {
			days = append(days, cd)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"year":  year,
		"month": month,
		"days":  days,
	})
}

func (s *Server) searchEntries(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeError(w, http.StatusBadRequest, "X-User header is required")
		return
	}

	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "query parameter 'q' is required")
		return
	}

	entries, err := s.store.SearchEntries(user, query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"query":   query,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
