package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbaille/chronicle/internal/domain"
	"github.com/pbaille/chronicle/internal/store"
)

func newTestServer(t *testing.T) (*store.Store, *httptest.Server) {
	t.Helper()

	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ts := httptest.NewServer(New(s, ":0", logger).Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = s.Close()
	})

	return s, ts
}

func doJSON(t *testing.T, method, url, user string, body any) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User", user)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	decode(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestMissingUserHeader(t *testing.T) {
	_, ts := newTestServer(t)

	for _, route := range []struct {
		method, path string
	}{
		{"POST", "/sessions"},
		{"GET", "/entries"},
		{"POST", "/entries"},
		{"GET", "/narratives"},
		{"GET", "/calendar?year=2026&month=8"},
		{"GET", "/search?q=x"},
	} {
		resp := doJSON(t, route.method, ts.URL+route.path, "", nil)
		resp.Body.Close()
		assert.Equalf(t, http.StatusBadRequest, resp.StatusCode, "%s %s", route.method, route.path)
	}
}

func TestEntryLifecycle(t *testing.T) {
	_, ts := newTestServer(t)

	resp := doJSON(t, "POST", ts.URL+"/entries", "alice", AddEntryRequest{
		Body:       "hiked in the alps",
		OccurredOn: "2026-08-10",
		Tags:       []string{"travel", "hiking"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var entry domain.Entry
	decode(t, resp, &entry)
	assert.Equal(t, "alice", entry.UserID)
	require.Len(t, entry.Tags, 2)

	resp = doJSON(t, "GET", ts.URL+"/entries/"+entry.ID, "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got domain.Entry
	decode(t, resp, &got)
	assert.Equal(t, entry.ID, got.ID)

	// Attach another tag
	resp = doJSON(t, "POST", ts.URL+"/entries/"+entry.ID+"/tags", "alice", TagEntryRequest{Tags: []string{"mountains"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &got)
	assert.Len(t, got.Tags, 3)

	resp = doJSON(t, "DELETE", ts.URL+"/entries/"+entry.ID, "alice", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, "GET", ts.URL+"/entries/"+entry.ID, "alice", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEntryValidation(t *testing.T) {
	_, ts := newTestServer(t)

	resp := doJSON(t, "POST", ts.URL+"/entries", "alice", AddEntryRequest{Body: "   "})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, "POST", ts.URL+"/entries", "alice", AddEntryRequest{Body: "x", OccurredOn: "not-a-date"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionRunsAssociator(t *testing.T) {
	_, ts := newTestServer(t)

	// Two tagged entries, one of which satisfies the narrative filter
	resp := doJSON(t, "POST", ts.URL+"/entries", "alice", AddEntryRequest{
		Body: "alps", Tags: []string{"travel", "hiking"},
	})
	var match domain.Entry
	decode(t, resp, &match)

	resp = doJSON(t, "POST", ts.URL+"/entries", "alice", AddEntryRequest{
		Body: "flights", Tags: []string{"travel"},
	})
	resp.Body.Close()

	resp = doJSON(t, "POST", ts.URL+"/narratives", "alice", AddNarrativeRequest{
		Name:         "Adventures",
		RequiredTags: []string{"travel", "hiking"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var narrative domain.Narrative
	decode(t, resp, &narrative)
	assert.Len(t, narrative.RequiredTags, 2)

	// Session start triggers the pass
	resp = doJSON(t, "POST", ts.URL+"/sessions", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report struct {
		UserID  string `json:"user_id"`
		Results []struct {
			Name    string `json:"name"`
			Matched int    `json:"matched"`
			Created int    `json:"created"`
		} `json:"results"`
	}
	decode(t, resp, &report)
	require.Len(t, report.Results, 1)
	assert.Equal(t, 1, report.Results[0].Matched)
	assert.Equal(t, 1, report.Results[0].Created)

	// The matching entry is now linked
	resp = doJSON(t, "GET", ts.URL+"/narratives/"+narrative.ID+"/entries", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var linked struct {
		Entries []domain.Entry `json:"entries"`
	}
	decode(t, resp, &linked)
	require.Len(t, linked.Entries, 1)
	assert.Equal(t, match.ID, linked.Entries[0].ID)

	// A second session start writes nothing new
	resp = doJSON(t, "POST", ts.URL+"/sessions", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &report)
	assert.Equal(t, 0, report.Results[0].Created)
}

func TestManualLink(t *testing.T) {
	_, ts := newTestServer(t)

	resp := doJSON(t, "POST", ts.URL+"/entries", "alice", AddEntryRequest{Body: "untagged"})
	var entry domain.Entry
	decode(t, resp, &entry)

	resp = doJSON(t, "POST", ts.URL+"/narratives", "alice", AddNarrativeRequest{Name: "Scrapbook"})
	var narrative domain.Narrative
	decode(t, resp, &narrative)

	resp = doJSON(t, "POST", ts.URL+"/narratives/"+narrative.ID+"/entries", "alice", LinkEntryRequest{EntryID: entry.ID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]bool
	decode(t, resp, &out)
	assert.True(t, out["created"])

	// Linking again reports created=false
	resp = doJSON(t, "POST", ts.URL+"/narratives/"+narrative.ID+"/entries", "alice", LinkEntryRequest{EntryID: entry.ID})
	decode(t, resp, &out)
	assert.False(t, out["created"])

	resp = doJSON(t, "POST", ts.URL+"/narratives/"+narrative.ID+"/entries", "alice", LinkEntryRequest{EntryID: "missing"})
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNarrativeDelete(t *testing.T) {
	_, ts := newTestServer(t)

	resp := doJSON(t, "POST", ts.URL+"/narratives", "alice", AddNarrativeRequest{Name: "Doomed"})
	var narrative domain.Narrative
	decode(t, resp, &narrative)

	resp = doJSON(t, "DELETE", ts.URL+"/narratives/"+narrative.ID, "alice", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, "GET", ts.URL+"/narratives/"+narrative.ID, "alice", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsAndRelationships(t *testing.T) {
	_, ts := newTestServer(t)

	start := time.Date(2026, 8, 10, 9, 0, 0, 0, time.UTC)

	resp := doJSON(t, "POST", ts.URL+"/events", "alice", AddEventRequest{Title: "Moved out", StartsAt: start})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var a domain.Event
	decode(t, resp, &a)

	resp = doJSON(t, "POST", ts.URL+"/events", "alice", AddEventRequest{Title: "Moved in", StartsAt: start.AddDate(0, 0, 1)})
	var b domain.Event
	decode(t, resp, &b)

	resp = doJSON(t, "POST", ts.URL+"/events/"+a.ID+"/relationships", "alice", RelateEventsRequest{
		TargetID: b.ID,
		RelType:  "precedes",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doJSON(t, "GET", ts.URL+"/events/"+b.ID+"/relationships", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rels struct {
		Relationships []domain.EventRelationship `json:"relationships"`
	}
	decode(t, resp, &rels)
	require.Len(t, rels.Relationships, 1)
	assert.Equal(t, a.ID, rels.Relationships[0].SourceID)

	resp = doJSON(t, "POST", ts.URL+"/events/"+a.ID+"/relationships", "alice", RelateEventsRequest{
		TargetID: "missing",
		RelType:  "precedes",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCalendar(t *testing.T) {
	_, ts := newTestServer(t)

	resp := doJSON(t, "POST", ts.URL+"/entries", "alice", AddEntryRequest{Body: "mid august", OccurredOn: "2026-08-15"})
	resp.Body.Close()
	resp = doJSON(t, "POST", ts.URL+"/entries", "alice", AddEntryRequest{Body: "september", OccurredOn: "2026-09-02"})
	resp.Body.Close()
	resp = doJSON(t, "POST", ts.URL+"/events", "alice", AddEventRequest{
		Title:    "Dentist",
		StartsAt: time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC),
	})
	resp.Body.Close()

	resp = doJSON(t, "GET", fmt.Sprintf("%s/calendar?year=%d&month=%d", ts.URL, 2026, 8), "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cal struct {
		Year  int           `json:"year"`
		Month int           `json:"month"`
		Days  []CalendarDay `json:"days"`
	}
	decode(t, resp, &cal)
	assert.Equal(t, 2026, cal.Year)
	require.Len(t, cal.Days, 1, "only days with content appear")
	assert.Equal(t, "2026-08-15", cal.Days[0].Date)
	assert.Len(t, cal.Days[0].Entries, 1)
	assert.Len(t, cal.Days[0].Events, 1)

	resp = doJSON(t, "GET", ts.URL+"/calendar?year=2026&month=13", "alice", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSearch(t *testing.T) {
	_, ts := newTestServer(t)

	resp := doJSON(t, "POST", ts.URL+"/entries", "alice", AddEntryRequest{Body: "hiked all day"})
	resp.Body.Close()
	resp = doJSON(t, "POST", ts.URL+"/entries", "bob", AddEntryRequest{Body: "also hiked"})
	resp.Body.Close()

	resp = doJSON(t, "GET", ts.URL+"/search?q=hiked", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Entries []domain.Entry `json:"entries"`
	}
	decode(t, resp, &out)
	require.Len(t, out.Entries, 1, "search is scoped to the caller")
	assert.Equal(t, "alice", out.Entries[0].UserID)
}
