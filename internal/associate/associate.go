// Package associate implements the tag-matching pass that links journal
// entries to narratives. A narrative declares a required-tag set; every
// entry carrying all of those tags belongs to it. The pass runs once per
// session start and is idempotent: re-running with unchanged data writes
// nothing.
package associate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/pbaille/chronicle/internal/domain"
	"github.com/pbaille/chronicle/internal/store"
)

// Store is the subset of persistence operations the associator needs.
type Store interface {
	ListNarratives(userID string) ([]domain.Narrative, error)
	EntryTagPairs(userID string, tagIDs []string) ([]store.TagAssignment, error)
	ExistingAssociations(narrativeID string, entryIDs []string) (map[string]bool, error)
	Associate(narrativeID, entryID, source string) (bool, error)
}

// Result is the outcome for a single narrative.
type Result struct {
	NarrativeID string `json:"narrative_id"`
	Name        string `json:"name"`
	Skipped     bool   `json:"skipped"` // empty required-tag set
	Matched     int    `json:"matched"` // entries satisfying the filter
	Created     int    `json:"created"` // new association rows written
	Err         string `json:"error,omitempty"`
}

// Report collects per-narrative results for one pass.
type Report struct {
	UserID  string   `json:"user_id"`
	Results []Result `json:"results"`
}

// Created returns the total number of association rows written.
func (r *Report) Created() int {
	total := 0
	for _, res := range r.Results {
		total += res.Created
	}
	return total
}

// Failed returns the results that ended in an error.
func (r *Report) Failed() []Result {
	var failed []Result
	for _, res := range r.Results {
		if res.Err != "" {
			failed = append(failed, res)
		}
	}
	return failed
}

// Summary renders the report as human-readable text.
func (r *Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "associator pass for user %s\n", r.UserID)
	for _, res := range r.Results {
		switch {
		case res.Skipped:
			fmt.Fprintf(&b, "  %s: skipped (no required tags)\n", res.Name)
		case res.Err != "":
			fmt.Fprintf(&b, "  %s: error: %s\n", res.Name, res.Err)
		default:
			fmt.Fprintf(&b, "  %s: %d matched, %d created\n", res.Name, res.Matched, res.Created)
		}
	}
	fmt.Fprintf(&b, "total created: %d\n", r.Created())
	return b.String()
}

// Associator runs the tag-matching pass.
type Associator struct {
	store  Store
	logger *slog.Logger
}

// New creates an Associator. A nil logger defaults to slog.Default().
func New(s Store, logger *slog.Logger) *Associator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Associator{store: s, logger: logger}
}

// Run performs one pass over the user's narratives.
//
// A failure listing the narratives aborts the whole pass and is returned.
// A failure scoped to a single narrative is recorded in that narrative's
// Result and logged; the pass continues with the next narrative.
func (a *Associator) Run(ctx context.Context, userID string) (*Report, error) {
	narratives, err := a.store.ListNarratives(userID)
	if err != nil {
		return nil, fmt.Errorf("list narratives: %w", err)
	}

	report := &Report{UserID: userID}
	for _, n := range narratives {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		res := a.runNarrative(userID, n)
		if res.Err != "" {
			a.logger.Warn("narrative skipped",
				"narrative", n.ID,
				"name", n.Name,
				"error", res.Err)
		}
		report.Results = append(report.Results, res)
	}

	a.logger.Info("associator pass complete",
		"user", userID,
		"narratives", len(report.Results),
		"created", report.Created())
	return report, nil
}

func (a *Associator) runNarrative(userID string, n domain.Narrative) Result {
	res := Result{NarrativeID: n.ID, Name: n.Name}

	// Narratives without a filter never match anything; don't touch
	// the database for them.
	if len(n.RequiredTags) == 0 {
		res.Skipped = true
		return res
	}

	pairs, err := a.store.EntryTagPairs(userID, n.RequiredTags)
	if err != nil {
		res.Err = err.Error()
		return res
	}

	qualifying := matchEntries(pairs, n.RequiredTags)
	res.Matched = len(qualifying)
	if len(qualifying) == 0 {
		return res
	}

	existing, err := a.store.ExistingAssociations(n.ID, qualifying)
	if err != nil {
		res.Err = err.Error()
		return res
	}

	for _, entryID := range qualifying {
		if existing[entryID] {
			continue
		}
		created, err := a.store.Associate(n.ID, entryID, domain.SourceAuto)
		if err != nil {
			res.Err = err.Error()
			return res
		}
		if created {
			res.Created++
		}
	}
	return res
}

// matchEntries returns entry IDs whose recorded tag subset contains every
// required tag. Containment is tested by membership, so duplicate rows in
// the join table are tolerated. The result is sorted for determinism.
func matchEntries(pairs []store.TagAssignment, required []string) []string {
	tagsByEntry := make(map[string]map[string]bool)
	for _, p := range pairs {
		set, ok := tagsByEntry[p.EntryID]
		if !ok {
			set = make(map[string]bool)
			tagsByEntry[p.EntryID] = set
		}
		set[p.TagID] = true
	}

	var qualifying []string
	for entryID, set := range tagsByEntry {
		hasAll := true
		for _, tagID := range required {
			if !set[tagID] {
				hasAll = false
				break
			}
		}
		if hasAll {
			qualifying = append(qualifying, entryID)
		}
	}

	sort.Strings(qualifying)
	return qualifying
}
