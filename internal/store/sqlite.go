package store

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pbaille/chronicle/internal/domain"
)

//go:embed schema.sql
var schema string

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store handles database operations
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Initialize schema
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// AddEntry creates a new journal entry and returns it
func (s *Store) AddEntry(userID, title, body, occurredOn string) (*domain.Entry, error) {
	id := uuid.New().String()
	now := time.Now()
	if occurredOn == "" {
		occurredOn = now.Format("2006-01-02")
	}

	_, err := s.db.Exec(
		"INSERT INTO journal_entries (id, user_id, title, body, occurred_on, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		id, userID, title, body, occurredOn, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert entry: %w", err)
	}

	return &domain.Entry{
		ID:         id,
		UserID:     userID,
		Title:      title,
		Body:       body,
		OccurredOn: occurredOn,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// GetEntry retrieves an entry by ID with its tags
func (s *Store) GetEntry(id string) (*domain.Entry, error) {
	var entry domain.Entry
	err := s.db.QueryRow(
		"SELECT id, user_id, title, body, occurred_on, created_at, updated_at FROM journal_entries WHERE id = ?",
		id,
	).Scan(&entry.ID, &entry.UserID, &entry.Title, &entry.Body, &entry.OccurredOn, &entry.CreatedAt, &entry.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}

	tags, err := s.GetEntryTags(id)
	if err != nil {
		return nil, err
	}
	entry.Tags = tags

	return &entry, nil
}

// ListEntries returns a user's recent entries with pagination
func (s *Store) ListEntries(userID string, limit, offset int) ([]domain.Entry, error) {
	rows, err := s.db.Query(
		"SELECT id, user_id, title, body, occurred_on, created_at, updated_at FROM journal_entries WHERE user_id = ? ORDER BY occurred_on DESC, created_at DESC LIMIT ? OFFSET ?",
		userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// EntriesBetween returns a user's entries whose occurred_on date falls in [from, to]
func (s *Store) EntriesBetween(userID, from, to string) ([]domain.Entry, error) {
	rows, err := s.db.Query(
		"SELECT id, user_id, title, body, occurred_on, created_at, updated_at FROM journal_entries WHERE user_id = ? AND occurred_on >= ? AND occurred_on <= ? ORDER BY occurred_on",
		userID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("entries between: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// SearchEntries performs a simple text search over a user's entries
func (s *Store) SearchEntries(userID, query string) ([]domain.Entry, error) {
	rows, err := s.db.Query(
		"SELECT id, user_id, title, body, occurred_on, created_at, updated_at FROM journal_entries WHERE user_id = ? AND (body LIKE ? OR title LIKE ?) ORDER BY occurred_on DESC",
		userID, "%"+query+"%", "%"+query+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("search entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// DeleteEntry removes an entry along with its tag assignments and
// narrative associations
func (s *Store) DeleteEntry(id string) error {
	if _, err := s.db.Exec("DELETE FROM journal_entry_tags WHERE entry_id = ?", id); err != nil {
		return fmt.Errorf("delete entry tags: %w", err)
	}
	if _, err := s.db.Exec("DELETE FROM narrative_journal_entries WHERE entry_id = ?", id); err != nil {
		return fmt.Errorf("delete entry associations: %w", err)
	}
	if _, err := s.db.Exec("DELETE FROM journal_entries WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

func scanEntries(rows *sql.Rows) ([]domain.Entry, error) {
	var entries []domain.Entry
	for rows.Next() {
		var e domain.Entry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Title, &e.Body, &e.OccurredOn, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetOrCreateTag finds a tag by name in the system vocabulary or creates it
func (s *Store) GetOrCreateTag(name string) (*domain.Tag, error) {
	var tag domain.Tag
	err := s.db.QueryRow(
		"SELECT id, name, created_at FROM system_tags WHERE name = ?",
		name,
	).Scan(&tag.ID, &tag.Name, &tag.CreatedAt)

	if err == nil {
		return &tag, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("find tag: %w", err)
	}

	id := uuid.New().String()
	now := time.Now()

	_, err = s.db.Exec(
		"INSERT INTO system_tags (id, name, created_at) VALUES (?, ?, ?)",
		id, name, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert tag: %w", err)
	}

	return &domain.Tag{ID: id, Name: name, CreatedAt: now}, nil
}

// ListTags returns the full system tag vocabulary
func (s *Store) ListTags() ([]domain.Tag, error) {
	rows, err := s.db.Query("SELECT id, name, created_at FROM system_tags ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	var tags []domain.Tag
	for rows.Next() {
		var t domain.Tag
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// TagEntry assigns a tag to an entry. Already-assigned pairs are a no-op.
func (s *Store) TagEntry(entryID, tagID string) error {
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO journal_entry_tags (entry_id, tag_id) VALUES (?, ?)",
		entryID, tagID,
	)
	if err != nil {
		return fmt.Errorf("tag entry: %w", err)
	}
	return nil
}

// UntagEntry removes a tag assignment from an entry
func (s *Store) UntagEntry(entryID, tagID string) error {
	_, err := s.db.Exec(
		"DELETE FROM journal_entry_tags WHERE entry_id = ? AND tag_id = ?",
		entryID, tagID,
	)
	if err != nil {
		return fmt.Errorf("untag entry: %w", err)
	}
	return nil
}

// GetEntryTags returns all tags assigned to an entry
func (s *Store) GetEntryTags(entryID string) ([]domain.Tag, error) {
	rows, err := s.db.Query(`
		SELECT t.id, t.name, t.created_at
		FROM system_tags t
		JOIN journal_entry_tags et ON t.id = et.tag_id
		WHERE et.entry_id = ?
		ORDER BY t.name
	`, entryID)
	if err != nil {
		return nil, fmt.Errorf("get entry tags: %w", err)
	}
	defer rows.Close()

	var tags []domain.Tag
	for rows.Next() {
		var t domain.Tag
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// AddNarrative creates a narrative with its required-tag filter
func (s *Store) AddNarrative(userID, name, description string, requiredTags []string) (*domain.Narrative, error) {
	if requiredTags == nil {
		requiredTags = []string{}
	}
	tagsJSON, err := json.Marshal(requiredTags)
	if err != nil {
		return nil, fmt.Errorf("marshal required tags: %w", err)
	}

	id := uuid.New().String()
	now := time.Now()

	_, err = s.db.Exec(
		"INSERT INTO narratives (id, user_id, name, description, required_tags, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		id, userID, name, description, string(tagsJSON), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert narrative: %w", err)
	}

	return &domain.Narrative{
		ID:           id,
		UserID:       userID,
		Name:         name,
		Description:  description,
		RequiredTags: requiredTags,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// GetNarrative retrieves a narrative by ID
func (s *Store) GetNarrative(id string) (*domain.Narrative, error) {
	var n domain.Narrative
	var tagsJSON string
	err := s.db.QueryRow(
		"SELECT id, user_id, name, description, required_tags, created_at, updated_at FROM narratives WHERE id = ?",
		id,
	).Scan(&n.ID, &n.UserID, &n.Name, &n.Description, &tagsJSON, &n.CreatedAt, &n.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get narrative: %w", err)
	}

	if err := json.Unmarshal([]byte(tagsJSON), &n.RequiredTags); err != nil {
		return nil, fmt.Errorf("decode required tags: %w", err)
	}
	return &n, nil
}

// ListNarratives returns all narratives owned by a user
func (s *Store) ListNarratives(userID string) ([]domain.Narrative, error) {
	rows, err := s.db.Query(
		"SELECT id, user_id, name, description, required_tags, created_at, updated_at FROM narratives WHERE user_id = ? ORDER BY name",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list narratives: %w", err)
	}
	defer rows.Close()

	var narratives []domain.Narrative
	for rows.Next() {
		var n domain.Narrative
		var tagsJSON string
		if err := rows.Scan(&n.ID, &n.UserID, &n.Name, &n.Description, &tagsJSON, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan narrative: %w", err)
		}
		if err := json.Unmarshal([]byte(tagsJSON), &n.RequiredTags); err != nil {
			return nil, fmt.Errorf("decode required tags: %w", err)
		}
		narratives = append(narratives, n)
	}
	return narratives, rows.Err()
}

// UpdateNarrative rewrites a narrative's name, description and required tags
func (s *Store) UpdateNarrative(n *domain.Narrative) error {
	tagsJSON, err := json.Marshal(n.RequiredTags)
	if err != nil {
		return fmt.Errorf("marshal required tags: %w", err)
	}

	res, err := s.db.Exec(
		"UPDATE narratives SET name = ?, description = ?, required_tags = ?, updated_at = ? WHERE id = ?",
		n.Name, n.Description, string(tagsJSON), time.Now(), n.ID,
	)
	if err != nil {
		return fmt.Errorf("update narrative: %w", err)
	}
	if count, err := res.RowsAffected(); err == nil && count == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteNarrative removes a narrative and its entry associations
func (s *Store) DeleteNarrative(id string) error {
	if _, err := s.db.Exec("DELETE FROM narrative_journal_entries WHERE narrative_id = ?", id); err != nil {
		return fmt.Errorf("delete associations: %w", err)
	}
	if _, err := s.db.Exec("DELETE FROM narratives WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete narrative: %w", err)
	}
	return nil
}

// TagAssignment is one (entry, tag) row from the entry/tag join table
type TagAssignment struct {
	EntryID string
	TagID   string
}

// EntryTagPairs returns (entry, tag) assignments for a user's entries,
// restricted to the given tag IDs
func (s *Store) EntryTagPairs(userID string, tagIDs []string) ([]TagAssignment, error) {
	if len(tagIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(tagIDs))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(tagIDs)+1)
	args = append(args, userID)
	for _, id := range tagIDs {
		args = append(args, id)
	}

	rows, err := s.db.Query(`
		SELECT et.entry_id, et.tag_id
		FROM journal_entry_tags et
		JOIN journal_entries e ON e.id = et.entry_id
		WHERE e.user_id = ? AND et.tag_id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("entry tag pairs: %w", err)
	}
	defer rows.Close()

	var pairs []TagAssignment
	for rows.Next() {
		var p TagAssignment
		if err := rows.Scan(&p.EntryID, &p.TagID); err != nil {
			return nil, fmt.Errorf("scan pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// ExistingAssociations returns which of the given entries are already
// linked to the narrative
func (s *Store) ExistingAssociations(narrativeID string, entryIDs []string) (map[string]bool, error) {
	existing := make(map[string]bool)
	if len(entryIDs) == 0 {
		return existing, nil
	}

	placeholders := strings.Repeat("?,", len(entryIDs))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(entryIDs)+1)
	args = append(args, narrativeID)
	for _, id := range entryIDs {
		args = append(args, id)
	}

	rows, err := s.db.Query(
		"SELECT entry_id FROM narrative_journal_entries WHERE narrative_id = ? AND entry_id IN ("+placeholders+")",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("existing associations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan association: %w", err)
		}
		existing[id] = true
	}
	return existing, rows.Err()
}

// Associate links an entry to a narrative. The insert ignores duplicate
// pairs, so a concurrent or repeated attempt resolves to "already
// associated". Returns whether a new row was created.
func (s *Store) Associate(narrativeID, entryID, source string) (bool, error) {
	res, err := s.db.Exec(
		"INSERT OR IGNORE INTO narrative_journal_entries (narrative_id, entry_id, source, created_at) VALUES (?, ?, ?, ?)",
		narrativeID, entryID, source, time.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("associate: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("associate rows affected: %w", err)
	}
	return count > 0, nil
}

// NarrativeEntries returns all entries linked to a narrative
func (s *Store) NarrativeEntries(narrativeID string) ([]domain.Entry, error) {
	rows, err := s.db.Query(`
		SELECT e.id, e.user_id, e.title, e.body, e.occurred_on, e.created_at, e.updated_at
		FROM journal_entries e
		JOIN narrative_journal_entries ne ON ne.entry_id = e.id
		WHERE ne.narrative_id = ?
		ORDER BY e.occurred_on DESC
	`, narrativeID)
	if err != nil {
		return nil, fmt.Errorf("narrative entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Associations returns the association rows for a narrative
func (s *Store) Associations(narrativeID string) ([]domain.Association, error) {
	rows, err := s.db.Query(
		"SELECT narrative_id, entry_id, source, created_at FROM narrative_journal_entries WHERE narrative_id = ?",
		narrativeID,
	)
	if err != nil {
		return nil, fmt.Errorf("associations: %w", err)
	}
	defer rows.Close()

	var assocs []domain.Association
	for rows.Next() {
		var a domain.Association
		if err := rows.Scan(&a.NarrativeID, &a.EntryID, &a.Source, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan association: %w", err)
		}
		assocs = append(assocs, a)
	}
	return assocs, rows.Err()
}

// AddEvent creates a new event
func (s *Store) AddEvent(userID, title, notes string, startsAt time.Time, endsAt *time.Time, entryID *string) (*domain.Event, error) {
	id := uuid.New().String()
	now := time.Now()

	_, err := s.db.Exec(
		"INSERT INTO events (id, user_id, title, notes, starts_at, ends_at, entry_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		id, userID, title, notes, startsAt, endsAt, entryID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}

	return &domain.Event{
		ID:        id,
		UserID:    userID,
		Title:     title,
		Notes:     notes,
		StartsAt:  startsAt,
		EndsAt:    endsAt,
		EntryID:   entryID,
		CreatedAt: now,
	}, nil
}

// GetEvent retrieves an event by ID
func (s *Store) GetEvent(id string) (*domain.Event, error) {
	var e domain.Event
	var endsAt sql.NullTime
	var entryID sql.NullString
	err := s.db.QueryRow(
		"SELECT id, user_id, title, notes, starts_at, ends_at, entry_id, created_at FROM events WHERE id = ?",
		id,
	).Scan(&e.ID, &e.UserID, &e.Title, &e.Notes, &e.StartsAt, &endsAt, &entryID, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}

	if endsAt.Valid {
		e.EndsAt = &endsAt.Time
	}
	if entryID.Valid {
		e.EntryID = &entryID.String
	}
	return &e, nil
}

// EventsBetween returns a user's events starting within [from, to)
func (s *Store) EventsBetween(userID string, from, to time.Time) ([]domain.Event, error) {
	rows, err := s.db.Query(
		"SELECT id, user_id, title, notes, starts_at, ends_at, entry_id, created_at FROM events WHERE user_id = ? AND starts_at >= ? AND starts_at < ? ORDER BY starts_at",
		userID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("events between: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var e domain.Event
		var endsAt sql.NullTime
		var entryID sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.Title, &e.Notes, &e.StartsAt, &endsAt, &entryID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if endsAt.Valid {
			e.EndsAt = &endsAt.Time
		}
		if entryID.Valid {
			e.EntryID = &entryID.String
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// RelateEvents records a typed relationship between two events.
// Duplicate triples are a no-op.
func (s *Store) RelateEvents(sourceID, targetID, relType string) error {
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO event_relationships (source_id, target_id, rel_type, created_at) VALUES (?, ?, ?, ?)",
		sourceID, targetID, relType, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("relate events: %w", err)
	}
	return nil
}

// EventRelationships returns all relationships touching an event
func (s *Store) EventRelationships(eventID string) ([]domain.EventRelationship, error) {
	rows, err := s.db.Query(
		"SELECT source_id, target_id, rel_type, created_at FROM event_relationships WHERE source_id = ? OR target_id = ?",
		eventID, eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("event relationships: %w", err)
	}
	defer rows.Close()

	var rels []domain.EventRelationship
	for rows.Next() {
		var r domain.EventRelationship
		if err := rows.Scan(&r.SourceID, &r.TargetID, &r.RelType, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		rels = append(rels, r)
	}
	return rels, rows.Err()
}
