package domain

import "time"

// Entry is a single journal entry
type Entry struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Title      string    `json:"title,omitempty"`
	Body       string    `json:"body"`
	Tags       []Tag     `json:"tags,omitempty"`
	OccurredOn string    `json:"occurred_on"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Tag is a label from the global (system-level) vocabulary
type Tag struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Narrative groups journal entries selected by a required-tag filter.
// An entry belongs to a narrative when it carries every tag in RequiredTags.
type Narrative struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	RequiredTags []string  `json:"required_tags"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Association source values
const (
	SourceAuto   = "auto"
	SourceManual = "manual"
)

// Association links one journal entry to one narrative
type Association struct {
	NarrativeID string    `json:"narrative_id"`
	EntryID     string    `json:"entry_id"`
	Source      string    `json:"source"`
	CreatedAt   time.Time `json:"created_at"`
}

// Event is a dated occurrence, optionally backed by a journal entry
type Event struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Title     string     `json:"title"`
	Notes     string     `json:"notes,omitempty"`
	StartsAt  time.Time  `json:"starts_at"`
	EndsAt    *time.Time `json:"ends_at,omitempty"`
	EntryID   *string    `json:"entry_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// EventRelationship links two events with a typed relation
type EventRelationship struct {
	SourceID  string    `json:"source_id"`
	TargetID  string    `json:"target_id"`
	RelType   string    `json:"rel_type"`
	CreatedAt time.Time `json:"created_at"`
}
