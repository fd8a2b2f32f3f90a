package tasks

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrInvalidIdentity     = errors.New("invalid task identity")
	ErrMalformedRecord     = errors.New("malformed task record")
	ErrUnrecognizedPayload = errors.New("unrecognized task payload")
)

type Status string

const (
	StatusPosted     Status = "posted"
	StatusWithdrawn  Status = "withdrawn"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
)

type Origin string

const (
	OriginRemote    Origin = "remote"
	OriginLocalOnly Origin = "localOnly"
)

type PriceRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

type Owner struct {
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef"`
}

// Record is the canonical task shape shared by the mirror, the engine and
// every consumer. ID is the only deduplication key.
type Record struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Location   string     `json:"location,omitempty"`
	Deadline   string     `json:"deadline,omitempty"`
	PriceRange PriceRange `json:"priceRange"`
	Status     Status     `json:"status"`
	Owner      Owner      `json:"owner"`
	Origin     Origin     `json:"origin"`
}

func (r Record) Withdrawn() bool {
	return r.Status == StatusWithdrawn
}

// Valid reports whether r carries the minimum shape: an id and a title.
func (r Record) Valid() bool {
	return strings.TrimSpace(r.ID) != "" && strings.TrimSpace(r.Title) != ""
}

// ValidateIdentity accepts only the canonical lowercase hyphenated UUID form
// the remote path parameters use.
func ValidateIdentity(id string) error {
	parsed, err := uuid.Parse(id)
	if err != nil || parsed.String() != id {
		return fmt.Errorf("%w: %q", ErrInvalidIdentity, id)
	}
	return nil
}

// NewDraft creates a locally authored record that has not been confirmed by
// the server yet.
func NewDraft(title string) Record {
	return Record{
		ID:     uuid.NewString(),
		Title:  strings.TrimSpace(title),
		Status: StatusPosted,
		Origin: OriginLocalOnly,
	}
}

func ParseStatus(raw string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "posted", "open", "active", "available":
		return StatusPosted, true
	case "withdrawn", "cancelled", "canceled", "deleted", "removed":
		return StatusWithdrawn, true
	case "in-progress", "in_progress", "inprogress", "assigned":
		return StatusInProgress, true
	case "completed", "complete", "done":
		return StatusCompleted, true
	default:
		return StatusPosted, false
	}
}

type Query struct {
	Search string `json:"search,omitempty"`
	Sort   string `json:"sort,omitempty"`
	Type   string `json:"type,omitempty"`
}

// Filtered reports whether q narrows the feed. Sort only reorders it.
func (q Query) Filtered() bool {
	return strings.TrimSpace(q.Search) != "" || strings.TrimSpace(q.Type) != ""
}

func (q Query) Values() url.Values {
	values := url.Values{}
	if s := strings.TrimSpace(q.Search); s != "" {
		values.Set("search", s)
	}
	if s := strings.TrimSpace(q.Sort); s != "" {
		values.Set("sort", s)
	}
	if s := strings.TrimSpace(q.Type); s != "" {
		values.Set("type", s)
	}
	return values
}
