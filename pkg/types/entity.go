package types

import (
	"strings"
	"time"
)

// Task status values.
const (
	StatusToDo  = "ToDo"
	StatusDoing = "Doing"
	StatusDone  = "Done"
)

// validStatuses is the set of recognized task status values.
var validStatuses = map[string]bool{
	StatusToDo:  true,
	StatusDoing: true,
	StatusDone:  true,
}

// ValidStatus reports whether s is a recognized task status.
func ValidStatus(s string) bool {
	return validStatuses[s]
}

// NameKey returns the derived uniqueness key stored in name_lower columns.
func NameKey(name string) string {
	return strings.ToLower(name)
}

// ValidateName returns ErrInvalidName for blank names.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrInvalidName
	}
	return nil
}

// OptionalID converts an empty id to nil, for nullable foreign keys.
func OptionalID(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

// DerefID returns the id behind a nullable foreign key, or "".
func DerefID(id *string) string {
	if id == nil {
		return ""
	}
	return *id
}

// Project is a node in the per-domain project tree.
type Project struct {
	ID          string    `json:"id" track:"-"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	ParentID    *string   `json:"parent_id,omitempty"` // nil for a root project.
	SaveTime    time.Time `json:"save_time" track:"-"`
}

// Phase is one link in a project's ordered phase chain.
type Phase struct {
	ID          string    `json:"id" track:"-"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	ProjectID   string    `json:"project_id"`
	Follows     *string   `json:"follows,omitempty"` // nil for a chain start.
	SaveTime    time.Time `json:"save_time" track:"-"`
}

// Task is a unit of work owned by exactly one project or one phase.
type Task struct {
	ID          string    `json:"id" track:"-"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	ProjectID   *string   `json:"project_id,omitempty"`
	PhaseID     *string   `json:"phase_id,omitempty"`
	SaveTime    time.Time `json:"save_time" track:"-"`
}

// ValidateOwner checks the exactly-one-owner rule.
func (t Task) ValidateOwner() error {
	if (t.ProjectID == nil) == (t.PhaseID == nil) {
		return ErrInvalidOwner
	}
	return nil
}

// Blocker is a directed dependency edge: Requires must finish before Item.
type Blocker struct {
	// ID is a UUID v7, generated on creation.
	ID string

	// Item is the blocked task.
	Item string

	// Requires is the blocking task.
	Requires string
}
