package masterdata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Category is one of the reconciled master-data sets
type Category string

const (
	CategoryJobPosition Category = "job_position"
	CategoryJobLevel    Category = "job_level"
	CategoryEducation   Category = "education"
)

// Categories lists every category in reconciliation order
var Categories = []Category{CategoryJobPosition, CategoryJobLevel, CategoryEducation}

// Valid reports whether c is a known category
func (c Category) Valid() bool {
	switch c {
	case CategoryJobPosition, CategoryJobLevel, CategoryEducation:
		return true
	}
	return false
}

// Hierarchical reports whether nodes of c carry a parent reference
func (c Category) Hierarchical() bool {
	return c == CategoryJobPosition
}

// Ordered reports whether nodes of c carry an ordering index
func (c Category) Ordered() bool {
	return c == CategoryJobLevel || c == CategoryEducation
}

var (
	// ErrUnknownCategory is returned for categories outside Categories
	ErrUnknownCategory = errors.New("unknown master-data category")
	// ErrNotHierarchical is returned when setting a parent on a flat category
	ErrNotHierarchical = errors.New("category has no hierarchy")
	// ErrNodeNotFound is returned when a node id does not exist
	ErrNodeNotFound = errors.New("master-data node not found")
	// ErrConflict is returned when a write would break name or external id uniqueness
	ErrConflict = errors.New("master-data uniqueness conflict")
)

// Node is a tenant-local master-data row. ParentID always holds a local id.
type Node struct {
	ID           int64
	Category     Category
	Name         string
	Index        *int
	ExternalID   string
	ExternalName string
	ParentID     *int64
	DeletedAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsDeleted reports whether the node is soft-deleted
func (n *Node) IsDeleted() bool {
	return n.DeletedAt != nil
}

// Store persists master-data nodes for a single tenant
type Store interface {
	// FindMatch looks up the node an upstream item maps to: first by
	// external id, then by exact name. Active rows win over soft-deleted
	// ones. It returns nil without error when nothing matches.
	FindMatch(ctx context.Context, cat Category, externalID, name string) (*Node, error)
	Insert(ctx context.Context, n *Node) error
	// Update writes name, index and external fields and clears the
	// soft-delete marker. Parent and created timestamp are untouched.
	Update(ctx context.Context, n *Node) error
	SetParent(ctx context.Context, cat Category, id int64, parentID *int64) error
	SoftDelete(ctx context.Context, cat Category, id int64) error
	Count(ctx context.Context, cat Category, includeDeleted bool) (int, error)
	List(ctx context.Context, cat Category, includeDeleted bool) ([]*Node, error)
	// Atomic runs fn as one read-then-write unit
	Atomic(ctx context.Context, fn func(Store) error) error
}

// Node actions recorded per reconciled item
const (
	ActionCreated   = "created"
	ActionRestored  = "restored"
	ActionUpdated   = "updated"
	ActionUnchanged = "unchanged"
	ActionSkipped   = "skipped"
	ActionReparent  = "reparented"
)

// CategoryResult summarises one category of a pass
type CategoryResult struct {
	Category   Category         `json:"category"`
	Created    int              `json:"created"`
	Restored   int              `json:"restored"`
	Updated    int              `json:"updated"`
	Unchanged  int              `json:"unchanged"`
	Skipped    int              `json:"skipped"`
	Reparented int              `json:"reparented,omitempty"`
	Mapping    map[string]int64 `json:"mapping"`
	Err        error            `json:"-"`
}

func newCategoryResult(cat Category) *CategoryResult {
	return &CategoryResult{Category: cat, Mapping: make(map[string]int64)}
}

func (r *CategoryResult) count(action string) {
	switch action {
	case ActionCreated:
		r.Created++
	case ActionRestored:
		r.Restored++
	case ActionUpdated:
		r.Updated++
	case ActionUnchanged:
		r.Unchanged++
	case ActionSkipped:
		r.Skipped++
	case ActionReparent:
		r.Reparented++
	}
}

// Changed reports whether the category wrote anything
func (r *CategoryResult) Changed() bool {
	return r.Created+r.Restored+r.Updated+r.Reparented > 0
}

// Result summarises one reconciliation pass
type Result struct {
	RunID      string                       `json:"run_id"`
	Empty      bool                         `json:"empty"`
	Categories map[Category]*CategoryResult `json:"categories"`
	StartedAt  time.Time                    `json:"started_at"`
	FinishedAt time.Time                    `json:"finished_at"`
}

// Err returns a *PartialReconciliationError when any category failed
func (r *Result) Err() error {
	if r == nil {
		return nil
	}
	failed := make(map[Category]error)
	for cat, cr := range r.Categories {
		if cr.Err != nil {
			failed[cat] = cr.Err
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return &PartialReconciliationError{Failed: failed}
}

// PartialReconciliationError reports categories that failed while others
// were committed.
type PartialReconciliationError struct {
	Failed map[Category]error
}

func (e *PartialReconciliationError) Error() string {
	cats := make([]string, 0, len(e.Failed))
	for cat := range e.Failed {
		cats = append(cats, string(cat))
	}
	sort.Strings(cats)

	parts := make([]string, 0, len(cats))
	for _, cat := range cats {
		parts = append(parts, fmt.Sprintf("%s: %v", cat, e.Failed[Category(cat)]))
	}
	return "partial reconciliation: " + strings.Join(parts, "; ")
}

// Unwrap exposes the per-category errors to errors.Is and errors.As
func (e *PartialReconciliationError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return errs
}
