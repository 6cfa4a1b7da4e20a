package query

import "time"

// Field names a filterable column of the instances table.
type Field string

const (
	FieldOrgID        Field = "org_id"
	FieldEntityType   Field = "entity_type"
	FieldEntityID     Field = "entity_id"
	FieldStatus       Field = "status"
	FieldDefinitionID Field = "definition_id"
	FieldCreatedAt    Field = "created_at"
	FieldUpdatedAt    Field = "updated_at"
)

// textFields may appear in Equals and In.
var textFields = map[Field]bool{
	FieldOrgID:        true,
	FieldEntityType:   true,
	FieldEntityID:     true,
	FieldStatus:       true,
	FieldDefinitionID: true,
}

// timeFields may appear in Before and After.
var timeFields = map[Field]bool{
	FieldCreatedAt: true,
	FieldUpdatedAt: true,
}

const (
	// DefaultLimit is the page size used when Select.Limit is zero.
	DefaultLimit = 50
	// MaxLimit caps Select.Limit.
	MaxLimit = 500
)

// Predicate is a filter condition. Sealed: see the package documentation.
type Predicate interface {
	predicateNode()
}

// Equals matches rows whose Field equals Value.
//
//	Equals{Field: FieldStatus, Value: "running"}  →  status = ?
type Equals struct {
	Field Field
	Value string
}

func (Equals) predicateNode() {}

// In matches rows whose Field is one of Values. Values must not be empty.
//
//	In{Field: FieldStatus, Values: []string{"failed", "cancelled"}}  →  status IN (?, ?)
type In struct {
	Field  Field
	Values []string
}

func (In) predicateNode() {}

// Before matches rows whose time Field is strictly earlier than Time.
type Before struct {
	Field Field
	Time  time.Time
}

func (Before) predicateNode() {}

// After matches rows whose time Field is at or later than Time.
type After struct {
	Field Field
	Time  time.Time
}

func (After) predicateNode() {}

// And is a conjunction. An empty And matches every row.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Select is one page of an instance listing.
type Select struct {
	// Filter may be nil to match every instance.
	Filter Predicate

	// Limit is the page size. Zero means DefaultLimit.
	Limit int

	// AfterID resumes the listing after the instance with this id.
	AfterID string
}

// PageSize returns the effective limit.
func (s Select) PageSize() int {
	if s.Limit <= 0 {
		return DefaultLimit
	}
	return s.Limit
}

// Where builds a conjunction from the non-nil predicates, collapsing a
// single predicate to itself.
func Where(preds ...Predicate) Predicate {
	var kept []Predicate
	for _, p := range preds {
		if p != nil {
			kept = append(kept, p)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	default:
		return And{Predicates: kept}
	}
}
