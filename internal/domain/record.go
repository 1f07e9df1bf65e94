package domain

import (
	"fmt"
	"strings"

	"github.com/paulmach/orb"
)

// ValidatedRecord is a row whose values were coerced to the target columns'
// types and passed every domain rule.
type ValidatedRecord struct {
	RowIndex int
	Code     string
	Name     string
	Category string
	Geometry orb.Geometry
	// Center is the representative point used for proximity matching.
	Center      orb.Point
	HasLocation bool
	// Fields holds typed values keyed by database column.
	Fields map[string]any
	// Columns lists Fields keys in header order.
	Columns []string
}

// Value returns the typed value for a column.
func (r ValidatedRecord) Value(column string) (any, bool) {
	v, ok := r.Fields[column]
	return v, ok
}

// MatchKind classifies a record against existing entities.
type MatchKind string

const (
	MatchNew       MatchKind = "NEW"
	MatchUpdate    MatchKind = "UPDATE"
	MatchAmbiguous MatchKind = "AMBIGUOUS"
)

// MatchResult is the matcher's decision for one record.
type MatchResult struct {
	Record     ValidatedRecord
	Kind       MatchKind
	EntityID   int64
	Candidates []int64
	Reason     string
}

// Entity is the view of an existing database row used for matching.
type Entity struct {
	ID        int64
	Code      string
	Name      string
	Center    orb.Point
	HasCenter bool
}

func (e Entity) String() string {
	parts := []string{fmt.Sprintf("id=%d", e.ID)}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	if e.Name != "" {
		parts = append(parts, fmt.Sprintf("name=%q", e.Name))
	}
	return strings.Join(parts, " ")
}
