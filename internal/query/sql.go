package query

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect adapts compiled SQL to one backend.
type Dialect struct {
	// Placeholder renders the n-th parameter, starting at 1.
	Placeholder func(n int) string

	// Collate is appended to the id ordering for byte-wise comparison.
	Collate string

	// Time converts a time bound to the column's parameter type.
	Time func(t time.Time) any
}

// SQLite stores timestamps as fixed-width UTC text.
var SQLite = Dialect{
	Placeholder: func(int) string { return "?" },
	Collate:     "COLLATE BINARY",
	Time: func(t time.Time) any {
		return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
	},
}

// Postgres uses numbered parameters and TIMESTAMPTZ columns.
var Postgres = Dialect{
	Placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	Collate:     `COLLATE "C"`,
	Time:        func(t time.Time) any { return t.UTC() },
}

// Compile renders the clause that follows "SELECT ... FROM instances":
// WHERE (when anything filters), ORDER BY and LIMIT. Values are always
// passed as parameters.
func (d Dialect) Compile(s Select) (string, []any, error) {
	if err := Validate(s); err != nil {
		return "", nil, err
	}
	c := &compiler{d: d}

	var conds []string
	if s.Filter != nil {
		cond, err := c.predicate(s.Filter)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		conds = append(conds, cond)
	}
	if s.AfterID != "" {
		conds = append(conds, fmt.Sprintf("id %s > %s", d.Collate, c.param(s.AfterID)))
	}

	var b strings.Builder
	if len(conds) > 0 {
		b.WriteString("WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
		b.WriteString(" ")
	}
	fmt.Fprintf(&b, "ORDER BY id %s ASC LIMIT %s", d.Collate, c.param(s.PageSize()))
	return b.String(), c.params, nil
}

type compiler struct {
	d      Dialect
	params []any
}

func (c *compiler) param(v any) string {
	c.params = append(c.params, v)
	return c.d.Placeholder(len(c.params))
}

func (c *compiler) predicate(p Predicate) (string, error) {
	switch pred := p.(type) {
	case Equals:
		return fmt.Sprintf("%s = %s", pred.Field, c.param(pred.Value)), nil
	case In:
		marks := make([]string, len(pred.Values))
		for i, v := range pred.Values {
			marks[i] = c.param(v)
		}
		return fmt.Sprintf("%s IN (%s)", pred.Field, strings.Join(marks, ", ")), nil
	case Before:
		return fmt.Sprintf("%s < %s", pred.Field, c.param(c.d.Time(pred.Time))), nil
	case After:
		return fmt.Sprintf("%s >= %s", pred.Field, c.param(c.d.Time(pred.Time))), nil
	case And:
		if len(pred.Predicates) == 0 {
			return "1 = 1", nil
		}
		parts := make([]string, 0, len(pred.Predicates))
		for _, inner := range pred.Predicates {
			sql, err := c.predicate(inner)
			if err != nil {
				return "", err
			}
			parts = append(parts, sql)
		}
		return "(" + strings.Join(parts, " AND ") + ")", nil
	default:
		return "", fmt.Errorf("unsupported predicate type: %T", p)
	}
}
