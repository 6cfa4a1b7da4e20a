// Package query describes instance listings as a small predicate tree and
// compiles them to parameterized SQL.
//
// A listing is a Select over the instances table: a Filter built from
// Equals, In, Before, After and And, a page size, and an optional keyset
// cursor. Both storage backends compile the same Select through their own
// Dialect, so a listing means the same thing on SQLite and PostgreSQL.
//
// Predicate is a sealed interface. Only types in this package implement it,
// so the compiler's type switch is exhaustive:
//
//	switch p := pred.(type) {
//	case Equals:
//	case In:
//	case Before, After:
//	case And:
//	}
//
// Values are never interpolated into SQL. Every listing is ordered by
// instance id with a byte-wise collation, which makes pages stable across
// backends and lets the last id of one page serve as the cursor for the
// next.
package query
