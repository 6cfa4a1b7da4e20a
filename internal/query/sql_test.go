package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile_Empty(t *testing.T) {
	sql, params, err := SQLite.Compile(Select{})
	require.NoError(t, err)
	assert.Equal(t, "ORDER BY id COLLATE BINARY ASC LIMIT ?", sql)
	assert.Equal(t, []any{DefaultLimit}, params)
}

func TestCompile_Equals(t *testing.T) {
	sql, params, err := SQLite.Compile(Select{
		Filter: Equals{Field: FieldStatus, Value: "running"},
		Limit:  10,
	})
	require.NoError(t, err)

	assert.Equal(t, "WHERE status = ? ORDER BY id COLLATE BINARY ASC LIMIT ?", sql)
	assert.NotContains(t, sql, "running")
	assert.Equal(t, []any{"running", 10}, params)
}

func TestCompile_PostgresNumbersParameters(t *testing.T) {
	sql, params, err := Postgres.Compile(Select{
		Filter: Where(
			Equals{Field: FieldOrgID, Value: "acme"},
			In{Field: FieldStatus, Values: []string{"failed", "cancelled"}},
		),
		AfterID: "inst-9",
		Limit:   20,
	})
	require.NoError(t, err)

	assert.Equal(t,
		`WHERE (org_id = $1 AND status IN ($2, $3)) AND id COLLATE "C" > $4 ORDER BY id COLLATE "C" ASC LIMIT $5`,
		sql)
	assert.Equal(t, []any{"acme", "failed", "cancelled", "inst-9", 20}, params)
}

func TestCompile_TimeBounds(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	sel := Select{Filter: And{Predicates: []Predicate{
		After{Field: FieldCreatedAt, Time: at},
		Before{Field: FieldUpdatedAt, Time: at},
	}}}

	sql, params, err := SQLite.Compile(sel)
	require.NoError(t, err)
	assert.Contains(t, sql, "(created_at >= ? AND updated_at < ?)")
	assert.Equal(t, "2026-03-01T11:00:00.000000000Z", params[0])

	_, params, err = Postgres.Compile(sel)
	require.NoError(t, err)
	assert.Equal(t, at.UTC(), params[0])
}

func TestCompile_EmptyAndMatchesAll(t *testing.T) {
	sql, _, err := SQLite.Compile(Select{Filter: And{}})
	require.NoError(t, err)
	assert.Contains(t, sql, "WHERE 1 = 1")
}

func TestCompile_RejectsInvalid(t *testing.T) {
	_, _, err := SQLite.Compile(Select{Filter: Equals{Field: "id; DROP TABLE instances", Value: "x"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestCompile_Deterministic(t *testing.T) {
	sel := Select{Filter: Where(
		Equals{Field: FieldEntityType, Value: "invoice"},
		Equals{Field: FieldDefinitionID, Value: "def-1"},
	)}
	first, _, err := Postgres.Compile(sel)
	require.NoError(t, err)
	for range 10 {
		again, _, err := Postgres.Compile(sel)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
