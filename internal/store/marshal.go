package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/lifeflow/internal/ir"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// marshalObject converts a map to canonical JSON TEXT for storage.
// A nil map is stored as {}.
func marshalObject(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := ir.MarshalCanonical(m)
	if err != nil {
		return "", fmt.Errorf("marshal object: %w", err)
	}
	return string(data), nil
}

// unmarshalObject parses JSON TEXT into a map.
func unmarshalObject(s string) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("unmarshal object: %w", err)
	}
	return m, nil
}

// marshalList converts a slice to canonical JSON TEXT. A nil slice is
// stored as [].
func marshalList[T any](v []T) (string, error) {
	if v == nil {
		return "[]", nil
	}
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("marshal list: %w", err)
	}
	return string(data), nil
}

// unmarshalList parses JSON TEXT into a non-nil slice.
func unmarshalList[T any](s string) ([]T, error) {
	out := []T{}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("unmarshal list: %w", err)
	}
	if out == nil {
		out = []T{}
	}
	return out, nil
}
