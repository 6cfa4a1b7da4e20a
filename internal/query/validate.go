package query

import (
	"errors"
	"fmt"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid query")

// Validate checks that s only references known columns with the right kind
// of predicate and that the page size is in range. Validate is pure.
func Validate(s Select) error {
	if s.Limit < 0 || s.Limit > MaxLimit {
		return fmt.Errorf("%w: limit %d outside 0..%d", ErrInvalid, s.Limit, MaxLimit)
	}
	return validatePredicate(s.Filter)
}

func validatePredicate(p Predicate) error {
	switch pred := p.(type) {
	case nil:
		return nil
	case Equals:
		return requireText(pred.Field)
	case In:
		if err := requireText(pred.Field); err != nil {
			return err
		}
		if len(pred.Values) == 0 {
			return fmt.Errorf("%w: IN on %s has no values", ErrInvalid, pred.Field)
		}
		return nil
	case Before:
		return requireTime(pred.Field, pred.Time.IsZero())
	case After:
		return requireTime(pred.Field, pred.Time.IsZero())
	case And:
		for _, inner := range pred.Predicates {
			if err := validatePredicate(inner); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported predicate %T", ErrInvalid, p)
	}
}

func requireText(f Field) error {
	if textFields[f] {
		return nil
	}
	if timeFields[f] {
		return fmt.Errorf("%w: %s is a time field, use Before or After", ErrInvalid, f)
	}
	return fmt.Errorf("%w: unknown field %q", ErrInvalid, f)
}

func requireTime(f Field, zero bool) error {
	if !timeFields[f] {
		return fmt.Errorf("%w: %q is not a time field", ErrInvalid, f)
	}
	if zero {
		return fmt.Errorf("%w: %s bound is zero", ErrInvalid, f)
	}
	return nil
}
