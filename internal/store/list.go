package store

import (
	"context"
	"fmt"

	"github.com/roach88/lifeflow/internal/ir"
	"github.com/roach88/lifeflow/internal/query"
)

// ListInstances returns one page of instances matching sel, ordered by id.
func (s *Store) ListInstances(ctx context.Context, sel query.Select) ([]ir.Instance, error) {
	clause, params, err := query.SQLite.Compile(sel)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+instanceColumns+` FROM instances `+clause, params...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	instances := []ir.Instance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, *inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instances: %w", err)
	}
	return instances, nil
}
