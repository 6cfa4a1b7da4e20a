package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lifeflow/internal/engine"
	"github.com/roach88/lifeflow/internal/ir"
	"github.com/roach88/lifeflow/internal/query"
)

func instanceIDs(instances []ir.Instance) []string {
	ids := make([]string, len(instances))
	for i, inst := range instances {
		ids[i] = inst.ID
	}
	return ids
}

func TestListInstances(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	seedInstance(t, s, "inst-a")
	b := seedInstance(t, s, "inst-b")
	c := seedInstance(t, s, "inst-c")
	inTx(t, s, func(ctx context.Context, tx engine.Tx) {
		b.Status = ir.InstanceCompleted
		b.UpdatedAt = t0.Add(time.Hour)
		require.NoError(t, tx.UpdateInstance(ctx, b))
		c.Status = ir.InstanceFailed
		c.UpdatedAt = t0.Add(2 * time.Hour)
		require.NoError(t, tx.UpdateInstance(ctx, c))
	})

	t.Run("all", func(t *testing.T) {
		got, err := s.ListInstances(ctx, query.Select{})
		require.NoError(t, err)
		assert.Equal(t, []string{"inst-a", "inst-b", "inst-c"}, instanceIDs(got))
	})

	t.Run("status", func(t *testing.T) {
		got, err := s.ListInstances(ctx, query.Select{
			Filter: query.In{Field: query.FieldStatus, Values: []string{"completed", "failed"}},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"inst-b", "inst-c"}, instanceIDs(got))
	})

	t.Run("time bound", func(t *testing.T) {
		got, err := s.ListInstances(ctx, query.Select{
			Filter: query.Before{Field: query.FieldUpdatedAt, Time: t0.Add(90 * time.Minute)},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"inst-a", "inst-b"}, instanceIDs(got))
	})

	t.Run("pages", func(t *testing.T) {
		first, err := s.ListInstances(ctx, query.Select{Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"inst-a", "inst-b"}, instanceIDs(first))

		second, err := s.ListInstances(ctx, query.Select{Limit: 2, AfterID: first[1].ID})
		require.NoError(t, err)
		assert.Equal(t, []string{"inst-c"}, instanceIDs(second))
	})

	t.Run("no match", func(t *testing.T) {
		got, err := s.ListInstances(ctx, query.Select{
			Filter: query.Equals{Field: query.FieldOrgID, Value: "other"},
		})
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Empty(t, got)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := s.ListInstances(ctx, query.Select{Filter: query.Equals{Field: "context", Value: "x"}})
		assert.ErrorIs(t, err, query.ErrInvalid)
	})
}
