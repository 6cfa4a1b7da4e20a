package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lifeflow/internal/engine"
	"github.com/roach88/lifeflow/internal/ir"
	"github.com/roach88/lifeflow/internal/query"
	"github.com/roach88/lifeflow/internal/testutil"
)

func TestListInstances(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.publish(t, testutil.LinearEnvelope())

	var ids []string
	for _, entityID := range []string{"ent-1", "ent-2", "ent-3"} {
		inst, err := f.e.CreateInstance(ctx, engine.CreateRequest{
			OrgID: "org-1", EntityType: "invoice", EntityID: entityID, EntityVersion: 1,
			Entity: map[string]any{"amount": 150},
		})
		require.NoError(t, err)
		ids = append(ids, inst.ID)
	}
	h := f.drive(t, ids[1])
	require.Equal(t, ir.InstanceCompleted, h.Instance.Status)

	running, err := f.e.ListInstances(ctx, query.Select{
		Filter: query.Where(
			query.Equals{Field: query.FieldOrgID, Value: "org-1"},
			query.Equals{Field: query.FieldStatus, Value: string(ir.InstanceRunning)},
		),
	})
	require.NoError(t, err)
	var got []string
	for _, inst := range running {
		got = append(got, inst.ID)
	}
	assert.ElementsMatch(t, []string{ids[0], ids[2]}, got)

	_, err = f.e.ListInstances(ctx, query.Select{Filter: query.Equals{Field: "context", Value: "x"}})
	assert.True(t, engine.IsInvalidRequest(err))
}
