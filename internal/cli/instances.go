package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/lifeflow/internal/ir"
	"github.com/roach88/lifeflow/internal/query"
)

// InstancesOptions holds flags for the instances command.
type InstancesOptions struct {
	*RootOptions
	storeFlags
	OrgID      string
	EntityType string
	Status     []string
	Limit      int
	After      string
}

// InstanceRow is one instance as the instances command lists it.
type InstanceRow struct {
	ID           string            `json:"id"`
	EntityType   string            `json:"entity_type"`
	EntityID     string            `json:"entity_id"`
	Status       ir.InstanceStatus `json:"status"`
	CurrentNodes []string          `json:"current_nodes"`
	UpdatedAt    string            `json:"updated_at"`
}

// InstancesResult is the JSON payload of the instances command.
type InstancesResult struct {
	Instances []InstanceRow `json:"instances"`
	Next      string        `json:"next,omitempty"`
}

// NewInstancesCommand creates the instances command.
func NewInstancesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InstancesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "instances",
		Short: "List workflow instances",
		Long: `List the instances of an organization, ordered by id.

When a page is full, the last id is printed as the cursor for --after.

Examples:
  lifeflow instances --db lifeflow.db
  lifeflow instances --status running,paused --entity-type invoice
  lifeflow instances --limit 20 --after 01J9Z...`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstances(opts, cmd)
		},
	}

	opts.register(cmd)
	cmd.Flags().StringVar(&opts.OrgID, "org", "", "organization (default from config)")
	cmd.Flags().StringVar(&opts.EntityType, "entity-type", "", "only instances of this entity type")
	cmd.Flags().StringSliceVar(&opts.Status, "status", nil, "only instances in these statuses")
	cmd.Flags().IntVar(&opts.Limit, "limit", query.DefaultLimit, "page size")
	cmd.Flags().StringVar(&opts.After, "after", "", "resume after this instance id")

	return cmd
}

func runInstances(opts *InstancesOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()

	rt, err := newRuntime(ctx, opts.RootOptions, formatter, cmd, opts.DB)
	if err != nil {
		return err
	}
	defer rt.Close()

	preds := []query.Predicate{query.Equals{Field: query.FieldOrgID, Value: rt.orgID(opts.OrgID)}}
	if opts.EntityType != "" {
		preds = append(preds, query.Equals{Field: query.FieldEntityType, Value: opts.EntityType})
	}
	if len(opts.Status) > 0 {
		preds = append(preds, query.In{Field: query.FieldStatus, Values: opts.Status})
	}
	sel := query.Select{Filter: query.Where(preds...), Limit: opts.Limit, AfterID: opts.After}

	instances, err := rt.engine.ListInstances(ctx, sel)
	if err != nil {
		return failEngine(formatter, err)
	}

	result := InstancesResult{Instances: make([]InstanceRow, 0, len(instances))}
	for _, inst := range instances {
		result.Instances = append(result.Instances, InstanceRow{
			ID:           inst.ID,
			EntityType:   inst.EntityType,
			EntityID:     inst.EntityID,
			Status:       inst.Status,
			CurrentNodes: inst.CurrentNodes,
			UpdatedAt:    inst.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	if len(instances) == sel.PageSize() {
		result.Next = instances[len(instances)-1].ID
	}

	if formatter.JSON() {
		return formatter.Success(result)
	}

	w := formatter.Writer
	if len(result.Instances) == 0 {
		fmt.Fprintln(w, "No instances found.")
		return nil
	}
	for _, row := range result.Instances {
		fmt.Fprintf(w, "%s  %-9s  %s/%s  %s\n", row.ID, row.Status, row.EntityType, row.EntityID,
			strings.Join(row.CurrentNodes, ", "))
	}
	if result.Next != "" {
		fmt.Fprintf(w, "\nMore: --after %s\n", result.Next)
	}
	return nil
}
