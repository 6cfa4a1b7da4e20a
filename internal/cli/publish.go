package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// storeFlags are the store overrides shared by commands that open one.
type storeFlags struct {
	DB string // SQLite file overriding the configured store
}

func (f *storeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.DB, "db", "", "SQLite database file (overrides the configured store)")
}

// PublishOptions holds flags for the publish command.
type PublishOptions struct {
	*RootOptions
	storeFlags
	OrgID string
}

// PublishResult is the JSON payload of the publish command.
type PublishResult struct {
	DefinitionID string `json:"definition_id"`
	OrgID        string `json:"org_id"`
	EntityType   string `json:"entity_type"`
	Version      int    `json:"version"`
	Hash         string `json:"hash"`
}

// NewPublishCommand creates the publish command.
func NewPublishCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PublishOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "publish <document>",
		Short: "Compile a workflow document and store it as a definition",
		Long: `Compile a workflow document and publish it for an organization.

New instances of the entity type pick up the latest published version;
running instances stay on the version they started with.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(opts, args[0], cmd)
		},
	}

	opts.register(cmd)
	cmd.Flags().StringVar(&opts.OrgID, "org", "", "organization id (default from config)")

	return cmd
}

func runPublish(opts *PublishOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()

	_, compiled, err := compileDocument(formatter, path, ExitCommandError)
	if err != nil {
		return err
	}

	rt, err := newRuntime(ctx, opts.RootOptions, formatter, cmd, opts.DB)
	if err != nil {
		return err
	}
	defer rt.Close()

	def, err := rt.engine.PublishDefinition(ctx, rt.orgID(opts.OrgID), compiled)
	if err != nil {
		return failEngine(formatter, err)
	}

	result := PublishResult{
		DefinitionID: def.ID,
		OrgID:        def.OrgID,
		EntityType:   def.EntityType,
		Version:      def.Version,
		Hash:         compiled.Hash,
	}
	if formatter.JSON() {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "✓ Published %s v%d for %s as %s\n", result.EntityType, result.Version, result.OrgID, result.DefinitionID)
	return nil
}
