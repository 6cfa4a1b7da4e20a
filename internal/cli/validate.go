package cli

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/lifeflow/internal/compiler"
	"github.com/roach88/lifeflow/internal/ir"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
}

// ValidationReport is the JSON payload of a successful validation.
type ValidationReport struct {
	DefinitionID     string                        `json:"definition_id"`
	Hash             string                        `json:"hash"`
	TopologicalOrder []string                      `json:"topological_order"`
	SystemGates      ir.SystemGateReport           `json:"system_gates"`
	Joins            map[string]ir.JoinRequirement `json:"joins,omitempty"`
	StableRegion     []string                      `json:"stable_region,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <document>",
		Short: "Check a workflow document without writing output",
		Long: `Validate the envelope on its own, then the effective workflow after
its slot patches are merged.

Exit codes:
  0 - Workflow is valid
  1 - Validation errors found
  2 - Document could not be read`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *ValidateOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	doc, err := compiler.LoadDocument(path)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeLoadFailed, err.Error(), nil)
	}

	// A broken envelope is reported on its own so patch errors do not bury it.
	if res := compiler.ValidateDAG(doc.Envelope.Nodes, doc.Envelope.Edges); !res.Valid {
		return outputCompileErrors(formatter, res.Errors, ExitFailure)
	}
	formatter.VerboseLog("Envelope %s is structurally valid", doc.Envelope.ID)

	compiled, err := doc.Compile()
	if err != nil {
		return outputCompileErrors(formatter, err, ExitFailure)
	}

	report := ValidationReport{
		DefinitionID:     compiled.DefinitionID,
		Hash:             compiled.Hash,
		TopologicalOrder: compiled.TopologicalOrder,
		SystemGates:      compiled.SystemGates,
		Joins:            compiled.JoinRequirements,
		StableRegion:     compiled.StableRegionNodes,
	}
	if formatter.JSON() {
		return formatter.Success(report)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "✓ Workflow %s is valid\n\n", report.DefinitionID)
	fmt.Fprintf(w, "Order: %s\n", strings.Join(report.TopologicalOrder, " → "))
	fmt.Fprintf(w, "System gates: %d required, %d present\n", len(report.SystemGates.Required), len(report.SystemGates.Present))
	if len(report.Joins) > 0 {
		fmt.Fprintln(w, "Joins:")
		for _, id := range slices.Sorted(maps.Keys(report.Joins)) {
			j := report.Joins[id]
			fmt.Fprintf(w, "  %s: %s of %d\n", id, j.Mode, j.RequiredCount)
		}
	}
	if len(report.StableRegion) > 0 {
		fmt.Fprintf(w, "Stable region: %s\n", strings.Join(report.StableRegion, ", "))
	}
	return nil
}
