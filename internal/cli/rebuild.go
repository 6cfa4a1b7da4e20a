package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/lifeflow/internal/projection"
)

// RebuildOptions holds flags for the rebuild command.
type RebuildOptions struct {
	*RootOptions
	storeFlags
}

// RebuildResult is the JSON payload of the rebuild command.
type RebuildResult struct {
	InstanceID string                `json:"instance_id"`
	Match      bool                  `json:"match"`
	Rebuilt    projection.Projection `json:"rebuilt"`
	Stored     projection.Projection `json:"stored"`
}

// NewRebuildCommand creates the rebuild command.
func NewRebuildCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RebuildOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "rebuild <instance-id>",
		Short: "Replay an instance's steps and compare with its stored projection",
		Long: `Rebuild the instance projection (active tokens, current nodes, status)
from the step log alone and compare it with what the instance stores.

Exit codes:
  0 - Projections match
  1 - Projections differ
  2 - Command error (store unavailable, etc.)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRebuild(opts, args[0], cmd)
		},
	}

	opts.register(cmd)

	return cmd
}

func runRebuild(opts *RebuildOptions, instanceID string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()

	rt, err := newRuntime(ctx, opts.RootOptions, formatter, cmd, opts.DB)
	if err != nil {
		return err
	}
	defer rt.Close()

	rebuilt, live, err := rt.engine.Rebuild(ctx, instanceID)
	if err != nil {
		return failEngine(formatter, err)
	}

	result := RebuildResult{
		InstanceID: instanceID,
		Match:      rebuilt.Equal(live),
		Rebuilt:    rebuilt,
		Stored:     live,
	}
	if !result.Match {
		rt.logger.Warn("projection drift", "instance_id", instanceID,
			"stored_status", live.Status, "rebuilt_status", rebuilt.Status)
	}

	if formatter.JSON() {
		if !result.Match {
			_ = formatter.Error(ErrCodeMismatch, "rebuilt projection differs from stored projection", result)
			return NewExitError(ExitFailure, "projection mismatch")
		}
		return formatter.Success(result)
	}

	w := formatter.Writer
	if result.Match {
		fmt.Fprintf(w, "✓ Projection of %s matches its step log (%s)\n", instanceID, live.Status)
		return nil
	}
	fmt.Fprintf(w, "✗ Projection of %s differs from its step log\n\n", instanceID)
	writeProjectionDiff(w, "status", string(live.Status), string(rebuilt.Status))
	writeProjectionDiff(w, "active tokens", strings.Join(live.ActiveTokens, ", "), strings.Join(rebuilt.ActiveTokens, ", "))
	writeProjectionDiff(w, "current nodes", strings.Join(live.CurrentNodes, ", "), strings.Join(rebuilt.CurrentNodes, ", "))
	return NewExitError(ExitFailure, "projection mismatch")
}

func writeProjectionDiff(w io.Writer, field, stored, rebuilt string) {
	if stored == rebuilt {
		return
	}
	fmt.Fprintf(w, "  %s:\n    stored:  %s\n    rebuilt: %s\n", field, stored, rebuilt)
}
