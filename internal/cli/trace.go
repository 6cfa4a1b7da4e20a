package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/lifeflow/internal/engine"
	"github.com/roach88/lifeflow/internal/ir"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	storeFlags
	Node string // only steps at this node
	Log  bool   // include the execution log
}

// StepSummary is one step as the CLI reports it.
type StepSummary struct {
	Seq           int64         `json:"seq"`
	NodeID        string        `json:"node_id"`
	NodeType      ir.NodeType   `json:"node_type"`
	Status        ir.StepStatus `json:"status"`
	EntityVersion int64         `json:"entity_version"`
	ChosenEdges   []string      `json:"chosen_edges,omitempty"`
	Error         string        `json:"error,omitempty"`
	DurationMs    int64         `json:"duration_ms"`
}

// TraceResult is the JSON payload of the trace command.
type TraceResult struct {
	InstanceID   string                 `json:"instance_id"`
	Status       ir.InstanceStatus      `json:"status"`
	DefinitionID string                 `json:"definition_id"`
	Version      int                    `json:"definition_version"`
	CurrentNodes []string               `json:"current_nodes"`
	Steps        []StepSummary          `json:"steps"`
	Log          []ir.ExecutionLogEntry `json:"log,omitempty"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace <instance-id>",
		Short: "Show the step history of an instance",
		Long: `Show an instance's steps in execution order.

Examples:
  lifeflow trace 01J9Z... --db lifeflow.db
  lifeflow trace 01J9Z... --node sys:gate:review
  lifeflow trace 01J9Z... --log --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, args[0], cmd)
		},
	}

	opts.register(cmd)
	cmd.Flags().StringVar(&opts.Node, "node", "", "only show steps at this node")
	cmd.Flags().BoolVar(&opts.Log, "log", false, "include the execution log")

	return cmd
}

func runTrace(opts *TraceOptions, instanceID string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()

	rt, err := newRuntime(ctx, opts.RootOptions, formatter, cmd, opts.DB)
	if err != nil {
		return err
	}
	defer rt.Close()

	hist, err := rt.engine.LoadHistory(ctx, instanceID)
	if err != nil {
		return failEngine(formatter, err)
	}

	result := TraceResult{
		InstanceID:   hist.Instance.ID,
		Status:       hist.Instance.Status,
		DefinitionID: hist.Definition.ID,
		Version:      hist.Definition.Version,
		CurrentNodes: hist.Instance.CurrentNodes,
		Steps:        summarizeSteps(hist, opts.Node),
	}
	if opts.Log {
		entries, err := rt.backend.ReadLog(ctx, instanceID)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeStore, fmt.Sprintf("read log: %v", err), nil)
		}
		result.Log = entries
	}

	if formatter.JSON() {
		return formatter.Success(result)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "Instance %s (%s, %s v%d)\n", result.InstanceID, result.Status, hist.Definition.EntityType, result.Version)
	if len(result.CurrentNodes) > 0 {
		fmt.Fprintf(w, "Current: %s\n", strings.Join(result.CurrentNodes, ", "))
	}
	fmt.Fprintln(w)
	writeSteps(w, result.Steps)

	if len(result.Log) > 0 {
		fmt.Fprintln(w, "\nLog:")
		for _, e := range result.Log {
			fmt.Fprintf(w, "  %s %-5s %s\n", e.CreatedAt.Format("2006-01-02T15:04:05Z07:00"), e.Level, e.Message)
		}
	}
	return nil
}

// summarizeSteps converts the history's steps, keeping only those at
// node when it is set.
func summarizeSteps(hist *engine.History, node string) []StepSummary {
	out := make([]StepSummary, 0, len(hist.Steps))
	for _, s := range hist.Steps {
		if node != "" && s.NodeID != node {
			continue
		}
		out = append(out, StepSummary{
			Seq:           s.Seq,
			NodeID:        s.NodeID,
			NodeType:      s.NodeType,
			Status:        s.Status,
			EntityVersion: s.EntityVersion,
			ChosenEdges:   s.ChosenEdges,
			Error:         s.Error,
			DurationMs:    s.DurationMs,
		})
	}
	return out
}

func writeSteps(w io.Writer, steps []StepSummary) {
	if len(steps) == 0 {
		fmt.Fprintln(w, "No steps recorded.")
		return
	}
	fmt.Fprintf(w, "Steps (%d):\n", len(steps))
	for _, s := range steps {
		line := fmt.Sprintf("  [%d] %s %s v%d", s.Seq, s.NodeID, s.Status, s.EntityVersion)
		if len(s.ChosenEdges) > 0 {
			line += " → " + strings.Join(s.ChosenEdges, ", ")
		}
		if s.Error != "" {
			line += " (" + s.Error + ")"
		}
		fmt.Fprintln(w, line)
	}
}
