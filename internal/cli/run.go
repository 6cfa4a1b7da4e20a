package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/lifeflow/internal/engine"
	"github.com/roach88/lifeflow/internal/ir"
	"github.com/roach88/lifeflow/internal/worker"
)

// maxDrainRounds bounds one synchronous drain of the outbox or the
// side-effect queue.
const maxDrainRounds = 1000

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	storeFlags
	OrgID         string
	EntityID      string
	EntityVersion int64
	Entity        string // JSON object
	Actor         string // JSON object
	Context       string // JSON object
	Effects       bool   // execute side effects after the drain
}

// RunResult is the JSON payload of the run command.
type RunResult struct {
	InstanceID   string            `json:"instance_id"`
	DefinitionID string            `json:"definition_id"`
	Status       ir.InstanceStatus `json:"status"`
	CurrentNodes []string          `json:"current_nodes"`
	Steps        []StepSummary     `json:"steps"`
	Events       int               `json:"events_processed"`
	SideEffects  int               `json:"side_effects_processed"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <document>",
		Short: "Publish a workflow, start an instance and drive it until it blocks",
		Long: `Publish the workflow, create an instance for one entity and process its
outbox until no event is due. The instance then either finished or is
waiting on a gate, timer, event or approval.

Exit codes:
  0 - Instance is completed or waiting
  1 - Instance failed or the engine rejected the run
  2 - Command error (unreadable document, store unavailable, bad flags)

Examples:
  lifeflow run invoice.yaml --entity '{"amount": 250}' --db lifeflow.db
  lifeflow run invoice.cue --entity-id inv-7 --effects --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(opts, args[0], cmd)
		},
	}

	opts.register(cmd)
	cmd.Flags().StringVar(&opts.OrgID, "org", "", "organization id (default from config)")
	cmd.Flags().StringVar(&opts.EntityID, "entity-id", "entity-1", "entity id")
	cmd.Flags().Int64Var(&opts.EntityVersion, "entity-version", 1, "entity version")
	cmd.Flags().StringVar(&opts.Entity, "entity", "", "entity as a JSON object")
	cmd.Flags().StringVar(&opts.Actor, "actor", "", "actor as a JSON object")
	cmd.Flags().StringVar(&opts.Context, "context", "", "initial context as a JSON object")
	cmd.Flags().BoolVar(&opts.Effects, "effects", false, "execute webhooks and notifications")

	return cmd
}

func runRun(opts *RunOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()

	objects := make(map[string]map[string]any, 3)
	for name, raw := range map[string]string{"entity": opts.Entity, "actor": opts.Actor, "context": opts.Context} {
		obj, err := parseObject(raw)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeInvalidInput, fmt.Sprintf("--%s: %v", name, err), nil)
		}
		objects[name] = obj
	}

	_, compiled, err := compileDocument(formatter, path, ExitCommandError)
	if err != nil {
		return err
	}

	rt, err := newRuntime(ctx, opts.RootOptions, formatter, cmd, opts.DB)
	if err != nil {
		return err
	}
	defer rt.Close()

	orgID := rt.orgID(opts.OrgID)
	def, err := rt.engine.PublishDefinition(ctx, orgID, compiled)
	if err != nil {
		return failEngine(formatter, err)
	}
	formatter.VerboseLog("Published %s v%d as %s", def.EntityType, def.Version, def.ID)

	inst, err := rt.engine.CreateInstance(ctx, engine.CreateRequest{
		OrgID:         orgID,
		EntityType:    compiled.EntityType,
		EntityID:      opts.EntityID,
		EntityVersion: opts.EntityVersion,
		Entity:        objects["entity"],
		Actor:         objects["actor"],
		Context:       objects["context"],
		DefinitionID:  def.ID,
	})
	if err != nil {
		return failEngine(formatter, err)
	}
	formatter.VerboseLog("Created instance %s", inst.ID)

	wcfg := rt.workerConfig()
	events := worker.NewEngineWorker(rt.engine, rt.backend, wcfg, rt.logger)
	processed, err := worker.Drain(ctx, maxDrainRounds, events.PollAndProcess)
	if err != nil {
		return formatter.Fail(ExitFailure, ErrCodeEngine, fmt.Sprintf("drain outbox: %v", err), nil)
	}

	result := RunResult{InstanceID: inst.ID, DefinitionID: def.ID, Events: processed}
	if opts.Effects {
		fx := worker.NewIOWorker(rt.backend, rt.engine.Clock(), wcfg, rt.logger).
			Register(engine.EffectWebhook, worker.NewWebhookExecutor(rt.cfg.Worker.WebhookTimeout)).
			Register(engine.EffectNotification, worker.LogNotifier(rt.logger))
		if result.SideEffects, err = worker.Drain(ctx, maxDrainRounds, fx.PollAndProcessSideEffects); err != nil {
			return formatter.Fail(ExitFailure, ErrCodeEngine, fmt.Sprintf("drain side effects: %v", err), nil)
		}
	}

	hist, err := rt.engine.LoadHistory(ctx, inst.ID)
	if err != nil {
		return failEngine(formatter, err)
	}
	result.Status = hist.Instance.Status
	result.CurrentNodes = hist.Instance.CurrentNodes
	result.Steps = summarizeSteps(hist, "")

	if formatter.JSON() {
		if err := formatter.Success(result); err != nil {
			return err
		}
	} else {
		outputRunText(formatter, result)
	}

	if result.Status == ir.InstanceFailed {
		return NewExitError(ExitFailure, fmt.Sprintf("instance %s failed", result.InstanceID))
	}
	return nil
}

func outputRunText(formatter *OutputFormatter, result RunResult) {
	w := formatter.Writer
	mark := "✓"
	if result.Status == ir.InstanceFailed {
		mark = "✗"
	}
	fmt.Fprintf(w, "%s Instance %s %s\n", mark, result.InstanceID, result.Status)
	if len(result.CurrentNodes) > 0 {
		fmt.Fprintf(w, "  waiting at: %s\n", strings.Join(result.CurrentNodes, ", "))
	}
	fmt.Fprintf(w, "  events processed: %d\n", result.Events)
	if result.SideEffects > 0 {
		fmt.Fprintf(w, "  side effects processed: %d\n", result.SideEffects)
	}
	fmt.Fprintln(w)
	writeSteps(w, result.Steps)
}
