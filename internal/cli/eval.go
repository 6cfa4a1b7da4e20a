package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/lifeflow/internal/dsl"
)

// EvalOptions holds flags for the eval command.
type EvalOptions struct {
	*RootOptions
	Entity   string // JSON object
	Context  string // JSON object
	Actor    string // JSON object
	Bool     bool   // coerce the result to a boolean
	Template bool   // treat the argument as a ${...} template
}

// EvalResult is the JSON payload of the eval command.
type EvalResult struct {
	Expression string `json:"expression"`
	Value      any    `json:"value"`
	Display    string `json:"display"`
}

// NewEvalCommand creates the eval command.
func NewEvalCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EvalOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "eval <expression>",
		Short: "Evaluate a condition expression",
		Long: `Evaluate an edge or gate condition against an entity, context and actor.

The expression goes through the same safety checks as compiled workflow
conditions.

Examples:
  lifeflow eval 'entity.amount > 100' --entity '{"amount": 250}'
  lifeflow eval --bool 'actor.role == "admin"' --actor '{"role": "admin"}'
  lifeflow eval --template 'invoice:${entity.id}:paid' --entity '{"id": "inv-1"}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEval(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Entity, "entity", "", "entity as a JSON object")
	cmd.Flags().StringVar(&opts.Context, "context", "", "instance context as a JSON object")
	cmd.Flags().StringVar(&opts.Actor, "actor", "", "actor as a JSON object")
	cmd.Flags().BoolVar(&opts.Bool, "bool", false, "coerce the result to true or false")
	cmd.Flags().BoolVar(&opts.Template, "template", false, "interpolate ${...} placeholders")
	cmd.MarkFlagsMutuallyExclusive("bool", "template")

	return cmd
}

func runEval(opts *EvalOptions, expr string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	env := &dsl.Env{}
	for _, f := range []struct {
		name string
		raw  string
		dst  *map[string]any
	}{
		{"entity", opts.Entity, &env.Entity},
		{"context", opts.Context, &env.Context},
		{"actor", opts.Actor, &env.Actor},
	} {
		obj, err := parseObject(f.raw)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeInvalidInput, fmt.Sprintf("--%s: %v", f.name, err), nil)
		}
		*f.dst = obj
	}

	var (
		value any
		err   error
	)
	switch {
	case opts.Template:
		value, err = dsl.Interpolate(expr, env)
	case opts.Bool:
		value, err = dsl.EvaluateBool(expr, env)
	default:
		value, err = dsl.Evaluate(expr, env)
	}
	if err != nil {
		return formatter.Fail(ExitFailure, ErrCodeExpression, err.Error(), map[string]string{"expression": expr})
	}

	result := EvalResult{Expression: expr, Value: value, Display: dsl.Stringify(value)}
	if value == dsl.Undefined {
		result.Value = nil
		result.Display = "undefined"
	}
	if formatter.JSON() {
		return formatter.Success(result)
	}
	fmt.Fprintln(formatter.Writer, result.Display)
	return nil
}

// parseObject decodes a JSON object flag. Empty means no object.
func parseObject(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, fmt.Errorf("invalid JSON object: %w", err)
	}
	return obj, nil
}
