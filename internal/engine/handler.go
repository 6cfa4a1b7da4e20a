package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/roach88/lifeflow/internal/dsl"
	"github.com/roach88/lifeflow/internal/ir"
)

// HandlerClass says where a handler's work may happen.
type HandlerClass string

const (
	// ClassTxSafe handlers compute their result inside the step's transaction.
	ClassTxSafe HandlerClass = "tx_safe"
	// ClassEnqueueOnly handlers never perform I/O; they only return side
	// effects for the IO worker.
	ClassEnqueueOnly HandlerClass = "enqueue_only"
)

// StepContext is everything a handler may read while executing one step.
// Handlers must not retain it after Execute returns.
type StepContext struct {
	StepID        string
	Instance      *ir.Instance
	Node          ir.Node
	Token         *ir.Token
	Compiled      *ir.CompiledWorkflow
	EntityVersion int64
	Actor         map[string]any
	Env           *dsl.Env
	Now           time.Time

	// Resume is set when a timer or event wake-up re-drives a waiting
	// token; ResumePayload carries the event body.
	Resume        bool
	ResumePayload map[string]any
}

// SideEffectRequest asks the IO worker to perform I/O after commit.
type SideEffectRequest struct {
	Type    string
	Payload map[string]any
}

// WaitRequest parks the token until a timer fires or an event arrives.
type WaitRequest struct {
	Kind     ir.WaitKind
	ResumeAt time.Time
	EventKey string
}

// Output markers recorded on parked steps.
const (
	MarkerWaitTimer = "__waitTimer"
	MarkerWaitEvent = "__waitEvent"
)

// StepResult is what a handler returns.
//
// ChosenEdges nil (or empty) lets the engine resolve outgoing edges from
// their conditions. A non-nil Wait parks the token regardless of Status.
type StepResult struct {
	Status         ir.StepStatus
	Output         map[string]any
	ChosenEdges    []string
	SideEffects    []SideEffectRequest
	Wait           *WaitRequest
	ContextUpdates map[string]any
	Error          string
}

// Completed returns a completed result carrying output.
func Completed(output map[string]any) *StepResult {
	return &StepResult{Status: ir.StepCompleted, Output: output}
}

// Failed returns a failed result with a formatted reason.
func Failed(format string, args ...any) *StepResult {
	return &StepResult{Status: ir.StepFailed, Error: fmt.Sprintf(format, args...)}
}

// Blocked returns a pending result: the token waits on the node until a
// later advancement (typically with a new entity version) re-evaluates it.
func Blocked(reason string) *StepResult {
	return &StepResult{Status: ir.StepPending, Output: map[string]any{"blocked": reason}}
}

// Handler executes one node type.
type Handler interface {
	Class() HandlerClass
	Execute(ctx context.Context, sc *StepContext) (*StepResult, error)
}

// HandlerFunc adapts a function to a tx-safe Handler.
type HandlerFunc func(ctx context.Context, sc *StepContext) (*StepResult, error)

// Class implements Handler.
func (f HandlerFunc) Class() HandlerClass { return ClassTxSafe }

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, sc *StepContext) (*StepResult, error) {
	return f(ctx, sc)
}

// Registry maps node types to handlers. It is built explicitly and passed
// to the engine; there is no package-level registry.
type Registry struct {
	handlers map[ir.NodeType]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[ir.NodeType]Handler)}
}

// Register binds h to t, replacing any earlier binding.
func (r *Registry) Register(t ir.NodeType, h Handler) *Registry {
	r.handlers[t] = h
	return r
}

// Get returns the handler for t.
func (r *Registry) Get(t ir.NodeType) (Handler, bool) {
	h, ok := r.handlers[t]
	return h, ok
}

// Check reports node types used by compiled that have no handler.
func (r *Registry) Check(compiled *ir.CompiledWorkflow) error {
	var missing []string
	for _, n := range compiled.Nodes {
		if _, ok := r.handlers[n.Type]; !ok && !slices.Contains(missing, string(n.Type)) {
			missing = append(missing, string(n.Type))
		}
	}
	if len(missing) == 0 {
		return nil
	}
	slices.Sort(missing)
	return &EngineError{
		Code:    ErrCodeNotFound,
		Message: "no handler registered for node types: " + strings.Join(missing, ", "),
	}
}

// RuleBridge connects rule nodes to an external rule engine.
type RuleBridge interface {
	Evaluate(ctx context.Context, req RuleRequest) (RuleOutcome, error)
}

// RuleRequest identifies the rule and the state it runs against.
type RuleRequest struct {
	RuleID     string
	Phase      string
	InstanceID string
	NodeID     string
	Env        *dsl.Env
}

// RuleOutcome is the rule engine's verdict. A disallowed outcome fails the
// step with Reason.
type RuleOutcome struct {
	Allowed bool
	Reason  string
	Output  map[string]any
}

// RuleBridgeFunc adapts a function to a RuleBridge.
type RuleBridgeFunc func(ctx context.Context, req RuleRequest) (RuleOutcome, error)

// Evaluate implements RuleBridge.
func (f RuleBridgeFunc) Evaluate(ctx context.Context, req RuleRequest) (RuleOutcome, error) {
	return f(ctx, req)
}
