package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/lifeflow/internal/compiler"
	"github.com/roach88/lifeflow/internal/engine"
	"github.com/roach88/lifeflow/internal/ir"
	"github.com/roach88/lifeflow/internal/store"
	"github.com/roach88/lifeflow/internal/testutil"
	"github.com/roach88/lifeflow/internal/worker"
)

// Defaults applied when a scenario leaves them out.
const (
	DefaultOrgID    = "harness"
	DefaultEntityID = "entity-1"

	// maxDrain bounds one drain so a workflow that keeps re-enqueueing
	// itself fails the scenario instead of hanging it.
	maxDrain = 1000
)

// Harness is the test execution engine for one scenario.
type Harness struct {
	store  *store.Store
	engine *engine.Engine
	clock  *testutil.ManualClock
	events *worker.EngineWorker
	resume *worker.ResumeScheduler
	logger *slog.Logger

	instanceID string
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh SQLite file that is removed
// afterwards. The returned error covers setup problems (unreadable
// document, compile errors, failed create); expectation and assertion
// failures are reported in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "lifeflow-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "harness.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	defer st.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := testutil.NewManualClock()
	eng := engine.New(st,
		engine.WithClock(clock),
		engine.WithIDGenerator(testutil.NewSequentialIDs("id")),
		engine.WithAutoEnqueue(true),
		engine.WithLogger(logger),
	)
	cfg := worker.DefaultConfig()
	h := &Harness{
		store:  st,
		engine: eng,
		clock:  clock,
		events: worker.NewEngineWorker(eng, st, cfg, logger),
		resume: worker.NewResumeScheduler(eng, cfg, logger),
		logger: logger,
	}

	ctx := context.Background()
	if err := h.start(ctx, scenario); err != nil {
		return nil, err
	}

	result := NewResult()
	result.InstanceID = h.instanceID
	h.executeFlow(ctx, scenario.Flow, result)

	hist, err := eng.LoadHistory(ctx, h.instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	result.InstanceStatus = hist.Instance.Status
	result.Context = hist.Instance.Context
	result.Trace = traceOf(hist.Steps)

	actx := &AssertionContext{
		Ctx:    ctx,
		Engine: eng,
		Store:  st,
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// start publishes the scenario's document and creates the instance.
func (h *Harness) start(ctx context.Context, s *Scenario) error {
	doc, err := compiler.LoadDocument(s.Document)
	if err != nil {
		return fmt.Errorf("failed to load document: %w", err)
	}
	compiled, err := doc.Compile()
	if err != nil {
		return fmt.Errorf("failed to compile document: %w", err)
	}

	orgID := s.OrgID
	if orgID == "" {
		orgID = DefaultOrgID
	}
	if _, err := h.engine.PublishDefinition(ctx, orgID, compiled); err != nil {
		return fmt.Errorf("failed to publish definition: %w", err)
	}

	entityType := s.EntityType
	if entityType == "" {
		entityType = compiled.EntityType
	}
	entityID := s.EntityID
	if entityID == "" {
		entityID = DefaultEntityID
	}
	inst, err := h.engine.CreateInstance(ctx, engine.CreateRequest{
		OrgID:         orgID,
		EntityType:    entityType,
		EntityID:      entityID,
		EntityVersion: 1,
		Entity:        s.Entity,
		Actor:         s.Actor,
		Context:       s.Context,
	})
	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}
	h.instanceID = inst.ID
	h.logger.Info("scenario instance created", "scenario", s.Name, "instance_id", inst.ID)

	if _, err := h.drain(ctx); err != nil {
		return fmt.Errorf("failed to drain outbox: %w", err)
	}
	return nil
}

// executeFlow runs the flow steps in order. A step failing unexpectedly
// stops the flow; the trace so far is still asserted on.
func (h *Harness) executeFlow(ctx context.Context, flow []FlowStep, result *Result) {
	for i, step := range flow {
		out, err := h.executeStep(ctx, step)
		if err := checkExpect(step.Expect, out, err); err != nil {
			result.AddError(fmt.Sprintf("flow[%d] %s: %v", i, step.Kind(), err))
			return
		}

		if _, err := h.drain(ctx); err != nil {
			result.AddError(fmt.Sprintf("flow[%d] %s: drain: %v", i, step.Kind(), err))
			return
		}

		if step.Expect != nil && step.Expect.InstanceStatus != "" {
			inst, err := h.engine.GetInstance(ctx, h.instanceID)
			if err != nil {
				result.AddError(fmt.Sprintf("flow[%d] %s: %v", i, step.Kind(), err))
				return
			}
			if string(inst.Status) != step.Expect.InstanceStatus {
				result.AddError(fmt.Sprintf("flow[%d] %s: expected instance status %s, got %s",
					i, step.Kind(), step.Expect.InstanceStatus, inst.Status))
			}
		}
		h.logger.Info("flow step completed", "step", i, "kind", step.Kind())
	}
}

// stepOutcome is what a flow step produced, for expect checks.
type stepOutcome struct {
	status  ir.StepStatus
	resumed int
}

func (h *Harness) executeStep(ctx context.Context, step FlowStep) (stepOutcome, error) {
	switch step.Kind() {
	case StepAdvance:
		tok, err := h.liveToken(ctx, step.Advance)
		if err != nil {
			return stepOutcome{}, err
		}
		res, err := h.engine.AdvanceWorkflow(ctx, engine.AdvanceRequest{
			InstanceID:    h.instanceID,
			NodeID:        step.Advance,
			TokenID:       tok,
			EntityVersion: step.EntityVersion,
			Entity:        step.Entity,
			Actor:         step.Actor,
		})
		if err != nil {
			return stepOutcome{}, err
		}
		return stepOutcome{status: res.Status}, nil

	case StepClock:
		d, err := time.ParseDuration(step.Clock)
		if err != nil {
			return stepOutcome{}, err
		}
		h.clock.Advance(d)
		n, err := h.resume.ProcessDueTimers(ctx)
		return stepOutcome{resumed: n}, err

	case StepEvent:
		n, err := h.resume.ResumeByEventKey(ctx, step.Event, step.Payload)
		return stepOutcome{resumed: n}, err

	case StepCancel:
		_, err := h.engine.CancelInstance(ctx, h.instanceID, step.Cancel)
		return stepOutcome{}, err
	}
	return stepOutcome{}, fmt.Errorf("empty flow step")
}

// liveToken finds the token occupying nodeID.
func (h *Harness) liveToken(ctx context.Context, nodeID string) (string, error) {
	hist, err := h.engine.LoadHistory(ctx, h.instanceID)
	if err != nil {
		return "", err
	}
	for _, tok := range hist.Tokens {
		if tok.NodeID == nodeID && tok.Status.IsLive() {
			return tok.ID, nil
		}
	}
	return "", fmt.Errorf("no live token on node %s", nodeID)
}

// drain processes outbox events until none are due.
func (h *Harness) drain(ctx context.Context) (int, error) {
	return worker.Drain(ctx, maxDrain, h.events.PollAndProcess)
}

func checkExpect(expect *ExpectClause, out stepOutcome, err error) error {
	if expect == nil {
		return err
	}
	if expect.Error != "" {
		if err == nil {
			return fmt.Errorf("expected error %s, got none", expect.Error)
		}
		var ee *engine.EngineError
		if !errors.As(err, &ee) || string(ee.Code) != expect.Error {
			return fmt.Errorf("expected error %s, got %v", expect.Error, err)
		}
		return nil
	}
	if err != nil {
		return err
	}
	if expect.Status != "" && string(out.status) != expect.Status {
		return fmt.Errorf("expected step status %s, got %s", expect.Status, out.status)
	}
	if expect.Resumed != nil && out.resumed != *expect.Resumed {
		return fmt.Errorf("expected %d resumed waits, got %d", *expect.Resumed, out.resumed)
	}
	return nil
}
