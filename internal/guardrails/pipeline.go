package guardrails

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Pipeline runs the configured input and output stages against a request.
type Pipeline struct {
	cfg Config
}

func New(cfg Config) *Pipeline {
	return &Pipeline{cfg: cfg}
}

// DispatchFunc performs the actual provider call. It must return promptly
// when ctx is cancelled — the Concurrent execution mode cancels it directly
// on a guardrail violation.
type DispatchFunc func(ctx context.Context) (any, error)

// evaluateStage runs every provider configured for stage concurrently
// (errgroup, so one slow provider doesn't serialize behind another) and
// resolves each finding's category to an action via the stage's action map.
func (p *Pipeline) evaluateStage(ctx context.Context, cfg StageConfig, stage Stage, in Input) (*Result, error) {
	start := time.Now()
	in.Stage = stage

	var mu sync.Mutex
	var allFindings []Finding
	var redactedText string
	hasRedaction := false

	g, gctx := errgroup.WithContext(ctx)
	for _, provCfg := range cfg.Providers {
		provCfg := provCfg
		g.Go(func() error {
			outcome, err := p.evaluateOne(gctx, provCfg, in)
			if err != nil {
				return err
			}
			if outcome == nil {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			allFindings = append(allFindings, outcome.Findings...)
			if outcome.RedactedText != "" {
				redactedText = outcome.RedactedText
				hasRedaction = true
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &Result{Stage: stage, Text: in.Text, Elapsed: time.Since(start)}
	redactRequested := false

	for _, f := range allFindings {
		action := cfg.resolveAction(f.Category)
		v := Violation{Finding: f, Action: action, Stage: stage, Provider: f.Provider}
		switch action {
		case ActionBlock:
			result.Violations = append(result.Violations, v)
		case ActionWarn:
			result.Warnings = append(result.Warnings, v)
		case ActionRedact:
			redactRequested = true
			if f.Suggestion != "" && !hasRedaction {
				result.Text = strings.Replace(result.Text, f.Detail, f.Suggestion, 1)
				result.Modified = true
			}
			result.Logged = append(result.Logged, v)
		case ActionModify:
			result.Logged = append(result.Logged, v)
		default: // ActionLog
			result.Logged = append(result.Logged, v)
		}
	}

	// A provider's own rewrite is forwarded only when some finding resolved
	// to ActionRedact.
	if hasRedaction && redactRequested {
		result.Text = redactedText
		result.Modified = true
	}

	return result, nil
}

// evaluateOne runs a single provider under its configured timeout and
// applies its on_timeout/on_error policy, translating a fail-closed outcome
// into a synthetic block finding rather than an error (so evaluateStage's
// errgroup only aborts on genuine pipeline-level failures).
func (p *Pipeline) evaluateOne(ctx context.Context, cfg ProviderConfig, in Input) (*Outcome, error) {
	if cfg.Provider == nil {
		return nil, nil
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if cfg.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	outcome, err := cfg.Provider.Evaluate(callCtx, in)
	if err == nil {
		return outcome, nil
	}

	policy := cfg.OnError
	if callCtx.Err() == context.DeadlineExceeded {
		policy = cfg.OnTimeout
	}
	if policy == "" {
		policy = PolicyFailClosed
	}

	if policy == PolicyFailOpen {
		return &Outcome{}, nil
	}

	return &Outcome{
		TimedOut: callCtx.Err() == context.DeadlineExceeded,
		Err:      err,
		Findings: []Finding{{
			Provider: cfg.Name,
			Category: "provider_unavailable",
			Detail:   err.Error(),
		}},
	}, nil
}

// RunInput runs the input stage and the dispatch call per the stage's
// configured ExecutionMode, returning the stage result alongside whatever
// dispatch produced (nil if blocked before or during dispatch).
func (p *Pipeline) RunInput(ctx context.Context, in Input, dispatch DispatchFunc) (*Result, any, error) {
	cfg := p.cfg.Input

	if cfg.Mode != ModeConcurrent {
		result, err := p.evaluateStage(ctx, cfg, StageInput, in)
		if err != nil {
			return nil, nil, err
		}
		if result.Blocked() {
			return result, nil, &BlockedError{Stage: StageInput, Violations: result.Violations}
		}
		resp, err := dispatch(ctx)
		return result, resp, err
	}

	return p.runInputConcurrent(ctx, cfg, in, dispatch)
}

type evalOutcome struct {
	result *Result
	err    error
}

type dispatchOutcome struct {
	resp any
	err  error
}

// runInputConcurrent races guardrail evaluation against dispatch. A
// violation found at any point cancels the dispatch context (dropping its
// connection) and discards any response it already produced.
func (p *Pipeline) runInputConcurrent(ctx context.Context, cfg StageConfig, in Input, dispatch DispatchFunc) (*Result, any, error) {
	dispatchCtx, cancelDispatch := context.WithCancel(ctx)
	defer cancelDispatch()

	evalCh := make(chan evalOutcome, 1)
	dispatchCh := make(chan dispatchOutcome, 1)

	go func() {
		result, err := p.evaluateStage(ctx, cfg, StageInput, in)
		evalCh <- evalOutcome{result: result, err: err}
	}()
	go func() {
		resp, err := dispatch(dispatchCtx)
		dispatchCh <- dispatchOutcome{resp: resp, err: err}
	}()

	var evalDone, dispatchDone bool
	var evalRes evalOutcome
	var dispRes dispatchOutcome

	for !evalDone || !dispatchDone {
		select {
		case evalRes = <-evalCh:
			evalDone = true
			if evalRes.err == nil && evalRes.result.Blocked() {
				cancelDispatch()
				if !dispatchDone {
					<-dispatchCh // wait for the dispatch goroutine to unwind before returning
				}
				return evalRes.result, nil, &BlockedError{Stage: StageInput, Violations: evalRes.result.Violations}
			}
		case dispRes = <-dispatchCh:
			dispatchDone = true
		}
	}

	if evalRes.err != nil {
		return nil, dispRes.resp, evalRes.err
	}
	if evalRes.result.Blocked() {
		// Dispatch already produced a response by the time the verdict
		// arrived; the response is discarded per the concurrent-mode contract.
		return evalRes.result, nil, &BlockedError{Stage: StageInput, Violations: evalRes.result.Violations}
	}
	return evalRes.result, dispRes.resp, dispRes.err
}

// RunOutput runs the output stage against a complete (non-streaming)
// response body.
func (p *Pipeline) RunOutput(ctx context.Context, in Input) (*Result, error) {
	result, err := p.evaluateStage(ctx, p.cfg.Output, StageOutput, in)
	if err != nil {
		return nil, err
	}
	if result.Blocked() {
		return result, &BlockedError{Stage: StageOutput, Violations: result.Violations}
	}
	return result, nil
}
