package engine

import "context"

// StepInfo is the read-only view of a step handed to middleware step hooks.
type StepInfo struct {
	ID          string
	HashedID    string
	Op          Op
	DisplayName string
}

// RunInfo is the read-only view of a run handed to OnFunctionRun.
type RunInfo struct {
	FunctionID string
	RunID      string
	Attempt    int
}

// FunctionRunHooks is the object a middleware's OnFunctionRun may return
// to install boundary hooks around this specific run. Every field is
// optional.
type FunctionRunHooks struct {
	// TransformInput may replace the event snapshot before the handler
	// sees it. Mutations are applied in place on the returned map so that
	// context references captured earlier remain valid.
	TransformInput func(event map[string]any) (map[string]any, error)
	// TransformOutput may rewrite the function's resolved result before it
	// is returned. It is not applied to individual step results.
	TransformOutput   func(result *Result) (*Result, error)
	BeforeMemoization func()
	AfterMemoization  func()
	BeforeExecution   func()
	AfterExecution    func()
	BeforeResponse    func()
}

// Middleware is the run/step hook surface. Embed NoopMiddleware to get
// safe defaults for hooks you don't need.
type Middleware interface {
	OnFunctionRun(ctx context.Context, info RunInfo) (FunctionRunHooks, error)
	WrapRun(ctx context.Context, info RunInfo, next func(context.Context) (*Result, error)) (*Result, error)
	WrapStep(ctx context.Context, info StepInfo, next func(context.Context) ([]byte, error)) ([]byte, error)
	OnStepStart(ctx context.Context, info StepInfo)
	OnStepComplete(ctx context.Context, info StepInfo, data []byte)
	OnStepError(ctx context.Context, info StepInfo, err error, isFinal bool)
}

// NoopMiddleware implements Middleware with no-op defaults. Real
// middleware embeds this and overrides only the hooks it needs.
type NoopMiddleware struct{}

func (NoopMiddleware) OnFunctionRun(context.Context, RunInfo) (FunctionRunHooks, error) {
	return FunctionRunHooks{}, nil
}

func (NoopMiddleware) WrapRun(ctx context.Context, _ RunInfo, next func(context.Context) (*Result, error)) (*Result, error) {
	return next(ctx)
}

func (NoopMiddleware) WrapStep(ctx context.Context, _ StepInfo, next func(context.Context) ([]byte, error)) ([]byte, error) {
	return next(ctx)
}

func (NoopMiddleware) OnStepStart(context.Context, StepInfo)             {}
func (NoopMiddleware) OnStepComplete(context.Context, StepInfo, []byte)  {}
func (NoopMiddleware) OnStepError(context.Context, StepInfo, error, bool) {}

var _ Middleware = NoopMiddleware{}

// Pipeline is an ordered chain of middleware, client-level entries first,
// then function-level.
type Pipeline struct {
	chain []Middleware
}

func NewPipeline(clientLevel, functionLevel []Middleware) *Pipeline {
	chain := make([]Middleware, 0, len(clientLevel)+len(functionLevel))
	chain = append(chain, clientLevel...)
	chain = append(chain, functionLevel...)
	return &Pipeline{chain: chain}
}

// startRun fires OnFunctionRun on every middleware in order and merges the
// returned hooks into a single aggregate that invokes each stage's hooks
// in registration order.
func (p *Pipeline) startRun(ctx context.Context, info RunInfo) (FunctionRunHooks, error) {
	var agg FunctionRunHooks
	var transformInputs []func(map[string]any) (map[string]any, error)
	var transformOutputs []func(*Result) (*Result, error)
	var beforeMemo, afterMemo, beforeExec, afterExec, beforeResp []func()

	for _, mw := range p.chain {
		hooks, err := mw.OnFunctionRun(ctx, info)
		if err != nil {
			return FunctionRunHooks{}, err
		}
		if hooks.TransformInput != nil {
			transformInputs = append(transformInputs, hooks.TransformInput)
		}
		if hooks.TransformOutput != nil {
			transformOutputs = append(transformOutputs, hooks.TransformOutput)
		}
		if hooks.BeforeMemoization != nil {
			beforeMemo = append(beforeMemo, hooks.BeforeMemoization)
		}
		if hooks.AfterMemoization != nil {
			afterMemo = append(afterMemo, hooks.AfterMemoization)
		}
		if hooks.BeforeExecution != nil {
			beforeExec = append(beforeExec, hooks.BeforeExecution)
		}
		if hooks.AfterExecution != nil {
			afterExec = append(afterExec, hooks.AfterExecution)
		}
		if hooks.BeforeResponse != nil {
			beforeResp = append(beforeResp, hooks.BeforeResponse)
		}
	}

	agg.TransformInput = func(event map[string]any) (map[string]any, error) {
		var err error
		for _, f := range transformInputs {
			event, err = f(event)
			if err != nil {
				return nil, err
			}
		}
		return event, nil
	}
	agg.TransformOutput = func(result *Result) (*Result, error) {
		var err error
		for _, f := range transformOutputs {
			result, err = f(result)
			if err != nil {
				return nil, err
			}
		}
		return result, nil
	}
	agg.BeforeMemoization = callAll(beforeMemo)
	agg.AfterMemoization = callAll(afterMemo)
	agg.BeforeExecution = callAll(beforeExec)
	agg.AfterExecution = callAll(afterExec)
	agg.BeforeResponse = callAll(beforeResp)
	return agg, nil
}

func callAll(fns []func()) func() {
	return func() {
		for _, f := range fns {
			f()
		}
	}
}

// wrapRun builds the onion of WrapRun hooks around the user handler,
// outermost middleware first.
func (p *Pipeline) wrapRun(ctx context.Context, info RunInfo, handler func(context.Context) (*Result, error)) (*Result, error) {
	next := handler
	for i := len(p.chain) - 1; i >= 0; i-- {
		mw := p.chain[i]
		prev := next
		next = func(c context.Context) (*Result, error) {
			return mw.WrapRun(c, info, prev)
		}
	}
	return next(ctx)
}

// wrapStep builds the onion of WrapStep hooks around a single step body.
// It is invoked exactly once per step per request.
func (p *Pipeline) wrapStep(ctx context.Context, info StepInfo, body func(context.Context) ([]byte, error)) ([]byte, error) {
	next := body
	for i := len(p.chain) - 1; i >= 0; i-- {
		mw := p.chain[i]
		prev := next
		next = func(c context.Context) ([]byte, error) {
			return mw.WrapStep(c, info, prev)
		}
	}
	return next(ctx)
}

func (p *Pipeline) stepStart(ctx context.Context, info StepInfo) {
	for _, mw := range p.chain {
		mw.OnStepStart(ctx, info)
	}
}

func (p *Pipeline) stepComplete(ctx context.Context, info StepInfo, data []byte) {
	for _, mw := range p.chain {
		mw.OnStepComplete(ctx, info, data)
	}
}

func (p *Pipeline) stepError(ctx context.Context, info StepInfo, err error, isFinal bool) {
	for _, mw := range p.chain {
		mw.OnStepError(ctx, info, err, isFinal)
	}
}
