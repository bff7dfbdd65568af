package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

func newRunID() string { return uuid.NewString() }

// stepNotFoundTimeout bounds the wait for a requested run-step to appear
// before the engine answers step-not-found. A variable so tests can shorten
// the window.
var stepNotFoundTimeout = 10 * time.Second

// errExecutionFinished unblocks handler goroutines still waiting on frozen
// step futures once the invocation has returned its result.
var errExecutionFinished = errors.New("engine: execution finished before step resolved")

// CheckpointConfig bounds how Sync and AsyncCheckpointing runs buffer and
// flush step results. BufferedSteps triggers a flush when the buffer
// reaches it, MaxRuntime bounds the time spent in a single invocation, and
// MaxInterval is the resettable flush timer.
type CheckpointConfig struct {
	BufferedSteps int
	MaxRuntime    time.Duration
	MaxInterval   time.Duration
}

func defaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		BufferedSteps: 10,
		MaxRuntime:    45 * time.Second,
		MaxInterval:   5 * time.Second,
	}
}

// Execution drives a single replay of a Handler against the memoized step
// state supplied by the Executor. It is created per inbound run request,
// returns exactly one Result from Start, and is then discarded.
type Execution struct {
	fn      *FunctionConfig
	handler Handler
	deps    ExecutorDeps
	pipe    *Pipeline
	logger  Logger

	state *ExecutionState
	mode  InvocationMode
	ckpt  CheckpointConfig

	runCtx        RunContext
	requestedStep string // hashed id the Executor asked for; "" if none

	event  Event
	events []Event

	checkpoint      CheckpointClient
	checkpointAppID string
	checkpointFnID  string
	checkpointToken string

	discoveredCh chan struct{}
	doneCh       chan handlerOutcome
	finishedCh   chan struct{}

	metaMu   sync.Mutex
	stepMeta map[string]any

	warnedNested bool
}

type handlerOutcome struct {
	data any
	err  error
}

// NewExecution builds an Execution for one inbound run request. memoized is
// the step-state snapshot received from the Executor; mode is the
// invocation-level policy the host selected for this request.
func NewExecution(
	fn *FunctionConfig,
	handler Handler,
	memoized map[string]*MemoizedOp,
	event Event,
	events []Event,
	runCtx RunContext,
	requestedStep string,
	mode InvocationMode,
	deps ExecutorDeps,
	checkpoint CheckpointClient,
	logger Logger,
) *Execution {
	if deps == nil {
		deps = NoopDeps{}
	}
	if checkpoint == nil {
		checkpoint = NoopCheckpointClient{}
	}
	if logger == nil {
		logger = NopLogger{}
	}
	if runCtx.RunID == "" {
		runCtx.RunID = newRunID()
	}
	e := &Execution{
		fn:             fn,
		handler:        handler,
		deps:           deps,
		pipe:           NewPipeline(nil, fn.Middleware),
		logger:         logger,
		state:          newExecutionState(memoized),
		mode:           mode,
		ckpt:           defaultCheckpointConfig(),
		runCtx:         runCtx,
		requestedStep:  requestedStep,
		event:          event,
		events:         events,
		checkpoint:     checkpoint,
		checkpointFnID: fn.ID,
		discoveredCh:   make(chan struct{}, 1),
		doneCh:         make(chan handlerOutcome, 1),
		finishedCh:     make(chan struct{}),
	}
	e.state.ids.onWarn = func() {
		e.logger.Warn("step id collision across parallel chains; appending index suffix", "function", fn.ID, "run_id", e.runCtx.RunID)
	}
	return e
}

// SetClientMiddleware installs app-level middleware ahead of the
// function-level chain. Must be called before Start.
func (e *Execution) SetClientMiddleware(mws []Middleware) {
	e.pipe = NewPipeline(mws, e.fn.Middleware)
}

// SetCheckpointConfig overrides the buffering and timer bounds for Sync and
// AsyncCheckpointing runs. Must be called before Start.
func (e *Execution) SetCheckpointConfig(cfg CheckpointConfig) {
	if cfg.BufferedSteps > 0 {
		e.ckpt.BufferedSteps = cfg.BufferedSteps
	}
	if cfg.MaxRuntime > 0 {
		e.ckpt.MaxRuntime = cfg.MaxRuntime
	}
	if cfg.MaxInterval > 0 {
		e.ckpt.MaxInterval = cfg.MaxInterval
	}
}

// Start drives the handler to its first unresolved step (or completion) and
// returns exactly one Result.
func (e *Execution) Start(ctx context.Context) *Result {
	// Unblock any handler goroutine still waiting on a frozen future once
	// the result is decided.
	defer close(e.finishedCh)

	scope := &runScope{execution: e}
	ctx = withRunScope(ctx, scope)

	info := RunInfo{FunctionID: e.fn.ID, RunID: e.runCtx.RunID, Attempt: e.runCtx.Attempt}

	hooks, err := e.pipe.startRun(ctx, info)
	if err != nil {
		return rejectedResult(err, false, "")
	}

	if hooks.TransformInput != nil {
		data, err := hooks.TransformInput(e.event.Data)
		if err != nil {
			return rejectedResult(err, false, "")
		}
		if data != nil {
			e.event.Data = data
		}
	}

	if e.fn.EventValidator != nil {
		if err := e.fn.EventValidator(e.event); err != nil {
			return e.rejectResult(fmt.Errorf("engine: event validation: %w", err))
		}
	}

	if len(e.state.remaining) == 0 && hooks.AfterMemoization != nil {
		hooks.AfterMemoization()
	}

	if e.mode == InvocationSync && e.runCtx.Attempt == 0 {
		e.checkpointNewRun(ctx)
	}

	if hooks.BeforeExecution != nil {
		hooks.BeforeExecution()
	}

	tools := newStepTools(e)
	group := &GroupTools{exec: e}
	runArg := &RunCtx{Context: ctx, Event: e.event, Events: e.events, Step: tools, Group: group}

	go e.runHandler(ctx, info, runArg)

	result := e.loop(ctx)

	if hooks.AfterExecution != nil {
		hooks.AfterExecution()
	}
	if result.Kind == ResultFunctionResolved && hooks.TransformOutput != nil {
		if out, err := hooks.TransformOutput(result); err == nil && out != nil {
			result = out
		}
	}
	if hooks.BeforeResponse != nil {
		hooks.BeforeResponse()
	}
	return result
}

// runHandler executes the user handler on its own goroutine, communicating
// step discoveries and the final outcome back to the loop goroutine over
// channels. Go has no native coroutines; a goroutine plus channel sends
// stands in for the suspend/resume points the handler needs at step
// boundaries.
func (e *Execution) runHandler(ctx context.Context, info RunInfo, rc *RunCtx) {
	defer func() {
		if r := recover(); r != nil {
			e.doneCh <- handlerOutcome{err: fmt.Errorf("engine: handler panic: %v", r)}
		}
	}()

	result, err := e.pipe.wrapRun(ctx, info, func(c context.Context) (*Result, error) {
		rc.Context = c
		data, err := e.handler(rc)
		if err != nil {
			return nil, err
		}
		return resolvedResult(toJSONOrNull(data)), nil
	})
	if err != nil {
		e.doneCh <- handlerOutcome{err: err}
		return
	}
	var data any
	_ = json.Unmarshal(result.Data, &data)
	e.doneCh <- handlerOutcome{data: data}
}

// loop consumes the checkpoint queue: it waits for the handler to either
// finish, discover a step, hit a checkpointing timer, or (when a specific
// step was requested) time out, and routes each event to a Result.
func (e *Execution) loop(ctx context.Context) *Result {
	var notFound <-chan time.Time
	if e.requestedStep != "" {
		timer := time.NewTimer(stepNotFoundTimeout)
		defer timer.Stop()
		notFound = timer.C
	}

	var maxRuntime <-chan time.Time
	if e.mode == InvocationSync || e.mode == InvocationAsyncCheckpointing {
		rt := time.NewTimer(e.ckpt.MaxRuntime)
		defer rt.Stop()
		maxRuntime = rt.C
	}

	var interval *time.Timer
	var intervalC <-chan time.Time
	if e.mode == InvocationAsyncCheckpointing {
		interval = time.NewTimer(e.ckpt.MaxInterval)
		defer interval.Stop()
		intervalC = interval.C
	}

	for {
		select {
		case outcome := <-e.doneCh:
			return e.onHandlerDone(ctx, outcome)

		case <-e.discoveredCh:
			e.drainDiscoveries()
			if res, ok := e.decide(ctx); ok {
				return res
			}

		case <-maxRuntime:
			return e.onRuntimeReached(ctx)

		case <-intervalC:
			// Flush the current buffer without resuming.
			e.flushCheckpointBuffer(ctx)
			interval.Reset(e.ckpt.MaxInterval)

		case <-notFound:
			return stepNotFoundResult(e.requestedStep)

		case <-ctx.Done():
			return rejectedResult(ctx.Err(), true, "")
		}
	}
}

// onRuntimeReached handles the max-runtime expiry: a Sync run promotes
// itself to async; an AsyncCheckpointing run emits a DiscoveryRequest op so
// the Executor re-invokes.
func (e *Execution) onRuntimeReached(ctx context.Context) *Result {
	if e.mode == InvocationSync {
		e.checkpointSteps(ctx, e.state.executedOps())
		e.mode = InvocationAsyncCheckpointing
		return changeModeResult("async", e.checkpointToken)
	}
	e.flushCheckpointBuffer(ctx)
	return stepsFoundResult([]OutgoingOp{{ID: e.runCtx.RunID, Op: OpDiscoveryRequest}})
}

// drainDiscoveries absorbs further discovery notifications arriving in the
// same tick, up to ten extensions, so late sibling steps land in the same
// batch.
func (e *Execution) drainDiscoveries() {
	for i := 0; i < 10; i++ {
		select {
		case <-e.discoveredCh:
		case <-time.After(5 * time.Millisecond):
			return
		}
	}
}

// decide routes the current discovery frontier per invocation mode. It
// returns (result, true) when the invocation should end now, or
// (nil, false) to keep waiting.
func (e *Execution) decide(ctx context.Context) (*Result, bool) {
	if e.requestedStep != "" {
		fs, ok := e.state.find(e.requestedStep)
		if !ok || fs.handled {
			return nil, false
		}
		return e.runRequestedStep(ctx, fs), true
	}

	unresolved := e.state.unfulfilled()
	if len(unresolved) == 0 {
		return nil, false
	}

	if e.mode == InvocationSync {
		return e.decideSync(ctx, unresolved)
	}
	return e.decideAsync(ctx, unresolved)
}

func (e *Execution) decideSync(ctx context.Context, unresolved []*FoundStep) (*Result, bool) {
	fs := unresolved[0]
	if fs.Descriptor.Op == OpStepPlanned && fs.Descriptor.Mode == ModeSync {
		e.runStepInline(ctx, fs)
		if fs.resultOp != nil && (fs.resultOp.Op == OpStepError || fs.resultOp.Op == OpStepFailed) {
			// Checkpoint the run so far and promote to async so the
			// Executor owns the retry.
			e.checkpointSteps(ctx, e.state.executedOps())
			e.mode = InvocationAsyncCheckpointing
			return changeModeResult("async", e.checkpointToken), true
		}
		return nil, false
	}
	// Non-sync composition encountered: checkpoint what we have and
	// promote to async.
	ops := e.state.executedOps()
	for _, u := range unresolved {
		ops = append(ops, toOutgoingOp(u.Descriptor, nil, nil, nil))
	}
	e.checkpointSteps(ctx, ops)
	token := e.checkpointToken
	e.mode = InvocationAsyncCheckpointing
	return changeModeResult("async", token), true
}

func (e *Execution) decideAsync(ctx context.Context, unresolved []*FoundStep) (*Result, bool) {
	if e.mode == InvocationAsyncCheckpointing {
		// Resume fulfilled steps' futures first so user code can make
		// further progress before we report, honoring the completion order
		// the Executor provided.
		for _, fs := range orderByStack(unresolved, e.runCtx.Stack) {
			if mop, ok := e.state.memoizedFor(fs.Descriptor.HashedID); ok && len(mop.Input) == 0 {
				if mop.Error != nil {
					se := &StepError{StepID: fs.Descriptor.ID, Cause: fmt.Errorf("%s", string(mop.Error))}
					e.state.setRecentError(se)
					fs.handle(nil, se)
				} else {
					fs.handle(mop.Data, nil)
				}
			}
		}
		unresolved = e.state.unfulfilled()
		if len(unresolved) == 0 {
			return nil, false
		}
	}

	early := len(unresolved) == 1 &&
		unresolved[0].Descriptor.Op == OpStepPlanned &&
		!e.runCtx.DisableImmediateExecution

	if early {
		fs := unresolved[0]
		e.runStepInline(ctx, fs)
		if fs.resultOp == nil {
			return nil, false
		}
		op := *fs.resultOp
		if op.Op == OpStepFailed {
			return rejectedResult(fmt.Errorf("step %q failed", fs.Descriptor.ID), false, ""), true
		}
		return stepRanResult(op), true
	}

	ops := make([]OutgoingOp, 0, len(unresolved))
	for _, fs := range unresolved {
		ops = append(ops, toOutgoingOp(fs.Descriptor, nil, nil, nil))
	}
	if e.mode == InvocationAsyncCheckpointing {
		e.appendCheckpointBuffer(ctx, ops)
	}
	return stepsFoundResult(ops), true
}

// orderByStack sorts steps by their position in the completion-order stack
// the Executor provided; unlisted ids keep their discovery order after the
// listed ones.
func orderByStack(steps []*FoundStep, stack []string) []*FoundStep {
	if len(stack) == 0 {
		return steps
	}
	pos := make(map[string]int, len(stack))
	for i, h := range stack {
		pos[h] = i
	}
	listed := make([]*FoundStep, 0, len(steps))
	unlisted := make([]*FoundStep, 0, len(steps))
	for _, fs := range steps {
		if _, ok := pos[fs.Descriptor.HashedID]; ok {
			listed = append(listed, fs)
		} else {
			unlisted = append(unlisted, fs)
		}
	}
	for i := 1; i < len(listed); i++ {
		for j := i; j > 0 && pos[listed[j].Descriptor.HashedID] < pos[listed[j-1].Descriptor.HashedID]; j-- {
			listed[j], listed[j-1] = listed[j-1], listed[j]
		}
	}
	return append(listed, unlisted...)
}

// runRequestedStep executes the one step the Executor asked for by hashed
// id and maps its outcome to a step-ran, step-not-found, or rejected result.
func (e *Execution) runRequestedStep(ctx context.Context, fs *FoundStep) *Result {
	e.runStepInline(ctx, fs)
	if fs.resultOp == nil {
		return stepNotFoundResult(fs.Descriptor.HashedID)
	}
	op := *fs.resultOp
	if op.Op == OpStepFailed {
		return rejectedResult(fmt.Errorf("step %q failed", fs.Descriptor.ID), false, "")
	}
	return stepRanResult(op)
}

// runStepInline executes one found step's body (if any) through the
// middleware wrapStep onion, times it, serializes the outcome, and settles
// the step's user-visible future.
func (e *Execution) runStepInline(ctx context.Context, fs *FoundStep) {
	info := StepInfo{ID: fs.Descriptor.ID, HashedID: fs.Descriptor.HashedID, Op: fs.Descriptor.Op, DisplayName: fs.Descriptor.DisplayName}
	e.pipe.stepStart(ctx, info)
	e.clearStepMetadata()

	start := time.Now()
	var data []byte
	var err error
	if fs.handler != nil {
		data, err = e.pipe.wrapStep(ctx, info, func(c context.Context) ([]byte, error) {
			return fs.handler()
		})
	}
	timing := newInterval(start, time.Now())

	if err != nil {
		isFinal := e.isFinalAttempt(err)
		se := &StepError{StepID: fs.Descriptor.ID, Cause: err}
		e.state.setRecentError(se)
		e.pipe.stepError(ctx, info, err, isFinal)

		op := toOutgoingOp(fs.Descriptor, nil, serializeError(err), timing)
		if isFinal {
			op.Op = OpStepFailed
		} else {
			op.Op = OpStepError
		}
		fs.resultOp = &op
		fs.handle(nil, se)
		return
	}

	e.pipe.stepComplete(ctx, info, data)
	op := toOutgoingOp(fs.Descriptor, json.RawMessage(orNull(data)), nil, timing)
	op.Op = OpStepRun
	op.Metadata = e.takeStepMetadata()
	fs.resultOp = &op
	fs.handle(data, nil)
}

// onHandlerDone maps the handler's settled outcome to a result. Any steps
// discovered but not yet reported are flushed first, covering a race where
// the winning branch of a racing composition resolves before the losing
// branches' steps are reported.
func (e *Execution) onHandlerDone(ctx context.Context, outcome handlerOutcome) *Result {
	if unresolved := e.state.unfulfilled(); len(unresolved) > 0 {
		ops := make([]OutgoingOp, 0, len(unresolved))
		for _, fs := range unresolved {
			ops = append(ops, toOutgoingOp(fs.Descriptor, nil, nil, nil))
		}
		return stepsFoundResult(ops)
	}

	if outcome.err != nil {
		return e.rejectResult(outcome.err)
	}

	if e.mode == InvocationSync || e.mode == InvocationAsyncCheckpointing {
		e.flushCheckpointBuffer(ctx)
		e.checkpointRunComplete(ctx, outcome.data)
	}
	return resolvedResult(toJSONOrNull(outcome.data))
}

// rejectResult classifies an uncaught function error.
func (e *Execution) rejectResult(err error) *Result {
	if rae, ok := retryAfterOf(err); ok {
		return rejectedResult(err, true, rae.retryAfterHeaderValue())
	}
	nonRetriable := isNonRetriable(err, e.state.lastInjected()) || e.runCtx.Attempt+1 >= e.maxAttempts()
	return rejectedResult(err, !nonRetriable, "")
}

func (e *Execution) isFinalAttempt(err error) bool {
	if isNonRetriable(err, e.state.lastInjected()) {
		return true
	}
	return e.runCtx.Attempt+1 >= e.maxAttempts()
}

func (e *Execution) maxAttempts() int {
	if e.fn.Retries <= 0 {
		return 1
	}
	return e.fn.Retries + 1
}

// warnNestedSteps emits the single per-run nested-steps warning the first
// time a step tool is invoked from inside an already-executing step body.
func (e *Execution) warnNestedSteps() {
	if e.warnedNested {
		return
	}
	e.warnedNested = true
	e.logger.Warn("nested-steps: step tool invoked from inside an executing step", "function", e.fn.ID, "run_id", e.runCtx.RunID)
}

func (e *Execution) setStepMetadata(key string, value any) {
	e.metaMu.Lock()
	defer e.metaMu.Unlock()
	if e.stepMeta == nil {
		e.stepMeta = make(map[string]any)
	}
	e.stepMeta[key] = value
}

func (e *Execution) clearStepMetadata() {
	e.metaMu.Lock()
	defer e.metaMu.Unlock()
	e.stepMeta = nil
}

func (e *Execution) takeStepMetadata() map[string]any {
	e.metaMu.Lock()
	defer e.metaMu.Unlock()
	m := e.stepMeta
	e.stepMeta = nil
	return m
}

// StepMetadata attaches a key/value pair to the currently executing step;
// it is reported on the step's outgoing op once the step completes.
// Outside a step body this is a no-op.
func StepMetadata(ctx context.Context, key string, value any) {
	if exec, ok := executionFrom(ctx); ok && isExecutingStep(ctx) {
		exec.setStepMetadata(key, value)
	}
}

// notifyDiscovered wakes the loop goroutine; a full channel means a
// notification is already pending, so the send is a no-op.
func (e *Execution) notifyDiscovered() {
	select {
	case e.discoveredCh <- struct{}{}:
	default:
	}
}

// resolveStep is the memoization-lookup-then-suspend-or-settle path every
// step tool funnels through. When mop is already fulfilled (no input
// override), the future settles immediately and this call returns without
// blocking. Otherwise it notifies the loop and suspends on the step's
// future, which the loop settles via runStepInline, or never settles at
// all for a frozen replay: in that case the wait ends when the invocation
// returns, so the handler goroutine can unwind.
func (e *Execution) resolveStep(ctx context.Context, fs *FoundStep, mop *MemoizedOp) ([]byte, error) {
	if mop != nil && len(mop.Input) == 0 {
		if mop.Error != nil {
			se := &StepError{StepID: fs.Descriptor.ID, Cause: fmt.Errorf("%s", string(mop.Error))}
			e.state.setRecentError(se)
			fs.handle(nil, se)
		} else {
			fs.handle(mop.Data, nil)
		}
	}

	e.notifyDiscovered()

	// About to suspend: if this call sits inside a group branch, let the
	// next branch start so discovery order follows argument order.
	select {
	case <-fs.fut.Wait():
	default:
		releaseBranchGate(ctx)
	}

	select {
	case <-fs.fut.Wait():
	case <-e.finishedCh:
		return nil, errExecutionFinished
	}
	if fs.fut.err != nil {
		return nil, fs.fut.err
	}
	return fs.fut.data, nil
}

// checkpointNewRun reports the function's first checkpoint in Sync mode.
// Failure is logged, not propagated: a Sync run that can't reach the
// Executor degrades to a plain in-band response.
func (e *Execution) checkpointNewRun(ctx context.Context) {
	appID, fnID, token, err := e.checkpoint.CheckpointNewRun(ctx, e.runCtx.RunID, e.event, nil, 2, e.fn.Retries)
	if err != nil {
		e.logger.Warn("checkpoint new-run failed", "error", err, "run_id", e.runCtx.RunID)
		return
	}
	e.checkpointAppID, e.checkpointFnID, e.checkpointToken = appID, fnID, token
}

// checkpointSteps reports executed and discovered ops so far to the
// Executor when a Sync run promotes itself to async.
func (e *Execution) checkpointSteps(ctx context.Context, ops []OutgoingOp) {
	if len(ops) == 0 {
		return
	}
	if err := e.checkpoint.CheckpointSteps(ctx, e.checkpointAppID, e.checkpointFnID, e.runCtx.RunID, ops); err != nil {
		e.logger.Warn("checkpoint steps failed", "error", err, "run_id", e.runCtx.RunID)
	}
}

// checkpointRunComplete reports the function's resolved value as a
// RunComplete op, the terminal checkpoint of a Sync or AsyncCheckpointing
// run.
func (e *Execution) checkpointRunComplete(ctx context.Context, data any) {
	op := OutgoingOp{ID: e.runCtx.RunID, Op: OpRunComplete, Data: data}
	if err := e.checkpoint.CheckpointSteps(ctx, e.checkpointAppID, e.checkpointFnID, e.runCtx.RunID, []OutgoingOp{op}); err != nil {
		e.logger.Warn("checkpoint run-complete failed", "error", err, "run_id", e.runCtx.RunID)
	}
}

// appendCheckpointBuffer queues newly discovered steps for the async
// checkpoint endpoint, flushing when the buffer reaches the configured
// size. Flush failure falls back to the in-band steps-found response
// already being returned by the caller, surrendering the buffered results
// to the next invocation.
func (e *Execution) appendCheckpointBuffer(ctx context.Context, ops []OutgoingOp) {
	for _, op := range ops {
		e.state.appendCheckpoint(op)
	}
	if e.state.checkpointLen() >= e.ckpt.BufferedSteps {
		e.flushCheckpointBuffer(ctx)
	}
}

func (e *Execution) flushCheckpointBuffer(ctx context.Context) {
	buf := e.state.drainCheckpoint()
	if len(buf) == 0 {
		return
	}
	if err := e.checkpoint.CheckpointStepsAsync(ctx, e.runCtx.RunID, e.checkpointFnID, e.runCtx.RunID, buf); err != nil {
		e.logger.Warn("checkpoint steps-async failed", "error", err, "run_id", e.runCtx.RunID)
	}
}
