package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	str2duration "github.com/xhit/go-str2duration/v2"
)

// StepTools is the fixed API surface handed to user code. Every method
// synchronously produces a step descriptor before returning a value that
// may block on the step's future. AI, Realtime, and Fetch are namespaced
// sub-surfaces mirroring the step.ai.*, step.realtime.*, and step.fetch
// naming of the wire protocol.
type StepTools struct {
	exec *Execution

	AI       *AITools
	Realtime *RealtimeTools
	Fetch    *FetchTools
}

func newStepTools(exec *Execution) *StepTools {
	t := &StepTools{exec: exec}
	t.AI = &AITools{exec: exec}
	t.Realtime = &RealtimeTools{exec: exec}
	t.Fetch = &FetchTools{exec: exec}
	return t
}

func (t *StepTools) baseOpts(ctx context.Context) StepOptions {
	return StepOptions{ParallelMode: ambientParallelMode(ctx)}
}

func (t *StepTools) warnIfNested(ctx context.Context) {
	if isExecutingStep(ctx) {
		t.exec.warnNestedSteps()
	}
}

// Run executes fn with memoization: on replay, a completed run is never
// re-invoked. Its persisted result is returned directly.
func Run[T any](ctx context.Context, t *StepTools, id string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	t.warnIfNested(ctx)
	opts := t.baseOpts(ctx)

	fs, mop, err := t.exec.state.discover(id, ModeSync, OpStepPlanned, opts, nil)
	if err != nil {
		return zero, err
	}
	fs.handler = func() ([]byte, error) {
		v, err := fn(withExecutingStep(ctx))
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	}

	return awaitStep[T](ctx, t.exec, fs, mop, id)
}

// RunWithInput executes fn with an input snapshot tracked on the step so
// the Executor can replay it. When the memoized op carries a stored input,
// the handler receives that instead of the freshly passed arguments, so
// retries see identical inputs.
func RunWithInput[T any](ctx context.Context, t *StepTools, id string, fn func(ctx context.Context, input any) (T, error), input ...any) (T, error) {
	var zero T
	t.warnIfNested(ctx)
	opts := t.baseOpts(ctx)
	opts.Input = input

	fs, mop, err := t.exec.state.discover(id, ModeSync, OpStepPlanned, opts, nil)
	if err != nil {
		return zero, err
	}
	fs.Descriptor.Input = input
	fs.handler = func() ([]byte, error) {
		replay := any(input)
		if mop != nil && len(mop.Input) > 0 {
			var stored any
			if err := json.Unmarshal(mop.Input, &stored); err == nil {
				replay = stored
			}
		}
		v, err := fn(withExecutingStep(ctx), replay)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	}

	return awaitStep[T](ctx, t.exec, fs, mop, id)
}

// awaitStep resolves a discovered step and unmarshals its settled data.
func awaitStep[T any](ctx context.Context, exec *Execution, fs *FoundStep, mop *MemoizedOp, id string) (T, error) {
	var zero T
	data, stepErr := exec.resolveStep(ctx, fs, mop)
	if stepErr != nil {
		return zero, stepErr
	}
	if data == nil {
		return zero, nil
	}
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return zero, fmt.Errorf("engine: unmarshal step %q result: %w", id, err)
	}
	return result, nil
}

// sleepDuration parses the accepted duration forms: a time.Duration, an
// int64 millisecond count, or a human-readable string like "1h".
func sleepDuration(d any) (time.Duration, string, error) {
	switch v := d.(type) {
	case time.Duration:
		return v, fmt.Sprintf("%d", v.Milliseconds()), nil
	case int64:
		return time.Duration(v) * time.Millisecond, fmt.Sprintf("%d", v), nil
	case string:
		dur, err := str2duration.ParseDuration(v)
		if err != nil {
			return 0, "", fmt.Errorf("engine: invalid sleep duration %q: %w", v, err)
		}
		return dur, fmt.Sprintf("%d", dur.Milliseconds()), nil
	default:
		return 0, "", fmt.Errorf("engine: unsupported sleep duration type %T", d)
	}
}

// Sleep suspends the step until the given duration elapses. The step's
// name carries the millisecond count.
func (t *StepTools) Sleep(ctx context.Context, id string, d any) error {
	dur, name, err := sleepDuration(d)
	if err != nil {
		return err
	}
	opts := t.baseOpts(ctx)
	opts.Timeout = dur
	fs, mop, err := t.exec.state.discover(id, ModeAsync, OpSleep, opts, nil)
	if err != nil {
		return err
	}
	fs.Descriptor.Name = name
	t.exec.logger.Debug("sleep scheduled", "step", fs.Descriptor.ID, "until", humanize.Time(time.Now().Add(dur)))
	_, stepErr := t.exec.resolveStep(ctx, fs, mop)
	return stepErr
}

// SleepUntil suspends until the given instant.
func (t *StepTools) SleepUntil(ctx context.Context, id string, at time.Time) error {
	opts := t.baseOpts(ctx)
	fs, mop, err := t.exec.state.discover(id, ModeAsync, OpSleep, opts, nil)
	if err != nil {
		return err
	}
	fs.Descriptor.Name = at.UTC().Format(time.RFC3339)
	_, stepErr := t.exec.resolveStep(ctx, fs, mop)
	return stepErr
}

// WaitForEventOpts configures WaitForEvent. Match and If are mutually
// exclusive; Match compiles to an equality expression between the
// triggering and awaited events.
type WaitForEventOpts struct {
	Event   string
	Timeout time.Duration
	Match   string
	If      string
}

func (o WaitForEventOpts) validate() error {
	if o.Match != "" && o.If != "" {
		return fmt.Errorf("engine: waitForEvent: match and if are mutually exclusive")
	}
	if o.Timeout <= 0 {
		return fmt.Errorf("engine: waitForEvent: timeout is required")
	}
	return nil
}

// WaitForEvent suspends until a matching event arrives or the timeout
// elapses, returning the event payload or nil.
func (t *StepTools) WaitForEvent(ctx context.Context, id string, o WaitForEventOpts) (*Event, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	opts := t.baseOpts(ctx)
	opts.Timeout = o.Timeout
	opts.If = o.If
	if o.Match != "" {
		opts.If = fmt.Sprintf("event.%s == async.%s", o.Match, o.Match)
	}
	fs, mop, err := t.exec.state.discover(id, ModeAsync, OpWaitForEvent, opts, nil)
	if err != nil {
		return nil, err
	}
	fs.Descriptor.Name = o.Event
	data, stepErr := t.exec.resolveStep(ctx, fs, mop)
	if stepErr != nil {
		return nil, stepErr
	}
	if data == nil {
		return nil, nil
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("engine: unmarshal waited event: %w", err)
	}
	return &ev, nil
}

// SignalOpts configures WaitForSignal. OnConflict is "replace" or "fail".
type SignalOpts struct {
	Signal     string
	Timeout    time.Duration
	OnConflict string
}

// SignalResult is what WaitForSignal resolves with.
type SignalResult struct {
	Signal string          `json:"signal"`
	Data   json.RawMessage `json:"data"`
}

func (t *StepTools) WaitForSignal(ctx context.Context, id string, o SignalOpts) (*SignalResult, error) {
	opts := t.baseOpts(ctx)
	opts.Timeout = o.Timeout
	fs, mop, err := t.exec.state.discover(id, ModeAsync, OpWaitForSignal, opts, nil)
	if err != nil {
		return nil, err
	}
	fs.Descriptor.Name = o.Signal
	data, stepErr := t.exec.resolveStep(ctx, fs, mop)
	if stepErr != nil {
		return nil, stepErr
	}
	if data == nil {
		return nil, nil
	}
	var sig SignalResult
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil, fmt.Errorf("engine: unmarshal signal result: %w", err)
	}
	return &sig, nil
}

// SendEvent sends one or more events as a step, executed inline when the
// invocation mode allows.
func (t *StepTools) SendEvent(ctx context.Context, id string, payload ...Event) error {
	opts := t.baseOpts(ctx)
	handlerFn := func() ([]byte, error) {
		return t.exec.deps.SendEvents(ctx, payload)
	}
	fs, mop, err := t.exec.state.discover(id, ModeSync, OpStepPlanned, opts, handlerFn)
	if err != nil {
		return err
	}
	_, stepErr := t.exec.resolveStep(ctx, fs, mop)
	return stepErr
}

// SendSignal sends a signal as a step, executed inline when allowed.
func (t *StepTools) SendSignal(ctx context.Context, id string, signal string, data any) error {
	opts := t.baseOpts(ctx)
	handlerFn := func() ([]byte, error) {
		return t.exec.deps.SendSignal(ctx, signal, data)
	}
	fs, mop, err := t.exec.state.discover(id, ModeSync, OpStepPlanned, opts, handlerFn)
	if err != nil {
		return err
	}
	_, stepErr := t.exec.resolveStep(ctx, fs, mop)
	return stepErr
}

// InvokeOpts configures Invoke. FunctionID may refer to a function in
// another app via AppID.
type InvokeOpts struct {
	AppID      string
	FunctionID string
	Data       map[string]any
	V          string
	Timeout    time.Duration
}

// Invoke calls another function and awaits its result.
func (t *StepTools) Invoke(ctx context.Context, id string, o InvokeOpts) (json.RawMessage, error) {
	opts := t.baseOpts(ctx)
	opts.Timeout = o.Timeout
	fs, mop, err := t.exec.state.discover(id, ModeAsync, OpInvokeFunction, opts, nil)
	if err != nil {
		return nil, err
	}
	fs.Descriptor.Name = o.FunctionID
	data, stepErr := t.exec.resolveStep(ctx, fs, mop)
	if stepErr != nil {
		return nil, stepErr
	}
	return data, nil
}
