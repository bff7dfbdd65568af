package engine

import (
	"context"
	"encoding/json"
	"fmt"
)

// AIModel describes an inference backend target for ai.Infer. OnCall, when
// set, may mutate the request body before submission, typically to reshape
// the payload into the backend's expected format.
type AIModel struct {
	Name   string
	OnCall func(model *AIModel, body json.RawMessage) (json.RawMessage, error)
}

// AITools exposes the ai.infer and ai.wrap step tools.
type AITools struct {
	exec *Execution
}

// Infer submits body to model via the AI gateway and returns the
// model-specific response verbatim.
func (a *AITools) Infer(ctx context.Context, id string, model AIModel, body json.RawMessage) (json.RawMessage, error) {
	t := &StepTools{exec: a.exec}
	t.warnIfNested(ctx)
	opts := t.baseOpts(ctx)
	opts.Type = model.Name

	if model.OnCall != nil {
		mutated, err := model.OnCall(&model, body)
		if err != nil {
			return nil, fmt.Errorf("engine: ai model onCall: %w", err)
		}
		body = mutated
	}
	opts.Body = body

	handlerFn := func() ([]byte, error) {
		return a.exec.deps.AIInfer(ctx, AIInferRequest{Model: model.Name, Body: body})
	}
	fs, mop, err := a.exec.state.discover(id, ModeAsync, OpAIGateway, opts, handlerFn)
	if err != nil {
		return nil, err
	}
	fs.Descriptor.Name = model.Name
	data, stepErr := a.exec.resolveStep(ctx, fs, mop)
	if stepErr != nil {
		return nil, stepErr
	}
	return data, nil
}

// Wrap runs fn as a memoized step tagged as an AI-adjacent operation.
func (a *AITools) Wrap(ctx context.Context, id string, fn func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	t := &StepTools{exec: a.exec}
	t.warnIfNested(ctx)
	opts := t.baseOpts(ctx)
	opts.Type = "step.ai.wrap"

	fs, mop, err := a.exec.state.discover(id, ModeSync, OpStepPlanned, opts, nil)
	if err != nil {
		return nil, err
	}
	fs.handler = func() ([]byte, error) { return fn(withExecutingStep(ctx)) }

	data, stepErr := a.exec.resolveStep(ctx, fs, mop)
	if stepErr != nil {
		return nil, stepErr
	}
	return data, nil
}
