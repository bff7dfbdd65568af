package engine

import "context"

// RealtimeTools exposes realtime.publish: a step, executed inline when
// allowed, that pushes data onto a pub/sub channel the realtime backend
// forwards to subscribers.
type RealtimeTools struct {
	exec *Execution
}

// Publish sends data on channel/topic as a memoized step.
func (r *RealtimeTools) Publish(ctx context.Context, id string, channel, topic string, data any) error {
	t := &StepTools{exec: r.exec}
	t.warnIfNested(ctx)
	opts := t.baseOpts(ctx)

	handlerFn := func() ([]byte, error) {
		return r.exec.deps.RealtimePublish(ctx, channel, topic, data)
	}
	fs, mop, err := r.exec.state.discover(id, ModeSync, OpStepPlanned, opts, handlerFn)
	if err != nil {
		return err
	}
	_, stepErr := r.exec.resolveStep(ctx, fs, mop)
	return stepErr
}
