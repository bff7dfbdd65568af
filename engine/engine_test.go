package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testFn(retries int) *FunctionConfig {
	return &FunctionConfig{
		ID:       "test-fn",
		Triggers: []Trigger{{Event: "user/created"}},
		Retries:  retries,
	}
}

// startExecution runs handler against memoized state and returns the single
// result. Callers disable immediate execution through runCtx when they want
// discovery to be observable.
func startExecution(t *testing.T, fn *FunctionConfig, handler Handler, memoized map[string]*MemoizedOp, runCtx RunContext, requestedStep string, mode InvocationMode) *Result {
	t.Helper()
	exec := NewExecution(fn, handler, memoized, Event{Name: "user/created"}, nil, runCtx, requestedStep, mode, nil, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result := exec.Start(ctx)
	require.NotNil(t, result)
	return result
}

func TestDiscoverSingleStep(t *testing.T) {
	var executions int32

	handler := func(rc *RunCtx) (any, error) {
		_, err := Run(rc.Context, rc.Step, "a", func(ctx context.Context) (int, error) {
			atomic.AddInt32(&executions, 1)
			return 1, nil
		})
		return nil, err
	}

	result := startExecution(t, testFn(0), handler, nil, RunContext{DisableImmediateExecution: true}, "", InvocationAsync)

	require.Equal(t, ResultStepsFound, result.Kind)
	require.Len(t, result.Steps, 1)
	require.Equal(t, hashID("a"), result.Steps[0].ID)
	require.Equal(t, OpStepPlanned, result.Steps[0].Op)
	require.Equal(t, "a", result.Steps[0].Userland)
	require.Zero(t, atomic.LoadInt32(&executions), "planned step must not run during discovery")
}

func TestMemoizedStepIsNotReExecuted(t *testing.T) {
	var executions int32
	memoized := map[string]*MemoizedOp{
		hashID("a"): {Data: json.RawMessage("1")},
	}

	handler := func(rc *RunCtx) (any, error) {
		v, err := Run(rc.Context, rc.Step, "a", func(ctx context.Context) (int, error) {
			atomic.AddInt32(&executions, 1)
			return 0, nil
		})
		if err != nil {
			return nil, err
		}
		if v != 1 {
			return nil, fmt.Errorf("expected memoized 1, got %d", v)
		}
		return nil, nil
	}

	result := startExecution(t, testFn(0), handler, memoized, RunContext{}, "", InvocationAsync)

	require.Equal(t, ResultFunctionResolved, result.Kind)
	require.Equal(t, "null", string(result.Data))
	require.Zero(t, atomic.LoadInt32(&executions))
	require.Equal(t, "1", string(memoized[hashID("a")].Data), "memoized data must stay untouched")
}

func TestEarlyExecutionOfSinglePlannedStep(t *testing.T) {
	handler := func(rc *RunCtx) (any, error) {
		v, err := Run(rc.Context, rc.Step, "a", func(ctx context.Context) (int, error) {
			return 42, nil
		})
		return v, err
	}

	result := startExecution(t, testFn(0), handler, nil, RunContext{}, "", InvocationAsync)

	require.Equal(t, ResultStepRan, result.Kind)
	require.Equal(t, OpStepRun, result.Step.Op)
	require.Equal(t, hashID("a"), result.Step.ID)
	require.JSONEq(t, "42", string(result.Step.Data.(json.RawMessage)))
	require.NotNil(t, result.Step.Timing)
}

func TestParallelDiscoveryReportsAllSteps(t *testing.T) {
	handler := func(rc *RunCtx) (any, error) {
		return nil, rc.Group.All(rc.Context,
			func(ctx context.Context) error {
				_, err := Run(ctx, rc.Step, "a", func(ctx context.Context) (int, error) { return 1, nil })
				return err
			},
			func(ctx context.Context) error {
				_, err := Run(ctx, rc.Step, "b", func(ctx context.Context) (int, error) { return 2, nil })
				return err
			},
		)
	}

	result := startExecution(t, testFn(0), handler, nil, RunContext{DisableImmediateExecution: true}, "", InvocationAsync)

	require.Equal(t, ResultStepsFound, result.Kind)
	require.Len(t, result.Steps, 2)
	for _, op := range result.Steps {
		require.Equal(t, OpStepPlanned, op.Op)
	}
	// Branches are gated, so the batch is in argument order.
	require.Equal(t, hashID("a"), result.Steps[0].ID)
	require.Equal(t, hashID("b"), result.Steps[1].ID)
}

func TestRaceScopeTagsSteps(t *testing.T) {
	handler := func(rc *RunCtx) (any, error) {
		return nil, rc.Group.All(rc.Context,
			func(ctx context.Context) error {
				_, err := Run(ctx, rc.Step, "out", func(ctx context.Context) (int, error) { return 0, nil })
				return err
			},
			func(ctx context.Context) error {
				return rc.Group.Parallel(ctx,
					func(ctx context.Context) error {
						_, err := Run(ctx, rc.Step, "in", func(ctx context.Context) (int, error) { return 1, nil })
						return err
					},
					func(ctx context.Context) error {
						return rc.Step.Sleep(ctx, "w", "1h")
					},
				)
			},
		)
	}

	result := startExecution(t, testFn(0), handler, nil, RunContext{DisableImmediateExecution: true}, "", InvocationAsync)

	require.Equal(t, ResultStepsFound, result.Kind)
	require.Len(t, result.Steps, 3)
	require.Equal(t, "out", result.Steps[0].Userland)
	require.Equal(t, "in", result.Steps[1].Userland)
	require.Equal(t, "w", result.Steps[2].Userland)

	modes := map[string]ParallelMode{}
	for _, op := range result.Steps {
		modes[op.Userland] = op.Opts.ParallelMode
	}
	require.Equal(t, ParallelModeNone, modes["out"])
	require.Equal(t, ParallelModeRace, modes["in"])
	require.Equal(t, ParallelModeRace, modes["w"])
}

func TestIDCollisionAssignsOrderedSuffixes(t *testing.T) {
	memoized := map[string]*MemoizedOp{
		hashID("a"):   {Data: json.RawMessage("1")},
		hashID("a:2"): {Data: json.RawMessage("2")},
		hashID("a:3"): {Data: json.RawMessage("3")},
	}

	var got []int
	handler := func(rc *RunCtx) (any, error) {
		for i := 0; i < 3; i++ {
			v, err := Run(rc.Context, rc.Step, "a", func(ctx context.Context) (int, error) { return -1, nil })
			if err != nil {
				return nil, err
			}
			got = append(got, v)
		}
		return got, nil
	}

	result := startExecution(t, testFn(0), handler, memoized, RunContext{}, "", InvocationAsync)

	require.Equal(t, ResultFunctionResolved, result.Kind)
	require.Equal(t, []int{1, 2, 3}, got, "colliding ids must replay in discovery order")
}

func TestFrozenFutureNeverSettles(t *testing.T) {
	stepReturned := make(chan error, 1)

	handler := func(rc *RunCtx) (any, error) {
		_, err := Run(rc.Context, rc.Step, "a", func(ctx context.Context) (int, error) { return 1, nil })
		stepReturned <- err
		return nil, err
	}

	result := startExecution(t, testFn(0), handler, nil, RunContext{DisableImmediateExecution: true}, "", InvocationAsync)

	require.Equal(t, ResultStepsFound, result.Kind)

	// The frozen step never resolves with data; the handler goroutine is
	// only released, with an error, once the invocation has returned.
	select {
	case err := <-stepReturned:
		require.ErrorIs(t, err, errExecutionFinished)
	case <-time.After(time.Second):
		t.Fatal("handler goroutine was not released after the engine returned")
	}
}

func TestRequestedStepExecutes(t *testing.T) {
	handler := func(rc *RunCtx) (any, error) {
		v, err := Run(rc.Context, rc.Step, "a", func(ctx context.Context) (int, error) { return 7, nil })
		return v, err
	}

	result := startExecution(t, testFn(0), handler, nil, RunContext{DisableImmediateExecution: true}, hashID("a"), InvocationAsync)

	require.Equal(t, ResultStepRan, result.Kind)
	require.Equal(t, OpStepRun, result.Step.Op)
	require.JSONEq(t, "7", string(result.Step.Data.(json.RawMessage)))
}

func TestRequestedStepNeverAppears(t *testing.T) {
	prev := stepNotFoundTimeout
	stepNotFoundTimeout = 50 * time.Millisecond
	defer func() { stepNotFoundTimeout = prev }()

	handler := func(rc *RunCtx) (any, error) {
		_, err := Run(rc.Context, rc.Step, "a", func(ctx context.Context) (int, error) { return 1, nil })
		return nil, err
	}

	missing := hashID("never-discovered")
	result := startExecution(t, testFn(0), handler, nil, RunContext{DisableImmediateExecution: true}, missing, InvocationAsync)

	require.Equal(t, ResultStepNotFound, result.Kind)
	require.Equal(t, missing, result.NotFoundStepID)
}

func TestSleepDiscovery(t *testing.T) {
	handler := func(rc *RunCtx) (any, error) {
		return nil, rc.Step.Sleep(rc.Context, "wait", "1h")
	}

	result := startExecution(t, testFn(0), handler, nil, RunContext{}, "", InvocationAsync)

	require.Equal(t, ResultStepsFound, result.Kind)
	require.Len(t, result.Steps, 1)
	require.Equal(t, OpSleep, result.Steps[0].Op)
	require.Equal(t, "3600000", result.Steps[0].Name, "sleep name is the millisecond count")
}

func TestWaitForEventRejectsMatchIfCollision(t *testing.T) {
	handler := func(rc *RunCtx) (any, error) {
		_, err := rc.Step.WaitForEvent(rc.Context, "wait", WaitForEventOpts{
			Event:   "user/updated",
			Timeout: time.Hour,
			Match:   "data.id",
			If:      "event.data.id == async.data.id",
		})
		return nil, err
	}

	result := startExecution(t, testFn(0), handler, nil, RunContext{}, "", InvocationAsync)

	require.Equal(t, ResultFunctionRejected, result.Kind)
	require.ErrorContains(t, result.Error, "mutually exclusive")
}

func TestStepErrorIsRetriable(t *testing.T) {
	handler := func(rc *RunCtx) (any, error) {
		_, err := Run(rc.Context, rc.Step, "boom", func(ctx context.Context) (int, error) {
			return 0, errors.New("transient failure")
		})
		return nil, err
	}

	result := startExecution(t, testFn(3), handler, nil, RunContext{}, "", InvocationAsync)

	require.Equal(t, ResultStepRan, result.Kind)
	require.Equal(t, OpStepError, result.Step.Op)
	require.NotNil(t, result.Step.Error)
}

func TestStepFailureOnFinalAttempt(t *testing.T) {
	handler := func(rc *RunCtx) (any, error) {
		_, err := Run(rc.Context, rc.Step, "boom", func(ctx context.Context) (int, error) {
			return 0, errors.New("permanent failure")
		})
		return nil, err
	}

	result := startExecution(t, testFn(0), handler, nil, RunContext{}, "", InvocationAsync)

	require.Equal(t, ResultFunctionRejected, result.Kind)
	require.False(t, result.Retriable)
}

func TestRethrownStepErrorIsNonRetriable(t *testing.T) {
	memoized := map[string]*MemoizedOp{
		hashID("a"): {Error: json.RawMessage(`{"message":"stored failure"}`)},
	}

	handler := func(rc *RunCtx) (any, error) {
		_, err := Run(rc.Context, rc.Step, "a", func(ctx context.Context) (int, error) { return 0, nil })
		// Propagate the injected StepError uncaught.
		return nil, err
	}

	result := startExecution(t, testFn(5), handler, memoized, RunContext{}, "", InvocationAsync)

	require.Equal(t, ResultFunctionRejected, result.Kind)
	require.False(t, result.Retriable, "rethrowing the engine-injected StepError must be terminal")
}

func TestNonRetriableErrorClassification(t *testing.T) {
	handler := func(rc *RunCtx) (any, error) {
		return nil, &NonRetriableError{Cause: errors.New("bad state")}
	}

	result := startExecution(t, testFn(5), handler, nil, RunContext{}, "", InvocationAsync)

	require.Equal(t, ResultFunctionRejected, result.Kind)
	require.False(t, result.Retriable)
}

func TestRetryAfterErrorClassification(t *testing.T) {
	handler := func(rc *RunCtx) (any, error) {
		return nil, &RetryAfterError{Cause: errors.New("throttled"), Delay: 10 * time.Second}
	}

	result := startExecution(t, testFn(0), handler, nil, RunContext{}, "", InvocationAsync)

	require.Equal(t, ResultFunctionRejected, result.Kind)
	require.True(t, result.Retriable, "RetryAfterError forces retriable even on the final attempt")
	require.Equal(t, "10", result.RetryAfter)
}

func TestPlainErrorRetriableUntilFinalAttempt(t *testing.T) {
	handler := func(rc *RunCtx) (any, error) {
		return nil, errors.New("flaky")
	}

	early := startExecution(t, testFn(2), handler, nil, RunContext{Attempt: 0}, "", InvocationAsync)
	require.Equal(t, ResultFunctionRejected, early.Kind)
	require.True(t, early.Retriable)

	final := startExecution(t, testFn(2), handler, nil, RunContext{Attempt: 2}, "", InvocationAsync)
	require.Equal(t, ResultFunctionRejected, final.Kind)
	require.False(t, final.Retriable)
}

func TestHandlerPanicRejects(t *testing.T) {
	handler := func(rc *RunCtx) (any, error) {
		panic("unexpected")
	}

	result := startExecution(t, testFn(3), handler, nil, RunContext{}, "", InvocationAsync)

	require.Equal(t, ResultFunctionRejected, result.Kind)
	require.ErrorContains(t, result.Error, "panic")
}

func TestEventValidatorRejectsRun(t *testing.T) {
	fn := testFn(0)
	fn.EventValidator = func(ev Event) error {
		return fmt.Errorf("missing field %q", "id")
	}

	handler := func(rc *RunCtx) (any, error) { return "never", nil }

	result := startExecution(t, fn, handler, nil, RunContext{}, "", InvocationAsync)

	require.Equal(t, ResultFunctionRejected, result.Kind)
	require.ErrorContains(t, result.Error, "event validation")
}

func TestStepMetadataAttachedToOp(t *testing.T) {
	handler := func(rc *RunCtx) (any, error) {
		v, err := Run(rc.Context, rc.Step, "a", func(ctx context.Context) (int, error) {
			StepMetadata(ctx, "rows", 3)
			return 1, nil
		})
		return v, err
	}

	result := startExecution(t, testFn(0), handler, nil, RunContext{}, "", InvocationAsync)

	require.Equal(t, ResultStepRan, result.Kind)
	require.Equal(t, 3, result.Step.Metadata["rows"])
}

func TestInputReplayOverridesArguments(t *testing.T) {
	memoized := map[string]*MemoizedOp{
		hashID("a"): {Input: json.RawMessage(`[5]`)},
	}

	var sawInput any
	handler := func(rc *RunCtx) (any, error) {
		v, err := RunWithInput(rc.Context, rc.Step, "a", func(ctx context.Context, input any) (int, error) {
			sawInput = input
			return 9, nil
		}, 1)
		return v, err
	}

	result := startExecution(t, testFn(0), handler, memoized, RunContext{}, "", InvocationAsync)

	require.Equal(t, ResultStepRan, result.Kind)
	require.Equal(t, []any{float64(5)}, sawInput, "stored input must replace the fresh arguments")
}

func TestOrderByStack(t *testing.T) {
	mk := func(id string) *FoundStep {
		return &FoundStep{Descriptor: Descriptor{ID: id, HashedID: hashID(id)}}
	}
	a, b, c := mk("a"), mk("b"), mk("c")

	ordered := orderByStack([]*FoundStep{a, b, c}, []string{hashID("c"), hashID("a")})
	require.Equal(t, []*FoundStep{c, a, b}, ordered, "stack order first, discovery order for the rest")

	same := orderByStack([]*FoundStep{a, b}, nil)
	require.Equal(t, []*FoundStep{a, b}, same)
}

func TestSyncModeRunsStepsInlineAndPromotesOnAsyncComposition(t *testing.T) {
	var executed int32
	handler := func(rc *RunCtx) (any, error) {
		v, err := Run(rc.Context, rc.Step, "a", func(ctx context.Context) (int, error) {
			atomic.AddInt32(&executed, 1)
			return 1, nil
		})
		if err != nil {
			return nil, err
		}
		if err := rc.Step.Sleep(rc.Context, "w", "1h"); err != nil {
			return nil, err
		}
		return v, nil
	}

	result := startExecution(t, testFn(0), handler, nil, RunContext{}, "", InvocationSync)

	require.Equal(t, ResultChangeMode, result.Kind)
	require.Equal(t, "async", result.ChangeModeTo)
	require.Equal(t, int32(1), atomic.LoadInt32(&executed), "sync mode executes planned steps inline")
}

func TestSyncModeResolvesWhenAllStepsAreSync(t *testing.T) {
	handler := func(rc *RunCtx) (any, error) {
		a, err := Run(rc.Context, rc.Step, "a", func(ctx context.Context) (int, error) { return 1, nil })
		if err != nil {
			return nil, err
		}
		b, err := Run(rc.Context, rc.Step, "b", func(ctx context.Context) (int, error) { return 2, nil })
		if err != nil {
			return nil, err
		}
		return a + b, nil
	}

	result := startExecution(t, testFn(0), handler, nil, RunContext{}, "", InvocationSync)

	require.Equal(t, ResultFunctionResolved, result.Kind)
	require.Equal(t, "3", string(result.Data))
}

func TestIdenticalReplaysProduceIdenticalReports(t *testing.T) {
	handler := func(rc *RunCtx) (any, error) {
		return nil, rc.Group.All(rc.Context,
			func(ctx context.Context) error {
				_, err := Run(ctx, rc.Step, "a", func(ctx context.Context) (int, error) { return 1, nil })
				return err
			},
			func(ctx context.Context) error {
				return rc.Step.Sleep(ctx, "w", "1h")
			},
		)
	}

	payload := func() string {
		result := startExecution(t, testFn(0), handler, nil, RunContext{DisableImmediateExecution: true}, "", InvocationAsync)
		require.Equal(t, ResultStepsFound, result.Kind)
		b, err := json.Marshal(result.Steps)
		require.NoError(t, err)
		return string(b)
	}

	first := payload()
	second := payload()
	require.Equal(t, first, second, "replays with identical state must report identical batches")
}

func TestExplicitParallelModeTagsStepOutsideScope(t *testing.T) {
	handler := func(rc *RunCtx) (any, error) {
		return nil, rc.Group.All(rc.Context,
			func(ctx context.Context) error {
				// Explicit race tag without any group.Parallel scope.
				_, err := Run(WithParallelMode(ctx, ParallelModeRace), rc.Step, "tagged", func(ctx context.Context) (int, error) { return 1, nil })
				return err
			},
			func(ctx context.Context) error {
				return rc.Step.Sleep(ctx, "plain", "1h")
			},
		)
	}

	result := startExecution(t, testFn(0), handler, nil, RunContext{DisableImmediateExecution: true}, "", InvocationAsync)

	require.Equal(t, ResultStepsFound, result.Kind)
	modes := map[string]ParallelMode{}
	for _, op := range result.Steps {
		modes[op.Userland] = op.Opts.ParallelMode
	}
	require.Equal(t, ParallelModeRace, modes["tagged"])
	require.Equal(t, ParallelModeNone, modes["plain"])
}

func TestUndefinedNormalizesToNull(t *testing.T) {
	require.Equal(t, "null", string(toJSONOrNull(nil)))
	require.Equal(t, "null", string(orNull(nil)))
	require.Equal(t, `{"x":1}`, string(toJSONOrNull(map[string]int{"x": 1})))
}
