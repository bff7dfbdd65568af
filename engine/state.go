package engine

import "sync"

// future is the minimal promise shape a step tool hands to user code: it is
// resolved or rejected at most once, and for steps the engine decides not
// to run this invocation it is deliberately never settled.
type future struct {
	done    chan struct{}
	once    sync.Once
	data    []byte
	err     error
	settled bool
}

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

func (f *future) resolve(data []byte) {
	f.once.Do(func() {
		f.data = data
		f.settled = true
		close(f.done)
	})
}

func (f *future) reject(err error) {
	f.once.Do(func() {
		f.err = err
		f.settled = true
		close(f.done)
	})
}

// Wait returns the settle channel. A frozen future never closes it, so
// callers must also select on the execution's finished signal.
func (f *future) Wait() <-chan struct{} { return f.done }

// FoundStep is the engine's runtime record of a step discovered during
// this replay.
type FoundStep struct {
	Descriptor Descriptor
	fut        *future
	handler    func() ([]byte, error) // nil for steps with no body (sleep, wait, ...)
	handled    bool
	resultOp   *OutgoingOp // set once runStepInline has executed this step
}

// handle delivers memoized data (or the step's persisted error) to the
// user-visible future. It is idempotent: once handled is true, further
// calls are no-ops, so a step's future settles at most once.
func (fs *FoundStep) handle(data []byte, stepErr error) {
	if fs.handled {
		return
	}
	fs.handled = true
	if stepErr != nil {
		fs.fut.reject(stepErr)
		return
	}
	fs.fut.resolve(data)
}

// ExecutionState is the per-invocation mutable state threaded through the
// replay loop.
type ExecutionState struct {
	mu sync.Mutex

	memoized    map[string]*MemoizedOp // hashed id -> executor-supplied op
	discovered  map[string]*FoundStep  // hashed id -> this replay's discovery
	order       []string               // hashed ids in discovery order this tick
	remaining   map[string]struct{}    // memoized hashed ids not yet rediscovered
	checkpoint  []OutgoingOp           // buffer for the async checkpoint flush
	recentError *StepError             // most recently injected step error, for rethrow detection

	ids *idAllocator
}

func newExecutionState(memoized map[string]*MemoizedOp) *ExecutionState {
	remaining := make(map[string]struct{}, len(memoized))
	for h := range memoized {
		remaining[h] = struct{}{}
	}
	return &ExecutionState{
		memoized:   memoized,
		discovered: make(map[string]*FoundStep),
		remaining:  remaining,
		ids:        newIDAllocator(),
	}
}

// knownHashed reports whether hashed id h has already been discovered this
// replay. idAllocator.resolve queries it so that an already discovered
// hashed id counts as taken when it picks a final id.
func (s *ExecutionState) knownHashed(h string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.discovered[h]
	return ok
}

// discover registers a newly produced descriptor, resolving its final id
// and hash, and returns the FoundStep plus its Executor-supplied memoized
// op, or nil when there is none.
func (s *ExecutionState) discover(base string, mode Mode, op Op, opts StepOptions, handler func() ([]byte, error)) (*FoundStep, *MemoizedOp, error) {
	final, hashed, err := s.ids.resolve(base, s.knownHashed)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	desc := Descriptor{ID: final, HashedID: hashed, Op: op, Mode: mode, Opts: opts}
	fs := &FoundStep{Descriptor: desc, fut: newFuture(), handler: handler}
	s.discovered[hashed] = fs
	s.order = append(s.order, hashed)

	if mop, ok := s.memoized[hashed]; ok {
		mop.Seen = true
		delete(s.remaining, hashed)
		return fs, mop, nil
	}
	return fs, nil, nil
}

// unfulfilled returns discovered steps, in discovery order, that have not
// yet been handled this replay.
func (s *ExecutionState) unfulfilled() []*FoundStep {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*FoundStep
	for _, h := range s.order {
		fs := s.discovered[h]
		if fs != nil && !fs.handled {
			out = append(out, fs)
		}
	}
	return out
}

func (s *ExecutionState) find(hashed string) (*FoundStep, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, ok := s.discovered[hashed]
	return fs, ok
}

// memoizedFor returns the Executor-supplied record for hashed, if any.
func (s *ExecutionState) memoizedFor(hashed string) (*MemoizedOp, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mop, ok := s.memoized[hashed]
	return mop, ok
}

// executedOps returns the outgoing ops of every step that ran inline this
// invocation, in discovery order. This is what a Sync run checkpoints when
// it promotes itself to async.
func (s *ExecutionState) executedOps() []OutgoingOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OutgoingOp
	for _, h := range s.order {
		if fs := s.discovered[h]; fs != nil && fs.resultOp != nil {
			out = append(out, *fs.resultOp)
		}
	}
	return out
}

func (s *ExecutionState) appendCheckpoint(op OutgoingOp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoint = append(s.checkpoint, op)
}

func (s *ExecutionState) checkpointLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.checkpoint)
}

func (s *ExecutionState) drainCheckpoint() []OutgoingOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.checkpoint
	s.checkpoint = nil
	return buf
}

func (s *ExecutionState) setRecentError(se *StepError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recentError = se
}

func (s *ExecutionState) lastInjected() *StepError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recentError
}
