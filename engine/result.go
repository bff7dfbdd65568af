package engine

// ResultKind identifies which variant a Result carries.
type ResultKind int

const (
	ResultFunctionResolved ResultKind = iota
	ResultFunctionRejected
	ResultStepRan
	ResultStepsFound
	ResultStepNotFound
	ResultChangeMode
)

// Result is the tagged union a single run request returns. Exactly the
// fields relevant to Kind are populated.
type Result struct {
	Kind ResultKind

	// ResultFunctionResolved
	Data []byte

	// ResultFunctionRejected
	Error      error
	Retriable  bool
	RetryAfter string // rendered duration or RFC 3339 instant, when present

	// ResultStepRan
	Step *OutgoingOp

	// ResultStepsFound
	Steps []OutgoingOp

	// ResultStepNotFound
	NotFoundStepID string

	// ResultChangeMode
	ChangeModeTo    string
	ChangeModeToken string
}

func resolvedResult(data []byte) *Result {
	return &Result{Kind: ResultFunctionResolved, Data: data}
}

func rejectedResult(err error, retriable bool, retryAfter string) *Result {
	return &Result{Kind: ResultFunctionRejected, Error: err, Retriable: retriable, RetryAfter: retryAfter}
}

func stepRanResult(op OutgoingOp) *Result {
	return &Result{Kind: ResultStepRan, Step: &op}
}

func stepsFoundResult(ops []OutgoingOp) *Result {
	return &Result{Kind: ResultStepsFound, Steps: ops}
}

func stepNotFoundResult(id string) *Result {
	return &Result{Kind: ResultStepNotFound, NotFoundStepID: id}
}

func changeModeResult(to, token string) *Result {
	return &Result{Kind: ResultChangeMode, ChangeModeTo: to, ChangeModeToken: token}
}
