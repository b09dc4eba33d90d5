package core

type ResultKind uint8

const (
	// ResultSkip settles the instance without output. It is the zero kind.
	ResultSkip ResultKind = iota
	ResultEmit
	ResultRetry
	ResultFail
	// ResultPending leaves the instance running; it settles later through
	// its Instance handle.
	ResultPending
)

func (k ResultKind) String() string {
	switch k {
	case ResultSkip:
		return "skip"
	case ResultEmit:
		return "emit"
	case ResultRetry:
		return "retry"
	case ResultFail:
		return "fail"
	case ResultPending:
		return "pending"
	default:
		return "unknown"
	}
}

// Result is what a processing function or failure handler returns.
type Result struct {
	Kind  ResultKind
	Value any
	Err   error
}

// Emit settles with v as output. A nil value produces no output.
func Emit(v any) Result { return Result{Kind: ResultEmit, Value: v} }

func Skip() Result { return Result{Kind: ResultSkip} }

func Retry() Result { return Result{Kind: ResultRetry} }

func Fail(err error) Result { return Result{Kind: ResultFail, Err: err} }

func Pending() Result { return Result{Kind: ResultPending} }
