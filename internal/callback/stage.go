package callback

// Stage is the processing stage of a callback request.
type Stage int

const (
	StageReceived Stage = iota
	StageStateVerified
	StageTokenExchanged
	StageSessionIssued
	StageResponded
	StageError
)

func (s Stage) String() string {
	switch s {
	case StageReceived:
		return "received"
	case StageStateVerified:
		return "state_verified"
	case StageTokenExchanged:
		return "token_exchanged"
	case StageSessionIssued:
		return "session_issued"
	case StageResponded:
		return "responded"
	case StageError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s Stage) Terminal() bool {
	return s == StageResponded || s == StageError
}
