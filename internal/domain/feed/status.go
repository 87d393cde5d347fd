package feed

// State is a stage of a single pipeline run.
type State int

const (
	StateIdle State = iota
	StateDetecting
	StateFetching
	StateTransforming
	StateStaging
	StateMerging
	StateCheckpointing
	StateDone
)

// String returns the lowercase state name used in logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDetecting:
		return "detecting"
	case StateFetching:
		return "fetching"
	case StateTransforming:
		return "transforming"
	case StateStaging:
		return "staging"
	case StateMerging:
		return "merging"
	case StateCheckpointing:
		return "checkpointing"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Outcome is the terminal result of a run.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// JobStatus is the only output of a run handed back to the caller.
type JobStatus struct {
	Status  Outcome `json:"status"`
	Message string  `json:"message"`
}

// Succeeded reports whether the run finished successfully.
func (s JobStatus) Succeeded() bool { return s.Status == OutcomeSuccess }

// Success builds a successful status.
func Success(msg string) JobStatus { return JobStatus{Status: OutcomeSuccess, Message: msg} }

// Failure builds a failed status.
func Failure(msg string) JobStatus { return JobStatus{Status: OutcomeFailed, Message: msg} }
