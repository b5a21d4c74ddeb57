package backend

// Outcome is the result of an operation whose failure is reported as a value
// rather than an error. Cause is kept for callers that need detail.
type Outcome struct {
	Success  bool
	Degraded bool
	Message  string
	Cause    error
}

// NewOutcome builds an outcome from the joined error of an operation.
// A failure made only of cleanup errors is a degraded success.
func NewOutcome(err error, successMsg, failureMsg string) Outcome {
	switch {
	case err == nil:
		return Outcome{Success: true, Message: successMsg}
	case CleanupOnly(err):
		return Outcome{Success: true, Degraded: true, Message: successMsg, Cause: err}
	default:
		return Outcome{Message: failureMsg, Cause: err}
	}
}
