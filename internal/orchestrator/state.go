package orchestrator

// State is the task lifecycle position of a PhaseLoop
type State string

const (
	StateIdle       State = "idle"
	StatePolled     State = "polled"
	StateLeasing    State = "leasing"
	StatePrompting  State = "prompting"
	StateExecuting  State = "executing"
	StateFailed     State = "failed"
	StateFinalizing State = "finalizing"
)
