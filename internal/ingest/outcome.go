package ingest

import "fmt"

// OutcomeState classifies one site-day fetch attempt. These are ordinary
// result states, not faults; only RateLimited carries stop-the-provider
// semantics.
type OutcomeState string

const (
	StateCommitted   OutcomeState = "committed"
	StateEmpty       OutcomeState = "empty"
	StateDegraded    OutcomeState = "degraded"
	StateIncomplete  OutcomeState = "incomplete"
	StateRateLimited OutcomeState = "rate_limited"
)

// Outcome is the tagged result of processing one (site, day) pair.
type Outcome struct {
	State OutcomeState
	Rows  int64
}

func Committed(rows int64) Outcome { return Outcome{State: StateCommitted, Rows: rows} }
func Empty() Outcome               { return Outcome{State: StateEmpty} }
func Degraded() Outcome            { return Outcome{State: StateDegraded} }
func Incomplete(partial int64) Outcome {
	return Outcome{State: StateIncomplete, Rows: partial}
}
func RateLimited() Outcome { return Outcome{State: StateRateLimited} }

func (o Outcome) String() string {
	if o.Rows > 0 {
		return fmt.Sprintf("%s(%d)", o.State, o.Rows)
	}
	return string(o.State)
}
