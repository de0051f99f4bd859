package printer

// TransitionKind identifies a synthesized lifecycle event.
type TransitionKind int

const (
	TransitionStarted TransitionKind = iota + 1
	TransitionCompleted
)

// Outcome of a completed print.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeAborted   = "aborted"
)

// Transition is a lifecycle event derived from consecutive states.
type Transition struct {
	Kind    TransitionKind
	File    string
	Outcome string // set for TransitionCompleted
}

// Observer carries what lifecycle detection needs to remember between
// frames. The zero value is the state of a freshly started client.
type Observer struct {
	PrevState           PrintState
	PrevRunningFile     string
	WasRunning          bool
	CompletionSignalled bool
}

// Observe feeds the merged state and file name after a frame into the
// observer and returns the updated observer plus any transitions.
//
// The printer never announces start or finish; both are inferred:
//   - start: entering Running with a file name, or a different file name
//     while already Running (back-to-back prints without an idle frame).
//     Resuming the same file from Pause is not a new start.
//   - completion: Finish/Failed after Running was seen for this run, at most
//     once per run. Idle only counts (as aborted) directly after Running.
func Observe(o Observer, state PrintState, file string) (Observer, []Transition) {
	var out []Transition
	next := o

	switch state {
	case StateRunning:
		resumed := o.PrevState == StatePause && o.WasRunning && file == o.PrevRunningFile
		if file != "" && !resumed && (o.PrevState != StateRunning || file != o.PrevRunningFile) {
			out = append(out, Transition{Kind: TransitionStarted, File: file})
			next.WasRunning = true
			next.CompletionSignalled = false
		}
		if file != "" {
			next.PrevRunningFile = file
		}
	case StateFinish, StateFailed:
		if !o.CompletionSignalled && (o.PrevState == StateRunning || o.WasRunning) {
			outcome := OutcomeCompleted
			if state == StateFailed {
				outcome = OutcomeFailed
			}
			out = append(out, Transition{Kind: TransitionCompleted, File: file, Outcome: outcome})
			next.CompletionSignalled = true
			next.WasRunning = false
		}
	case StateIdle:
		if o.PrevState == StateRunning && !o.CompletionSignalled {
			out = append(out, Transition{Kind: TransitionCompleted, File: file, Outcome: OutcomeAborted})
			next.CompletionSignalled = true
			next.WasRunning = false
		}
	}

	next.PrevState = state
	return next, out
}
