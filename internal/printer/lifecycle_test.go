package printer

import "testing"

type step struct {
	state PrintState
	file  string
}

func run(steps []step) []Transition {
	var o Observer
	var all []Transition
	for _, s := range steps {
		var out []Transition
		o, out = Observe(o, s.state, s.file)
		all = append(all, out...)
	}
	return all
}

func TestObserveIdleRunningFinish(t *testing.T) {
	got := run([]step{
		{StateIdle, ""},
		{StateRunning, "benchy.gcode"},
		{StateRunning, "benchy.gcode"},
		{StateRunning, "benchy.gcode"},
		{StateFinish, "benchy.gcode"},
		{StateFinish, "benchy.gcode"},
		{StateIdle, "benchy.gcode"},
	})
	if len(got) != 2 {
		t.Fatalf("transitions = %d, want 2: %+v", len(got), got)
	}
	if got[0].Kind != TransitionStarted || got[0].File != "benchy.gcode" {
		t.Errorf("first = %+v, want start of benchy.gcode", got[0])
	}
	if got[1].Kind != TransitionCompleted || got[1].Outcome != OutcomeCompleted {
		t.Errorf("second = %+v, want completed", got[1])
	}
}

func TestObserveFailed(t *testing.T) {
	got := run([]step{
		{StateRunning, "a.3mf"},
		{StateFailed, "a.3mf"},
	})
	if len(got) != 2 || got[1].Outcome != OutcomeFailed {
		t.Fatalf("got %+v, want start then failed", got)
	}
}

func TestObserveIdleWithoutRunningIsNotCompletion(t *testing.T) {
	tests := []struct {
		name  string
		steps []step
	}{
		{"idle only", []step{{StateIdle, "x.3mf"}}},
		{"finish then idle", []step{{StateFinish, "x.3mf"}, {StateIdle, "x.3mf"}}},
		{"unknown then idle", []step{{StateUnknown, ""}, {StateIdle, "x.3mf"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, tr := range run(tt.steps) {
				if tr.Kind == TransitionCompleted {
					t.Errorf("unexpected completion %+v", tr)
				}
			}
		})
	}
}

func TestObserveRunningToIdleIsAborted(t *testing.T) {
	got := run([]step{
		{StateRunning, "a.3mf"},
		{StateIdle, "a.3mf"},
		{StateIdle, "a.3mf"},
	})
	if len(got) != 2 {
		t.Fatalf("transitions = %d, want 2", len(got))
	}
	if got[1].Outcome != OutcomeAborted {
		t.Errorf("outcome = %q, want %q", got[1].Outcome, OutcomeAborted)
	}
}

func TestObserveNewFileWhileRunning(t *testing.T) {
	got := run([]step{
		{StateRunning, "first.3mf"},
		{StateRunning, "second.3mf"},
	})
	if len(got) != 2 {
		t.Fatalf("transitions = %d, want 2", len(got))
	}
	for i, want := range []string{"first.3mf", "second.3mf"} {
		if got[i].Kind != TransitionStarted || got[i].File != want {
			t.Errorf("transition %d = %+v, want start of %s", i, got[i], want)
		}
	}
}

func TestObserveRunningWithoutFileWaitsForName(t *testing.T) {
	got := run([]step{
		{StateRunning, ""},
		{StateRunning, "late.3mf"},
	})
	if len(got) != 1 || got[0].File != "late.3mf" {
		t.Fatalf("got %+v, want single start for late.3mf", got)
	}
}

func TestObserveResumeIsNotStart(t *testing.T) {
	got := run([]step{
		{StateIdle, ""},
		{StateRunning, "a.3mf"},
		{StatePause, "a.3mf"},
		{StateRunning, "a.3mf"},
	})
	if len(got) != 1 || got[0].Kind != TransitionStarted {
		t.Fatalf("got %+v, want a single start", got)
	}

	// A different file after a pause is a new print.
	got = run([]step{
		{StateRunning, "a.3mf"},
		{StatePause, "a.3mf"},
		{StateRunning, "b.3mf"},
	})
	if len(got) != 2 || got[1].File != "b.3mf" {
		t.Fatalf("got %+v, want starts for a.3mf and b.3mf", got)
	}
}

func TestObserveCompletionAfterPause(t *testing.T) {
	got := run([]step{
		{StateRunning, "a.3mf"},
		{StatePause, "a.3mf"},
		{StateRunning, "a.3mf"},
		{StatePause, "a.3mf"},
		{StateFinish, "a.3mf"},
	})
	var starts, completions int
	for _, tr := range got {
		switch tr.Kind {
		case TransitionStarted:
			starts++
		case TransitionCompleted:
			completions++
		}
	}
	if starts != 1 || completions != 1 {
		t.Errorf("starts=%d completions=%d, want 1 and 1", starts, completions)
	}
}

func TestObserveSecondPrintResetsFlags(t *testing.T) {
	got := run([]step{
		{StateRunning, "a.3mf"},
		{StateFinish, "a.3mf"},
		{StateIdle, ""},
		{StateRunning, "b.3mf"},
		{StateFinish, "b.3mf"},
	})
	if len(got) != 4 {
		t.Fatalf("transitions = %d, want 4: %+v", len(got), got)
	}
	if got[3].Kind != TransitionCompleted || got[3].File != "b.3mf" {
		t.Errorf("last = %+v, want completion of b.3mf", got[3])
	}
}

func TestParsePrintState(t *testing.T) {
	tests := []struct {
		in   string
		want PrintState
	}{
		{"IDLE", StateIdle},
		{"RUNNING", StateRunning},
		{"PREPARE", StateRunning},
		{"PAUSE", StatePause},
		{"FINISH", StateFinish},
		{"FAILED", StateFailed},
		{"running", StateRunning},
		{"SLICING", StateUnknown},
		{"", StateUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParsePrintState(tt.in); got != tt.want {
				t.Errorf("ParsePrintState(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
