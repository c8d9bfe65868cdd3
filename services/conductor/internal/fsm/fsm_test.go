package fsm

import (
	"errors"
	"testing"
)

func TestTransitionHappyPaths(t *testing.T) {
	tests := []struct {
		name   string
		state  State
		event  Event
		next   State
		stable bool
	}{
		{"enroll to verifying", Enroll, EventManage, Verifying, false},
		{"verifying succeeds", Verifying, EventDone, Manageable, true},
		{"verifying fails back to enroll", Verifying, EventFail, Enroll, true},
		{"provide enters cleaning", Manageable, EventProvide, Cleaning, false},
		{"cleaning completes to available", Cleaning, EventDone, Available, true},
		{"manual clean returns to manageable", Cleaning, EventManage, Manageable, true},
		{"deploy", Available, EventDeploy, Deploying, false},
		{"deploy suspends", Deploying, EventWait, WaitCallBack, false},
		{"callback resumes deploy", WaitCallBack, EventResume, Deploying, false},
		{"deploy completes", Deploying, EventDone, Active, true},
		{"undeploy chains through cleaning", Deleting, EventDone, Cleaning, false},
		{"teardown failure lands in error", Deleting, EventFail, Error, true},
		{"rebuild from error", Error, EventDeploy, Deploying, false},
		{"rescue wait aborts to rescue failed", RescueWait, EventAbort, RescueFailed, true},
		{"adopt completes", Adopting, EventDone, Active, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Transition(tt.state, tt.event)
			if err != nil {
				t.Fatalf("Transition(%q, %q) error: %v", tt.state, tt.event, err)
			}
			if out.Next != tt.next || out.Stable != tt.stable {
				t.Fatalf("Transition(%q, %q) = %+v, want next=%q stable=%v", tt.state, tt.event, out, tt.next, tt.stable)
			}
		})
	}
}

func TestTransitionRejectsUnknownEdges(t *testing.T) {
	tests := []struct {
		state State
		event Event
	}{
		{Enroll, EventDeploy},
		{Active, EventDeploy},
		{Available, EventAbort},
		{Deploying, EventAbort}, // abort is only legal from wait states
		{Manageable, EventDone},
		{State("bogus"), EventManage},
	}

	for _, tt := range tests {
		if _, err := Transition(tt.state, tt.event); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Transition(%q, %q) = %v, want ErrInvalidTransition", tt.state, tt.event, err)
		}
	}
}

func TestEveryTransientStateHasFailureEdge(t *testing.T) {
	for state := range transitions {
		if IsStable(state) {
			continue
		}
		if _, ok := FailureTarget(state); !ok {
			t.Errorf("transient state %q has no failure edge", state)
		}
	}
}

func TestFailureEdgesLandInStableStates(t *testing.T) {
	for state := range transitions {
		target, ok := FailureTarget(state)
		if !ok {
			continue
		}
		if !IsStable(target) {
			t.Errorf("failure edge of %q lands in transient %q", state, target)
		}
	}
}

func TestAbortOnlyFromWaitStates(t *testing.T) {
	for state, edges := range transitions {
		_, hasAbort := edges[EventAbort]
		if hasAbort && !IsWait(state) {
			t.Errorf("abort edge defined on non-wait state %q", state)
		}
		if AbortAllowed(state) != hasAbort {
			t.Errorf("AbortAllowed(%q) = %v, table says %v", state, AbortAllowed(state), hasAbort)
		}
	}
}

func TestWaitStatesResume(t *testing.T) {
	for state := range waitStates {
		out, err := Transition(state, EventResume)
		if err != nil {
			t.Errorf("wait state %q has no resume edge: %v", state, err)
			continue
		}
		if out.Stable {
			t.Errorf("resume from %q lands in stable %q", state, out.Next)
		}
	}
}
