package fsm

import (
	"errors"
	"fmt"
)

// State is a provisioning state. Stable states are reachable only through an
// explicit external event; transient states mean a conductor or an external
// agent is actively progressing the node.
type State string

// Event drives a transition. User-facing verbs (manage, deploy, ...) arrive
// through the dispatcher; done/wait/resume/fail are internal edges produced
// by hardware interface outcomes, callbacks and the sweeper.
type Event string

const (
	Enroll     State = "enroll"
	Verifying  State = "verifying"
	Manageable State = "manageable"

	Inspecting    State = "inspecting"
	InspectWait   State = "inspect wait"
	InspectFailed State = "inspect failed"

	Cleaning    State = "cleaning"
	CleanWait   State = "clean wait"
	CleanFailed State = "clean failed"

	Available    State = "available"
	Deploying    State = "deploying"
	WaitCallBack State = "wait call-back"
	DeployFailed State = "deploy failed"
	Active       State = "active"

	Deleting State = "deleting"
	Error    State = "error"

	Rescuing       State = "rescuing"
	RescueWait     State = "rescue wait"
	RescueFailed   State = "rescue failed"
	Rescue         State = "rescue"
	Unrescuing     State = "unrescuing"
	UnrescueFailed State = "unrescue failed"

	Adopting    State = "adopting"
	AdoptFailed State = "adopt failed"
)

const (
	EventManage   Event = "manage"
	EventProvide  Event = "provide"
	EventInspect  Event = "inspect"
	EventClean    Event = "clean"
	EventDeploy   Event = "deploy"
	EventDelete   Event = "delete"
	EventRescue   Event = "rescue"
	EventUnrescue Event = "unrescue"
	EventAdopt    Event = "adopt"

	EventDone   Event = "done"
	EventWait   Event = "wait"
	EventResume Event = "resume"
	EventFail   Event = "fail"
	EventAbort  Event = "abort"
)

// ErrInvalidTransition is returned when no rule matches a (state, event)
// pair. The caller must not mutate the node in that case.
var ErrInvalidTransition = errors.New("invalid provision state transition")

// Outcome is the result of a legal transition.
type Outcome struct {
	Next   State
	Stable bool
}

// transitions is the full provisioning table. Every transient state has
// exactly one success edge and exactly one failure edge; wait states add
// resume and (where permitted) abort edges. Multi-step operations are chained
// single-step transitions: deleting finishes into cleaning, cleaning finishes
// into available (or back to manageable for a manual clean).
var transitions = map[State]map[Event]State{
	Enroll: {
		EventManage: Verifying,
	},
	Verifying: {
		EventDone: Manageable,
		EventFail: Enroll,
	},
	Manageable: {
		EventInspect: Inspecting,
		EventClean:   Cleaning,
		EventProvide: Cleaning,
		EventAdopt:   Adopting,
	},
	Inspecting: {
		EventDone: Manageable,
		EventWait: InspectWait,
		EventFail: InspectFailed,
	},
	InspectWait: {
		EventResume: Inspecting,
		EventDone:   Manageable,
		EventFail:   InspectFailed,
		EventAbort:  InspectFailed,
	},
	InspectFailed: {
		EventInspect: Inspecting,
		EventManage:  Manageable,
	},
	Cleaning: {
		EventDone:   Available,
		EventManage: Manageable,
		EventWait:   CleanWait,
		EventFail:   CleanFailed,
	},
	CleanWait: {
		EventResume: Cleaning,
		EventFail:   CleanFailed,
		EventAbort:  CleanFailed,
	},
	CleanFailed: {
		EventManage: Manageable,
	},
	Available: {
		EventDeploy: Deploying,
		EventManage: Manageable,
	},
	Deploying: {
		EventDone: Active,
		EventWait: WaitCallBack,
		EventFail: DeployFailed,
	},
	WaitCallBack: {
		EventResume: Deploying,
		EventFail:   DeployFailed,
		EventAbort:  DeployFailed,
	},
	DeployFailed: {
		EventDeploy: Deploying,
		EventDelete: Deleting,
	},
	Active: {
		EventDelete: Deleting,
		EventRescue: Rescuing,
	},
	Deleting: {
		EventDone: Cleaning,
		EventFail: Error,
	},
	Error: {
		EventDelete: Deleting,
		EventDeploy: Deploying,
	},
	Rescuing: {
		EventDone: Rescue,
		EventWait: RescueWait,
		EventFail: RescueFailed,
	},
	RescueWait: {
		EventResume: Rescuing,
		EventFail:   RescueFailed,
		EventAbort:  RescueFailed,
	},
	RescueFailed: {
		EventRescue:   Rescuing,
		EventUnrescue: Unrescuing,
		EventDelete:   Deleting,
	},
	Rescue: {
		EventUnrescue: Unrescuing,
		EventDelete:   Deleting,
	},
	Unrescuing: {
		EventDone: Active,
		EventFail: UnrescueFailed,
	},
	UnrescueFailed: {
		EventUnrescue: Unrescuing,
		EventRescue:   Rescuing,
		EventDelete:   Deleting,
	},
	Adopting: {
		EventDone: Active,
		EventFail: AdoptFailed,
	},
	AdoptFailed: {
		EventAdopt:  Adopting,
		EventDelete: Deleting,
	},
}

var stableStates = map[State]bool{
	Enroll:         true,
	Manageable:     true,
	Available:      true,
	Active:         true,
	Error:          true,
	Rescue:         true,
	InspectFailed:  true,
	CleanFailed:    true,
	DeployFailed:   true,
	RescueFailed:   true,
	UnrescueFailed: true,
	AdoptFailed:    true,
}

var waitStates = map[State]bool{
	InspectWait:  true,
	CleanWait:    true,
	WaitCallBack: true,
	RescueWait:   true,
}

// Transition computes the successor of state under event. It is a pure
// lookup; side effects belong to the dispatcher.
func Transition(state State, event Event) (Outcome, error) {
	edges, ok := transitions[state]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, state)
	}
	next, ok := edges[event]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %q from %q", ErrInvalidTransition, event, state)
	}
	return Outcome{Next: next, Stable: IsStable(next)}, nil
}

// IsStable reports whether s is a stable state.
func IsStable(s State) bool { return stableStates[s] }

// IsTransient reports whether s is a defined transient state.
func IsTransient(s State) bool {
	_, known := transitions[s]
	return known && !stableStates[s]
}

// IsWait reports whether s is a transient state awaiting an external agent
// callback. Wait states survive conductor restarts: resumption is driven by
// the callback handler or the sweeper, never by a live call stack.
func IsWait(s State) bool { return waitStates[s] }

// FailureTarget returns the failure edge of a transient state.
func FailureTarget(s State) (State, bool) {
	edges, ok := transitions[s]
	if !ok {
		return "", false
	}
	next, ok := edges[EventFail]
	return next, ok
}

// AbortAllowed reports whether the user-initiated abort event is legal from
// s. Abort is accepted only from wait states.
func AbortAllowed(s State) bool {
	if !IsWait(s) {
		return false
	}
	_, ok := transitions[s][EventAbort]
	return ok
}
