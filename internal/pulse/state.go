package pulse

import (
	"context"

	"github.com/looplab/fsm"
)

// State is a device's position in the health lifecycle.
type State string

const (
	StateHealthy           State = "HEALTHY"
	StateSuspect           State = "SUSPECT"
	StateDown              State = "DOWN"
	StateRemediating       State = "REMEDIATING"
	StateRemediationFailed State = "REMEDIATION_FAILED"
	StateRecovered         State = "RECOVERED"
)

// Lifecycle events.
const (
	EventFail                 = "fail"
	EventClear                = "clear"
	EventConfirmDown          = "confirm_down"
	EventRemediate            = "remediate"
	EventRemediationSucceeded = "remediation_succeeded"
	EventRemediationFailed    = "remediation_failed"
	EventGiveUp               = "give_up"
	EventConfirmUp            = "confirm_up"
	EventSettle               = "settle"
)

// Up reports whether a device in this state is answering probes well
// enough to be considered reachable.
func (s State) Up() bool {
	switch s {
	case StateHealthy, StateSuspect, StateRecovered:
		return true
	default:
		return false
	}
}

// Ordinal is the numeric value exported on the device_state gauge.
func (s State) Ordinal() float64 {
	switch s {
	case StateHealthy:
		return 0
	case StateSuspect:
		return 1
	case StateDown:
		return 2
	case StateRemediating:
		return 3
	case StateRemediationFailed:
		return 4
	case StateRecovered:
		return 5
	default:
		return -1
	}
}

// AllStates lists every lifecycle state in ordinal order.
func AllStates() []State {
	return []State{StateHealthy, StateSuspect, StateDown, StateRemediating, StateRemediationFailed, StateRecovered}
}

var lifecycleEvents = fsm.Events{
	{Name: EventFail, Src: []string{string(StateHealthy)}, Dst: string(StateSuspect)},
	{Name: EventClear, Src: []string{string(StateSuspect)}, Dst: string(StateHealthy)},
	{Name: EventConfirmDown, Src: []string{string(StateSuspect), string(StateRecovered), string(StateRemediationFailed)}, Dst: string(StateDown)},
	{Name: EventRemediate, Src: []string{string(StateDown)}, Dst: string(StateRemediating)},
	{Name: EventRemediationSucceeded, Src: []string{string(StateRemediating)}, Dst: string(StateRecovered)},
	{Name: EventRemediationFailed, Src: []string{string(StateRemediating)}, Dst: string(StateRemediationFailed)},
	{Name: EventGiveUp, Src: []string{string(StateDown)}, Dst: string(StateRemediationFailed)},
	{Name: EventConfirmUp, Src: []string{string(StateDown), string(StateRemediationFailed)}, Dst: string(StateRecovered)},
	{Name: EventSettle, Src: []string{string(StateRecovered)}, Dst: string(StateHealthy)},
}

// newLifecycle builds the per-device state machine. Entry callbacks must not
// call back into the machine.
func newLifecycle(initial State, callbacks fsm.Callbacks) *fsm.FSM {
	return fsm.NewFSM(string(initial), lifecycleEvents, callbacks)
}

// fire runs event on m and returns the resulting state.
func fire(ctx context.Context, m *fsm.FSM, event string) (State, error) {
	if err := m.Event(ctx, event); err != nil {
		return State(m.Current()), err
	}
	return State(m.Current()), nil
}
