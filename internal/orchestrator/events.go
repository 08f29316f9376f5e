package orchestrator

import "github.com/sokinpui/patchloop/model"

// State is a step of the loop.
type State string

const (
	StatePlanning  State = "planning"
	StatePatching  State = "patching"
	StateStatic    State = "static"
	StateTests     State = "tests"
	StateRuntime   State = "runtime"
	StatePersisted State = "persisted"
	StateExhausted State = "exhausted"
)

func gateState(g model.GateName) State {
	switch g {
	case model.GateStatic:
		return StateStatic
	case model.GateTests:
		return StateTests
	default:
		return StateRuntime
	}
}

// Event is published when the loop enters or finishes a state.
type Event struct {
	Iteration int
	State     State
	// Done marks the end of State; Passed tells how it ended.
	Done   bool
	Passed bool
	// Stage is set for test gate sub-attempts.
	Stage  model.TestStage
	Detail string
	// Result is set on the final event only.
	Result *model.RunResult
}

// Observer receives events synchronously from the loop.
type Observer func(Event)
