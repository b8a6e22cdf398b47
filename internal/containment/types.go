package containment

import (
	"fmt"
	"time"
)

// Category classifies a fault.
type Category uint8

const (
	// CategoryEngine covers failures of the sandbox host itself.
	CategoryEngine Category = iota
	// CategoryScript covers errors raised by scene script code.
	CategoryScript
	// CategoryECS covers errors and panics from ECS systems running on the
	// scene's entities.
	CategoryECS

	categoryCount
)

func (c Category) String() string {
	switch c {
	case CategoryEngine:
		return "engine"
	case CategoryScript:
		return "script"
	case CategoryECS:
		return "ecs"
	default:
		return fmt.Sprintf("category(%d)", uint8(c))
	}
}

// State is a scene's containment status.
type State uint8

const (
	StateRunning State = iota
	StateEngineError
	StateScriptError
	StateEcsError
	// StateSuspended is what orchestrators see for any terminal state.
	StateSuspended
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateEngineError:
		return "engine_error"
	case StateScriptError:
		return "script_error"
	case StateEcsError:
		return "ecs_error"
	case StateSuspended:
		return "suspended"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Terminal reports whether s is one of the sticky error states.
func (s State) Terminal() bool {
	return s == StateEngineError || s == StateScriptError || s == StateEcsError
}

func terminalFor(c Category) State {
	switch c {
	case CategoryScript:
		return StateScriptError
	case CategoryECS:
		return StateEcsError
	default:
		return StateEngineError
	}
}

// Action tells the caller what to do with the scene after a fault.
type Action uint8

const (
	Continue Action = iota
	Suspend
)

func (a Action) String() string {
	if a == Suspend {
		return "suspend"
	}
	return "continue"
}

// Default tolerances.
const (
	DefaultEngineThreshold = 3
	DefaultScriptThreshold = 30
	DefaultECSThreshold    = 3
	DefaultWindow          = time.Minute
)

// Settings configures a Breaker.
type Settings struct {
	EngineThreshold int
	ScriptThreshold int
	ECSThreshold    int
	Window          time.Duration
}

// DefaultSettings returns the default tolerances.
func DefaultSettings() Settings {
	return Settings{
		EngineThreshold: DefaultEngineThreshold,
		ScriptThreshold: DefaultScriptThreshold,
		ECSThreshold:    DefaultECSThreshold,
		Window:          DefaultWindow,
	}
}

// Threshold returns the tolerated faults per window for c.
func (s Settings) Threshold(c Category) int {
	switch c {
	case CategoryScript:
		return s.ScriptThreshold
	case CategoryECS:
		return s.ECSThreshold
	default:
		return s.EngineThreshold
	}
}
