package harness

// StatusAbsent marks a scene that is not loaded in a frame: not yet
// admitted, failed to load, or unloaded.
const StatusAbsent = "absent"

// FrameTrace is what the harness observed after one main-loop step.
type FrameTrace struct {
	Frame  int          `json:"frame"`
	Events []EventTrace `json:"events,omitempty"`
	Scenes []SceneTrace `json:"scenes"`
}

// EventTrace is a lifecycle event reported by the step.
type EventTrace struct {
	Scene string `json:"scene"`
	Kind  string `json:"kind"`
}

// SceneTrace is one scene's state after a step, in scenario order.
type SceneTrace struct {
	Scene  string `json:"scene"`
	Status string `json:"status"`
	Bucket int    `json:"bucket"`
	Behind bool   `json:"behind,omitempty"`
	Cells  int    `json:"cells"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall success: every assertion held.
	Pass bool `json:"pass"`

	// Trace has one entry per frame.
	Trace []FrameTrace `json:"trace"`

	// Errors contains assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Suspended names the scenes containment stopped, sorted.
	Suspended []string `json:"suspended,omitempty"`

	// Digests maps scene names to the digest of their final state. Scenes
	// that are not loaded at the end have none.
	Digests map[string]string `json:"digests,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Trace:   []FrameTrace{},
		Errors:  []string{},
		Digests: make(map[string]string),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Final returns the last frame's trace of the named scene.
func (r *Result) Final(scene string) (SceneTrace, bool) {
	if len(r.Trace) == 0 {
		return SceneTrace{}, false
	}
	for _, st := range r.Trace[len(r.Trace)-1].Scenes {
		if st.Scene == scene {
			return st, true
		}
	}
	return SceneTrace{}, false
}
