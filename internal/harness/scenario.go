package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/scenesync/internal/config"
	"github.com/roach88/scenesync/internal/content"
	"github.com/roach88/scenesync/internal/geom"
)

// DefaultDelta is the frame time used when a scenario sets none.
const DefaultDelta = 33 * time.Millisecond

// Scenario defines a reproducible run of the main loop.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Frames is the number of main-loop steps to run.
	Frames int `yaml:"frames"`

	// Delta is the frame time. Default: DefaultDelta.
	Delta time.Duration `yaml:"delta,omitempty"`

	// Containment and Partition override the defaults of config.Default.
	Containment *config.ContainmentConfig `yaml:"containment,omitempty"`
	Partition   *config.PartitionConfig   `yaml:"partition,omitempty"`

	// CheckpointEvery writes state snapshots every N frames. Zero disables
	// them.
	CheckpointEvery int `yaml:"checkpoint_every,omitempty"`

	Scenes     []SceneSpec  `yaml:"scenes"`
	Camera     []CameraKey  `yaml:"camera,omitempty"`
	Unload     []UnloadStep `yaml:"unload,omitempty"`
	Assertions []Assertion  `yaml:"assertions"`
}

// SceneSpec is one scene served by the harness.
type SceneSpec struct {
	// Name is both the scene definition id and the name used in traces
	// and assertions.
	Name string       `yaml:"name"`
	Base content.Base `yaml:"base"`
	// Script is the scene's Lua source. Empty makes the load fail.
	Script   string     `yaml:"script,omitempty"`
	Snapshot []CellSpec `yaml:"snapshot,omitempty"`
}

// CellSpec is one cell of a scene's initial snapshot. Exactly one of Text
// and Transform gives the payload.
type CellSpec struct {
	Entity    uint32     `yaml:"entity"`
	Component uint32     `yaml:"component"`
	Timestamp uint32     `yaml:"timestamp"`
	Text      string     `yaml:"text,omitempty"`
	Transform *geom.Vec3 `yaml:"transform,omitempty"`
}

// CameraKey moves the camera before the given frame runs.
type CameraKey struct {
	Frame    int       `yaml:"frame"`
	Position geom.Vec3 `yaml:"position"`
	Forward  geom.Vec3 `yaml:"forward"`
}

// UnloadStep unloads a scene before the given frame runs.
type UnloadStep struct {
	Frame int    `yaml:"frame"`
	Scene string `yaml:"scene"`
}

// Assertion validates the final state of a run.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Scene names the scene (status, event, component, converges).
	Scene string `yaml:"scene,omitempty"`

	// Expect is the expected status (status).
	Expect string `yaml:"expect,omitempty"`

	// Kind and Frame select an event (event). Frame zero matches any frame.
	Kind  string `yaml:"kind,omitempty"`
	Frame int    `yaml:"frame,omitempty"`

	// Entity, Component and Text select a cell and its payload (component).
	// An empty Text with Absent set expects no cell.
	Entity    uint32 `yaml:"entity,omitempty"`
	Component uint32 `yaml:"component,omitempty"`
	Text      string `yaml:"text,omitempty"`
	Absent    bool   `yaml:"absent,omitempty"`

	// Scenes is the expected set of suspended scenes (suspended).
	Scenes []string `yaml:"scenes,omitempty"`
}

// Assertion type constants.
const (
	AssertStatus    = "status"
	AssertEvent     = "event"
	AssertComponent = "component"
	AssertSuspended = "suspended"
	AssertConverges = "converges"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Frames <= 0 {
		return fmt.Errorf("frames must be positive")
	}
	if s.Delta < 0 {
		return fmt.Errorf("delta must not be negative")
	}
	if len(s.Scenes) == 0 {
		return fmt.Errorf("scenes list is required and must be non-empty")
	}

	names := make(map[string]bool, len(s.Scenes))
	for i, sc := range s.Scenes {
		if sc.Name == "" {
			return fmt.Errorf("scenes[%d]: name is required", i)
		}
		if names[sc.Name] {
			return fmt.Errorf("scenes[%d]: duplicate scene %q", i, sc.Name)
		}
		names[sc.Name] = true
		for j, cell := range sc.Snapshot {
			if (cell.Text == "") == (cell.Transform == nil) {
				return fmt.Errorf("scenes[%d].snapshot[%d]: exactly one of text and transform is required", i, j)
			}
		}
	}

	for i, key := range s.Camera {
		if key.Frame < 1 || key.Frame > s.Frames {
			return fmt.Errorf("camera[%d]: frame %d outside 1..%d", i, key.Frame, s.Frames)
		}
	}
	for i, step := range s.Unload {
		if step.Frame < 1 || step.Frame > s.Frames {
			return fmt.Errorf("unload[%d]: frame %d outside 1..%d", i, step.Frame, s.Frames)
		}
		if !names[step.Scene] {
			return fmt.Errorf("unload[%d]: unknown scene %q", i, step.Scene)
		}
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i], names); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, scenes map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	needScene := func() error {
		if a.Scene == "" {
			return fmt.Errorf("assertions[%d]: scene is required for %s", index, a.Type)
		}
		if !scenes[a.Scene] {
			return fmt.Errorf("assertions[%d]: unknown scene %q", index, a.Scene)
		}
		return nil
	}

	switch a.Type {
	case AssertStatus:
		if a.Expect == "" {
			return fmt.Errorf("assertions[%d]: expect is required for status", index)
		}
		return needScene()
	case AssertEvent:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for event", index)
		}
		return needScene()
	case AssertComponent:
		if a.Entity == 0 || a.Component == 0 {
			return fmt.Errorf("assertions[%d]: entity and component are required for component", index)
		}
		return needScene()
	case AssertConverges:
		return needScene()
	case AssertSuspended:
		for _, name := range a.Scenes {
			if !scenes[name] {
				return fmt.Errorf("assertions[%d]: unknown scene %q", index, name)
			}
		}
		return nil
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
}
