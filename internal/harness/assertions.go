package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/scenesync/internal/crdt"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []FrameTrace // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, ft := range e.Trace {
		fmt.Fprintf(&buf, "  [%d]", ft.Frame)
		for _, ev := range ft.Events {
			fmt.Fprintf(&buf, " %s:%s", ev.Scene, ev.Kind)
		}
		for _, st := range ft.Scenes {
			fmt.Fprintf(&buf, " %s=%s", st.Scene, st.Status)
		}
		buf.WriteString("\n")
	}

	return buf.String()
}

// EvaluateAssertions checks every assertion against the finished run and
// returns the failure messages.
func EvaluateAssertions(ctx context.Context, h *Harness, result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertStatus:
			err = assertStatus(result, a)
		case AssertEvent:
			err = assertEvent(h, result, a)
		case AssertComponent:
			err = assertComponent(h, result, a)
		case AssertSuspended:
			err = assertSuspended(result, a)
		case AssertConverges:
			err = assertConverges(ctx, h, result, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return errs
}

// assertStatus checks the scene's status after the last frame.
func assertStatus(result *Result, a Assertion) error {
	actual := StatusAbsent
	if st, ok := result.Final(a.Scene); ok {
		actual = st.Status
	}
	if actual == a.Expect {
		return nil
	}
	return &AssertionError{
		Type:     AssertStatus,
		Expected: fmt.Sprintf("scene %s %s", a.Scene, a.Expect),
		Actual:   actual,
		Trace:    result.Trace,
	}
}

// assertEvent checks that the scene reported the event, on the given frame
// when one is set.
func assertEvent(h *Harness, result *Result, a Assertion) error {
	var frames []uint64
	for _, ev := range h.events {
		if h.ids[ev.Scene] != a.Scene || ev.Kind != a.Kind {
			continue
		}
		if a.Frame == 0 || ev.Frame == uint64(a.Frame) {
			return nil
		}
		frames = append(frames, ev.Frame)
	}

	expected := fmt.Sprintf("%s event for scene %s", a.Kind, a.Scene)
	actual := "not reported"
	if a.Frame != 0 {
		expected += fmt.Sprintf(" on frame %d", a.Frame)
		if len(frames) > 0 {
			actual = fmt.Sprintf("reported on frames %v", frames)
		}
	}
	return &AssertionError{
		Type:     AssertEvent,
		Expected: expected,
		Actual:   actual,
		Trace:    result.Trace,
	}
}

// assertComponent checks a cell of the scene's final CRDT state.
func assertComponent(h *Harness, result *Result, a Assertion) error {
	s, ok := h.sceneFor(a.Scene)
	if !ok {
		return &AssertionError{
			Type:     AssertComponent,
			Expected: fmt.Sprintf("scene %s loaded", a.Scene),
			Actual:   "not loaded",
			Trace:    result.Trace,
		}
	}

	data, present := s.State().Get(crdt.EntityID(a.Entity), crdt.ComponentID(a.Component))
	cell := fmt.Sprintf("entity %d component %d", a.Entity, a.Component)
	switch {
	case a.Absent && !present:
		return nil
	case a.Absent:
		return &AssertionError{
			Type:     AssertComponent,
			Expected: cell + " absent",
			Actual:   fmt.Sprintf("%q", data),
			Trace:    result.Trace,
		}
	case !present:
		return &AssertionError{
			Type:     AssertComponent,
			Expected: fmt.Sprintf("%s = %q", cell, a.Text),
			Actual:   "absent",
			Trace:    result.Trace,
		}
	case string(data) != a.Text:
		return &AssertionError{
			Type:     AssertComponent,
			Expected: fmt.Sprintf("%s = %q", cell, a.Text),
			Actual:   fmt.Sprintf("%q", data),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertSuspended checks the exact set of scenes containment stopped.
func assertSuspended(result *Result, a Assertion) error {
	expected := slices.Clone(a.Scenes)
	slices.Sort(expected)
	if slices.Equal(expected, result.Suspended) {
		return nil
	}
	return &AssertionError{
		Type:     AssertSuspended,
		Expected: fmt.Sprintf("%v", expected),
		Actual:   fmt.Sprintf("%v", result.Suspended),
		Trace:    result.Trace,
	}
}

// assertConverges replays the scene's recorded batch log and compares the
// rebuilt state against the live one.
func assertConverges(ctx context.Context, h *Harness, result *Result, a Assertion) error {
	s, ok := h.sceneFor(a.Scene)
	if !ok {
		return &AssertionError{
			Type:     AssertConverges,
			Expected: fmt.Sprintf("scene %s loaded", a.Scene),
			Actual:   "not loaded",
			Trace:    result.Trace,
		}
	}

	live, err := crdt.Digest(s.State())
	if err != nil {
		return fmt.Errorf("digest live state: %w", err)
	}
	replayed, _, err := h.store.ReplayState(ctx, s.ID(), nil)
	if err != nil {
		return fmt.Errorf("replay %s: %w", a.Scene, err)
	}
	got, err := crdt.Digest(replayed)
	if err != nil {
		return fmt.Errorf("digest replayed state: %w", err)
	}
	if got == live {
		return nil
	}
	return &AssertionError{
		Type:     AssertConverges,
		Expected: "replayed digest " + live,
		Actual:   got,
		Trace:    result.Trace,
	}
}
