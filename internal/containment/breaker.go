package containment

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/roach88/scenesync/internal/clock"
)

// ReportSink receives aggregated reports, e.g. a telemetry or persistence
// collaborator. It is called at most once per scene.
type ReportSink interface {
	ReportFault(report *FaultReport)
}

// ReportSinkFunc adapts a function to ReportSink.
type ReportSinkFunc func(*FaultReport)

// ReportFault calls f.
func (f ReportSinkFunc) ReportFault(r *FaultReport) { f(r) }

type fault struct {
	at  time.Time
	err error
}

// Breaker is the per-scene circuit breaker.
type Breaker struct {
	mu       sync.Mutex
	scene    string
	settings Settings
	clock    clock.Clock
	logger   *slog.Logger
	sink     ReportSink

	state   State
	windows [categoryCount][]fault
	total   [categoryCount]int
	report  *FaultReport
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock sets the time source. Default: clock.Real().
func WithClock(c clock.Clock) Option {
	return func(b *Breaker) { b.clock = c }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) { b.logger = l }
}

// WithSink sets the report sink.
func WithSink(s ReportSink) Option {
	return func(b *Breaker) { b.sink = s }
}

// NewBreaker creates a breaker for scene in the Running state.
func NewBreaker(scene string, settings Settings, opts ...Option) *Breaker {
	b := &Breaker{
		scene:    scene,
		settings: settings,
		clock:    clock.Real(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Scene returns the scene id this breaker guards.
func (b *Breaker) Scene() string {
	return b.scene
}

// Report records a fault and returns what the caller must do next.
func (b *Breaker) Report(c Category, err error) Action {
	if c >= categoryCount {
		c = CategoryEngine
	}

	b.mu.Lock()
	if b.state.Terminal() {
		b.mu.Unlock()
		return Suspend
	}

	now := b.clock.Now()
	window := evict(b.windows[c], now.Add(-b.settings.Window))
	window = append(window, fault{at: now, err: err})
	b.windows[c] = window
	b.total[c]++

	limit := b.settings.Threshold(c)
	if len(window) <= limit {
		b.mu.Unlock()
		b.logger.Debug("scene fault tolerated",
			"scene_id", b.scene,
			"category", c.String(),
			"in_window", len(window),
			"threshold", limit,
			"error", err,
		)
		return Continue
	}

	faults := make([]error, len(window))
	for i, f := range window {
		faults[i] = f.err
	}
	report := &FaultReport{Scene: b.scene, Category: c, Faults: faults, At: now}
	b.state = terminalFor(c)
	b.report = report
	b.windows = [categoryCount][]fault{}
	sink := b.sink
	b.mu.Unlock()

	b.logger.Error("scene suspended",
		"scene_id", b.scene,
		"category", c.String(),
		"faults", len(faults),
		"threshold", limit,
		"window", b.settings.Window,
		"error", report,
	)
	if sink != nil {
		sink.ReportFault(report)
	}
	return Suspend
}

// evict drops faults at or before cutoff. Faults are appended in time order,
// so the survivors are a suffix.
func evict(window []fault, cutoff time.Time) []fault {
	i := 0
	for i < len(window) && !window[i].at.After(cutoff) {
		i++
	}
	if i == 0 {
		return window
	}
	n := copy(window, window[i:])
	clear(window[n:])
	return window[:n]
}

// State returns the precise containment state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status returns the state as seen by the orchestrator: Running, or
// Suspended for any terminal state.
func (b *Breaker) Status() State {
	if b.State().Terminal() {
		return StateSuspended
	}
	return StateRunning
}

// LastReport returns the aggregated report once the breaker has tripped.
func (b *Breaker) LastReport() *FaultReport {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.report
}

// InWindow returns the number of faults of c currently inside the window.
func (b *Breaker) InWindow(c Category) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := b.clock.Now().Add(-b.settings.Window)
	n := 0
	for _, f := range b.windows[c] {
		if f.at.After(cutoff) {
			n++
		}
	}
	return n
}

// Total returns every fault of c ever reported, for diagnostics.
func (b *Breaker) Total(c Category) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total[c]
}

// Guard runs fn and reports its error, or the panic it raised, as a fault of
// category c. A tripped breaker always yields Suspend.
func (b *Breaker) Guard(c Category, fn func() error) (action Action) {
	defer func() {
		if r := recover(); r != nil {
			action = b.Report(c, &PanicError{Value: r, Stack: debug.Stack()})
		}
	}()
	if err := fn(); err != nil {
		return b.Report(c, err)
	}
	if b.State().Terminal() {
		return Suspend
	}
	return Continue
}
