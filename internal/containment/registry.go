package containment

import (
	"sort"
	"sync"
)

// Registry owns one Breaker per live scene.
type Registry struct {
	mu       sync.Mutex
	settings Settings
	opts     []Option
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share settings and options.
func NewRegistry(settings Settings, opts ...Option) *Registry {
	return &Registry{
		settings: settings,
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

// Create returns a fresh breaker for scene, replacing any previous one.
func (r *Registry) Create(scene string) *Breaker {
	b := NewBreaker(scene, r.settings, r.opts...)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers[scene] = b
	return b
}

// Get returns the breaker for scene.
func (r *Registry) Get(scene string) (*Breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[scene]
	return b, ok
}

// Remove drops the breaker when the scene is torn down.
func (r *Registry) Remove(scene string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, scene)
}

// Len returns the number of tracked scenes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.breakers)
}

// States returns every scene's precise state keyed by scene id.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make(map[string]State, len(breakers))
	for _, b := range breakers {
		out[b.Scene()] = b.State()
	}
	return out
}

// Suspended returns the ids of scenes in a terminal state, sorted.
func (r *Registry) Suspended() []string {
	var ids []string
	for id, st := range r.States() {
		if st.Terminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
