// Package partition assigns distance and visibility buckets to scenes and
// entities. Buckets order asset loads and throttle per-frame work: bucket 0
// is closest to the camera, higher indices are farther away.
//
// Classification is incremental. An entry is recomputed only when it has
// been marked dirty or the camera moved beyond CameraEpsilon since the last
// full pass.
package partition

import (
	"fmt"
	"slices"

	"github.com/roach88/scenesync/internal/geom"
)

// Camera is the viewer pose.
type Camera struct {
	Position geom.Vec3
	Forward  geom.Vec3
}

// Bucket is an entry's classification.
type Bucket struct {
	Index        uint8
	BehindCamera bool
	// Dirty marks an entry awaiting recomputation.
	Dirty bool
}

// Settings configures classification and throttling.
type Settings struct {
	// SqrThresholds are ascending squared distances. The first threshold the
	// squared distance is below gives the bucket; beyond all of them the
	// bucket is len(SqrThresholds).
	SqrThresholds []float64
	// FastPathSqrDistance is the squared distance beyond which entries
	// inherit the fallback bucket instead of being classified. Zero
	// disables the fast path.
	FastPathSqrDistance float64
	// CameraEpsilon is the pose change that triggers a full recompute.
	CameraEpsilon float64
	// Throttle[i] is the frame interval at which bucket i is updated.
	// Buckets past the end use the last entry. Empty means every frame.
	Throttle []int
}

// DefaultSettings returns thresholds of 16, 32, 64 and 128 world units.
func DefaultSettings() Settings {
	return Settings{
		SqrThresholds:       []float64{16 * 16, 32 * 32, 64 * 64, 128 * 128},
		FastPathSqrDistance: 256 * 256,
		CameraEpsilon:       0.1,
		Throttle:            []int{1, 1, 2, 4, 8},
	}
}

// Validate checks threshold ordering and limits.
func (s Settings) Validate() error {
	if len(s.SqrThresholds) > 254 {
		return fmt.Errorf("partition: %d thresholds exceed bucket range", len(s.SqrThresholds))
	}
	for i, t := range s.SqrThresholds {
		if t <= 0 {
			return fmt.Errorf("partition: threshold %d must be positive", i)
		}
		if i > 0 && t <= s.SqrThresholds[i-1] {
			return fmt.Errorf("partition: thresholds must be strictly ascending at %d", i)
		}
	}
	if s.FastPathSqrDistance < 0 {
		return fmt.Errorf("partition: fast path distance must not be negative")
	}
	if s.CameraEpsilon < 0 {
		return fmt.Errorf("partition: camera epsilon must not be negative")
	}
	for i, n := range s.Throttle {
		if n < 1 {
			return fmt.Errorf("partition: throttle %d must be at least 1", i)
		}
	}
	return nil
}

// Classify computes the bucket of an entry at pos. Entries beyond the fast
// path ceiling report fallback unchanged apart from Dirty.
func Classify(s Settings, cam Camera, pos geom.Vec3, fallback Bucket) Bucket {
	toEntry := pos.Sub(cam.Position)
	sqr := toEntry.SqrLen()
	if s.FastPathSqrDistance > 0 && sqr > s.FastPathSqrDistance {
		return Bucket{Index: fallback.Index, BehindCamera: fallback.BehindCamera}
	}

	index := len(s.SqrThresholds)
	for i, t := range s.SqrThresholds {
		if sqr < t {
			index = i
			break
		}
	}
	return Bucket{
		Index:        uint8(index),
		BehindCamera: cam.Forward.Dot(toEntry) < 0,
	}
}

// ShouldUpdate reports whether an entry in bucket b runs on frame.
func (s Settings) ShouldUpdate(b Bucket, frame uint64) bool {
	if len(s.Throttle) == 0 {
		return true
	}
	i := min(int(b.Index), len(s.Throttle)-1)
	n := uint64(s.Throttle[i])
	return n <= 1 || frame%n == 0
}

type entry struct {
	position geom.Vec3
	bucket   Bucket
}

// Scheduler tracks the buckets of a set of keyed entries.
//
// Not safe for concurrent use.
type Scheduler[K comparable] struct {
	settings Settings
	entries  map[K]*entry
	camera   Camera
	moved    bool
	hasCam   bool
}

// NewScheduler creates an empty scheduler.
func NewScheduler[K comparable](s Settings) *Scheduler[K] {
	return &Scheduler[K]{settings: s, entries: make(map[K]*entry)}
}

// Settings returns the scheduler's configuration.
func (s *Scheduler[K]) Settings() Settings {
	return s.settings
}

// Track starts tracking key at pos. A tracked key is updated in place.
func (s *Scheduler[K]) Track(key K, pos geom.Vec3) {
	s.MarkDirty(key, pos)
}

// MarkDirty records a new position for key and schedules recomputation.
func (s *Scheduler[K]) MarkDirty(key K, pos geom.Vec3) {
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	e.position = pos
	e.bucket.Dirty = true
}

// Untrack forgets key.
func (s *Scheduler[K]) Untrack(key K) {
	delete(s.entries, key)
}

// Len returns the number of tracked keys.
func (s *Scheduler[K]) Len() int {
	return len(s.entries)
}

// SetCamera records the camera pose. It returns true when the pose moved
// beyond CameraEpsilon, which makes the next Update recompute every entry.
func (s *Scheduler[K]) SetCamera(cam Camera) bool {
	eps := s.settings.CameraEpsilon * s.settings.CameraEpsilon
	if s.hasCam &&
		cam.Position.SqrDist(s.camera.Position) <= eps &&
		cam.Forward.SqrDist(s.camera.Forward) <= eps {
		return false
	}
	s.camera = cam
	s.hasCam = true
	s.moved = true
	return true
}

// Camera returns the last accepted camera pose.
func (s *Scheduler[K]) Camera() Camera {
	return s.camera
}

// Update recomputes dirty entries, or every entry after a camera move.
// fallback is the bucket inherited by fast-path entries. It returns the
// number of recomputed entries.
func (s *Scheduler[K]) Update(fallback Bucket) int {
	n := 0
	for _, e := range s.entries {
		if !s.moved && !e.bucket.Dirty {
			continue
		}
		e.bucket = Classify(s.settings, s.camera, e.position, fallback)
		n++
	}
	s.moved = false
	return n
}

// Bucket returns key's classification.
func (s *Scheduler[K]) Bucket(key K) (Bucket, bool) {
	e, ok := s.entries[key]
	if !ok {
		return Bucket{}, false
	}
	return e.bucket, true
}

// Ordered returns keys sorted by priority: lower bucket first, and within a
// bucket entries in front of the camera before those behind it. Untracked
// keys sort last. Ties keep their input order.
func (s *Scheduler[K]) Ordered(keys []K) []K {
	out := slices.Clone(keys)
	rank := func(k K) (int, int) {
		e, ok := s.entries[k]
		if !ok {
			return 1 << 16, 0
		}
		behind := 0
		if e.bucket.BehindCamera {
			behind = 1
		}
		return int(e.bucket.Index), behind
	}
	slices.SortStableFunc(out, func(a, b K) int {
		ai, ab := rank(a)
		bi, bb := rank(b)
		if ai != bi {
			return ai - bi
		}
		return ab - bb
	})
	return out
}

// ShouldUpdate reports whether key runs on frame given its bucket.
// Untracked keys always run.
func (s *Scheduler[K]) ShouldUpdate(key K, frame uint64) bool {
	e, ok := s.entries[key]
	if !ok {
		return true
	}
	return s.settings.ShouldUpdate(e.bucket, frame)
}
