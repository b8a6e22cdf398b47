// Package pool provides the buffer pools shared by every running scene.
//
// There are two scopes:
//
//   - InstancePool: owned by exactly one scene and only touched from that
//     scene's goroutine. No locking.
//   - SharedPool: rented from and returned to by many scene goroutines
//     concurrently. Each pool instance has its own mutex, so the message,
//     byte and event pools never contend with each other.
//
// Rent(minSize) hands out a slice with length 0 and capacity >= minSize.
// Capacity is rounded up to a power of two and may be larger than asked
// for; callers track the logical length themselves.
//
// A slice must not be touched after it has been returned. PooledBuffer wraps
// a rented byte slice with a release guard that reports double frees (and
// panics when debug checks are on).
package pool
