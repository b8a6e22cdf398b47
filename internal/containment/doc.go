// Package containment isolates misbehaving scenes.
//
// Each scene gets its own Breaker. Faults are counted per category (engine,
// script, ECS system) inside a rolling time window. Up to the category's
// threshold every fault returns Continue: third-party scripts produce
// transient errors and a healthy scene must keep running through them. The
// (threshold+1)-th fault within the window:
//
//  1. aggregates every fault in the window into one FaultReport,
//  2. logs it once,
//  3. moves the scene to the category's terminal state,
//  4. returns Suspend, telling the caller to stop scheduling the scene.
//
// Terminal states are sticky until the scene is torn down. Breakers share no
// state with each other, so one scene's failure never changes another
// scene's status.
//
// Thread-safety: a Breaker has its own mutex and may be used from the scene's
// goroutine and the main loop. Registry is safe for concurrent use.
package containment
