//go:build poolsdebug

package pool

const debugChecks = true
