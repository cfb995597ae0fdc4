// Package ptstate holds the per-game topology state of a single node:
// the neighbor arena, parent and contacted parent,
// the child list, the fallback parent stack, the blacklist,
// the per-sender freshness table, and the subtree lock bookkeeping.
//
// Nothing in this package sends frames or schedules timers.
// The protocol engine in ptproto owns a GameState per game
// and mutates it from a single goroutine.
package ptstate
