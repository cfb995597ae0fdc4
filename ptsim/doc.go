// Package ptsim runs powertree engines against a simulated radio medium.
//
// A [Medium] delivers frames between stations according to a path loss model,
// on a [ptclock.Manual] clock so that whole scenarios run deterministically
// and without sleeping.
// [Network] wires one engine per station and is the fixture
// for multi-node tests and for the simulate command.
// [Watchdog] is a diagnostic oracle that detects parent-link cycles;
// engines never consult it.
package ptsim
