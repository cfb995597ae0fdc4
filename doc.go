// Package powertree builds low-power broadcast trees over a wireless link.
//
// Every node runs a [ptproto.Engine] per tree ("game").
// Starting at the initiator, nodes discover neighbors, choose the parent
// that adds the least transmit power to the tree,
// and keep improving that choice until the tree stops changing.
// Three interchangeable strategies keep parent changes from forming cycles;
// see [ptproto.Strategy].
//
// The engine is single-threaded.
// [Node] owns one engine on a goroutine and serializes everything
// that touches it: frames and delivery reports from the link,
// timer firings, and calls from other goroutines.
//
// The link itself is pluggable through [ptproto.Link].
// Package ptquic carries frames as QUIC datagrams,
// and package ptsim simulates a radio medium for tests and the CLI.
package powertree
