// Package ptappdata handles the application payload flooded down a finished tree.
//
// [Window] decides which data sequence numbers a node accepts
// and remembers the gaps it has seen.
// [AppendPayload] and [DecodePayload] frame payloads behind a [ptwire.DataHeader],
// compressing them with snappy when that saves space.
// [Sharder] and [Reassembler] split one large object into
// Reed-Solomon shards that travel as ordinary data packets.
package ptappdata
