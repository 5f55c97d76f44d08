// Package record defines the value model shared by the sync pipeline.
//
// It has three layers:
//   - Value, a sealed set of JSON-compatible types without floats, with an
//     RFC 8785 canonical encoding used for everything that gets sealed into
//     the cache
//   - Node and SealedNode, the decrypted and encrypted forms of a tree node
//   - Delta and Kind, the parsed action packets pushed by the server
//
// All types are values. Nothing in this package is safe to mutate after it
// has been handed to the sequencer.
package record
