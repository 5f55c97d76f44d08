// Package codec holds the cryptographic transforms used by the sync
// pipeline: deterministic encryption of cache index values, authenticated
// sealing of cache rows, and decryption of node records pushed by the server.
//
// Everything here is a pure function of its inputs and the keys a Codec was
// built with, so the decryption worker pool can call into it from any
// goroutine.
package codec
