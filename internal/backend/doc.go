// Package backend provides the durable row stores behind the local cache.
//
// Three implementations share one interface:
//   - SQLite (mattn/go-sqlite3): atomic, one transaction per Apply
//   - LevelDB (syndtr/goleveldb): non-atomic, one write batch per table
//   - Memory: configurable atomicity and fault injection for tests
//
// Backends know nothing about generations or watermarks. They store opaque
// encrypted rows; the cache decides what goes in a batch and in which order.
package backend
