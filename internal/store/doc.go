// Package store implements the transactional local cache.
//
// The cache is a set of encrypted tables over a backend.Backend plus one
// reserved table holding the commit watermark (the "sn" of the last delta
// whose effects are durable).
//
// Writes are grouped into generations. SetWatermark closes the current
// generation; flushing a generation deletes the durable watermark first,
// writes every touched table, and writes the new watermark last. On an
// atomic backend this happens in one transaction. On a non-atomic backend
// each step is its own batch, and a crash part way leaves the cache without
// a watermark. Open treats a missing watermark as an invalid cache and
// discards every row.
//
// Reads see pending writes: Get and GetByKey overlay unflushed generations
// on top of durable rows, so callers never need to flush before reading.
//
// Failure handling:
//
//	transient errors   retried with backoff; repeated failures escalate
//	                   (backpressure off, reload requested, unusable)
//	read-only backend  writes dropped, reads served
//	anything else      full invalidation and a reload request
package store
