// Package store provides durable implementations of engine.Store.
//
// LevelStore keeps snapshots and the message log in a LevelDB database.
// Keys are a one byte table prefix followed by the big-endian height, so
// iteration order matches height order:
//
//	's' | height                -> snapshot
//	'm' | height | sequence     -> logged message
//
// WALStore appends every write to a segmented write-ahead log and serves
// reads from memory. Opening it reads the log back from the oldest segment.
// Prune writes an end-of-height marker and lets the WAL drop whole segments.
//
// Both stores sync every write before returning, and both are safe for
// concurrent use.
package store
