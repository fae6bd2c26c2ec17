// Package wal implements a segmented write-ahead log.
//
// The engine's file-backed store keeps its message log and snapshots here.
// Every record is appended before the caller acts on it, so a restart can
// rebuild the consensus state by reading the log from the oldest segment.
//
// # Record Types
//
//	- MsgTypeConsensus: A signed consensus message for a height
//	- MsgTypeSnapshot: An encoded consensus snapshot for a height
//	- MsgTypeEndHeight: Everything at or below Height may be discarded
//
// # File Format
//
// Each entry is encoded as:
//
//	[4 bytes: length][N bytes: CBOR-encoded message][4 bytes: CRC32]
//
// A record cut short by a crash is truncated when the WAL is started again.
// A CRC mismatch anywhere else is reported as ErrWALCorrupted.
//
// # Segments
//
// Segments are named wal-00000, wal-00001 and so on, and rotate once they
// exceed Config.MaxSegmentSize. Checkpoint removes whole segments whose
// records are all at or below the given height. The current segment is
// never removed.
//
// # Thread Safety
//
// FileWAL uses internal locking to ensure thread-safe writes from multiple
// goroutines. However, only one WAL instance should write to a directory.
package wal
