// Package stream implements the buffered byte engine behind every VFS entry.
//
// An [Engine] is fixed at construction to one of two modes:
//
//   - PULL: a [Regenerator] produces the buffer lazily on first access. Reads
//     advance a cursor. With auto-reset enabled, completing a read cycle
//     discards the buffer so the next access regenerates fresh data.
//   - PUSH: every write appends to the buffer. Accumulated bytes are only
//     retrievable out-of-band through [Engine.Bytes].
//
// Reading a PUSH engine or writing a PULL engine fails with
// [status.ErrUnsupported]. Engines are not safe for concurrent use; a host
// agent drives them from the single guest execution thread.
//
// # Reset boundary
//
// The cycle is complete when the cursor reaches the end of the buffer
// ([ResetAtEnd], the default). [ResetBeforeLast] reproduces the legacy
// behaviour of firing one byte early, at length-1; partial reads under that
// boundary lose the final byte of each cycle.
package stream
