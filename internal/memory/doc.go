// Package memory stores learned experience as typed memory records.
//
// A Store owns every Record it holds: callers receive deep copies, record
// content is never changed after Persist, and only the relevance score can be
// written back explicitly during retrieval. Each memory type is capped
// independently; when a type exceeds its cap the record with the lowest
// relevance (oldest first on ties) is evicted.
//
// Records may be mirrored to a Backend. Payloads carry an xxhash checksum so
// corrupted rows are detected on Load and restored from the backend's backup
// copy when possible.
package memory
