package memory

import "context"

// Backend persists encoded records outside the process.
//
// Implementations keep a backup copy of every payload so a record whose
// primary copy is corrupted can be restored.
type Backend interface {
	// Put stores payload as the primary and backup copy of id.
	Put(ctx context.Context, id string, payload []byte) error

	// Delete removes both copies of each id. Unknown ids are ignored.
	Delete(ctx context.Context, ids ...string) error

	// Scan calls fn for every primary copy. A non-nil error from fn stops the scan.
	Scan(ctx context.Context, fn func(id string, payload []byte) error) error

	// Backup returns the backup copy of id, if one exists.
	Backup(ctx context.Context, id string) ([]byte, bool, error)

	// Close releases backend resources.
	Close() error
}
