package memory

import "fmt"

// IntegrityError reports a stored record that could not be decoded or whose
// checksum does not match its payload.
type IntegrityError struct {
	ID  string
	Err error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("memory record %s failed integrity check: %v", e.ID, e.Err)
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}
