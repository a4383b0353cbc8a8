package rescache

import "fmt"

// SerializationError reports a value that cannot be encoded for caching.
type SerializationError struct {
	Key string
	Err error
}

func (e *SerializationError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("rescache: value cannot be serialized: %v", e.Err)
	}
	return fmt.Sprintf("rescache: value for key %q cannot be serialized: %v", e.Key, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}
