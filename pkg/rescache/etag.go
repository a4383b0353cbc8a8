package rescache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ETag returns the entity tag for value: a quoted 64-bit xxhash of its
// canonical JSON encoding. Equal content yields equal tags regardless of map
// key order or process. It is not a cryptographic digest.
func ETag(value any) (string, error) {
	data, err := canonicalJSON(value)
	if err != nil {
		return "", &SerializationError{Err: err}
	}
	return etagOf(data), nil
}

// Matches reports whether an If-None-Match style header value names etag.
// A bare "*" matches any tag.
func Matches(ifNoneMatch, etag string) bool {
	if ifNoneMatch == "*" {
		return etag != ""
	}
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		c := strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if c == etag {
			return true
		}
	}
	return false
}

func etagOf(data []byte) string {
	return fmt.Sprintf("%q", fmt.Sprintf("%016x", xxhash.Sum64(data)))
}

// canonicalJSON encodes value so that semantically equal values produce equal
// bytes. Objects are re-encoded through a generic decode, which sorts keys.
func canonicalJSON(value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
