package memory

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// envelope is the stored form of a record.
type envelope struct {
	Checksum string          `json:"checksum"`
	Record   json.RawMessage `json:"record"`
}

// Encode serializes rec with an integrity checksum.
func Encode(rec *Record) ([]byte, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding record %s: %w", rec.ID, err)
	}
	return json.Marshal(envelope{Checksum: checksum(body), Record: body})
}

// Decode parses a payload produced by Encode and verifies its checksum and
// fields. Failures are returned as *IntegrityError.
func Decode(id string, payload []byte) (*Record, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, &IntegrityError{ID: id, Err: err}
	}
	if env.Checksum == "" || len(env.Record) == 0 {
		return nil, &IntegrityError{ID: id, Err: errors.New("missing checksum or body")}
	}
	if got := checksum(env.Record); got != env.Checksum {
		return nil, &IntegrityError{ID: id, Err: fmt.Errorf("checksum mismatch: stored %s, computed %s", env.Checksum, got)}
	}

	var rec Record
	if err := json.Unmarshal(env.Record, &rec); err != nil {
		return nil, &IntegrityError{ID: id, Err: err}
	}
	if rec.ID != id {
		return nil, &IntegrityError{ID: id, Err: fmt.Errorf("payload belongs to record %s", rec.ID)}
	}
	if err := rec.Validate(); err != nil {
		return nil, &IntegrityError{ID: id, Err: err}
	}
	return &rec, nil
}

func checksum(b []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(b))
}
