package items

import (
	"bytes"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// HashIDSize is the length of an item identity digest in bytes.
const HashIDSize = sha512.Size

// HashID is the content-derived identity of an item. Two items are the
// same entity iff their digests are equal.
type HashID [HashIDSize]byte

// HashIDOf computes the identity digest of a packed item.
func HashIDOf(packed []byte) HashID {
	return HashID(sha512.Sum512(packed))
}

// ParseHashID decodes the base64 form produced by String.
func ParseHashID(s string) (HashID, error) {
	var id HashID
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid hash id: %w", err)
	}
	if len(raw) != HashIDSize {
		return id, fmt.Errorf("invalid hash id: got %d bytes, want %d", len(raw), HashIDSize)
	}
	copy(id[:], raw)
	return id, nil
}

// Bytes returns the raw digest.
func (id HashID) Bytes() []byte {
	out := make([]byte, HashIDSize)
	copy(out, id[:])
	return out
}

func (id HashID) String() string {
	return base64.URLEncoding.EncodeToString(id[:])
}

// MarshalJSON encodes the id in its base64 string form.
func (id HashID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

func (id *HashID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseHashID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Short returns a truncated form for log lines.
func (id HashID) Short() string {
	return id.String()[:12]
}

// IsZero reports whether the id is the zero digest.
func (id HashID) IsZero() bool {
	var zero HashID
	return bytes.Equal(id[:], zero[:])
}
