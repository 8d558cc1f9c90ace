package encoder

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	mrand "math/rand/v2"

	"github.com/google/uuid"
)

// TableSize is the number of entries in a substitution table.
const TableSize = 256

// Key is the persisted form of an encoder.
type Key struct {
	ID    uuid.UUID
	Table [TableSize]byte
}

var errNotPermutation = errors.New("encoder: table is not a permutation")

// NewKey returns a key with a fresh identifier and a random permutation
// table.
func NewKey() Key {
	k := Key{ID: uuid.New()}
	for i := range k.Table {
		k.Table[i] = byte(i)
	}
	mrand.Shuffle(TableSize, func(i, j int) {
		k.Table[i], k.Table[j] = k.Table[j], k.Table[i]
	})
	return k
}

// Validate reports whether the table is a permutation of 0..255.
func (k Key) Validate() error {
	var seen [TableSize]bool
	for _, b := range k.Table {
		if seen[b] {
			return errNotPermutation
		}
		seen[b] = true
	}
	return nil
}

type keyJSON struct {
	ID    string `json:"id"`
	Table string `json:"table"`
}

// MarshalJSON encodes the key as {"id": "<uuid>", "table": "<base64>"}.
func (k Key) MarshalJSON() ([]byte, error) {
	return json.Marshal(keyJSON{
		ID:    k.ID.String(),
		Table: base64.StdEncoding.EncodeToString(k.Table[:]),
	})
}

// UnmarshalJSON decodes and validates a key descriptor.
func (k *Key) UnmarshalJSON(b []byte) error {
	var kj keyJSON
	if err := json.Unmarshal(b, &kj); err != nil {
		return err
	}
	id, err := uuid.Parse(kj.ID)
	if err != nil {
		return fmt.Errorf("encoder id: %w", err)
	}
	table, err := base64.StdEncoding.DecodeString(kj.Table)
	if err != nil {
		return fmt.Errorf("encoder table: %w", err)
	}
	if len(table) != TableSize {
		return fmt.Errorf("encoder table: got %d bytes, want %d", len(table), TableSize)
	}

	var nk Key
	nk.ID = id
	copy(nk.Table[:], table)
	if err := nk.Validate(); err != nil {
		return err
	}
	*k = nk
	return nil
}
