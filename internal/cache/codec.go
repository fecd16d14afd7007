package cache

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Encode serializes a value for storage. Values msgpack cannot handle fall
// back to their string representation so a cache write never fails on shape.
func Encode(v interface{}) []byte {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return []byte(fmt.Sprint(v))
	}
	return b
}

// Decode deserializes a stored value into dest.
func Decode(data []byte, dest interface{}) error {
	if err := msgpack.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decode cache value: %w", err)
	}
	return nil
}
