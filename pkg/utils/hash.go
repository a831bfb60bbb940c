package utils

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// ContentHash returns the hex xxhash64 digest of content.
func ContentHash(content []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(content))
}
