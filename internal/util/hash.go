package util

import (
	"hash/fnv"
)

// HashStringToUInt32 returns the FNV-1a 32-bit hash of s.
func HashStringToUInt32(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}
