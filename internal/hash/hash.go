// Package hash holds the checksum primitives shared by the artifact
// formats. Every on-disk checksum in this module is CRC32-Castagnoli.
package hash

import (
	"hash"
	"hash/crc32"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CRC32C returns the CRC32-Castagnoli checksum of data.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// NewCRC32C returns a streaming CRC32-Castagnoli hash, for checksums
// over data that is not contiguous in memory.
func NewCRC32C() hash.Hash32 {
	return crc32.New(castagnoli)
}
