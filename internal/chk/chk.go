// Package chk provides the superblock checksum: it is appended on every
// superblock flush and verified at load when the checksums_enabled
// feature flag (spec.md §3) is set. VexFS's pack of
// reference implementations has no third-party block-checksum primitive
// (see DESIGN.md); CRC32 Castagnoli from the standard library's hash/crc32
// is the narrowly-scoped exception to "no stdlib where the pack has a
// library" carried in this repository.
package chk

import "hash/crc32"

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Sum returns the CRC32C checksum of b.
func Sum(b []byte) uint32 {
	return crc32.Checksum(b, castagnoli)
}

// Verify reports whether b's trailing checksum (the last 4 bytes,
// little-endian) matches the CRC32C of the preceding bytes.
func Verify(b []byte) bool {
	if len(b) < 4 {
		return false
	}
	payload := b[:len(b)-4]
	want := uint32(b[len(b)-4]) | uint32(b[len(b)-3])<<8 | uint32(b[len(b)-2])<<16 | uint32(b[len(b)-1])<<24
	return Sum(payload) == want
}

// Append returns b with its CRC32C checksum appended, little-endian.
func Append(b []byte) []byte {
	sum := Sum(b)
	return append(b,
		byte(sum),
		byte(sum>>8),
		byte(sum>>16),
		byte(sum>>24),
	)
}
