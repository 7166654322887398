package locator

import (
	"crypto/md5"
	"fmt"
	"hash/crc32"
	"hash/fnv"
	"strings"
	"unicode/utf16"

	"github.com/cespare/xxhash/v2"
)

// HashAlgorithm selects how keys and node points are hashed
type HashAlgorithm int

const (
	HashNative   HashAlgorithm = iota // String.hashCode of the UTF-16 key
	HashCRC                           // crc32 (IEEE), upper 15 bits
	HashFNV1_64                       // 64 bit FNV-1, truncated to 32 bits
	HashFNV1A_64                      // 64 bit FNV-1a, truncated to 32 bits
	HashFNV1_32                       // 32 bit FNV-1
	HashFNV1A_32                      // 32 bit FNV-1a
	HashKetama                        // first 4 bytes of the md5 digest, little endian
	HashXXHash                        // xxhash64, truncated to 32 bits
)

var hashNames = map[HashAlgorithm]string{
	HashNative:   "native",
	HashCRC:      "crc",
	HashFNV1_64:  "fnv1_64",
	HashFNV1A_64: "fnv1a_64",
	HashFNV1_32:  "fnv1_32",
	HashFNV1A_32: "fnv1a_32",
	HashKetama:   "ketama",
	HashXXHash:   "xxhash",
}

// String returns the configuration name of the algorithm
func (h HashAlgorithm) String() string {
	if name, ok := hashNames[h]; ok {
		return name
	}
	return fmt.Sprintf("HashAlgorithm(%d)", int(h))
}

// ParseHashAlgorithm converts a configuration name (case-insensitive) into a HashAlgorithm
func ParseHashAlgorithm(s string) (HashAlgorithm, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for alg, n := range hashNames {
		if n == name {
			return alg, nil
		}
	}
	return 0, fmt.Errorf("unknown hash algorithm %q", s)
}

// Hash computes the 32-bit hash of a key
func (h HashAlgorithm) Hash(key string) uint32 {
	switch h {
	case HashNative:
		var rv int32
		for _, c := range utf16.Encode([]rune(key)) {
			rv = 31*rv + int32(c)
		}
		return uint32(rv)

	case HashCRC:
		return (crc32.ChecksumIEEE([]byte(key)) >> 16) & 0x7fff

	case HashFNV1_64:
		f := fnv.New64()
		_, _ = f.Write([]byte(key))
		return uint32(f.Sum64())

	case HashFNV1A_64:
		f := fnv.New64a()
		_, _ = f.Write([]byte(key))
		return uint32(f.Sum64())

	case HashFNV1_32:
		f := fnv.New32()
		_, _ = f.Write([]byte(key))
		return f.Sum32()

	case HashFNV1A_32:
		f := fnv.New32a()
		_, _ = f.Write([]byte(key))
		return f.Sum32()

	case HashKetama:
		d := md5.Sum([]byte(key))
		return ketamaPoint(d, 0)

	case HashXXHash:
		return uint32(xxhash.Sum64String(key))

	default:
		Logger.Warningf("unknown hash algorithm %d, falling back to native", int(h))
		return HashNative.Hash(key)
	}
}

// ketamaPoint extracts the n-th (0..3) ring point of an md5 digest
func ketamaPoint(d [md5.Size]byte, n int) uint32 {
	return uint32(d[3+n*4])<<24 |
		uint32(d[2+n*4])<<16 |
		uint32(d[1+n*4])<<8 |
		uint32(d[n*4])
}
