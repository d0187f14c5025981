// Package matchid generates sortable match identifiers.
//
// IDs are UUIDv7 values encoded as 26-character Crockford base32, so a
// lexicographic sort of match IDs is also a creation-time sort.
package matchid

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"
)

const alphabet = "0123456789abcdefghjkmnpqrstvwxyz"

// RandSource allows deterministic randomness in tests.
type RandSource interface {
	Intn(n int) int
}

// Generator produces match IDs with configurable randomness.
type Generator struct {
	randSource RandSource
}

// NewGenerator creates a generator. A nil RandSource uses crypto/rand.
func NewGenerator(randSource RandSource) *Generator {
	return &Generator{randSource: randSource}
}

// New creates a new match ID using crypto/rand.
func New() string {
	return NewGenerator(nil).New()
}

// New creates a new match ID from the generator's randomness source.
func (g *Generator) New() string {
	return encodeBase32(g.uuidV7())
}

func (g *Generator) uuidV7() [16]byte {
	var u [16]byte

	// 48-bit millisecond timestamp, then version/variant bits, rest random.
	now := time.Now().UnixMilli()
	u[0] = byte(now >> 40)
	u[1] = byte(now >> 32)
	u[2] = byte(now >> 24)
	u[3] = byte(now >> 16)
	u[4] = byte(now >> 8)
	u[5] = byte(now)

	if g.randSource != nil {
		for i := 6; i < 16; i++ {
			u[i] = byte(g.randSource.Intn(256))
		}
	} else {
		if _, err := rand.Read(u[6:]); err != nil {
			panic("matchid: failed to read random bytes: " + err.Error())
		}
	}

	u[6] = (u[6] & 0x0f) | 0x70 // version 7
	u[8] = (u[8] & 0x3f) | 0x80 // variant 10

	return u
}

func encodeBase32(data [16]byte) string {
	result := make([]byte, 26)
	for i := 0; i < 26; i++ {
		bitOffset := i * 5
		byteIndex := bitOffset / 8
		bitIndex := bitOffset % 8

		var value uint8
		if byteIndex < 16 {
			if bitIndex <= 3 {
				value = (data[byteIndex] >> (3 - bitIndex)) & 0x1f
			} else {
				value = (data[byteIndex] << (bitIndex - 3)) & 0x1f
				if byteIndex+1 < 16 {
					value |= data[byteIndex+1] >> (11 - bitIndex)
				}
			}
		}
		result[i] = alphabet[value]
	}
	return string(result)
}

// Validate checks that id is a well-formed match ID.
func Validate(id string) error {
	if len(id) != 26 {
		return fmt.Errorf("match ID must be exactly 26 characters, got %d", len(id))
	}
	// The leading character carries the top 5 bits of a 128-bit value,
	// so it can never exceed '7'.
	if id[0] > '7' {
		return fmt.Errorf("match ID first character must be 0-7, got %c", id[0])
	}
	for i, c := range id {
		if !strings.ContainsRune(alphabet, c) {
			return fmt.Errorf("match ID has invalid character %c at position %d", c, i)
		}
	}
	return nil
}
