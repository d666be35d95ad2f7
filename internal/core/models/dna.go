package models

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

const (
	// DNADigits is the number of decimal digits in a DNA value.
	DNADigits = 16
	// DNAModulus bounds every DNA value.
	DNAModulus DNA = 10_000_000_000_000_000
)

// DNA encodes a zombie's appearance as a fixed width decimal number.
type DNA uint64

func (d DNA) String() string { return fmt.Sprintf("%0*d", DNADigits, uint64(d)) }

// GenerateDNA derives the DNA of a freshly created zombie from its name, its
// creator and the sequence number it is about to receive. The trailing two digits
// are zeroed; they are reserved for species markers.
func GenerateDNA(name string, creator Identity, seq ZombieID) DNA {
	d := xxhash.New()
	_, _ = d.WriteString(name)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(string(creator))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(seq))
	_, _ = d.Write(buf[:])

	dna := DNA(d.Sum64()) % DNAModulus
	return dna - dna%100
}

// BlendDNA mixes two parents, used when a victorious attacker feeds on its target.
func BlendDNA(a, b DNA) DNA {
	a %= DNAModulus
	b %= DNAModulus
	return (a + b) / 2
}
