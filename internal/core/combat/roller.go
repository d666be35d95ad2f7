package combat

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/zeusync/horde/internal/core/models"
)

// Draw is the context a Roller may mix into a battle roll.
type Draw struct {
	Nonce       uint64
	AttackerID  models.ZombieID
	DefenderID  models.ZombieID
	AttackerDNA models.DNA
	DefenderDNA models.DNA
	At          time.Time
}

// Roller produces the battle roll. Only the value modulo 100 is used.
type Roller interface {
	Roll(d Draw) uint64
}

// NewSeed returns a random seed for HashRoller.
func NewSeed() (uint64, error) {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("read random seed: %w", err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// HashRoller hashes its seed together with the draw. The same seed, nonce
// sequence and clock reproduce the same battles.
type HashRoller struct {
	Seed uint64
}

func (r HashRoller) Roll(d Draw) uint64 {
	var buf [56]byte
	binary.LittleEndian.PutUint64(buf[0:], r.Seed)
	binary.LittleEndian.PutUint64(buf[8:], d.Nonce)
	binary.LittleEndian.PutUint64(buf[16:], uint64(d.AttackerID))
	binary.LittleEndian.PutUint64(buf[24:], uint64(d.DefenderID))
	binary.LittleEndian.PutUint64(buf[32:], uint64(d.AttackerDNA))
	binary.LittleEndian.PutUint64(buf[40:], uint64(d.DefenderDNA))
	binary.LittleEndian.PutUint64(buf[48:], uint64(d.At.UnixNano()))
	return xxhash.Sum64(buf[:])
}

// FixedRoller replays Values in order, wrapping around. A zero value FixedRoller
// always rolls 0, which wins every battle with a non-zero threshold.
type FixedRoller struct {
	mu     sync.Mutex
	Values []uint64
	next   int
}

func NewFixedRoller(values ...uint64) *FixedRoller {
	return &FixedRoller{Values: values}
}

func (r *FixedRoller) Roll(Draw) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Values) == 0 {
		return 0
	}
	v := r.Values[r.next%len(r.Values)]
	r.next++
	return v
}
