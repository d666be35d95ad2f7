package models

import (
	"strconv"
	"time"
)

// ZombieID is assigned sequentially from zero and never reused.
type ZombieID uint64

func (id ZombieID) String() string { return strconv.FormatUint(uint64(id), 10) }

// Identity is an opaque caller principal, typically an account address.
type Identity string

func (i Identity) String() string { return string(i) }

// Valid reports whether i names a principal. The empty identity owns nothing.
func (i Identity) Valid() bool { return i != "" }

// Origin records which path minted a zombie.
type Origin uint8

const (
	// OriginCreated is the once-per-identity free creation path.
	OriginCreated Origin = iota
	// OriginSpawned is the feed mechanic of a winning attack.
	OriginSpawned
)

func (o Origin) String() string {
	switch o {
	case OriginCreated:
		return "created"
	case OriginSpawned:
		return "spawned"
	default:
		return "unknown"
	}
}

// Zombie is the collectible record.
type Zombie struct {
	ID        ZombieID  `json:"id"`
	Name      string    `json:"name"`
	DNA       DNA       `json:"dna"`
	Level     uint32    `json:"level"`
	ReadyTime time.Time `json:"ready_time"`
	WinCount  uint32    `json:"win_count"`
	LossCount uint32    `json:"loss_count"`
	Owner     Identity  `json:"owner"`
	Origin    Origin    `json:"origin"`
	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a detached copy.
func (z *Zombie) Clone() *Zombie {
	if z == nil {
		return nil
	}
	out := *z
	return &out
}
