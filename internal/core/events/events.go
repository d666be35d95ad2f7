// Package events defines the typed records emitted by the registry. Each one
// carries the registry-wide sequence number it was committed under.
package events

import (
	"time"

	"github.com/zeusync/horde/internal/core/events/bus"
	"github.com/zeusync/horde/internal/core/models"
)

const (
	TypeCreated         = "Created"
	TypeApproval        = "Approval"
	TypeTransfer        = "Transfer"
	TypeAttackResolved  = "AttackResolved"
	TypeCooldownChanged = "CooldownChanged"
)

// Header is embedded in every event.
type Header struct {
	Seq uint64    `json:"seq"`
	At  time.Time `json:"at"`
}

func (h Header) Timestamp() time.Time { return h.At }

// Sequence returns the commit order of the event.
func (h Header) Sequence() uint64 { return h.Seq }

type Created struct {
	Header
	ZombieID models.ZombieID `json:"zombieId"`
	Name     string          `json:"name"`
	DNA      models.DNA      `json:"dna"`
	Owner    models.Identity `json:"owner"`
	Origin   string          `json:"origin"`
}

func (Created) Type() string { return TypeCreated }

type Approval struct {
	Header
	Owner    models.Identity `json:"owner"`
	Spender  models.Identity `json:"approved"`
	ZombieID models.ZombieID `json:"zombieId"`
}

func (Approval) Type() string { return TypeApproval }

type Transfer struct {
	Header
	From     models.Identity `json:"from"`
	To       models.Identity `json:"to"`
	ZombieID models.ZombieID `json:"zombieId"`
}

func (Transfer) Type() string { return TypeTransfer }

// Outcome of an attack from the attacker's point of view.
type Outcome string

const (
	OutcomeWin  Outcome = "win"
	OutcomeLoss Outcome = "loss"
)

type AttackResolved struct {
	Header
	AttackerID models.ZombieID `json:"attackerId"`
	DefenderID models.ZombieID `json:"defenderId"`
	Outcome    Outcome         `json:"outcome"`
	Roll       int             `json:"roll"`
	Threshold  int             `json:"threshold"`
	ReadyTime  time.Time       `json:"readyTime"`
	// Spawned is set when a win produced a new zombie; its Created event follows.
	Spawned *models.ZombieID `json:"spawnedId,omitempty"`
}

func (AttackResolved) Type() string { return TypeAttackResolved }

type CooldownChanged struct {
	Header
	Previous time.Duration `json:"previous"`
	Duration time.Duration `json:"duration"`
}

func (CooldownChanged) Type() string { return TypeCooldownChanged }

// Sequenced is implemented by every registry event.
type Sequenced interface {
	bus.Event
	Sequence() uint64
}

var (
	_ Sequenced = Created{}
	_ Sequenced = Approval{}
	_ Sequenced = Transfer{}
	_ Sequenced = AttackResolved{}
	_ Sequenced = CooldownChanged{}
)
