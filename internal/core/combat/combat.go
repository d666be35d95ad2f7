// Package combat resolves attacks between two zombies.
//
// The victory threshold starts at Options.VictoryProbability percent and moves by
// Options.LevelBonus points per level the attacker is above (or below) the
// defender, clamped to [MinProbability, MaxProbability]. The attacker wins when
// Roll % 100 is below the threshold.
//
// A win levels the attacker up and spawns a new zombie for the attacker's owner
// whose DNA blends both parents. Either way the attacker goes on cooldown.
// Ownership and approvals are never touched.
package combat

import (
	"time"

	"github.com/zeusync/horde/internal/core/cooldown"
	apperrors "github.com/zeusync/horde/internal/core/errors"
	"github.com/zeusync/horde/internal/core/models"
	"github.com/zeusync/horde/internal/core/store"
)

const (
	DefaultVictoryProbability = 70
	DefaultLevelBonus         = 5
	MinProbability            = 5
	MaxProbability            = 95

	// SpawnName is given to zombies produced by a winning attack.
	SpawnName = "NoName"
)

type Options struct {
	VictoryProbability int
	LevelBonus         int
}

func DefaultOptions() Options {
	return Options{
		VictoryProbability: DefaultVictoryProbability,
		LevelBonus:         DefaultLevelBonus,
	}
}

// Outcome describes a resolved attack. Attacker and Defender are snapshots taken
// after the result was applied.
type Outcome struct {
	AttackerID models.ZombieID
	DefenderID models.ZombieID
	Won        bool
	Roll       int
	Threshold  int
	Attacker   *models.Zombie
	Defender   *models.Zombie
	Spawned    *models.Zombie
}

// Engine is not safe for concurrent use.
type Engine struct {
	store  *store.Store
	policy *cooldown.Policy
	roller Roller
	opts   Options
	nonce  uint64
}

func NewEngine(s *store.Store, policy *cooldown.Policy, roller Roller, opts Options) *Engine {
	if roller == nil {
		roller = HashRoller{}
	}
	return &Engine{store: s, policy: policy, roller: roller, opts: opts}
}

// Nonce counts resolved attacks.
func (e *Engine) Nonce() uint64 { return e.nonce }

// Threshold is the attacker's victory chance in percent.
func (e *Engine) Threshold(attacker, defender *models.Zombie) int {
	diff := int64(attacker.Level) - int64(defender.Level)
	p := int64(e.opts.VictoryProbability) + int64(e.opts.LevelBonus)*diff
	if p < MinProbability {
		p = MinProbability
	}
	if p > MaxProbability {
		p = MaxProbability
	}
	return int(p)
}

// Attack resolves one battle. Failures leave every zombie untouched.
func (e *Engine) Attack(attackerID, defenderID models.ZombieID, caller models.Identity, now time.Time) (Outcome, error) {
	const op = "attack"
	attacker, err := e.store.Get(attackerID)
	if err != nil {
		return Outcome{}, err
	}
	defender, err := e.store.Get(defenderID)
	if err != nil {
		return Outcome{}, err
	}
	if attackerID == defenderID {
		return Outcome{}, apperrors.New(apperrors.CodeInvalidArgument, op, "a zombie cannot attack itself").
			WithMeta("zombie_id", attackerID.String())
	}
	if attacker.Owner != caller {
		return Outcome{}, apperrors.New(apperrors.CodeNotOwner, op, "caller does not own the attacker").
			WithMeta("zombie_id", attackerID.String()).
			WithMeta("caller", caller.String())
	}
	if !cooldown.IsReady(attacker, now) {
		return Outcome{}, apperrors.New(apperrors.CodeNotReady, op, "attacker is on cooldown").
			WithMeta("zombie_id", attackerID.String()).
			WithMeta("remaining", cooldown.Remaining(attacker, now).String())
	}

	threshold := e.Threshold(attacker, defender)
	roll := int(e.roller.Roll(Draw{
		Nonce:       e.nonce,
		AttackerID:  attackerID,
		DefenderID:  defenderID,
		AttackerDNA: attacker.DNA,
		DefenderDNA: defender.DNA,
		At:          now,
	}) % 100)
	won := roll < threshold

	out := Outcome{
		AttackerID: attackerID,
		DefenderID: defenderID,
		Won:        won,
		Roll:       roll,
		Threshold:  threshold,
	}

	// Spawn first. Once both zombies were found above, the updates below only
	// fail if the store loses a record mid-call, which is reported as is.
	if won {
		out.Spawned, err = e.store.Spawn(SpawnName, models.BlendDNA(attacker.DNA, defender.DNA), attacker.Owner, now)
		if err != nil {
			return Outcome{}, err
		}
	}

	readyAt := cooldown.NextReadyTime(now, e.policy.Duration())
	err = e.store.Update(attackerID, func(z *models.Zombie) {
		if won {
			z.WinCount++
			z.Level++
		} else {
			z.LossCount++
		}
		if readyAt.After(z.ReadyTime) {
			z.ReadyTime = readyAt
		}
	})
	if err != nil {
		return Outcome{}, err
	}
	err = e.store.Update(defenderID, func(z *models.Zombie) {
		if won {
			z.LossCount++
		} else {
			z.WinCount++
		}
	})
	if err != nil {
		return Outcome{}, err
	}
	e.nonce++

	if out.Attacker, err = e.store.Get(attackerID); err != nil {
		return Outcome{}, err
	}
	if out.Defender, err = e.store.Get(defenderID); err != nil {
		return Outcome{}, err
	}
	return out, nil
}
