// Package registry is the single external entry point of the zombie registry.
//
// Every call is serialized behind one mutex. A mutating call either commits all
// of its changes and returns its events, or fails with an *errors.Error and leaves
// the registry exactly as it was. Committed events are published on the bus after
// the lock is released, in sequence order: each commit takes a publish ticket
// under the lock and waits for its turn. Handlers may read the registry but must
// not call a mutating method synchronously, since that call would wait for a turn
// the handler itself is holding.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/zeusync/horde/internal/core/combat"
	"github.com/zeusync/horde/internal/core/cooldown"
	apperrors "github.com/zeusync/horde/internal/core/errors"
	"github.com/zeusync/horde/internal/core/events"
	"github.com/zeusync/horde/internal/core/events/bus"
	"github.com/zeusync/horde/internal/core/models"
	"github.com/zeusync/horde/internal/core/observability/log"
	"github.com/zeusync/horde/internal/core/ownership"
	"github.com/zeusync/horde/internal/core/store"
)

// Options configures a Registry. A nil Roller, Clock, Bus or Logger and an all-zero
// Combat fall back to defaults. Cooldown is used as given: zero disables gating.
type Options struct {
	Cooldown time.Duration
	Combat   combat.Options
	Roller   combat.Roller
	Clock    cooldown.Clock
	Bus      bus.EventBus
	Logger   log.Log
}

// DefaultOptions uses a one day cooldown, the default battle formula and the wall clock.
func DefaultOptions() Options {
	return Options{
		Cooldown: cooldown.DefaultDuration,
		Combat:   combat.DefaultOptions(),
		Clock:    cooldown.SystemClock{},
	}
}

// AttackResult is what Attack returns to the caller.
type AttackResult struct {
	Event    events.AttackResolved
	Spawned  *events.Created
	Attacker *models.Zombie
	Defender *models.Zombie
}

// Stats is a point-in-time summary.
type Stats struct {
	Zombies  int           `json:"zombies"`
	Sequence uint64        `json:"sequence"`
	Battles  uint64        `json:"battles"`
	Cooldown time.Duration `json:"cooldown"`
}

type Registry struct {
	mu        sync.Mutex
	store     *store.Store
	ownership *ownership.Protocol
	policy    *cooldown.Policy
	engine    *combat.Engine
	clock     cooldown.Clock
	bus       bus.EventBus
	logger    log.Log
	seq       uint64

	// ticket is handed out under mu; turn is guarded by pubMu.
	ticket  uint64
	pubMu   sync.Mutex
	pubCond *sync.Cond
	turn    uint64
}

func New(opts Options) (*Registry, error) {
	policy, err := cooldown.NewPolicy(opts.Cooldown)
	if err != nil {
		return nil, err
	}
	if opts.Combat == (combat.Options{}) {
		opts.Combat = combat.DefaultOptions()
	}
	if opts.Combat.VictoryProbability < 0 || opts.Combat.VictoryProbability > 100 {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "new_registry", "victory probability must be within [0, 100]")
	}
	if opts.Clock == nil {
		opts.Clock = cooldown.SystemClock{}
	}
	if opts.Bus == nil {
		opts.Bus = bus.New()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNop()
	}

	s := store.New()
	r := &Registry{
		store:     s,
		ownership: ownership.New(s),
		policy:    policy,
		engine:    combat.NewEngine(s, policy, opts.Roller, opts.Combat),
		clock:     opts.Clock,
		bus:       opts.Bus,
		logger:    opts.Logger.With(log.String("component", "registry")),
	}
	r.pubCond = sync.NewCond(&r.pubMu)
	r.logger.Info("Registry created",
		log.Duration("cooldown", policy.Duration()),
		log.Int("victory_probability", opts.Combat.VictoryProbability))
	return r, nil
}

// Bus is the bus events are published on.
func (r *Registry) Bus() bus.EventBus { return r.bus }

// CreateRandomZombie mints the caller's one free zombie.
func (r *Registry) CreateRandomZombie(ctx context.Context, name string, caller models.Identity) (events.Created, error) {
	var out events.Created
	err := r.apply(ctx, "create", func(now time.Time) ([]bus.Event, error) {
		z, err := r.store.Create(name, caller, now)
		if err != nil {
			return nil, err
		}
		out = r.created(z, now)
		return []bus.Event{out}, nil
	})
	return out, err
}

// SetCooldownTime changes the cooldown applied by every later attack.
func (r *Registry) SetCooldownTime(ctx context.Context, d time.Duration) (events.CooldownChanged, error) {
	var out events.CooldownChanged
	err := r.apply(ctx, "set_cooldown", func(now time.Time) ([]bus.Event, error) {
		prev := r.policy.Duration()
		if err := r.policy.SetDuration(d); err != nil {
			return nil, err
		}
		out = events.CooldownChanged{Header: r.header(now), Previous: prev, Duration: d}
		return []bus.Event{out}, nil
	})
	return out, err
}

func (r *Registry) Approve(ctx context.Context, spender models.Identity, id models.ZombieID, caller models.Identity) (events.Approval, error) {
	var out events.Approval
	err := r.apply(ctx, "approve", func(now time.Time) ([]bus.Event, error) {
		a, err := r.ownership.Approve(spender, id, caller)
		if err != nil {
			return nil, err
		}
		out = events.Approval{Header: r.header(now), Owner: a.Owner, Spender: a.Spender, ZombieID: a.ZombieID}
		return []bus.Event{out}, nil
	})
	return out, err
}

func (r *Registry) TransferFrom(ctx context.Context, from, to models.Identity, id models.ZombieID, caller models.Identity) (events.Transfer, error) {
	var out events.Transfer
	err := r.apply(ctx, "transfer_from", func(now time.Time) ([]bus.Event, error) {
		t, err := r.ownership.TransferFrom(from, to, id, caller)
		if err != nil {
			return nil, err
		}
		out = events.Transfer{Header: r.header(now), From: t.From, To: t.To, ZombieID: t.ZombieID}
		return []bus.Event{out}, nil
	})
	return out, err
}

// Attack resolves a battle. On a win the spawned zombie's Created event is
// published right after AttackResolved.
func (r *Registry) Attack(ctx context.Context, attackerID, defenderID models.ZombieID, caller models.Identity) (AttackResult, error) {
	var out AttackResult
	err := r.apply(ctx, "attack", func(now time.Time) ([]bus.Event, error) {
		o, err := r.engine.Attack(attackerID, defenderID, caller, now)
		if err != nil {
			return nil, err
		}
		ev := events.AttackResolved{
			Header:     r.header(now),
			AttackerID: o.AttackerID,
			DefenderID: o.DefenderID,
			Outcome:    events.OutcomeLoss,
			Roll:       o.Roll,
			Threshold:  o.Threshold,
			ReadyTime:  o.Attacker.ReadyTime,
		}
		if o.Won {
			ev.Outcome = events.OutcomeWin
		}
		out = AttackResult{Attacker: o.Attacker, Defender: o.Defender}
		published := []bus.Event{nil}
		if o.Spawned != nil {
			id := o.Spawned.ID
			ev.Spawned = &id
			spawned := r.created(o.Spawned, now)
			out.Spawned = &spawned
			published = append(published, spawned)
		}
		out.Event = ev
		published[0] = ev
		return published, nil
	})
	return out, err
}

func (r *Registry) OwnerOf(ctx context.Context, id models.ZombieID) (models.Identity, error) {
	var owner models.Identity
	err := r.read(ctx, func() (err error) {
		owner, err = r.ownership.OwnerOf(id)
		return err
	})
	return owner, err
}

func (r *Registry) BalanceOf(ctx context.Context, owner models.Identity) (int, error) {
	var n int
	err := r.read(ctx, func() error {
		n = r.ownership.BalanceOf(owner)
		return nil
	})
	return n, err
}

func (r *Registry) ZombiesByOwner(ctx context.Context, owner models.Identity) ([]models.ZombieID, error) {
	var ids []models.ZombieID
	err := r.read(ctx, func() error {
		ids = r.store.ZombiesByOwner(owner)
		return nil
	})
	return ids, err
}

// GetApproved returns the approved spender of id, or the empty identity.
func (r *Registry) GetApproved(ctx context.Context, id models.ZombieID) (models.Identity, error) {
	var spender models.Identity
	err := r.read(ctx, func() (err error) {
		spender, _, err = r.ownership.GetApproved(id)
		return err
	})
	return spender, err
}

// Zombie returns a snapshot of id.
func (r *Registry) Zombie(ctx context.Context, id models.ZombieID) (*models.Zombie, error) {
	var z *models.Zombie
	err := r.read(ctx, func() (err error) {
		z, err = r.store.Get(id)
		return err
	})
	return z, err
}

// CooldownState reports whether id may attack now and how long until it may.
func (r *Registry) CooldownState(ctx context.Context, id models.ZombieID) (cooldown.State, time.Duration, error) {
	var (
		state     cooldown.State
		remaining time.Duration
	)
	err := r.read(ctx, func() error {
		z, err := r.store.Get(id)
		if err != nil {
			return err
		}
		now := r.clock.Now()
		state, remaining = cooldown.StateOf(z, now), cooldown.Remaining(z, now)
		return nil
	})
	return state, remaining, err
}

func (r *Registry) CooldownTime() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.policy.Duration()
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Zombies:  r.store.Len(),
		Sequence: r.seq,
		Battles:  r.engine.Nonce(),
		Cooldown: r.policy.Duration(),
	}
}

// apply runs fn under the lock and publishes what it returns. Sequence numbers
// handed out by a failed fn are rolled back so the sequence stays gapless.
func (r *Registry) apply(ctx context.Context, op string, fn func(now time.Time) ([]bus.Event, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	seq := r.seq
	published, err := fn(r.clock.Now())
	var ticket uint64
	if err != nil {
		r.seq = seq
	} else {
		ticket = r.ticket
		r.ticket++
	}
	r.mu.Unlock()

	logger := r.logger.WithContext(ctx)
	if err != nil {
		logger.Debug("Operation rejected",
			log.String("op", op),
			log.String("code", string(apperrors.GetCode(err))),
			log.Error(err))
		return err
	}

	for _, e := range published {
		logger.Debug("Event committed", log.String("op", op), log.String("event", e.Type()))
	}
	r.waitTurn(ticket)
	defer r.nextTurn()
	if perr := r.bus.PublishBatch(published...); perr != nil {
		logger.Warn("Event handler failed", log.String("op", op), log.Error(perr))
	}
	return nil
}

func (r *Registry) waitTurn(ticket uint64) {
	r.pubMu.Lock()
	for r.turn != ticket {
		r.pubCond.Wait()
	}
	r.pubMu.Unlock()
}

func (r *Registry) nextTurn() {
	r.pubMu.Lock()
	r.turn++
	r.pubMu.Unlock()
	r.pubCond.Broadcast()
}

func (r *Registry) read(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn()
}

func (r *Registry) header(now time.Time) events.Header {
	h := events.Header{Seq: r.seq, At: now}
	r.seq++
	return h
}

func (r *Registry) created(z *models.Zombie, now time.Time) events.Created {
	return events.Created{
		Header:   r.header(now),
		ZombieID: z.ID,
		Name:     z.Name,
		DNA:      z.DNA,
		Owner:    z.Owner,
		Origin:   z.Origin.String(),
	}
}
