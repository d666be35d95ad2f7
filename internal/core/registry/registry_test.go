package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/horde/internal/core/combat"
	"github.com/zeusync/horde/internal/core/cooldown"
	apperrors "github.com/zeusync/horde/internal/core/errors"
	"github.com/zeusync/horde/internal/core/events"
	"github.com/zeusync/horde/internal/core/events/bus"
	"github.com/zeusync/horde/internal/core/models"
)

const (
	alice models.Identity = "alice"
	bob   models.Identity = "bob"
	carol models.Identity = "carol"
)

var zombieNames = []string{"Zombie 1", "Zombie 2"}

type harness struct {
	reg    *Registry
	clock  *cooldown.ManualClock
	roller *combat.FixedRoller
	mu     sync.Mutex
	logs   []bus.Event
}

func newHarness(t *testing.T, cd time.Duration, rolls ...uint64) *harness {
	t.Helper()
	h := &harness{
		clock:  cooldown.NewManualClock(time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)),
		roller: combat.NewFixedRoller(rolls...),
	}
	b := bus.New()
	_, err := b.Subscribe(bus.AllEvents, func(e bus.Event) error {
		h.mu.Lock()
		h.logs = append(h.logs, e)
		h.mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.Cooldown = cd
	opts.Clock = h.clock
	opts.Roller = h.roller
	opts.Bus = b
	h.reg, err = New(opts)
	require.NoError(t, err)
	return h
}

func (h *harness) published() []bus.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bus.Event(nil), h.logs...)
}

func TestCreateNewZombie(t *testing.T) {
	h := newHarness(t, cooldown.DefaultDuration)
	ctx := context.Background()

	result, err := h.reg.CreateRandomZombie(ctx, zombieNames[0], alice)
	require.NoError(t, err)
	assert.Equal(t, zombieNames[0], result.Name)
	assert.Equal(t, models.ZombieID(0), result.ZombieID)
	assert.Equal(t, alice, result.Owner)
	assert.Equal(t, events.TypeCreated, result.Type())

	owner, err := h.reg.OwnerOf(ctx, result.ZombieID)
	require.NoError(t, err)
	assert.Equal(t, alice, owner)

	logs := h.published()
	require.Len(t, logs, 1)
	assert.Equal(t, result, logs[0])
}

func TestShouldNotAllowTwoZombies(t *testing.T) {
	h := newHarness(t, cooldown.DefaultDuration)
	ctx := context.Background()

	_, err := h.reg.CreateRandomZombie(ctx, zombieNames[0], alice)
	require.NoError(t, err)

	_, err = h.reg.CreateRandomZombie(ctx, zombieNames[1], alice)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrDuplicateCreation))
	assert.Equal(t, apperrors.CodeDuplicateCreation, apperrors.GetCode(err))

	n, _ := h.reg.BalanceOf(ctx, alice)
	assert.Equal(t, 1, n)
	assert.Len(t, h.published(), 1, "failed call emits nothing")
}

func TestSingleStepTransfer(t *testing.T) {
	h := newHarness(t, cooldown.DefaultDuration)
	ctx := context.Background()

	created, err := h.reg.CreateRandomZombie(ctx, zombieNames[0], alice)
	require.NoError(t, err)

	tr, err := h.reg.TransferFrom(ctx, alice, bob, created.ZombieID, alice)
	require.NoError(t, err)
	assert.Equal(t, alice, tr.From)
	assert.Equal(t, bob, tr.To)

	owner, err := h.reg.OwnerOf(ctx, created.ZombieID)
	require.NoError(t, err)
	assert.Equal(t, bob, owner)
}

func TestTwoStepTransfer(t *testing.T) {
	ctx := context.Background()

	t.Run("approved address calls transferFrom", func(t *testing.T) {
		h := newHarness(t, cooldown.DefaultDuration)
		created, err := h.reg.CreateRandomZombie(ctx, zombieNames[0], alice)
		require.NoError(t, err)

		_, err = h.reg.Approve(ctx, bob, created.ZombieID, alice)
		require.NoError(t, err)
		_, err = h.reg.TransferFrom(ctx, alice, bob, created.ZombieID, bob)
		require.NoError(t, err)

		owner, _ := h.reg.OwnerOf(ctx, created.ZombieID)
		assert.Equal(t, bob, owner)
		spender, err := h.reg.GetApproved(ctx, created.ZombieID)
		require.NoError(t, err)
		assert.Empty(t, spender)
	})

	t.Run("owner calls transferFrom", func(t *testing.T) {
		h := newHarness(t, cooldown.DefaultDuration)
		created, err := h.reg.CreateRandomZombie(ctx, zombieNames[0], alice)
		require.NoError(t, err)

		_, err = h.reg.Approve(ctx, bob, created.ZombieID, alice)
		require.NoError(t, err)
		_, err = h.reg.TransferFrom(ctx, alice, bob, created.ZombieID, alice)
		require.NoError(t, err)

		owner, _ := h.reg.OwnerOf(ctx, created.ZombieID)
		assert.Equal(t, bob, owner)
		spender, _ := h.reg.GetApproved(ctx, created.ZombieID)
		assert.Empty(t, spender)
	})
}

func TestApproveThenOwnerOfUnchanged(t *testing.T) {
	h := newHarness(t, cooldown.DefaultDuration)
	ctx := context.Background()
	created, _ := h.reg.CreateRandomZombie(ctx, zombieNames[0], alice)

	ap, err := h.reg.Approve(ctx, bob, created.ZombieID, alice)
	require.NoError(t, err)
	assert.Equal(t, events.TypeApproval, ap.Type())
	assert.Equal(t, alice, ap.Owner)
	assert.Equal(t, bob, ap.Spender)

	owner, _ := h.reg.OwnerOf(ctx, created.ZombieID)
	assert.Equal(t, alice, owner)
}

func TestTransferByStranger(t *testing.T) {
	h := newHarness(t, cooldown.DefaultDuration)
	ctx := context.Background()
	created, _ := h.reg.CreateRandomZombie(ctx, zombieNames[0], alice)
	_, _ = h.reg.Approve(ctx, bob, created.ZombieID, alice)

	_, err := h.reg.TransferFrom(ctx, alice, carol, created.ZombieID, carol)
	assert.True(t, errors.Is(err, apperrors.ErrNotAuthorized))

	owner, _ := h.reg.OwnerOf(ctx, created.ZombieID)
	assert.Equal(t, alice, owner)
	spender, _ := h.reg.GetApproved(ctx, created.ZombieID)
	assert.Equal(t, bob, spender)
}

func TestZombiesShouldBeAbleToAttack(t *testing.T) {
	h := newHarness(t, cooldown.DefaultDuration, 99)
	ctx := context.Background()

	_, err := h.reg.SetCooldownTime(ctx, 0)
	require.NoError(t, err)
	first, err := h.reg.CreateRandomZombie(ctx, zombieNames[0], alice)
	require.NoError(t, err)
	second, err := h.reg.CreateRandomZombie(ctx, zombieNames[1], bob)
	require.NoError(t, err)
	assert.Equal(t, models.ZombieID(0), first.ZombieID)
	assert.Equal(t, models.ZombieID(1), second.ZombieID)

	res, err := h.reg.Attack(ctx, first.ZombieID, second.ZombieID, alice)
	require.NoError(t, err)
	assert.Equal(t, first.ZombieID, res.Event.AttackerID)
	assert.Equal(t, second.ZombieID, res.Event.DefenderID)
	assert.Equal(t, events.OutcomeLoss, res.Event.Outcome)
}

func TestAttackPutsAttackerOnCooldown(t *testing.T) {
	h := newHarness(t, time.Hour, 99)
	ctx := context.Background()

	first, _ := h.reg.CreateRandomZombie(ctx, zombieNames[0], alice)
	second, _ := h.reg.CreateRandomZombie(ctx, zombieNames[1], bob)

	state, _, err := h.reg.CooldownState(ctx, first.ZombieID)
	require.NoError(t, err)
	assert.Equal(t, cooldown.StateReady, state, "fresh zombies are ready")

	res, err := h.reg.Attack(ctx, first.ZombieID, second.ZombieID, alice)
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now().Add(time.Hour), res.Event.ReadyTime)

	state, remaining, err := h.reg.CooldownState(ctx, first.ZombieID)
	require.NoError(t, err)
	assert.Equal(t, cooldown.StateOnCooldown, state)
	assert.Equal(t, time.Hour, remaining)

	h.clock.Advance(59 * time.Minute)
	_, err = h.reg.Attack(ctx, first.ZombieID, second.ZombieID, alice)
	assert.True(t, errors.Is(err, apperrors.ErrNotReady))

	h.clock.Advance(time.Minute)
	_, err = h.reg.Attack(ctx, first.ZombieID, second.ZombieID, alice)
	require.NoError(t, err)
}

func TestAttackWinSpawnsZombie(t *testing.T) {
	h := newHarness(t, 0, 0)
	ctx := context.Background()

	first, _ := h.reg.CreateRandomZombie(ctx, zombieNames[0], alice)
	second, _ := h.reg.CreateRandomZombie(ctx, zombieNames[1], bob)

	res, err := h.reg.Attack(ctx, first.ZombieID, second.ZombieID, alice)
	require.NoError(t, err)
	assert.Equal(t, events.OutcomeWin, res.Event.Outcome)
	require.NotNil(t, res.Spawned)
	require.NotNil(t, res.Event.Spawned)
	assert.Equal(t, res.Spawned.ZombieID, *res.Event.Spawned)
	assert.Equal(t, alice, res.Spawned.Owner)
	assert.Equal(t, "spawned", res.Spawned.Origin)
	assert.Equal(t, uint32(2), res.Attacker.Level)

	ids, _ := h.reg.ZombiesByOwner(ctx, alice)
	assert.Equal(t, []models.ZombieID{first.ZombieID, res.Spawned.ZombieID}, ids)

	// a spawned zombie does not count as alice's free creation, but she already used hers
	_, err = h.reg.CreateRandomZombie(ctx, "again", alice)
	assert.True(t, errors.Is(err, apperrors.ErrDuplicateCreation))

	logs := h.published()
	require.Len(t, logs, 4)
	assert.Equal(t, events.TypeAttackResolved, logs[2].Type())
	assert.Equal(t, events.TypeCreated, logs[3].Type())
}

func TestAttackRequiresOwner(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	first, _ := h.reg.CreateRandomZombie(ctx, zombieNames[0], alice)
	second, _ := h.reg.CreateRandomZombie(ctx, zombieNames[1], bob)

	_, err := h.reg.Attack(ctx, first.ZombieID, second.ZombieID, bob)
	assert.True(t, errors.Is(err, apperrors.ErrNotOwner))
	_, err = h.reg.Attack(ctx, first.ZombieID, 9, alice)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
	assert.Zero(t, h.reg.Stats().Battles)
}

func TestSequenceIsGapless(t *testing.T) {
	h := newHarness(t, 0, 0)
	ctx := context.Background()

	_, _ = h.reg.CreateRandomZombie(ctx, zombieNames[0], alice)
	_, _ = h.reg.CreateRandomZombie(ctx, zombieNames[1], alice) // rejected
	_, _ = h.reg.CreateRandomZombie(ctx, zombieNames[1], bob)
	_, _ = h.reg.Attack(ctx, 0, 1, alice)
	_, _ = h.reg.Approve(ctx, carol, 0, alice)

	logs := h.published()
	require.Len(t, logs, 5)
	for i, e := range logs {
		seqd, ok := e.(events.Sequenced)
		require.True(t, ok)
		assert.Equal(t, uint64(i), seqd.Sequence())
	}
	assert.Equal(t, uint64(5), h.reg.Stats().Sequence)
}

func TestSetCooldownTimeValidation(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()

	ev, err := h.reg.SetCooldownTime(ctx, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, ev.Previous)
	assert.Equal(t, 2*time.Hour, ev.Duration)

	_, err = h.reg.SetCooldownTime(ctx, -time.Second)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidArgument))
	assert.Equal(t, 2*time.Hour, h.reg.CooldownTime())
}

func TestNameAndDNAFixedAfterCreation(t *testing.T) {
	h := newHarness(t, 0, 0)
	ctx := context.Background()
	first, err := h.reg.CreateRandomZombie(ctx, zombieNames[0], alice)
	require.NoError(t, err)
	second, err := h.reg.CreateRandomZombie(ctx, zombieNames[1], bob)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = h.reg.Attack(ctx, first.ZombieID, second.ZombieID, alice)
		require.NoError(t, err)
	}
	_, err = h.reg.TransferFrom(ctx, alice, carol, first.ZombieID, alice)
	require.NoError(t, err)

	z, err := h.reg.Zombie(ctx, first.ZombieID)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), z.Level)
	assert.Equal(t, zombieNames[0], z.Name)
	assert.Equal(t, first.DNA, z.DNA)
}

// gatedBus holds the first PublishBatch until release is closed.
type gatedBus struct {
	bus.EventBus
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	mu      sync.Mutex
	seqs    []uint64
}

func (g *gatedBus) PublishBatch(batch ...bus.Event) error {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	g.mu.Lock()
	for _, e := range batch {
		g.seqs = append(g.seqs, e.(events.Sequenced).Sequence())
	}
	g.mu.Unlock()
	return g.EventBus.PublishBatch(batch...)
}

func TestConcurrentCommitsPublishInSequenceOrder(t *testing.T) {
	gate := &gatedBus{EventBus: bus.New(), entered: make(chan struct{}), release: make(chan struct{})}
	opts := DefaultOptions()
	opts.Bus = gate
	opts.Clock = cooldown.NewManualClock(time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC))
	reg, err := New(opts)
	require.NoError(t, err)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := reg.CreateRandomZombie(ctx, zombieNames[0], alice)
		assert.NoError(t, err)
	}()
	<-gate.entered

	go func() {
		defer wg.Done()
		_, err := reg.CreateRandomZombie(ctx, zombieNames[1], bob)
		assert.NoError(t, err)
	}()
	require.Eventually(t, func() bool { return reg.Stats().Sequence == 2 }, 5*time.Second, time.Millisecond)

	// Handlers of the held batch can still read the registry.
	owner, err := reg.OwnerOf(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, bob, owner)

	time.Sleep(20 * time.Millisecond)
	close(gate.release)
	wg.Wait()

	gate.mu.Lock()
	defer gate.mu.Unlock()
	assert.Equal(t, []uint64{0, 1}, gate.seqs)
}

func TestZeroOptions(t *testing.T) {
	reg, err := New(Options{Roller: combat.NewFixedRoller(0)})
	require.NoError(t, err)
	ctx := context.Background()
	assert.Zero(t, reg.CooldownTime())

	first, err := reg.CreateRandomZombie(ctx, zombieNames[0], alice)
	require.NoError(t, err)
	second, err := reg.CreateRandomZombie(ctx, zombieNames[1], bob)
	require.NoError(t, err)

	res, err := reg.Attack(ctx, first.ZombieID, second.ZombieID, alice)
	require.NoError(t, err)
	assert.Equal(t, combat.DefaultVictoryProbability, res.Event.Threshold)

	_, err = reg.Attack(ctx, first.ZombieID, second.ZombieID, alice)
	assert.NoError(t, err, "a zero cooldown never gates")
}

func TestCancelledContext(t *testing.T) {
	h := newHarness(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.reg.CreateRandomZombie(ctx, zombieNames[0], alice)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = h.reg.OwnerOf(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, h.reg.Stats().Zombies)
}

func TestHandlerErrorDoesNotFailOperation(t *testing.T) {
	h := newHarness(t, 0)
	_, err := h.reg.Bus().Subscribe(events.TypeCreated, func(bus.Event) error {
		return errors.New("sink down")
	})
	require.NoError(t, err)

	_, err = h.reg.CreateRandomZombie(context.Background(), zombieNames[0], alice)
	require.NoError(t, err)
}

func TestHandlerMayCallBack(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	var seen models.Identity
	_, err := h.reg.Bus().Subscribe(events.TypeCreated, func(e bus.Event) error {
		owner, err := h.reg.OwnerOf(ctx, e.(events.Created).ZombieID)
		seen = owner
		return err
	})
	require.NoError(t, err)

	_, err = h.reg.CreateRandomZombie(ctx, zombieNames[0], alice)
	require.NoError(t, err)
	assert.Equal(t, alice, seen)
}

func TestConcurrentCreatesKeepIDsUnique(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	const n = 64
	ids := make([]models.ZombieID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev, err := h.reg.CreateRandomZombie(ctx, fmt.Sprintf("z%d", i), models.Identity(fmt.Sprintf("acct-%d", i)))
			assert.NoError(t, err)
			ids[i] = ev.ZombieID
		}(i)
	}
	wg.Wait()

	seen := make(map[models.ZombieID]bool, n)
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Equal(t, n, h.reg.Stats().Zombies)
}

func TestNewValidatesOptions(t *testing.T) {
	opts := DefaultOptions()
	opts.Cooldown = -time.Minute
	_, err := New(opts)
	assert.Error(t, err)

	opts = DefaultOptions()
	opts.Combat.VictoryProbability = 120
	_, err = New(opts)
	assert.Error(t, err)

	r, err := New(Options{})
	require.NoError(t, err)
	assert.Zero(t, r.CooldownTime())
}
