package store

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/zeusync/horde/internal/core/errors"
	"github.com/zeusync/horde/internal/core/models"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestCreateAssignsSequentialIDs(t *testing.T) {
	s := New()

	a, err := s.Create("Zombie 1", "alice", epoch)
	require.NoError(t, err)
	b, err := s.Create("Zombie 2", "bob", epoch)
	require.NoError(t, err)

	assert.Equal(t, models.ZombieID(0), a.ID)
	assert.Equal(t, models.ZombieID(1), b.ID)
	assert.Equal(t, "Zombie 1", a.Name)
	assert.Equal(t, models.Identity("alice"), a.Owner)
	assert.Equal(t, uint32(1), a.Level)
	assert.Equal(t, epoch, a.ReadyTime)
	assert.Equal(t, epoch, a.CreatedAt)
	assert.Equal(t, models.OriginCreated, a.Origin)
	assert.Equal(t, models.GenerateDNA("Zombie 1", "alice", 0), a.DNA)
	assert.Equal(t, 2, s.Len())
}

func TestCreateRejectsSecondFreeZombie(t *testing.T) {
	s := New()
	_, err := s.Create("Zombie 1", "alice", epoch)
	require.NoError(t, err)

	_, err = s.Create("Zombie 2", "alice", epoch)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrDuplicateCreation))
	assert.Equal(t, 1, s.Len(), "failed create must not mint")
	assert.Equal(t, 1, s.BalanceOf("alice"))
}

func TestCreateRuleSurvivesTransfer(t *testing.T) {
	s := New()
	a, err := s.Create("Zombie 1", "alice", epoch)
	require.NoError(t, err)
	require.NoError(t, s.SetOwner(a.ID, "bob"))

	_, err = s.Create("again", "alice", epoch)
	assert.True(t, errors.Is(err, apperrors.ErrDuplicateCreation))

	// bob received a created zombie by transfer; his own free creation is untouched.
	_, err = s.Create("Zombie 2", "bob", epoch)
	require.NoError(t, err)
	assert.Equal(t, 2, s.BalanceOf("bob"))
}

func TestCreateRejectsEmptyIdentity(t *testing.T) {
	s := New()
	_, err := s.Create("nobody", "", epoch)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidArgument))
	assert.Zero(t, s.Len())
}

func TestSpawnBypassesUniqueness(t *testing.T) {
	s := New()
	_, err := s.Create("Zombie 1", "alice", epoch)
	require.NoError(t, err)

	z, err := s.Spawn("NoName", models.DNAModulus+42, "alice", epoch)
	require.NoError(t, err)
	assert.Equal(t, models.OriginSpawned, z.Origin)
	assert.Equal(t, models.DNA(42), z.DNA)
	assert.Equal(t, []models.ZombieID{0, 1}, s.ZombiesByOwner("alice"))
	assert.True(t, s.HasCreated("alice"))
}

func TestGetUnknown(t *testing.T) {
	s := New()
	_, err := s.Get(0)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
	_, err = s.OwnerOf(5)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestGetReturnsSnapshot(t *testing.T) {
	s := New()
	a, err := s.Create("Zombie 1", "alice", epoch)
	require.NoError(t, err)

	a.Name = "mutated"
	got, err := s.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Zombie 1", got.Name)
}

func TestSetOwnerKeepsIndexesConsistent(t *testing.T) {
	s := New()
	a, _ := s.Create("Zombie 1", "alice", epoch)
	b, _ := s.Create("Zombie 2", "bob", epoch)

	require.NoError(t, s.SetOwner(a.ID, "bob"))

	owner, err := s.OwnerOf(a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.Identity("bob"), owner)
	assert.False(t, s.Owns("alice", a.ID))
	assert.True(t, s.Owns("bob", a.ID))
	assert.Zero(t, s.BalanceOf("alice"))
	assert.Equal(t, []models.ZombieID{a.ID, b.ID}, s.ZombiesByOwner("bob"))
	assert.Empty(t, s.ZombiesByOwner("alice"))

	// every zombie sits in exactly its owner's set
	for id := models.ZombieID(0); int(id) < s.Len(); id++ {
		z, err := s.Get(id)
		require.NoError(t, err)
		assert.True(t, s.Owns(z.Owner, id))
	}
}

func TestSetOwnerFailuresLeaveStateAlone(t *testing.T) {
	s := New()
	a, _ := s.Create("Zombie 1", "alice", epoch)

	assert.True(t, errors.Is(s.SetOwner(a.ID, ""), apperrors.ErrInvalidArgument))
	assert.True(t, errors.Is(s.SetOwner(9, "bob"), apperrors.ErrNotFound))

	owner, _ := s.OwnerOf(a.ID)
	assert.Equal(t, models.Identity("alice"), owner)
	assert.True(t, s.Owns("alice", a.ID))
}

func TestUpdateCannotMoveOwnership(t *testing.T) {
	s := New()
	a, _ := s.Create("Zombie 1", "alice", epoch)

	require.NoError(t, s.Update(a.ID, func(z *models.Zombie) {
		z.WinCount = 3
		z.Owner = "mallory"
		z.ID = 99
	}))

	got, _ := s.Get(a.ID)
	assert.Equal(t, uint32(3), got.WinCount)
	assert.Equal(t, models.Identity("alice"), got.Owner)
	assert.Equal(t, a.ID, got.ID)
}
