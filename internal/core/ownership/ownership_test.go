package ownership

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/zeusync/horde/internal/core/errors"
	"github.com/zeusync/horde/internal/core/models"
	"github.com/zeusync/horde/internal/core/store"
)

const (
	alice models.Identity = "alice"
	bob   models.Identity = "bob"
	carol models.Identity = "carol"
)

func setup(t *testing.T) (*Protocol, *store.Store, models.ZombieID) {
	t.Helper()
	s := store.New()
	z, err := s.Create("Zombie 1", alice, time.Unix(0, 0))
	require.NoError(t, err)
	return New(s), s, z.ID
}

func TestSingleStepTransfer(t *testing.T) {
	p, _, id := setup(t)

	tr, err := p.TransferFrom(alice, bob, id, alice)
	require.NoError(t, err)
	assert.Equal(t, Transfer{From: alice, To: bob, ZombieID: id}, tr)

	owner, err := p.OwnerOf(id)
	require.NoError(t, err)
	assert.Equal(t, bob, owner)
	assert.Equal(t, 1, p.BalanceOf(bob))
	assert.Zero(t, p.BalanceOf(alice))
}

func TestTwoStepTransferBySpender(t *testing.T) {
	p, _, id := setup(t)

	ap, err := p.Approve(bob, id, alice)
	require.NoError(t, err)
	assert.Equal(t, Approval{Owner: alice, Spender: bob, ZombieID: id}, ap)

	tr, err := p.TransferFrom(alice, bob, id, bob)
	require.NoError(t, err)
	assert.True(t, tr.Delegated)

	owner, _ := p.OwnerOf(id)
	assert.Equal(t, bob, owner)

	_, ok, err := p.GetApproved(id)
	require.NoError(t, err)
	assert.False(t, ok, "approval must be cleared by transfer")
}

func TestTwoStepTransferByOwner(t *testing.T) {
	p, _, id := setup(t)

	_, err := p.Approve(bob, id, alice)
	require.NoError(t, err)

	tr, err := p.TransferFrom(alice, bob, id, alice)
	require.NoError(t, err)
	assert.False(t, tr.Delegated)

	owner, _ := p.OwnerOf(id)
	assert.Equal(t, bob, owner)
	_, ok, _ := p.GetApproved(id)
	assert.False(t, ok)
}

func TestApproveDoesNotChangeOwner(t *testing.T) {
	p, _, id := setup(t)

	_, err := p.Approve(bob, id, alice)
	require.NoError(t, err)

	owner, _ := p.OwnerOf(id)
	assert.Equal(t, alice, owner)
	spender, ok, _ := p.GetApproved(id)
	assert.True(t, ok)
	assert.Equal(t, bob, spender)
}

func TestApproveOverwrites(t *testing.T) {
	p, _, id := setup(t)

	_, _ = p.Approve(bob, id, alice)
	_, err := p.Approve(carol, id, alice)
	require.NoError(t, err)

	_, err = p.TransferFrom(alice, bob, id, bob)
	assert.True(t, errors.Is(err, apperrors.ErrNotAuthorized), "replaced spender loses the right")

	_, err = p.TransferFrom(alice, carol, id, carol)
	require.NoError(t, err)
}

func TestApproveRequiresOwner(t *testing.T) {
	p, _, id := setup(t)

	_, err := p.Approve(carol, id, bob)
	assert.True(t, errors.Is(err, apperrors.ErrNotOwner))
	_, ok, _ := p.GetApproved(id)
	assert.False(t, ok)

	_, err = p.Approve(bob, 42, alice)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))

	_, err = p.Approve(alice, id, alice)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidArgument))
	_, err = p.Approve("", id, alice)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidArgument))
}

func TestTransferByStrangerFails(t *testing.T) {
	p, _, id := setup(t)

	_, err := p.TransferFrom(alice, carol, id, carol)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNotAuthorized))

	owner, _ := p.OwnerOf(id)
	assert.Equal(t, alice, owner)
}

func TestTransferOwnershipMismatch(t *testing.T) {
	p, _, id := setup(t)

	// bob claims to be the sender of a zombie he does not own
	_, err := p.TransferFrom(bob, carol, id, bob)
	assert.True(t, errors.Is(err, apperrors.ErrOwnershipMismatch))

	// the approved spender names the wrong from
	_, _ = p.Approve(bob, id, alice)
	_, err = p.TransferFrom(carol, bob, id, bob)
	assert.True(t, errors.Is(err, apperrors.ErrOwnershipMismatch))

	owner, _ := p.OwnerOf(id)
	assert.Equal(t, alice, owner)
	spender, ok, _ := p.GetApproved(id)
	assert.True(t, ok, "failed transfer keeps approval")
	assert.Equal(t, bob, spender)
}

func TestTransferErrorOrder(t *testing.T) {
	p, _, _ := setup(t)

	_, err := p.TransferFrom(alice, bob, 7, carol)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestTransferToEmptyIdentity(t *testing.T) {
	p, _, id := setup(t)

	_, err := p.TransferFrom(alice, "", id, alice)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidArgument))
	owner, _ := p.OwnerOf(id)
	assert.Equal(t, alice, owner)
}

func TestTransferToSelfClearsApproval(t *testing.T) {
	p, s, id := setup(t)

	_, _ = p.Approve(bob, id, alice)
	_, err := p.TransferFrom(alice, alice, id, alice)
	require.NoError(t, err)

	_, ok, _ := p.GetApproved(id)
	assert.False(t, ok)
	assert.Equal(t, []models.ZombieID{id}, s.ZombiesByOwner(alice))
}

func TestGetApprovedUnknown(t *testing.T) {
	p, _, _ := setup(t)
	_, _, err := p.GetApproved(3)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}
