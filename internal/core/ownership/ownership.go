// Package ownership implements the approve/transfer/owner-query protocol over the
// zombie store. Like the store it relies on the caller for serialization.
package ownership

import (
	apperrors "github.com/zeusync/horde/internal/core/errors"
	"github.com/zeusync/horde/internal/core/models"
	"github.com/zeusync/horde/internal/core/store"
)

// Approval is the outcome of a successful Approve.
type Approval struct {
	Owner    models.Identity
	Spender  models.Identity
	ZombieID models.ZombieID
}

// Transfer is the outcome of a successful TransferFrom.
type Transfer struct {
	From     models.Identity
	To       models.Identity
	ZombieID models.ZombieID
	// Delegated is set when the approved spender, not the owner, moved the zombie.
	Delegated bool
}

// Protocol owns the approval table and delegates owner changes to the store.
type Protocol struct {
	store     *store.Store
	approvals map[models.ZombieID]models.Identity
}

func New(s *store.Store) *Protocol {
	return &Protocol{
		store:     s,
		approvals: make(map[models.ZombieID]models.Identity),
	}
}

func (p *Protocol) OwnerOf(id models.ZombieID) (models.Identity, error) {
	return p.store.OwnerOf(id)
}

func (p *Protocol) BalanceOf(owner models.Identity) int {
	return p.store.BalanceOf(owner)
}

// GetApproved returns the approved spender for id, if any.
func (p *Protocol) GetApproved(id models.ZombieID) (models.Identity, bool, error) {
	if _, err := p.store.OwnerOf(id); err != nil {
		return "", false, err
	}
	spender, ok := p.approvals[id]
	return spender, ok, nil
}

// Approve grants spender the right to transfer id once. A later Approve replaces it.
func (p *Protocol) Approve(spender models.Identity, id models.ZombieID, caller models.Identity) (Approval, error) {
	const op = "approve"
	owner, err := p.store.OwnerOf(id)
	if err != nil {
		return Approval{}, err
	}
	if caller != owner {
		return Approval{}, apperrors.New(apperrors.CodeNotOwner, op, "only the owner may approve").
			WithMeta("zombie_id", id.String()).
			WithMeta("caller", caller.String())
	}
	if !spender.Valid() {
		return Approval{}, apperrors.New(apperrors.CodeInvalidArgument, op, "spender identity is empty")
	}
	if spender == owner {
		return Approval{}, apperrors.New(apperrors.CodeInvalidArgument, op, "owner cannot approve itself")
	}

	p.approvals[id] = spender
	return Approval{Owner: owner, Spender: spender, ZombieID: id}, nil
}

// TransferFrom moves id from from to to. caller must be from (owner-initiated)
// or the approved spender (delegated). All checks run before anything changes.
func (p *Protocol) TransferFrom(from, to models.Identity, id models.ZombieID, caller models.Identity) (Transfer, error) {
	const op = "transfer_from"
	owner, err := p.store.OwnerOf(id)
	if err != nil {
		return Transfer{}, err
	}

	approved, hasApproval := p.approvals[id]
	delegated := hasApproval && caller == approved && caller != from
	if caller != from && !delegated {
		return Transfer{}, apperrors.New(apperrors.CodeNotAuthorized, op, "caller is neither from nor the approved spender").
			WithMeta("zombie_id", id.String()).
			WithMeta("caller", caller.String())
	}
	if from != owner {
		return Transfer{}, apperrors.New(apperrors.CodeOwnershipMismatch, op, "from is not the current owner").
			WithMeta("zombie_id", id.String()).
			WithMeta("from", from.String())
	}
	if !to.Valid() {
		return Transfer{}, apperrors.New(apperrors.CodeInvalidArgument, op, "recipient identity is empty")
	}

	if err = p.store.SetOwner(id, to); err != nil {
		return Transfer{}, err
	}
	delete(p.approvals, id)
	return Transfer{From: from, To: to, ZombieID: id, Delegated: delegated}, nil
}
