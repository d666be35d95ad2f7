// Package store holds the canonical zombie table together with the owner index.
//
// Store is not safe for concurrent use. The registry facade serializes access.
package store

import (
	"slices"
	"time"

	apperrors "github.com/zeusync/horde/internal/core/errors"
	"github.com/zeusync/horde/internal/core/models"
)

// Store is the EntityStore: zombies by id, ids by owner, and the set of identities
// that have used the free creation path.
type Store struct {
	zombies  []*models.Zombie // indexed by ZombieID
	owners   map[models.Identity]map[models.ZombieID]struct{}
	creators map[models.Identity]models.ZombieID
}

func New() *Store {
	return &Store{
		owners:   make(map[models.Identity]map[models.ZombieID]struct{}),
		creators: make(map[models.Identity]models.ZombieID),
	}
}

// Len returns the number of zombies ever minted.
func (s *Store) Len() int { return len(s.zombies) }

// NextID is the id the next minted zombie will receive.
func (s *Store) NextID() models.ZombieID { return models.ZombieID(len(s.zombies)) }

// HasCreated reports whether identity already used the free creation path.
func (s *Store) HasCreated(identity models.Identity) bool {
	_, ok := s.creators[identity]
	return ok
}

// Create mints the creator's one free zombie.
func (s *Store) Create(name string, creator models.Identity, now time.Time) (*models.Zombie, error) {
	const op = "create"
	if !creator.Valid() {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, op, "creator identity is empty")
	}
	if first, ok := s.creators[creator]; ok {
		return nil, apperrors.New(apperrors.CodeDuplicateCreation, op, "identity already created a zombie").
			WithMeta("creator", creator.String()).
			WithMeta("zombie_id", first.String())
	}

	id := s.NextID()
	z := s.insert(&models.Zombie{
		ID:     id,
		Name:   name,
		DNA:    models.GenerateDNA(name, creator, id),
		Owner:  creator,
		Origin: models.OriginCreated,
	}, now)
	s.creators[creator] = id
	return z.Clone(), nil
}

// Spawn mints a zombie outside the free creation path. The uniqueness rule does
// not apply.
func (s *Store) Spawn(name string, dna models.DNA, owner models.Identity, now time.Time) (*models.Zombie, error) {
	if !owner.Valid() {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "spawn", "owner identity is empty")
	}
	z := s.insert(&models.Zombie{
		ID:     s.NextID(),
		Name:   name,
		DNA:    dna % models.DNAModulus,
		Owner:  owner,
		Origin: models.OriginSpawned,
	}, now)
	return z.Clone(), nil
}

func (s *Store) insert(z *models.Zombie, now time.Time) *models.Zombie {
	z.Level = 1
	z.CreatedAt = now
	z.ReadyTime = now
	s.zombies = append(s.zombies, z)
	s.index(z.Owner, z.ID)
	return z
}

// Get returns a snapshot of the zombie.
func (s *Store) Get(id models.ZombieID) (*models.Zombie, error) {
	z, err := s.lookup("get", id)
	if err != nil {
		return nil, err
	}
	return z.Clone(), nil
}

// Exists reports whether id was ever minted.
func (s *Store) Exists(id models.ZombieID) bool {
	return uint64(id) < uint64(len(s.zombies))
}

// OwnerOf returns the current owner of id.
func (s *Store) OwnerOf(id models.ZombieID) (models.Identity, error) {
	z, err := s.lookup("owner_of", id)
	if err != nil {
		return "", err
	}
	return z.Owner, nil
}

// BalanceOf counts the zombies owner currently holds.
func (s *Store) BalanceOf(owner models.Identity) int {
	return len(s.owners[owner])
}

// Owns is the O(1) membership check of the owner index.
func (s *Store) Owns(owner models.Identity, id models.ZombieID) bool {
	_, ok := s.owners[owner][id]
	return ok
}

// ZombiesByOwner lists owner's zombie ids in ascending order.
func (s *Store) ZombiesByOwner(owner models.Identity) []models.ZombieID {
	set := s.owners[owner]
	ids := make([]models.ZombieID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// SetOwner moves id to newOwner, updating the record and both index entries.
func (s *Store) SetOwner(id models.ZombieID, newOwner models.Identity) error {
	const op = "set_owner"
	z, err := s.lookup(op, id)
	if err != nil {
		return err
	}
	if !newOwner.Valid() {
		return apperrors.New(apperrors.CodeInvalidArgument, op, "new owner identity is empty")
	}
	if z.Owner == newOwner {
		return nil
	}
	s.unindex(z.Owner, id)
	s.index(newOwner, id)
	z.Owner = newOwner
	return nil
}

// Update applies fn to the stored record. fn must not change ID or Owner; owner
// moves go through SetOwner so the index stays consistent.
func (s *Store) Update(id models.ZombieID, fn func(z *models.Zombie)) error {
	z, err := s.lookup("update", id)
	if err != nil {
		return err
	}
	owner := z.Owner
	fn(z)
	z.ID = id
	z.Owner = owner
	return nil
}

func (s *Store) lookup(op string, id models.ZombieID) (*models.Zombie, error) {
	if !s.Exists(id) {
		return nil, apperrors.New(apperrors.CodeNotFound, op, "zombie not found").
			WithMeta("zombie_id", id.String())
	}
	return s.zombies[id], nil
}

func (s *Store) index(owner models.Identity, id models.ZombieID) {
	set, ok := s.owners[owner]
	if !ok {
		set = make(map[models.ZombieID]struct{})
		s.owners[owner] = set
	}
	set[id] = struct{}{}
}

func (s *Store) unindex(owner models.Identity, id models.ZombieID) {
	set := s.owners[owner]
	delete(set, id)
	if len(set) == 0 {
		delete(s.owners, owner)
	}
}
