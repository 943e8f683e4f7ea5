package federation

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"convoke/pkg/types"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// ActorStore is the persistence boundary for actor records.
type ActorStore interface {
	ActorByURI(uri string) (*types.Actor, error)
	ActorByID(id uuid.UUID) (*types.Actor, error)
	CreateActor(actor *types.Actor) error
	UpdateActor(actor *types.Actor) error
}

// AccountStore resolves local principals.
type AccountStore interface {
	AccountByID(id uuid.UUID) (*types.Account, error)
	AccountByUsername(username string) (*types.Account, error)
}

// MembershipStore persists editor grants keyed by (actor, account).
type MembershipStore interface {
	Membership(actorID, accountID uuid.UUID) (*types.EditorMembership, error)
	CreateMembership(m *types.EditorMembership) error
	DeleteMemberships(actorID, accountID uuid.UUID) (int, error)
}

// MemoryStore is an in-memory implementation of all three store interfaces,
// safe for concurrent use. It backs local development and tests; deployments
// wire the relational layer in instead.
type MemoryStore struct {
	mu sync.RWMutex

	actorsByURI map[string]*types.Actor
	actorsByID  map[uuid.UUID]*types.Actor

	accountsByID   map[uuid.UUID]*types.Account
	accountsByName map[string]*types.Account

	memberships map[string]*types.EditorMembership // actorID:accountID
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		actorsByURI:    make(map[string]*types.Actor),
		actorsByID:     make(map[uuid.UUID]*types.Actor),
		accountsByID:   make(map[uuid.UUID]*types.Account),
		accountsByName: make(map[string]*types.Account),
		memberships:    make(map[string]*types.EditorMembership),
	}
}

func (s *MemoryStore) ActorByURI(uri string) (*types.Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	actor, exists := s.actorsByURI[uri]
	if !exists {
		return nil, fmt.Errorf("actor %s: %w", uri, ErrNotFound)
	}
	cp := *actor
	return &cp, nil
}

func (s *MemoryStore) ActorByID(id uuid.UUID) (*types.Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	actor, exists := s.actorsByID[id]
	if !exists {
		return nil, fmt.Errorf("actor %s: %w", id, ErrNotFound)
	}
	cp := *actor
	return &cp, nil
}

func (s *MemoryStore) CreateActor(actor *types.Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.actorsByURI[actor.URI]; exists {
		return fmt.Errorf("actor %s already exists", actor.URI)
	}
	if err := checkKeyInvariant(actor); err != nil {
		return err
	}

	cp := *actor
	s.actorsByURI[cp.URI] = &cp
	s.actorsByID[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateActor(actor *types.Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.actorsByID[actor.ID]
	if !exists {
		return fmt.Errorf("actor %s: %w", actor.ID, ErrNotFound)
	}
	if existing.URI != actor.URI {
		return fmt.Errorf("actor URI is immutable: %s", existing.URI)
	}
	if err := checkKeyInvariant(actor); err != nil {
		return err
	}

	cp := *actor
	s.actorsByURI[cp.URI] = &cp
	s.actorsByID[cp.ID] = &cp
	return nil
}

// AddAccount registers a local account. Not part of AccountStore; accounts
// are provisioned by the surrounding application, this mirrors that step.
func (s *MemoryStore) AddAccount(account *types.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *account
	s.accountsByID[cp.ID] = &cp
	s.accountsByName[cp.Username] = &cp
}

func (s *MemoryStore) AccountByID(id uuid.UUID) (*types.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, exists := s.accountsByID[id]
	if !exists {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	cp := *account
	return &cp, nil
}

func (s *MemoryStore) AccountByUsername(username string) (*types.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, exists := s.accountsByName[username]
	if !exists {
		return nil, fmt.Errorf("account %s: %w", username, ErrNotFound)
	}
	cp := *account
	return &cp, nil
}

func (s *MemoryStore) Membership(actorID, accountID uuid.UUID) (*types.EditorMembership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, exists := s.memberships[membershipKey(actorID, accountID)]
	if !exists {
		return nil, fmt.Errorf("membership: %w", ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) CreateMembership(m *types.EditorMembership) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := membershipKey(m.ActorID, m.AccountID)
	if _, exists := s.memberships[key]; exists {
		return fmt.Errorf("membership already exists")
	}

	cp := *m
	s.memberships[key] = &cp
	return nil
}

func (s *MemoryStore) DeleteMemberships(actorID, accountID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := membershipKey(actorID, accountID)
	if _, exists := s.memberships[key]; !exists {
		return 0, nil
	}
	delete(s.memberships, key)
	return 1, nil
}

func membershipKey(actorID, accountID uuid.UUID) string {
	return actorID.String() + ":" + accountID.String()
}

// checkKeyInvariant rejects any write that would leave a remote actor
// holding a private key. A remote actor able to sign on this server's behalf
// would be a standing forgery risk, so the store enforces this rather than
// trusting callers.
func checkKeyInvariant(actor *types.Actor) error {
	if actor.Kind == types.ActorRemote && actor.PrivateKeyPEM != "" {
		return fmt.Errorf("remote actor %s must not hold a private key", actor.URI)
	}
	return nil
}
