// Package memory is a process-local membership.Gateway used by tests and
// local runs without Postgres.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/k1networth/rolekeeper/internal/membership"
)

// FaultFunc lets tests fail an operation. Returning nil lets it proceed.
type FaultFunc func(op string, ids ...membership.ID) error

type Store struct {
	mu       sync.RWMutex
	accounts map[membership.ID]membership.Account
	roles    map[membership.ID]membership.Role
	byName   map[string]membership.ID
	edges    map[membership.ID]map[membership.ID]struct{}
	deleted  map[membership.ID]membership.Role

	calls []string
	fault FaultFunc
}

var _ membership.Gateway = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		accounts: make(map[membership.ID]membership.Account),
		roles:    make(map[membership.ID]membership.Role),
		byName:   make(map[string]membership.ID),
		edges:    make(map[membership.ID]map[membership.ID]struct{}),
		deleted:  make(map[membership.ID]membership.Role),
	}
}

func (s *Store) InjectFault(fn FaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = fn
}

// Calls returns every operation seen so far, formatted "Op arg1 arg2".
func (s *Store) Calls() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.calls...)
}

// CallCount counts recorded calls whose operation name is op.
func (s *Store) CallCount(op string) int {
	n := 0
	for _, c := range s.Calls() {
		if c == op || strings.HasPrefix(c, op+" ") {
			n++
		}
	}
	return n
}

func (s *Store) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// begin records the call and consults the fault hook. Caller holds s.mu.
func (s *Store) begin(ctx context.Context, op string, args ...string) error {
	s.calls = append(s.calls, strings.TrimSpace(op+" "+strings.Join(args, " ")))
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.fault != nil {
		ids := make([]membership.ID, 0, len(args))
		for _, a := range args {
			ids = append(ids, membership.ID(a))
		}
		return s.fault(op, ids...)
	}
	return nil
}

func (s *Store) FindRoleByName(ctx context.Context, name string) (membership.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "FindRoleByName", name); err != nil {
		return membership.Role{}, err
	}
	id, ok := s.byName[name]
	if !ok {
		return membership.Role{}, membership.ErrNotFound
	}
	return s.roles[id], nil
}

func (s *Store) CreateRole(ctx context.Context, role membership.Role) (membership.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "CreateRole", role.Name); err != nil {
		return membership.Role{}, err
	}
	if strings.TrimSpace(role.Name) == "" {
		return membership.Role{}, fmt.Errorf("role name is required")
	}
	if id, ok := s.byName[role.Name]; ok {
		return s.roles[id], nil
	}
	if role.ID.IsZero() {
		role.ID = membership.ID(uuid.NewString())
	}
	s.roles[role.ID] = role
	s.byName[role.Name] = role.ID
	return role, nil
}

func (s *Store) AssignRole(ctx context.Context, accountID, roleID membership.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "AssignRole", string(accountID), string(roleID)); err != nil {
		return err
	}
	if _, ok := s.accounts[accountID]; !ok {
		return fmt.Errorf("account %s: %w", accountID, membership.ErrNotFound)
	}
	set, ok := s.edges[accountID]
	if !ok {
		set = make(map[membership.ID]struct{})
		s.edges[accountID] = set
	}
	set[roleID] = struct{}{}
	return nil
}

func (s *Store) RemoveRole(ctx context.Context, accountID, roleID membership.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "RemoveRole", string(accountID), string(roleID)); err != nil {
		return err
	}
	delete(s.edges[accountID], roleID)
	return nil
}

func (s *Store) FindAccountsByRoleID(ctx context.Context, roleID membership.ID) ([]membership.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "FindAccountsByRoleID", string(roleID)); err != nil {
		return nil, err
	}
	var out []membership.Account
	for accountID, set := range s.edges {
		if _, ok := set[roleID]; ok {
			out = append(out, s.withRoles(s.accounts[accountID]))
		}
	}
	sortAccounts(out)
	return out, nil
}

func (s *Store) FindAccountByID(ctx context.Context, id membership.ID) (membership.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "FindAccountByID", string(id)); err != nil {
		return membership.Account{}, err
	}
	a, ok := s.accounts[id]
	if !ok {
		return membership.Account{}, membership.ErrNotFound
	}
	return s.withRoles(a), nil
}

func (s *Store) FindRoleByID(ctx context.Context, id membership.ID) (membership.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "FindRoleByID", string(id)); err != nil {
		return membership.Role{}, err
	}
	r, ok := s.roles[id]
	if !ok {
		return membership.Role{}, membership.ErrNotFound
	}
	return r, nil
}

func (s *Store) ListRoles(ctx context.Context) ([]membership.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "ListRoles"); err != nil {
		return nil, err
	}
	out := make([]membership.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]membership.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "ListAccounts"); err != nil {
		return nil, err
	}
	out := make([]membership.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, s.withRoles(a))
	}
	sortAccounts(out)
	return out, nil
}

func (s *Store) RolesForAccount(ctx context.Context, accountID membership.ID) ([]membership.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "RolesForAccount", string(accountID)); err != nil {
		return nil, err
	}
	if _, ok := s.accounts[accountID]; !ok {
		return nil, membership.ErrNotFound
	}
	return s.withRoles(s.accounts[accountID]).Roles, nil
}

func (s *Store) CreateAccount(ctx context.Context, a membership.Account) (membership.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "CreateAccount", a.Username); err != nil {
		return membership.Account{}, err
	}
	for _, existing := range s.accounts {
		if existing.Username == a.Username {
			return membership.Account{}, fmt.Errorf("username %q: %w", a.Username, membership.ErrConflict)
		}
	}
	if a.ID.IsZero() {
		a.ID = membership.ID(uuid.NewString())
	}
	if _, ok := s.accounts[a.ID]; ok {
		return membership.Account{}, fmt.Errorf("account %s: %w", a.ID, membership.ErrConflict)
	}
	a.Roles = nil
	s.accounts[a.ID] = a
	return a, nil
}

// DeleteRole removes the role and records a tombstone. Memberships that
// reference it stay until the role/deleted cascade removes them.
func (s *Store) DeleteRole(ctx context.Context, id membership.ID) (membership.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "DeleteRole", string(id)); err != nil {
		return membership.Role{}, err
	}
	r, ok := s.roles[id]
	if !ok {
		return membership.Role{}, membership.ErrNotFound
	}
	delete(s.roles, id)
	delete(s.byName, r.Name)
	s.deleted[id] = r
	return r, nil
}

func (s *Store) FindDeletedRole(ctx context.Context, id membership.ID) (membership.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "FindDeletedRole", string(id)); err != nil {
		return membership.Role{}, err
	}
	r, ok := s.deleted[id]
	if !ok {
		return membership.Role{}, membership.ErrNotFound
	}
	r.Active = false
	return r, nil
}

// UpdateAccount replaces the profile fields of an existing account. Its
// memberships are untouched.
func (s *Store) UpdateAccount(ctx context.Context, a membership.Account) (membership.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "UpdateAccount", string(a.ID)); err != nil {
		return membership.Account{}, err
	}
	if _, ok := s.accounts[a.ID]; !ok {
		return membership.Account{}, membership.ErrNotFound
	}
	for id, existing := range s.accounts {
		if id != a.ID && existing.Username == a.Username {
			return membership.Account{}, fmt.Errorf("username %q: %w", a.Username, membership.ErrConflict)
		}
	}
	a.Roles = nil
	s.accounts[a.ID] = a
	return s.withRoles(a), nil
}

func (s *Store) DeleteAccount(ctx context.Context, id membership.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "DeleteAccount", string(id)); err != nil {
		return err
	}
	if _, ok := s.accounts[id]; !ok {
		return membership.ErrNotFound
	}
	delete(s.accounts, id)
	delete(s.edges, id)
	return nil
}

func (s *Store) UpdateRole(ctx context.Context, role membership.Role) (membership.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "UpdateRole", string(role.ID)); err != nil {
		return membership.Role{}, err
	}
	old, ok := s.roles[role.ID]
	if !ok {
		return membership.Role{}, membership.ErrNotFound
	}
	if id, taken := s.byName[role.Name]; taken && id != role.ID {
		return membership.Role{}, fmt.Errorf("role %q: %w", role.Name, membership.ErrConflict)
	}
	delete(s.byName, old.Name)
	s.roles[role.ID] = role
	s.byName[role.Name] = role.ID
	return role, nil
}

// HeldRoleIDs reads stored memberships directly, bypassing call recording.
func (s *Store) HeldRoleIDs(accountID membership.ID) []membership.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]membership.ID, 0, len(s.edges[accountID]))
	for id := range s.edges[accountID] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// withRoles copies a and fills its role set. Edges to deleted roles are kept
// with only their id, as Postgres would return them.
func (s *Store) withRoles(a membership.Account) membership.Account {
	a.Roles = make([]membership.Role, 0, len(s.edges[a.ID]))
	for roleID := range s.edges[a.ID] {
		r, ok := s.roles[roleID]
		if !ok {
			r = membership.Role{ID: roleID}
		}
		a.Roles = append(a.Roles, r)
	}
	sort.Slice(a.Roles, func(i, j int) bool { return a.Roles[i].ID < a.Roles[j].ID })
	return a
}

func sortAccounts(in []membership.Account) {
	sort.Slice(in, func(i, j int) bool { return in[i].ID < in[j].ID })
}
