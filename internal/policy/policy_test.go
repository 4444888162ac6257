package policy_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/k1networth/rolekeeper/internal/membership"
	"github.com/k1networth/rolekeeper/internal/membership/memory"
	"github.com/k1networth/rolekeeper/internal/policy"
	"github.com/k1networth/rolekeeper/internal/shared/logger"
)

var testConfig = policy.Config{
	DefaultRoleName:        "USER",
	DefaultRoleDescription: "Default role",
	FallbackRoleName:       "GUEST",
}

func newPolicies(t *testing.T, gw policy.Gateway, cfg policy.Config) (*policy.DefaultRole, *policy.Cascade) {
	t.Helper()
	def, err := policy.NewDefaultRole(gw, cfg, logger.Discard())
	if err != nil {
		t.Fatalf("new default role: %v", err)
	}
	cas, err := policy.NewCascade(gw, def, cfg, logger.Discard())
	if err != nil {
		t.Fatalf("new cascade: %v", err)
	}
	return def, cas
}

func mustAccount(t *testing.T, s *memory.Store, username string) membership.Account {
	t.Helper()
	a, err := s.CreateAccount(context.Background(), membership.Account{Username: username, Active: true})
	if err != nil {
		t.Fatalf("create account %s: %v", username, err)
	}
	return a
}

func mustRole(t *testing.T, s *memory.Store, name string) membership.Role {
	t.Helper()
	r, err := s.CreateRole(context.Background(), membership.Role{Name: name, Active: true})
	if err != nil {
		t.Fatalf("create role %s: %v", name, err)
	}
	return r
}

func mustAssign(t *testing.T, s *memory.Store, a membership.Account, r membership.Role) {
	t.Helper()
	if err := s.AssignRole(context.Background(), a.ID, r.ID); err != nil {
		t.Fatalf("assign %s to %s: %v", r.Name, a.Username, err)
	}
}

func TestNewRejectsEmptyDefaultRole(t *testing.T) {
	_, err := policy.NewDefaultRole(memory.NewStore(), policy.Config{}, logger.Discard())
	if !errors.Is(err, policy.ErrNoDefaultRole) {
		t.Fatalf("expected ErrNoDefaultRole, got %v", err)
	}
}

func TestEnsureDefaultRoleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	user := mustRole(t, s, "USER")
	acct := mustAccount(t, s, "ana")
	def, _ := newPolicies(t, s, testConfig)

	for i := 0; i < 3; i++ {
		if err := def.EnsureDefaultRole(ctx, &acct); err != nil {
			t.Fatalf("ensure #%d: %v", i, err)
		}
	}

	held := s.HeldRoleIDs(acct.ID)
	if len(held) != 1 || held[0] != user.ID {
		t.Fatalf("expected [%s], got %v", user.ID, held)
	}
	if len(acct.Roles) != 1 {
		t.Fatalf("expected 1 local role, got %d", len(acct.Roles))
	}
	if got := s.CallCount("CreateRole"); got != 1 {
		t.Fatalf("expected only the setup CreateRole, got %d", got)
	}
}

func TestEnsureDefaultRoleCreatesMissingRole(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	acct := mustAccount(t, s, "ana")
	def, _ := newPolicies(t, s, testConfig)

	if err := def.EnsureDefaultRole(ctx, &acct); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	role, err := s.FindRoleByName(ctx, "USER")
	if err != nil {
		t.Fatalf("expected USER to exist, got %v", err)
	}
	if role.Description != "Default role" || !role.Active {
		t.Fatalf("unexpected created role: %+v", role)
	}
	if !acct.HasRole(role.ID) {
		t.Fatalf("expected local copy to hold %s", role.ID)
	}
}

func TestEnsureDefaultRoleConcurrentConverges(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	a := mustAccount(t, s, "ana")
	b := mustAccount(t, s, "ben")
	def, _ := newPolicies(t, s, testConfig)

	var wg sync.WaitGroup
	for _, acct := range []membership.Account{a, b} {
		acct := acct
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := def.EnsureDefaultRole(ctx, &acct); err != nil {
				t.Errorf("ensure %s: %v", acct.Username, err)
			}
		}()
	}
	wg.Wait()

	roles, err := s.ListRoles(ctx)
	if err != nil {
		t.Fatalf("list roles: %v", err)
	}
	if len(roles) != 1 || roles[0].Name != "USER" {
		t.Fatalf("expected a single USER role, got %+v", roles)
	}
	ha, hb := s.HeldRoleIDs(a.ID), s.HeldRoleIDs(b.ID)
	if len(ha) != 1 || len(hb) != 1 || ha[0] != hb[0] {
		t.Fatalf("expected both to hold the same role, got %v and %v", ha, hb)
	}
}

func TestEnsureDefaultRoleWrapsGatewayError(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	acct := mustAccount(t, s, "ana")
	def, _ := newPolicies(t, s, testConfig)

	boom := errors.New("connection reset")
	s.InjectFault(func(op string, _ ...membership.ID) error {
		if op == "AssignRole" {
			return boom
		}
		return nil
	})

	err := def.EnsureDefaultRole(ctx, &acct)
	var perr *policy.Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected *policy.Error, got %T %v", err, err)
	}
	if perr.Op != "assign_role" || !errors.Is(err, boom) {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(acct.Roles) != 0 {
		t.Fatalf("expected local copy untouched, got %+v", acct.Roles)
	}
}

func TestCascadeRemovesRoleAndRegrantsDefault(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	user := mustRole(t, s, "USER")
	r1 := mustRole(t, s, "R1")
	r2 := mustRole(t, s, "R2")
	a := mustAccount(t, s, "ana")
	b := mustAccount(t, s, "ben")
	mustAssign(t, s, a, r1)
	mustAssign(t, s, b, r1)
	mustAssign(t, s, b, r2)
	_, cas := newPolicies(t, s, testConfig)

	if _, err := s.DeleteRole(ctx, r1.ID); err != nil {
		t.Fatalf("delete role: %v", err)
	}
	if err := cas.CascadeRoleDeletion(ctx, r1); err != nil {
		t.Fatalf("cascade: %v", err)
	}

	if got := s.HeldRoleIDs(a.ID); len(got) != 1 || got[0] != user.ID {
		t.Fatalf("expected A to hold only USER, got %v", got)
	}
	if got := s.HeldRoleIDs(b.ID); len(got) != 1 || got[0] != r2.ID {
		t.Fatalf("expected B to hold only R2, got %v", got)
	}
}

func TestCascadeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	mustRole(t, s, "USER")
	r1 := mustRole(t, s, "R1")
	a := mustAccount(t, s, "ana")
	mustAssign(t, s, a, r1)
	_, cas := newPolicies(t, s, testConfig)

	if err := cas.CascadeRoleDeletion(ctx, r1); err != nil {
		t.Fatalf("first cascade: %v", err)
	}
	first := s.HeldRoleIDs(a.ID)

	s.ResetCalls()
	if err := cas.CascadeRoleDeletion(ctx, r1); err != nil {
		t.Fatalf("second cascade: %v", err)
	}
	second := s.HeldRoleIDs(a.ID)

	if len(first) != 1 || len(second) != 1 || first[0] != second[0] {
		t.Fatalf("expected stable state, got %v then %v", first, second)
	}
	if got := s.CallCount("AssignRole"); got != 0 {
		t.Fatalf("expected no writes on redelivery, got %d assigns", got)
	}
}

func TestCascadeWithNoHoldersDoesNothing(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	r := mustRole(t, s, "ORPHAN")
	_, cas := newPolicies(t, s, testConfig)

	s.ResetCalls()
	if err := cas.CascadeRoleDeletion(ctx, r); err != nil {
		t.Fatalf("cascade: %v", err)
	}
	calls := s.Calls()
	if len(calls) != 1 || calls[0] != "FindAccountsByRoleID "+string(r.ID) {
		t.Fatalf("expected a single lookup, got %v", calls)
	}
}

func TestCascadeDefaultRoleDeletedUsesFallback(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	user := mustRole(t, s, "USER")
	a := mustAccount(t, s, "ana")
	mustAssign(t, s, a, user)
	_, cas := newPolicies(t, s, testConfig)

	if _, err := s.DeleteRole(ctx, user.ID); err != nil {
		t.Fatalf("delete role: %v", err)
	}
	if err := cas.CascadeRoleDeletion(ctx, user); err != nil {
		t.Fatalf("cascade: %v", err)
	}

	if _, err := s.FindRoleByName(ctx, "USER"); !errors.Is(err, membership.ErrNotFound) {
		t.Fatalf("expected USER to stay deleted, got %v", err)
	}
	guest, err := s.FindRoleByName(ctx, "GUEST")
	if err != nil {
		t.Fatalf("expected GUEST to be created, got %v", err)
	}
	if got := s.HeldRoleIDs(a.ID); len(got) != 1 || got[0] != guest.ID {
		t.Fatalf("expected A to hold GUEST, got %v", got)
	}
}

func TestCascadeDefaultRoleDeletedWithoutFallback(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	user := mustRole(t, s, "USER")
	a := mustAccount(t, s, "ana")
	mustAssign(t, s, a, user)

	cfg := testConfig
	cfg.FallbackRoleName = ""
	_, cas := newPolicies(t, s, cfg)

	if _, err := s.DeleteRole(ctx, user.ID); err != nil {
		t.Fatalf("delete role: %v", err)
	}
	if err := cas.CascadeRoleDeletion(ctx, user); err != nil {
		t.Fatalf("cascade: %v", err)
	}
	if got := s.HeldRoleIDs(a.ID); len(got) != 0 {
		t.Fatalf("expected A to be left without roles, got %v", got)
	}
	if got := s.CallCount("CreateRole"); got != 1 {
		t.Fatalf("expected no role to be re-created, got %d CreateRole calls", got)
	}
}

func TestCascadeUnnamedDefaultRoleResolvedFromTombstone(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	user := mustRole(t, s, "USER")
	a := mustAccount(t, s, "ana")
	mustAssign(t, s, a, user)
	_, cas := newPolicies(t, s, testConfig)

	if _, err := s.DeleteRole(ctx, user.ID); err != nil {
		t.Fatalf("delete role: %v", err)
	}
	if err := cas.CascadeRoleDeletion(ctx, membership.Role{ID: user.ID}); err != nil {
		t.Fatalf("cascade: %v", err)
	}
	if _, err := s.FindRoleByName(ctx, "USER"); !errors.Is(err, membership.ErrNotFound) {
		t.Fatalf("expected USER to stay deleted, got %v", err)
	}
	if _, err := s.FindRoleByName(ctx, "GUEST"); err != nil {
		t.Fatalf("expected GUEST, got %v", err)
	}
}

func TestCascadeReportsPartialFailure(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	user := mustRole(t, s, "USER")
	r1 := mustRole(t, s, "R1")
	a := mustAccount(t, s, "ana")
	b := mustAccount(t, s, "ben")
	mustAssign(t, s, a, r1)
	mustAssign(t, s, b, r1)
	_, cas := newPolicies(t, s, testConfig)

	boom := errors.New("deadlock detected")
	s.InjectFault(func(op string, ids ...membership.ID) error {
		if op == "RemoveRole" && len(ids) > 0 && ids[0] == a.ID {
			return boom
		}
		return nil
	})

	err := cas.CascadeRoleDeletion(ctx, r1)
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined failure, got %v", err)
	}
	var perr *policy.Error
	if !errors.As(err, &perr) || perr.AccountID != a.ID {
		t.Fatalf("expected failure for %s, got %v", a.ID, err)
	}

	if got := s.HeldRoleIDs(a.ID); len(got) != 1 || got[0] != r1.ID {
		t.Fatalf("expected A untouched, got %v", got)
	}
	if got := s.HeldRoleIDs(b.ID); len(got) != 1 || got[0] != user.ID {
		t.Fatalf("expected B fixed, got %v", got)
	}

	s.InjectFault(nil)
	if err := cas.CascadeRoleDeletion(ctx, r1); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if got := s.HeldRoleIDs(a.ID); len(got) != 1 || got[0] != user.ID {
		t.Fatalf("expected A fixed on redelivery, got %v", got)
	}
}

func TestCascadeStopsOnCancelledContext(t *testing.T) {
	s := memory.NewStore()
	r1 := mustRole(t, s, "R1")
	a := mustAccount(t, s, "ana")
	mustAssign(t, s, a, r1)
	_, cas := newPolicies(t, s, testConfig)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cas.CascadeRoleDeletion(ctx, r1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := s.HeldRoleIDs(a.ID); len(got) != 1 {
		t.Fatalf("expected no change, got %v", got)
	}
}

func TestCascadeUnnamedRoleStillGrantsDefault(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	r1 := mustRole(t, s, "R1")
	a := mustAccount(t, s, "ana")
	mustAssign(t, s, a, r1)
	_, cas := newPolicies(t, s, testConfig)

	if _, err := s.DeleteRole(ctx, r1.ID); err != nil {
		t.Fatalf("delete role: %v", err)
	}
	if err := cas.CascadeRoleDeletion(ctx, membership.Role{ID: r1.ID}); err != nil {
		t.Fatalf("cascade: %v", err)
	}

	user, err := s.FindRoleByName(ctx, "USER")
	if err != nil {
		t.Fatalf("expected USER to be created, got %v", err)
	}
	if got := s.HeldRoleIDs(a.ID); len(got) != 1 || got[0] != user.ID {
		t.Fatalf("expected A to hold USER, got %v", got)
	}
	if _, err := s.FindRoleByName(ctx, "GUEST"); !errors.Is(err, membership.ErrNotFound) {
		t.Fatalf("expected no GUEST role, got %v", err)
	}
}

func TestCascadeUnknownRoleNameGrantsDefault(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	a := mustAccount(t, s, "ana")
	if err := s.AssignRole(ctx, a.ID, "ghost"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	_, cas := newPolicies(t, s, testConfig)

	if err := cas.CascadeRoleDeletion(ctx, membership.Role{ID: "ghost"}); err != nil {
		t.Fatalf("cascade: %v", err)
	}
	user, err := s.FindRoleByName(ctx, "USER")
	if err != nil {
		t.Fatalf("expected USER to be created, got %v", err)
	}
	if got := s.HeldRoleIDs(a.ID); len(got) != 1 || got[0] != user.ID {
		t.Fatalf("expected A to hold USER, got %v", got)
	}
}

// racingGateway runs hook once, right after the holder lookup returns, so
// the cascade works from a copy that storage has already moved past.
type racingGateway struct {
	*memory.Store
	once sync.Once
	hook func()
}

func (g *racingGateway) FindAccountsByRoleID(ctx context.Context, roleID membership.ID) ([]membership.Account, error) {
	out, err := g.Store.FindAccountsByRoleID(ctx, roleID)
	g.once.Do(g.hook)
	return out, err
}

func TestCascadeDecidesFromStoredRolesNotStaleCopy(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	user := mustRole(t, s, "USER")
	r1 := mustRole(t, s, "R1")
	r2 := mustRole(t, s, "R2")
	b := mustAccount(t, s, "ben")
	mustAssign(t, s, b, r1)
	mustAssign(t, s, b, r2)

	gw := &racingGateway{Store: s, hook: func() {
		// R2's own cascade removes it after this cascade read B as {R1, R2}.
		if err := s.RemoveRole(ctx, b.ID, r2.ID); err != nil {
			t.Errorf("remove R2: %v", err)
		}
	}}
	_, cas := newPolicies(t, gw, testConfig)

	if err := cas.CascadeRoleDeletion(ctx, r1); err != nil {
		t.Fatalf("cascade: %v", err)
	}
	if got := s.HeldRoleIDs(b.ID); len(got) != 1 || got[0] != user.ID {
		t.Fatalf("expected B to hold USER, got %v", got)
	}
}

// barrierGateway holds every holder lookup until all parties have read.
type barrierGateway struct {
	*memory.Store
	read sync.WaitGroup
}

func (g *barrierGateway) FindAccountsByRoleID(ctx context.Context, roleID membership.ID) ([]membership.Account, error) {
	out, err := g.Store.FindAccountsByRoleID(ctx, roleID)
	g.read.Done()
	g.read.Wait()
	return out, err
}

func TestConcurrentCascadesLeaveAccountWithRole(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	user := mustRole(t, s, "USER")
	r1 := mustRole(t, s, "R1")
	r2 := mustRole(t, s, "R2")
	b := mustAccount(t, s, "ben")
	mustAssign(t, s, b, r1)
	mustAssign(t, s, b, r2)
	for _, r := range []membership.Role{r1, r2} {
		if _, err := s.DeleteRole(ctx, r.ID); err != nil {
			t.Fatalf("delete %s: %v", r.Name, err)
		}
	}

	gw := &barrierGateway{Store: s}
	gw.read.Add(2)
	_, cas := newPolicies(t, gw, testConfig)

	var wg sync.WaitGroup
	for _, r := range []membership.Role{r1, r2} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := cas.CascadeRoleDeletion(ctx, r); err != nil {
				t.Errorf("cascade %s: %v", r.Name, err)
			}
		}()
	}
	wg.Wait()

	if got := s.HeldRoleIDs(b.ID); len(got) != 1 || got[0] != user.ID {
		t.Fatalf("expected B to hold USER after both cascades, got %v", got)
	}
}
