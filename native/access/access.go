// Package access implements flat capability sets. A principal either holds a
// role within a scope or it does not; roles never imply one another, and
// ADMIN only controls who holds roles in its own scope.
package access

import (
	"errors"
	"fmt"
	"strings"

	"kusd/core/events"
	"kusd/core/state"
	"kusd/crypto"
)

type Role string

const (
	Admin        Role = "ADMIN"
	Minter       Role = "MINTER"
	Burner       Role = "BURNER"
	Liquidator   Role = "LIQUIDATOR"
	VaultManager Role = "VAULT_MANAGER"
	Rebalancer   Role = "REBALANCER"
	Vault        Role = "VAULT"
	Pauser       Role = "PAUSER"
	Blacklister  Role = "BLACKLISTER"
)

var knownRoles = map[Role]struct{}{
	Admin: {}, Minter: {}, Burner: {}, Liquidator: {}, VaultManager: {},
	Rebalancer: {}, Vault: {}, Pauser: {}, Blacklister: {},
}

var (
	ErrUnauthorized = errors.New("access: unauthorized")
	ErrUnknownRole  = errors.New("access: unknown role")
	ErrEmptyScope   = errors.New("access: scope must not be empty")
)

// ParseRole resolves a role identifier, accepting the legacy "_ROLE" suffix.
func ParseRole(s string) (Role, error) {
	role := Role(strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(s)), "_ROLE"))
	if _, ok := knownRoles[role]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
	return role, nil
}

// Controller reads and writes capability membership in ledger state.
type Controller struct {
	state   *state.Manager
	emitter events.Emitter
}

func New(mgr *state.Manager) *Controller {
	return &Controller{state: mgr, emitter: events.NoopEmitter{}}
}

func (c *Controller) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	c.emitter = emitter
}

func key(scope string, role Role) string {
	return "access/" + strings.ToLower(strings.TrimSpace(scope)) + "/" + string(role)
}

// Has reports exact membership of addr in role within scope.
func (c *Controller) Has(scope string, role Role, addr crypto.Address) bool {
	if c == nil || c.state == nil {
		return false
	}
	return c.state.HasRole(key(scope, role), addr)
}

// Require returns ErrUnauthorized unless addr holds role within scope.
func (c *Controller) Require(scope string, role Role, addr crypto.Address) error {
	if c.Has(scope, role, addr) {
		return nil
	}
	return fmt.Errorf("%w: %s lacks %s in %s", ErrUnauthorized, addr, role, scope)
}

// Bootstrap assigns role without an authorisation check. Only genesis and
// migrations call it.
func (c *Controller) Bootstrap(scope string, role Role, account crypto.Address) error {
	if strings.TrimSpace(scope) == "" {
		return ErrEmptyScope
	}
	if _, ok := knownRoles[role]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	return c.state.SetRole(key(scope, role), account)
}

// Grant gives account the role within scope. The caller must be an ADMIN of
// that scope.
func (c *Controller) Grant(caller crypto.Address, scope string, role Role, account crypto.Address) error {
	if err := c.Require(scope, Admin, caller); err != nil {
		return err
	}
	if err := c.Bootstrap(scope, role, account); err != nil {
		return err
	}
	c.emitter.Emit(events.RoleChanged{Granted: true, Scope: scope, Role: string(role), Account: account, Admin: caller})
	return nil
}

// Revoke removes account from the role within scope. The caller must be an
// ADMIN of that scope.
func (c *Controller) Revoke(caller crypto.Address, scope string, role Role, account crypto.Address) error {
	if err := c.Require(scope, Admin, caller); err != nil {
		return err
	}
	if _, ok := knownRoles[role]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	if err := c.state.RevokeRole(key(scope, role), account); err != nil {
		return err
	}
	c.emitter.Emit(events.RoleChanged{Granted: false, Scope: scope, Role: string(role), Account: account, Admin: caller})
	return nil
}

// Members lists holders of role within scope.
func (c *Controller) Members(scope string, role Role) ([]crypto.Address, error) {
	return c.state.RoleMembers(key(scope, role))
}
