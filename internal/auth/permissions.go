package auth

import (
	"fmt"
	"slices"
	"strings"
)

// Role names a position in an agency. The set is closed.
type Role string

const (
	RoleSales      Role = "sales"
	RoleAgencyUser Role = "agency_user"
	RoleClientUser Role = "client_user"
	RoleAdmin      Role = "admin"
	RoleCEO        Role = "ceo"
)

// roleRanks orders roles for UI display only. Rank never grants a permission.
var roleRanks = map[Role]int{
	RoleSales:      1,
	RoleClientUser: 1,
	RoleAgencyUser: 2,
	RoleAdmin:      3,
	RoleCEO:        4,
}

// Roles returns every known role, lowest rank first.
func Roles() []Role {
	return []Role{RoleSales, RoleClientUser, RoleAgencyUser, RoleAdmin, RoleCEO}
}

func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := roleRanks[r]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
	return r, nil
}

// Rank returns the display rank of the role, 0 when unknown.
func Rank(r Role) int { return roleRanks[r] }

// AtLeast reports whether r ranks at or above other. Not an authorization check.
func AtLeast(r, other Role) bool {
	rr, ok := roleRanks[r]
	if !ok {
		return false
	}
	return rr >= roleRanks[other]
}

type Verb string

const (
	VerbRead   Verb = "read"
	VerbWrite  Verb = "write"
	VerbDelete Verb = "delete"
	VerbAdmin  Verb = "admin"
	VerbAudit  Verb = "audit"
)

type Scope string

const (
	ScopeOwn    Scope = "own"
	ScopeClient Scope = "client"
	ScopeAll    Scope = "all"
)

var (
	knownVerbs  = []Verb{VerbRead, VerbWrite, VerbDelete, VerbAdmin, VerbAudit}
	knownScopes = []Scope{ScopeOwn, ScopeClient, ScopeAll}
)

// Permission is a verb/scope pair, written "verb:scope".
type Permission struct {
	Verb  Verb
	Scope Scope
}

func (p Permission) String() string { return string(p.Verb) + ":" + string(p.Scope) }

func (p Permission) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Permission) UnmarshalText(b []byte) error {
	parsed, err := ParsePermission(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func (p Permission) valid() bool {
	return slices.Contains(knownVerbs, p.Verb) && slices.Contains(knownScopes, p.Scope)
}

// ParsePermission parses "verb:scope" against the closed verb and scope sets.
func ParsePermission(s string) (Permission, error) {
	verb, scope, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), ":")
	p := Permission{Verb: Verb(verb), Scope: Scope(scope)}
	if !ok || !p.valid() {
		return Permission{}, fmt.Errorf("%w: %q", ErrUnknownPermission, s)
	}
	return p, nil
}

// MustPermission is ParsePermission for static strings.
func MustPermission(s string) Permission {
	p, err := ParsePermission(s)
	if err != nil {
		panic(err)
	}
	return p
}

// RoleTable maps each role to the permissions it holds.
type RoleTable map[Role][]Permission

// DefaultRoleTable is the stock agency permission model.
func DefaultRoleTable() RoleTable {
	own := func(v Verb) Permission { return Permission{Verb: v, Scope: ScopeOwn} }
	client := func(v Verb) Permission { return Permission{Verb: v, Scope: ScopeClient} }
	all := func(v Verb) Permission { return Permission{Verb: v, Scope: ScopeAll} }
	return RoleTable{
		RoleSales:      {own(VerbRead), own(VerbWrite)},
		RoleAgencyUser: {own(VerbRead), own(VerbWrite)},
		RoleClientUser: {own(VerbRead)},
		RoleAdmin:      {client(VerbRead), client(VerbWrite), client(VerbDelete), client(VerbAdmin), client(VerbAudit)},
		RoleCEO:        {all(VerbRead), all(VerbWrite), all(VerbDelete), all(VerbAdmin), all(VerbAudit)},
	}
}

// Engine answers permission questions against a validated role table.
type Engine struct {
	perms map[Role][]Permission
}

// NewEngine validates the table once: unknown roles, unknown permissions and
// duplicates are rejected so a bad table never reaches request handling.
func NewEngine(table RoleTable) (*Engine, error) {
	e := &Engine{perms: make(map[Role][]Permission, len(table))}
	for role, perms := range table {
		if _, ok := roleRanks[role]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownRole, role)
		}
		seen := make(map[Permission]struct{}, len(perms))
		list := make([]Permission, 0, len(perms))
		for _, p := range perms {
			if !p.valid() {
				return nil, fmt.Errorf("role %s: %w: %q", role, ErrUnknownPermission, p.String())
			}
			if _, dup := seen[p]; dup {
				return nil, fmt.Errorf("role %s: duplicate permission %s", role, p)
			}
			seen[p] = struct{}{}
			list = append(list, p)
		}
		e.perms[role] = list
	}
	return e, nil
}

// DefaultEngine builds an engine over DefaultRoleTable.
func DefaultEngine() *Engine {
	e, err := NewEngine(DefaultRoleTable())
	if err != nil {
		panic(err)
	}
	return e
}

// Permissions returns a copy of the role's permissions; unknown roles hold none.
func (e *Engine) Permissions(role Role) []Permission {
	return slices.Clone(e.perms[role])
}

// Allows reports whether role may perform action.
func (e *Engine) Allows(role Role, action string) bool {
	return HasPermission(e.perms[role], action)
}

// HasPermission is true iff action is held literally, or the holder has the
// action's verb at scope all. Unparseable actions are never granted.
func HasPermission(perms []Permission, action string) bool {
	want, err := ParsePermission(action)
	if err != nil {
		return false
	}
	for _, p := range perms {
		if p == want {
			return true
		}
		if p.Verb == want.Verb && p.Scope == ScopeAll {
			return true
		}
	}
	return false
}
