// Package security authenticates RPC callers and answers the permission
// questions the tablet server asks: may this user read or write a table,
// and which authorizations does the user hold.
package security

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shale-io/shale/internal/config"
	"github.com/shale-io/shale/internal/kv"
)

// Errors returned by authenticators.
var (
	ErrInvalidCredentials = errors.New("security: invalid credentials")
	ErrUnknownUser        = errors.New("security: unknown user")
	ErrBadPermission      = errors.New("security: unknown permission")
)

// Credentials identify an RPC caller.
type Credentials struct {
	Principal string `json:"principal"`
	Password  string `json:"password,omitempty"`
}

// Permission is a table permission.
type Permission string

const (
	PermRead  Permission = "READ"
	PermWrite Permission = "WRITE"
)

// ParsePermission converts a config string to a Permission.
func ParsePermission(s string) (Permission, error) {
	switch p := Permission(strings.ToUpper(strings.TrimSpace(s))); p {
	case PermRead, PermWrite:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrBadPermission, s)
	}
}

// Authenticator is consulted by the tablet server on every RPC.
type Authenticator interface {
	// Authenticate returns ErrInvalidCredentials for a bad login.
	Authenticate(creds Credentials) error
	// HasTablePermission reports whether user holds perm on table.
	HasTablePermission(user string, table kv.TableID, perm Permission) (bool, error)
	// Authorizations returns the labels user may scan with.
	Authorizations(user string) (kv.Authorizations, error)
}

// AllTables is the table key that grants a permission on every table.
const AllTables = "*"

type user struct {
	password string
	auths    kv.Authorizations
	system   bool
	tables   map[kv.TableID]map[Permission]bool
}

// StaticAuthenticator serves users defined in configuration. System users
// hold every permission.
type StaticAuthenticator struct {
	mu    sync.RWMutex
	users map[string]*user
}

// NewStaticAuthenticator returns an authenticator with no users.
func NewStaticAuthenticator() *StaticAuthenticator {
	return &StaticAuthenticator{users: make(map[string]*user)}
}

// FromConfig builds an authenticator from the security section.
func FromConfig(cfg config.SecurityConfig) (*StaticAuthenticator, error) {
	a := NewStaticAuthenticator()
	for _, u := range cfg.Users {
		grants := make(map[kv.TableID][]Permission, len(u.Tables))
		for table, perms := range u.Tables {
			for _, raw := range perms {
				p, err := ParsePermission(raw)
				if err != nil {
					return nil, fmt.Errorf("security: user %s table %s: %w", u.Name, table, err)
				}
				grants[kv.TableID(table)] = append(grants[kv.TableID(table)], p)
			}
		}
		a.AddUser(u.Name, u.Password, u.System, kv.NewAuthorizations(u.Authorizations...), grants)
	}
	return a, nil
}

// AddUser adds or replaces a user.
func (a *StaticAuthenticator) AddUser(name, password string, system bool, auths kv.Authorizations, grants map[kv.TableID][]Permission) {
	u := &user{
		password: password,
		auths:    auths,
		system:   system,
		tables:   make(map[kv.TableID]map[Permission]bool, len(grants)),
	}
	for table, perms := range grants {
		set := make(map[Permission]bool, len(perms))
		for _, p := range perms {
			set[p] = true
		}
		u.tables[table] = set
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.users[name] = u
}

// Authenticate checks the password with a constant time comparison.
func (a *StaticAuthenticator) Authenticate(creds Credentials) error {
	a.mu.RLock()
	u, ok := a.users[creds.Principal]
	a.mu.RUnlock()

	if !ok {
		// Keep the timing of unknown users close to a wrong password.
		subtle.ConstantTimeCompare([]byte(creds.Password), []byte("dummy-password-comparison"))
		return ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(creds.Password), []byte(u.password)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// HasTablePermission implements Authenticator.
func (a *StaticAuthenticator) HasTablePermission(name string, table kv.TableID, perm Permission) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	u, ok := a.users[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownUser, name)
	}
	if u.system {
		return true, nil
	}
	if u.tables[table][perm] || u.tables[AllTables][perm] {
		return true, nil
	}
	return false, nil
}

// Authorizations implements Authenticator.
func (a *StaticAuthenticator) Authorizations(name string) (kv.Authorizations, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	u, ok := a.users[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, name)
	}
	return u.auths, nil
}

// Count returns the number of users.
func (a *StaticAuthenticator) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.users)
}
