package tserver

import (
	"github.com/shale-io/shale/internal/kv"
	"github.com/shale-io/shale/internal/security"
)

func (s *Server) authenticate(creds security.Credentials) error {
	if err := s.auth.Authenticate(creds); err != nil {
		return &SecurityError{User: creds.Principal, Code: BadCredentials}
	}
	return nil
}

// checkTablePermission authenticates creds and checks perm on table.
func (s *Server) checkTablePermission(creds security.Credentials, table kv.TableID, perm security.Permission) error {
	if err := s.authenticate(creds); err != nil {
		return err
	}
	return s.checkPermission(creds.Principal, table, perm)
}

func (s *Server) checkPermission(user string, table kv.TableID, perm security.Permission) error {
	ok, err := s.auth.HasTablePermission(user, table, perm)
	if err != nil || !ok {
		return &SecurityError{User: user, Code: PermissionDenied}
	}
	return nil
}

// checkAuthorizations fails unless user holds every requested label.
func (s *Server) checkAuthorizations(user string, requested kv.Authorizations) error {
	held, err := s.auth.Authorizations(user)
	if err != nil || !held.ContainsAll(requested) {
		return &SecurityError{User: user, Code: BadAuthorizations}
	}
	return nil
}
