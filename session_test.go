package ldapsession_test

import (
	"errors"
	"testing"

	ldap "github.com/userhive/ldapsession"
)

func TestNewDefaultURI(t *testing.T) {
	t.Parallel()
	s, err := ldap.New("")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if s.URI() != ldap.DefaultURI {
		t.Errorf("expected uri %q, got: %q", ldap.DefaultURI, s.URI())
	}
	if s.IsConnected() {
		t.Error("expected new session to be unconnected")
	}
}

func TestNewInvalidURL(t *testing.T) {
	t.Parallel()
	for _, uri := range []string{
		"://missing-scheme",
		"http://example.com/",
		"ldap://",
	} {
		_, err := ldap.New(uri)
		if err == nil {
			t.Errorf("%q: expected error", uri)
			continue
		}
		var urlErr *ldap.URLError
		if !errors.As(err, &urlErr) {
			t.Errorf("%q: expected URLError, got: %v", uri, err)
		}
	}
}

func TestLDAPSForcesStartTLSOff(t *testing.T) {
	t.Parallel()
	s, err := ldap.New("ldaps://example.com/", ldap.WithStartTLS())
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if s.UseStartTLS() {
		t.Error("expected starttls to be forced off for ldaps")
	}
	s, err = ldap.New("ldap://example.com/", ldap.WithStartTLS())
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !s.UseStartTLS() {
		t.Error("expected starttls to stay on for ldap")
	}
}

func TestCloseNeverConnected(t *testing.T) {
	t.Parallel()
	s, err := ldap.New("")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("expected no error, got: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("expected second close to succeed, got: %v", err)
	}
}

func TestOperationsRequireConnect(t *testing.T) {
	t.Parallel()
	s, err := ldap.New("")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	checks := map[string]func() error{
		"search": func() error {
			_, err := s.Search(&ldap.SearchRequest{Base: "dc=example,dc=com", Scope: ldap.ScopeSubtree})
			return err
		},
		"searchFirst": func() error {
			_, err := s.SearchFirst(&ldap.SearchRequest{Base: "dc=example,dc=com", Scope: ldap.ScopeBase})
			return err
		},
		"delete": func() error {
			return s.DeleteEntry("cn=gone,dc=example,dc=com")
		},
		"getEntry": func() error {
			_, err := s.GetEntry("cn=missing,dc=example,dc=com")
			return err
		},
		"getRootDSE": func() error {
			_, err := s.GetRootDSE()
			return err
		},
		"whoami": func() error {
			_, err := s.WhoAmI()
			return err
		},
	}
	for name, f := range checks {
		if err := f(); !errors.Is(err, ldap.ErrNotConnected) {
			t.Errorf("%s: expected ErrNotConnected, got: %v", name, err)
		}
	}
}
