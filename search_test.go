package ldapsession_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/davecgh/go-spew/spew"

	ldap "github.com/userhive/ldapsession"
	"github.com/userhive/ldapsession/ldaptest"
)

func connect(t *testing.T, h *ldaptest.Handler) *ldap.Session {
	t.Helper()
	srv := ldaptest.New(t, h)
	s, err := ldap.New(srv.URL())
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if err := s.Connect(nil); err != nil {
		t.Fatalf("expected connect to succeed, got: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSearchOrderAndDegenerateEntries(t *testing.T) {
	t.Parallel()
	h := &ldaptest.Handler{
		Entries: []ldaptest.Entry{
			{
				DN: "cn=alice,dc=example,dc=com",
				Attributes: []ldaptest.Attribute{
					{Name: "cn", Values: []string{"alice"}},
					{Name: "mail", Values: []string{"alice@example.com"}},
				},
			},
			{
				// No readable attributes, must not show up in results.
				DN: "cn=ghost,dc=example,dc=com",
			},
			{
				DN: "cn=bob,dc=example,dc=com",
				Attributes: []ldaptest.Attribute{
					{Name: "cn", Values: []string{"bob"}},
				},
			},
		},
	}
	s := connect(t, h)
	entries, err := s.Search(&ldap.SearchRequest{
		Base:   "dc=example,dc=com",
		Scope:  ldap.ScopeSubtree,
		Filter: "(objectclass=*)",
	})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d: %s", len(entries), spew.Sdump(entries))
	}
	if entries[0].DN != "cn=alice,dc=example,dc=com" || entries[1].DN != "cn=bob,dc=example,dc=com" {
		t.Errorf("expected server arrival order, got: %q, %q", entries[0].DN, entries[1].DN)
	}
	if v := entries[0].GetAttributeValue("mail"); v != "alice@example.com" {
		t.Errorf("expected attribute value, got: %q", v)
	}
}

func TestSearchReferencesDropped(t *testing.T) {
	t.Parallel()
	h := &ldaptest.Handler{
		Entries: []ldaptest.Entry{
			{
				DN:         "cn=alice,dc=example,dc=com",
				Attributes: []ldaptest.Attribute{{Name: "cn", Values: []string{"alice"}}},
			},
		},
		References: [][]string{
			{"ldap://other.example.com/dc=example,dc=com"},
		},
	}
	s := connect(t, h)
	entries, err := s.Search(&ldap.SearchRequest{Base: "dc=example,dc=com", Scope: ldap.ScopeSubtree})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d: %s", len(entries), spew.Sdump(entries))
	}
}

func TestSearchNoSuchObject(t *testing.T) {
	t.Parallel()
	h := &ldaptest.Handler{SearchResult: 32} // noSuchObject
	s := connect(t, h)
	entries, err := s.Search(&ldap.SearchRequest{Base: "dc=missing,dc=com", Scope: ldap.ScopeSubtree})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries, got: %d", len(entries))
	}
	entry, err := s.SearchFirst(&ldap.SearchRequest{Base: "dc=missing,dc=com", Scope: ldap.ScopeBase})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if entry != nil {
		t.Errorf("expected no entry, got: %v", entry)
	}
}

func TestSearchFailure(t *testing.T) {
	t.Parallel()
	h := &ldaptest.Handler{
		SearchResult:     50, // insufficientAccessRights
		SearchDiagnostic: "not allowed",
	}
	s := connect(t, h)
	_, err := s.Search(&ldap.SearchRequest{Base: "dc=example,dc=com", Scope: ldap.ScopeSubtree})
	var searchErr *ldap.SearchError
	if !errors.As(err, &searchErr) {
		t.Fatalf("expected SearchError, got: %v", err)
	}
	if searchErr.Diagnostic() != "not allowed" {
		t.Errorf("expected diagnostic, got: %q", searchErr.Diagnostic())
	}
}

func TestSearchFirstSkipsDegenerateEntries(t *testing.T) {
	t.Parallel()
	h := &ldaptest.Handler{
		Entries: []ldaptest.Entry{
			{DN: "cn=ghost,dc=example,dc=com"},
			{
				DN:         "cn=alice,dc=example,dc=com",
				Attributes: []ldaptest.Attribute{{Name: "cn", Values: []string{"alice"}}},
			},
		},
	}
	s := connect(t, h)
	entry, err := s.SearchFirst(&ldap.SearchRequest{Base: "dc=example,dc=com", Scope: ldap.ScopeSubtree})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if entry == nil {
		t.Fatal("expected an entry")
	}
	if entry.DN != "cn=alice,dc=example,dc=com" {
		t.Errorf("expected first entry with attributes, got: %q", entry.DN)
	}
}

func TestSearchFirstNoMatch(t *testing.T) {
	t.Parallel()
	s := connect(t, &ldaptest.Handler{})
	entry, err := s.SearchFirst(&ldap.SearchRequest{Base: "dc=example,dc=com", Scope: ldap.ScopeSubtree})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if entry != nil {
		t.Errorf("expected no entry, got: %v", entry)
	}
}

func TestSearchRequestNormalization(t *testing.T) {
	t.Parallel()
	h := &ldaptest.Handler{}
	s := connect(t, h)
	_, err := s.Search(&ldap.SearchRequest{
		Base:       "ou=people,dc=example,dc=com",
		Scope:      ldap.ScopeOneLevel,
		Filter:     "",
		Attributes: []string{"cn", "mail"},
		TimeLimit:  -3,
		SizeLimit:  25,
	})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	searches := h.Searches()
	if len(searches) != 1 {
		t.Fatalf("expected 1 search, got: %d", len(searches))
	}
	got := searches[0]
	if got.Base != "ou=people,dc=example,dc=com" {
		t.Errorf("expected base, got: %q", got.Base)
	}
	if got.Scope != 1 {
		t.Errorf("expected singleLevel scope on the wire, got: %d", got.Scope)
	}
	if got.Filter != "(objectClass=*)" {
		t.Errorf("expected empty filter to become match-all, got: %q", got.Filter)
	}
	if got.TimeLimit != 0 {
		t.Errorf("expected negative time limit to become no limit, got: %d", got.TimeLimit)
	}
	if got.SizeLimit != 25 {
		t.Errorf("expected size limit, got: %d", got.SizeLimit)
	}
	if !reflect.DeepEqual(got.Attributes, []string{"cn", "mail"}) {
		t.Errorf("expected attributes, got: %v", got.Attributes)
	}
}
