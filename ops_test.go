package ldapsession_test

import (
	"errors"
	"reflect"
	"testing"

	ldap "github.com/userhive/ldapsession"
	"github.com/userhive/ldapsession/ldaptest"
)

func TestDeleteEntry(t *testing.T) {
	t.Parallel()
	h := &ldaptest.Handler{}
	s := connect(t, h)
	if err := s.DeleteEntry("cn=gone,dc=example,dc=com"); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if got := h.Deletes(); !reflect.DeepEqual(got, []string{"cn=gone,dc=example,dc=com"}) {
		t.Errorf("expected delete request, got: %v", got)
	}
}

func TestDeleteEntryEmptyDN(t *testing.T) {
	t.Parallel()
	h := &ldaptest.Handler{}
	s := connect(t, h)
	if err := s.DeleteEntry(""); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if got := h.Deletes(); len(got) != 0 {
		t.Errorf("expected no server contact, got: %v", got)
	}
}

func TestDeleteEntryFailure(t *testing.T) {
	t.Parallel()
	h := &ldaptest.Handler{
		DeleteResult: map[string]uint16{
			"cn=protected,dc=example,dc=com": 50, // insufficientAccessRights
		},
	}
	s := connect(t, h)
	err := s.DeleteEntry("cn=protected,dc=example,dc=com")
	var protoErr *ldap.ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected ProtocolError, got: %v", err)
	}
}

func TestGetEntry(t *testing.T) {
	t.Parallel()
	h := &ldaptest.Handler{
		Entries: []ldaptest.Entry{
			{
				DN:         "cn=alice,dc=example,dc=com",
				Attributes: []ldaptest.Attribute{{Name: "cn", Values: []string{"alice"}}},
			},
		},
	}
	s := connect(t, h)
	entry, err := s.GetEntry("cn=alice,dc=example,dc=com")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if entry == nil || entry.DN != "cn=alice,dc=example,dc=com" {
		t.Fatalf("expected entry, got: %v", entry)
	}
	searches := h.Searches()
	if len(searches) != 1 {
		t.Fatalf("expected 1 search, got: %d", len(searches))
	}
	if searches[0].Scope != 0 {
		t.Errorf("expected base scope, got: %d", searches[0].Scope)
	}
}

func TestGetEntryMissing(t *testing.T) {
	t.Parallel()
	h := &ldaptest.Handler{SearchResult: 32} // noSuchObject
	s := connect(t, h)
	entry, err := s.GetEntry("cn=missing,dc=example,dc=com")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if entry != nil {
		t.Errorf("expected no entry, got: %v", entry)
	}
}

func TestGetRootDSE(t *testing.T) {
	t.Parallel()
	h := &ldaptest.Handler{
		Entries: []ldaptest.Entry{
			{
				DN: "",
				Attributes: []ldaptest.Attribute{
					{Name: "namingContexts", Values: []string{"dc=example,dc=com"}},
					{Name: "supportedLDAPVersion", Values: []string{"3"}},
				},
			},
		},
	}
	s := connect(t, h)
	dse, err := s.GetRootDSE()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if dse == nil {
		t.Fatal("expected root DSE entry")
	}
	if got := dse.GetAttributeValue("namingContexts"); got != "dc=example,dc=com" {
		t.Errorf("expected naming context, got: %q", got)
	}
	searches := h.Searches()
	if len(searches) != 1 {
		t.Fatalf("expected 1 search, got: %d", len(searches))
	}
	want := []string{
		"namingContexts",
		"altServer",
		"supportedExtension",
		"supportedControl",
		"supportedSASLMechanisms",
		"supportedLDAPVersion",
	}
	if !reflect.DeepEqual(searches[0].Attributes, want) {
		t.Errorf("expected root DSE attributes %v, got: %v", want, searches[0].Attributes)
	}
	if searches[0].Base != "" {
		t.Errorf("expected empty base, got: %q", searches[0].Base)
	}
}

func TestWhoAmIIdentity(t *testing.T) {
	t.Parallel()
	h := &ldaptest.Handler{AuthzID: "dn:cn=admin,dc=example,dc=com"}
	s := connect(t, h)
	id, err := s.WhoAmI()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if id != "dn:cn=admin,dc=example,dc=com" {
		t.Errorf("expected authorization identity, got: %q", id)
	}
}
