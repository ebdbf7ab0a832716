package conn

import (
	"testing"

	ber "github.com/userhive/asn1/ber"
	"github.com/userhive/asn1/ldap/filter"
)

func TestSearchRequestEncoding(t *testing.T) {
	t.Parallel()
	req := &SearchRequest{
		BaseDN:       "ou=people,dc=example,dc=com",
		Scope:        ScopeWholeSubtree,
		DerefAliases: NeverDerefAliases,
		SizeLimit:    10,
		TimeLimit:    30,
		Filter:       "(&(objectClass=person)(cn=ali*))",
		Attributes:   []string{"cn", "mail"},
	}
	envelope := ber.NewPacket(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil)
	envelope.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, int64(1)))
	if err := req.AppendTo(envelope); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	p, err := ber.ParseBytes(envelope.Bytes())
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	op := p.Children[1]
	if op.Tag != ApplicationSearchRequest.Tag() {
		t.Fatalf("expected search request tag, got: %d", op.Tag)
	}
	if len(op.Children) != 8 {
		t.Fatalf("expected 8 children, got: %d", len(op.Children))
	}
	if base, _ := op.Children[0].Value.(string); base != req.BaseDN {
		t.Errorf("expected base dn %q, got: %q", req.BaseDN, base)
	}
	if scope, _ := op.Children[1].Value.(int64); scope != int64(ScopeWholeSubtree) {
		t.Errorf("expected subtree scope, got: %d", scope)
	}
	if size, _ := op.Children[3].Value.(int64); size != 10 {
		t.Errorf("expected size limit 10, got: %d", size)
	}
	f, err := filter.Decompile(op.Children[6])
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if f != req.Filter {
		t.Errorf("expected filter to round-trip, got: %q", f)
	}
}

func TestSearchRequestInvalidFilter(t *testing.T) {
	t.Parallel()
	req := &SearchRequest{
		BaseDN: "dc=example,dc=com",
		Filter: "objectClass=*",
	}
	envelope := ber.NewPacket(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil)
	if err := req.AppendTo(envelope); err == nil {
		t.Fatal("expected filter compile error")
	}
}

func TestParseSearchEntry(t *testing.T) {
	t.Parallel()
	pkt := ber.NewPacket(ber.ClassApplication, ber.TypeConstructed, ApplicationSearchResultEntry.Tag(), nil)
	pkt.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "cn=alice,dc=example,dc=com"))
	attrs := ber.NewSequence()
	attr := ber.NewSequence()
	attr.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "cn"))
	values := ber.NewPacket(ber.ClassUniversal, ber.TypeConstructed, ber.TagSet, nil)
	values.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "alice"))
	attr.AppendChild(values)
	attrs.AppendChild(attr)
	pkt.AppendChild(attrs)
	p, err := ber.ParseBytes(pkt.Bytes())
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	entry, err := parseSearchEntry(p)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if entry.DN != "cn=alice,dc=example,dc=com" {
		t.Errorf("expected dn, got: %q", entry.DN)
	}
	if len(entry.Attributes) != 1 || entry.Attributes[0].Name != "cn" {
		t.Fatalf("expected cn attribute, got: %v", entry.Attributes)
	}
	if len(entry.Attributes[0].Values) != 1 || entry.Attributes[0].Values[0] != "alice" {
		t.Errorf("expected value alice, got: %v", entry.Attributes[0].Values)
	}
}
