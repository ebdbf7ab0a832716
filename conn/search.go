package conn

import (
	"fmt"

	ber "github.com/userhive/asn1/ber"
	"github.com/userhive/asn1/ldap/filter"
)

// Search scope choices.
const (
	ScopeBaseObject   = 0
	ScopeSingleLevel  = 1
	ScopeWholeSubtree = 2
)

// Alias dereferencing choices.
const (
	NeverDerefAliases   = 0
	DerefInSearching    = 1
	DerefFindingBaseObj = 2
	DerefAlways         = 3
)

// SearchRequest is an LDAP search request. SizeLimit and TimeLimit of zero
// mean "no limit", per the protocol.
type SearchRequest struct {
	BaseDN       string
	Scope        int
	DerefAliases int
	SizeLimit    int
	TimeLimit    int
	TypesOnly    bool
	Filter       string
	Attributes   []string
}

// AppendTo satisfies the Request interface.
func (req *SearchRequest) AppendTo(envelope *ber.Packet) error {
	pkt := ber.NewPacket(ber.ClassApplication, ber.TypeConstructed, ApplicationSearchRequest.Tag(), nil)
	pkt.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, req.BaseDN))
	pkt.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(req.Scope)))
	pkt.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(req.DerefAliases)))
	pkt.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, int64(req.SizeLimit)))
	pkt.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, int64(req.TimeLimit)))
	pkt.AppendChild(ber.NewLDAPBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, req.TypesOnly))
	filterPacket, err := filter.Compile(req.Filter)
	if err != nil {
		return err
	}
	pkt.AppendChild(filterPacket)
	attributesPacket := ber.NewPacket(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil)
	for _, attribute := range req.Attributes {
		attributesPacket.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, attribute))
	}
	pkt.AppendChild(attributesPacket)
	envelope.AppendChild(pkt)
	return nil
}

// SearchMessage is one classified message of a search response stream. The
// concrete type is one of *SearchEntry, *SearchReference or *SearchDone.
type SearchMessage interface {
	searchMessage()
}

// Attribute is one attribute of a search result entry.
type Attribute struct {
	// Name is the attribute description.
	Name string
	// Values are the attribute values as strings.
	Values []string
	// ByteValues are the raw attribute values.
	ByteValues [][]byte
}

// SearchEntry is a searchResultEntry message.
type SearchEntry struct {
	DN         string
	Attributes []Attribute
}

func (*SearchEntry) searchMessage() {}

// SearchReference is a searchResultReference (continuation reference)
// message.
type SearchReference struct {
	URIs []string
}

func (*SearchReference) searchMessage() {}

// SearchDone is the searchResultDone message terminating the stream. Result
// is nil when the server reported success.
type SearchDone struct {
	Result error
}

func (*SearchDone) searchMessage() {}

// SearchResponse is the response stream of one search request. The caller
// must consume messages with Next until a *SearchDone or an error, and must
// call Close when finished.
type SearchResponse struct {
	c      *Conn
	msgCtx *MessageContext
}

// Search issues the search request and returns its response stream.
func (c *Conn) Search(req *SearchRequest) (*SearchResponse, error) {
	msgCtx, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	return &SearchResponse{c: c, msgCtx: msgCtx}, nil
}

// Next reads and classifies the next response message.
func (r *SearchResponse) Next() (SearchMessage, error) {
	packet, err := r.c.ReadPacket(r.msgCtx)
	if err != nil {
		return nil, err
	}
	if len(packet.Children) < 2 {
		return nil, NewError(ErrorUnexpectedResponse, fmt.Errorf("invalid response envelope"))
	}
	res := packet.Children[1]
	switch Application(res.Tag) {
	case ApplicationSearchResultEntry:
		return parseSearchEntry(res)
	case ApplicationSearchResultReference:
		ref := &SearchReference{}
		for _, child := range res.Children {
			if uri, ok := child.Value.(string); ok {
				ref.URIs = append(ref.URIs, uri)
			}
		}
		return ref, nil
	case ApplicationSearchResultDone:
		return &SearchDone{Result: GetError(packet)}, nil
	}
	return nil, NewError(ErrorUnexpectedMessage, fmt.Errorf("unexpected response tag %d", res.Tag))
}

// Close releases the request's message context.
func (r *SearchResponse) Close() {
	r.c.FinishMessage(r.msgCtx)
}

func parseSearchEntry(res *ber.Packet) (*SearchEntry, error) {
	if len(res.Children) < 2 {
		return nil, NewError(ErrorUnexpectedResponse, fmt.Errorf("invalid search result entry"))
	}
	dn, ok := res.Children[0].Value.(string)
	if !ok {
		return nil, NewError(ErrorUnexpectedResponse, fmt.Errorf("invalid search result entry dn"))
	}
	entry := &SearchEntry{DN: dn}
	for _, child := range res.Children[1].Children {
		if len(child.Children) < 2 {
			continue
		}
		attr := Attribute{}
		attr.Name, _ = child.Children[0].Value.(string)
		for _, value := range child.Children[1].Children {
			s, _ := value.Value.(string)
			attr.Values = append(attr.Values, s)
			attr.ByteValues = append(attr.ByteValues, value.ByteValue)
		}
		entry.Attributes = append(entry.Attributes, attr)
	}
	return entry, nil
}
