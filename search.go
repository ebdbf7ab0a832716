package ldapsession

import (
	"github.com/userhive/ldapsession/conn"
)

// Scope selects which entries under the search base are considered.
type Scope int

// Search scopes.
const (
	// ScopeBase considers only the base entry itself.
	ScopeBase Scope = iota
	// ScopeOneLevel considers the immediate children of the base entry.
	ScopeOneLevel
	// ScopeSubtree considers the base entry and all of its descendants.
	ScopeSubtree
)

func (s Scope) wire() int {
	switch s {
	case ScopeOneLevel:
		return conn.ScopeSingleLevel
	case ScopeSubtree:
		return conn.ScopeWholeSubtree
	}
	return conn.ScopeBaseObject
}

// matchAllFilter is the presence filter matching every entry. An empty
// request filter means it.
const matchAllFilter = "(objectClass=*)"

// SearchRequest describes one search operation.
type SearchRequest struct {
	// Base is the DN the search starts at.
	Base string
	// Scope selects the entries considered relative to Base.
	Scope Scope
	// Filter is the search filter. Empty matches every entry.
	Filter string
	// Attributes lists the attributes to return. Nil means all attributes.
	Attributes []string
	// AttributesOnly requests attribute names without values.
	AttributesOnly bool
	// TimeLimit is the server-side time limit in seconds. Values below one
	// mean no limit.
	TimeLimit int
	// SizeLimit is the maximum number of entries the server returns. Zero
	// means no limit.
	SizeLimit int
}

// Search runs the search and collects the matching entries in server
// arrival order. Entries without attributes are dropped, continuation
// references are not followed. A noSuchObject result yields an empty slice,
// not an error.
func (s *Session) Search(req *SearchRequest) ([]*Entry, error) {
	entries, _, err := s.search(req, false)
	return entries, err
}

// SearchFirst runs the search and returns the first entry that carries
// attributes, or nil when nothing matches.
func (s *Session) SearchFirst(req *SearchRequest) (*Entry, error) {
	_, first, err := s.search(req, true)
	return first, err
}

func (s *Session) search(req *SearchRequest, firstOnly bool) ([]*Entry, *Entry, error) {
	if err := s.requireConnected(); err != nil {
		return nil, nil, err
	}
	filter := req.Filter
	if filter == "" {
		filter = matchAllFilter
	}
	timeLimit := req.TimeLimit
	if timeLimit < 0 {
		timeLimit = 0
	}
	res, err := s.conn.Search(&conn.SearchRequest{
		BaseDN:       req.Base,
		Scope:        req.Scope.wire(),
		DerefAliases: conn.NeverDerefAliases,
		SizeLimit:    req.SizeLimit,
		TimeLimit:    timeLimit,
		TypesOnly:    req.AttributesOnly,
		Filter:       filter,
		Attributes:   req.Attributes,
	})
	if err != nil {
		return nil, nil, &SearchError{Err: err}
	}
	defer res.Close()
	var entries []*Entry
	for {
		msg, err := res.Next()
		if err != nil {
			return nil, nil, &SearchError{Err: err}
		}
		switch m := msg.(type) {
		case *conn.SearchEntry:
			entry := newEntry(m)
			if entry.AttributeCount() == 0 {
				continue
			}
			if firstOnly {
				return nil, entry, nil
			}
			entries = append(entries, entry)
		case *conn.SearchReference:
			// Continuation references are not followed.
		case *conn.SearchDone:
			if m.Result != nil {
				if conn.IsErrorWithCode(m.Result, conn.ResultNoSuchObject) {
					return nil, nil, nil
				}
				return nil, nil, &SearchError{Err: m.Result}
			}
			return entries, nil, nil
		}
	}
}
