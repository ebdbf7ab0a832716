// Package ldaptest provides an in-process LDAP server with scripted
// responses for tests.
package ldaptest

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"

	ber "github.com/userhive/asn1/ber"
	"github.com/userhive/asn1/ldap/filter"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/userhive/ldapsession/conn"
)

// Attribute is one attribute of a scripted entry.
type Attribute struct {
	Name   string
	Values []string
}

// Entry is one scripted search result entry. An entry with no attributes is
// sent as a degenerate searchResultEntry.
type Entry struct {
	DN         string
	Attributes []Attribute
}

// SearchRecord is one search request as seen by the server.
type SearchRecord struct {
	Base       string
	Scope      int64
	Filter     string
	Attributes []string
	SizeLimit  int64
	TimeLimit  int64
	TypesOnly  bool
}

// Handler scripts the server's behavior and records what the server saw.
// The zero value accepts any bind and answers every search with an empty
// success.
type Handler struct {
	// BindDN and BindPassword, when BindDN is non-empty, are the only
	// accepted simple credentials; other credentials get
	// invalidCredentials.
	BindDN       string
	BindPassword string
	// BindResult, when non-zero, is returned for every bind attempt.
	BindResult     uint16
	BindDiagnostic string

	// DigestMD5User, when non-empty, enables the DIGEST-MD5 mechanism: the
	// server issues a challenge and accepts a response naming that user.
	DigestMD5User string
	// Realm is the realm sent in the DIGEST-MD5 challenge.
	Realm string

	// Entries and References are replayed, in order, for every search.
	Entries    []Entry
	References [][]string
	// SearchResult is the searchResultDone result code.
	SearchResult     uint16
	SearchDiagnostic string

	// DeleteResult maps a DN to its delResponse result code. Unlisted DNs
	// succeed.
	DeleteResult map[string]uint16

	// AuthzID is the Who Am I response. Empty reports an anonymous session.
	AuthzID string

	// StartTLSResult is the result code for StartTLS requests. Zero means
	// protocolError; this server never completes a TLS handshake.
	StartTLSResult uint16

	mu       sync.Mutex
	binds    []string
	deletes  []string
	searches []SearchRecord
}

// Binds returns the bind names the server has seen.
func (h *Handler) Binds() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.binds...)
}

// Deletes returns the DNs of the delete requests the server has seen.
func (h *Handler) Deletes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.deletes...)
}

// Searches returns the search requests the server has seen.
func (h *Handler) Searches() []SearchRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]SearchRecord(nil), h.searches...)
}

// Server is the scripted test server.
type Server struct {
	Handler *Handler

	l    net.Listener
	log  *zap.Logger
	wg   sync.WaitGroup
	mu   sync.Mutex
	done bool
}

// New starts a server on a loopback address and registers its shutdown with
// t.Cleanup.
func New(t *testing.T, h *Handler) *Server {
	t.Helper()
	if h == nil {
		h = &Handler{}
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &Server{
		Handler: h,
		l:       l,
		log:     zaptest.NewLogger(t).Named("ldaptest"),
	}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// URL returns the server's ldap:// URL.
func (s *Server) URL() string {
	return fmt.Sprintf("ldap://%s/", s.l.Addr().String())
}

// Close stops the listener and waits for in-flight connections.
func (s *Server) Close() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.mu.Unlock()
	s.l.Close()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		c, err := s.l.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer c.Close()
			s.serveConn(c)
		}()
	}
}

func (s *Server) serveConn(c net.Conn) {
	for {
		_, p, err := ber.Parse(c)
		if err != nil {
			return
		}
		if len(p.Children) < 2 {
			s.log.Warn("malformed request")
			return
		}
		id, ok := p.Children[0].Value.(int64)
		if !ok {
			s.log.Warn("missing message id")
			return
		}
		op := p.Children[1]
		switch conn.Application(op.Tag) {
		case conn.ApplicationBindRequest:
			s.handleBind(c, id, op)
		case conn.ApplicationUnbindRequest:
			return
		case conn.ApplicationSearchRequest:
			s.handleSearch(c, id, op)
		case conn.ApplicationDelRequest:
			s.handleDelete(c, id, op)
		case conn.ApplicationExtendedRequest:
			s.handleExtended(c, id, op)
		case conn.ApplicationAbandonRequest:
			// no response
		default:
			s.log.Warn("unhandled request", zap.Int64("tag", int64(op.Tag)))
			return
		}
	}
}

func (s *Server) handleBind(c net.Conn, id int64, op *ber.Packet) {
	h := s.Handler
	if len(op.Children) < 3 {
		s.write(c, id, resultPacket(conn.ApplicationBindResponse, conn.ResultProtocolError, "", "malformed bind request"))
		return
	}
	name, _ := op.Children[1].Value.(string)
	auth := op.Children[2]
	if auth.Tag == 3 && auth.Class == ber.ClassContext {
		s.handleSASLBind(c, id, name, auth)
		return
	}
	h.mu.Lock()
	h.binds = append(h.binds, name)
	h.mu.Unlock()
	if h.BindResult != 0 {
		s.write(c, id, resultPacket(conn.ApplicationBindResponse, h.BindResult, "", h.BindDiagnostic))
		return
	}
	if h.BindDN != "" && (name != h.BindDN || auth.Data.String() != h.BindPassword) {
		s.write(c, id, resultPacket(conn.ApplicationBindResponse, conn.ResultInvalidCredentials, "", "invalid credentials"))
		return
	}
	s.write(c, id, resultPacket(conn.ApplicationBindResponse, conn.ResultSuccess, "", ""))
}

func (s *Server) handleSASLBind(c net.Conn, id int64, name string, auth *ber.Packet) {
	h := s.Handler
	mechanism, _ := auth.Children[0].Value.(string)
	h.mu.Lock()
	h.binds = append(h.binds, name)
	h.mu.Unlock()
	switch {
	case mechanism == "EXTERNAL":
		s.write(c, id, resultPacket(conn.ApplicationBindResponse, conn.ResultSuccess, "", ""))
	case mechanism == "DIGEST-MD5" && h.DigestMD5User != "":
		if len(auth.Children) < 2 {
			nonce := make([]byte, 16)
			rand.Read(nonce)
			challenge := fmt.Sprintf(
				`realm="%s",nonce="%s",qop="auth",charset=utf-8,algorithm=md5-sess`,
				h.Realm, hex.EncodeToString(nonce),
			)
			creds := ber.NewString(ber.ClassContext, ber.TypePrimitive, 7, challenge)
			s.write(c, id, resultPacket(conn.ApplicationBindResponse, conn.ResultSaslBindInProgress, "", "", creds))
			return
		}
		response := auth.Children[1].Data.String()
		if !strings.Contains(response, fmt.Sprintf("username=%q", h.DigestMD5User)) {
			s.write(c, id, resultPacket(conn.ApplicationBindResponse, conn.ResultInvalidCredentials, "", "invalid credentials"))
			return
		}
		s.write(c, id, resultPacket(conn.ApplicationBindResponse, conn.ResultSuccess, "", ""))
	default:
		s.write(c, id, resultPacket(conn.ApplicationBindResponse, conn.ResultAuthMethodNotSupported, "", "unsupported mechanism"))
	}
}

func (s *Server) handleSearch(c net.Conn, id int64, op *ber.Packet) {
	h := s.Handler
	if len(op.Children) < 8 {
		s.write(c, id, resultPacket(conn.ApplicationSearchResultDone, conn.ResultProtocolError, "", "malformed search request"))
		return
	}
	rec := SearchRecord{}
	rec.Base, _ = op.Children[0].Value.(string)
	rec.Scope, _ = op.Children[1].Value.(int64)
	rec.SizeLimit, _ = op.Children[3].Value.(int64)
	rec.TimeLimit, _ = op.Children[4].Value.(int64)
	rec.TypesOnly, _ = op.Children[5].Value.(bool)
	if f, err := filter.Decompile(op.Children[6]); err == nil {
		rec.Filter = f
	}
	for _, attr := range op.Children[7].Children {
		if a, ok := attr.Value.(string); ok {
			rec.Attributes = append(rec.Attributes, a)
		}
	}
	h.mu.Lock()
	h.searches = append(h.searches, rec)
	h.mu.Unlock()
	for _, e := range h.Entries {
		s.write(c, id, entryPacket(e))
	}
	for _, uris := range h.References {
		s.write(c, id, referencePacket(uris))
	}
	s.write(c, id, resultPacket(conn.ApplicationSearchResultDone, h.SearchResult, "", h.SearchDiagnostic))
}

func (s *Server) handleDelete(c net.Conn, id int64, op *ber.Packet) {
	h := s.Handler
	dn := op.Data.String()
	h.mu.Lock()
	h.deletes = append(h.deletes, dn)
	h.mu.Unlock()
	s.write(c, id, resultPacket(conn.ApplicationDelResponse, h.DeleteResult[dn], "", ""))
}

func (s *Server) handleExtended(c net.Conn, id int64, op *ber.Packet) {
	h := s.Handler
	if len(op.Children) < 1 {
		s.write(c, id, resultPacket(conn.ApplicationExtendedResponse, conn.ResultProtocolError, "", "malformed extended request"))
		return
	}
	switch oid := op.Children[0].Data.String(); oid {
	case conn.OIDWhoAmI:
		value := ber.NewString(ber.ClassContext, ber.TypePrimitive, 11, h.AuthzID)
		s.write(c, id, resultPacket(conn.ApplicationExtendedResponse, conn.ResultSuccess, "", "", value))
	case conn.OIDStartTLS:
		code := h.StartTLSResult
		if code == 0 {
			code = conn.ResultProtocolError
		}
		s.write(c, id, resultPacket(conn.ApplicationExtendedResponse, code, "", "TLS not supported"))
	default:
		s.write(c, id, resultPacket(conn.ApplicationExtendedResponse, conn.ResultProtocolError, "", "unsupported extended operation"))
	}
}

func (s *Server) write(c net.Conn, id int64, op *ber.Packet) {
	envelope := ber.NewPacket(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil)
	envelope.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, id))
	envelope.AppendChild(op)
	if _, err := c.Write(envelope.Bytes()); err != nil {
		s.log.Warn("write", zap.Error(err))
	}
}

func resultPacket(app conn.Application, code uint16, matchedDN, diag string, extra ...*ber.Packet) *ber.Packet {
	p := ber.NewPacket(ber.ClassApplication, ber.TypeConstructed, app.Tag(), nil)
	p.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(code)))
	p.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, matchedDN))
	p.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, diag))
	for _, e := range extra {
		p.AppendChild(e)
	}
	return p
}

func entryPacket(e Entry) *ber.Packet {
	p := ber.NewPacket(ber.ClassApplication, ber.TypeConstructed, conn.ApplicationSearchResultEntry.Tag(), nil)
	p.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, e.DN))
	attrs := ber.NewSequence()
	for _, attr := range e.Attributes {
		a := ber.NewSequence()
		a.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, attr.Name))
		values := ber.NewPacket(ber.ClassUniversal, ber.TypeConstructed, ber.TagSet, nil)
		for _, v := range attr.Values {
			values.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, v))
		}
		a.AppendChild(values)
		attrs.AppendChild(a)
	}
	p.AppendChild(attrs)
	return p
}

func referencePacket(uris []string) *ber.Packet {
	p := ber.NewPacket(ber.ClassApplication, ber.TypeConstructed, conn.ApplicationSearchResultReference.Tag(), nil)
	for _, uri := range uris {
		p.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, uri))
	}
	return p
}
