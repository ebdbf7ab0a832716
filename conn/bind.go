package conn

import (
	"bytes"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/Azure/go-ntlmssp"
	ber "github.com/userhive/asn1/ber"
)

// SimpleBindRequest is a simple (name and password) bind request.
type SimpleBindRequest struct {
	// DN is the name of the directory object to bind as. Empty means an
	// anonymous bind.
	DN string
	// Password is the bind password. Empty means an unauthenticated bind.
	Password string
}

// AppendTo satisfies the Request interface.
func (req *SimpleBindRequest) AppendTo(envelope *ber.Packet) error {
	pkt := ber.NewPacket(ber.ClassApplication, ber.TypeConstructed, ApplicationBindRequest.Tag(), nil)
	pkt.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, 3))
	pkt.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, req.DN))
	pkt.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 0, req.Password))
	envelope.AppendChild(pkt)
	return nil
}

// SimpleBind performs a simple bind. Anonymous and unauthenticated binds
// (empty name or password) are permitted; rejecting them is the caller's
// policy decision.
func (c *Conn) SimpleBind(dn, password string) error {
	msgCtx, err := c.Do(&SimpleBindRequest{DN: dn, Password: password})
	if err != nil {
		return err
	}
	defer c.FinishMessage(msgCtx)
	packet, err := c.ReadPacket(msgCtx)
	if err != nil {
		return err
	}
	return GetError(packet)
}

// saslBindRequest is the initial SASL bind request for the given mechanism,
// with optional initial credentials.
type saslBindRequest struct {
	mechanism   string
	credentials string
	withCreds   bool
}

func (req *saslBindRequest) AppendTo(envelope *ber.Packet) error {
	pkt := ber.NewPacket(ber.ClassApplication, ber.TypeConstructed, ApplicationBindRequest.Tag(), nil)
	pkt.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, 3))
	pkt.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, ""))
	auth := ber.NewPacket(ber.ClassContext, ber.TypeConstructed, 3, nil)
	auth.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, req.mechanism))
	if req.withCreds {
		auth.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, req.credentials))
	}
	pkt.AppendChild(auth)
	envelope.AppendChild(pkt)
	return nil
}

// ExternalBind performs a SASL EXTERNAL bind, asserting the identity already
// established by the lower layer (TLS client certificate or Unix socket
// peer). authzID requests authorization as a different identity and is
// usually empty.
func (c *Conn) ExternalBind(authzID string) error {
	msgCtx, err := c.Do(&saslBindRequest{mechanism: "EXTERNAL", credentials: authzID, withCreds: true})
	if err != nil {
		return err
	}
	defer c.FinishMessage(msgCtx)
	packet, err := c.ReadPacket(msgCtx)
	if err != nil {
		return err
	}
	return GetError(packet)
}

// DigestMD5Bind performs a SASL DIGEST-MD5 bind (RFC 2831), one
// challenge/response round trip with qop=auth. host names the server for the
// digest-uri. realm overrides the realm proposed by the server; authzID is
// optional.
func (c *Conn) DigestMD5Bind(host, username, realm, password, authzID string) error {
	msgCtx, err := c.Do(&saslBindRequest{mechanism: "DIGEST-MD5"})
	if err != nil {
		return err
	}
	defer c.FinishMessage(msgCtx)
	packet, err := c.ReadPacket(msgCtx)
	if err != nil {
		return err
	}
	challenge, err := saslChallenge(packet)
	if err != nil {
		return err
	}
	if challenge == "" {
		// no challenge means the server answered the first round directly
		return GetError(packet)
	}
	params, err := parseSASLParams(challenge)
	if err != nil {
		return NewError(ErrorUnexpectedResponse, fmt.Errorf("parsing digest-challenge: %w", err))
	}
	if realm == "" {
		realm = params["realm"]
	}
	response := digestMD5Response(params, "ldap/"+strings.ToLower(host), username, realm, password, authzID)
	msgCtx2, err := c.Do(&saslBindRequest{mechanism: "DIGEST-MD5", credentials: response, withCreds: true})
	if err != nil {
		return err
	}
	defer c.FinishMessage(msgCtx2)
	packet, err = c.ReadPacket(msgCtx2)
	if err != nil {
		return err
	}
	return GetError(packet)
}

// saslChallenge extracts the serverSaslCreds value from a bind response that
// reports saslBindInProgress. It returns "" when the response carries no
// challenge.
func saslChallenge(packet *ber.Packet) (string, error) {
	if len(packet.Children) < 2 {
		return "", NewError(ErrorUnexpectedResponse, errors.New("invalid bind response"))
	}
	res := packet.Children[1]
	if len(res.Children) < 4 {
		return "", nil
	}
	code, ok := res.Children[0].Value.(int64)
	if !ok || code != ResultSaslBindInProgress {
		return "", nil
	}
	creds := res.Children[3]
	// serverSaslCreds is context tag 7
	if creds.Tag != 7 {
		return "", nil
	}
	return creds.Data.String(), nil
}

// NTLMBind performs an NTLMSSP bind for the given domain, username and
// password using the negotiate/challenge/authenticate exchange.
func (c *Conn) NTLMBind(domain, username, password string) error {
	msgCtx, err := c.Do(&ntlmBindRequest{domain: domain})
	if err != nil {
		return err
	}
	defer c.FinishMessage(msgCtx)
	packet, err := c.ReadPacket(msgCtx)
	if err != nil {
		return err
	}
	challenge := ntlmChallenge(packet)
	if challenge == nil {
		return GetError(packet)
	}
	responseMessage, err := ntlmssp.ProcessChallenge(challenge, username, password, domain != "")
	if err != nil {
		return NewError(ErrorUnexpectedResponse, fmt.Errorf("parsing ntlm-challenge: %w", err))
	}
	msgCtx2, err := c.Do(RequestFunc(func(envelope *ber.Packet) error {
		pkt := ber.NewPacket(ber.ClassApplication, ber.TypeConstructed, ApplicationBindRequest.Tag(), nil)
		pkt.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, 3))
		pkt.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, ""))
		pkt.AppendChild(ber.NewPacket(ber.ClassContext, ber.TypePrimitive, ber.TagEmbeddedPDV, responseMessage))
		envelope.AppendChild(pkt)
		return nil
	}))
	if err != nil {
		return err
	}
	defer c.FinishMessage(msgCtx2)
	packet, err = c.ReadPacket(msgCtx2)
	if err != nil {
		return err
	}
	return GetError(packet)
}

type ntlmBindRequest struct {
	domain string
}

func (req *ntlmBindRequest) AppendTo(envelope *ber.Packet) error {
	pkt := ber.NewPacket(ber.ClassApplication, ber.TypeConstructed, ApplicationBindRequest.Tag(), nil)
	pkt.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, 3))
	pkt.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, ""))
	negMessage, err := ntlmssp.NewNegotiateMessage(req.domain, "")
	if err != nil {
		return fmt.Errorf("creating ntlm negotiate message: %w", err)
	}
	pkt.AppendChild(ber.NewPacket(ber.ClassContext, ber.TypePrimitive, ber.TagEnumerated, negMessage))
	envelope.AppendChild(pkt)
	return nil
}

// ntlmChallenge extracts the NTLMSSP challenge bytes from a bind response,
// nil if there is none.
func ntlmChallenge(packet *ber.Packet) []byte {
	if len(packet.Children) != 2 || len(packet.Children[1].Children) != 3 {
		return nil
	}
	challenge := packet.Children[1].Children[1].Data.Bytes()
	if len(challenge) < 7 || !bytes.Equal(challenge[:7], []byte("NTLMSSP")) {
		return nil
	}
	return challenge
}

// parseSASLParams parses a comma-separated list of key=value pairs with
// optionally quoted values, as used by the DIGEST-MD5 challenge.
func parseSASLParams(s string) (map[string]string, error) {
	m := make(map[string]string)
	var key, value string
	var state int
	for i := 0; i <= len(s); i++ {
		switch state {
		case 0: // reading key
			if i == len(s) {
				return nil, fmt.Errorf("syntax error at %d", i)
			}
			if s[i] != '=' {
				key += string(s[i])
				continue
			}
			state = 1
		case 1: // reading value
			if i == len(s) {
				m[key] = value
				break
			}
			switch s[i] {
			case ',':
				m[key] = value
				state = 0
				key = ""
				value = ""
			case '"':
				if value != "" {
					return nil, fmt.Errorf("syntax error at %d", i)
				}
				state = 2
			default:
				value += string(s[i])
			}
		case 2: // inside quotes
			if i == len(s) {
				return nil, fmt.Errorf("syntax error at %d", i)
			}
			if s[i] != '"' {
				value += string(s[i])
			} else {
				state = 1
			}
		}
	}
	return m, nil
}

// digestMD5Response computes the RFC 2831 digest-response for qop=auth.
func digestMD5Response(params map[string]string, uri, username, realm, password, authzID string) string {
	nc := "00000001"
	qop := "auth"
	cnonce := hex.EncodeToString(randomBytes(16))
	x := username + ":" + realm + ":" + password
	y := md5Hash([]byte(x))
	a1 := bytes.NewBuffer(y)
	a1.WriteString(":" + params["nonce"] + ":" + cnonce)
	if authzID != "" {
		a1.WriteString(":" + authzID)
	}
	a2 := bytes.NewBuffer([]byte("AUTHENTICATE"))
	a2.WriteString(":" + uri)
	ha1 := hex.EncodeToString(md5Hash(a1.Bytes()))
	ha2 := hex.EncodeToString(md5Hash(a2.Bytes()))
	kd := strings.Join([]string{ha1, params["nonce"], nc, cnonce, qop, ha2}, ":")
	resp := hex.EncodeToString(md5Hash([]byte(kd)))
	buf := new(bytes.Buffer)
	fmt.Fprintf(
		buf,
		`username="%s",realm="%s",nonce="%s",cnonce="%s",nc=%s,qop=%s,digest-uri="%s",response=%s`,
		username, realm, params["nonce"], cnonce, nc, qop, uri, resp,
	)
	if authzID != "" {
		fmt.Fprintf(buf, `,authzid="%s"`, authzID)
	}
	return buf.String()
}

func md5Hash(b []byte) []byte {
	hasher := md5.New()
	hasher.Write(b)
	return hasher.Sum(nil)
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}
