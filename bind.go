package ldapsession

import (
	"fmt"

	"github.com/userhive/ldapsession/conn"
)

// SASL mechanism names accepted by Connect.
const (
	MechanismDigestMD5 = "DIGEST-MD5"
	MechanismExternal  = "EXTERNAL"
	MechanismNTLM      = "NTLM"
)

// Credentials selects the authentication used by Connect. It is implemented
// by Simple and SASL.
type Credentials interface {
	credentials()
}

// Simple holds simple bind credentials. The zero value binds anonymously.
type Simple struct {
	// BindDN is the name to bind as. Empty means anonymous.
	BindDN string
	// Password is the bind password. Empty is sent as a zero-length
	// credential.
	Password string
}

func (Simple) credentials() {}

// SASL holds SASL bind credentials.
type SASL struct {
	// Mechanism names the SASL mechanism, one of the Mechanism constants.
	Mechanism string
	// AuthenticationID is the identity that authenticates.
	AuthenticationID string
	// Realm is the authentication realm. For NTLM it is the domain.
	Realm string
	// AuthorizationID is the identity to authorize as, when it differs from
	// AuthenticationID.
	AuthorizationID string
	// Password is the mechanism password.
	Password string
}

func (SASL) credentials() {}

// Connect establishes the transport connection, performs the StartTLS
// upgrade when requested, and binds with the given credentials. A nil creds
// binds anonymously. On any failure the session remains unconnected.
func (s *Session) Connect(creds Credentials) error {
	if s.conn != nil {
		return ErrAlreadyConnected
	}
	opts := []conn.DialOpt{conn.DialWithLogger(s.log)}
	if s.tlsConfig != nil {
		opts = append(opts, conn.DialWithTLSConfig(s.tlsConfig))
	}
	c, err := conn.DialURL(s.uri.Raw, opts...)
	if err != nil {
		return &BindError{Err: err}
	}
	if s.timeout > 0 {
		c.SetTimeout(s.timeout)
	}
	if s.useStartTLS {
		if err := c.StartTLS(s.tlsConfig); err != nil {
			c.Close()
			return &TLSError{Err: err}
		}
	}
	if err := s.bind(c, creds); err != nil {
		c.Close()
		return &BindError{Err: err}
	}
	s.conn = c
	return nil
}

func (s *Session) bind(c *conn.Conn, creds Credentials) error {
	switch cr := creds.(type) {
	case nil:
		return c.SimpleBind("", "")
	case Simple:
		return c.SimpleBind(cr.BindDN, cr.Password)
	case SASL:
		switch cr.Mechanism {
		case MechanismDigestMD5:
			return c.DigestMD5Bind(s.uri.Host, cr.AuthenticationID, cr.Realm, cr.Password, cr.AuthorizationID)
		case MechanismExternal:
			return c.ExternalBind(cr.AuthorizationID)
		case MechanismNTLM:
			return c.NTLMBind(cr.Realm, cr.AuthenticationID, cr.Password)
		}
		return fmt.Errorf("unsupported SASL mechanism %q", cr.Mechanism)
	}
	return fmt.Errorf("unsupported credential type %T", creds)
}
