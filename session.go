// Package ldapsession provides a stateful LDAP client session: connect to a
// directory server, optionally upgrade the connection with StartTLS, bind
// with simple or SASL credentials, and run search, delete and whoami
// operations against it.
package ldapsession

import (
	"crypto/tls"
	"time"

	"go.uber.org/zap"

	"github.com/userhive/ldapsession/conn"
)

// DefaultURI is the server URI used when none is given.
const DefaultURI = "ldap://localhost:389/"

// Session is a client session with a single directory server. A Session is
// not safe for concurrent use; callers running operations from multiple
// goroutines must serialize them.
type Session struct {
	uri         *ServerURL
	useStartTLS bool
	tlsConfig   *tls.Config
	timeout     time.Duration
	log         *zap.Logger
	conn        *conn.Conn
}

// Option configures a Session at construction.
type Option func(*Session)

// WithStartTLS requests a StartTLS upgrade before binding. The request is
// ignored for ldaps URIs, whose transport is already encrypted.
func WithStartTLS() Option {
	return func(s *Session) {
		s.useStartTLS = true
	}
}

// WithTLSConfig sets the TLS configuration used for ldaps connections and
// StartTLS upgrades.
func WithTLSConfig(config *tls.Config) Option {
	return func(s *Session) {
		s.tlsConfig = config
	}
}

// WithTimeout sets the per-request timeout. Zero means no timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(s *Session) {
		s.timeout = timeout
	}
}

// WithLogger sets the session logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Session) {
		s.log = log
	}
}

// New creates a session for the server at uri. An empty uri means
// DefaultURI. No network activity happens until Connect.
func New(uri string, opts ...Option) (*Session, error) {
	if uri == "" {
		uri = DefaultURI
	}
	u, err := ParseURL(uri)
	if err != nil {
		return nil, err
	}
	s := &Session{
		uri: u,
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	// An ldaps transport is encrypted at the socket layer already, so an
	// in-band upgrade on top of it is never wanted.
	if u.IsTLS() {
		s.useStartTLS = false
	}
	return s, nil
}

// URI returns the server URI.
func (s *Session) URI() string {
	return s.uri.Raw
}

// UseStartTLS reports whether Connect will perform a StartTLS upgrade.
func (s *Session) UseStartTLS() bool {
	return s.useStartTLS
}

// IsConnected reports whether the session holds an open connection.
func (s *Session) IsConnected() bool {
	return s.conn != nil
}

func (s *Session) requireConnected() error {
	if s.conn == nil {
		return ErrNotConnected
	}
	return nil
}

// Close unbinds from the server and releases the connection. It is a no-op
// on a session that is not connected and is safe to call multiple times.
func (s *Session) Close() error {
	if s.conn == nil {
		return nil
	}
	c := s.conn
	s.conn = nil
	if err := c.Unbind(); err != nil {
		return &ProtocolError{Op: "unbind", Err: err}
	}
	return nil
}
