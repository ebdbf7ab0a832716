package ldapsession

// AnonymousIdentity is what WhoAmI returns when the server reports no
// authorization identity for the connection.
const AnonymousIdentity = "anonym"

// rootDSEAttributes are the server capability attributes GetRootDSE asks
// for.
var rootDSEAttributes = []string{
	"namingContexts",
	"altServer",
	"supportedExtension",
	"supportedControl",
	"supportedSASLMechanisms",
	"supportedLDAPVersion",
}

// DeleteEntry deletes the entry named by dn. An empty dn is a no-op
// success; deleting at this layer is idempotent towards absent targets.
func (s *Session) DeleteEntry(dn string) error {
	if err := s.requireConnected(); err != nil {
		return err
	}
	if dn == "" {
		return nil
	}
	if err := s.conn.Del(dn); err != nil {
		return &ProtocolError{Op: "delete", Err: err}
	}
	return nil
}

// GetEntry reads the entry named by dn. It returns nil without an error
// when the entry does not exist.
func (s *Session) GetEntry(dn string, attributes ...string) (*Entry, error) {
	return s.SearchFirst(&SearchRequest{
		Base:       dn,
		Scope:      ScopeBase,
		Attributes: attributes,
	})
}

// GetRootDSE reads the server's root DSE, the entry exposing the server's
// capabilities.
func (s *Session) GetRootDSE() (*Entry, error) {
	return s.SearchFirst(&SearchRequest{
		Base:       "",
		Scope:      ScopeBase,
		Filter:     "(objectclass=*)",
		Attributes: rootDSEAttributes,
	})
}

// WhoAmI asks the server which authorization identity it associates with
// the session. An anonymous session yields AnonymousIdentity.
func (s *Session) WhoAmI() (string, error) {
	if err := s.requireConnected(); err != nil {
		return "", err
	}
	authzID, err := s.conn.WhoAmI()
	if err != nil {
		return "", &ProtocolError{Op: "whoami", Err: err}
	}
	if authzID == "" {
		return AnonymousIdentity, nil
	}
	return authzID, nil
}
