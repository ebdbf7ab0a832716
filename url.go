package ldapsession

import (
	"errors"
	"net"
	"net/url"
)

// ServerURL is a validated, decomposed LDAP server URI.
type ServerURL struct {
	// Raw is the URI as given.
	Raw string
	// Scheme is one of "ldap", "ldaps" or "ldapi".
	Scheme string
	// Host is the host without any port.
	Host string
	// Port is the explicit port, or empty when the URI carries none.
	Port string
}

// IsTLS reports whether the URI names an implicitly encrypted transport.
func (u *ServerURL) IsTLS() bool {
	return u.Scheme == "ldaps"
}

// ParseURL validates and decomposes an LDAP server URI. ldap://, ldaps://
// and ldapi:// schemes are accepted.
func ParseURL(uri string) (*ServerURL, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, &URLError{URI: uri, Err: err}
	}
	switch u.Scheme {
	case "ldap", "ldaps", "ldapi":
	default:
		return nil, &URLError{URI: uri, Err: errors.New("unsupported scheme")}
	}
	host, port := u.Host, ""
	if h, p, err := net.SplitHostPort(u.Host); err == nil {
		host, port = h, p
	}
	if host == "" && u.Scheme != "ldapi" {
		return nil, &URLError{URI: uri, Err: errors.New("missing host")}
	}
	return &ServerURL{
		Raw:    uri,
		Scheme: u.Scheme,
		Host:   host,
		Port:   port,
	}, nil
}
