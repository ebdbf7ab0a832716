package ldapsession

import (
	"errors"
	"fmt"

	"github.com/userhive/ldapsession/conn"
)

var (
	// ErrNotConnected is returned when an operation that needs an
	// established session is invoked before Connect, or after Close.
	ErrNotConnected = errors.New("ldapsession: not connected")
	// ErrAlreadyConnected is returned by Connect on a session that already
	// has an open connection.
	ErrAlreadyConnected = errors.New("ldapsession: already connected")
)

// URLError reports a malformed or unsupported server URI.
type URLError struct {
	URI string
	Err error
}

// Error satisfies the error interface.
func (e *URLError) Error() string {
	return fmt.Sprintf("invalid LDAP URL %q: %v", e.URI, e.Err)
}

// Unwrap satisfies the errors.Unwrap interface.
func (e *URLError) Unwrap() error {
	return e.Err
}

// TLSError reports a failed StartTLS upgrade. The session remains
// unconnected when it is returned.
type TLSError struct {
	Err error
}

// Error satisfies the error interface.
func (e *TLSError) Error() string {
	return fmt.Sprintf("starttls failed: %v", e.Err)
}

// Unwrap satisfies the errors.Unwrap interface.
func (e *TLSError) Unwrap() error {
	return e.Err
}

// BindError reports a failed connect or bind attempt. The session remains
// unconnected when it is returned.
type BindError struct {
	Err error
}

// Error satisfies the error interface.
func (e *BindError) Error() string {
	return fmt.Sprintf("bind failed: %v", e.Err)
}

// Unwrap satisfies the errors.Unwrap interface.
func (e *BindError) Unwrap() error {
	return e.Err
}

// Diagnostic returns the server's diagnostic message, if any.
func (e *BindError) Diagnostic() string {
	return diagnostic(e.Err)
}

// SearchError reports a non-success search result other than
// noSuchObject.
type SearchError struct {
	Err error
}

// Error satisfies the error interface.
func (e *SearchError) Error() string {
	return fmt.Sprintf("search failed: %v", e.Err)
}

// Unwrap satisfies the errors.Unwrap interface.
func (e *SearchError) Unwrap() error {
	return e.Err
}

// Diagnostic returns the server's diagnostic message, if any.
func (e *SearchError) Diagnostic() string {
	return diagnostic(e.Err)
}

// ProtocolError reports a non-success result from delete, whoami or unbind.
type ProtocolError struct {
	Op  string
	Err error
}

// Error satisfies the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

// Unwrap satisfies the errors.Unwrap interface.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func diagnostic(err error) string {
	var le *conn.Error
	if errors.As(err, &le) {
		return le.Diagnostic()
	}
	return ""
}
