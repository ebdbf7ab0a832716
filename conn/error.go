package conn

import (
	"errors"
	"fmt"

	ber "github.com/userhive/asn1/ber"
)

// LDAP result codes, as defined in RFC 4511 appendix A. Codes at 200 and
// above are client-side conditions that never appear on the wire.
const (
	ResultSuccess                     = 0
	ResultOperationsError             = 1
	ResultProtocolError               = 2
	ResultTimeLimitExceeded           = 3
	ResultSizeLimitExceeded           = 4
	ResultCompareFalse                = 5
	ResultCompareTrue                 = 6
	ResultAuthMethodNotSupported      = 7
	ResultStrongAuthRequired          = 8
	ResultReferral                    = 10
	ResultAdminLimitExceeded          = 11
	ResultConfidentialityRequired     = 13
	ResultSaslBindInProgress          = 14
	ResultNoSuchAttribute             = 16
	ResultConstraintViolation         = 19
	ResultNoSuchObject                = 32
	ResultAliasProblem                = 33
	ResultInvalidDNSyntax             = 34
	ResultInappropriateAuthentication = 48
	ResultInvalidCredentials          = 49
	ResultInsufficientAccessRights    = 50
	ResultBusy                        = 51
	ResultUnavailable                 = 52
	ResultUnwillingToPerform          = 53
	ResultNotAllowedOnNonLeaf         = 66
	ResultEntryAlreadyExists          = 68
	ResultOther                       = 80

	ErrorNetwork            = 200
	ErrorUnexpectedMessage  = 204
	ErrorUnexpectedResponse = 205
)

// ResultCodeMap contains string descriptions for the result codes above.
var ResultCodeMap = map[uint16]string{
	ResultSuccess:                     "Success",
	ResultOperationsError:             "Operations Error",
	ResultProtocolError:               "Protocol Error",
	ResultTimeLimitExceeded:           "Time Limit Exceeded",
	ResultSizeLimitExceeded:           "Size Limit Exceeded",
	ResultCompareFalse:                "Compare False",
	ResultCompareTrue:                 "Compare True",
	ResultAuthMethodNotSupported:      "Auth Method Not Supported",
	ResultStrongAuthRequired:          "Strong Auth Required",
	ResultReferral:                    "Referral",
	ResultAdminLimitExceeded:          "Admin Limit Exceeded",
	ResultConfidentialityRequired:     "Confidentiality Required",
	ResultSaslBindInProgress:          "Sasl Bind In Progress",
	ResultNoSuchAttribute:             "No Such Attribute",
	ResultConstraintViolation:         "Constraint Violation",
	ResultNoSuchObject:                "No Such Object",
	ResultAliasProblem:                "Alias Problem",
	ResultInvalidDNSyntax:             "Invalid DN Syntax",
	ResultInappropriateAuthentication: "Inappropriate Authentication",
	ResultInvalidCredentials:          "Invalid Credentials",
	ResultInsufficientAccessRights:    "Insufficient Access Rights",
	ResultBusy:                        "Busy",
	ResultUnavailable:                 "Unavailable",
	ResultUnwillingToPerform:          "Unwilling To Perform",
	ResultNotAllowedOnNonLeaf:         "Not Allowed On Non Leaf",
	ResultEntryAlreadyExists:          "Entry Already Exists",
	ResultOther:                       "Other",
	ErrorNetwork:                      "Network Error",
	ErrorUnexpectedMessage:            "Unexpected Message",
	ErrorUnexpectedResponse:           "Unexpected Response",
}

// Error is an LDAP result carrying the server's result code and diagnostic
// message, or a client-side condition (ErrorNetwork and friends).
type Error struct {
	// ResultCode is the LDAP result code.
	ResultCode uint16
	// MatchedDN is the matchedDN returned by the server, if any.
	MatchedDN string
	// Err is the server diagnostic message or the underlying error.
	Err error
}

// Error satisfies the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("ldap result %d (%s): %v", e.ResultCode, ResultCodeMap[e.ResultCode], e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Diagnostic returns the server diagnostic message.
func (e *Error) Diagnostic() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// NewError creates an Error with the given result code and underlying error.
func NewError(resultCode uint16, err error) error {
	return &Error{ResultCode: resultCode, Err: err}
}

// GetError extracts the result from a response envelope, returning nil when
// the server reported success. The envelope's second child must be the
// operation response whose first three children are the result code, the
// matched DN and the diagnostic message.
func GetError(p *ber.Packet) error {
	if p == nil {
		return &Error{ResultCode: ErrorUnexpectedResponse, Err: errors.New("empty packet")}
	}
	if len(p.Children) < 2 {
		return &Error{ResultCode: ErrorNetwork, Err: errors.New("invalid packet format")}
	}
	res := p.Children[1]
	if res == nil || res.Class != ber.ClassApplication || res.Type != ber.TypeConstructed || len(res.Children) < 3 {
		return &Error{ResultCode: ErrorNetwork, Err: errors.New("invalid packet format")}
	}
	code, ok := res.Children[0].Value.(int64)
	if !ok {
		return &Error{ResultCode: ErrorNetwork, Err: errors.New("invalid result code")}
	}
	if code == ResultSuccess {
		return nil
	}
	matchedDN, _ := res.Children[1].Value.(string)
	diagnostic, _ := res.Children[2].Value.(string)
	return &Error{
		ResultCode: uint16(code),
		MatchedDN:  matchedDN,
		Err:        errors.New(diagnostic),
	}
}

// IsErrorAnyOf reports whether err is an *Error with any of the given result
// codes.
func IsErrorAnyOf(err error, codes ...uint16) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	for _, code := range codes {
		if e.ResultCode == code {
			return true
		}
	}
	return false
}

// IsErrorWithCode reports whether err is an *Error with the given result
// code.
func IsErrorWithCode(err error, code uint16) bool {
	return IsErrorAnyOf(err, code)
}
