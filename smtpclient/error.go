package smtpclient

import (
	"errors"
)

var (
	ErrAddress   = errors.New("recipient address without domain")                   // Address in recipient list has no domain.
	ErrResolve   = errors.New("cannot resolve mail exchangers")                     // DNS failure, or no MX records for the domain.
	ErrConnect   = errors.New("cannot connect to any SMTP server")                  // All candidates, including the fallback host, failed.
	ErrStatus    = errors.New("remote smtp server sent error response status code") // Reply code >= 400. The code is in Error.Code.
	ErrProtocol  = errors.New("smtp protocol error")                                // Malformed reply, or a reply in an unexpected state.
	ErrTLS       = errors.New("tls error")                                          // STARTTLS handshake failure.
	ErrTransport = errors.New("smtp transport error")                               // Read/write failure, or connection closed before the session ended.
)

// Error represents a failure of an SMTP session.
//
// Code, Command and Line are only set for SMTP-level errors, and are zero values
// otherwise.
type Error struct {
	// Whether failure is permanent, typically because of 5xx response.
	Permanent bool
	// SMTP response status, e.g. 4xx for transient error and 5xx for permanent
	// failure.
	Code int
	// SMTP command causing failure, lower case, e.g. "rcpt".
	Command string
	// For errors due to SMTP responses, the full SMTP line excluding CRLF that caused
	// the error. First line of a multi-line response.
	Line string
	// Optional additional lines in case of multi-line SMTP response.
	MoreLines []string
	// Underlying error, e.g. one of the Err variables in this package, or io errors.
	Err error
}

// Unwrap returns the underlying Err.
func (e Error) Unwrap() error {
	return e.Err
}

// Error returns a readable error string.
func (e Error) Error() string {
	s := ""
	if e.Err != nil {
		s = e.Err.Error() + ", "
	}
	if e.Permanent {
		s += "permanent"
	} else {
		s += "transient"
	}
	if e.Line != "" {
		s += ": " + e.Line
	}
	return s
}
