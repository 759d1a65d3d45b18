package mxio

import (
	"crypto/tls"
	"fmt"
)

// TLSInfo returns the protocol version and cipher suite of a connection, for
// logging.
func TLSInfo(cs tls.ConnectionState) (version, ciphersuite string) {
	switch cs.Version {
	case tls.VersionTLS12:
		version = "TLS1.2"
	case tls.VersionTLS13:
		version = "TLS1.3"
	default:
		version = fmt.Sprintf("TLS %x", cs.Version)
	}
	return version, tls.CipherSuiteName(cs.CipherSuite)
}
