package dkim

import (
	"crypto"
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// ParseKey parses a PEM-encoded private key, in PKCS#8 form ("PRIVATE KEY") or
// PKCS#1 form ("RSA PRIVATE KEY"). Only rsa and ed25519 keys are supported.
func ParseKey(buf []byte) (crypto.Signer, error) {
	b, _ := pem.Decode(buf)
	if b == nil {
		return nil, errors.New("no pem block")
	}
	var key any
	var err error
	switch b.Type {
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(b.Bytes)
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(b.Bytes)
	default:
		return nil, fmt.Errorf("unrecognized pem block type %q", b.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %v", err)
	}
	switch k := key.(type) {
	case *rsa.PrivateKey:
		if k.N.BitLen() < 1024 {
			return nil, fmt.Errorf("rsa key too small, %d bits, need at least 1024", k.N.BitLen())
		}
		return k, nil
	case ed25519.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
}

// GenerateKey returns a new PKCS#8 PEM-encoded private key, for kind "ed25519"
// or "rsa" (2048 bits).
func GenerateKey(kind string) ([]byte, error) {
	var key any
	switch kind {
	case "ed25519":
		_, k, err := ed25519.GenerateKey(cryptorand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generating ed25519 key: %v", err)
		}
		key = k
	case "rsa":
		k, err := rsa.GenerateKey(cryptorand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("generating rsa key: %v", err)
		}
		key = k
	default:
		return nil, fmt.Errorf("unknown key type %q", kind)
	}
	buf, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %v", err)
	}
	b := &pem.Block{
		Type: "PRIVATE KEY",
		Headers: map[string]string{
			"Note": "dkim " + kind + " private key, generated by sendmx",
		},
		Bytes: buf,
	}
	return pem.EncodeToMemory(b), nil
}
