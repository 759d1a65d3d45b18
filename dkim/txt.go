package dkim

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Record is a DKIM DNS record, served on <selector>._domainkey.<domain> for a
// given selector and domain (s= and d= in the DKIM-Signature).
//
// Example:
//
//	v=DKIM1;k=ed25519;p=ln5zd/JEX4Jy60WAhUOv33IYm2YZMyTQAdr9stML504=
type Record struct {
	Version  string   // Version, fixed "DKIM1". Field "v".
	Hashes   []string // Acceptable hash algorithms, e.g. "sha256". Optional, defaults to all. Field "h".
	Key      string   // Key type, "rsa" or "ed25519". Optional, default "rsa". Field "k".
	Notes    string   // Field "n".
	Pubkey   []byte   // Public key. If empty, the key has been revoked. Field "p".
	Services []string // Service types, e.g. "*" or "email". Field "s".
	Flags    []string // E.g. "y" for testing. Field "t".

	PublicKey crypto.PublicKey `json:"-"` // Parsed form of Pubkey, *rsa.PublicKey or ed25519.PublicKey.
}

// ToTXT returns the record in DNS TXT form. Only non-default values are included.
func (r *Record) ToTXT() (string, error) {
	if r.Version != "DKIM1" {
		return "", fmt.Errorf("bad version %q, must be DKIM1", r.Version)
	}
	l := []string{"v=DKIM1"}
	if len(r.Hashes) > 0 {
		l = append(l, "h="+strings.Join(r.Hashes, ":"))
	}
	if r.Key != "" && !strings.EqualFold(r.Key, "rsa") {
		l = append(l, "k="+r.Key)
	}
	if r.Notes != "" {
		l = append(l, "n="+r.Notes)
	}
	if len(r.Services) > 0 && (len(r.Services) != 1 || r.Services[0] != "*") {
		l = append(l, "s="+strings.Join(r.Services, ":"))
	}
	if len(r.Flags) > 0 {
		l = append(l, "t="+strings.Join(r.Flags, ":"))
	}
	l = append(l, "p="+base64.StdEncoding.EncodeToString(r.Pubkey))
	return strings.Join(l, ";"), nil
}

// NewRecord returns a record for the public key of signer.
func NewRecord(key crypto.Signer) (*Record, error) {
	r := &Record{Version: "DKIM1", Hashes: []string{"sha256"}, Flags: []string{"s"}}
	switch pub := key.Public().(type) {
	case ed25519.PublicKey:
		r.Key = "ed25519"
		r.Pubkey = []byte(pub)
	case *rsa.PublicKey:
		r.Key = "rsa"
		buf, err := x509.MarshalPKIXPublicKey(pub)
		if err != nil {
			return nil, fmt.Errorf("marshal rsa public key: %v", err)
		}
		r.Pubkey = buf
	default:
		return nil, fmt.Errorf("unsupported key type %T", pub)
	}
	r.PublicKey = key.Public()
	return r, nil
}

// ParseRecord parses a DKIM DNS TXT record.
//
// If the record is a dkim record, but an error occurred, isdkim will be true and
// err will be the error. Such errors must be treated differently from parse
// errors where the record does not appear to be DKIM, which can happen with
// misconfigured DNS (e.g. wildcard records).
func ParseRecord(s string) (record *Record, isdkim bool, err error) {
	tags, err := parseTags(s)
	if err != nil {
		return nil, false, err
	}
	if len(tags) > 0 && tags[0].name == "v" {
		if tags[0].value != "DKIM1" {
			return nil, false, fmt.Errorf("unknown version %q", tags[0].value)
		}
		isdkim = true
	}

	r := &Record{Version: "DKIM1", Key: "rsa"}
	var havePubkey bool
	for _, t := range tags {
		switch t.name {
		case "v":
			// Only allowed as first tag. ../rfc/6376:1376
			if t != tags[0] {
				return nil, isdkim, errors.New("version not first tag")
			}
		case "h":
			r.Hashes = splitList(strings.ToLower(t.value))
		case "k":
			r.Key = strings.ToLower(t.value)
		case "n":
			r.Notes = t.value
		case "p":
			havePubkey = true
			r.Pubkey, err = base64.StdEncoding.DecodeString(removeFWS(t.value))
			if err != nil {
				return nil, isdkim, fmt.Errorf("decoding public key: %v", err)
			}
		case "s":
			r.Services = splitList(strings.ToLower(t.value))
		case "t":
			r.Flags = splitList(strings.ToLower(t.value))
		}
	}
	if !havePubkey {
		return nil, isdkim, errors.New("missing public key field p")
	}
	isdkim = true
	if len(r.Pubkey) == 0 {
		// Revoked key.
		return r, true, nil
	}
	switch r.Key {
	case "rsa":
		pk, err := x509.ParsePKIXPublicKey(r.Pubkey)
		if err != nil {
			return nil, true, fmt.Errorf("parsing rsa public key: %v", err)
		}
		if _, ok := pk.(*rsa.PublicKey); !ok {
			return nil, true, fmt.Errorf("public key is %T, not rsa", pk)
		}
		r.PublicKey = pk
	case "ed25519":
		if len(r.Pubkey) != ed25519.PublicKeySize {
			return nil, true, fmt.Errorf("ed25519 public key has %d bytes, need %d", len(r.Pubkey), ed25519.PublicKeySize)
		}
		r.PublicKey = ed25519.PublicKey(r.Pubkey)
	default:
		return nil, true, fmt.Errorf("unknown key type %q", r.Key)
	}
	return r, true, nil
}

// HashAllowed returns whether hash algorithm h is acceptable for this record.
func (r *Record) HashAllowed(h string) bool {
	if len(r.Hashes) == 0 {
		return true
	}
	for _, x := range r.Hashes {
		if strings.EqualFold(x, h) {
			return true
		}
	}
	return false
}
